// Package connection implements the upstream streaming session.
//
// A Session owns one WebSocket to the price provider and drives the
// protocol state machine from a single goroutine:
//
//	Disconnected -> Handshaking -> Ready -> Degraded -> Disconnected
//
// Subscribe and unsubscribe frames are only written while Ready; frames
// requested in any other state are queued and flushed on the next Ready.
// Lost connections are re-dialled with capped exponential backoff, forever,
// until Close is called. Price updates are delivered in arrival order on
// Updates(); lifecycle changes are reported to listeners as Events.
package connection
