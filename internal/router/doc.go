// Package router applies streamed updates to the registry.
//
// A single goroutine consumes the session's update channel, so updates are
// applied in delivery order. Applied updates are optionally copied into a
// GrowableBuffer for the archive writer.
package router
