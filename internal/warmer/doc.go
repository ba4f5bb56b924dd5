// Package warmer implements the background subscription refresher.
//
// Every interval (TTL/3 by default), while the upstream session is Ready,
// the warmer scans a snapshot of the registry and:
//   - subscribes Pending entries nobody has claimed (after a reconnect, or
//     after an unconfirmed subscribe)
//   - re-sends subscribe for entries whose last value is older than
//     TTL minus the refresh margin
//   - removes entries marked Expiring on the previous cycle that are still idle
//   - marks entries idle for longer than the idle threshold Expiring and
//     unsubscribes them
//
// Frames are sent with bounded concurrency. A cycle never holds a registry
// lock while talking to the session.
package warmer
