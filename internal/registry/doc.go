// Package registry implements the Subscription Registry.
//
// The Subscription Registry:
//   - Maps each normalized symbol to its subscription state and last streamed value
//   - Is the single source of truth the query path reads from
//   - Is written by the push pipeline, the warmer, and the query router concurrently
//   - Locks per entry; the index lock is held only for lookups, inserts and deletes
package registry
