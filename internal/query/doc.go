// Package query answers point-in-time price queries.
//
// A query touches the registry, then either returns the streamed value
// (cache hit, no I/O) or calls the fallback fetcher and, without delaying
// the response, makes sure exactly one subscribe is sent for the symbol so
// later queries hit the cache.
package query
