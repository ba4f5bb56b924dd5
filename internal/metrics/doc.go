// Package metrics records operational events emitted by the cache.
//
// Components emit named events (cache hits and misses, fallback fetch
// failures, subscribe traffic, session transitions). The Recorder counts
// them per name and mirrors them to the structured log at debug level;
// counters are exposed through the debug HTTP endpoint.
package metrics
