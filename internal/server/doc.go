// Package server exposes the price cache over HTTP.
//
// Routes:
//   - POST /                      adapter request {"id", "data": {"base"}}
//   - GET  /quote/{symbol}        single quote
//   - GET  /health                session status and subscription count
//   - GET  /debug/subscriptions   registry snapshot
//   - GET  /debug/stats           event counters and push pipeline stats
package server
