// Package database provides the PostgreSQL connection pool for the optional
// quote archive.
//
// The archive is append-only: every streamed update that changed a cached
// value is written to quote_updates. The cache itself never reads it back.
package database
