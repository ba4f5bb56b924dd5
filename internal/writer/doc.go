// Package writer archives applied quote updates to PostgreSQL.
//
// The writer drains the push router's archive buffer and appends rows to
// quote_updates with COPY, flushing when a batch fills or on an interval.
// It is append-only and never blocks the push pipeline: if the database
// falls behind, the buffer grows to its cap and then drops the oldest
// updates.
package writer
