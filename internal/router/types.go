package router

import "time"

// RouterConfig holds configuration for the push router.
type RouterConfig struct {
	Archive           bool // Forward applied updates to the archive buffer
	ArchiveBufferSize int  // Initial archive buffer capacity (default: 10000)
	ArchiveBufferMax  int  // Max archive buffer capacity, 0 = unbounded (default: 1000000)
}

// DefaultRouterConfig returns default configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		ArchiveBufferSize: 10000,
		ArchiveBufferMax:  1000000,
	}
}

// QuoteMsg is an applied price update handed to the archive writer.
type QuoteMsg struct {
	Symbol     string
	Price      float64
	SourceTs   time.Time // Provider timestamp, zero if absent
	ReceivedAt time.Time
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	UpdatesReceived int64
	UpdatesApplied  int64
	UpdatesStale    int64
	UpdatesUnknown  int64
	ArchiveBuffer   BufferStats
}
