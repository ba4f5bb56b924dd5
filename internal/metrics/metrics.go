package metrics

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// Event names.
const (
	CacheHit             = "cache_hit"
	CacheMiss            = "cache_miss"
	CacheStale           = "cache_stale"
	FetchError           = "fetch_error"
	UpstreamUnavailable  = "upstream_unavailable"
	SubscribeSent        = "subscribe_sent"
	SubscribeQueued      = "subscribe_queued"
	SubscribeUnconfirmed = "subscribe_unconfirmed"
	SubscribeRefreshed   = "subscribe_refreshed"
	UnsubscribeSent      = "unsubscribe_sent"
	EntryExpiring        = "entry_expiring"
	EntryExpired         = "entry_expired"
	UpdateApplied        = "update_applied"
	UpdateStale          = "update_stale"
	UpdateUnknown        = "update_unknown"
	SessionReady         = "session_ready"
	SessionDegraded      = "session_degraded"
	ConnectionLost       = "connection_lost"
	HandshakeFailed      = "handshake_failed"
)

// Event is a single occurrence worth counting.
type Event struct {
	Name   string
	Symbol string // Empty for session-level events
	Err    error
}

// Emitter receives events. Implementations must be safe for concurrent use.
type Emitter interface {
	Emit(Event)
}

// Nop discards all events.
var Nop Emitter = nopEmitter{}

type nopEmitter struct{}

func (nopEmitter) Emit(Event) {}

// Recorder counts events by name and logs them.
type Recorder struct {
	logger *slog.Logger

	mu       sync.RWMutex
	counters map[string]*atomic.Int64
}

// NewRecorder creates a Recorder.
func NewRecorder(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		logger:   logger,
		counters: make(map[string]*atomic.Int64),
	}
}

// Emit counts the event and logs it at debug level (warn when it carries an error).
func (r *Recorder) Emit(ev Event) {
	r.counter(ev.Name).Add(1)

	attrs := []any{"event", ev.Name}
	if ev.Symbol != "" {
		attrs = append(attrs, "symbol", ev.Symbol)
	}
	if ev.Err != nil {
		attrs = append(attrs, "error", ev.Err)
		r.logger.Warn("event", attrs...)
		return
	}
	r.logger.Debug("event", attrs...)
}

// Count returns the number of events recorded under name.
func (r *Recorder) Count(name string) int64 {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.Load()
}

// Snapshot returns a copy of all counters.
func (r *Recorder) Snapshot() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int64, len(r.counters))
	for name, c := range r.counters {
		out[name] = c.Load()
	}
	return out
}

// Names returns recorded event names in sorted order.
func (r *Recorder) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.counters))
	for name := range r.counters {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

func (r *Recorder) counter(name string) *atomic.Int64 {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; ok {
		return c
	}
	c = new(atomic.Int64)
	r.counters[name] = c
	return c
}
