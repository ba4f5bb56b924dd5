package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/quotecache/internal/connection"
	"github.com/rickgao/quotecache/internal/metrics"
	"github.com/rickgao/quotecache/internal/registry"
)

// Store receives streamed values. *registry.Registry implements it.
type Store interface {
	UpsertFromConnection(conn uint64, symbol string, value float64, ts time.Time) registry.PushResult
}

// Router is the single consumer of session updates. It applies them to the
// registry in delivery order and forwards applied ones to the archive.
type Router interface {
	// Start begins consuming updates.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the router.
	Stop(ctx context.Context) error

	// Archive returns the buffer of applied updates, or nil when archiving is off.
	Archive() *GrowableBuffer[QuoteMsg]

	// Stats returns current router statistics.
	Stats() RouterStats
}

// router is the internal implementation.
type router struct {
	cfg     RouterConfig
	logger  *slog.Logger
	store   Store
	emitter metrics.Emitter

	// Input from the session
	input <-chan connection.Update

	// Output to the archive writer (nil when disabled)
	archive *GrowableBuffer[QuoteMsg]

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	received int64
	applied  int64
	stale    int64
	unknown  int64
}

// NewRouter creates a new push router.
func NewRouter(cfg RouterConfig, input <-chan connection.Update, store Store, emitter metrics.Emitter, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = metrics.Nop
	}

	r := &router{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		emitter: emitter,
		input:   input,
	}
	if cfg.Archive {
		r.archive = NewGrowableBuffer[QuoteMsg](cfg.ArchiveBufferSize, cfg.ArchiveBufferMax)
	}
	return r
}

// Start begins routing updates.
func (r *router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.routeLoop()

	r.logger.Info("push router started", "archive", r.cfg.Archive)
	return nil
}

// Stop gracefully shuts down the router.
func (r *router) Stop(ctx context.Context) error {
	r.logger.Info("stopping push router")

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("push router stopped")
	case <-ctx.Done():
		r.logger.Warn("push router stop timed out")
	}

	if r.archive != nil {
		r.archive.Close()
	}
	return nil
}

// Archive returns the archive buffer.
func (r *router) Archive() *GrowableBuffer[QuoteMsg] {
	return r.archive
}

// Stats returns current statistics.
func (r *router) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RouterStats{
		UpdatesReceived: r.received,
		UpdatesApplied:  r.applied,
		UpdatesStale:    r.stale,
		UpdatesUnknown:  r.unknown,
	}
	if r.archive != nil {
		stats.ArchiveBuffer = r.archive.Stats()
	}
	return stats
}

// routeLoop is the single consumer of the update channel.
func (r *router) routeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case u, ok := <-r.input:
			if !ok {
				r.logger.Info("update channel closed")
				return
			}
			r.route(u)
		}
	}
}

// route applies a single update.
func (r *router) route(u connection.Update) {
	res := r.store.UpsertFromConnection(u.Conn, u.Symbol, u.Price, u.Timestamp)
	defer r.count(res)

	symbol := registry.Normalize(u.Symbol)

	switch res {
	case registry.PushApplied:
		r.emitter.Emit(metrics.Event{Name: metrics.UpdateApplied, Symbol: symbol})
		if r.archive != nil {
			r.archive.Send(QuoteMsg{
				Symbol:     symbol,
				Price:      u.Price,
				SourceTs:   u.Timestamp,
				ReceivedAt: u.ReceivedAt,
			})
		}

	case registry.PushStale:
		r.emitter.Emit(metrics.Event{Name: metrics.UpdateStale, Symbol: symbol})
		r.logger.Debug("stale update ignored", "symbol", symbol, "ts", u.Timestamp, "conn", u.Conn)

	case registry.PushUnknown:
		// Late pushes after an unsubscribe are expected.
		r.emitter.Emit(metrics.Event{Name: metrics.UpdateUnknown, Symbol: symbol})
		r.logger.Debug("update for unregistered symbol", "symbol", symbol)
	}
}

func (r *router) count(res registry.PushResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.received++
	switch res {
	case registry.PushApplied:
		r.applied++
	case registry.PushStale:
		r.stale++
	case registry.PushUnknown:
		r.unknown++
	}
}
