package warmer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/quotecache/internal/connection"
	"github.com/rickgao/quotecache/internal/metrics"
	"github.com/rickgao/quotecache/internal/registry"
)

// Session sends subscription frames. *connection.Session implements it;
// connection.ErrQueued means the frame goes out on the next Ready.
type Session interface {
	IsReady() bool
	Subscribe(ctx context.Context, symbol string) error
	Unsubscribe(ctx context.Context, symbol string) error
}

// Config holds warmer configuration.
type Config struct {
	TTL           time.Duration // Subscription time-to-live
	RefreshMargin time.Duration // Refresh when a value is older than TTL-RefreshMargin (default: TTL/3)
	IdleThreshold time.Duration // Expire entries not requested for this long (default: 2*TTL)
	Interval      time.Duration // Cycle interval (default: TTL/3)
	Concurrency   int           // Max frames in flight per cycle (default: 10)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:           300 * time.Second,
		RefreshMargin: 100 * time.Second,
		IdleThreshold: 600 * time.Second,
		Interval:      100 * time.Second,
		Concurrency:   10,
	}
}

// withDefaults derives unset durations from TTL.
func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultConfig().TTL
	}
	if c.RefreshMargin <= 0 {
		c.RefreshMargin = c.TTL / 3
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = 2 * c.TTL
	}
	if c.Interval <= 0 {
		c.Interval = c.TTL / 3
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConfig().Concurrency
	}
	return c
}

// CycleResult summarizes one warm cycle.
type CycleResult struct {
	Skipped    bool // Session was not Ready
	Subscribed int
	Refreshed  int
	Expiring   int
	Removed    int
}

// Warmer periodically refreshes and evicts registry subscriptions.
type Warmer struct {
	cfg      Config
	registry *registry.Registry
	session  Session
	emitter  metrics.Emitter
	clock    clockwork.Clock
	logger   *slog.Logger

	// Signalled on Ready to run the subscribe pass without waiting a cycle.
	trigger chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cycles atomic.Int64
}

// New creates a Warmer.
func New(cfg Config, reg *registry.Registry, session Session, emitter metrics.Emitter, clock clockwork.Clock, logger *slog.Logger) *Warmer {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = metrics.Nop
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Warmer{
		cfg:      cfg.withDefaults(),
		registry: reg,
		session:  session,
		emitter:  emitter,
		clock:    clock,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

// Config returns the effective configuration.
func (w *Warmer) Config() Config {
	return w.cfg
}

// Cycles returns the number of completed, non-skipped cycles.
func (w *Warmer) Cycles() int64 {
	return w.cycles.Load()
}

// Start begins the warm loop.
func (w *Warmer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.run()

	w.logger.Info("warmer started",
		"ttl", w.cfg.TTL,
		"refresh_margin", w.cfg.RefreshMargin,
		"idle_threshold", w.cfg.IdleThreshold,
		"interval", w.cfg.Interval,
		"concurrency", w.cfg.Concurrency,
	)
	return nil
}

// Stop gracefully shuts down the warmer.
func (w *Warmer) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("warmer stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleSessionEvent reacts to session lifecycle changes. Register it with
// connection.Session.AddListener. It never blocks.
func (w *Warmer) HandleSessionEvent(ev connection.Event) {
	switch ev.Type {
	case connection.EventConnectionLost:
		// Fences updates still buffered from the lost connection, so a late
		// push cannot flip a reset entry back to Active.
		n := w.registry.ResetConnection(ev.Conn)
		w.emitter.Emit(metrics.Event{Name: metrics.ConnectionLost, Err: ev.Err})
		w.logger.Info("connection lost, entries reset to pending", "entries", n, "conn", ev.Conn)

	case connection.EventReady:
		w.emitter.Emit(metrics.Event{Name: metrics.SessionReady})
		select {
		case w.trigger <- struct{}{}:
		default:
		}

	case connection.EventDegraded:
		w.emitter.Emit(metrics.Event{Name: metrics.SessionDegraded, Err: ev.Err})

	case connection.EventHandshakeFailed:
		w.emitter.Emit(metrics.Event{Name: metrics.HandshakeFailed, Err: ev.Err})
	}
}

// run is the main warm loop.
func (w *Warmer) run() {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.Chan():
			w.RunCycle(w.ctx)
		case <-w.trigger:
			if w.session.IsReady() {
				n := w.subscribePending(w.ctx)
				w.logger.Info("resubscribe pass complete", "subscribed", n)
			}
		}
	}
}

// RunCycle performs one warm cycle. It is a no-op when the session is not Ready.
func (w *Warmer) RunCycle(ctx context.Context) CycleResult {
	if !w.session.IsReady() {
		w.logger.Debug("session not ready, skipping warm cycle")
		return CycleResult{Skipped: true}
	}

	start := w.clock.Now()
	refreshCutoff := start.Add(-(w.cfg.TTL - w.cfg.RefreshMargin))
	idleCutoff := start.Add(-w.cfg.IdleThreshold)

	var result CycleResult
	var subscribe, refresh, unsubscribe []string

	for _, e := range w.registry.Snapshot() {
		if e.State == registry.Expiring {
			if _, ok := w.registry.RemoveIfIdle(e.Symbol, idleCutoff); ok {
				result.Removed++
				w.emitter.Emit(metrics.Event{Name: metrics.EntryExpired, Symbol: e.Symbol})
			}
			continue
		}

		if e.LastRequestedAt.Before(idleCutoff) {
			if w.registry.MarkExpiring(e.Symbol, idleCutoff) {
				result.Expiring++
				unsubscribe = append(unsubscribe, e.Symbol)
				w.emitter.Emit(metrics.Event{Name: metrics.EntryExpiring, Symbol: e.Symbol})
			}
			continue
		}

		switch e.State {
		case registry.Pending:
			if !e.Claimed {
				if w.registry.Ensure(e.Symbol) {
					subscribe = append(subscribe, e.Symbol)
				}
			} else if e.SubscribedAt.Before(refreshCutoff) {
				// Acked but no push yet; ask again.
				refresh = append(refresh, e.Symbol)
			}
		case registry.Active:
			if e.LastUpdatedAt.Before(refreshCutoff) && e.SubscribedAt.Before(refreshCutoff) {
				refresh = append(refresh, e.Symbol)
			}
		}
	}

	result.Subscribed = w.sendAll(ctx, subscribe, w.subscribe)
	result.Refreshed = w.sendAll(ctx, refresh, w.refresh)
	w.sendAll(ctx, unsubscribe, w.unsubscribe)

	w.cycles.Add(1)
	w.logger.Info("warm cycle complete",
		"entries", w.registry.Len(),
		"subscribed", result.Subscribed,
		"refreshed", result.Refreshed,
		"expiring", result.Expiring,
		"removed", result.Removed,
		"duration", w.clock.Since(start),
	)
	return result
}

// subscribePending subscribes every unclaimed Pending entry that is not idle.
func (w *Warmer) subscribePending(ctx context.Context) int {
	idleCutoff := w.clock.Now().Add(-w.cfg.IdleThreshold)

	var symbols []string
	for _, e := range w.registry.Snapshot() {
		if e.State != registry.Pending || e.Claimed || e.LastRequestedAt.Before(idleCutoff) {
			continue
		}
		if w.registry.Ensure(e.Symbol) {
			symbols = append(symbols, e.Symbol)
		}
	}
	return w.sendAll(ctx, symbols, w.subscribe)
}

// sendAll runs send for each symbol with bounded concurrency and returns
// the number of confirmed frames.
func (w *Warmer) sendAll(ctx context.Context, symbols []string, send func(context.Context, string) bool) int {
	if len(symbols) == 0 {
		return 0
	}

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)

	var ok atomic.Int64
	for _, symbol := range symbols {
		g.Go(func() error {
			if send(ctx, symbol) {
				ok.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	return int(ok.Load())
}

func (w *Warmer) subscribe(ctx context.Context, symbol string) bool {
	err := w.session.Subscribe(ctx, symbol)
	if errors.Is(err, connection.ErrQueued) {
		// Claim kept; the session flushes it on Ready.
		w.emitter.Emit(metrics.Event{Name: metrics.SubscribeQueued, Symbol: symbol})
		return false
	}
	if err != nil {
		// Released so the next cycle retries.
		w.registry.ReleaseClaim(symbol)
		w.subscribeFailed(symbol, err)
		return false
	}
	w.emitter.Emit(metrics.Event{Name: metrics.SubscribeSent, Symbol: symbol})
	return true
}

func (w *Warmer) refresh(ctx context.Context, symbol string) bool {
	err := w.session.Subscribe(ctx, symbol)
	if errors.Is(err, connection.ErrQueued) {
		w.emitter.Emit(metrics.Event{Name: metrics.SubscribeQueued, Symbol: symbol})
		return false
	}
	if err != nil {
		w.subscribeFailed(symbol, err)
		return false
	}
	w.registry.MarkRefreshed(symbol)
	w.emitter.Emit(metrics.Event{Name: metrics.SubscribeRefreshed, Symbol: symbol})
	return true
}

func (w *Warmer) unsubscribe(ctx context.Context, symbol string) bool {
	err := w.session.Unsubscribe(ctx, symbol)
	if errors.Is(err, connection.ErrQueued) {
		return false
	}
	if err != nil {
		// The entry is removed next cycle either way.
		w.logger.Warn("unsubscribe failed", "symbol", symbol, "error", err)
		return false
	}
	w.emitter.Emit(metrics.Event{Name: metrics.UnsubscribeSent, Symbol: symbol})
	return true
}

func (w *Warmer) subscribeFailed(symbol string, err error) {
	if errors.Is(err, connection.ErrSubscribeUnconfirmed) {
		w.emitter.Emit(metrics.Event{Name: metrics.SubscribeUnconfirmed, Symbol: symbol, Err: err})
		return
	}
	w.logger.Warn("subscribe failed", "symbol", symbol, "error", err)
}
