package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode"

	"github.com/jonboulle/clockwork"

	"github.com/rickgao/quotecache/internal/connection"
	"github.com/rickgao/quotecache/internal/metrics"
	"github.com/rickgao/quotecache/internal/registry"
)

var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrInvalidSymbol       = errors.New("invalid symbol")
)

// maxSymbolLen bounds symbols accepted from clients.
const maxSymbolLen = 64

// Fetcher answers a query directly from the upstream REST API.
type Fetcher interface {
	Fetch(ctx context.Context, symbol string) (float64, error)
}

// FetcherFunc is a function adapter for Fetcher.
type FetcherFunc func(ctx context.Context, symbol string) (float64, error)

func (f FetcherFunc) Fetch(ctx context.Context, symbol string) (float64, error) {
	return f(ctx, symbol)
}

// Subscriber sends subscribe frames. *connection.Session implements it and
// returns connection.ErrQueued when the frame waits for the next Ready.
type Subscriber interface {
	Subscribe(ctx context.Context, symbol string) error
}

// Source identifies where a quote came from.
type Source string

const (
	SourceStream Source = "stream"
	SourceFetch  Source = "fetch"
)

// Quote is the answer to a query.
type Quote struct {
	Symbol    string
	Price     float64
	Source    Source
	UpdatedAt time.Time // Time of the streamed value, or fetch time
}

// Config holds query router configuration.
type Config struct {
	TTL              time.Duration // Max age of a streamed value served as a hit
	Streaming        bool          // When false every query is fetched
	SubscribeTimeout time.Duration // Bound on a background subscribe
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:              300 * time.Second,
		Streaming:        true,
		SubscribeTimeout: 30 * time.Second,
	}
}

// Router is the per-request entry point.
type Router struct {
	cfg        Config
	registry   *registry.Registry
	fetcher    Fetcher
	subscriber Subscriber
	emitter    metrics.Emitter
	clock      clockwork.Clock
	logger     *slog.Logger

	// Background subscribes; ctx is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates a query Router.
func New(cfg Config, reg *registry.Registry, fetcher Fetcher, subscriber Subscriber, emitter metrics.Emitter, clock clockwork.Clock, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = metrics.Nop
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = DefaultConfig().SubscribeTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		cfg:        cfg,
		registry:   reg,
		fetcher:    fetcher,
		subscriber: subscriber,
		emitter:    emitter,
		clock:      clock,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Handle returns the current price for symbol.
//
// Both a stale cache and a failed fetch are recovered locally; only when
// neither path produces a price does Handle fail, with ErrUpstreamUnavailable.
func (r *Router) Handle(ctx context.Context, symbol string) (Quote, error) {
	symbol, err := ValidateSymbol(symbol)
	if err != nil {
		return Quote{}, err
	}

	if r.cfg.Streaming {
		r.registry.Touch(symbol)

		if e, ok := r.registry.Get(symbol); ok {
			if e.Fresh(r.clock.Now(), r.cfg.TTL) {
				r.emitter.Emit(metrics.Event{Name: metrics.CacheHit, Symbol: symbol})
				return Quote{
					Symbol:    symbol,
					Price:     e.LastValue,
					Source:    SourceStream,
					UpdatedAt: e.LastUpdatedAt,
				}, nil
			}
			if e.State == registry.Active && e.HasValue {
				r.emitter.Emit(metrics.Event{Name: metrics.CacheStale, Symbol: symbol})
			}
		}
	}

	r.emitter.Emit(metrics.Event{Name: metrics.CacheMiss, Symbol: symbol})

	if r.cfg.Streaming {
		r.ensureSubscribed(symbol)
	}

	price, err := r.fetcher.Fetch(ctx, symbol)
	if err != nil {
		r.emitter.Emit(metrics.Event{Name: metrics.FetchError, Symbol: symbol, Err: err})
		r.emitter.Emit(metrics.Event{Name: metrics.UpstreamUnavailable, Symbol: symbol})
		return Quote{}, fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, symbol, err)
	}

	return Quote{
		Symbol:    symbol,
		Price:     price,
		Source:    SourceFetch,
		UpdatedAt: r.clock.Now(),
	}, nil
}

// ensureSubscribed creates the registry entry and, if this call won the
// claim, sends the subscribe in the background.
func (r *Router) ensureSubscribed(symbol string) {
	if !r.registry.Ensure(symbol) {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.registry.ReleaseClaim(symbol)
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.SubscribeTimeout)
		defer cancel()

		err := r.subscriber.Subscribe(ctx, symbol)
		if errors.Is(err, connection.ErrQueued) {
			// Claim kept: the session sends the frame on Ready.
			r.emitter.Emit(metrics.Event{Name: metrics.SubscribeQueued, Symbol: symbol})
			return
		}
		if err != nil {
			// The warmer retries unclaimed Pending entries.
			r.registry.ReleaseClaim(symbol)
			r.emitter.Emit(metrics.Event{Name: metrics.SubscribeUnconfirmed, Symbol: symbol, Err: err})
			return
		}
		r.emitter.Emit(metrics.Event{Name: metrics.SubscribeSent, Symbol: symbol})
	}()
}

// Close stops accepting background subscribes and waits for in-flight ones.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		r.logger.Warn("query router close timed out waiting for subscribes")
		return ctx.Err()
	}
}

// ValidateSymbol normalizes symbol and rejects empty, oversized or
// non-printable input.
func ValidateSymbol(symbol string) (string, error) {
	s := registry.Normalize(symbol)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSymbol)
	}
	if len(s) > maxSymbolLen {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidSymbol, maxSymbolLen)
	}
	for _, c := range s {
		if !unicode.IsPrint(c) || unicode.IsSpace(c) {
			return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
		}
	}
	return s, nil
}
