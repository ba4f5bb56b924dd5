package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/quotecache/internal/router"
)

// quoteColumns is the COPY column order for quote_updates.
var quoteColumns = []string{"id", "symbol", "price", "source_ts", "received_at"}

// Copier is the subset of *pgxpool.Pool used by the writer.
type Copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// WriterConfig holds batching configuration.
type WriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
	}
}

// WriterMetrics counts writer activity.
type WriterMetrics struct {
	Inserts int64
	Errors  int64
	Flushes int64
}

type quoteRow struct {
	ID         uuid.UUID
	Symbol     string
	Price      float64
	SourceTs   time.Time
	ReceivedAt time.Time
}

// QuoteWriter consumes QuoteMsg from the router archive buffer and writes
// to the quote_updates table.
type QuoteWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	input *router.GrowableBuffer[router.QuoteMsg]
	db    Copier

	batch       []quoteRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics WriterMetrics
}

// NewQuoteWriter creates a new QuoteWriter.
func NewQuoteWriter(
	cfg WriterConfig,
	input *router.GrowableBuffer[router.QuoteMsg],
	db Copier,
	logger *slog.Logger,
) *QuoteWriter {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	return &QuoteWriter{
		cfg:    cfg,
		input:  input,
		db:     db,
		logger: logger,
		batch:  make([]quoteRow, 0, cfg.BatchSize),
		ctx:    context.Background(),
	}
}

// Start begins consuming messages and writing to the database.
func (w *QuoteWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("quote writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains what is left in the buffer and flushes it.
func (w *QuoteWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping quote writer")

	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("quote writer stop timed out")
		return ctx.Err()
	}

	for _, msg := range w.input.DrainTo(0) {
		w.add(msg)
	}
	// Writer ctx is cancelled; the final copy runs under the stop ctx.
	w.flushWith(ctx)

	w.logger.Info("quote writer stopped", "inserts", w.Stats().Inserts)
	return nil
}

// Stats returns current metrics.
func (w *QuoteWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads from the input buffer and accumulates batches.
func (w *QuoteWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			msg, ok := w.input.TryReceive()
			if !ok {
				select {
				case <-w.ctx.Done():
					return
				case <-time.After(10 * time.Millisecond):
					continue
				}
			}

			w.handleMessage(msg)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *QuoteWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flushWith(w.ctx)
		}
	}
}

// handleMessage adds a message to the batch, flushing when it is full.
func (w *QuoteWriter) handleMessage(msg router.QuoteMsg) {
	if w.add(msg) {
		w.flushWith(w.ctx)
	}
}

func (w *QuoteWriter) add(msg router.QuoteMsg) (full bool) {
	row := transform(msg)

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

// transform converts a QuoteMsg to a quoteRow.
func transform(msg router.QuoteMsg) quoteRow {
	sourceTs := msg.SourceTs
	if sourceTs.IsZero() {
		sourceTs = msg.ReceivedAt
	}
	return quoteRow{
		ID:         uuid.New(),
		Symbol:     msg.Symbol,
		Price:      msg.Price,
		SourceTs:   sourceTs.UTC(),
		ReceivedAt: msg.ReceivedAt.UTC(),
	}
}

// flushWith writes the current batch to the database.
func (w *QuoteWriter) flushWith(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	batch := w.batch
	w.batch = make([]quoteRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	n, err := w.copyRows(ctx, batch)
	if err != nil {
		w.logger.Error("copy quotes failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += n
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed quotes",
		"count", n,
		"duration", time.Since(start),
	)
}

func (w *QuoteWriter) copyRows(ctx context.Context, rows []quoteRow) (int64, error) {
	return w.db.CopyFrom(ctx,
		pgx.Identifier{"quote_updates"},
		quoteColumns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			r := rows[i]
			return []any{r.ID, r.Symbol, r.Price, r.SourceTs, r.ReceivedAt}, nil
		}),
	)
}
