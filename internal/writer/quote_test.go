package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/quotecache/internal/router"
)

// fakeCopier records rows passed to CopyFrom.
type fakeCopier struct {
	mu    sync.Mutex
	calls int
	table pgx.Identifier
	cols  []string
	rows  [][]any
	err   error
}

func (f *fakeCopier) CopyFrom(_ context.Context, table pgx.Identifier, cols []string, src pgx.CopyFromSource) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.table = table
	f.cols = cols
	if f.err != nil {
		return 0, f.err
	}
	var n int64
	for src.Next() {
		vals, err := src.Values()
		if err != nil {
			return n, err
		}
		f.rows = append(f.rows, vals)
		n++
	}
	return n, src.Err()
}

func (f *fakeCopier) rowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func TestTransform(t *testing.T) {
	sourceTs := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	receivedAt := sourceTs.Add(40 * time.Millisecond)

	row := transform(router.QuoteMsg{
		Symbol:     "FTSE",
		Price:      788,
		SourceTs:   sourceTs,
		ReceivedAt: receivedAt,
	})

	if row.ID == uuid.Nil {
		t.Error("ID should be set")
	}
	if row.Symbol != "FTSE" {
		t.Errorf("Symbol = %s, want FTSE", row.Symbol)
	}
	if row.Price != 788 {
		t.Errorf("Price = %v, want 788", row.Price)
	}
	if !row.SourceTs.Equal(sourceTs) {
		t.Errorf("SourceTs = %v, want %v", row.SourceTs, sourceTs)
	}
	if !row.ReceivedAt.Equal(receivedAt) {
		t.Errorf("ReceivedAt = %v, want %v", row.ReceivedAt, receivedAt)
	}
}

func TestTransform_MissingSourceTs(t *testing.T) {
	receivedAt := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	row := transform(router.QuoteMsg{Symbol: "FTSE", ReceivedAt: receivedAt})

	if !row.SourceTs.Equal(receivedAt) {
		t.Errorf("SourceTs = %v, want received time %v", row.SourceTs, receivedAt)
	}
}

func TestQuoteWriter_HandleMessage_AddsToBatch(t *testing.T) {
	cfg := WriterConfig{
		BatchSize:     100, // Large batch so no auto-flush
		FlushInterval: time.Hour,
	}
	input := router.NewGrowableBuffer[router.QuoteMsg](10, 0)
	db := &fakeCopier{}
	w := NewQuoteWriter(cfg, input, db, nil)

	w.handleMessage(router.QuoteMsg{Symbol: "FTSE", Price: 788, ReceivedAt: time.Now()})

	w.batchMu.Lock()
	batchLen := len(w.batch)
	w.batchMu.Unlock()

	if batchLen != 1 {
		t.Errorf("batch length = %d, want 1", batchLen)
	}
	if db.calls != 0 {
		t.Errorf("CopyFrom calls = %d, want 0", db.calls)
	}
}

func TestQuoteWriter_FlushOnBatchSize(t *testing.T) {
	cfg := WriterConfig{BatchSize: 3, FlushInterval: time.Hour}
	input := router.NewGrowableBuffer[router.QuoteMsg](10, 0)
	db := &fakeCopier{}
	w := NewQuoteWriter(cfg, input, db, nil)

	for i := 0; i < 3; i++ {
		w.handleMessage(router.QuoteMsg{Symbol: "FTSE", Price: float64(780 + i), ReceivedAt: time.Now()})
	}

	if db.calls != 1 {
		t.Fatalf("CopyFrom calls = %d, want 1", db.calls)
	}
	if len(db.table) != 1 || db.table[0] != "quote_updates" {
		t.Errorf("table = %v, want quote_updates", db.table)
	}
	if len(db.cols) != 5 || db.cols[0] != "id" || db.cols[4] != "received_at" {
		t.Errorf("columns = %v", db.cols)
	}
	if len(db.rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(db.rows))
	}
	if db.rows[2][1] != "FTSE" || db.rows[2][2] != 782.0 {
		t.Errorf("row[2] = %v", db.rows[2])
	}

	stats := w.Stats()
	if stats.Inserts != 3 || stats.Flushes != 1 {
		t.Errorf("stats = %+v, want 3 inserts, 1 flush", stats)
	}
}

func TestQuoteWriter_FlushError(t *testing.T) {
	cfg := WriterConfig{BatchSize: 1, FlushInterval: time.Hour}
	input := router.NewGrowableBuffer[router.QuoteMsg](10, 0)
	db := &fakeCopier{err: errors.New("connection refused")}
	w := NewQuoteWriter(cfg, input, db, nil)

	w.handleMessage(router.QuoteMsg{Symbol: "FTSE", ReceivedAt: time.Now()})

	stats := w.Stats()
	if stats.Errors != 1 {
		t.Errorf("Errors = %d, want 1", stats.Errors)
	}
	if stats.Inserts != 0 {
		t.Errorf("Inserts = %d, want 0", stats.Inserts)
	}
}

func TestQuoteWriter_Lifecycle(t *testing.T) {
	cfg := WriterConfig{
		BatchSize:     100,
		FlushInterval: 20 * time.Millisecond,
	}
	input := router.NewGrowableBuffer[router.QuoteMsg](10, 0)
	db := &fakeCopier{}
	w := NewQuoteWriter(cfg, input, db, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	input.Send(router.QuoteMsg{Symbol: "FTSE", Price: 788, ReceivedAt: time.Now()})
	input.Send(router.QuoteMsg{Symbol: "GOOGL", Price: 2700, ReceivedAt: time.Now()})

	deadline := time.Now().Add(time.Second)
	for db.rowCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := db.rowCount(); got != 2 {
		t.Fatalf("rows written by interval flush = %d, want 2", got)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestQuoteWriter_StopDrainsBuffer(t *testing.T) {
	cfg := WriterConfig{BatchSize: 100, FlushInterval: time.Hour}
	input := router.NewGrowableBuffer[router.QuoteMsg](10, 0)
	db := &fakeCopier{}
	w := NewQuoteWriter(cfg, input, db, nil)

	// Not started: everything still sits in the buffer.
	for i := 0; i < 5; i++ {
		input.Send(router.QuoteMsg{Symbol: "FTSE", ReceivedAt: time.Now()})
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if got := db.rowCount(); got != 5 {
		t.Errorf("rows = %d, want 5", got)
	}
	if input.Len() != 0 {
		t.Errorf("buffer Len = %d, want 0", input.Len())
	}
}

func TestDefaultWriterConfig(t *testing.T) {
	cfg := DefaultWriterConfig()

	if cfg.BatchSize != 1000 {
		t.Errorf("BatchSize = %d, want 1000", cfg.BatchSize)
	}
	if cfg.FlushInterval != 5*time.Second {
		t.Errorf("FlushInterval = %v, want 5s", cfg.FlushInterval)
	}

	w := NewQuoteWriter(WriterConfig{}, nil, nil, nil)
	if w.cfg != cfg {
		t.Errorf("zero config not defaulted: %+v", w.cfg)
	}
}
