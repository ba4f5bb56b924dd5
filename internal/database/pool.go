package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/quotecache/internal/config"
)

// Schema creates the archive table. It is safe to run on every start.
const Schema = `
CREATE TABLE IF NOT EXISTS quote_updates (
	id          UUID PRIMARY KEY,
	symbol      TEXT NOT NULL,
	price       DOUBLE PRECISION NOT NULL,
	source_ts   TIMESTAMPTZ NOT NULL,
	received_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS quote_updates_symbol_ts ON quote_updates (symbol, source_ts DESC);
`

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
