// Package postgres opens the Work Store on Postgres through a pgx pool.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/store/sqlstore"
)

// Config holds the connection settings.
type Config struct {
	DSN           string
	MaxConns      int32
	MaxLogEntries int
	Clock         crawl.Clock
}

// Execer is the part of a pgx pool the migration needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate applies the schema through pgx directly.
func Migrate(ctx context.Context, db Execer) error {
	for _, stmt := range sqlstore.Postgres.Schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return nil
}

// Open connects, migrates, and returns a Store that claims rows with
// FOR UPDATE SKIP LOCKED.
func Open(ctx context.Context, cfg Config) (*sqlstore.Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	db := stdlib.OpenDBFromPool(pool)
	return sqlstore.New(db, sqlstore.Postgres, sqlstore.Options{
		MaxLogEntries: cfg.MaxLogEntries,
		Clock:         cfg.Clock,
		OnClose:       pool.Close,
	}), nil
}
