// Package postgres implements the persistence interfaces on PostgreSQL
// via sqlx. Every query runs under a per-call timeout; derived rows are
// written with ON CONFLICT upserts so replays are idempotent.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/quantfolio/quantfolio/internal/config"
	"github.com/quantfolio/quantfolio/internal/persistence"
)

// Open connects to Postgres, configures the pool, and verifies the
// connection with a ping.
func Open(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// NewRepository wires the Postgres repositories with a shared per-query
// timeout.
func NewRepository(db *sqlx.DB, timeout time.Duration) persistence.Repository {
	return persistence.Repository{
		Portfolios: NewPortfolioRepo(db, timeout),
		Factors:    NewFactorRepo(db, timeout),
		Derived:    NewDerivedRepo(db, timeout),
		Runs:       NewBatchRunRepo(db, timeout),
	}
}
