package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/quantfolio/quantfolio/internal/marketdata"
)

// marketStore implements marketdata.Store over the market_data table.
// It is strictly read-only: the pipeline never inserts or deletes bars.
type marketStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewMarketStore creates a read-only Postgres market data store
func NewMarketStore(db *sqlx.DB, timeout time.Duration) marketdata.Store {
	return &marketStore{db: db, timeout: timeout}
}

func (s *marketStore) Close(ctx context.Context, symbol string, date time.Time) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT close
		FROM market_data
		WHERE symbol = $1 AND date = $2`

	var price float64
	if err := s.db.GetContext(ctx, &price, query, symbol, date); err != nil {
		if err == sql.ErrNoRows {
			return 0, marketdata.ErrNoPrice
		}
		return 0, fmt.Errorf("failed to get close for %s: %w", symbol, err)
	}
	return price, nil
}

func (s *marketStore) Closes(ctx context.Context, symbol string, from, to time.Time) ([]marketdata.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT symbol, date, open, high, low, close
		FROM market_data
		WHERE symbol = $1 AND date >= $2 AND date <= $3
		ORDER BY date`

	var bars []marketdata.Bar
	if err := s.db.SelectContext(ctx, &bars, query, symbol, from, to); err != nil {
		return nil, fmt.Errorf("failed to load bars for %s: %w", symbol, err)
	}
	return bars, nil
}

func (s *marketStore) Count(ctx context.Context, symbols []string, from, to time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT COUNT(*)
		FROM market_data
		WHERE symbol = ANY($1) AND date >= $2 AND date <= $3`

	var count int64
	if err := s.db.GetContext(ctx, &count, query, pq.Array(symbols), from, to); err != nil {
		return 0, fmt.Errorf("failed to count market data rows: %w", err)
	}
	return count, nil
}
