package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantfolio/quantfolio/internal/domain"
	"github.com/quantfolio/quantfolio/internal/persistence"
)

// portfolioRepo implements PortfolioRepo for PostgreSQL
type portfolioRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPortfolioRepo creates a new PostgreSQL portfolio repository
func NewPortfolioRepo(db *sqlx.DB, timeout time.Duration) persistence.PortfolioRepo {
	return &portfolioRepo{db: db, timeout: timeout}
}

func (r *portfolioRepo) List(ctx context.Context) ([]domain.Portfolio, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, name, starting_equity, created_at
		FROM portfolios
		ORDER BY id`

	var portfolios []domain.Portfolio
	if err := r.db.SelectContext(ctx, &portfolios, query); err != nil {
		return nil, fmt.Errorf("failed to list portfolios: %w", err)
	}
	return portfolios, nil
}

func (r *portfolioRepo) Get(ctx context.Context, id int64) (*domain.Portfolio, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, name, starting_equity, created_at
		FROM portfolios
		WHERE id = $1`

	var p domain.Portfolio
	if err := r.db.GetContext(ctx, &p, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get portfolio %d: %w", id, err)
	}
	return &p, nil
}

func (r *portfolioRepo) Positions(ctx context.Context, portfolioID int64) ([]domain.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Option columns are nullable; coalesce so struct scanning gets the
	// Go zero values non-option rows expect.
	query := `
		SELECT id, portfolio_id, symbol, quantity, entry_price, entry_date,
		       kind, COALESCE(sector, '') AS sector,
		       COALESCE(underlying, '') AS underlying,
		       COALESCE(strike, 0) AS strike,
		       COALESCE(expiration, '0001-01-01T00:00:00Z'::timestamptz) AS expiration
		FROM positions
		WHERE portfolio_id = $1
		ORDER BY id`

	var positions []domain.Position
	if err := r.db.SelectContext(ctx, &positions, query, portfolioID); err != nil {
		return nil, fmt.Errorf("failed to load positions for portfolio %d: %w", portfolioID, err)
	}
	return positions, nil
}

func (r *portfolioRepo) EquityEvents(ctx context.Context, portfolioID int64, dr persistence.DateRange) ([]domain.EquityEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, portfolio_id, date, amount
		FROM equity_events
		WHERE portfolio_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date, id`

	var events []domain.EquityEvent
	if err := r.db.SelectContext(ctx, &events, query, portfolioID, dr.From, dr.To); err != nil {
		return nil, fmt.Errorf("failed to load equity events for portfolio %d: %w", portfolioID, err)
	}
	return events, nil
}

func (r *portfolioRepo) SetBaselineEquity(ctx context.Context, portfolioID int64, equity float64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO portfolio_baselines (portfolio_id, baseline_equity, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (portfolio_id) DO UPDATE SET
			baseline_equity = EXCLUDED.baseline_equity,
			updated_at = EXCLUDED.updated_at`

	if _, err := r.db.ExecContext(ctx, query, portfolioID, equity); err != nil {
		return fmt.Errorf("failed to set baseline equity for portfolio %d: %w", portfolioID, err)
	}
	return nil
}

func (r *portfolioRepo) BaselineEquity(ctx context.Context, portfolioID int64) (*float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT baseline_equity
		FROM portfolio_baselines
		WHERE portfolio_id = $1`

	var equity float64
	if err := r.db.GetContext(ctx, &equity, query, portfolioID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get baseline equity for portfolio %d: %w", portfolioID, err)
	}
	return &equity, nil
}
