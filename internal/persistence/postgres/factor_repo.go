package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantfolio/quantfolio/internal/domain"
	"github.com/quantfolio/quantfolio/internal/persistence"
)

// factorRepo implements FactorRepo for PostgreSQL
type factorRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewFactorRepo creates a new PostgreSQL factor repository
func NewFactorRepo(db *sqlx.DB, timeout time.Duration) persistence.FactorRepo {
	return &factorRepo{db: db, timeout: timeout}
}

func (r *factorRepo) Factors(ctx context.Context) ([]domain.FactorDefinition, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT name, proxy_symbol, display_order
		FROM factor_definitions
		ORDER BY display_order`

	var factors []domain.FactorDefinition
	if err := r.db.SelectContext(ctx, &factors, query); err != nil {
		return nil, fmt.Errorf("failed to load factor definitions: %w", err)
	}
	return factors, nil
}

func (r *factorRepo) SpreadFactors(ctx context.Context) ([]domain.SpreadFactorDefinition, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT name, long_symbol, short_symbol, display_order
		FROM spread_factor_definitions
		ORDER BY display_order`

	var spreads []domain.SpreadFactorDefinition
	if err := r.db.SelectContext(ctx, &spreads, query); err != nil {
		return nil, fmt.Errorf("failed to load spread factor definitions: %w", err)
	}
	return spreads, nil
}
