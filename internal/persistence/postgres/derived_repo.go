package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantfolio/quantfolio/internal/persistence"
)

// derivedRepo implements DerivedRepo for PostgreSQL
type derivedRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewDerivedRepo creates a new PostgreSQL derived-row repository
func NewDerivedRepo(db *sqlx.DB, timeout time.Duration) persistence.DerivedRepo {
	return &derivedRepo{db: db, timeout: timeout}
}

// CommitUnit writes every row of one (portfolio, date) unit inside a
// single transaction. All statements upsert on their natural keys, so
// re-running a unit overwrites rather than duplicates.
func (r *derivedRepo) CommitUnit(ctx context.Context, unit persistence.UnitResult) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin commit transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertValuations(ctx, tx, unit.Valuations); err != nil {
		return err
	}
	if unit.Equity != nil {
		if err := insertEquityPoint(ctx, tx, *unit.Equity); err != nil {
			return err
		}
	}
	if unit.Exposure != nil {
		if err := insertExposure(ctx, tx, *unit.Exposure); err != nil {
			return err
		}
	}
	if err := insertBetas(ctx, tx, unit.Betas); err != nil {
		return err
	}
	if err := insertFactorExposures(ctx, tx, unit.FactorExposures); err != nil {
		return err
	}
	if err := insertSectorWeights(ctx, tx, unit.Sectors); err != nil {
		return err
	}
	if unit.Volatility != nil {
		if err := insertVolatility(ctx, tx, *unit.Volatility); err != nil {
			return err
		}
	}
	if err := insertScenarios(ctx, tx, unit.Scenarios); err != nil {
		return err
	}
	if unit.Correlation != nil {
		if err := insertCorrelation(ctx, tx, *unit.Correlation); err != nil {
			return err
		}
	}
	if unit.Snapshot != nil {
		if err := insertSnapshot(ctx, tx, *unit.Snapshot); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit unit for portfolio %d: %w", unit.PortfolioID, err)
	}
	return nil
}

func insertValuations(ctx context.Context, tx *sqlx.Tx, rows []persistence.PositionValuation) error {
	query := `
		INSERT INTO position_valuations
		(position_id, portfolio_id, date, price, market_value, price_source)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (position_id, date) DO UPDATE SET
			price = EXCLUDED.price,
			market_value = EXCLUDED.market_value,
			price_source = EXCLUDED.price_source`

	for _, v := range rows {
		if _, err := tx.ExecContext(ctx, query,
			v.PositionID, v.PortfolioID, v.Date, v.Price, v.MarketValue, v.PriceSource); err != nil {
			return fmt.Errorf("failed to upsert position valuation: %w", err)
		}
	}
	return nil
}

func insertEquityPoint(ctx context.Context, tx *sqlx.Tx, p persistence.EquityPoint) error {
	query := `
		INSERT INTO equity_points
		(portfolio_id, date, begin_equity, pnl, flows, end_equity)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (portfolio_id, date) DO UPDATE SET
			begin_equity = EXCLUDED.begin_equity,
			pnl = EXCLUDED.pnl,
			flows = EXCLUDED.flows,
			end_equity = EXCLUDED.end_equity`

	if _, err := tx.ExecContext(ctx, query,
		p.PortfolioID, p.Date, p.BeginEquity, p.PnL, p.Flows, p.EndEquity); err != nil {
		return fmt.Errorf("failed to upsert equity point: %w", err)
	}
	return nil
}

func insertExposure(ctx context.Context, tx *sqlx.Tx, e persistence.ExposureRow) error {
	query := `
		INSERT INTO exposures
		(portfolio_id, date, long_exposure, short_exposure, gross_exposure, net_exposure)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (portfolio_id, date) DO UPDATE SET
			long_exposure = EXCLUDED.long_exposure,
			short_exposure = EXCLUDED.short_exposure,
			gross_exposure = EXCLUDED.gross_exposure,
			net_exposure = EXCLUDED.net_exposure`

	if _, err := tx.ExecContext(ctx, query,
		e.PortfolioID, e.Date, e.Long, e.Short, e.Gross, e.Net); err != nil {
		return fmt.Errorf("failed to upsert exposure: %w", err)
	}
	return nil
}

func insertBetas(ctx context.Context, tx *sqlx.Tx, rows []persistence.PositionBeta) error {
	query := `
		INSERT INTO position_betas
		(position_id, portfolio_id, date, kind, beta, p_value, significant, observations, capped)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (position_id, date, kind) DO UPDATE SET
			beta = EXCLUDED.beta,
			p_value = EXCLUDED.p_value,
			significant = EXCLUDED.significant,
			observations = EXCLUDED.observations,
			capped = EXCLUDED.capped`

	for _, b := range rows {
		if _, err := tx.ExecContext(ctx, query,
			b.PositionID, b.PortfolioID, b.Date, b.Kind,
			b.Beta, b.PValue, b.Significant, b.Observations, b.Capped); err != nil {
			return fmt.Errorf("failed to upsert position beta: %w", err)
		}
	}
	return nil
}

func insertFactorExposures(ctx context.Context, tx *sqlx.Tx, rows []persistence.FactorExposure) error {
	query := `
		INSERT INTO factor_exposures
		(portfolio_id, position_id, factor, date, beta, model)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (portfolio_id, position_id, factor, date, model) DO UPDATE SET
			beta = EXCLUDED.beta`

	for _, f := range rows {
		if _, err := tx.ExecContext(ctx, query,
			f.PortfolioID, f.PositionID, f.Factor, f.Date, f.Beta, f.Model); err != nil {
			return fmt.Errorf("failed to upsert factor exposure: %w", err)
		}
	}
	return nil
}

func insertSectorWeights(ctx context.Context, tx *sqlx.Tx, rows []persistence.SectorWeight) error {
	query := `
		INSERT INTO sector_weights
		(portfolio_id, date, sector, gross_value, weight)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (portfolio_id, date, sector) DO UPDATE SET
			gross_value = EXCLUDED.gross_value,
			weight = EXCLUDED.weight`

	for _, s := range rows {
		if _, err := tx.ExecContext(ctx, query,
			s.PortfolioID, s.Date, s.Sector, s.GrossValue, s.Weight); err != nil {
			return fmt.Errorf("failed to upsert sector weight: %w", err)
		}
	}
	return nil
}

func insertVolatility(ctx context.Context, tx *sqlx.Tx, v persistence.VolatilityRow) error {
	query := `
		INSERT INTO volatility
		(portfolio_id, date, realized_30d, realized_window, annualized, max_drawdown, observations)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (portfolio_id, date) DO UPDATE SET
			realized_30d = EXCLUDED.realized_30d,
			realized_window = EXCLUDED.realized_window,
			annualized = EXCLUDED.annualized,
			max_drawdown = EXCLUDED.max_drawdown,
			observations = EXCLUDED.observations`

	if _, err := tx.ExecContext(ctx, query,
		v.PortfolioID, v.Date, v.Realized30d, v.RealizedWindow,
		v.Annualized, v.MaxDrawdown, v.Observations); err != nil {
		return fmt.Errorf("failed to upsert volatility: %w", err)
	}
	return nil
}

func insertScenarios(ctx context.Context, tx *sqlx.Tx, rows []persistence.ScenarioImpact) error {
	query := `
		INSERT INTO scenario_impacts
		(portfolio_id, date, kind, scenario, pnl_impact, equity_after)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (portfolio_id, date, kind, scenario) DO UPDATE SET
			pnl_impact = EXCLUDED.pnl_impact,
			equity_after = EXCLUDED.equity_after`

	for _, s := range rows {
		if _, err := tx.ExecContext(ctx, query,
			s.PortfolioID, s.Date, s.Kind, s.Scenario, s.PnLImpact, s.EquityAfter); err != nil {
			return fmt.Errorf("failed to upsert scenario impact: %w", err)
		}
	}
	return nil
}

// insertCorrelation writes the parent calculation first, then pairs,
// clusters, and members. IDs are deterministic per (portfolio, date), so
// upserts land on the same rows across replays.
func insertCorrelation(ctx context.Context, tx *sqlx.Tx, c persistence.CorrelationResult) error {
	calcQuery := `
		INSERT INTO correlation_calculations
		(id, portfolio_id, date, window_days, sample_size)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			window_days = EXCLUDED.window_days,
			sample_size = EXCLUDED.sample_size`

	if _, err := tx.ExecContext(ctx, calcQuery,
		c.Calculation.ID, c.Calculation.PortfolioID, c.Calculation.Date,
		c.Calculation.WindowDays, c.Calculation.SampleSize); err != nil {
		return fmt.Errorf("failed to upsert correlation calculation: %w", err)
	}

	pairQuery := `
		INSERT INTO pairwise_correlations
		(calculation_id, symbol_a, symbol_b, correlation, sample_size)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (calculation_id, symbol_a, symbol_b) DO UPDATE SET
			correlation = EXCLUDED.correlation,
			sample_size = EXCLUDED.sample_size`

	for _, p := range c.Pairs {
		if _, err := tx.ExecContext(ctx, pairQuery,
			p.CalculationID, p.SymbolA, p.SymbolB, p.Correlation, p.SampleSize); err != nil {
			return fmt.Errorf("failed to upsert pairwise correlation: %w", err)
		}
	}

	clusterQuery := `
		INSERT INTO correlation_clusters
		(id, calculation_id, label, avg_correlation, gross_exposure)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			label = EXCLUDED.label,
			avg_correlation = EXCLUDED.avg_correlation,
			gross_exposure = EXCLUDED.gross_exposure`

	for _, cl := range c.Clusters {
		if _, err := tx.ExecContext(ctx, clusterQuery,
			cl.ID, cl.CalculationID, cl.Label, cl.AvgCorrelation, cl.GrossExposure); err != nil {
			return fmt.Errorf("failed to upsert correlation cluster: %w", err)
		}
	}

	memberQuery := `
		INSERT INTO cluster_positions
		(cluster_id, position_id, symbol, weight)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cluster_id, position_id) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			weight = EXCLUDED.weight`

	for _, m := range c.Members {
		if _, err := tx.ExecContext(ctx, memberQuery,
			m.ClusterID, m.PositionID, m.Symbol, m.Weight); err != nil {
			return fmt.Errorf("failed to upsert cluster position: %w", err)
		}
	}

	return nil
}

func insertSnapshot(ctx context.Context, tx *sqlx.Tx, s persistence.Snapshot) error {
	query := `
		INSERT INTO portfolio_snapshots
		(portfolio_id, date, equity, pnl, flows, long_exposure, short_exposure,
		 gross_exposure, net_exposure, market_beta, volatility, sector_hhi, position_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (portfolio_id, date) DO UPDATE SET
			equity = EXCLUDED.equity,
			pnl = EXCLUDED.pnl,
			flows = EXCLUDED.flows,
			long_exposure = EXCLUDED.long_exposure,
			short_exposure = EXCLUDED.short_exposure,
			gross_exposure = EXCLUDED.gross_exposure,
			net_exposure = EXCLUDED.net_exposure,
			market_beta = EXCLUDED.market_beta,
			volatility = EXCLUDED.volatility,
			sector_hhi = EXCLUDED.sector_hhi,
			position_count = EXCLUDED.position_count`

	if _, err := tx.ExecContext(ctx, query,
		s.PortfolioID, s.Date, s.Equity, s.PnL, s.Flows,
		s.Long, s.Short, s.Gross, s.Net,
		s.MarketBeta, s.Volatility, s.SectorHHI, s.PositionCount); err != nil {
		return fmt.Errorf("failed to upsert portfolio snapshot: %w", err)
	}
	return nil
}

// deleteStatements lists the derived tables in strict child-to-parent
// order. The correlation chain goes members, clusters, pairs, then the
// parent calculation. The market data cache is not represented here and
// is never deleted.
var deleteStatements = []string{
	`DELETE FROM cluster_positions WHERE cluster_id IN (
		SELECT cl.id FROM correlation_clusters cl
		JOIN correlation_calculations cc ON cc.id = cl.calculation_id
		WHERE cc.portfolio_id = $1 AND cc.date >= $2 AND cc.date <= $3)`,
	`DELETE FROM correlation_clusters WHERE calculation_id IN (
		SELECT id FROM correlation_calculations
		WHERE portfolio_id = $1 AND date >= $2 AND date <= $3)`,
	`DELETE FROM pairwise_correlations WHERE calculation_id IN (
		SELECT id FROM correlation_calculations
		WHERE portfolio_id = $1 AND date >= $2 AND date <= $3)`,
	`DELETE FROM correlation_calculations WHERE portfolio_id = $1 AND date >= $2 AND date <= $3`,
	`DELETE FROM scenario_impacts WHERE portfolio_id = $1 AND date >= $2 AND date <= $3`,
	`DELETE FROM volatility WHERE portfolio_id = $1 AND date >= $2 AND date <= $3`,
	`DELETE FROM sector_weights WHERE portfolio_id = $1 AND date >= $2 AND date <= $3`,
	`DELETE FROM factor_exposures WHERE portfolio_id = $1 AND date >= $2 AND date <= $3`,
	`DELETE FROM position_betas WHERE portfolio_id = $1 AND date >= $2 AND date <= $3`,
	`DELETE FROM position_valuations WHERE portfolio_id = $1 AND date >= $2 AND date <= $3`,
	`DELETE FROM equity_points WHERE portfolio_id = $1 AND date >= $2 AND date <= $3`,
	`DELETE FROM exposures WHERE portfolio_id = $1 AND date >= $2 AND date <= $3`,
	`DELETE FROM portfolio_snapshots WHERE portfolio_id = $1 AND date >= $2 AND date <= $3`,
}

// DeleteRange removes every derived row for the portfolio and range in
// one transaction, children before parents. Any failure rolls back the
// whole deletion.
func (r *derivedRepo) DeleteRange(ctx context.Context, portfolioID int64, dr persistence.DateRange) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range deleteStatements {
		if _, err := tx.ExecContext(ctx, stmt, portfolioID, dr.From, dr.To); err != nil {
			return fmt.Errorf("failed to delete derived rows: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete for portfolio %d: %w", portfolioID, err)
	}
	return nil
}

func (r *derivedRepo) GetSnapshot(ctx context.Context, portfolioID int64, date time.Time) (*persistence.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT portfolio_id, date, equity, pnl, flows, long_exposure, short_exposure,
		       gross_exposure, net_exposure, market_beta, volatility, sector_hhi, position_count
		FROM portfolio_snapshots
		WHERE portfolio_id = $1 AND date = $2`

	var s persistence.Snapshot
	if err := r.db.GetContext(ctx, &s, query, portfolioID, date); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return &s, nil
}

func (r *derivedRepo) Snapshots(ctx context.Context, portfolioID int64, dr persistence.DateRange) ([]persistence.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT portfolio_id, date, equity, pnl, flows, long_exposure, short_exposure,
		       gross_exposure, net_exposure, market_beta, volatility, sector_hhi, position_count
		FROM portfolio_snapshots
		WHERE portfolio_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date`

	var snapshots []persistence.Snapshot
	if err := r.db.SelectContext(ctx, &snapshots, query, portfolioID, dr.From, dr.To); err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}
	return snapshots, nil
}

func (r *derivedRepo) FactorExposures(ctx context.Context, portfolioID int64, date time.Time) ([]persistence.FactorExposure, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT portfolio_id, position_id, factor, date, beta, model
		FROM factor_exposures
		WHERE portfolio_id = $1 AND date = $2 AND position_id = 0
		ORDER BY model, factor`

	var exposures []persistence.FactorExposure
	if err := r.db.SelectContext(ctx, &exposures, query, portfolioID, date); err != nil {
		return nil, fmt.Errorf("failed to load factor exposures: %w", err)
	}
	return exposures, nil
}
