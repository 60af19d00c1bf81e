// Package persistence defines the derived-row types and repository
// interfaces for the batch analytics pipeline. The market data cache is
// accessed through its own read-only store; everything here is state the
// pipeline owns and may delete and regenerate.
package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/quantfolio/quantfolio/internal/domain"
)

// DateRange is an inclusive [From, To] day window.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether d falls inside the range.
func (r DateRange) Contains(d time.Time) bool {
	return !d.Before(r.From) && !d.After(r.To)
}

// PositionValuation is one position's dollar value on a date.
type PositionValuation struct {
	PositionID  int64     `json:"position_id" db:"position_id"`
	PortfolioID int64     `json:"portfolio_id" db:"portfolio_id"`
	Date        time.Time `json:"date" db:"date"`
	Price       float64   `json:"price" db:"price"`
	MarketValue float64   `json:"market_value" db:"market_value"` // signed
	PriceSource string    `json:"price_source" db:"price_source"` // cache | live
}

// EquityPoint is one day of the equity rollforward chain.
type EquityPoint struct {
	PortfolioID int64     `json:"portfolio_id" db:"portfolio_id"`
	Date        time.Time `json:"date" db:"date"`
	BeginEquity float64   `json:"begin_equity" db:"begin_equity"`
	PnL         float64   `json:"pnl" db:"pnl"`
	Flows       float64   `json:"flows" db:"flows"`
	EndEquity   float64   `json:"end_equity" db:"end_equity"`
}

// ExposureRow is the aggregate long/short/gross/net exposure for a
// portfolio on a date.
type ExposureRow struct {
	PortfolioID int64     `json:"portfolio_id" db:"portfolio_id"`
	Date        time.Time `json:"date" db:"date"`
	Long        float64   `json:"long_exposure" db:"long_exposure"`
	Short       float64   `json:"short_exposure" db:"short_exposure"`
	Gross       float64   `json:"gross_exposure" db:"gross_exposure"`
	Net         float64   `json:"net_exposure" db:"net_exposure"`
}

// BetaKind distinguishes the two single-factor position betas.
type BetaKind string

const (
	BetaMarket       BetaKind = "market"
	BetaInterestRate BetaKind = "interest_rate"
)

// PositionBeta is one position's capped single-factor beta on a date.
type PositionBeta struct {
	PositionID   int64     `json:"position_id" db:"position_id"`
	PortfolioID  int64     `json:"portfolio_id" db:"portfolio_id"`
	Date         time.Time `json:"date" db:"date"`
	Kind         BetaKind  `json:"kind" db:"kind"`
	Beta         float64   `json:"beta" db:"beta"`
	PValue       float64   `json:"p_value" db:"p_value"`
	Significant  bool      `json:"significant" db:"significant"`
	Observations int       `json:"observations" db:"observations"`
	Capped       bool      `json:"capped" db:"capped"`
}

// FactorModel identifies which engine produced a factor exposure.
type FactorModel string

const (
	ModelRidge  FactorModel = "ridge"
	ModelSpread FactorModel = "spread"
)

// FactorExposure is a factor beta in raw return units for either a
// position (PositionID set) or the whole portfolio (PositionID zero).
// Models that standardize features before fitting must rescale the
// coefficient to raw units before building this row.
type FactorExposure struct {
	PortfolioID int64       `json:"portfolio_id" db:"portfolio_id"`
	PositionID  int64       `json:"position_id" db:"position_id"`
	Factor      string      `json:"factor" db:"factor"`
	Date        time.Time   `json:"date" db:"date"`
	Beta        float64     `json:"beta" db:"beta"`
	Model       FactorModel `json:"model" db:"model"`
}

// SectorWeight is one sector's share of gross exposure on a date.
type SectorWeight struct {
	PortfolioID int64     `json:"portfolio_id" db:"portfolio_id"`
	Date        time.Time `json:"date" db:"date"`
	Sector      string    `json:"sector" db:"sector"`
	GrossValue  float64   `json:"gross_value" db:"gross_value"`
	Weight      float64   `json:"weight" db:"weight"`
}

// VolatilityRow holds realized volatility analytics for a date.
type VolatilityRow struct {
	PortfolioID    int64     `json:"portfolio_id" db:"portfolio_id"`
	Date           time.Time `json:"date" db:"date"`
	Realized30d    float64   `json:"realized_30d" db:"realized_30d"`
	RealizedWindow float64   `json:"realized_window" db:"realized_window"`
	Annualized     float64   `json:"annualized" db:"annualized"`
	MaxDrawdown    float64   `json:"max_drawdown" db:"max_drawdown"`
	Observations   int       `json:"observations" db:"observations"`
}

// ScenarioKind separates parametric market shocks from named historical
// stress scenarios.
type ScenarioKind string

const (
	ScenarioMarketRisk ScenarioKind = "market_risk"
	ScenarioStress     ScenarioKind = "stress"
)

// ScenarioImpact is the modeled P&L impact of one scenario on a date.
type ScenarioImpact struct {
	PortfolioID int64        `json:"portfolio_id" db:"portfolio_id"`
	Date        time.Time    `json:"date" db:"date"`
	Kind        ScenarioKind `json:"kind" db:"kind"`
	Scenario    string       `json:"scenario" db:"scenario"`
	PnLImpact   float64      `json:"pnl_impact" db:"pnl_impact"`
	EquityAfter float64      `json:"equity_after" db:"equity_after"`
}

// Snapshot is the date-level portfolio summary assembled last from all
// other engines' outputs.
type Snapshot struct {
	PortfolioID   int64     `json:"portfolio_id" db:"portfolio_id"`
	Date          time.Time `json:"date" db:"date"`
	Equity        float64   `json:"equity" db:"equity"`
	PnL           float64   `json:"pnl" db:"pnl"`
	Flows         float64   `json:"flows" db:"flows"`
	Long          float64   `json:"long_exposure" db:"long_exposure"`
	Short         float64   `json:"short_exposure" db:"short_exposure"`
	Gross         float64   `json:"gross_exposure" db:"gross_exposure"`
	Net           float64   `json:"net_exposure" db:"net_exposure"`
	MarketBeta    float64   `json:"market_beta" db:"market_beta"`
	Volatility    float64   `json:"volatility" db:"volatility"`
	SectorHHI     float64   `json:"sector_hhi" db:"sector_hhi"`
	PositionCount int       `json:"position_count" db:"position_count"`
}

// CorrelationResult is the parent/child correlation chain for one
/// (portfolio, date): pairwise correlations feed clusters, clusters hold
// positions. Deletion proceeds child-to-parent.
type CorrelationResult struct {
	Calculation CorrelationCalculation
	Pairs       []PairwiseCorrelation
	Clusters    []CorrelationCluster
	Members     []ClusterPosition
}

// CorrelationCalculation is the parent row of the correlation chain.
type CorrelationCalculation struct {
	ID          uuid.UUID `json:"id" db:"id"`
	PortfolioID int64     `json:"portfolio_id" db:"portfolio_id"`
	Date        time.Time `json:"date" db:"date"`
	WindowDays  int       `json:"window_days" db:"window_days"`
	SampleSize  int       `json:"sample_size" db:"sample_size"`
}

// PairwiseCorrelation is one symbol pair's return correlation.
type PairwiseCorrelation struct {
	CalculationID uuid.UUID `json:"calculation_id" db:"calculation_id"`
	SymbolA       string    `json:"symbol_a" db:"symbol_a"`
	SymbolB       string    `json:"symbol_b" db:"symbol_b"`
	Correlation   float64   `json:"correlation" db:"correlation"`
	SampleSize    int       `json:"sample_size" db:"sample_size"`
}

// CorrelationCluster groups positions whose returns move together.
type CorrelationCluster struct {
	ID             uuid.UUID `json:"id" db:"id"`
	CalculationID  uuid.UUID `json:"calculation_id" db:"calculation_id"`
	Label          string    `json:"label" db:"label"`
	AvgCorrelation float64   `json:"avg_correlation" db:"avg_correlation"`
	GrossExposure  float64   `json:"gross_exposure" db:"gross_exposure"`
}

// ClusterPosition is one member of a correlation cluster.
type ClusterPosition struct {
	ClusterID  uuid.UUID `json:"cluster_id" db:"cluster_id"`
	PositionID int64     `json:"position_id" db:"position_id"`
	Symbol     string    `json:"symbol" db:"symbol"`
	Weight     float64   `json:"weight" db:"weight"`
}

// RunStatus is the batch run lifecycle.
type RunStatus string

const (
	RunNotStarted RunStatus = "not_started"
	RunRunning    RunStatus = "running"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
)

// BatchRun is the persisted record of one batch run for a portfolio.
type BatchRun struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	PortfolioID  int64      `json:"portfolio_id" db:"portfolio_id"`
	Status       RunStatus  `json:"status" db:"status"`
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	CurrentStage string     `json:"current_stage" db:"current_stage"`
	JobIndex     int        `json:"job_index" db:"job_index"`
	JobCount     int        `json:"job_count" db:"job_count"`
	Error        string     `json:"error,omitempty" db:"error"`
}

// UnitResult collects every derived row produced by one (portfolio, date)
// unit. The orchestrator builds it in memory and commits it in a single
// transaction; dry runs simply never commit.
type UnitResult struct {
	PortfolioID int64
	Date        time.Time

	Valuations      []PositionValuation
	Equity          *EquityPoint
	Exposure        *ExposureRow
	Betas           []PositionBeta
	FactorExposures []FactorExposure
	Sectors         []SectorWeight
	Volatility      *VolatilityRow
	Scenarios       []ScenarioImpact
	Snapshot        *Snapshot
	Correlation     *CorrelationResult
}

// PortfolioRepo reads portfolio reference state and resets the
// rollforward baseline during reprocessing.
type PortfolioRepo interface {
	// List returns all portfolios.
	List(ctx context.Context) ([]domain.Portfolio, error)

	// Get returns one portfolio by id.
	Get(ctx context.Context, id int64) (*domain.Portfolio, error)

	// Positions returns the portfolio's positions.
	Positions(ctx context.Context, portfolioID int64) ([]domain.Position, error)

	// EquityEvents returns contributions/withdrawals within the range.
	EquityEvents(ctx context.Context, portfolioID int64, dr DateRange) ([]domain.EquityEvent, error)

	// SetBaselineEquity resets the rollforward baseline ahead of a
	// historical replay.
	SetBaselineEquity(ctx context.Context, portfolioID int64, equity float64) error

	// BaselineEquity returns the persisted rollforward baseline, or nil
	// when no replay has anchored one yet.
	BaselineEquity(ctx context.Context, portfolioID int64) (*float64, error)
}

// FactorRepo reads static factor reference data.
type FactorRepo interface {
	Factors(ctx context.Context) ([]domain.FactorDefinition, error)
	SpreadFactors(ctx context.Context) ([]domain.SpreadFactorDefinition, error)
}

// DerivedRepo owns every table the pipeline regenerates.
type DerivedRepo interface {
	// CommitUnit persists all of a unit's derived rows in one
	// transaction, upserting on the (portfolio|position, date[, factor])
	// key so overlapping runs cannot duplicate rows.
	CommitUnit(ctx context.Context, unit UnitResult) error

	// DeleteRange removes previously-derived rows for the portfolio and
	// range in strict child-to-parent order. It never touches the market
	// data cache. Any error is fatal for the reprocessing invocation:
	// partial deletion corrupts the rerun.
	DeleteRange(ctx context.Context, portfolioID int64, dr DateRange) error

	// GetSnapshot returns the snapshot for (portfolio, date), or nil.
	GetSnapshot(ctx context.Context, portfolioID int64, date time.Time) (*Snapshot, error)

	// Snapshots returns snapshots in the range, ascending by date.
	Snapshots(ctx context.Context, portfolioID int64, dr DateRange) ([]Snapshot, error)

	// FactorExposures returns portfolio-level exposures for a date.
	FactorExposures(ctx context.Context, portfolioID int64, date time.Time) ([]FactorExposure, error)
}

// BatchRunRepo persists batch run lifecycle records.
type BatchRunRepo interface {
	Upsert(ctx context.Context, run BatchRun) error
	Get(ctx context.Context, id uuid.UUID) (*BatchRun, error)
	Latest(ctx context.Context, portfolioID int64) (*BatchRun, error)
}

// Repository aggregates the persistence interfaces handed to the
// orchestrator and the reprocessing controller.
type Repository struct {
	Portfolios PortfolioRepo
	Factors    FactorRepo
	Derived    DerivedRepo
	Runs       BatchRunRepo
}
