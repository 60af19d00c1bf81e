// Package engines implements the fourteen calculation engines the batch
// orchestrator sequences for each (portfolio, date) unit. Each engine is
// a pure function of the unit state plus cached inputs; all numerical
// primitives come from the calc package.
package engines

import (
	"context"
	"time"

	"github.com/quantfolio/quantfolio/internal/config"
	"github.com/quantfolio/quantfolio/internal/domain"
	"github.com/quantfolio/quantfolio/internal/exposure"
	"github.com/quantfolio/quantfolio/internal/marketdata"
	"github.com/quantfolio/quantfolio/internal/persistence"
)

// Engine is one calculation stage. Engines run in a fixed order; each may
// consume outputs earlier engines wrote into the unit State.
type Engine interface {
	Name() string
	Run(ctx context.Context, st *State) error
}

// Deps carries the shared collaborators engines read from. Engines never
// write to persistence directly: all derived rows accumulate on the
// State and the orchestrator commits them per unit.
type Deps struct {
	Market     marketdata.Store
	Exposures  *exposure.Service
	Portfolios persistence.PortfolioRepo
	Derived    persistence.DerivedRepo
	Config     *config.Config
}

// State is the working memory of one (portfolio, date) unit. Earlier
// engines populate it; later engines consume it; the orchestrator commits
// Result when every engine has run.
type State struct {
	Portfolio domain.Portfolio
	Positions []domain.Position
	Date      time.Time
	PrevDate  time.Time

	// PrevSnapshot chains the rollforward: nil means the unit starts
	// from the portfolio's baseline equity.
	PrevSnapshot   *persistence.Snapshot
	BaselineEquity float64

	Factors       []domain.FactorDefinition
	SpreadFactors []domain.SpreadFactorDefinition

	// Populated by the market data sync engine.
	Prices      map[string]float64
	PrevPrices  map[string]float64
	PriceSource map[string]string
	Skipped     map[int64]string // position id -> reason

	// Populated by the aggregation engine.
	Exposure *exposure.Exposure

	// Portfolio-level market beta, set by the market beta engine and
	// consumed by the scenario and snapshot engines.
	PortfolioMarketBeta float64

	// SectorHHI is the Herfindahl concentration index, set by the sector
	// engine and carried into the snapshot.
	SectorHHI float64

	// ExposureCacheHit reports whether the aggregation engine was served
	// from the exposure cache (observability only).
	ExposureCacheHit bool

	// Result accumulates the unit's derived rows.
	Result persistence.UnitResult
}

// NewState builds the unit state for one (portfolio, date).
func NewState(portfolio domain.Portfolio, positions []domain.Position, date, prevDate time.Time) *State {
	return &State{
		Portfolio:   portfolio,
		Positions:   positions,
		Date:        domain.Day(date),
		PrevDate:    domain.Day(prevDate),
		Prices:      make(map[string]float64),
		PrevPrices:  make(map[string]float64),
		PriceSource: make(map[string]string),
		Skipped:     make(map[int64]string),
		Result: persistence.UnitResult{
			PortfolioID: portfolio.ID,
			Date:        domain.Day(date),
		},
	}
}

// Priced reports whether the position has a usable price for the date.
func (st *State) Priced(p domain.Position) bool {
	if _, skipped := st.Skipped[p.ID]; skipped {
		return false
	}
	_, ok := st.Prices[p.Symbol]
	return ok
}

// PrevEquity returns the prior day's ending equity, falling back to the
// baseline when the unit is the first of a range.
func (st *State) PrevEquity() float64 {
	if st.PrevSnapshot != nil {
		return st.PrevSnapshot.Equity
	}
	if st.BaselineEquity != 0 {
		return st.BaselineEquity
	}
	return st.Portfolio.StartingEquity
}

// Ordered returns the fourteen engines in dependency order.
func Ordered(d Deps) []Engine {
	return []Engine{
		&MarketDataSync{Deps: d},
		&PositionValuation{Deps: d},
		&EquityRollforward{Deps: d},
		&PortfolioAggregation{Deps: d},
		&MarketBeta{Deps: d},
		&InterestRateBeta{Deps: d},
		&RidgeFactors{Deps: d},
		&SpreadFactors{Deps: d},
		&SectorConcentration{Deps: d},
		&VolatilityAnalytics{Deps: d},
		&MarketRiskScenarios{Deps: d},
		&PortfolioSnapshot{Deps: d},
		&StressTesting{Deps: d},
		&PositionCorrelation{Deps: d},
	}
}
