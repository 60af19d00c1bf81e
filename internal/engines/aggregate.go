package engines

import (
	"context"
	"fmt"

	"github.com/quantfolio/quantfolio/internal/persistence"
)

// PortfolioAggregation computes the unit's long/short/gross/net exposure
// through the exposure service so later engines in the same pass (market
// risk, stress) reuse the cached value instead of recomputing.
type PortfolioAggregation struct {
	Deps
}

func (e *PortfolioAggregation) Name() string { return "portfolio_aggregation" }

func (e *PortfolioAggregation) Run(ctx context.Context, st *State) error {
	exp, hit, err := e.Exposures.Get(ctx, st.Portfolio.ID, st.Date, st.Positions, st.Prices)
	if err != nil {
		return fmt.Errorf("portfolio exposure: %w", err)
	}
	st.Exposure = &exp
	st.ExposureCacheHit = hit

	st.Result.Exposure = &persistence.ExposureRow{
		PortfolioID: st.Portfolio.ID,
		Date:        st.Date,
		Long:        exp.Long,
		Short:       exp.Short,
		Gross:       exp.Gross,
		Net:         exp.Net,
	}
	return nil
}
