package engines

import (
	"context"
	"fmt"

	"github.com/quantfolio/quantfolio/internal/persistence"
)

// PortfolioSnapshot assembles the date-level summary row from the other
// engines' outputs. It runs after everything except stress testing and
// correlations, which read from it rather than feed it.
type PortfolioSnapshot struct {
	Deps
}

func (e *PortfolioSnapshot) Name() string { return "portfolio_snapshot" }

func (e *PortfolioSnapshot) Run(_ context.Context, st *State) error {
	if st.Result.Equity == nil || st.Result.Exposure == nil {
		return fmt.Errorf("snapshot requires rollforward and aggregation outputs")
	}

	snap := &persistence.Snapshot{
		PortfolioID:   st.Portfolio.ID,
		Date:          st.Date,
		Equity:        st.Result.Equity.EndEquity,
		PnL:           st.Result.Equity.PnL,
		Flows:         st.Result.Equity.Flows,
		Long:          st.Result.Exposure.Long,
		Short:         st.Result.Exposure.Short,
		Gross:         st.Result.Exposure.Gross,
		Net:           st.Result.Exposure.Net,
		MarketBeta:    st.PortfolioMarketBeta,
		SectorHHI:     st.SectorHHI,
		PositionCount: len(st.Result.Valuations),
	}
	if st.Result.Volatility != nil {
		snap.Volatility = st.Result.Volatility.Annualized
	}

	st.Result.Snapshot = snap
	return nil
}
