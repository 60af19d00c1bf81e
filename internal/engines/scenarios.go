package engines

import (
	"context"
	"fmt"

	"github.com/quantfolio/quantfolio/internal/persistence"
)

// marketShocks is the parametric shock grid applied by the market risk
// engine, as fractional market moves.
var marketShocks = []float64{-0.20, -0.10, -0.05, 0.05, 0.10, 0.20}

// MarketRiskScenarios prices a grid of parametric market shocks using the
// portfolio market beta and the net exposure computed earlier in the
// pass. It consumes the cached exposure rather than recomputing it.
type MarketRiskScenarios struct {
	Deps
}

func (e *MarketRiskScenarios) Name() string { return "market_risk_scenarios" }

func (e *MarketRiskScenarios) Run(_ context.Context, st *State) error {
	if st.Exposure == nil || st.Result.Equity == nil {
		return fmt.Errorf("market risk scenarios require aggregation and rollforward outputs")
	}

	equity := st.Result.Equity.EndEquity
	for _, shock := range marketShocks {
		impact := st.PortfolioMarketBeta * shock * st.Exposure.Net
		st.Result.Scenarios = append(st.Result.Scenarios, scenarioImpact(st, persistence.ScenarioMarketRisk, fmt.Sprintf("market%+.0f%%", shock*100), impact, equity))
	}
	return nil
}
