package engines

import (
	"context"
	"fmt"

	"github.com/quantfolio/quantfolio/internal/persistence"
)

// StressTesting prices the configured named historical scenarios off the
// portfolio-level ridge factor exposures produced earlier in the pass:
// each factor's shock times its raw-unit beta gives a portfolio return
// contribution, applied to the day's gross exposure.
type StressTesting struct {
	Deps
}

func (e *StressTesting) Name() string { return "stress_testing" }

func (e *StressTesting) Run(_ context.Context, st *State) error {
	if st.Exposure == nil || st.Result.Equity == nil {
		return fmt.Errorf("stress testing requires aggregation and rollforward outputs")
	}

	// Portfolio-level ridge betas from this unit's factor engine.
	betas := make(map[string]float64)
	for _, fe := range st.Result.FactorExposures {
		if fe.PositionID == 0 && fe.Model == persistence.ModelRidge {
			betas[fe.Factor] = fe.Beta
		}
	}

	equity := st.Result.Equity.EndEquity
	for _, scenario := range e.Config.Stress {
		var portfolioReturn float64
		for factor, shock := range scenario.Shocks {
			portfolioReturn += betas[factor] * shock
		}
		impact := portfolioReturn * st.Exposure.Gross
		st.Result.Scenarios = append(st.Result.Scenarios, scenarioImpact(st, persistence.ScenarioStress, scenario.Name, impact, equity))
	}
	return nil
}

func scenarioImpact(st *State, kind persistence.ScenarioKind, name string, impact, equity float64) persistence.ScenarioImpact {
	return persistence.ScenarioImpact{
		PortfolioID: st.Portfolio.ID,
		Date:        st.Date,
		Kind:        kind,
		Scenario:    name,
		PnLImpact:   impact,
		EquityAfter: equity + impact,
	}
}
