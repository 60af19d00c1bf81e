package engines

import (
	"context"
	"fmt"

	"github.com/quantfolio/quantfolio/internal/calc"
	"github.com/quantfolio/quantfolio/internal/persistence"
)

// EquityRollforward propagates the portfolio's equity forward one day:
// ending equity = prior equity + day P&L + net external flows dated to
// the unit's date. Day P&L only counts positions priced on both the date
// and the previous trading day.
type EquityRollforward struct {
	Deps
}

func (e *EquityRollforward) Name() string { return "equity_rollforward" }

func (e *EquityRollforward) Run(ctx context.Context, st *State) error {
	begin := st.PrevEquity()

	var pnl float64
	for _, p := range st.Positions {
		if !st.Priced(p) {
			continue
		}
		prev, ok := st.PrevPrices[p.Symbol]
		if !ok {
			continue
		}
		curr := st.Prices[p.Symbol]
		pnl += calc.PositionValue(p, curr, calc.ValueSigned) - calc.PositionValue(p, prev, calc.ValueSigned)
	}

	events, err := e.Portfolios.EquityEvents(ctx, st.Portfolio.ID, persistence.DateRange{From: st.Date, To: st.Date})
	if err != nil {
		return fmt.Errorf("equity events for %s: %w", st.Date.Format("2006-01-02"), err)
	}
	var flows float64
	for _, ev := range events {
		flows += ev.Amount
	}

	st.Result.Equity = &persistence.EquityPoint{
		PortfolioID: st.Portfolio.ID,
		Date:        st.Date,
		BeginEquity: begin,
		PnL:         pnl,
		Flows:       flows,
		EndEquity:   begin + pnl + flows,
	}
	return nil
}
