package engines

import (
	"context"

	"github.com/quantfolio/quantfolio/internal/calc"
	"github.com/quantfolio/quantfolio/internal/persistence"
)

// PositionValuation computes the signed dollar value of every priced
// position via the canonical valuation function. Skipped positions get no
// row for the date: absent, not null.
type PositionValuation struct {
	Deps
}

func (e *PositionValuation) Name() string { return "position_valuation" }

func (e *PositionValuation) Run(_ context.Context, st *State) error {
	for _, p := range st.Positions {
		if !st.Priced(p) {
			continue
		}
		price := st.Prices[p.Symbol]
		st.Result.Valuations = append(st.Result.Valuations, persistence.PositionValuation{
			PositionID:  p.ID,
			PortfolioID: st.Portfolio.ID,
			Date:        st.Date,
			Price:       price,
			MarketValue: calc.PositionValue(p, price, calc.ValueSigned),
			PriceSource: st.PriceSource[p.Symbol],
		})
	}
	return nil
}
