package engines

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/quantfolio/quantfolio/internal/calc"
	"github.com/quantfolio/quantfolio/internal/persistence"
)

// SpreadFactors regresses position returns against long/short ETF pair
// differentials (growth minus value and friends) over a fixed 180-day
// window. The short window and differential construction keep the spread
// factors from colliding with each other; the fit is plain OLS on raw
// returns, so the coefficients need no rescaling.
type SpreadFactors struct {
	Deps
}

func (e *SpreadFactors) Name() string { return "spread_factors" }

func (e *SpreadFactors) Run(ctx context.Context, st *State) error {
	spreads := st.SpreadFactors
	if len(spreads) == 0 {
		return nil
	}

	from := lookbackFrom(st.Date, e.Config.Lookback.SpreadDays)

	values := make(map[int64]float64, len(st.Result.Valuations))
	for _, v := range st.Result.Valuations {
		values[v.PositionID] = v.MarketValue
	}

	portfolioBetas := make(map[string]float64, len(spreads))
	var portfolioBase float64

	for _, p := range st.Positions {
		if !st.Priced(p) {
			continue
		}

		symbols := []string{p.Symbol}
		for _, s := range spreads {
			symbols = append(symbols, s.LongSymbol, s.ShortSymbol)
		}

		returns, _, err := calc.AlignedReturns(ctx, e.Market, symbols, from, st.Date)
		if err != nil {
			if errors.Is(err, calc.ErrInsufficientData) {
				logFactorSkip(st, p, "spread")
				continue
			}
			return fmt.Errorf("spread returns for %s: %w", p.Symbol, err)
		}

		posReturns := returns[p.Symbol]
		fitted := false

		for _, s := range spreads {
			longRet := returns[s.LongSymbol]
			shortRet := returns[s.ShortSymbol]
			diff := make([]float64, len(longRet))
			for i := range longRet {
				diff[i] = longRet[i] - shortRet[i]
			}

			reg, err := calc.Regress(posReturns, diff)
			if err != nil {
				if errors.Is(err, calc.ErrInsufficientData) {
					continue
				}
				return fmt.Errorf("spread beta %s for %s: %w", s.Name, p.Symbol, err)
			}

			st.Result.FactorExposures = append(st.Result.FactorExposures, persistence.FactorExposure{
				PortfolioID: st.Portfolio.ID,
				PositionID:  p.ID,
				Factor:      s.Name,
				Date:        st.Date,
				Beta:        reg.Beta,
				Model:       persistence.ModelSpread,
			})
			portfolioBetas[s.Name] += reg.Beta * values[p.ID]
			fitted = true
		}

		if fitted {
			portfolioBase += math.Abs(values[p.ID])
		}
	}

	if portfolioBase > 0 {
		for _, s := range spreads {
			st.Result.FactorExposures = append(st.Result.FactorExposures, persistence.FactorExposure{
				PortfolioID: st.Portfolio.ID,
				PositionID:  0,
				Factor:      s.Name,
				Date:        st.Date,
				Beta:        portfolioBetas[s.Name] / portfolioBase,
				Model:       persistence.ModelSpread,
			})
		}
	}

	return nil
}
