package engines

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/quantfolio/quantfolio/internal/calc"
	"github.com/quantfolio/quantfolio/internal/domain"
	"github.com/quantfolio/quantfolio/internal/persistence"
)

// RidgeFactors fits each priced position's returns against all style
// factor proxies simultaneously with ridge regularization on standardized
// features. The persisted betas are ALWAYS the rescaled raw-return-unit
// coefficients: standardized coefficients divided by each feature's scale
// factor. Persisting the standardized values silently shrinks betas by
// the feature scale, which downstream displays as zero.
type RidgeFactors struct {
	Deps
}

func (e *RidgeFactors) Name() string { return "ridge_factors" }

func (e *RidgeFactors) Run(ctx context.Context, st *State) error {
	factors := st.Factors
	if len(factors) == 0 {
		return nil
	}

	proxies := make([]string, len(factors))
	for i, f := range factors {
		proxies[i] = f.ProxySymbol
	}

	from := lookbackFrom(st.Date, e.Config.Lookback.BetaDays)
	portfolioBetas := make(map[string]float64, len(factors))
	var portfolioBase float64

	values := make(map[int64]float64, len(st.Result.Valuations))
	for _, v := range st.Result.Valuations {
		values[v.PositionID] = v.MarketValue
	}

	for _, p := range st.Positions {
		if !st.Priced(p) {
			continue
		}

		symbols := append([]string{p.Symbol}, proxies...)
		returns, _, err := calc.AlignedReturns(ctx, e.Market, symbols, from, st.Date)
		if err != nil {
			if errors.Is(err, calc.ErrInsufficientData) {
				logFactorSkip(st, p, "ridge")
				continue
			}
			return fmt.Errorf("ridge returns for %s: %w", p.Symbol, err)
		}

		features := make([][]float64, len(factors))
		for i, f := range factors {
			features[i] = returns[f.ProxySymbol]
		}

		fit, err := calc.RidgeFit(returns[p.Symbol], features, e.Config.Ridge.Lambda)
		if err != nil {
			if errors.Is(err, calc.ErrInsufficientData) {
				logFactorSkip(st, p, "ridge")
				continue
			}
			return fmt.Errorf("ridge fit for %s: %w", p.Symbol, err)
		}

		raw := fit.RawCoefficients()
		weight := values[p.ID]
		portfolioBase += math.Abs(weight)

		for i, f := range factors {
			st.Result.FactorExposures = append(st.Result.FactorExposures, persistence.FactorExposure{
				PortfolioID: st.Portfolio.ID,
				PositionID:  p.ID,
				Factor:      f.Name,
				Date:        st.Date,
				Beta:        raw[i],
				Model:       persistence.ModelRidge,
			})
			portfolioBetas[f.Name] += raw[i] * weight
		}
	}

	// Portfolio-level rows: value-weighted aggregation of position betas.
	if portfolioBase > 0 {
		for _, f := range factors {
			st.Result.FactorExposures = append(st.Result.FactorExposures, persistence.FactorExposure{
				PortfolioID: st.Portfolio.ID,
				PositionID:  0,
				Factor:      f.Name,
				Date:        st.Date,
				Beta:        portfolioBetas[f.Name] / portfolioBase,
				Model:       persistence.ModelRidge,
			})
		}
	}

	return nil
}

func logFactorSkip(st *State, p domain.Position, model string) {
	log.Debug().
		Int64("portfolio", st.Portfolio.ID).
		Int64("position", p.ID).
		Str("symbol", p.Symbol).
		Str("model", model).
		Time("date", st.Date).
		Msg("Insufficient aligned history; factor exposures unavailable for date")
}
