package engines

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfolio/quantfolio/internal/calc"
	"github.com/quantfolio/quantfolio/internal/persistence"
)

// MarketBeta regresses each priced position's returns against the market
// proxy over the configured lookback. Betas are capped and flagged for
// significance by the canonical regression; positions without enough
// aligned history are simply absent for the date.
type MarketBeta struct {
	Deps
}

func (e *MarketBeta) Name() string { return "market_beta" }

func (e *MarketBeta) Run(ctx context.Context, st *State) error {
	betas, err := singleFactorBetas(ctx, e.Deps, st, e.Config.Market.MarketProxy, persistence.BetaMarket)
	if err != nil {
		return err
	}
	st.Result.Betas = append(st.Result.Betas, betas...)
	st.PortfolioMarketBeta = weightedBeta(st, betas)
	return nil
}

// InterestRateBeta is the same regression against the rate proxy.
type InterestRateBeta struct {
	Deps
}

func (e *InterestRateBeta) Name() string { return "interest_rate_beta" }

func (e *InterestRateBeta) Run(ctx context.Context, st *State) error {
	betas, err := singleFactorBetas(ctx, e.Deps, st, e.Config.Market.RateProxy, persistence.BetaInterestRate)
	if err != nil {
		return err
	}
	st.Result.Betas = append(st.Result.Betas, betas...)
	return nil
}

func singleFactorBetas(ctx context.Context, d Deps, st *State, proxy string, kind persistence.BetaKind) ([]persistence.PositionBeta, error) {
	from := st.Date.AddDate(0, 0, -d.Config.Lookback.BetaDays)

	var out []persistence.PositionBeta
	for _, p := range st.Positions {
		if !st.Priced(p) {
			continue
		}

		returns, _, err := calc.AlignedReturns(ctx, d.Market, []string{p.Symbol, proxy}, from, st.Date)
		if err != nil {
			if errors.Is(err, calc.ErrInsufficientData) {
				log.Debug().
					Int64("portfolio", st.Portfolio.ID).
					Str("symbol", p.Symbol).
					Str("kind", string(kind)).
					Msg("Insufficient aligned history; beta unavailable for date")
				continue
			}
			return nil, fmt.Errorf("aligned returns for %s vs %s: %w", p.Symbol, proxy, err)
		}

		reg, err := calc.Regress(returns[p.Symbol], returns[proxy])
		if err != nil {
			if errors.Is(err, calc.ErrInsufficientData) {
				continue
			}
			return nil, fmt.Errorf("%s beta for %s: %w", kind, p.Symbol, err)
		}

		out = append(out, persistence.PositionBeta{
			PositionID:   p.ID,
			PortfolioID:  st.Portfolio.ID,
			Date:         st.Date,
			Kind:         kind,
			Beta:         reg.Beta,
			PValue:       reg.PValue,
			Significant:  reg.Significant,
			Observations: reg.Observations,
			Capped:       reg.Capped,
		})
	}
	return out, nil
}

// weightedBeta aggregates position betas into a portfolio beta using
// signed market-value weights over the priced equity base.
func weightedBeta(st *State, betas []persistence.PositionBeta) float64 {
	if len(betas) == 0 {
		return 0
	}

	values := make(map[int64]float64, len(st.Result.Valuations))
	var base float64
	for _, v := range st.Result.Valuations {
		values[v.PositionID] = v.MarketValue
		base += math.Abs(v.MarketValue)
	}
	if base == 0 {
		return 0
	}

	var beta float64
	for _, b := range betas {
		beta += b.Beta * values[b.PositionID] / base
	}
	return beta
}

// lookbackFrom is a convenience for engines that window history back from
// the unit date.
func lookbackFrom(date time.Time, days int) time.Time {
	return date.AddDate(0, 0, -days)
}
