package engines

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/quantfolio/quantfolio/internal/calc"
	"github.com/quantfolio/quantfolio/internal/persistence"
)

// tradingDaysPerYear annualizes daily return volatility.
const tradingDaysPerYear = 252

// VolatilityAnalytics computes realized volatility and max drawdown of a
// synthetic portfolio return series built from current holdings weighted
// over the lookback window.
type VolatilityAnalytics struct {
	Deps
}

func (e *VolatilityAnalytics) Name() string { return "volatility_analytics" }

func (e *VolatilityAnalytics) Run(ctx context.Context, st *State) error {
	series, err := e.portfolioReturns(ctx, st)
	if err != nil {
		if errors.Is(err, calc.ErrInsufficientData) {
			log.Debug().
				Int64("portfolio", st.Portfolio.ID).
				Time("date", st.Date).
				Msg("Insufficient history; volatility unavailable for date")
			return nil
		}
		return err
	}
	if len(series) < 2 {
		return nil
	}

	windowVol := stdDev(series)
	vol30 := windowVol
	if len(series) > 30 {
		vol30 = stdDev(series[len(series)-30:])
	}

	st.Result.Volatility = &persistence.VolatilityRow{
		PortfolioID:    st.Portfolio.ID,
		Date:           st.Date,
		Realized30d:    vol30,
		RealizedWindow: windowVol,
		Annualized:     windowVol * math.Sqrt(tradingDaysPerYear),
		MaxDrawdown:    maxDrawdown(series),
		Observations:   len(series),
	}
	return nil
}

// portfolioReturns builds the holdings-weighted daily return series for
// the lookback window: each day's return is the signed-value-weighted
// average of position returns.
func (e *VolatilityAnalytics) portfolioReturns(ctx context.Context, st *State) ([]float64, error) {
	var symbols []string
	weights := make(map[string]float64)
	var base float64

	for _, v := range st.Result.Valuations {
		for _, p := range st.Positions {
			if p.ID == v.PositionID {
				weights[p.Symbol] += v.MarketValue
				base += math.Abs(v.MarketValue)
				symbols = append(symbols, p.Symbol)
				break
			}
		}
	}
	if len(symbols) == 0 || base == 0 {
		return nil, calc.ErrInsufficientData
	}

	from := lookbackFrom(st.Date, e.Config.Lookback.VolatilityDays)
	returns, dates, err := calc.AlignedReturns(ctx, e.Market, symbols, from, st.Date)
	if err != nil {
		return nil, fmt.Errorf("volatility returns: %w", err)
	}

	series := make([]float64, len(dates))
	for symbol, rets := range returns {
		w := weights[symbol] / base
		for i, r := range rets {
			series[i] += w * r
		}
	}
	return series, nil
}

func stdDev(series []float64) float64 {
	_, sd := meanStdSeries(series)
	return sd
}

func meanStdSeries(series []float64) (float64, float64) {
	n := float64(len(series))
	if n < 2 {
		return 0, 0
	}
	var sum float64
	for _, v := range series {
		sum += v
	}
	mean := sum / n
	var ss float64
	for _, v := range series {
		d := v - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / (n - 1))
}

// maxDrawdown is the largest peak-to-trough decline of the cumulative
// return path, reported as a positive fraction.
func maxDrawdown(series []float64) float64 {
	level := 1.0
	peak := 1.0
	var worst float64
	for _, r := range series {
		level *= 1 + r
		if level > peak {
			peak = level
		}
		dd := 1 - level/peak
		if dd > worst {
			worst = dd
		}
	}
	return worst
}
