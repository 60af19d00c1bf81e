package engines

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantfolio/quantfolio/internal/calc"
	"github.com/quantfolio/quantfolio/internal/persistence"
)

// clusterThreshold is the minimum average correlation for a symbol to
// join an existing cluster.
const clusterThreshold = 0.70

// PositionCorrelation computes pairwise return correlations across the
// portfolio's priced symbols and greedily clusters the ones that move
// together. IDs are derived deterministically from (portfolio, date) so
// a replay regenerates identical rows.
type PositionCorrelation struct {
	Deps
}

func (e *PositionCorrelation) Name() string { return "position_correlation" }

func (e *PositionCorrelation) Run(ctx context.Context, st *State) error {
	symbols := pricedSymbols(st)
	if len(symbols) < 2 {
		return nil
	}

	from := lookbackFrom(st.Date, e.Config.Lookback.CorrelationDays)
	returns, dates, err := calc.AlignedReturns(ctx, e.Market, symbols, from, st.Date)
	if err != nil {
		if errors.Is(err, calc.ErrInsufficientData) {
			log.Debug().
				Int64("portfolio", st.Portfolio.ID).
				Time("date", st.Date).
				Msg("Insufficient aligned history; correlations unavailable for date")
			return nil
		}
		return fmt.Errorf("correlation returns: %w", err)
	}

	calcID := unitUUID("correlation", st.Portfolio.ID, st)
	result := &persistence.CorrelationResult{
		Calculation: persistence.CorrelationCalculation{
			ID:          calcID,
			PortfolioID: st.Portfolio.ID,
			Date:        st.Date,
			WindowDays:  e.Config.Lookback.CorrelationDays,
			SampleSize:  len(dates),
		},
	}

	// Pairwise correlations over the aligned window.
	corr := make(map[string]map[string]float64, len(symbols))
	for _, s := range symbols {
		corr[s] = make(map[string]float64, len(symbols))
	}
	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			a, b := symbols[i], symbols[j]
			rho := pearson(returns[a], returns[b])
			corr[a][b] = rho
			corr[b][a] = rho
			result.Pairs = append(result.Pairs, persistence.PairwiseCorrelation{
				CalculationID: calcID,
				SymbolA:       a,
				SymbolB:       b,
				Correlation:   rho,
				SampleSize:    len(dates),
			})
		}
	}

	// Greedy clustering: walk symbols in deterministic order, joining
	// the first cluster whose members average above the threshold.
	var clusters [][]string
	for _, s := range symbols {
		joined := false
		for i, members := range clusters {
			var sum float64
			for _, m := range members {
				sum += corr[s][m]
			}
			if sum/float64(len(members)) >= clusterThreshold {
				clusters[i] = append(clusters[i], s)
				joined = true
				break
			}
		}
		if !joined {
			clusters = append(clusters, []string{s})
		}
	}

	gross := grossBySymbol(st)
	clusterIdx := 0
	for _, members := range clusters {
		if len(members) < 2 {
			continue
		}
		clusterIdx++
		label := fmt.Sprintf("cluster_%d", clusterIdx)
		clusterID := unitUUID("cluster:"+label, st.Portfolio.ID, st)

		var sumCorr, totalGross float64
		var pairCount int
		for i := 0; i < len(members); i++ {
			totalGross += gross[members[i]]
			for j := i + 1; j < len(members); j++ {
				sumCorr += corr[members[i]][members[j]]
				pairCount++
			}
		}

		result.Clusters = append(result.Clusters, persistence.CorrelationCluster{
			ID:             clusterID,
			CalculationID:  calcID,
			Label:          label,
			AvgCorrelation: sumCorr / float64(pairCount),
			GrossExposure:  totalGross,
		})

		for _, symbol := range members {
			for _, p := range st.Positions {
				if p.Symbol != symbol || !st.Priced(p) {
					continue
				}
				weight := 0.0
				if totalGross > 0 {
					weight = gross[symbol] / totalGross
				}
				result.Members = append(result.Members, persistence.ClusterPosition{
					ClusterID:  clusterID,
					PositionID: p.ID,
					Symbol:     symbol,
					Weight:     weight,
				})
			}
		}
	}

	st.Result.Correlation = result
	return nil
}

func pricedSymbols(st *State) []string {
	seen := make(map[string]bool)
	var symbols []string
	for _, p := range st.Positions {
		if st.Priced(p) && !seen[p.Symbol] {
			seen[p.Symbol] = true
			symbols = append(symbols, p.Symbol)
		}
	}
	sort.Strings(symbols)
	return symbols
}

func grossBySymbol(st *State) map[string]float64 {
	bySymbol := make(map[string]float64)
	for _, v := range st.Result.Valuations {
		for _, p := range st.Positions {
			if p.ID == v.PositionID {
				bySymbol[p.Symbol] += math.Abs(v.MarketValue)
				break
			}
		}
	}
	return bySymbol
}

func pearson(x, y []float64) float64 {
	n := len(x)
	if n != len(y) || n < 2 {
		return 0
	}
	meanX, sdX := meanStdSeries(x)
	meanY, sdY := meanStdSeries(y)
	if sdX == 0 || sdY == 0 {
		return 0
	}
	var cov float64
	for i := 0; i < n; i++ {
		cov += (x[i] - meanX) * (y[i] - meanY)
	}
	cov /= float64(n - 1)
	return cov / (sdX * sdY)
}

// unitUUID derives a stable UUID for a (portfolio, date) artifact so
// reruns regenerate byte-identical rows.
func unitUUID(scope string, portfolioID int64, st *State) uuid.UUID {
	key := fmt.Sprintf("%s:%d:%s", scope, portfolioID, st.Date.Format("2006-01-02"))
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key))
}
