package calc

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/quantfolio/quantfolio/internal/marketdata"
)

// AlignedReturns fetches daily close series for every symbol in one
// batched pass over the market data cache and intersects dates across all
// symbols, so every returned series has matching length and ordering.
// The returned dates are the return dates (one fewer than the aligned
// price dates). Symbols with no coverage at all cause ErrInsufficientData.
func AlignedReturns(ctx context.Context, store marketdata.Store, symbols []string, from, to time.Time) (map[string][]float64, []time.Time, error) {
	if len(symbols) == 0 {
		return map[string][]float64{}, nil, nil
	}

	// Deduplicate while preserving a stable order for the intersection.
	seen := make(map[string]bool, len(symbols))
	unique := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if !seen[s] {
			seen[s] = true
			unique = append(unique, s)
		}
	}

	closes := make(map[string]map[time.Time]float64, len(unique))
	for _, symbol := range unique {
		bars, err := store.Closes(ctx, symbol, from, to)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch closes for %s: %w", symbol, err)
		}
		bySymbol := make(map[time.Time]float64, len(bars))
		for _, bar := range bars {
			bySymbol[bar.Date.UTC().Truncate(24*time.Hour)] = bar.Close
		}
		closes[symbol] = bySymbol
	}

	// Intersect dates present for every symbol.
	var aligned []time.Time
	for date := range closes[unique[0]] {
		inAll := true
		for _, symbol := range unique[1:] {
			if _, ok := closes[symbol][date]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			aligned = append(aligned, date)
		}
	}
	sort.Slice(aligned, func(i, j int) bool { return aligned[i].Before(aligned[j]) })

	if len(aligned) < 2 {
		return nil, nil, ErrInsufficientData
	}

	returns := make(map[string][]float64, len(unique))
	for _, symbol := range unique {
		series := make([]float64, 0, len(aligned)-1)
		for i := 1; i < len(aligned); i++ {
			prev := closes[symbol][aligned[i-1]]
			curr := closes[symbol][aligned[i]]
			if prev == 0 {
				series = append(series, 0)
				continue
			}
			series = append(series, curr/prev-1.0)
		}
		returns[symbol] = series
	}

	return returns, aligned[1:], nil
}
