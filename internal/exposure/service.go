// Package exposure computes aggregate long/short/gross/net portfolio
// exposure and caches it so the engines that need the same exposures
// later in an orchestration pass (market-risk scenarios, stress testing)
// reuse one computation.
package exposure

import (
	"context"
	"fmt"
	"time"

	"github.com/quantfolio/quantfolio/internal/calc"
	"github.com/quantfolio/quantfolio/internal/domain"
)

// Exposure is the aggregate exposure of a portfolio at a date. Short is
// reported as a positive magnitude.
type Exposure struct {
	Long  float64 `json:"long"`
	Short float64 `json:"short"`
	Gross float64 `json:"gross"`
	Net   float64 `json:"net"`
}

// DefaultTTL keeps entries for a few days: long enough to cover a run
// that touches the same (portfolio, date) several times, short enough
// that an abandoned entry cannot survive into the next run's math.
const DefaultTTL = 3 * 24 * time.Hour

// Service computes and caches portfolio exposures.
type Service struct {
	cache Cache
	ttl   time.Duration
}

// NewService creates an exposure service over the given cache backend.
// A non-positive ttl falls back to DefaultTTL.
func NewService(cache Cache, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{cache: cache, ttl: ttl}
}

// Key is the cache key for a (portfolio, date) pair.
func Key(portfolioID int64, date time.Time) string {
	return fmt.Sprintf("%d:%s", portfolioID, date.UTC().Format("2006-01-02"))
}

// Get returns the exposure for (portfolio, date), computing it from the
// given positions and prices on a cache miss. The boolean reports a hit.
func (s *Service) Get(ctx context.Context, portfolioID int64, date time.Time, positions []domain.Position, prices map[string]float64) (Exposure, bool, error) {
	return s.cache.GetOrCompute(ctx, Key(portfolioID, date), s.ttl, func(context.Context) (Exposure, error) {
		return Compute(positions, prices), nil
	})
}

// Invalidate drops the cached exposure for (portfolio, date). The
// reprocessing controller calls this for every date it is about to
// replay so stale exposure math can never leak into regenerated rows.
func (s *Service) Invalidate(ctx context.Context, portfolioID int64, date time.Time) error {
	return s.cache.Invalidate(ctx, Key(portfolioID, date))
}

// Compute aggregates signed position values into exposure buckets.
// Positions without a price are ignored; the valuation engine has
// already recorded them as skipped for the date.
func Compute(positions []domain.Position, prices map[string]float64) Exposure {
	var exp Exposure
	for _, p := range positions {
		price, ok := prices[p.Symbol]
		if !ok {
			continue
		}
		value := calc.PositionValue(p, price, calc.ValueSigned)
		if value >= 0 {
			exp.Long += value
		} else {
			exp.Short += -value
		}
	}
	exp.Gross = exp.Long + exp.Short
	exp.Net = exp.Long - exp.Short
	return exp
}
