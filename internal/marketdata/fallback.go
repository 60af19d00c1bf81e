package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// LiveSource provides a current quote for instruments that lack historical
// coverage in the cache. This is the documented, accepted source of minor
// non-determinism during reprocessing: the substitution is explicit and
// logged, never silent.
type LiveSource interface {
	Quote(ctx context.Context, symbol string) (float64, error)
}

// FallbackStore reads from the cache and, when a symbol has no cached row
// for the date, falls back to a live quote behind a circuit breaker so a
// dead quote source cannot stall a historical replay.
type FallbackStore struct {
	Store
	live    LiveSource
	breaker *gobreaker.CircuitBreaker
}

// NewFallbackStore wraps store with the live-quote fallback. live may be
// nil, in which case the fallback is disabled and ErrNoPrice propagates.
func NewFallbackStore(store Store, live LiveSource) *FallbackStore {
	settings := gobreaker.Settings{
		Name:        "live-quotes",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Live quote circuit breaker state change")
		},
	}

	return &FallbackStore{
		Store:   store,
		live:    live,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Close returns the cached close for (symbol, date), substituting a live
// quote when the cache has no coverage for the symbol.
func (f *FallbackStore) Close(ctx context.Context, symbol string, date time.Time) (float64, error) {
	price, _, err := f.CloseWithSource(ctx, symbol, date)
	return price, err
}

// CloseWithSource is Close plus the provenance of the price: "cache" for
// a cached row, "live" for a substituted current quote.
func (f *FallbackStore) CloseWithSource(ctx context.Context, symbol string, date time.Time) (float64, string, error) {
	price, err := f.Store.Close(ctx, symbol, date)
	if err == nil {
		return price, SourceCache, nil
	}
	if !errors.Is(err, ErrNoPrice) || f.live == nil {
		return 0, "", err
	}

	result, brkErr := f.breaker.Execute(func() (interface{}, error) {
		return f.live.Quote(ctx, symbol)
	})
	if brkErr != nil {
		// Fallback unavailable: surface the original missing-price error
		// so callers keep their skip semantics.
		return 0, "", fmt.Errorf("live quote fallback for %s: %w", symbol, ErrNoPrice)
	}

	quote := result.(float64)
	log.Warn().
		Str("symbol", symbol).
		Time("date", date).
		Float64("quote", quote).
		Msg("No historical coverage; substituting current market quote")

	return quote, SourceLive, nil
}
