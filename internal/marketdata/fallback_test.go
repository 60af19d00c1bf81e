package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	closes map[string]float64
}

func (s *stubStore) Close(ctx context.Context, symbol string, date time.Time) (float64, error) {
	if price, ok := s.closes[symbol]; ok {
		return price, nil
	}
	return 0, ErrNoPrice
}

func (s *stubStore) Closes(ctx context.Context, symbol string, from, to time.Time) ([]Bar, error) {
	return nil, nil
}

func (s *stubStore) Count(ctx context.Context, symbols []string, from, to time.Time) (int64, error) {
	return 0, nil
}

type stubLive struct {
	quote float64
	err   error
	calls int
}

func (s *stubLive) Quote(ctx context.Context, symbol string) (float64, error) {
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	return s.quote, nil
}

func TestFallbackStore_CacheHit(t *testing.T) {
	live := &stubLive{quote: 99}
	store := NewFallbackStore(&stubStore{closes: map[string]float64{"AAPL": 150}}, live)

	price, source, err := store.CloseWithSource(context.Background(), "AAPL", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 150.0, price)
	assert.Equal(t, SourceCache, source)
	assert.Zero(t, live.calls)
}

func TestFallbackStore_LiveSubstitution(t *testing.T) {
	live := &stubLive{quote: 42.5}
	store := NewFallbackStore(&stubStore{}, live)

	price, source, err := store.CloseWithSource(context.Background(), "PRIVCO", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 42.5, price)
	assert.Equal(t, SourceLive, source)
	assert.Equal(t, 1, live.calls)
}

func TestFallbackStore_NilLiveSourcePropagatesErrNoPrice(t *testing.T) {
	store := NewFallbackStore(&stubStore{}, nil)

	_, _, err := store.CloseWithSource(context.Background(), "MISSING", time.Now())
	assert.ErrorIs(t, err, ErrNoPrice)
}

func TestFallbackStore_LiveFailureKeepsSkipSemantics(t *testing.T) {
	live := &stubLive{err: errors.New("quote service down")}
	store := NewFallbackStore(&stubStore{}, live)

	_, _, err := store.CloseWithSource(context.Background(), "MISSING", time.Now())
	assert.ErrorIs(t, err, ErrNoPrice)
}

func TestFallbackStore_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	live := &stubLive{err: errors.New("quote service down")}
	store := NewFallbackStore(&stubStore{}, live)

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		_, _, err := store.CloseWithSource(ctx, "MISSING", time.Now())
		assert.ErrorIs(t, err, ErrNoPrice)
	}

	// The breaker opened after five consecutive failures and stopped
	// forwarding calls to the quote source.
	assert.Equal(t, 5, live.calls)
}

func TestFallbackStore_CloseDropsProvenance(t *testing.T) {
	store := NewFallbackStore(&stubStore{closes: map[string]float64{"SPY": 500}}, nil)

	price, err := store.Close(context.Background(), "SPY", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 500.0, price)
}
