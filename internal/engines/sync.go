package engines

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfolio/quantfolio/internal/marketdata"
)

// MarketDataSync resolves a closing price for every position symbol on
// the unit's date and previous trading day. It only reads the price
// cache; missing prices for expired options are expected and recorded as
// skips, not errors.
type MarketDataSync struct {
	Deps
}

func (e *MarketDataSync) Name() string { return "market_data_sync" }

func (e *MarketDataSync) Run(ctx context.Context, st *State) error {
	for _, p := range st.Positions {
		if _, done := st.Prices[p.Symbol]; done {
			continue
		}

		if p.Expired(st.Date) {
			st.Skipped[p.ID] = "option expired before date"
			log.Debug().
				Int64("portfolio", st.Portfolio.ID).
				Int64("position", p.ID).
				Str("symbol", p.Symbol).
				Time("date", st.Date).
				Msg("Skipping expired option")
			continue
		}

		price, source, err := e.close(ctx, p.Symbol, st)
		if err != nil {
			if errors.Is(err, marketdata.ErrNoPrice) {
				st.Skipped[p.ID] = "no price for date"
				log.Debug().
					Int64("portfolio", st.Portfolio.ID).
					Str("symbol", p.Symbol).
					Time("date", st.Date).
					Msg("No cached price; position skipped for date")
				continue
			}
			return fmt.Errorf("price for %s on %s: %w", p.Symbol, st.Date.Format("2006-01-02"), err)
		}
		st.Prices[p.Symbol] = price
		st.PriceSource[p.Symbol] = source

		prev, err := e.Market.Close(ctx, p.Symbol, st.PrevDate)
		if err == nil {
			st.PrevPrices[p.Symbol] = prev
		} else if !errors.Is(err, marketdata.ErrNoPrice) {
			return fmt.Errorf("prior price for %s: %w", p.Symbol, err)
		}
	}

	return nil
}

// close resolves a price with provenance, using the fallback-aware path
// when the configured store supports it.
func (e *MarketDataSync) close(ctx context.Context, symbol string, st *State) (float64, string, error) {
	type sourced interface {
		CloseWithSource(ctx context.Context, symbol string, date time.Time) (float64, string, error)
	}
	if s, ok := e.Market.(sourced); ok {
		return s.CloseWithSource(ctx, symbol, st.Date)
	}
	price, err := e.Market.Close(ctx, symbol, st.Date)
	return price, marketdata.SourceCache, err
}
