package marketdata

import (
	"context"
	"errors"
	"time"
)

// ErrNoPrice indicates the cache holds no row for a (symbol, date) pair.
// Expected for expired or not-yet-listed instruments; engines skip the
// position for that date rather than failing the unit.
var ErrNoPrice = errors.New("marketdata: no cached price for symbol/date")

// Price provenance values recorded on derived valuation rows.
const (
	SourceCache = "cache"
	SourceLive  = "live"
)

// Bar is one cached daily price row. The batch core never writes these:
// ingestion is owned by the (external) market data sync path.
type Bar struct {
	Symbol string    `json:"symbol" db:"symbol"`
	Date   time.Time `json:"date" db:"date"`
	Open   float64   `json:"open" db:"open"`
	High   float64   `json:"high" db:"high"`
	Low    float64   `json:"low" db:"low"`
	Close  float64   `json:"close" db:"close"`
}

// Store is read-only access to the market data cache.
type Store interface {
	// Close returns the closing price for symbol on date, or ErrNoPrice.
	Close(ctx context.Context, symbol string, date time.Time) (float64, error)

	// Closes returns all cached bars for symbol within [from, to],
	// ascending by date.
	Closes(ctx context.Context, symbol string, from, to time.Time) ([]Bar, error)

	// Count returns the number of cached rows for the symbols within
	// [from, to]. Used to verify reprocessing never touches the cache.
	Count(ctx context.Context, symbols []string, from, to time.Time) (int64, error)
}
