package domain

import (
	"time"
)

// PositionKind classifies an instrument for valuation and pricing purposes
type PositionKind string

const (
	KindPublicEquity PositionKind = "public_equity"
	KindOption       PositionKind = "option"
	KindPrivate      PositionKind = "private"
)

// Portfolio is the unit of batch processing. StartingEquity is the
// rollforward baseline used when no prior snapshot exists for a date.
type Portfolio struct {
	ID             int64     `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	StartingEquity float64   `json:"starting_equity" db:"starting_equity"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Position is a single holding. Quantity is negative for shorts. Option
// positions carry strike/expiration/underlying and are valued with the
// fixed contract multiplier.
type Position struct {
	ID          int64        `json:"id" db:"id"`
	PortfolioID int64        `json:"portfolio_id" db:"portfolio_id"`
	Symbol      string       `json:"symbol" db:"symbol"`
	Quantity    float64      `json:"quantity" db:"quantity"`
	EntryPrice  float64      `json:"entry_price" db:"entry_price"`
	EntryDate   time.Time    `json:"entry_date" db:"entry_date"`
	Kind        PositionKind `json:"kind" db:"kind"`
	Sector      string       `json:"sector" db:"sector"`

	// Option attributes (zero-valued for non-options)
	Underlying string    `json:"underlying,omitempty" db:"underlying"`
	Strike     float64   `json:"strike,omitempty" db:"strike"`
	Expiration time.Time `json:"expiration,omitempty" db:"expiration"`
}

// Expired reports whether an option position has expired as of date.
// Non-options never expire.
func (p Position) Expired(date time.Time) bool {
	if p.Kind != KindOption || p.Expiration.IsZero() {
		return false
	}
	return p.Expiration.Before(date)
}

// FactorDefinition names a style factor and the ETF proxy whose return
// series stands in for the factor in regressions. Static reference data.
type FactorDefinition struct {
	Name         string `json:"name" db:"name" yaml:"name"`
	ProxySymbol  string `json:"proxy_symbol" db:"proxy_symbol" yaml:"proxy"`
	DisplayOrder int    `json:"display_order" db:"display_order" yaml:"order"`
}

// SpreadFactorDefinition defines a synthetic long/short factor built from
// the return differential of two proxy instruments.
type SpreadFactorDefinition struct {
	Name         string `json:"name" db:"name" yaml:"name"`
	LongSymbol   string `json:"long_symbol" db:"long_symbol" yaml:"long"`
	ShortSymbol  string `json:"short_symbol" db:"short_symbol" yaml:"short"`
	DisplayOrder int    `json:"display_order" db:"display_order" yaml:"order"`
}

// EquityEvent is an external contribution (positive) or withdrawal
// (negative) dated to a trading day. The rollforward engine folds these
// into the day's ending equity.
type EquityEvent struct {
	ID          int64     `json:"id" db:"id"`
	PortfolioID int64     `json:"portfolio_id" db:"portfolio_id"`
	Date        time.Time `json:"date" db:"date"`
	Amount      float64   `json:"amount" db:"amount"`
}

// Day truncates t to UTC midnight. All (portfolio, date) keys in the
// pipeline use day granularity.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
