package calc

import (
	"fmt"
	"math"

	"github.com/quantfolio/quantfolio/internal/domain"
)

// OptionContractMultiplier is the fixed per-contract multiplier applied
// when valuing option positions.
const OptionContractMultiplier = 100.0

// ValuationMode selects signed versus absolute valuation. It is a closed
// enumeration: every valuation call site switches exhaustively over it.
type ValuationMode int

const (
	// ValueSigned returns long positions positive and shorts negative.
	ValueSigned ValuationMode = iota
	// ValueAbsolute returns the magnitude of the position value.
	ValueAbsolute
)

func (m ValuationMode) String() string {
	switch m {
	case ValueSigned:
		return "signed"
	case ValueAbsolute:
		return "absolute"
	}
	return fmt.Sprintf("ValuationMode(%d)", int(m))
}

// PositionValue computes the dollar value of a position at price. Options
// are scaled by the fixed contract multiplier. Every engine that needs a
// position value must call this function.
func PositionValue(p domain.Position, price float64, mode ValuationMode) float64 {
	value := p.Quantity * price
	if p.Kind == domain.KindOption {
		value *= OptionContractMultiplier
	}

	switch mode {
	case ValueSigned:
		return value
	case ValueAbsolute:
		return math.Abs(value)
	default:
		panic(fmt.Sprintf("calc: unknown valuation mode %d", int(mode)))
	}
}
