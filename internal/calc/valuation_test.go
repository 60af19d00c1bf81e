package calc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quantfolio/quantfolio/internal/domain"
)

func TestPositionValue(t *testing.T) {
	tests := []struct {
		name  string
		pos   domain.Position
		price float64
		mode  ValuationMode
		want  float64
	}{
		{
			name:  "long_equity_signed",
			pos:   domain.Position{Kind: domain.KindPublicEquity, Quantity: 100},
			price: 50.0,
			mode:  ValueSigned,
			want:  5000.0,
		},
		{
			name:  "short_equity_signed",
			pos:   domain.Position{Kind: domain.KindPublicEquity, Quantity: -200},
			price: 25.0,
			mode:  ValueSigned,
			want:  -5000.0,
		},
		{
			name:  "short_equity_absolute",
			pos:   domain.Position{Kind: domain.KindPublicEquity, Quantity: -200},
			price: 25.0,
			mode:  ValueAbsolute,
			want:  5000.0,
		},
		{
			name:  "option_contract_multiplier",
			pos:   domain.Position{Kind: domain.KindOption, Quantity: 3},
			price: 2.5,
			mode:  ValueSigned,
			want:  750.0,
		},
		{
			name:  "short_option_absolute",
			pos:   domain.Position{Kind: domain.KindOption, Quantity: -2},
			price: 1.2,
			mode:  ValueAbsolute,
			want:  240.0,
		},
		{
			name:  "private_position",
			pos:   domain.Position{Kind: domain.KindPrivate, Quantity: 1},
			price: 250000.0,
			mode:  ValueSigned,
			want:  250000.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PositionValue(tt.pos, tt.price, tt.mode))
		})
	}
}

func TestPositionValue_PanicsOnUnknownMode(t *testing.T) {
	assert.Panics(t, func() {
		PositionValue(domain.Position{Quantity: 1}, 1.0, ValuationMode(99))
	})
}
