package calc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegress_RecoversKnownSlope(t *testing.T) {
	// y = 1.5x + 0.002 exactly; the fit should recover both terms.
	x := make([]float64, 30)
	y := make([]float64, 30)
	for i := range x {
		x[i] = float64(i-15) / 100.0
		y[i] = 1.5*x[i] + 0.002
	}

	result, err := Regress(y, x)
	require.NoError(t, err)

	assert.InDelta(t, 1.5, result.Beta, 1e-9)
	assert.InDelta(t, 0.002, result.Intercept, 1e-9)
	assert.InDelta(t, 1.0, result.RSquared, 1e-9)
	assert.Equal(t, 30, result.Observations)
	assert.False(t, result.Capped)
}

func TestRegress_CapsExtremeBeta(t *testing.T) {
	x := make([]float64, 25)
	y := make([]float64, 25)
	for i := range x {
		x[i] = float64(i) / 100.0
		y[i] = 12.0 * x[i]
	}

	result, err := Regress(y, x)
	require.NoError(t, err)

	assert.Equal(t, BetaCap, result.Beta)
	assert.True(t, result.Capped)
}

func TestRegress_CapsNegativeBeta(t *testing.T) {
	x := make([]float64, 25)
	y := make([]float64, 25)
	for i := range x {
		x[i] = float64(i) / 100.0
		y[i] = -9.0 * x[i]
	}

	result, err := Regress(y, x)
	require.NoError(t, err)

	assert.Equal(t, -BetaCap, result.Beta)
	assert.True(t, result.Capped)
}

func TestRegress_InsufficientData(t *testing.T) {
	x := make([]float64, MinObservations-1)
	y := make([]float64, MinObservations-1)

	_, err := Regress(y, x)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestRegress_LengthMismatch(t *testing.T) {
	_, err := Regress(make([]float64, 30), make([]float64, 29))
	assert.Error(t, err)
}

func TestRegress_Significance(t *testing.T) {
	// A clean linear relationship with mild curvature noise is strongly
	// significant; pure noise around zero slope is not.
	x := make([]float64, 40)
	strong := make([]float64, 40)
	weak := make([]float64, 40)
	for i := range x {
		x[i] = float64(i-20) / 50.0
		strong[i] = 0.9*x[i] + 0.001*math.Sin(float64(i))
		weak[i] = 0.02 * math.Sin(float64(i)*1.7)
	}

	s, err := Regress(strong, x)
	require.NoError(t, err)
	assert.True(t, s.Significant)
	assert.Less(t, s.PValue, SignificanceLevel)

	w, err := Regress(weak, x)
	require.NoError(t, err)
	assert.False(t, w.Significant)
	assert.GreaterOrEqual(t, w.PValue, SignificanceLevel)
}

func TestRegress_PValueOnUncappedSlope(t *testing.T) {
	// Capping changes the persisted beta but not the test statistic: a
	// strong steep relationship stays significant after the clamp.
	x := make([]float64, 30)
	y := make([]float64, 30)
	for i := range x {
		x[i] = float64(i-15) / 100.0
		y[i] = 20.0*x[i] + 0.0005*math.Cos(float64(i))
	}

	result, err := Regress(y, x)
	require.NoError(t, err)

	assert.Equal(t, BetaCap, result.Beta)
	assert.True(t, result.Capped)
	assert.True(t, result.Significant)
}
