package calc

import (
	"errors"
	"math"
)

// RidgeResult holds the fit of a regularized multi-factor regression on
// standardized features. Coefficients are in standardized-regression
// units; RawCoefficients divides each by its feature's scale factor to
// recover raw-return-unit betas. Persisting the standardized coefficients
// directly shrinks stored betas by the feature scale (historically a
// 100-200x error), so callers must persist RawCoefficients.
type RidgeResult struct {
	Coefficients []float64 // standardized units
	Scales       []float64 // per-feature standard deviation
	Means        []float64 // per-feature mean
	Intercept    float64
	Observations int
}

// RawCoefficients converts the standardized coefficients back to
// raw-return units by dividing each by its feature's scale factor.
func (r RidgeResult) RawCoefficients() []float64 {
	raw := make([]float64, len(r.Coefficients))
	for i, c := range r.Coefficients {
		if r.Scales[i] > 0 {
			raw[i] = c / r.Scales[i]
		}
	}
	return raw
}

// RidgeFit regresses y against the feature columns simultaneously using
// ridge regularization on zero-mean, unit-variance features. Degenerate
// features (zero variance) get a zero coefficient and scale 1.
func RidgeFit(y []float64, features [][]float64, lambda float64) (RidgeResult, error) {
	k := len(features)
	if k == 0 {
		return RidgeResult{}, errors.New("calc: no features")
	}
	n := len(y)
	for _, col := range features {
		if len(col) != n {
			return RidgeResult{}, errors.New("calc: feature length mismatch")
		}
	}
	if n < MinObservations || n <= k {
		return RidgeResult{}, ErrInsufficientData
	}
	if lambda < 0 {
		return RidgeResult{}, errors.New("calc: negative ridge lambda")
	}

	// Standardize features; center y.
	means := make([]float64, k)
	scales := make([]float64, k)
	z := make([][]float64, k)
	for j, col := range features {
		mean, sd := meanStd(col)
		means[j] = mean
		if sd > 0 {
			scales[j] = sd
		} else {
			scales[j] = 1.0
		}
		zj := make([]float64, n)
		if sd > 0 {
			for i, v := range col {
				zj[i] = (v - mean) / sd
			}
		}
		z[j] = zj
	}

	meanY, _ := meanStd(y)
	yc := make([]float64, n)
	for i, v := range y {
		yc[i] = v - meanY
	}

	// Normal equations: (Z'Z + lambda*I) b = Z'y
	a := make([][]float64, k)
	b := make([]float64, k)
	for j := 0; j < k; j++ {
		a[j] = make([]float64, k)
		for l := 0; l <= j; l++ {
			var dot float64
			for i := 0; i < n; i++ {
				dot += z[j][i] * z[l][i]
			}
			a[j][l] = dot
			a[l][j] = dot
		}
		a[j][j] += lambda
		for i := 0; i < n; i++ {
			b[j] += z[j][i] * yc[i]
		}
	}

	coef, err := solveLinear(a, b)
	if err != nil {
		return RidgeResult{}, err
	}

	// Zero out coefficients of degenerate features.
	for j := range coef {
		allZero := true
		for i := 0; i < n; i++ {
			if z[j][i] != 0 {
				allZero = false
				break
			}
		}
		if allZero {
			coef[j] = 0
		}
	}

	return RidgeResult{
		Coefficients: coef,
		Scales:       scales,
		Means:        means,
		Intercept:    meanY,
		Observations: n,
	}, nil
}

func meanStd(values []float64) (mean, sd float64) {
	n := float64(len(values))
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / n
	if n < 2 {
		return mean, 0
	}
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	variance := ss / (n - 1)
	if variance <= 0 {
		return mean, 0
	}
	return mean, math.Sqrt(variance)
}

// solveLinear solves a*x = b by Gaussian elimination with partial
// pivoting. The systems here are tiny (one row per factor).
func solveLinear(a [][]float64, b []float64) ([]float64, error) {
	k := len(b)
	m := make([][]float64, k)
	for i := range m {
		m[i] = append(append([]float64(nil), a[i]...), b[i])
	}

	for col := 0; col < k; col++ {
		pivot := col
		for row := col + 1; row < k; row++ {
			if math.Abs(m[row][col]) > math.Abs(m[pivot][col]) {
				pivot = row
			}
		}
		if math.Abs(m[pivot][col]) < 1e-12 {
			return nil, errors.New("calc: singular regression system")
		}
		m[col], m[pivot] = m[pivot], m[col]

		for row := col + 1; row < k; row++ {
			factor := m[row][col] / m[col][col]
			for c := col; c <= k; c++ {
				m[row][c] -= factor * m[col][c]
			}
		}
	}

	x := make([]float64, k)
	for row := k - 1; row >= 0; row-- {
		sum := m[row][k]
		for c := row + 1; c < k; c++ {
			sum -= m[row][c] * x[c]
		}
		x[row] = sum / m[row][row]
	}
	return x, nil
}
