// Package calc is the canonical computation library for the batch
// analytics pipeline. Every engine that needs a regression, a position
// valuation, or a return series goes through this package; divergent
// reimplementations of these primitives are the defect it exists to
// prevent.
package calc

import (
	"errors"
	"math"
)

const (
	// BetaCap clamps persisted regression betas to [-BetaCap, BetaCap].
	BetaCap = 5.0

	// SignificanceLevel marks a coefficient significant when its two-sided
	// p-value falls below this threshold (90% confidence).
	SignificanceLevel = 0.10

	// MinObservations is the smallest aligned sample a single-factor
	// regression will accept.
	MinObservations = 20
)

// ErrInsufficientData indicates too few aligned observations to fit. The
// factor is marked unavailable for the date rather than failing the unit.
var ErrInsufficientData = errors.New("calc: insufficient observations for regression")

// Regression is the result of a single-factor OLS fit.
type Regression struct {
	Beta         float64 // clamped to [-BetaCap, BetaCap]
	Intercept    float64
	PValue       float64
	RSquared     float64
	Observations int
	Significant  bool // PValue < SignificanceLevel
	Capped       bool // raw beta exceeded the cap
}

// Regress fits y against a single factor series x by ordinary least
// squares. The p-value is computed on the raw (uncapped) slope via a
// two-sided t-test with n-2 degrees of freedom.
func Regress(y, x []float64) (Regression, error) {
	n := len(y)
	if len(x) != n {
		return Regression{}, errors.New("calc: series length mismatch")
	}
	if n < MinObservations {
		return Regression{}, ErrInsufficientData
	}

	var sumX, sumY, sumXY, sumXX float64
	for i := 0; i < n; i++ {
		sumX += x[i]
		sumY += y[i]
		sumXY += x[i] * y[i]
		sumXX += x[i] * x[i]
	}

	fn := float64(n)
	meanX := sumX / fn
	meanY := sumY / fn

	sxx := sumXX - fn*meanX*meanX
	if math.Abs(sxx) < 1e-12 {
		return Regression{}, ErrInsufficientData
	}

	beta := (sumXY - fn*meanX*meanY) / sxx
	intercept := meanY - beta*meanX

	// Residual variance and slope standard error
	var ssRes, ssTot float64
	for i := 0; i < n; i++ {
		resid := y[i] - intercept - beta*x[i]
		ssRes += resid * resid
		dy := y[i] - meanY
		ssTot += dy * dy
	}

	df := fn - 2
	pValue := 1.0
	if ssRes > 0 && df > 0 {
		se := math.Sqrt(ssRes / df / sxx)
		if se > 0 {
			t := beta / se
			pValue = twoSidedTPValue(t, df)
		} else {
			pValue = 0.0
		}
	} else if df > 0 {
		// Perfect fit: slope is exact
		pValue = 0.0
	}

	rSquared := 0.0
	if ssTot > 0 {
		rSquared = 1.0 - ssRes/ssTot
		if rSquared < 0 {
			rSquared = 0.0
		}
	}

	result := Regression{
		Beta:         beta,
		Intercept:    intercept,
		PValue:       pValue,
		RSquared:     rSquared,
		Observations: n,
		Significant:  pValue < SignificanceLevel,
	}

	if result.Beta > BetaCap {
		result.Beta = BetaCap
		result.Capped = true
	} else if result.Beta < -BetaCap {
		result.Beta = -BetaCap
		result.Capped = true
	}

	return result, nil
}

// twoSidedTPValue returns P(|T| > |t|) for a Student-t variate with df
// degrees of freedom, via the regularized incomplete beta function.
func twoSidedTPValue(t, df float64) float64 {
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return 0.0
	}
	x := df / (df + t*t)
	p := regularizedIncompleteBeta(df/2.0, 0.5, x)
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return p
}

// regularizedIncompleteBeta computes I_x(a, b) using the continued
// fraction expansion.
func regularizedIncompleteBeta(a, b, x float64) float64 {
	if x <= 0 {
		return 0.0
	}
	if x >= 1 {
		return 1.0
	}

	lbeta, _ := math.Lgamma(a + b)
	lga, _ := math.Lgamma(a)
	lgb, _ := math.Lgamma(b)
	front := math.Exp(lbeta - lga - lgb + a*math.Log(x) + b*math.Log(1-x))

	if x < (a+1)/(a+b+2) {
		return front * betaContinuedFraction(a, b, x) / a
	}
	return 1.0 - front*betaContinuedFraction(b, a, 1-x)/b
}

func betaContinuedFraction(a, b, x float64) float64 {
	const (
		maxIter = 200
		eps     = 3e-14
		tiny    = 1e-30
	)

	qab := a + b
	qap := a + 1
	qam := a - 1

	c := 1.0
	d := 1.0 - qab*x/qap
	if math.Abs(d) < tiny {
		d = tiny
	}
	d = 1.0 / d
	h := d

	for m := 1; m <= maxIter; m++ {
		fm := float64(m)
		m2 := 2 * fm

		// Even step
		aa := fm * (b - fm) * x / ((qam + m2) * (a + m2))
		d = 1.0 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1.0 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1.0 / d
		h *= d * c

		// Odd step
		aa = -(a + fm) * (qab + fm) * x / ((a + m2) * (qap + m2))
		d = 1.0 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1.0 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1.0 / d
		del := d * c
		h *= del

		if math.Abs(del-1.0) < eps {
			break
		}
	}

	return h
}
