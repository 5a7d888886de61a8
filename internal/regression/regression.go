// Package regression fits polynomials to gaze samples by ordinary least
// squares. The normal equations are built from power sums and solved with
// plain Gaussian elimination; the systems involved are tiny (order+1 rows)
// so no pivoting or decomposition library is used.
package regression

import (
	"errors"
	"fmt"
	"math"
)

// ErrSingularMatrix is returned when the normal equations cannot be solved,
// typically because every x value in the input is identical.
var ErrSingularMatrix = errors.New("regression: singular matrix")

// singularTolerance is the relative magnitude below which a diagonal element
// left after elimination is treated as zero.
const singularTolerance = 1e-12

// Point is one (x, y) observation.
type Point struct {
	X float64
	Y float64
}

// Result holds the fitted polynomial y = c0 + c1*x + ... + cn*x^n.
type Result struct {
	Coefficients []float64
	// RSquared is the coefficient of determination computed from the same
	// summary sums as the fit. Informational only.
	RSquared float64
}

// Order returns the polynomial order of the fit.
func (r *Result) Order() int {
	return len(r.Coefficients) - 1
}

// Eval evaluates the fitted polynomial at x using Horner's rule.
func (r *Result) Eval(x float64) float64 {
	y := 0.0
	for i := len(r.Coefficients) - 1; i >= 0; i-- {
		y = y*x + r.Coefficients[i]
	}
	return y
}

// Fit returns the least-squares polynomial of the given order through points.
func Fit(points []Point, order int) (*Result, error) {
	if order < 0 {
		return nil, fmt.Errorf("regression: invalid order %d", order)
	}
	n := order + 1
	if len(points) < n {
		return nil, fmt.Errorf("%w: %d points cannot determine an order %d fit", ErrSingularMatrix, len(points), order)
	}

	a := make([][]float64, n)
	for i := range a {
		a[i] = make([]float64, n)
	}
	b := make([]float64, n)
	term := make([]float64, n)
	ySquare := 0.0

	for _, p := range points {
		b[0] += p.Y
		ySquare += p.Y * p.Y

		xPower := 1.0
		for j := 0; j < n; j++ {
			term[j] = xPower
			a[0][j] += xPower
			xPower *= p.X
		}
		for j := 1; j < n; j++ {
			b[j] += p.Y * term[j]
			for k := 0; k < n; k++ {
				a[j][k] += term[j] * term[k]
			}
		}
	}

	coef, err := Solve(a, b)
	if err != nil {
		return nil, err
	}

	count := float64(len(points))
	yAverage := b[0] / count
	ss := 0.0
	for i := 0; i < n; i++ {
		xAverage := a[0][i] / count
		ss += coef[i] * (b[i] - count*xAverage*yAverage)
	}
	rSquared := 1.0
	if total := ySquare - count*yAverage*yAverage; total != 0 {
		rSquared = ss / total
	}

	return &Result{Coefficients: coef, RSquared: rSquared}, nil
}

// Solve solves a*x = b by forward elimination and back substitution without
// row exchanges. The inputs are not modified.
func Solve(a [][]float64, b []float64) ([]float64, error) {
	n := len(b)
	if len(a) != n {
		return nil, fmt.Errorf("regression: matrix has %d rows, vector has %d", len(a), n)
	}
	m := make([][]float64, n)
	for i := range a {
		if len(a[i]) != n {
			return nil, fmt.Errorf("regression: row %d has %d columns, want %d", i, len(a[i]), n)
		}
		m[i] = append([]float64(nil), a[i]...)
	}
	v := append([]float64(nil), b...)

	scale := make([]float64, n)
	for i := range m {
		for _, x := range m[i] {
			scale[i] = math.Max(scale[i], math.Abs(x))
		}
		if scale[i] == 0 {
			return nil, fmt.Errorf("%w: row %d is zero", ErrSingularMatrix, i)
		}
	}

	for j := 0; j < n-1; j++ {
		pivot := m[j][j]
		if math.Abs(pivot) <= singularTolerance*scale[j] {
			return nil, fmt.Errorf("%w: zero pivot in row %d", ErrSingularMatrix, j)
		}
		for i := j + 1; i < n; i++ {
			mult := m[i][j] / pivot
			for k := j + 1; k < n; k++ {
				m[i][k] -= mult * m[j][k]
			}
			v[i] -= mult * v[j]
		}
	}
	if math.Abs(m[n-1][n-1]) <= singularTolerance*scale[n-1] {
		return nil, fmt.Errorf("%w: zero pivot in row %d", ErrSingularMatrix, n-1)
	}

	coef := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		top := v[i]
		for k := i + 1; k < n; k++ {
			top -= m[i][k] * coef[k]
		}
		coef[i] = top / m[i][i]
		if math.IsNaN(coef[i]) || math.IsInf(coef[i], 0) {
			return nil, fmt.Errorf("%w: non-finite coefficient %d", ErrSingularMatrix, i)
		}
	}
	return coef, nil
}
