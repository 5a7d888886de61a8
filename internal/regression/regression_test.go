package regression

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

const tolerance = 1e-9

func TestFit_Linear(t *testing.T) {
	tests := []struct {
		name string
		a, b float64
	}{
		{"rising", 1, 2},
		{"falling", 500, -0.75},
		{"flat", 320, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var pts []Point
			for x := 100.0; x <= 110; x++ {
				pts = append(pts, Point{X: x, Y: tt.a + tt.b*x})
			}

			res, err := Fit(pts, 1)
			require.NoError(t, err)
			require.Len(t, res.Coefficients, 2)
			assert.InDelta(t, tt.a, res.Coefficients[0], 1e-6)
			assert.InDelta(t, tt.b, res.Coefficients[1], tolerance)
			assert.Equal(t, 1, res.Order())
		})
	}
}

func TestFit_MatchesGonumOnNoisyData(t *testing.T) {
	xs := []float64{102, 117, 131, 148, 160, 177, 189, 204}
	ys := []float64{401, 396, 410, 388, 379, 385, 366, 371}
	pts := make([]Point, len(xs))
	for i := range xs {
		pts[i] = Point{X: xs[i], Y: ys[i]}
	}

	res, err := Fit(pts, 1)
	require.NoError(t, err)

	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	assert.InDelta(t, alpha, res.Coefficients[0], 1e-6)
	assert.InDelta(t, beta, res.Coefficients[1], 1e-9)
	assert.InDelta(t, stat.RSquared(xs, ys, nil, alpha, beta), res.RSquared, 1e-9)
}

func TestFit_Quadratic(t *testing.T) {
	var pts []Point
	for i := 0; i < 20; i++ {
		x := float64(i)
		pts = append(pts, Point{X: x, Y: 1 + 2*x + 3*x*x})
	}

	res, err := Fit(pts, 2)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 2, 3}, res.Coefficients, 1e-6)
	assert.InDelta(t, 1.0, res.RSquared, 1e-9)
	assert.InDelta(t, 1+2*7.5+3*7.5*7.5, res.Eval(7.5), 1e-6)
}

func TestFit_SingularWhenXDegenerate(t *testing.T) {
	pts := []Point{{X: 640, Y: 100}, {X: 640, Y: 200}, {X: 640, Y: 300}}
	_, err := Fit(pts, 1)
	assert.ErrorIs(t, err, ErrSingularMatrix)

	zero := []Point{{X: 0, Y: 1}, {X: 0, Y: 2}}
	_, err = Fit(zero, 1)
	assert.ErrorIs(t, err, ErrSingularMatrix)
}

func TestFit_TooFewPoints(t *testing.T) {
	_, err := Fit([]Point{{X: 1, Y: 1}}, 1)
	assert.ErrorIs(t, err, ErrSingularMatrix)

	_, err = Fit(nil, -1)
	assert.Error(t, err)
}

func TestSolve(t *testing.T) {
	a := [][]float64{{2, 1}, {1, 3}}
	b := []float64{3, 5}

	x, err := Solve(a, b)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.8, 1.4}, x, tolerance)
	assert.Equal(t, []float64{2, 1}, a[0], "input matrix must not be modified")

	_, err = Solve([][]float64{{1, 2}}, []float64{1, 2})
	assert.Error(t, err)

	_, err = Solve([][]float64{{0, 1}, {1, 0}}, []float64{1, 1})
	assert.ErrorIs(t, err, ErrSingularMatrix, "no row exchanges are attempted")
}

func TestResult_Eval(t *testing.T) {
	r := &Result{Coefficients: []float64{4, 3, 2, 1}}
	assert.Equal(t, 4.0+3*2+2*4+8, r.Eval(2))
	assert.False(t, math.IsNaN(r.Eval(-1e3)))
}
