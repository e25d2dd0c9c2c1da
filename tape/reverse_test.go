package tape

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReverseGradientPolynomial(t *testing.T) {
	tp := buildPolynomial(t) // y = x^2 + 3x + 1
	grad, err := tp.Reverse([]float64{3}, []float64{1})
	require.NoError(t, err)
	require.Len(t, grad, 1)
	require.InDelta(t, 2*3+3, grad[0], 1e-12) // dy/dx = 2x + 3 = 9
}

func TestReverseMultipleIndependents(t *testing.T) {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{2, 5})
	require.NoError(t, err)
	prod, err := r.Arithmetic(FamilyMul, xs[0], xs[1])
	require.NoError(t, err)
	tp, err := r.Dependent(prod)
	require.NoError(t, err)

	grad, err := tp.Reverse([]float64{2, 5}, []float64{1})
	require.NoError(t, err)
	require.InDelta(t, 5, grad[0], 1e-12) // d(xy)/dx = y
	require.InDelta(t, 2, grad[1], 1e-12) // d(xy)/dy = x
}

func TestReverseWeightedSumOfDependents(t *testing.T) {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{2})
	require.NoError(t, err)
	sq, err := r.Arithmetic(FamilyMul, xs[0], xs[0])
	require.NoError(t, err)
	cube, err := r.Arithmetic(FamilyMul, sq, xs[0])
	require.NoError(t, err)
	tp, err := r.Dependent(sq, cube)
	require.NoError(t, err)

	grad, err := tp.Reverse([]float64{2}, []float64{1, 1})
	require.NoError(t, err)
	// d(x^2)/dx + d(x^3)/dx = 2x + 3x^2 = 4 + 12 = 16
	require.InDelta(t, 16, grad[0], 1e-9)
}

func TestReverseTranscendentalGradients(t *testing.T) {
	cases := []struct {
		op    Opcode
		x0    float64
		deriv float64
	}{
		{Sin, 0.5, math.Cos(0.5)},
		{Cos, 0.5, -math.Sin(0.5)},
		{Tan, 0.3, 1 + math.Tan(0.3)*math.Tan(0.3)},
		{Tanh, 0.3, 1 - math.Tanh(0.3)*math.Tanh(0.3)},
		{Exp, 1.2, math.Exp(1.2)},
		{Log, 2, 0.5},
		{Sqrt, 4, 0.25},
		{Asin, 0.4, 1 / math.Sqrt(1-0.16)},
		{Acos, 0.4, -1 / math.Sqrt(1-0.16)},
		{Atan, 0.5, 1 / 1.25},
		{Erf, 0.6, twoOverSqrtPi * math.Exp(-0.36)},
		{Erfc, 0.6, -twoOverSqrtPi * math.Exp(-0.36)},
	}
	for _, c := range cases {
		tp := buildUnary(t, c.op, c.x0)
		grad, err := tp.Reverse([]float64{c.x0}, []float64{1})
		require.NoError(t, err)
		require.InDelta(t, c.deriv, grad[0], 1e-10, "%s at %g", c.op, c.x0)
	}
}

func TestReverseTaylorFirstOrderProduct(t *testing.T) {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{2, 3})
	require.NoError(t, err)
	prod, err := r.Arithmetic(FamilyMul, xs[0], xs[1])
	require.NoError(t, err)
	tp, err := r.Dependent(prod)
	require.NoError(t, err)

	// y1 = x0_0*x1_1 + x0_1*x1_0; its partials against the four input
	// coefficients are (x1_1, x1_0) and (x0_1, x0_0)
	x := [][]float64{{2, 0.1}, {3, 0.2}}
	px, err := tp.ReverseTaylor(1, x, [][]float64{{0, 1}})
	require.NoError(t, err)
	require.InDelta(t, 0.2, px[0][0], 1e-12)
	require.InDelta(t, 3, px[0][1], 1e-12)
	require.InDelta(t, 0.1, px[1][0], 1e-12)
	require.InDelta(t, 2, px[1][1], 1e-12)
}

func TestReverseTaylorFirstOrderExp(t *testing.T) {
	tp := buildUnary(t, Exp, 1)

	// y1 = exp(x0) * x1: d/dx0 = exp(x0)*x1, d/dx1 = exp(x0)
	x := [][]float64{{1, 0.5}}
	px, err := tp.ReverseTaylor(1, x, [][]float64{{0, 1}})
	require.NoError(t, err)
	require.InDelta(t, math.E*0.5, px[0][0], 1e-10)
	require.InDelta(t, math.E, px[0][1], 1e-10)
}

// TestReverseForwardDuality checks <reverse(w), xdot> == <w, forward_jvp(xdot)>
// on a tape mixing several opcode families.
func TestReverseForwardDuality(t *testing.T) {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{1.1, 0.7})
	require.NoError(t, err)
	s, err := r.Unary(Sin, xs[0])
	require.NoError(t, err)
	q, err := r.Arithmetic(FamilyMul, s, xs[1])
	require.NoError(t, err)
	e, err := r.Unary(Exp, xs[1])
	require.NoError(t, err)
	y, err := r.Arithmetic(FamilyAdd, q, e)
	require.NoError(t, err)
	tp, err := r.Dependent(y)
	require.NoError(t, err)

	x := []float64{1.1, 0.7}
	xdot := []float64{0.3, -0.4}

	// forward Jacobian-vector product via an order-1 sweep
	fwd, err := tp.Forward(1, [][]float64{{x[0], xdot[0]}, {x[1], xdot[1]}})
	require.NoError(t, err)
	jvp := fwd[0][1]

	grad, err := tp.Reverse(x, []float64{1})
	require.NoError(t, err)
	vjp := grad[0]*xdot[0] + grad[1]*xdot[1]

	require.InDelta(t, jvp, vjp, 1e-10)
}

func TestReverseWrongWeightLengthErrors(t *testing.T) {
	tp := buildPolynomial(t)
	_, err := tp.Reverse([]float64{3}, []float64{1, 2})
	require.Error(t, err)
}
