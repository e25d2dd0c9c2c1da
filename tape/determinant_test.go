package tape

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildDeterminantTape2x2(t *testing.T) {
	tp, err := BuildDeterminantTape(Config{}, [][]float64{
		{1, 2},
		{3, 4},
	})
	require.NoError(t, err)
	require.Equal(t, 4, tp.SizeIndependent())
	require.Equal(t, 1, tp.SizeDependent())

	x := []float64{1, 2, 3, 4}
	out, err := tp.Forward(0, [][]float64{{x[0]}, {x[1]}, {x[2]}, {x[3]}})
	require.NoError(t, err)
	require.InDelta(t, -2, out[0][0], 1e-9) // 1*4 - 2*3 = -2
}

func TestBuildDeterminantTape3x3(t *testing.T) {
	a := [][]float64{
		{6, 1, 1},
		{4, -2, 5},
		{2, 8, 7},
	}
	tp, err := BuildDeterminantTape(Config{}, a)
	require.NoError(t, err)

	flat := make([][]float64, 0, 9)
	for _, row := range a {
		for _, v := range row {
			flat = append(flat, []float64{v})
		}
	}
	out, err := tp.Forward(0, flat)
	require.NoError(t, err)
	require.InDelta(t, -306, out[0][0], 1e-6)
}

func TestBuildDeterminantTapeGradient(t *testing.T) {
	a := [][]float64{
		{2, 0},
		{0, 3},
	}
	tp, err := BuildDeterminantTape(Config{}, a)
	require.NoError(t, err)

	// det = a00*a11 - a01*a10; d(det)/d(a00) = a11 = 3
	grad, err := tp.Reverse([]float64{2, 0, 0, 3}, []float64{1})
	require.NoError(t, err)
	require.InDelta(t, 3, grad[0], 1e-9)
	require.InDelta(t, 2, grad[3], 1e-9)
}
