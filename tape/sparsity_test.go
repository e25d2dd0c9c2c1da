package tape

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func identityPattern(n int) *Pattern {
	p := NewBoolPattern(n, n)
	for i := 0; i < n; i++ {
		p.Set(i, i)
	}
	return p
}

// buildSparsityTape records y0 = x0 + x1, y1 = x1 * x2 (x0 doesn't reach y1,
// x2 doesn't reach y0).
func buildSparsityTape(t *testing.T) *Tape {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{1, 2, 3})
	require.NoError(t, err)
	y0, err := r.Arithmetic(FamilyAdd, xs[0], xs[1])
	require.NoError(t, err)
	y1, err := r.Arithmetic(FamilyMul, xs[1], xs[2])
	require.NoError(t, err)
	tp, err := r.Dependent(y0, y1)
	require.NoError(t, err)
	return tp
}

func TestForJacSparsity(t *testing.T) {
	tp := buildSparsityTape(t)
	out, err := tp.ForJacSparsity(identityPattern(3))
	require.NoError(t, err)
	require.True(t, out.Has(0, 0))
	require.True(t, out.Has(0, 1))
	require.False(t, out.Has(0, 2))
	require.False(t, out.Has(1, 0))
	require.True(t, out.Has(1, 1))
	require.True(t, out.Has(1, 2))
}

func TestRevJacSparsity(t *testing.T) {
	tp := buildSparsityTape(t)
	out := NewBoolPattern(2, 2)
	out.Set(0, 0)
	out.Set(1, 1)
	in, err := tp.RevJacSparsity(out, false)
	require.NoError(t, err)
	require.Equal(t, 3, in.NRow())
	require.True(t, in.Has(0, 0))
	require.True(t, in.Has(1, 0))
	require.False(t, in.Has(2, 0))
	require.True(t, in.Has(1, 1))
	require.True(t, in.Has(2, 1))
	require.False(t, in.Has(0, 1))
}

func TestRevHesSparsityDetectsNonlinearPair(t *testing.T) {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{2, 3})
	require.NoError(t, err)
	prod, err := r.Arithmetic(FamilyMul, xs[0], xs[1])
	require.NoError(t, err)
	tp, err := r.Dependent(prod)
	require.NoError(t, err)

	hes, err := tp.RevHesSparsity(identityPattern(2), []bool{true})
	require.NoError(t, err)
	require.True(t, hes.Has(0, 1))
	require.True(t, hes.Has(1, 0))
}

func TestPatternShapeMismatchErrors(t *testing.T) {
	tp := buildSparsityTape(t)
	wrong := NewBoolPattern(2, 2)
	_, err := tp.ForJacSparsity(wrong)
	require.Error(t, err)
}

func TestPatternRowAndIsEmptyRow(t *testing.T) {
	p := NewSetPattern(2, 4)
	require.True(t, p.IsEmptyRow(0))
	p.Set(0, 1)
	p.Set(0, 3)
	require.False(t, p.IsEmptyRow(0))
	require.ElementsMatch(t, []int{1, 3}, p.Row(0))
}

func TestColorColumns(t *testing.T) {
	p := NewBoolPattern(2, 3)
	p.Set(0, 0)
	p.Set(1, 1)
	c := ColorColumns(p)
	require.NotNil(t, c)
	require.GreaterOrEqual(t, c.NumColors(), 1)
}
