package tape

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// buildIndexedSumTape builds a tape that stores into a VecAD vector at a
// constant index and loads it back at a variable (not compile-time-known)
// index, exercising a variable-indexed VecAD load end to end.
func buildIndexedSumTape(t *testing.T, init []float64) *Tape {
	r := NewRecorder(Config{})
	// init = {index, storeValue, addValue}
	xs, err := r.Independent(init)
	require.NoError(t, err)
	idx := xs[0]

	ref := r.NewVecAD([]float64{0, 0})
	// store x[1] at constant index 0, read it back at the variable index
	// x[0] and add to x[2]
	require.NoError(t, r.VecADStore(ref, r.Const(0), xs[1]))

	loaded, err := r.VecADLoad(ref, idx)
	require.NoError(t, err)
	sum, err := r.Arithmetic(FamilyAdd, loaded, xs[2])
	require.NoError(t, err)
	tp, err := r.Dependent(sum)
	require.NoError(t, err)
	return tp
}

func TestVecADVariableIndexLoadStore(t *testing.T) {
	tp := buildIndexedSumTape(t, []float64{0, 10, 5})
	out, err := tp.Forward(0, [][]float64{{0}, {10}, {5}})
	require.NoError(t, err)
	require.InDelta(t, 15, out[0][0], 1e-12) // stored x1=10 at index 0, loaded[0]=10, +x2=5
}

func TestVecADIndexOutOfRangeAtRecordTime(t *testing.T) {
	r := NewRecorder(Config{})
	ref := r.NewVecAD([]float64{1, 2})
	err := r.VecADStore(ref, r.Const(9), r.Const(1))
	require.Error(t, err)
}

func TestVecADLengthAndMultipleVectors(t *testing.T) {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{1, 2, 3})
	require.NoError(t, err)

	a := r.NewVecAD([]float64{0, 0})
	b := r.NewVecAD([]float64{0, 0, 0})

	require.NoError(t, r.VecADStore(a, r.Const(0), xs[0]))
	require.NoError(t, r.VecADStore(b, r.Const(2), xs[1]))

	la, err := r.VecADLoad(a, r.Const(0))
	require.NoError(t, err)
	lb, err := r.VecADLoad(b, r.Const(2))
	require.NoError(t, err)

	sum, err := r.Arithmetic(FamilyAdd, la, lb)
	require.NoError(t, err)
	tp, err := r.Dependent(sum)
	require.NoError(t, err)

	out, err := tp.Forward(0, [][]float64{{1}, {2}, {3}})
	require.NoError(t, err)
	require.InDelta(t, 3, out[0][0], 1e-12)
}
