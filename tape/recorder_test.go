package tape

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecorderIndependentAndArithmetic(t *testing.T) {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{2, 3})
	require.NoError(t, err)
	require.Len(t, xs, 2)

	sum, err := r.Arithmetic(FamilyAdd, xs[0], xs[1])
	require.NoError(t, err)
	require.Equal(t, 5.0, sum.Val())

	tp, err := r.Dependent(sum)
	require.NoError(t, err)
	require.Equal(t, 2, tp.SizeIndependent())
	require.Equal(t, 1, tp.SizeDependent())
	require.Equal(t, BeginOp, tp.op[0])
	require.Equal(t, EndOp, tp.op[len(tp.op)-1])
}

func TestRecorderConstantFolding(t *testing.T) {
	r := NewRecorder(Config{})
	_, err := r.Independent([]float64{1})
	require.NoError(t, err)

	a := r.Const(2)
	b := r.Const(3)
	sum, err := r.Arithmetic(FamilyAdd, a, b)
	require.NoError(t, err)
	require.False(t, sum.isVar, "pure-parameter arithmetic must fold, not tape")
	require.Equal(t, 5.0, sum.Val())
}

func TestRecorderDAGInvariantRejectsForwardReference(t *testing.T) {
	r := NewRecorder(Config{})
	_, err := r.Independent([]float64{1})
	require.NoError(t, err)

	err = r.checkVar("test", 5)
	require.Error(t, err)
	var tapeErr *Error
	require.ErrorAs(t, err, &tapeErr)
	require.Equal(t, RecordingInvariant, tapeErr.Kind)
}

func TestRecorderAbortOpIndex(t *testing.T) {
	r := NewRecorder(Config{})
	r.SetAbortOpIndex(2) // BeginOp=0, InvOp=1, next append should abort
	xs, err := r.Independent([]float64{1})
	require.NoError(t, err)

	_, err = r.Unary(Neg, xs[0])
	require.Error(t, err)
	var tapeErr *Error
	require.ErrorAs(t, err, &tapeErr)
	require.Equal(t, AbortOpIndex, tapeErr.Kind)
}

func TestRecorderIndependentsOnlyOnce(t *testing.T) {
	r := NewRecorder(Config{})
	_, err := r.Independent([]float64{1})
	require.NoError(t, err)
	_, err = r.Independent([]float64{2})
	require.Error(t, err)
}

func TestRecorderSealedRejectsFurtherAppends(t *testing.T) {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{1})
	require.NoError(t, err)
	_, err = r.Dependent(xs[0])
	require.NoError(t, err)

	_, err = r.Unary(Neg, xs[0])
	require.Error(t, err)
}

func TestRecorderCExpFoldsOnAllConstants(t *testing.T) {
	r := NewRecorder(Config{})
	_, err := r.Independent([]float64{1})
	require.NoError(t, err)

	v, err := r.CExp(RelLt, r.Const(1), r.Const(2), r.Const(10), r.Const(20))
	require.NoError(t, err)
	require.False(t, v.isVar)
	require.Equal(t, 10.0, v.Val())
}

func TestRecorderVecADStoreLoadRoundTrip(t *testing.T) {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{7})
	require.NoError(t, err)

	ref := r.NewVecAD([]float64{0, 0, 0})
	require.NoError(t, r.VecADStore(ref, r.Const(1), xs[0]))

	loaded, err := r.VecADLoad(ref, r.Const(1))
	require.NoError(t, err)
	require.Equal(t, 7.0, loaded.Val())

	other, err := r.VecADLoad(ref, r.Const(0))
	require.NoError(t, err)
	require.Equal(t, 0.0, other.Val())
}

func TestRecorderVecADIndexOutOfRange(t *testing.T) {
	r := NewRecorder(Config{})
	ref := r.NewVecAD([]float64{0, 0})
	_, err := r.VecADLoad(ref, r.Const(5))
	require.Error(t, err)
	var tapeErr *Error
	require.ErrorAs(t, err, &tapeErr)
	require.Equal(t, VecAdIndexOutOfRange, tapeErr.Kind)
}

func TestRecorderCompareChangeTracking(t *testing.T) {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{2, 1})
	require.NoError(t, err)
	outcome, err := r.Compare(RelLt, xs[0], xs[1])
	require.NoError(t, err)
	require.False(t, outcome) // 2 < 1 is false at record time
	sum, err := r.Arithmetic(FamilyAdd, xs[0], xs[1])
	require.NoError(t, err)
	_, err = r.Dependent(sum)
	require.NoError(t, err)
}

func TestRecorderNewDynamicAndSetDynamic(t *testing.T) {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{1})
	require.NoError(t, err)
	d := r.NewDynamic(10)
	sum, err := r.Arithmetic(FamilyAdd, xs[0], d)
	require.NoError(t, err)
	tp, err := r.Dependent(sum)
	require.NoError(t, err)

	y, err := tp.Forward(0, [][]float64{{1}})
	require.NoError(t, err)
	require.Equal(t, 11.0, y[0][0])

	require.NoError(t, tp.SetDynamic([]float64{100}))
	y, err = tp.Forward(0, [][]float64{{1}})
	require.NoError(t, err)
	require.Equal(t, 101.0, y[0][0])
}
