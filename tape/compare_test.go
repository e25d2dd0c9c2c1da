package tape

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompareChangeCountStartsAtZero(t *testing.T) {
	tp := buildPolynomial(t)
	require.Equal(t, 0, tp.CompareChangeCount())
	require.Equal(t, -1, tp.CompareChangeOpIndex())
}

func TestCompareNoChangeWhenOutcomeStable(t *testing.T) {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{1, 2})
	require.NoError(t, err)
	_, err = r.Compare(RelLt, xs[0], xs[1])
	require.NoError(t, err)
	sum, err := r.Arithmetic(FamilyAdd, xs[0], xs[1])
	require.NoError(t, err)
	tp, err := r.Dependent(sum)
	require.NoError(t, err)

	_, err = tp.Forward(0, [][]float64{{3}, {9}}) // still 3 < 9
	require.NoError(t, err)
	require.Equal(t, 0, tp.CompareChangeCount())
	require.Equal(t, -1, tp.CompareChangeOpIndex())
}

func TestCompareChangeOpIndexIsFirstChangedOnly(t *testing.T) {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{1, 2, 3, 4})
	require.NoError(t, err)
	_, err = r.Compare(RelLt, xs[0], xs[1]) // true at record time
	require.NoError(t, err)
	_, err = r.Compare(RelLt, xs[2], xs[3]) // true at record time
	require.NoError(t, err)
	sum, err := r.Arithmetic(FamilyAdd, xs[0], xs[1])
	require.NoError(t, err)
	sum, err = r.Arithmetic(FamilyAdd, sum, xs[2])
	require.NoError(t, err)
	sum, err = r.Arithmetic(FamilyAdd, sum, xs[3])
	require.NoError(t, err)
	tp, err := r.Dependent(sum)
	require.NoError(t, err)

	// flip both comparisons at replay time
	_, err = tp.Forward(0, [][]float64{{9}, {2}, {9}, {2}})
	require.NoError(t, err)
	require.Equal(t, 2, tp.CompareChangeCount())
	require.Equal(t, ComOp, tp.op[tp.CompareChangeOpIndex()])
	require.Equal(t, 5, tp.CompareChangeOpIndex()) // BeginOp=0, InvOp 1-4, first ComOp=5
}

func TestSetCompareRecordingDisablesComOp(t *testing.T) {
	r := NewRecorder(Config{})
	r.SetCompareRecording(false)
	xs, err := r.Independent([]float64{1, 2})
	require.NoError(t, err)
	_, err = r.Compare(RelLt, xs[0], xs[1])
	require.NoError(t, err)
	sum, err := r.Arithmetic(FamilyAdd, xs[0], xs[1])
	require.NoError(t, err)
	tp, err := r.Dependent(sum)
	require.NoError(t, err)

	for _, op := range tp.op {
		require.NotEqual(t, ComOp, op)
	}
}
