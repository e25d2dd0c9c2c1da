package tape

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSerializeRoundTripForward(t *testing.T) {
	tp := buildPolynomial(t)
	data, err := tp.Serialize()
	require.NoError(t, err)
	require.NotEmpty(t, data)

	back, err := Deserialize(data, Config{})
	require.NoError(t, err)
	require.Equal(t, tp.SizeIndependent(), back.SizeIndependent())
	require.Equal(t, tp.SizeDependent(), back.SizeDependent())

	want, err := tp.Forward(0, [][]float64{{3}})
	require.NoError(t, err)
	got, err := back.Forward(0, [][]float64{{3}})
	require.NoError(t, err)
	require.InDelta(t, want[0][0], got[0][0], 1e-12)
}

func TestSerializeRoundTripWithDynamicParams(t *testing.T) {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{1})
	require.NoError(t, err)
	d := r.NewDynamic(10)
	sum, err := r.Arithmetic(FamilyAdd, xs[0], d)
	require.NoError(t, err)
	tp, err := r.Dependent(sum)
	require.NoError(t, err)

	data, err := tp.Serialize()
	require.NoError(t, err)
	back, err := Deserialize(data, Config{})
	require.NoError(t, err)

	require.NoError(t, back.SetDynamic([]float64{100}))
	out, err := back.Forward(0, [][]float64{{1}})
	require.NoError(t, err)
	require.InDelta(t, 101, out[0][0], 1e-12)
}

func TestSerializeRoundTripWithAtomic(t *testing.T) {
	RegisterAtomic(squareAtomic{})
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{4})
	require.NoError(t, err)
	ys, err := r.CallAtomic("test.square", []Value{xs[0]})
	require.NoError(t, err)
	tp, err := r.Dependent(ys[0])
	require.NoError(t, err)

	data, err := tp.Serialize()
	require.NoError(t, err)
	back, err := Deserialize(data, Config{})
	require.NoError(t, err)
	require.Len(t, back.atomics, 1)

	out, err := back.Forward(0, [][]float64{{4}})
	require.NoError(t, err)
	require.InDelta(t, 16, out[0][0], 1e-12)
}

func TestDeserializeRejectsBadMagic(t *testing.T) {
	_, err := Deserialize(make([]byte, 20), Config{})
	require.Error(t, err)
}

func TestDeserializeRejectsTruncatedData(t *testing.T) {
	tp := buildPolynomial(t)
	data, err := tp.Serialize()
	require.NoError(t, err)
	_, err = Deserialize(data[:len(data)-4], Config{})
	require.Error(t, err)
}
