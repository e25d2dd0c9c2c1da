package tape

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// buildMixedTape records a tape holding fixed- and variable-arity opcodes
// (after optimization, a CSumOp) so the cursor tests cover both layouts.
func buildMixedTape(t *testing.T) *Tape {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{1, 2, 3})
	require.NoError(t, err)
	s1, err := r.Arithmetic(FamilyAdd, xs[0], xs[1])
	require.NoError(t, err)
	s2, err := r.Arithmetic(FamilySub, s1, xs[2])
	require.NoError(t, err)
	m, err := r.Arithmetic(FamilyMul, s2, xs[0])
	require.NoError(t, err)
	e, err := r.Unary(Exp, m)
	require.NoError(t, err)
	tp, err := r.Dependent(e)
	require.NoError(t, err)
	opt, err := tp.Optimize(OptimizeFlags{})
	require.NoError(t, err)
	return opt
}

func TestBackwardPlayerMirrorsForward(t *testing.T) {
	tp := buildMixedTape(t)

	var fwd []playerRecord
	p := NewPlayer(tp)
	for p.Next() {
		args := append([]int(nil), p.Args()...)
		fwd = append(fwd, playerRecord{op: p.Op(), res: p.Res(), args: args})
	}

	b := NewBackwardPlayer(tp)
	i := len(fwd)
	for b.Prev() {
		i--
		require.Equal(t, fwd[i].op, b.Op(), "opcode at %d", i)
		require.Equal(t, fwd[i].res, b.Res(), "result at %d", i)
		require.Equal(t, fwd[i].args, append([]int(nil), b.Args()...), "args at %d", i)
		require.Equal(t, i, b.OpIndex())
	}
	require.Equal(t, 0, i, "backward iteration must visit every opcode")
}

func TestRandomAccessTablesMatchSequentialWalk(t *testing.T) {
	tp := buildMixedTape(t)
	ra := tp.Random()

	p := NewPlayer(tp)
	for p.Next() {
		op, res, args := ra.OpAt(p.OpIndex())
		require.Equal(t, p.Op(), op)
		require.Equal(t, p.Args(), args)
		if p.Op().NRes() > 0 {
			require.Equal(t, p.Res(), res)
			require.Equal(t, p.OpIndex(), ra.VarToOp(p.Res()))
		}
	}
}

func TestRandomAccessSizeAndClear(t *testing.T) {
	tp := buildMixedTape(t)
	require.Equal(t, 0, tp.SizeRandom(), "tables are built lazily")
	tp.Random()
	require.Greater(t, tp.SizeRandom(), 0)
	tp.ClearRandom()
	require.Equal(t, 0, tp.SizeRandom())
}

func TestAddressWidthSelection(t *testing.T) {
	require.Equal(t, Address16, addressWidthFor(10, 10, 10))
	require.Equal(t, Address32, addressWidthFor(1<<17, 10, 10))
	require.Equal(t, Address64, addressWidthFor(10, 10, 1<<33))
}

func TestPlayerVariableArityDecoding(t *testing.T) {
	tp := buildMixedTape(t)
	sawCSum := false
	p := NewPlayer(tp)
	for p.Next() {
		if p.Op() != CSumOp {
			continue
		}
		sawCSum = true
		args := p.Args()
		_, add, sub := csumAddends(args)
		require.Equal(t, 4+len(add)+len(sub), args[len(args)-1],
			"the trailing slot must replicate the total argument count")
	}
	require.True(t, sawCSum, "the optimized mixed tape should contain a CSumOp")
}
