package tape

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptimizeDropsDeadCode(t *testing.T) {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{2, 3})
	require.NoError(t, err)
	// unused chain that should be dropped entirely
	_, err = r.Arithmetic(FamilyMul, xs[1], xs[1])
	require.NoError(t, err)
	y, err := r.Arithmetic(FamilyAdd, xs[0], r.Const(1))
	require.NoError(t, err)
	tp, err := r.Dependent(y)
	require.NoError(t, err)

	opt, err := tp.Optimize(OptimizeFlags{})
	require.NoError(t, err)
	require.Less(t, len(opt.op), len(tp.op))

	out, err := opt.Forward(0, [][]float64{{2}, {3}})
	require.NoError(t, err)
	require.InDelta(t, 3, out[0][0], 1e-12)
}

func TestOptimizeKeepsDeadIndependents(t *testing.T) {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{2, 3, 4})
	require.NoError(t, err)
	y, err := r.Unary(Neg, xs[1]) // x0 and x2 never used
	require.NoError(t, err)
	tp, err := r.Dependent(y)
	require.NoError(t, err)

	opt, err := tp.Optimize(OptimizeFlags{})
	require.NoError(t, err)
	require.Equal(t, 3, opt.SizeIndependent())
	out, err := opt.Forward(0, [][]float64{{2}, {3}, {4}})
	require.NoError(t, err)
	require.InDelta(t, -3, out[0][0], 1e-12)
}

func TestOptimizeCumulativeSumFusion(t *testing.T) {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{1, 2, 3})
	require.NoError(t, err)
	s1, err := r.Arithmetic(FamilyAdd, xs[0], xs[1])
	require.NoError(t, err)
	s2, err := r.Arithmetic(FamilyAdd, s1, xs[2])
	require.NoError(t, err)
	s3, err := r.Unary(Neg, s2)
	require.NoError(t, err)
	s4, err := r.Arithmetic(FamilyAdd, s3, r.Const(10))
	require.NoError(t, err)
	tp, err := r.Dependent(s4)
	require.NoError(t, err)

	unoptimized, err := tp.Forward(0, [][]float64{{1}, {2}, {3}})
	require.NoError(t, err)

	opt, err := tp.Optimize(OptimizeFlags{})
	require.NoError(t, err)

	out, err := opt.Forward(0, [][]float64{{1}, {2}, {3}})
	require.NoError(t, err)
	require.InDelta(t, unoptimized[0][0], out[0][0], 1e-12)

	found := false
	for _, op := range opt.op {
		if op == CSumOp {
			found = true
		}
	}
	require.True(t, found, "chain of additions/negation should fuse into a CSumOp")
}

// TestOptimizeCumulativeSumChain drives the full shape: mixed signs,
// repeated leaves and several parameter contributions folding into one
// net offset.
func TestOptimizeCumulativeSumChain(t *testing.T) {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{2, 3, 4, 5, 6, 7})
	require.NoError(t, err)
	// y = (x0+x1) + (x1-x2) + (x2-1) + (2-x3) + (x4+3) + (4+x5)
	t1, err := r.Arithmetic(FamilyAdd, xs[0], xs[1])
	require.NoError(t, err)
	t2, err := r.Arithmetic(FamilySub, xs[1], xs[2])
	require.NoError(t, err)
	t3, err := r.Arithmetic(FamilySub, xs[2], r.Const(1))
	require.NoError(t, err)
	t4, err := r.Arithmetic(FamilySub, r.Const(2), xs[3])
	require.NoError(t, err)
	t5, err := r.Arithmetic(FamilyAdd, xs[4], r.Const(3))
	require.NoError(t, err)
	t6, err := r.Arithmetic(FamilyAdd, r.Const(4), xs[5])
	require.NoError(t, err)
	sum := t1
	for _, term := range []Value{t2, t3, t4, t5, t6} {
		sum, err = r.Arithmetic(FamilyAdd, sum, term)
		require.NoError(t, err)
	}
	tp, err := r.Dependent(sum)
	require.NoError(t, err)

	opt, err := tp.Optimize(OptimizeFlags{})
	require.NoError(t, err)

	csums, ariths := 0, 0
	p := NewPlayer(opt)
	for p.Next() {
		switch p.Op() {
		case CSumOp:
			csums++
			_, add, sub := csumAddends(p.Args())
			require.Len(t, add, 6) // x0, x1, x1, x2, x4, x5
			require.Len(t, sub, 2) // x2, x3
			require.InDelta(t, -1+2+3+4, opt.ParamValue(p.Args()[2]), 1e-12)
		case AddVV, AddPV, SubVV, SubPV, SubVP:
			ariths++
		}
	}
	require.Equal(t, 1, csums, "the whole chain should fuse into one CSumOp")
	require.Equal(t, 0, ariths, "no loose Add/Sub should survive the fusion")

	out, err := opt.Forward(0, [][]float64{{2}, {3}, {4}, {5}, {6}, {7}})
	require.NoError(t, err)
	require.InDelta(t, 24, out[0][0], 1e-12)

	unopt, err := tp.Forward(0, [][]float64{{2}, {3}, {4}, {5}, {6}, {7}})
	require.NoError(t, err)
	require.InDelta(t, unopt[0][0], out[0][0], 1e-12)
}

func TestOptimizeNoCumulativeSumFlagSuppressesFusion(t *testing.T) {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{1, 2, 3})
	require.NoError(t, err)
	s1, err := r.Arithmetic(FamilyAdd, xs[0], xs[1])
	require.NoError(t, err)
	s2, err := r.Arithmetic(FamilyAdd, s1, xs[2])
	require.NoError(t, err)
	tp, err := r.Dependent(s2)
	require.NoError(t, err)

	opt, err := tp.Optimize(OptimizeFlags{NoCumulativeSum: true})
	require.NoError(t, err)
	for _, op := range opt.op {
		require.NotEqual(t, CSumOp, op)
	}
}

func TestOptimizeConditionalSkipInsertion(t *testing.T) {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{1, 2})
	require.NoError(t, err)
	// expensive-looking not-taken branch
	heavy, err := r.Arithmetic(FamilyMul, xs[1], xs[1])
	require.NoError(t, err)
	heavy, err = r.Arithmetic(FamilyMul, heavy, xs[1])
	require.NoError(t, err)
	selected, err := r.CExp(RelLt, xs[0], xs[1], xs[0], heavy)
	require.NoError(t, err)
	tp, err := r.Dependent(selected)
	require.NoError(t, err)

	unoptimized, err := tp.Forward(0, [][]float64{{1}, {2}})
	require.NoError(t, err)

	opt, err := tp.Optimize(OptimizeFlags{})
	require.NoError(t, err)
	out, err := opt.Forward(0, [][]float64{{1}, {2}})
	require.NoError(t, err)
	require.InDelta(t, unoptimized[0][0], out[0][0], 1e-12)

	foundSkip := false
	for _, op := range opt.op {
		if op == CSkipOp {
			foundSkip = true
		}
	}
	require.True(t, foundSkip, "a CExpOp's not-taken branch should get a CSkipOp")
}

// TestOptimizeConditionalSkipElidesBranch checks the replay effect: with
// the condition true, none of the false branch's opcodes run.
func TestOptimizeConditionalSkipElidesBranch(t *testing.T) {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{0, 1, 2, 3})
	require.NoError(t, err)
	ft, err := r.Arithmetic(FamilyMul, xs[2], xs[2]) // true branch
	require.NoError(t, err)
	ff, err := r.Arithmetic(FamilyMul, xs[3], xs[3]) // false branch
	require.NoError(t, err)
	ff, err = r.Arithmetic(FamilyAdd, ff, xs[3])
	require.NoError(t, err)
	z, err := r.CExp(RelLt, xs[0], xs[1], ft, ff)
	require.NoError(t, err)
	tp, err := r.Dependent(z)
	require.NoError(t, err)

	opt, err := tp.Optimize(OptimizeFlags{})
	require.NoError(t, err)

	out, err := opt.Forward(0, [][]float64{{0}, {1}, {2}, {3}})
	require.NoError(t, err)
	require.InDelta(t, 4, out[0][0], 1e-12) // 0 < 1, true branch: x2^2
	require.Equal(t, 2, opt.SkipOpCount(), "both false-branch opcodes must be skipped")

	out, err = opt.Forward(0, [][]float64{{5}, {1}, {2}, {3}})
	require.NoError(t, err)
	require.InDelta(t, 12, out[0][0], 1e-12) // 5 < 1 false: x3^2 + x3
	require.Equal(t, 1, opt.SkipOpCount(), "the single true-branch opcode must be skipped")

	require.Equal(t, 0, tp.SkipOpCount(), "the unoptimized tape has no guards")
}

func TestOptimizeNoConditionalSkipFlagSuppressesInsertion(t *testing.T) {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{1, 2})
	require.NoError(t, err)
	heavy, err := r.Arithmetic(FamilyMul, xs[1], xs[1])
	require.NoError(t, err)
	selected, err := r.CExp(RelLt, xs[0], xs[1], xs[0], heavy)
	require.NoError(t, err)
	tp, err := r.Dependent(selected)
	require.NoError(t, err)

	opt, err := tp.Optimize(OptimizeFlags{NoConditionalSkip: true})
	require.NoError(t, err)
	for _, op := range opt.op {
		require.NotEqual(t, CSkipOp, op)
	}
}

func TestOptimizeCSEFoldsDuplicateSubexpressions(t *testing.T) {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{2, 3})
	require.NoError(t, err)
	a, err := r.Arithmetic(FamilyMul, xs[0], xs[1])
	require.NoError(t, err)
	b, err := r.Arithmetic(FamilyMul, xs[0], xs[1]) // identical to a
	require.NoError(t, err)
	sum, err := r.Arithmetic(FamilyAdd, a, b)
	require.NoError(t, err)
	tp, err := r.Dependent(sum)
	require.NoError(t, err)

	opt, err := tp.Optimize(OptimizeFlags{})
	require.NoError(t, err)
	require.Less(t, len(opt.op), len(tp.op))

	out, err := opt.Forward(0, [][]float64{{2}, {3}})
	require.NoError(t, err)
	require.InDelta(t, 12, out[0][0], 1e-12)
}

func TestOptimizeCSECommutativeOperandSwap(t *testing.T) {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{2, 3})
	require.NoError(t, err)
	a, err := r.Arithmetic(FamilyMul, xs[0], xs[1])
	require.NoError(t, err)
	b, err := r.Arithmetic(FamilyMul, xs[1], xs[0]) // same product, swapped
	require.NoError(t, err)
	prod, err := r.Arithmetic(FamilyMul, a, b)
	require.NoError(t, err)
	tp, err := r.Dependent(prod)
	require.NoError(t, err)

	opt, err := tp.Optimize(OptimizeFlags{})
	require.NoError(t, err)
	require.Less(t, len(opt.op), len(tp.op))
	out, err := opt.Forward(0, [][]float64{{2}, {3}})
	require.NoError(t, err)
	require.InDelta(t, 36, out[0][0], 1e-12)
}

// TestOptimizeIdempotent checks that re-optimizing an optimized tape
// reproduces the same operator sequence.
func TestOptimizeIdempotent(t *testing.T) {
	r := NewRecorder(Config{})
	xs, err := r.Independent([]float64{1, 2, 3})
	require.NoError(t, err)
	s1, err := r.Arithmetic(FamilyAdd, xs[0], xs[1])
	require.NoError(t, err)
	s2, err := r.Arithmetic(FamilySub, s1, xs[2])
	require.NoError(t, err)
	m, err := r.Arithmetic(FamilyMul, s2, xs[0])
	require.NoError(t, err)
	tp, err := r.Dependent(m)
	require.NoError(t, err)

	once, err := tp.Optimize(OptimizeFlags{})
	require.NoError(t, err)
	twice, err := once.Optimize(OptimizeFlags{})
	require.NoError(t, err)

	require.Equal(t, once.op, twice.op)
	require.Equal(t, once.arg, twice.arg)

	a, err := once.Forward(0, [][]float64{{1}, {2}, {3}})
	require.NoError(t, err)
	b, err := twice.Forward(0, [][]float64{{1}, {2}, {3}})
	require.NoError(t, err)
	require.Equal(t, a[0][0], b[0][0])
}

func TestOptimizeDoesNotMutateSource(t *testing.T) {
	tp := buildPolynomial(t)
	beforeOps := len(tp.op)
	beforePars := tp.SizePar()
	_, err := tp.Optimize(OptimizeFlags{})
	require.NoError(t, err)
	require.Equal(t, beforeOps, len(tp.op))
	require.Equal(t, beforePars, tp.SizePar())
}

func TestOptimizePreservesDeterminantSemantics(t *testing.T) {
	a := [][]float64{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
	tp, err := BuildDeterminantTape(Config{}, a)
	require.NoError(t, err)

	x := make([][]float64, 16)
	flat := make([]float64, 16)
	for i := 0; i < 16; i++ {
		v := a[i/4][i%4]
		x[i] = []float64{v}
		flat[i] = v
	}
	out, err := tp.Forward(0, x)
	require.NoError(t, err)
	require.InDelta(t, 1, out[0][0], 1e-12) // det(I) = 1

	grad, err := tp.Reverse(flat, []float64{1})
	require.NoError(t, err)

	opt, err := tp.Optimize(OptimizeFlags{})
	require.NoError(t, err)
	optOut, err := opt.Forward(0, x)
	require.NoError(t, err)
	require.InDelta(t, out[0][0], optOut[0][0], 1e-12)

	optGrad, err := opt.Reverse(flat, []float64{1})
	require.NoError(t, err)
	for i := range grad {
		// the gradient of det at I is the identity's cofactor matrix: I
		want := 0.0
		if i/4 == i%4 {
			want = 1
		}
		require.InDelta(t, want, grad[i], 1e-9, "entry %d", i)
		require.InDelta(t, grad[i], optGrad[i], 1e-9, "entry %d", i)
	}
}
