package tape

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpcodeArityFixedExceptVariadic(t *testing.T) {
	for op := BeginOp; op < numOpcodes; op++ {
		a := arityTable[op]
		switch op {
		case CSumOp, CSkipOp:
			assert.Equal(t, -1, a.nArg, "%s should have variable arity", op)
		default:
			assert.GreaterOrEqual(t, a.nArg, 0, "%s should have fixed arity", op)
		}
	}
}

func TestOpcodeString(t *testing.T) {
	require.Equal(t, "addvv", AddVV.String())
	require.Equal(t, "cexp", CExpOp.String())
	require.Contains(t, Opcode(numOpcodes).String(), "illegal opcode")
}

func TestOpcodeCommutative(t *testing.T) {
	assert.True(t, AddVV.commutative())
	assert.True(t, MulPV.commutative())
	assert.False(t, SubVV.commutative())
	assert.False(t, DivVV.commutative())
}

func TestRelOpEvaluate(t *testing.T) {
	cases := []struct {
		rel      RelOp
		l, r     float64
		expected bool
	}{
		{RelLt, 1, 2, true}, {RelLt, 2, 1, false},
		{RelLe, 2, 2, true}, {RelEq, 2, 2, true},
		{RelGe, 2, 2, true}, {RelGt, 3, 2, true}, {RelNe, 3, 2, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.expected, c.rel.evaluate(c.l, c.r))
	}
}
