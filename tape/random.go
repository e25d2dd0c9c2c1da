package tape

// addrVec is an integer vector stored at the narrowest width that fits
// its value range, so the per-tape random-access cache does not triple a
// big tape's memory footprint just to index it.
type addrVec struct {
	width AddressWidth
	u16   []uint16
	u32   []uint32
	u64   []uint64
}

func newAddrVec(width AddressWidth, n int) addrVec {
	v := addrVec{width: width}
	switch width {
	case Address16:
		v.u16 = make([]uint16, n)
	case Address32:
		v.u32 = make([]uint32, n)
	default:
		v.u64 = make([]uint64, n)
	}
	return v
}

func (v *addrVec) set(i, val int) {
	switch v.width {
	case Address16:
		v.u16[i] = uint16(val)
	case Address32:
		v.u32[i] = uint32(val)
	default:
		v.u64[i] = uint64(val)
	}
}

func (v *addrVec) get(i int) int {
	switch v.width {
	case Address16:
		return int(v.u16[i])
	case Address32:
		return int(v.u32[i])
	default:
		return int(v.u64[i])
	}
}

func (v *addrVec) len() int {
	switch v.width {
	case Address16:
		return len(v.u16)
	case Address32:
		return len(v.u32)
	default:
		return len(v.u64)
	}
}

func (v *addrVec) byteSize() int {
	return v.len() * addrByteWidth(v.width)
}

// RandomAccess indexes a sealed tape by operator position and by variable
// index: op2arg gives each operator's start offset in the flat argument
// stream, op2var its primary result variable (or 0 when it produces
// none), and var2op the operator producing a given primary variable.
// Built on first use and cached on the Tape; ClearRandom drops it.
type RandomAccess struct {
	t      *Tape
	op2arg addrVec
	op2var addrVec
	var2op addrVec
}

// Random returns the tape's random-access tables, building them on first
// use. The table entry width adapts to max(num_var, num_op, num_arg)
// unless Config.AddressWidth pins it.
func (t *Tape) Random() *RandomAccess {
	if t.random != nil {
		return t.random
	}
	width := t.cfg.AddressWidth
	if width == AddressAuto {
		width = addressWidthFor(t.nVar, len(t.op), len(t.arg))
	}
	ra := &RandomAccess{
		t:      t,
		op2arg: newAddrVec(width, len(t.op)),
		op2var: newAddrVec(width, len(t.op)),
		var2op: newAddrVec(width, t.nVar),
	}
	argOffset := 0
	varCount := 0
	for i, op := range t.op {
		ra.op2arg.set(i, argOffset)
		argOffset += argLenAt(t, op, argOffset)
		if nRes := op.NRes(); nRes > 0 {
			primary := varCount + nRes - 1
			ra.op2var.set(i, primary)
			for v := varCount; v <= primary; v++ {
				ra.var2op.set(v, i)
			}
			varCount += nRes
		}
	}
	t.random = ra
	return ra
}

// ClearRandom drops the cached random-access tables; the next Random call
// rebuilds them.
func (t *Tape) ClearRandom() { t.random = nil }

// OpAt returns the opcode at operator position i together with its
// primary result variable (0 when it produces none) and argument slice.
func (ra *RandomAccess) OpAt(i int) (op Opcode, res Var, args []int) {
	op = ra.t.op[i]
	start := ra.op2arg.get(i)
	n := argLenAt(ra.t, op, start)
	return op, Var(ra.op2var.get(i)), ra.t.arg[start : start+n]
}

// VarToOp returns the operator position that produces variable v.
func (ra *RandomAccess) VarToOp(v Var) int { return ra.var2op.get(int(v)) }

// byteSize reports the tables' total memory, for SizeRandom.
func (ra *RandomAccess) byteSize() int {
	return ra.op2arg.byteSize() + ra.op2var.byteSize() + ra.var2op.byteSize()
}
