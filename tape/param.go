package tape

// paramTable holds the tape's parameter vector (par_vec) plus the parallel
// dynamic-parameter arrays: a dynamic parameter's value is not fixed at
// recording time but is instead recomputed at replay time from an opcode
// and argument indices over earlier parameters (a secondary,
// parameter-only DAG).
type paramTable struct {
	values []float64 // par_vec
	dynIs  []bool    // dynIs[i]: is par_vec[i] a dynamic parameter
	dynOp  []Opcode  // dynOp[i]: opcode computing the dynamic parameter, if dynIs[i]
	dynArg [][2]int  // dynArg[i]: up to two parameter-index operands

	constIndex map[float64]int // dedup for constant parameters
}

func newParamTable() *paramTable {
	return &paramTable{
		constIndex: make(map[float64]int),
	}
}

// addConstant returns the index of v in par_vec, reusing an existing entry
// when v was already recorded as a constant parameter.
func (pt *paramTable) addConstant(v float64) int {
	if idx, ok := pt.constIndex[v]; ok {
		return idx
	}
	idx := pt.append(v, false, 0, [2]int{})
	pt.constIndex[v] = idx
	return idx
}

// addDynamic appends a dynamic parameter computed by op over the parameter
// indices in args; each must be strictly smaller than the new index so the
// parameter DAG stays topologically ordered. No dedup is attempted for
// dynamic parameters.
func (pt *paramTable) addDynamic(op Opcode, args [2]int, value float64) (int, error) {
	for _, a := range args[:opArgCount(op)] {
		if a >= len(pt.values) {
			return 0, newError(RecordingInvariant, "addDynamic", -1,
				"dynamic parameter argument %d is not strictly earlier", a)
		}
	}
	return pt.append(value, true, op, args), nil
}

func opArgCount(op Opcode) int {
	n := op.NArg()
	if n < 0 || n > 2 {
		return 0
	}
	return n
}

func (pt *paramTable) append(v float64, dynamic bool, op Opcode, args [2]int) int {
	idx := len(pt.values)
	pt.values = append(pt.values, v)
	pt.dynIs = append(pt.dynIs, dynamic)
	pt.dynOp = append(pt.dynOp, op)
	pt.dynArg = append(pt.dynArg, args)
	return idx
}

func (pt *paramTable) len() int { return len(pt.values) }

// clone returns an independent copy, so an optimized tape can grow its
// table without the source tape observing the change.
func (pt *paramTable) clone() *paramTable {
	cp := &paramTable{
		values:     append([]float64(nil), pt.values...),
		dynIs:      append([]bool(nil), pt.dynIs...),
		dynOp:      append([]Opcode(nil), pt.dynOp...),
		dynArg:     append([][2]int(nil), pt.dynArg...),
		constIndex: make(map[float64]int, len(pt.constIndex)),
	}
	for v, i := range pt.constIndex {
		cp.constIndex[v] = i
	}
	return cp
}

// resolve recomputes every dynamic parameter's value in index order. Since
// the DAG is topologically ordered (enforced at recording time), a single
// forward pass suffices.
func (pt *paramTable) resolve() {
	for i := range pt.values {
		if !pt.dynIs[i] {
			continue
		}
		a := pt.dynArg[i]
		x := pt.values[a[0]]
		switch pt.dynOp[i].NArg() {
		case 1:
			pt.values[i] = evalUnary(pt.dynOp[i], x)
		case 2:
			y := pt.values[a[1]]
			pt.values[i] = evalBinary(pt.dynOp[i], x, y)
		}
	}
}
