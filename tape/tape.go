package tape

// Tape is the sealed, replayable operation sequence produced by
// (*Recorder).Dependent. It is read-only: every sweep (Forward, Reverse,
// sparsity, Optimize) takes a *Tape and a fresh cursor over it, never
// mutating op/arg/params in place; Optimize returns a brand new *Tape.
type Tape struct {
	op  []Opcode
	arg []int

	params *paramTable
	text   []byte
	vecad  vecADTable
	dep    []Var

	nInd int
	nVar int

	atomics []atomicCall

	cfg Config

	random *RandomAccess // built lazily by Random, dropped by ClearRandom

	freeBuf *sweepBuffers // single-slot sweep-buffer free list (Config.FreeList)

	compareCount   int // set by the most recent Forward/Reverse replay
	compareFirstOp int // operator index of the first compare change, or -1
	skipCount      int // operators elided by CSkipOp on the most recent replay
}

// SizeVar returns the number of variables recorded on the tape (n_var).
func (t *Tape) SizeVar() int { return t.nVar }

// SizeOp returns the number of opcodes recorded, including BeginOp/EndOp.
func (t *Tape) SizeOp() int { return len(t.op) }

// SizePar returns the number of parameters (par_vec length).
func (t *Tape) SizePar() int { return t.params.len() }

// SizeText returns the length, in bytes, of the Print text buffer.
func (t *Tape) SizeText() int { return len(t.text) }

// SizeVecAD returns the length of the VecAD side table (vecad_ind).
func (t *Tape) SizeVecAD() int { return len(t.vecad.ind) }

// SizeOpSeq returns len(arg_vec), the flattened argument stream length.
func (t *Tape) SizeOpSeq() int { return len(t.arg) }

// SizeRandom returns the memory, in bytes, held by the random-access
// tables, or 0 when they have not been built (or were cleared).
func (t *Tape) SizeRandom() int {
	if t.random == nil {
		return 0
	}
	return t.random.byteSize()
}

// SizeIndependent returns the number of independent variables (n_ind).
func (t *Tape) SizeIndependent() int { return t.nInd }

// SizeDependent returns the number of dependent variables (n_dep).
func (t *Tape) SizeDependent() int { return len(t.dep) }

// Dependent returns the dependent variable indices, in declaration order.
func (t *Tape) Dependent() []Var {
	out := make([]Var, len(t.dep))
	copy(out, t.dep)
	return out
}

// CompareChangeCount returns the number of recorded comparisons whose
// outcome differed from the value captured at tracing time, computed by
// the most recent Forward zero-order replay.
func (t *Tape) CompareChangeCount() int { return t.compareCount }

// CompareChangeOpIndex returns the operator index of the first comparison
// that disagreed during the most recent Forward/Reverse replay, or -1 if
// none did.
func (t *Tape) CompareChangeOpIndex() int { return t.compareFirstOp }

// SkipOpCount returns the number of operators the most recent Forward
// replay elided because a CSkipOp guard resolved their conditional branch
// as not taken.
func (t *Tape) SkipOpCount() int { return t.skipCount }

// ParamValue returns the current value of parameter index idx. Dynamic
// parameters reflect the most recent SetDynamic/replay resolution.
func (t *Tape) ParamValue(idx int) float64 { return t.params.values[idx] }

// SetDynamic overwrites the initial value of every independent (leaf)
// dynamic parameter, in the order NewDynamic assigned them, and resolves
// the dynamic-parameter DAG.
func (t *Tape) SetDynamic(values []float64) error {
	vi := 0
	for i := range t.params.values {
		if t.params.dynIs[i] && t.params.dynOp[i] == dynLeafOp {
			if vi >= len(values) {
				return newError(RecordingInvariant, "SetDynamic", -1,
					"too few dynamic values: need at least %d", vi+1)
			}
			t.params.values[i] = values[vi]
			vi++
		}
	}
	t.params.resolve()
	return nil
}

// validate checks the structural invariants every sealed tape must
// satisfy: Begin/End framing, the initial run of InvOp independents, the
// strictly-earlier rule for every variable operand, and the variable
// count accounting. Optimize runs it on its output and reports a failure
// as OptimizerConsistency.
func (t *Tape) validate(origin string) error {
	if len(t.op) == 0 || t.op[0] != BeginOp {
		return newError(OptimizerConsistency, origin, 0, "tape does not start with BeginOp")
	}
	if t.op[len(t.op)-1] != EndOp {
		return newError(OptimizerConsistency, origin, len(t.op)-1, "tape does not end with EndOp")
	}
	for i := 1; i <= t.nInd; i++ {
		if i >= len(t.op) || t.op[i] != InvOp {
			return newError(OptimizerConsistency, origin, i,
				"expected %d leading InvOp independents", t.nInd)
		}
	}
	p := NewPlayer(t)
	varCount := 0
	for p.Next() {
		firstNew := varCount // variables produced by strictly-earlier opcodes
		for _, v := range operandVars(t, p.Op(), p.Args()) {
			if v < 1 || v >= firstNew {
				return newError(OptimizerConsistency, origin, p.OpIndex(),
					"%s operand %d is not a strictly-earlier variable", p.Op(), v)
			}
		}
		varCount += p.Op().NRes()
	}
	if varCount != t.nVar {
		return newError(OptimizerConsistency, origin, -1,
			"variable count %d does not match opcode results %d", t.nVar, varCount)
	}
	for _, d := range t.dep {
		if int(d) < 1 || int(d) >= t.nVar {
			return newError(OptimizerConsistency, origin, -1,
				"dependent variable %d out of range", d)
		}
	}
	return nil
}

// operandVars returns every variable index op reads, mask- and
// arity-aware, for validation and liveness walks.
func operandVars(t *Tape, op Opcode, args []int) []int {
	switch op {
	case ComOp, CExpOp:
		mask := CExpMask(args[1])
		var out []int
		if mask&MaskLeft != 0 {
			out = append(out, args[2])
		}
		if mask&MaskRight != 0 {
			out = append(out, args[3])
		}
		if op == CExpOp {
			if mask&MaskTrue != 0 {
				out = append(out, args[4])
			}
			if mask&MaskFalse != 0 {
				out = append(out, args[5])
			}
		}
		return out
	case CSumOp:
		return decodeCSumAddends(t, args)
	case CSkipOp:
		mask := CExpMask(args[1])
		var out []int
		if mask&MaskLeft != 0 {
			out = append(out, args[2])
		}
		if mask&MaskRight != 0 {
			out = append(out, args[3])
		}
		return out
	case DisOp:
		return []int{args[1]}
	case LdvOp:
		return []int{args[1]}
	case StvpOp:
		return []int{args[1]}
	case StpvOp:
		return []int{args[2]}
	case StvvOp:
		return []int{args[1], args[2]}
	case FunavOp:
		return []int{args[0]}
	case BeginOp, EndOp, InvOp, ParOp, LdpOp, StppOp, PripOp, PrivOp,
		AFunOp, FunapOp, FunrpOp, FunrvOp:
		return nil
	default:
		slots := variableArgSlots(op)
		out := make([]int, len(slots))
		for i, s := range slots {
			out[i] = args[s]
		}
		return out
	}
}
