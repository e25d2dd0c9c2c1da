package tape

import "github.com/google/uuid"

// Var is a 1-based tape variable index. Zero is never a valid operand; it
// is reserved for BeginOp.
type Var int

// Param is an index into the tape's parameter vector.
type Param int

// Value is a recorder-time operand: either a recorded variable or a
// parameter (constant or dynamic), always carrying its current concrete
// value. Mirroring CppAD's AD<Base>, the recorder executes the caller's
// computation with real numbers as it tapes it, so every Value already
// knows what it evaluates to - needed to fold pure-parameter arithmetic,
// to choose which branch CExp/Compare take, and to bounds-check VecAD
// indices, all at record time.
type Value struct {
	idx   int
	isVar bool
	val   float64
}

// VarValue wraps a variable as an operand, given its current value.
func VarValue(v Var, val float64) Value { return Value{idx: int(v), isVar: true, val: val} }

// Val returns the operand's current concrete value.
func (v Value) Val() float64 { return v.val }

// AddressWidth selects the integer width used for the player's
// random-access tables. Auto picks the narrowest width that fits
// max(n_var, n_op, n_arg). The in-memory arg stream is always []int, and
// Serialize picks its on-disk width by the same max rule regardless of
// this setting.
type AddressWidth int

const (
	AddressAuto AddressWidth = iota
	Address16
	Address32
	Address64
)

// Config carries the engine's build-time options: the address width and
// whether the free-list allocator is enabled. There are no environment
// variables; callers construct this explicitly.
type Config struct {
	AddressWidth AddressWidth
	FreeList     bool
}

// binaryFamily names an arithmetic operation independent of which of its
// two opcode variants (VV/PV/VP) applies.
type binaryFamily int

const (
	FamilyAdd binaryFamily = iota
	FamilySub
	FamilyMul
	FamilyDiv
	FamilyZmul
)

// Recorder appends opcodes and arguments as the caller's program
// executes. It owns a single in-progress tape; call Dependent to
// finalize it into a read-only Player-ready Tape.
type Recorder struct {
	cfg Config

	op  []Opcode
	arg []int

	params   *paramTable
	text     []byte
	vecad    vecADTable
	vecadVal []float64 // parallel to vecad.ind: current value at record time
	dep      []Var

	nInd int // number of independents
	nVar int // current variable count (1 + sum of n_res so far)

	compareEnabled bool
	abortOpIndex   int // -1 disables

	independentsDone bool
	sealed           bool

	atomics []atomicCall
}

// NewRecorder starts a new recording; BeginOp is appended immediately.
func NewRecorder(cfg Config) *Recorder {
	r := &Recorder{
		cfg:            cfg,
		params:         newParamTable(),
		compareEnabled: true,
		abortOpIndex:   -1,
	}
	r.op = append(r.op, BeginOp)
	r.nVar = 1
	return r
}

// SetAbortOpIndex pre-declares the operator index at which recording must
// abort with an AbortOpIndex error.
func (r *Recorder) SetAbortOpIndex(idx int) { r.abortOpIndex = idx }

// SetCompareRecording toggles whether non-constant comparisons are
// captured as ComOp; recording is enabled by default.
func (r *Recorder) SetCompareRecording(enabled bool) { r.compareEnabled = enabled }

func (r *Recorder) nextOpIndex() int { return len(r.op) }

func (r *Recorder) checkNotSealed(op string) error {
	if r.sealed {
		return newError(RecordingInvariant, op, r.nextOpIndex(), "tape already sealed")
	}
	return nil
}

func (r *Recorder) checkVar(op string, v int) error {
	if v < 1 || v >= r.nVar {
		return newError(RecordingInvariant, op, r.nextOpIndex(),
			"variable operand %d is not a valid, strictly-earlier variable (have %d)", v, r.nVar)
	}
	return nil
}

// appendOp is the single choke point for writing an opcode and its
// arguments; it enforces the abort-index contract and allocates the
// opcode's result variables.
func (r *Recorder) appendOp(op Opcode, args ...int) (Var, error) {
	if err := r.checkNotSealed(op.String()); err != nil {
		return 0, err
	}
	opIdx := r.nextOpIndex()
	if r.abortOpIndex >= 0 && opIdx == r.abortOpIndex {
		return 0, newError(AbortOpIndex, op.String(), opIdx, "abort operator index reached")
	}
	r.op = append(r.op, op)
	r.arg = append(r.arg, args...)
	result := Var(r.nVar)
	if nRes := op.NRes(); nRes > 0 {
		result = Var(r.nVar + nRes - 1)
		r.nVar += nRes
	}
	return result, nil
}

// Independent declares the independent variables. It must be called
// exactly once, before any other variable-producing operation, so the
// tape starts with a contiguous run of InvOp entries.
func (r *Recorder) Independent(x []float64) ([]Value, error) {
	if err := r.checkNotSealed("Independent"); err != nil {
		return nil, err
	}
	if r.independentsDone {
		return nil, newError(RecordingInvariant, "Independent", r.nextOpIndex(),
			"independents already declared")
	}
	vals := make([]Value, len(x))
	for i, xi := range x {
		v, err := r.appendOp(InvOp)
		if err != nil {
			return nil, err
		}
		vals[i] = VarValue(v, xi)
	}
	r.nInd = len(x)
	r.independentsDone = true
	return vals, nil
}

// Const records a constant parameter and returns it as an operand,
// deduplicated by value.
func (r *Recorder) Const(v float64) Value {
	idx := r.params.addConstant(v)
	return Value{idx: idx, isVar: false, val: v}
}

// NewDynamic records an independent (leaf) dynamic parameter: a value
// supplied at replay time via (*Tape).SetDynamic, with no parameter-DAG
// computation of its own.
func (r *Recorder) NewDynamic(initial float64) Value {
	idx, _ := r.params.addDynamic(dynLeafOp, [2]int{}, initial)
	return Value{idx: idx, isVar: false, val: initial}
}

// dynLeafOp marks a dynamic parameter with no computation (a leaf of the
// parameter DAG, set directly at replay time). InvOp is never otherwise
// used as a parameter opcode, so it is reused as the sentinel.
const dynLeafOp = InvOp

// DynamicUnary records a dynamic parameter computed as op(x), x itself a
// (constant or dynamic) parameter operand.
func (r *Recorder) DynamicUnary(op Opcode, x Value) (Value, error) {
	if x.isVar {
		return Value{}, newError(RecordingInvariant, "DynamicUnary", r.nextOpIndex(),
			"dynamic parameter operand must be a parameter, not a variable")
	}
	value := evalUnary(op, x.val)
	idx, err := r.params.addDynamic(op, [2]int{x.idx}, value)
	if err != nil {
		return Value{}, err
	}
	return Value{idx: idx, isVar: false, val: value}, nil
}

// DynamicBinary records a dynamic parameter computed as family(x, y).
func (r *Recorder) DynamicBinary(family binaryFamily, x, y Value) (Value, error) {
	if x.isVar || y.isVar {
		return Value{}, newError(RecordingInvariant, "DynamicBinary", r.nextOpIndex(),
			"dynamic parameter operands must be parameters, not variables")
	}
	op := vvOpcodeFor(family)
	value := evalBinary(op, x.val, y.val)
	idx, err := r.params.addDynamic(op, [2]int{x.idx, y.idx}, value)
	if err != nil {
		return Value{}, err
	}
	return Value{idx: idx, isVar: false, val: value}, nil
}

func vvOpcodeFor(family binaryFamily) Opcode {
	switch family {
	case FamilyAdd:
		return AddVV
	case FamilySub:
		return SubVV
	case FamilyMul:
		return MulVV
	case FamilyDiv:
		return DivVV
	case FamilyZmul:
		return ZmulVV
	default:
		panic("bad binary family")
	}
}

// Arithmetic records a 2-argument/1-result arithmetic opcode, choosing the
// VV/PV/VP variant from the operand kinds and folding away
// operations between two parameters (no tape entry: the result is itself a
// constant parameter) since only variable-tracked operations need replay.
func (r *Recorder) Arithmetic(family binaryFamily, x, y Value) (Value, error) {
	if !x.isVar && !y.isVar {
		return r.Const(evalBinary(vvOpcodeFor(family), x.val, y.val)), nil
	}

	var op Opcode
	var a0, a1 int
	switch family {
	case FamilyAdd:
		op, a0, a1 = pickCommutative(AddVV, AddPV, x, y)
	case FamilyMul:
		op, a0, a1 = pickCommutative(MulVV, MulPV, x, y)
	case FamilySub:
		op, a0, a1 = pickNonCommutative(SubVV, SubPV, SubVP, x, y)
	case FamilyDiv:
		op, a0, a1 = pickNonCommutative(DivVV, DivPV, DivVP, x, y)
	case FamilyZmul:
		op, a0, a1 = pickNonCommutative(ZmulVV, ZmulPV, ZmulVP, x, y)
	default:
		panic("bad binary family")
	}

	if x.isVar {
		if err := r.checkVar(op.String(), x.idx); err != nil {
			return Value{}, err
		}
	}
	if y.isVar {
		if err := r.checkVar(op.String(), y.idx); err != nil {
			return Value{}, err
		}
	}

	v, err := r.appendOp(op, a0, a1)
	if err != nil {
		return Value{}, err
	}
	return Value{idx: int(v), isVar: true, val: evalBinary(vvOpcodeFor(family), x.val, y.val)}, nil
}

func pickCommutative(vv, pv Opcode, x, y Value) (Opcode, int, int) {
	if x.isVar && y.isVar {
		return vv, x.idx, y.idx
	}
	if x.isVar {
		return pv, y.idx, x.idx // parameter first, then variable
	}
	return pv, x.idx, y.idx
}

func pickNonCommutative(vv, pv, vp Opcode, x, y Value) (Opcode, int, int) {
	switch {
	case x.isVar && y.isVar:
		return vv, x.idx, y.idx
	case x.isVar: // y is parameter
		return vp, x.idx, y.idx
	default: // x is parameter, y is variable
		return pv, x.idx, y.idx
	}
}

// Unary records a 1-argument opcode, folding constant operands directly
// (CppAD never puts a pure-parameter computation on the variable tape).
func (r *Recorder) Unary(op Opcode, x Value) (Value, error) {
	if !x.isVar {
		return r.Const(evalUnary(op, x.val)), nil
	}
	if err := r.checkVar(op.String(), x.idx); err != nil {
		return Value{}, err
	}
	v, err := r.appendOp(op, x.idx)
	if err != nil {
		return Value{}, err
	}
	return Value{idx: int(v), isVar: true, val: evalUnary(op, x.val)}, nil
}

// Pow records x^y as the macro expansion log/mul/exp: y*log(x) is
// computed and exponentiated, so the Taylor recursions already defined
// for log, mul and exp suffice and no dedicated Pow recursion is needed.
// At x == 0 this faults at replay via Log's domain error; integer
// exponents are not special-cased.
func (r *Recorder) Pow(x, y Value) (Value, error) {
	if !x.isVar && !y.isVar {
		return r.Const(evalUnary(Exp, evalBinary(MulVV, evalUnary(Log, x.val), y.val))), nil
	}
	lg, err := r.Unary(Log, x)
	if err != nil {
		return Value{}, err
	}
	mul, err := r.Arithmetic(FamilyMul, lg, y)
	if err != nil {
		return Value{}, err
	}
	return r.Unary(Exp, mul)
}

// Dis records a call to the named discrete function (internal/discrete),
// whose derivative is treated as identically zero at every order.
func (r *Recorder) Dis(name string, x Value) (Value, error) {
	fn, ok := discreteLookup(name)
	if !ok {
		return Value{}, newError(RecordingInvariant, "Dis", r.nextOpIndex(),
			"no discrete function registered as %q", name)
	}
	fnID := discreteID(name)
	value := fn(x.val)
	if !x.isVar {
		return r.Const(value), nil
	}
	if err := r.checkVar("Dis", x.idx); err != nil {
		return Value{}, err
	}
	v, err := r.appendOp(DisOp, fnID, x.idx)
	if err != nil {
		return Value{}, err
	}
	return Value{idx: int(v), isVar: true, val: value}, nil
}

// Par promotes a parameter to a variable slot (ParOp), used when a
// downstream consumer needs a variable index for a value that happens to
// be constant or dynamic (e.g. to pass a parameter into a VecAD store that
// requires comparison against variable-indexed siblings).
func (r *Recorder) Par(x Value) (Value, error) {
	if x.isVar {
		return x, nil
	}
	v, err := r.appendOp(ParOp, x.idx)
	if err != nil {
		return Value{}, err
	}
	return Value{idx: int(v), isVar: true, val: x.val}, nil
}

// Compare records a comparison for later compare-change detection: when both sides are non-dynamic constants the outcome can
// never change across replays, so nothing is recorded. Otherwise a ComOp
// is appended carrying the outcome observed now; (*Tape) replay re-checks
// it and counts how many times it flips.
func (r *Recorder) Compare(rel RelOp, x, y Value) (bool, error) {
	if err := r.checkNotSealed("Compare"); err != nil {
		return false, err
	}
	outcome := rel.evaluate(x.val, y.val)
	if !r.compareEnabled || r.isFixedConstant(x) && r.isFixedConstant(y) {
		return outcome, nil
	}
	var mask CExpMask
	if x.isVar {
		if err := r.checkVar("Compare", x.idx); err != nil {
			return false, err
		}
		mask |= MaskLeft
	}
	if y.isVar {
		if err := r.checkVar("Compare", y.idx); err != nil {
			return false, err
		}
		mask |= MaskRight
	}
	rec := 0
	if outcome {
		rec = 1
	}
	if _, err := r.appendOp(ComOp, int(rel), int(mask), x.idx, y.idx, rec); err != nil {
		return false, err
	}
	return outcome, nil
}

// isFixedConstant reports whether v is a parameter that is neither a
// variable nor a dynamic parameter, i.e. one whose value can never differ
// between recording and any later replay.
func (r *Recorder) isFixedConstant(v Value) bool {
	return !v.isVar && !r.params.dynIs[v.idx]
}

// CExp records a conditional-expression opcode selecting between ifTrue
// and ifFalse according to rel(left, right). All
// four operands may independently be variables or parameters; when all
// four are fixed constants the whole expression folds away, matching
// Arithmetic/Unary's constant-folding behavior.
func (r *Recorder) CExp(rel RelOp, left, right, ifTrue, ifFalse Value) (Value, error) {
	outcome := rel.evaluate(left.val, right.val)
	selected := ifFalse
	if outcome {
		selected = ifTrue
	}
	if r.isFixedConstant(left) && r.isFixedConstant(right) &&
		r.isFixedConstant(ifTrue) && r.isFixedConstant(ifFalse) {
		return selected, nil
	}

	var mask CExpMask
	for _, pair := range []struct {
		v    Value
		bit  CExpMask
	}{{left, MaskLeft}, {right, MaskRight}, {ifTrue, MaskTrue}, {ifFalse, MaskFalse}} {
		if pair.v.isVar {
			if err := r.checkVar("CExp", pair.v.idx); err != nil {
				return Value{}, err
			}
			mask |= pair.bit
		}
	}
	v, err := r.appendOp(CExpOp, int(rel), int(mask), left.idx, right.idx, ifTrue.idx, ifFalse.idx)
	if err != nil {
		return Value{}, err
	}
	return Value{idx: int(v), isVar: true, val: selected.val}, nil
}

// Print records PripOp/PrivOp: emit label followed by x's value. Print
// operators produce no variable.
func (r *Recorder) Print(label string, x Value) error {
	off := len(r.text)
	r.text = append(r.text, []byte(label)...)
	r.text = append(r.text, 0)
	op := PripOp
	if x.isVar {
		op = PrivOp
	}
	_, err := r.appendOp(op, off, x.idx)
	return err
}

// VecADRef is an opaque handle to a VecAD vector created by NewVecAD,
// addressing it for Load/Store without exposing the side table's layout.
type VecADRef struct {
	offset int
	length int
}

// Len returns the vector's declared length.
func (ref VecADRef) Len() int { return ref.length }

// NewVecAD creates a VecAD vector initialized to init. Every element starts out a constant parameter; Store later promotes
// individual elements to variables.
func (r *Recorder) NewVecAD(init []float64) VecADRef {
	parIndices := make([]int, len(init))
	for i, v := range init {
		parIndices[i] = r.params.addConstant(v)
	}
	offset := r.vecad.create(parIndices)
	if len(r.vecadVal) < offset {
		r.vecadVal = append(r.vecadVal, make([]float64, offset-len(r.vecadVal))...)
	}
	r.vecadVal = append(r.vecadVal, init...)
	return VecADRef{offset: offset, length: len(init)}
}

// VecADLoad records a load from ref at index: LdpOp when index is a parameter (its value may still be dynamic), LdvOp when
// index is a variable.
func (r *Recorder) VecADLoad(ref VecADRef, index Value) (Value, error) {
	idx := int(index.val)
	if err := r.vecad.checkIndex(ref.offset, idx); err != nil {
		return Value{}, err
	}
	op := LdpOp
	if index.isVar {
		op = LdvOp
		if err := r.checkVar("VecADLoad", index.idx); err != nil {
			return Value{}, err
		}
	}
	v, err := r.appendOp(op, ref.offset, index.idx)
	if err != nil {
		return Value{}, err
	}
	return Value{idx: int(v), isVar: true, val: r.vecadVal[ref.offset+idx]}, nil
}

// VecADStore records a store of value into ref at index, choosing among
// StppOp/StpvOp/StvpOp/StvvOp by whether index and value are parameters
// or variables.
func (r *Recorder) VecADStore(ref VecADRef, index, value Value) error {
	idx := int(index.val)
	if err := r.vecad.checkIndex(ref.offset, idx); err != nil {
		return err
	}
	var op Opcode
	switch {
	case !index.isVar && !value.isVar:
		op = StppOp
	case !index.isVar && value.isVar:
		op = StpvOp
	case index.isVar && !value.isVar:
		op = StvpOp
	default:
		op = StvvOp
	}
	if index.isVar {
		if err := r.checkVar("VecADStore", index.idx); err != nil {
			return err
		}
	}
	if value.isVar {
		if err := r.checkVar("VecADStore", value.idx); err != nil {
			return err
		}
	}
	if _, err := r.appendOp(op, ref.offset, index.idx, value.idx); err != nil {
		return err
	}
	// t.vecad.ind is left exactly as NewVecAD created it: creation-time
	// constant indices only. Forward/Reverse reconstruct each replay's own
	// VecAD state by re-executing Stpp/Stpv/Stvp/Stvv in tape order, since
	// which slot a store touches can itself depend on the replay's runtime
	// values; r.vecadVal here only tracks values for this recording pass.
	r.vecadVal[ref.offset+idx] = value.val
	return nil
}

// Dependent nominates vals as the tape's dependent variables and seals the
// recording: non-variable dependents are promoted via ParOp (every
// dependent must have a variable index for Forward/Reverse to address),
// then EndOp is appended and the tape becomes Playable.
func (r *Recorder) Dependent(vals ...Value) (*Tape, error) {
	if err := r.checkNotSealed("Dependent"); err != nil {
		return nil, err
	}
	dep := make([]Var, len(vals))
	for i, val := range vals {
		v, err := r.Par(val)
		if err != nil {
			return nil, err
		}
		dep[i] = Var(v.idx)
	}
	r.dep = dep
	if _, err := r.appendOp(EndOp); err != nil {
		return nil, err
	}
	r.sealed = true

	return &Tape{
		op:      r.op,
		arg:     r.arg,
		params:  r.params,
		text:    r.text,
		vecad:   r.vecad,
		dep:     r.dep,
		nInd:    r.nInd,
		nVar:    r.nVar,
		atomics: r.atomics,
		cfg:     r.cfg,

		compareFirstOp: -1,
	}, nil
}

// newCallID returns a fresh identity for an atomic invocation: a random
// v4 UUID distinguishes invocations of the same registered atomic on one
// tape in diagnostics.
func newCallID() uuid.UUID { return uuid.New() }
