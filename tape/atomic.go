package tape

import (
	"sync"

	"github.com/google/uuid"
)

// ADType classifies a value flowing through an atomic call: a constant
// parameter, a dynamic parameter, or a tape variable. ForType maps
// argument classifications to result classifications so the recorder
// knows which results need a variable slot at all.
type ADType uint8

const (
	ConstantType ADType = iota
	DynamicType
	VariableType
)

// Atomic is the contract an external, user-registered function must
// satisfy to be called from a recording. Unlike the scalar opcodes, an
// atomic's argument and result counts are not fixed by its identity
// alone: Shape reports how many results a given argument count produces.
type Atomic interface {
	// Name is the identity the atomic is registered and replayed under;
	// it is the only part of an atomic call that survives serialization
	// (Tape.atomics stores names, not closures).
	Name() string

	// Shape returns the number of results (m) a call with n arguments
	// produces.
	Shape(n int) (m int)

	// ForType classifies each result given the classification of each
	// argument. A result reported ConstantType is recorded as a
	// parameter (FunrpOp) rather than allocated a variable slot.
	ForType(typeX []ADType) []ADType

	// Forward computes result Taylor coefficients for orders
	// orderLow..orderUp given argument coefficients tx (each row holding
	// orders 0..orderUp), writing into ty. needY[k] false means result
	// k's coefficients are not consumed and may be skipped.
	Forward(orderLow, orderUp int, needY []bool, tx, ty [][]float64) error

	// Reverse computes, from adjoints py of every result's coefficients
	// up to orderUp, the adjoints px of every argument's coefficients,
	// given the same tx/ty Forward produced.
	Reverse(orderUp int, tx, ty, py [][]float64) (px [][]float64, err error)

	// JacSparsity returns the atomic's own m-result by n-argument 0/1
	// dependency matrix: row k, column j set means result k depends on
	// argument j.
	JacSparsity(n, m int) [][]bool

	// HesSparsity returns, for an n-argument by m-result call, the n x n
	// sparsity pattern of the sum over results of each result's Hessian.
	HesSparsity(n, m int) [][]bool

	// RevDepend reports, given which results are needed (resultDepend,
	// length m), which arguments (length n) the call actually depends on;
	// used by the optimizer's reverse dependency pass to prune unused
	// atomic arguments.
	RevDepend(n, m int, resultDepend []bool) []bool
}

var atomicRegistry = struct {
	mu     sync.RWMutex
	byName map[string]int
	byID   []Atomic
}{byName: make(map[string]int)}

// RegisterAtomic assigns fn a process-wide, stable id under fn.Name() and
// returns it. Re-registering the same name replaces the implementation but
// keeps its id, so tapes serialized before the replacement still resolve.
func RegisterAtomic(fn Atomic) int {
	atomicRegistry.mu.Lock()
	defer atomicRegistry.mu.Unlock()
	name := fn.Name()
	if id, ok := atomicRegistry.byName[name]; ok {
		atomicRegistry.byID[id] = fn
		return id
	}
	id := len(atomicRegistry.byID)
	atomicRegistry.byName[name] = id
	atomicRegistry.byID = append(atomicRegistry.byID, fn)
	return id
}

// LookupAtomicByName returns the registered atomic and id for name.
func LookupAtomicByName(name string) (Atomic, int, bool) {
	atomicRegistry.mu.RLock()
	defer atomicRegistry.mu.RUnlock()
	id, ok := atomicRegistry.byName[name]
	if !ok {
		return nil, 0, false
	}
	return atomicRegistry.byID[id], id, true
}

// AtomicByID returns the atomic registered under id, or nil.
func AtomicByID(id int) Atomic {
	atomicRegistry.mu.RLock()
	defer atomicRegistry.mu.RUnlock()
	if id < 0 || id >= len(atomicRegistry.byID) {
		return nil
	}
	return atomicRegistry.byID[id]
}

// atomicCall records one recorded invocation of an atomic: the bracket's
// argument and result wiring. callID is retained only for diagnostics;
// replay identifies the call by its position in Tape.atomics.
type atomicCall struct {
	atomID int
	callID uuid.UUID

	argIsVar []bool
	argIdx   []int // variable index when argIsVar[i], else parameter index

	resVar []Var // result variable per output, -1 for parameter results
}

// CallAtomic records a call to the named registered atomic: one opening
// AFunOp, then one FunapOp/FunavOp marker per argument, then one
// FunrpOp/FunrvOp marker per result, then a closing AFunOp repeating the
// opening's fields so a backward or random-access scan can jump the whole
// block. Results ForType classifies as constant are recorded as
// parameters (FunrpOp); everything else gets a variable slot.
func (r *Recorder) CallAtomic(name string, args []Value) ([]Value, error) {
	if err := r.checkNotSealed("CallAtomic"); err != nil {
		return nil, err
	}
	fn, atomID, ok := LookupAtomicByName(name)
	if !ok {
		return nil, newError(RecordingInvariant, "CallAtomic", r.nextOpIndex(),
			"no atomic registered as %q", name)
	}
	n := len(args)
	m := fn.Shape(n)

	typeX := make([]ADType, n)
	for i, a := range args {
		switch {
		case a.isVar:
			typeX[i] = VariableType
		case r.params.dynIs[a.idx]:
			typeX[i] = DynamicType
		default:
			typeX[i] = ConstantType
		}
	}
	typeY := fn.ForType(typeX)

	call := atomicCall{
		atomID:   atomID,
		callID:   newCallID(),
		argIsVar: make([]bool, n),
		argIdx:   make([]int, n),
		resVar:   make([]Var, m),
	}
	callIndex := len(r.atomics)
	r.atomics = append(r.atomics, call)

	if _, err := r.appendOp(AFunOp, atomID, callIndex, n, m); err != nil {
		return nil, err
	}
	for i, a := range args {
		if a.isVar {
			if err := r.checkVar("CallAtomic", a.idx); err != nil {
				return nil, err
			}
			r.atomics[callIndex].argIsVar[i] = true
			r.atomics[callIndex].argIdx[i] = a.idx
			if _, err := r.appendOp(FunavOp, a.idx); err != nil {
				return nil, err
			}
		} else {
			r.atomics[callIndex].argIdx[i] = a.idx
			if _, err := r.appendOp(FunapOp, a.idx); err != nil {
				return nil, err
			}
		}
	}

	tx := make([][]float64, n)
	for i, a := range args {
		tx[i] = []float64{a.val}
	}
	ty := make([][]float64, m)
	needY := make([]bool, m)
	for k := range ty {
		ty[k] = []float64{0}
		needY[k] = true
	}
	if err := fn.Forward(0, 0, needY, tx, ty); err != nil {
		return nil, newError(AtomicFailure, "CallAtomic", r.nextOpIndex(), "%s: %v", name, err)
	}

	results := make([]Value, m)
	for k := 0; k < m; k++ {
		if typeY[k] == ConstantType {
			parIdx := r.params.addConstant(ty[k][0])
			r.atomics[callIndex].resVar[k] = -1
			if _, err := r.appendOp(FunrpOp, parIdx); err != nil {
				return nil, err
			}
			results[k] = Value{idx: parIdx, isVar: false, val: ty[k][0]}
			continue
		}
		v, err := r.appendOp(FunrvOp, k)
		if err != nil {
			return nil, err
		}
		r.atomics[callIndex].resVar[k] = v
		results[k] = Value{idx: int(v), isVar: true, val: ty[k][0]}
	}
	if _, err := r.appendOp(AFunOp, atomID, callIndex, n, m); err != nil {
		return nil, err
	}
	return results, nil
}
