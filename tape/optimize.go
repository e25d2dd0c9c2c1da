package tape

import (
	"math"

	"github.com/dolthub/swiss"

	"github.com/dtolpin/cppad-go/internal/logging"
)

// nanParam is the diagnostic placeholder stored when an atomic's argument
// or result is dropped as unreachable from the optimized tape's
// dependents: an atomic that still reads the dropped slot then computes
// on NaN and fails loudly instead of silently using a stale value.
var nanParam = math.NaN()

// OptimizeFlags toggles individual optimizer passes, so callers can
// isolate which rewrite a regression came from, or skip a pass whose
// overhead isn't worth it for a tape replayed only once.
type OptimizeFlags struct {
	NoCompareOp       bool // drop recorded comparisons instead of carrying them over
	NoConditionalSkip bool // don't insert CSkipOp guards (pass 4)
	NoCumulativeSum   bool // don't fuse addend/subtrahend chains into CSumOp (pass 3)
}

// Optimize returns a new tape computing the same dependents, built from t
// by four passes:
//
//  1. reverse dependency marking: find every opcode whose result can reach
//     a dependent, dropping the rest;
//  2. forward rewrite with common-subexpression elimination: re-emit the
//     live opcodes in a fresh, densely-numbered variable space, folding
//     together syntactically identical operations;
//  3. cumulative-sum fusion: collapse chains of Add/Sub/Neg results used
//     exactly once into a single CSumOp, combining their parameter
//     contributions into one net offset;
//  4. conditional-skip insertion: as early as each surviving CExpOp's
//     condition operands allow, emit a CSkipOp naming the opcodes that
//     exclusively compute its branches, so replay elides the not-taken
//     side.
//
// t itself is never modified; the new tape owns a copy of the parameter
// table. The produced tape is re-validated before being returned, and a
// violation is reported as OptimizerConsistency.
func (t *Tape) Optimize(flags OptimizeFlags) (*Tape, error) {
	live := t.markLive()
	ops := NewPlayer(t).collectAll()

	b := newOptBuilder(t)
	remap := make([]Var, t.nVar)
	cse := swiss.NewMap[string, Var](0)

	for k := 0; k < len(ops); k++ {
		rec := ops[k]
		switch rec.op {
		case BeginOp:
			remap[rec.res] = 0
			continue
		case EndOp:
			continue
		case CSkipOp:
			// a stale guard's operator indices are meaningless in the
			// rewritten stream; pass 4 regenerates fresh ones
			continue
		case PripOp, PrivOp:
			// replay-time printing is dropped rather than threading its
			// text offsets through the renumbering passes
			continue
		case AFunOp:
			n, m := rec.args[2], rec.args[3]
			if !anyResultLive(ops, k, n, m, live) {
				k += n + m + 1
				continue
			}
			k = b.emitAtomic(ops, k, remap, live)
			continue
		}
		// independents stay even when dead: the domain's dimension is
		// part of the tape's identity
		if rec.op != InvOp && rec.op.NRes() > 0 && !live[rec.res] {
			continue
		}
		if rec.op == ComOp && flags.NoCompareOp {
			continue
		}
		b.rewriteOne(rec, remap, cse)
	}
	b.append(EndOp)

	dep := make([]Var, len(t.dep))
	for i, d := range t.dep {
		dep[i] = remap[d]
	}

	if !flags.NoCumulativeSum {
		varMap := b.fuseCumulativeSum(dep)
		for i := range dep {
			dep[i] = varMap[dep[i]]
		}
		for ci := range b.atomics {
			call := &b.atomics[ci]
			for i, isVar := range call.argIsVar {
				if isVar {
					call.argIdx[i] = int(varMap[call.argIdx[i]])
				}
			}
			for j, rv := range call.resVar {
				if rv >= 0 {
					call.resVar[j] = varMap[rv]
				}
			}
		}
	}
	if !flags.NoConditionalSkip {
		b.insertConditionalSkips(dep)
	}

	nt := &Tape{
		op:      b.op,
		arg:     b.arg,
		params:  b.params,
		text:    nil,
		vecad:   t.vecad,
		dep:     dep,
		nInd:    t.nInd,
		nVar:    b.nVar,
		atomics: b.atomics,
		cfg:     t.cfg,

		compareFirstOp: -1,
	}
	if err := nt.validate("Optimize"); err != nil {
		return nil, err
	}
	return nt, nil
}

// anyResultLive reports whether any variable result of the atomic bracket
// opening at ops[k] is live.
func anyResultLive(ops []playerRecord, k, n, m int, live []bool) bool {
	for j := 0; j < m; j++ {
		rec := ops[k+1+n+j]
		if rec.op == FunrvOp && live[rec.res] {
			return true
		}
	}
	return false
}

// markLive computes, for every variable, whether some opcode using it as
// an operand can transitively reach a dependent. It mirrors
// RevJacSparsity's dependency=true traversal without the sparsity-pattern
// bookkeeping: the optimizer only needs yes/no liveness.
func (t *Tape) markLive() []bool {
	live := make([]bool, t.nVar)
	for _, d := range t.dep {
		live[d] = true
	}
	ops := NewPlayer(t).collectAll()
	for k := len(ops) - 1; k >= 0; k-- {
		rec := ops[k]
		if rec.op == AFunOp {
			// closing marker reached first on a backward walk
			n, m := rec.args[2], rec.args[3]
			kOpen := k - (n + m + 1)
			b, err := decodeAtomicBracket(t, ops, kOpen)
			if err == nil {
				anyResLive := false
				for _, rv := range b.resVar {
					if rv >= 0 && live[rv] {
						anyResLive = true
						break
					}
				}
				if anyResLive {
					for _, av := range b.argVar {
						if av >= 0 {
							live[av] = true
						}
					}
				}
			}
			k = kOpen
			continue
		}
		if rec.op.NRes() > 0 && !live[rec.res] {
			continue
		}
		switch rec.op {
		case BeginOp, EndOp, InvOp, ParOp, PripOp, PrivOp,
			StppOp, FunapOp, FunrpOp, FunavOp, FunrvOp, CSkipOp:
		case StpvOp:
			// stores are always kept, so whatever they read stays live
			live[rec.args[2]] = true
		case StvpOp:
			live[rec.args[1]] = true
		case StvvOp:
			live[rec.args[1]] = true
			live[rec.args[2]] = true
		case ComOp:
			mask := CExpMask(rec.args[1])
			if mask&MaskLeft != 0 {
				live[rec.args[2]] = true
			}
			if mask&MaskRight != 0 {
				live[rec.args[3]] = true
			}
		case DisOp:
			live[rec.args[1]] = true
		case CSumOp:
			for _, a := range decodeCSumAddends(t, rec.args) {
				live[a] = true
			}
		case CExpOp:
			mask := CExpMask(rec.args[1])
			if mask&MaskLeft != 0 {
				live[rec.args[2]] = true
			}
			if mask&MaskRight != 0 {
				live[rec.args[3]] = true
			}
			if mask&MaskTrue != 0 {
				live[rec.args[4]] = true
			}
			if mask&MaskFalse != 0 {
				live[rec.args[5]] = true
			}
		case LdpOp, LdvOp:
			if rec.op == LdvOp {
				live[rec.args[1]] = true
			}
			for _, v := range t.vecadStoredVars(rec.args[0]) {
				live[v] = true
			}
		default:
			for _, slot := range variableArgSlots(rec.op) {
				live[rec.args[slot]] = true
			}
		}
	}
	return live
}

// optBuilder accumulates the rewritten tape's opcode/argument streams.
type optBuilder struct {
	op  []Opcode
	arg []int

	// params is the optimized tape's own copy of the source parameter
	// table; cumulative-sum fusion and dead-atomic substitution grow it
	// without touching the source tape.
	params *paramTable

	atomics []atomicCall
	nVar    int
}

func newOptBuilder(t *Tape) *optBuilder {
	b := &optBuilder{nVar: 1, params: t.params.clone()}
	b.op = append(b.op, BeginOp)
	return b
}

func (b *optBuilder) append(op Opcode, args ...int) Var {
	b.op = append(b.op, op)
	b.arg = append(b.arg, args...)
	res := Var(b.nVar)
	if nRes := op.NRes(); nRes > 0 {
		res = Var(b.nVar + nRes - 1)
		b.nVar += nRes
	}
	return res
}

// canonicalKey produces a CSE key for a fixed-arity, pure opcode given its
// already-remapped argument list; two occurrences with the same key always
// compute the same value, so the second can reuse the first's result.
// Commutative opcodes normalize operand order so x+y and y+x collide.
// Parameter operands are keyed by index, which for constants is the same
// as keying by value (the recorder deduplicates constants on value).
func canonicalKey(op Opcode, args []int) string {
	a := append([]int(nil), args...)
	if op.commutative() && len(a) == 2 && a[0] > a[1] {
		a[0], a[1] = a[1], a[0]
	}
	key := make([]byte, 0, 1+4*len(a))
	key = append(key, byte(op))
	for _, v := range a {
		key = append(key, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	}
	return string(key)
}

// rewriteOne remaps rec's argument variables through remap, applies CSE for
// opcodes where it's safe (deterministic, fixed-arity, no side effects),
// and records the new result in remap.
func (b *optBuilder) rewriteOne(rec playerRecord, remap []Var, cse *swiss.Map[string, Var]) {
	args := append([]int(nil), rec.args...)
	switch rec.op {
	case InvOp:
		remap[rec.res] = b.append(InvOp)
		return
	case DisOp:
		args[1] = int(remap[rec.args[1]])
		remap[rec.res] = b.append(DisOp, args...)
		return
	case ParOp:
		remap[rec.res] = b.append(ParOp, args[0])
		return
	case ComOp:
		mask := CExpMask(args[1])
		if mask&MaskLeft != 0 {
			args[2] = int(remap[args[2]])
		}
		if mask&MaskRight != 0 {
			args[3] = int(remap[args[3]])
		}
		b.append(ComOp, args...)
		return
	case CExpOp:
		mask := CExpMask(args[1])
		if mask&MaskLeft != 0 {
			args[2] = int(remap[args[2]])
		}
		if mask&MaskRight != 0 {
			args[3] = int(remap[args[3]])
		}
		if mask&MaskTrue != 0 {
			args[4] = int(remap[args[4]])
		}
		if mask&MaskFalse != 0 {
			args[5] = int(remap[args[5]])
		}
		remap[rec.res] = b.append(CExpOp, args...)
		return
	case LdpOp, LdvOp:
		if rec.op == LdvOp {
			args[1] = int(remap[args[1]])
		}
		remap[rec.res] = b.append(rec.op, args...)
		return
	case StppOp, StpvOp, StvpOp, StvvOp:
		if rec.op == StvpOp || rec.op == StvvOp {
			args[1] = int(remap[args[1]])
		}
		if rec.op == StpvOp || rec.op == StvvOp {
			args[2] = int(remap[args[2]])
		}
		b.append(rec.op, args...)
		return
	case CSumOp:
		parIndex, add, sub := csumAddends(args)
		newAdd := make([]int, len(add))
		for i := range add {
			newAdd[i] = int(remap[add[i]])
		}
		newSub := make([]int, len(sub))
		for i := range sub {
			newSub[i] = int(remap[sub[i]])
		}
		remap[rec.res] = b.append(CSumOp, csumArgs(parIndex, newAdd, newSub)...)
		return
	}

	for _, slot := range variableArgSlots(rec.op) {
		args[slot] = int(remap[args[slot]])
	}
	key := canonicalKey(rec.op, args)
	if existing, ok := cse.Get(key); ok {
		remap[rec.res] = existing
		return
	}
	res := b.append(rec.op, args...)
	remap[rec.res] = res
	cse.Put(key, res)
}

// emitAtomic re-emits an AFunOp bracket with its variable arguments
// remapped and a fresh atomicCall entry, mirroring (*Recorder).CallAtomic.
// Returns the player index of the closing AFunOp. A variable result not
// reached by any live dependent is demoted to FunrpOp carrying the NaN
// parameter; an argument the atomic's RevDepend reports as unreachable
// from the still-live results is replaced by FunapOp with the same NaN.
// The atomic call itself is never reordered or duplicated, only its
// bracket's liveness-dependent framing.
func (b *optBuilder) emitAtomic(ops []playerRecord, k int, remap []Var, live []bool) int {
	rec := ops[k]
	atomID, n, m := rec.args[0], rec.args[2], rec.args[3]
	atom := AtomicByID(atomID)

	resultDepend := make([]bool, m)
	for j := 0; j < m; j++ {
		r := ops[k+1+n+j]
		resultDepend[j] = r.op == FunrvOp && live[r.res]
	}
	var argDepend []bool
	if atom != nil {
		argDepend = atom.RevDepend(n, m, resultDepend)
	}

	call := atomicCall{atomID: atomID, argIsVar: make([]bool, n), argIdx: make([]int, n), resVar: make([]Var, m)}
	callIndex := len(b.atomics)
	b.atomics = append(b.atomics, call)
	b.append(AFunOp, atomID, callIndex, n, m)
	for i := 0; i < n; i++ {
		a := ops[k+1+i]
		dead := argDepend != nil && !argDepend[i]
		if a.op == FunavOp && !dead {
			v := remap[a.args[0]]
			b.atomics[callIndex].argIsVar[i] = true
			b.atomics[callIndex].argIdx[i] = int(v)
			b.append(FunavOp, int(v))
			continue
		}
		parIdx := a.args[0]
		if a.op == FunavOp && dead {
			parIdx = b.params.addConstant(nanParam)
			logging.Warn("optimize: atomic id %d call %d argument %d is dead, replaced with NaN", atomID, callIndex, i)
		}
		b.atomics[callIndex].argIdx[i] = parIdx
		b.append(FunapOp, parIdx)
	}
	for j := 0; j < m; j++ {
		r := ops[k+1+n+j]
		if r.op == FunrvOp && resultDepend[j] {
			res := b.append(FunrvOp, j)
			b.atomics[callIndex].resVar[j] = res
			remap[r.res] = res
			continue
		}
		parIdx := r.args[0]
		if r.op == FunrvOp {
			parIdx = b.params.addConstant(nanParam)
			logging.Warn("optimize: atomic id %d call %d result %d is dead, demoted to parameter", atomID, callIndex, j)
		}
		b.atomics[callIndex].resVar[j] = -1
		b.append(FunrpOp, parIdx)
	}
	b.append(AFunOp, atomID, callIndex, n, m)
	return k + n + m + 1
}
