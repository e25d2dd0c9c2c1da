package tape

import (
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slices"
)

// Pattern is a sparsity pattern over nRow rows and nCol columns, kept as a
// tagged union of two representations: a dense boolean-vector matrix
// (fastest for dense patterns) and a vector of ordered index sets
// (fastest for highly sparse patterns). Sweeps accept either.
type Pattern struct {
	nRow, nCol int
	dense      bool
	bits       []bool                      // dense: nRow*nCol, row-major
	sets       []*swiss.Map[int, struct{}] // sparse: one set per row
}

// NewBoolPattern returns an nRow x nCol all-clear boolean-vector pattern.
func NewBoolPattern(nRow, nCol int) *Pattern {
	return &Pattern{nRow: nRow, nCol: nCol, dense: true, bits: make([]bool, nRow*nCol)}
}

// NewSetPattern returns an nRow x nCol all-clear vector-of-sets pattern.
func NewSetPattern(nRow, nCol int) *Pattern {
	p := &Pattern{nRow: nRow, nCol: nCol, dense: false, sets: make([]*swiss.Map[int, struct{}], nRow)}
	for i := range p.sets {
		p.sets[i] = swiss.NewMap[int, struct{}](0)
	}
	return p
}

func (p *Pattern) checkShape(op string, nRow, nCol int) error {
	if p.nRow != nRow || p.nCol != nCol {
		return newError(SparsityShapeMismatch, op, -1,
			"pattern is %dx%d, want %dx%d", p.nRow, p.nCol, nRow, nCol)
	}
	return nil
}

// Set marks column j of row i.
func (p *Pattern) Set(i, j int) {
	if p.dense {
		p.bits[i*p.nCol+j] = true
		return
	}
	p.sets[i].Put(j, struct{}{})
}

// Has reports whether column j of row i is marked.
func (p *Pattern) Has(i, j int) bool {
	if p.dense {
		return p.bits[i*p.nCol+j]
	}
	_, ok := p.sets[i].Get(j)
	return ok
}

// Row returns the sorted column indices marked in row i.
func (p *Pattern) Row(i int) []int {
	var cols []int
	if p.dense {
		base := i * p.nCol
		for j := 0; j < p.nCol; j++ {
			if p.bits[base+j] {
				cols = append(cols, j)
			}
		}
		return cols
	}
	p.sets[i].Iter(func(j int, _ struct{}) bool {
		cols = append(cols, j)
		return true
	})
	slices.Sort(cols)
	return cols
}

// NRow/NCol report the pattern's shape.
func (p *Pattern) NRow() int { return p.nRow }
func (p *Pattern) NCol() int { return p.nCol }

// UnionRowInto unions row src (of p) into row dst (of q); p and q must
// share a column count.
func UnionRowInto(q *Pattern, dst int, p *Pattern, src int) {
	for _, j := range p.Row(src) {
		q.Set(dst, j)
	}
}

// CopyRow overwrites row dst of q with row src of p.
func CopyRow(q *Pattern, dst int, p *Pattern, src int) {
	cols := p.Row(src)
	if q.dense {
		base := dst * q.nCol
		for j := 0; j < q.nCol; j++ {
			q.bits[base+j] = false
		}
	} else {
		q.sets[dst] = swiss.NewMap[int, struct{}](0)
	}
	for _, j := range cols {
		q.Set(dst, j)
	}
}

// IsEmptyRow reports whether row i has no marked columns.
func (p *Pattern) IsEmptyRow(i int) bool {
	if p.dense {
		base := i * p.nCol
		for j := 0; j < p.nCol; j++ {
			if p.bits[base+j] {
				return false
			}
		}
		return true
	}
	return p.sets[i].Count() == 0
}

// variableArgSlots returns, for a fixed-arity opcode, which positions in
// its argument slice address a variable (as opposed to a parameter index,
// a function id, or a text offset). CExpOp/ComOp are mask-dependent and
// handled by their callers directly; CSumOp/CSkipOp/the AFunOp bracket are
// variable-arity and also handled directly.
func variableArgSlots(op Opcode) []int {
	switch op {
	case AddVV, SubVV, MulVV, DivVV, ZmulVV, PowVV:
		return []int{0, 1}
	case AddPV, MulPV, DivPV, ZmulPV, PowPV, SubPV:
		return []int{1}
	case SubVP, DivVP, ZmulVP, PowVP:
		return []int{0}
	case Neg, Abs, Sqrt, Exp, Expm1, Log, Log1p, Sign,
		Sin, Cos, Sinh, Cosh, Tan, Tanh, Asin, Acos, Atan, Erf, Erfc:
		return []int{0}
	case DisOp:
		return []int{1}
	default:
		return nil
	}
}

// vecadStoredVars returns every variable index ever stored, by StpvOp or
// StvvOp, as the value at any slot of the VecAD vector created at offset.
// This is a conservative over-approximation of what a load from that
// vector could alias at replay time: the store's runtime index is not
// replayed here, so the whole vector is treated as one aggregate.
func (t *Tape) vecadStoredVars(offset int) []int {
	var out []int
	p := NewPlayer(t)
	for p.Next() {
		switch p.Op() {
		case StpvOp, StvvOp:
			args := p.Args()
			if args[0] == offset {
				out = append(out, args[2])
			}
		}
	}
	return out
}

func unionVecADAggregate(t *Tape, varPat *Pattern, res int, offset int) {
	for _, v := range t.vecadStoredVars(offset) {
		UnionRowInto(varPat, res, varPat, v)
	}
}

// atomicBracket is the decoded form of one AFunOp...AFunOp block, read
// off a materialized opcode slice with k at the opening marker.
type atomicBracket struct {
	n, m   int
	argVar []int // variable index per argument, -1 if parameter
	resVar []int // result variable per output, -1 for parameter results
	jac    [][]bool // m x n, from the atomic's JacSparsity
}

func decodeAtomicBracket(t *Tape, ops []playerRecord, k int) (*atomicBracket, error) {
	args := ops[k].args
	atomID, n, m := args[0], args[2], args[3]
	atom := AtomicByID(atomID)
	if atom == nil {
		return nil, newError(AtomicFailure, "sparsity", k, "no atomic registered with id %d", atomID)
	}
	b := &atomicBracket{n: n, m: m, argVar: make([]int, n), resVar: make([]int, m)}
	for i := 0; i < n; i++ {
		rec := ops[k+1+i]
		if rec.op == FunavOp {
			b.argVar[i] = rec.args[0]
		} else {
			b.argVar[i] = -1
		}
	}
	for j := 0; j < m; j++ {
		rec := ops[k+1+n+j]
		if rec.op == FunrvOp {
			b.resVar[j] = int(rec.res)
		} else {
			b.resVar[j] = -1
		}
	}
	b.jac = atom.JacSparsity(n, m)
	return b, nil
}

// ForJacSparsity propagates Jacobian sparsity of the independents forward
// to every variable and returns the dependents' rows: each opcode's
// result sparsity is the union of its variable-operand sparsities, Dis
// contributes nothing, VecAD loads union everything ever stored into
// their vector, and atomic calls delegate to the atomic's own JacSparsity
// callback.
func (t *Tape) ForJacSparsity(in *Pattern) (*Pattern, error) {
	varPat, err := t.forwardVarPattern(in)
	if err != nil {
		return nil, err
	}
	out := NewSetPattern(len(t.dep), in.nCol)
	for i, d := range t.dep {
		CopyRow(out, i, varPat, int(d))
	}
	return out, nil
}

// forwardVarPattern is ForJacSparsity before trimming to the dependents:
// the full per-variable forward Jacobian sparsity pattern, also used by
// RevHesSparsity to find which independent directions reach a nonlinear
// opcode's operands.
func (t *Tape) forwardVarPattern(in *Pattern) (*Pattern, error) {
	if err := in.checkShape("ForJacSparsity", t.nInd, in.nCol); err != nil {
		return nil, err
	}
	nCol := in.nCol
	varPat := NewSetPattern(t.nVar, nCol)

	p := NewPlayer(t)
	indSeen := 0
	for p.Next() {
		op, res, args := p.Op(), p.Res(), p.Args()
		switch op {
		case BeginOp, EndOp, ParOp, ComOp, PripOp, PrivOp,
			StppOp, StpvOp, StvpOp, StvvOp, FunapOp, FunrpOp, FunavOp, FunrvOp, CSkipOp:
			// no variable-result sparsity contribution
		case InvOp:
			CopyRow(varPat, int(res), in, indSeen)
			indSeen++
		case DisOp:
			// a discrete function's derivative is identically zero
		case CSumOp:
			for _, a := range decodeCSumAddends(t, args) {
				UnionRowInto(varPat, int(res), varPat, a)
			}
		case CExpOp:
			mask := CExpMask(args[1])
			if mask&MaskTrue != 0 {
				UnionRowInto(varPat, int(res), varPat, args[4])
			}
			if mask&MaskFalse != 0 {
				UnionRowInto(varPat, int(res), varPat, args[5])
			}
		case LdpOp, LdvOp:
			unionVecADAggregate(t, varPat, int(res), args[0])
		case AFunOp:
			n, m := args[2], args[3]
			ops := []playerRecord{{op: op, res: res, args: append([]int(nil), args...)}}
			for i := 0; i < n+m+1; i++ {
				if !p.Next() {
					break
				}
				ops = append(ops, playerRecord{op: p.Op(), res: p.Res(), args: append([]int(nil), p.Args()...)})
			}
			b, err := decodeAtomicBracket(t, ops, 0)
			if err != nil {
				return nil, err
			}
			for k := 0; k < b.m; k++ {
				if b.resVar[k] < 0 {
					continue
				}
				for j := 0; j < b.n; j++ {
					if b.jac[k][j] && b.argVar[j] >= 0 {
						UnionRowInto(varPat, b.resVar[k], varPat, b.argVar[j])
					}
				}
			}
		default:
			for _, slot := range variableArgSlots(op) {
				UnionRowInto(varPat, int(res), varPat, args[slot])
			}
		}
	}

	return varPat, nil
}

// RevJacSparsity propagates Jacobian sparsity backward from the
// dependents to every variable and returns the independents' rows.
// dependency, when true, makes CExp and Dis contribute condition/argument
// edges in addition to derivative edges, which is what the optimizer's
// reverse dependency pass needs.
func (t *Tape) RevJacSparsity(out *Pattern, dependency bool) (*Pattern, error) {
	if err := out.checkShape("RevJacSparsity", len(t.dep), out.nCol); err != nil {
		return nil, err
	}
	nCol := out.nCol
	varPat := NewSetPattern(t.nVar, nCol)
	for i, d := range t.dep {
		UnionRowInto(varPat, int(d), out, i)
	}

	ops := NewPlayer(t).collectAll()
	for k := len(ops) - 1; k >= 0; k-- {
		rec := ops[k]
		switch rec.op {
		case BeginOp, EndOp, InvOp, ParOp, ComOp, PripOp, PrivOp,
			StppOp, StpvOp, StvpOp, StvvOp, FunapOp, FunrpOp, FunavOp, FunrvOp, CSkipOp:
			// no variable-operand contribution
		case DisOp:
			if dependency {
				UnionRowInto(varPat, rec.args[1], varPat, int(rec.res))
			}
		case CSumOp:
			for _, a := range decodeCSumAddends(t, rec.args) {
				UnionRowInto(varPat, a, varPat, int(rec.res))
			}
		case CExpOp:
			mask := CExpMask(rec.args[1])
			if mask&MaskTrue != 0 {
				UnionRowInto(varPat, rec.args[4], varPat, int(rec.res))
			}
			if mask&MaskFalse != 0 {
				UnionRowInto(varPat, rec.args[5], varPat, int(rec.res))
			}
			if dependency {
				if mask&MaskLeft != 0 {
					UnionRowInto(varPat, rec.args[2], varPat, int(rec.res))
				}
				if mask&MaskRight != 0 {
					UnionRowInto(varPat, rec.args[3], varPat, int(rec.res))
				}
			}
		case LdpOp, LdvOp:
			for _, v := range t.vecadStoredVars(rec.args[0]) {
				UnionRowInto(varPat, v, varPat, int(rec.res))
			}
		case AFunOp:
			// walking backward, this is the closing marker: decode from
			// the opening one and jump the whole block
			n, m := rec.args[2], rec.args[3]
			kOpen := k - (n + m + 1)
			b, err := decodeAtomicBracket(t, ops, kOpen)
			if err != nil {
				return nil, err
			}
			for j := 0; j < b.n; j++ {
				if b.argVar[j] < 0 {
					continue
				}
				for kk := 0; kk < b.m; kk++ {
					if b.jac[kk][j] && b.resVar[kk] >= 0 {
						UnionRowInto(varPat, b.argVar[j], varPat, b.resVar[kk])
					}
				}
			}
			k = kOpen
		default:
			for _, slot := range variableArgSlots(rec.op) {
				UnionRowInto(varPat, rec.args[slot], varPat, int(rec.res))
			}
		}
	}

	in := NewSetPattern(t.nInd, nCol)
	indSeen := 0
	for _, rec := range ops {
		if rec.op == InvOp {
			CopyRow(in, indSeen, varPat, int(rec.res))
			indSeen++
		}
	}
	return in, nil
}

// nonlinearOperandPair reports, for one opcode, the pair of forward-
// sparsity rows whose cross terms contribute to the Hessian, and whether
// the opcode is nonlinear in its operand(s) at all (a linear opcode -
// AddVV, SubVV, a parameter-scaled multiply - contributes nothing to the
// Hessian). a == b when the opcode is nonlinear in a single operand
// against itself (e.g. Sqrt, Log).
func nonlinearOperandPair(rec playerRecord) (a, b int, nonlinear bool) {
	switch rec.op {
	case MulVV, DivVV, ZmulVV, PowVV:
		return rec.args[0], rec.args[1], true
	case DivPV, DivVP, ZmulPV, ZmulVP, PowPV, PowVP:
		slots := variableArgSlots(rec.op)
		return rec.args[slots[0]], rec.args[slots[0]], true
	case Sqrt, Exp, Expm1, Log, Log1p, Tan, Tanh, Asin, Acos, Atan, Erf, Erfc,
		Sin, Cos, Sinh, Cosh:
		return rec.args[0], rec.args[0], true
	default:
		return 0, 0, false
	}
}

// RevHesSparsity returns, for the selected dependents (weight), the
// nCol x nCol Hessian sparsity of sum_k weight[k]*y_k with respect to the
// nCol directions forJacIn's columns represent. It is a row/column-
// symmetric pattern: entry (i, j) set means some nonlinear opcode
// reachable from a selected dependent combines a variable reached by
// direction i with one reached by direction j.
func (t *Tape) RevHesSparsity(forJacIn *Pattern, weight []bool) (*Pattern, error) {
	if len(weight) != len(t.dep) {
		return nil, newError(SparsityShapeMismatch, "RevHesSparsity", -1,
			"weight has %d entries, want %d", len(weight), len(t.dep))
	}
	varJac, err := t.forwardVarPattern(forJacIn)
	if err != nil {
		return nil, err
	}
	nCol := forJacIn.nCol

	ops := NewPlayer(t).collectAll()
	reach := make([]bool, t.nVar)
	for i, d := range t.dep {
		if weight[i] {
			reach[d] = true
		}
	}
	for k := len(ops) - 1; k >= 0; k-- {
		rec := ops[k]
		if rec.op == AFunOp {
			n, m := rec.args[2], rec.args[3]
			kOpen := k - (n + m + 1)
			b, err := decodeAtomicBracket(t, ops, kOpen)
			if err != nil {
				return nil, err
			}
			anyReach := false
			for _, rv := range b.resVar {
				if rv >= 0 && reach[rv] {
					anyReach = true
					break
				}
			}
			if anyReach {
				for _, av := range b.argVar {
					if av >= 0 {
						reach[av] = true
					}
				}
			}
			k = kOpen
			continue
		}
		if rec.op.NRes() == 0 || !reach[rec.res] {
			continue
		}
		switch rec.op {
		case CSumOp:
			for _, a := range decodeCSumAddends(t, rec.args) {
				reach[a] = true
			}
		case CExpOp:
			mask := CExpMask(rec.args[1])
			if mask&MaskTrue != 0 {
				reach[rec.args[4]] = true
			}
			if mask&MaskFalse != 0 {
				reach[rec.args[5]] = true
			}
		case LdpOp, LdvOp:
			for _, v := range t.vecadStoredVars(rec.args[0]) {
				reach[v] = true
			}
		default:
			for _, slot := range variableArgSlots(rec.op) {
				reach[rec.args[slot]] = true
			}
		}
	}

	out := NewSetPattern(nCol, nCol)
	for k := 0; k < len(ops); k++ {
		rec := ops[k]
		if rec.op == AFunOp {
			n, m := rec.args[2], rec.args[3]
			b, err := decodeAtomicBracket(t, ops, k)
			if err != nil {
				return nil, err
			}
			anyReach := false
			for _, rv := range b.resVar {
				if rv >= 0 && reach[rv] {
					anyReach = true
					break
				}
			}
			if anyReach {
				hes := AtomicByID(rec.args[0]).HesSparsity(b.n, b.m)
				for i := 0; i < b.n; i++ {
					for j := 0; j < b.n; j++ {
						if !hes[i][j] || b.argVar[i] < 0 || b.argVar[j] < 0 {
							continue
						}
						for _, ri := range varJac.Row(b.argVar[i]) {
							for _, rj := range varJac.Row(b.argVar[j]) {
								out.Set(ri, rj)
								out.Set(rj, ri)
							}
						}
					}
				}
			}
			k += n + m + 1
			continue
		}
		if rec.op.NRes() == 0 || !reach[rec.res] {
			continue
		}
		a, b, nonlinear := nonlinearOperandPair(rec)
		if !nonlinear {
			continue
		}
		rowsA, rowsB := varJac.Row(a), varJac.Row(b)
		for _, i := range rowsA {
			for _, j := range rowsB {
				out.Set(i, j)
				out.Set(j, i)
			}
		}
	}
	return out, nil
}
