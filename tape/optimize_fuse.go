package tape

// optItem is one decoded opcode from an optBuilder's in-progress stream,
// used by the cumulative-sum and conditional-skip passes, which both need
// to walk the rewritten stream more than once.
type optItem struct {
	index int
	op    Opcode
	res   Var
	args  []int
}

// gatherItems decodes a flat (op, arg) stream into optItems, resolving
// the variable-length opcodes from their own length prefixes.
func gatherItems(op []Opcode, arg []int) []optItem {
	items := make([]optItem, 0, len(op))
	argOffset := 0
	varCount := 0
	for i, o := range op {
		n := o.NArg()
		switch o {
		case CSumOp:
			nAdd, nSub := arg[argOffset], arg[argOffset+1]
			n = 4 + nAdd + nSub
		case CSkipOp:
			nTrue, nFalse := arg[argOffset+4], arg[argOffset+5]
			n = 7 + nTrue + nFalse
		}
		args := arg[argOffset : argOffset+n]
		argOffset += n
		var res Var
		if nRes := o.NRes(); nRes > 0 {
			res = Var(varCount + nRes - 1)
		} else {
			res = Var(varCount)
		}
		items = append(items, optItem{index: i, op: o, res: res, args: args})
		varCount += o.NRes()
	}
	return items
}

// opVariableOperands returns the variable indices op reads, given its
// (already current) argument slice.
func opVariableOperands(op Opcode, args []int) []int {
	switch op {
	case ComOp:
		mask := CExpMask(args[1])
		var out []int
		if mask&MaskLeft != 0 {
			out = append(out, args[2])
		}
		if mask&MaskRight != 0 {
			out = append(out, args[3])
		}
		return out
	case CExpOp:
		mask := CExpMask(args[1])
		var out []int
		if mask&MaskLeft != 0 {
			out = append(out, args[2])
		}
		if mask&MaskRight != 0 {
			out = append(out, args[3])
		}
		if mask&MaskTrue != 0 {
			out = append(out, args[4])
		}
		if mask&MaskFalse != 0 {
			out = append(out, args[5])
		}
		return out
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
	case CSumOp:
		_, add, sub := csumAddends(args)
		out := make([]int, 0, len(add)+len(sub))
		out = append(out, add...)
		out = append(out, sub...)
		return out
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
	case AFunOp, FunapOp, FunrpOp, FunrvOp,
		BeginOp, EndOp, InvOp, ParOp, LdpOp, StppOp, PripOp, PrivOp:
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

// computeUseCount counts, per variable, how many opcode operands read it;
// extraUses (the dependent list) counts as a use so a dependent's
// producer is never absorbed away.
func computeUseCount(nVar int, items []optItem, extraUses []Var) []int {
	use := make([]int, nVar)
	for _, it := range items {
		for _, v := range opVariableOperands(it.op, it.args) {
			use[v]++
		}
	}
	for _, d := range extraUses {
		use[d]++
	}
	return use
}

// remapItemArgs rewrites every variable operand of it through varMap,
// returning a fresh argument slice.
func remapItemArgs(it optItem, varMap []Var) []int {
	args := append([]int(nil), it.args...)
	switch it.op {
	case ComOp, CExpOp, CSkipOp:
		mask := CExpMask(args[1])
		if mask&MaskLeft != 0 {
			args[2] = int(varMap[args[2]])
		}
		if mask&MaskRight != 0 {
			args[3] = int(varMap[args[3]])
		}
		if it.op == CExpOp {
			if mask&MaskTrue != 0 {
				args[4] = int(varMap[args[4]])
			}
			if mask&MaskFalse != 0 {
				args[5] = int(varMap[args[5]])
			}
		}
	case CSumOp:
		parIndex, add, sub := csumAddends(args)
		newAdd := make([]int, len(add))
		for i := range add {
			newAdd[i] = int(varMap[add[i]])
		}
		newSub := make([]int, len(sub))
		for i := range sub {
			newSub[i] = int(varMap[sub[i]])
		}
		return csumArgs(parIndex, newAdd, newSub)
	case DisOp:
		args[1] = int(varMap[args[1]])
	case LdvOp, StvpOp:
		args[1] = int(varMap[args[1]])
	case StpvOp:
		args[2] = int(varMap[args[2]])
	case StvvOp:
		args[1] = int(varMap[args[1]])
		args[2] = int(varMap[args[2]])
	case FunavOp:
		args[0] = int(varMap[args[0]])
	default:
		for _, slot := range variableArgSlots(it.op) {
			args[slot] = int(varMap[args[slot]])
		}
	}
	return args
}

// sumFamily reports the opcodes a cumulative sum can absorb: the Add/Sub
// variants, unary negation (a subtraction with no addend) and an already-
// fused CSumOp (so re-optimizing a tape re-flattens rather than nests).
func sumFamily(op Opcode) bool {
	switch op {
	case AddVV, AddPV, SubVV, SubPV, SubVP, Neg, CSumOp:
		return true
	default:
		return false
	}
}

// signedTerm is one leaf contribution to a cumulative sum.
type signedTerm struct {
	idx  int // variable index or parameter index
	sign float64
}

// fuseCumulativeSum collapses every maximal chain of sum-family opcodes
// whose intermediate results are used exactly once into a single CSumOp,
// flipping signs through subtractions and negations and folding the
// chain's parameter contributions into one net offset (constants sum
// numerically; dynamic parameters chain through the parameter DAG). The
// stream is renumbered densely afterwards; the returned slice maps every
// pre-fusion variable index that survives to its new index.
func (b *optBuilder) fuseCumulativeSum(dep []Var) []Var {
	items := gatherItems(b.op, b.arg)
	use := computeUseCount(b.nVar, items, dep)

	byRes := make(map[Var]int, len(items))
	for i, it := range items {
		if it.op.NRes() > 0 {
			byRes[it.res] = i
		}
	}

	// soleSumConsumer[i] true means item i's result is read exactly once,
	// by a sum-family opcode, so a chain head above it will absorb it.
	soleSumConsumer := make([]bool, len(items))
	for i, it := range items {
		if !sumFamily(it.op) || use[it.res] != 1 {
			continue
		}
		if ci, ok := findSoleConsumer(items, it.res, byRes); ok && sumFamily(items[ci].op) {
			soleSumConsumer[i] = true
		}
	}

	absorbed := make([]bool, len(items))
	type fusion struct {
		vars     []signedTerm
		params   []signedTerm
		absorbedN int
	}
	fused := make(map[int]*fusion)

	var collect func(i int, sign float64, f *fusion)
	operand := func(v int, sign float64, f *fusion) {
		if pi, ok := byRes[Var(v)]; ok && soleSumConsumer[pi] && !absorbed[pi] {
			absorbed[pi] = true
			f.absorbedN++
			collect(pi, sign, f)
			return
		}
		f.vars = append(f.vars, signedTerm{idx: v, sign: sign})
	}
	collect = func(i int, sign float64, f *fusion) {
		it := items[i]
		switch it.op {
		case AddVV:
			operand(it.args[0], sign, f)
			operand(it.args[1], sign, f)
		case AddPV:
			f.params = append(f.params, signedTerm{idx: it.args[0], sign: sign})
			operand(it.args[1], sign, f)
		case SubVV:
			operand(it.args[0], sign, f)
			operand(it.args[1], -sign, f)
		case SubPV:
			f.params = append(f.params, signedTerm{idx: it.args[0], sign: sign})
			operand(it.args[1], -sign, f)
		case SubVP:
			operand(it.args[0], sign, f)
			f.params = append(f.params, signedTerm{idx: it.args[1], sign: -sign})
		case Neg:
			operand(it.args[0], -sign, f)
		case CSumOp:
			parIndex, add, sub := csumAddends(it.args)
			f.params = append(f.params, signedTerm{idx: parIndex, sign: sign})
			for _, a := range add {
				operand(a, sign, f)
			}
			for _, s := range sub {
				operand(s, -sign, f)
			}
		}
	}

	for i, it := range items {
		if !sumFamily(it.op) || soleSumConsumer[i] || absorbed[i] {
			continue
		}
		f := &fusion{}
		collect(i, 1, f)
		// only worth a CSumOp when something was actually absorbed, or
		// when re-flattening an existing CSumOp
		if it.op == CSumOp || f.absorbedN > 0 {
			fused[i] = f
		}
	}

	if len(fused) == 0 {
		identity := make([]Var, b.nVar)
		for v := range identity {
			identity[v] = Var(v)
		}
		return identity
	}

	varMap := make([]Var, b.nVar)
	var newOp []Opcode
	var newArg []int
	varCount := 0
	emit := func(op Opcode, args ...int) Var {
		newOp = append(newOp, op)
		newArg = append(newArg, args...)
		var res Var
		if nRes := op.NRes(); nRes > 0 {
			res = Var(varCount + nRes - 1)
			varCount += nRes
		}
		return res
	}
	for i, it := range items {
		if absorbed[i] {
			continue
		}
		if f, ok := fused[i]; ok {
			var add, sub []int
			for _, term := range f.vars {
				v := int(varMap[term.idx])
				if term.sign > 0 {
					add = append(add, v)
				} else {
					sub = append(sub, v)
				}
			}
			parIdx := b.netParameter(f.params)
			varMap[it.res] = emit(CSumOp, csumArgs(parIdx, add, sub)...)
			continue
		}
		res := emit(it.op, remapItemArgs(it, varMap)...)
		if it.op.NRes() > 0 {
			varMap[it.res] = res
		}
	}
	b.op = newOp
	b.arg = newArg
	b.nVar = varCount
	return varMap
}

// netParameter folds a cumulative sum's parameter contributions into a
// single parameter index: constants sum numerically; each dynamic
// contribution is chained onto the running total through the parameter
// DAG so replay re-resolves it.
func (b *optBuilder) netParameter(params []signedTerm) int {
	constSum := 0.0
	var dyn []signedTerm
	for _, pt := range params {
		if b.params.dynIs[pt.idx] {
			dyn = append(dyn, pt)
			continue
		}
		constSum += pt.sign * b.params.values[pt.idx]
	}
	parIdx := b.params.addConstant(constSum)
	for _, dt := range dyn {
		op := AddVV
		val := b.params.values[parIdx] + b.params.values[dt.idx]
		if dt.sign < 0 {
			op = SubVV
			val = b.params.values[parIdx] - b.params.values[dt.idx]
		}
		next, err := b.params.addDynamic(op, [2]int{parIdx, dt.idx}, val)
		if err != nil {
			continue
		}
		parIdx = next
	}
	return parIdx
}

// findSoleConsumer returns the single item that reads v as a variable
// operand; it scans forward from v's own producer since a consumer can
// only appear later.
func findSoleConsumer(items []optItem, v Var, byRes map[Var]int) (int, bool) {
	start := byRes[v] + 1
	for i := start; i < len(items); i++ {
		for _, operand := range opVariableOperands(items[i].op, items[i].args) {
			if operand == int(v) {
				return i, true
			}
		}
	}
	return 0, false
}

// insertConditionalSkips finds, for each CExpOp whose branch operands are
// variables, the opcodes that exclusively compute each branch, and emits
// a CSkipOp as early as the condition operands allow - once replay knows
// the condition's value, the not-taken side's opcodes never need to run.
// Inserted guards produce no variables, so only operator indices shift;
// the skip lists are encoded with the final, post-insertion indices.
func (b *optBuilder) insertConditionalSkips(dep []Var) {
	items := gatherItems(b.op, b.arg)
	use := computeUseCount(b.nVar, items, dep)
	byRes := make(map[Var]int, len(items))
	for i, it := range items {
		if it.op.NRes() > 0 {
			byRes[it.res] = i
		}
	}

	type insertion struct {
		pos  int // item index the guard goes in front of
		rel  RelOp
		mask CExpMask
		left, right  int
		whenTrue, whenFalse []int // item indices, pre-insertion
	}
	var inserts []insertion

	// a guard may not interrupt the leading run of independents
	afterInv := 1
	for afterInv < len(items) && items[afterInv].op == InvOp {
		afterInv++
	}

	for i, it := range items {
		if it.op != CExpOp {
			continue
		}
		mask := CExpMask(it.args[1])
		var trueOps, falseOps []int
		if mask&MaskTrue != 0 {
			trueOps = exclusiveClosure(Var(it.args[4]), use, byRes, items, i)
		}
		if mask&MaskFalse != 0 {
			falseOps = exclusiveClosure(Var(it.args[5]), use, byRes, items, i)
		}
		// the guard can run only once left and right are computed
		pos := afterInv
		if mask&MaskLeft != 0 {
			if pi, ok := byRes[Var(it.args[2])]; ok && pi+1 > pos {
				pos = pi + 1
			}
		}
		if mask&MaskRight != 0 {
			if pi, ok := byRes[Var(it.args[3])]; ok && pi+1 > pos {
				pos = pi + 1
			}
		}
		// branch opcodes already behind the guard cannot be skipped
		trueOps = dropBefore(trueOps, pos)
		falseOps = dropBefore(falseOps, pos)
		if len(trueOps) == 0 && len(falseOps) == 0 {
			continue
		}
		inserts = append(inserts, insertion{
			pos: pos, rel: RelOp(it.args[0]), mask: mask,
			left: it.args[2], right: it.args[3],
			// when the relation holds the false branch is dead, and the
			// other way around
			whenTrue: falseOps, whenFalse: trueOps,
		})
	}
	if len(inserts) == 0 {
		return
	}

	// final operator index of pre-insertion item j
	finalIndex := func(j int) int {
		shift := 0
		for _, ins := range inserts {
			if ins.pos <= j {
				shift++
			}
		}
		return j + shift
	}

	var newOp []Opcode
	var newArg []int
	for j, it := range items {
		for _, ins := range inserts {
			if ins.pos != j {
				continue
			}
			whenTrue := make([]int, len(ins.whenTrue))
			for i, idx := range ins.whenTrue {
				whenTrue[i] = finalIndex(idx)
			}
			whenFalse := make([]int, len(ins.whenFalse))
			for i, idx := range ins.whenFalse {
				whenFalse[i] = finalIndex(idx)
			}
			newOp = append(newOp, CSkipOp)
			newArg = append(newArg, cskipArgs(ins.rel, ins.mask, ins.left, ins.right, whenTrue, whenFalse)...)
		}
		newOp = append(newOp, it.op)
		newArg = append(newArg, it.args...)
	}
	b.op = newOp
	b.arg = newArg
}

func dropBefore(idxs []int, pos int) []int {
	out := idxs[:0]
	for _, i := range idxs {
		if i >= pos {
			out = append(out, i)
		}
	}
	return out
}

// skippable reports the opcodes a CSkipOp may elide: anything whose only
// effect is producing its own result variables. Independents, parameter
// promotions and atomic-bracket members stay.
func skippable(op Opcode) bool {
	switch op {
	case BeginOp, EndOp, InvOp, ParOp, CSkipOp, ComOp,
		StppOp, StpvOp, StvpOp, StvvOp, PripOp, PrivOp,
		AFunOp, FunapOp, FunavOp, FunrpOp, FunrvOp:
		return false
	default:
		return true
	}
}

// exclusiveClosure collects the item indices of every opcode reachable
// backward from v that is used only in computing v (use count exactly 1),
// stopping at non-skippable opcodes and at anything shared with the rest
// of the tape. The result is in ascending item order.
func exclusiveClosure(v Var, use []int, byRes map[Var]int, items []optItem, cexpIndex int) []int {
	visited := map[int]bool{}
	var order []int
	var visit func(v Var)
	visit = func(v Var) {
		idx, ok := byRes[v]
		if !ok || visited[idx] || idx >= cexpIndex {
			return
		}
		if use[v] != 1 || !skippable(items[idx].op) {
			return
		}
		visited[idx] = true
		order = append(order, idx)
		for _, operand := range opVariableOperands(items[idx].op, items[idx].args) {
			visit(Var(operand))
		}
	}
	visit(v)
	// ascending order reads naturally in disassembly and tests
	for i := 0; i < len(order); i++ {
		for j := i + 1; j < len(order); j++ {
			if order[j] < order[i] {
				order[i], order[j] = order[j], order[i]
			}
		}
	}
	return order
}
