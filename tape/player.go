package tape

// Player replays a Tape's opcode stream in forward order, one opcode per
// Next call, tracking the variable index each opcode produces and the
// slice of the flat argument stream it owns. Every sweep (Forward,
// Reverse, sparsity, Optimize) drives one Player rather than indexing
// op/arg directly, so the variable-length opcodes (CSumOp, CSkipOp) and
// the bracketed atomic blocks are decoded in exactly one place.
type Player struct {
	t *Tape

	opIndex   int
	argOffset int
	varCount  int // variables produced by opcodes strictly before the current one

	op   Opcode
	res  Var
	args []int
}

// NewPlayer returns a cursor positioned before the tape's first opcode
// (BeginOp); call Next to advance onto it.
func NewPlayer(t *Tape) *Player {
	return &Player{t: t, opIndex: -1, varCount: 0}
}

// Next advances to the next opcode and reports whether one was available.
func (p *Player) Next() bool {
	if p.opIndex >= 0 {
		p.varCount += p.op.NRes()
	}
	p.opIndex++
	if p.opIndex >= len(p.t.op) {
		return false
	}
	p.op = p.t.op[p.opIndex]
	n := argLenAt(p.t, p.op, p.argOffset)
	p.args = p.t.arg[p.argOffset : p.argOffset+n]
	p.argOffset += n
	if nRes := p.op.NRes(); nRes > 0 {
		p.res = Var(p.varCount + nRes - 1)
	} else {
		p.res = Var(p.varCount)
	}
	return true
}

// argLenAt returns the number of flat-argument slots opcode op occupies
// starting at offset, resolving the variable-arity opcodes by reading
// their own length-prefix fields. Both CSumOp and CSkipOp also carry the
// same total as a trailing slot so a backward scan can jump over them
// without decoding the prefix (see BackwardPlayer).
func argLenAt(t *Tape, op Opcode, offset int) int {
	switch op {
	case CSumOp:
		nAdd := t.arg[offset]
		nSub := t.arg[offset+1]
		return 4 + nAdd + nSub
	case CSkipOp:
		nTrue := t.arg[offset+4]
		nFalse := t.arg[offset+5]
		return 7 + nTrue + nFalse
	default:
		return op.NArg()
	}
}

// OpIndex returns the current opcode's position in the tape.
func (p *Player) OpIndex() int { return p.opIndex }

// Op returns the current opcode.
func (p *Player) Op() Opcode { return p.op }

// Res returns the variable the current opcode produces (its last result,
// for the 2-result unary trig opcodes), or the running variable count if
// it produces none.
func (p *Player) Res() Var { return p.res }

// Args returns the current opcode's raw argument slice (do not retain: it
// aliases the tape's backing array and is invalidated by the next Next).
func (p *Player) Args() []int { return p.args }

// BackwardPlayer walks the same stream End to Begin. It relies on the
// trailing total-slot-count field of CSumOp and CSkipOp to jump backward
// over their variable-length argument blocks.
type BackwardPlayer struct {
	t *Tape

	opIndex  int
	argEnd   int // one past the current opcode's last argument slot
	varAfter int // variables produced by opcodes up to and including the current one

	op   Opcode
	res  Var
	args []int
}

// NewBackwardPlayer returns a cursor positioned after the tape's last
// opcode (EndOp); call Prev to step onto it.
func NewBackwardPlayer(t *Tape) *BackwardPlayer {
	return &BackwardPlayer{t: t, opIndex: len(t.op), argEnd: len(t.arg), varAfter: t.nVar}
}

// Prev steps to the previous opcode and reports whether one was available.
func (p *BackwardPlayer) Prev() bool {
	if p.opIndex < len(p.t.op) {
		p.varAfter -= p.op.NRes()
	}
	p.opIndex--
	if p.opIndex < 0 {
		return false
	}
	p.op = p.t.op[p.opIndex]
	var n int
	switch p.op {
	case CSumOp, CSkipOp:
		n = p.t.arg[p.argEnd-1]
	default:
		n = p.op.NArg()
	}
	p.args = p.t.arg[p.argEnd-n : p.argEnd]
	p.argEnd -= n
	if nRes := p.op.NRes(); nRes > 0 {
		p.res = Var(p.varAfter - 1)
	} else {
		p.res = Var(p.varAfter)
	}
	return true
}

// OpIndex returns the current opcode's position in the tape.
func (p *BackwardPlayer) OpIndex() int { return p.opIndex }

// Op returns the current opcode.
func (p *BackwardPlayer) Op() Opcode { return p.op }

// Res returns the variable the current opcode produces, as Player.Res.
func (p *BackwardPlayer) Res() Var { return p.res }

// Args returns the current opcode's raw argument slice.
func (p *BackwardPlayer) Args() []int { return p.args }

// playerRecord is a fully-materialized opcode, used where a sweep needs
// random or reverse-order access to the whole stream at once (sparsity
// sweeps, the optimizer's dependency pass).
type playerRecord struct {
	op   Opcode
	res  Var
	args []int
}

// collectAll materializes every remaining opcode from the current
// position to the end of the tape, each with its own argument slice copy.
func (p *Player) collectAll() []playerRecord {
	var out []playerRecord
	for p.Next() {
		args := make([]int, len(p.args))
		copy(args, p.args)
		out = append(out, playerRecord{op: p.op, res: p.res, args: args})
	}
	return out
}

// csumAddends splits a CSumOp's argument slice into (parIndex, addend
// variable indices, subtrahend variable indices). The trailing total-slot
// count is not returned; only backward scans need it.
func csumAddends(args []int) (parIndex int, add, sub []int) {
	nAdd, nSub := args[0], args[1]
	parIndex = args[2]
	add = args[3 : 3+nAdd]
	sub = args[3+nAdd : 3+nAdd+nSub]
	return
}

// csumArgs assembles a CSumOp argument block, appending the mandatory
// trailing total-slot count.
func csumArgs(parIndex int, add, sub []int) []int {
	total := 4 + len(add) + len(sub)
	args := make([]int, 0, total)
	args = append(args, len(add), len(sub), parIndex)
	args = append(args, add...)
	args = append(args, sub...)
	return append(args, total)
}

// cskipArgs assembles a CSkipOp argument block:
// [rel, mask, left, right, nTrue, nFalse, skipWhenTrue..., skipWhenFalse...,
// total]. skipWhenTrue holds the operator indices to skip when the
// relation holds (the operators computing the false branch), and
// skipWhenFalse the converse.
func cskipArgs(rel RelOp, mask CExpMask, left, right int, skipWhenTrue, skipWhenFalse []int) []int {
	total := 7 + len(skipWhenTrue) + len(skipWhenFalse)
	args := make([]int, 0, total)
	args = append(args, int(rel), int(mask), left, right, len(skipWhenTrue), len(skipWhenFalse))
	args = append(args, skipWhenTrue...)
	args = append(args, skipWhenFalse...)
	return append(args, total)
}

// cskipLists splits a CSkipOp's argument slice into its two operator-index
// runs.
func cskipLists(args []int) (skipWhenTrue, skipWhenFalse []int) {
	nTrue, nFalse := args[4], args[5]
	skipWhenTrue = args[6 : 6+nTrue]
	skipWhenFalse = args[6+nTrue : 6+nTrue+nFalse]
	return
}

// decodeCSumAddends returns every variable index (addend or subtrahend)
// a CSumOp's arguments reference, for sparsity propagation where sign does
// not matter.
func decodeCSumAddends(_ *Tape, args []int) []int {
	_, add, sub := csumAddends(args)
	out := make([]int, 0, len(add)+len(sub))
	out = append(out, add...)
	out = append(out, sub...)
	return out
}
