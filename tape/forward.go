package tape

import (
	"math"

	"github.com/dtolpin/cppad-go/internal/logging"
)

const twoOverSqrtPi = 1.1283791670955126 // 2/sqrt(pi), the derivative scale for Erf/Erfc

// vecadState is a replay-local reconstruction of a VecAD vector's current
// contents. t.vecad.ind only ever records each element's value at
// creation time (see NewVecAD); which slot a later store touches, and
// what it leaves there, depends on the runtime index values of this
// particular replay, so every sweep rebuilds its own state by re-running
// the Stpp/Stpv/Stvp/Stvv opcodes in tape order.
type vecadState struct {
	isVar  []bool
	varIdx []int
	parIdx []int
}

func newVecadState(t *Tape) *vecadState {
	n := len(t.vecad.ind)
	st := &vecadState{isVar: make([]bool, n), varIdx: make([]int, n), parIdx: make([]int, n)}
	for i, slot := range t.vecad.ind {
		if isVariable(slot) {
			st.isVar[i] = true
			st.varIdx[i] = slot
		} else {
			st.parIdx[i] = decodeConst(slot)
		}
	}
	return st
}

func (st *vecadState) store(offset, index int, varSlot bool, idx int) {
	slot := offset + index
	st.isVar[slot] = varSlot
	if varSlot {
		st.varIdx[slot] = idx
	} else {
		st.parIdx[slot] = idx
	}
}

// ldResolution is what a single Ldp/Ldv opcode resolved to, at the point
// in the replay it executed; Reverse needs this (not just vecadState's
// final contents) since a later store can retarget the same slot. Keeping
// the cache beside the sweep, instead of rewriting arg_vec in place,
// leaves a sealed tape immutable.
type ldResolution struct {
	isVar bool
	idx   int
}

func constRow(v float64, orderUp int) []float64 {
	row := make([]float64, orderUp+1)
	row[0] = v
	return row
}

// conv returns the order-k coefficient of the product of two Taylor rows:
// sum over j of a_j * b_{k-j}.
func conv(a, b []float64, k int) float64 {
	s := 0.0
	for j := 0; j <= k; j++ {
		s += a[j] * b[k-j]
	}
	return s
}

// dconv returns sum over j = 1..k of j * a_j * b_{k-j}, the convolution
// shape shared by the exp/trig/erf recursions (a' appears under the
// integral).
func dconv(a, b []float64, k int) float64 {
	s := 0.0
	for j := 1; j <= k; j++ {
		s += float64(j) * a[j] * b[k-j]
	}
	return s
}

// expRecursion fills z with the Taylor rows of exp applied to the rows of
// u, given z[0] already holds exp(u_0).
func expRecursion(u, z []float64, orderUp int) {
	for k := 1; k <= orderUp; k++ {
		z[k] = dconv(u, z, k) / float64(k)
	}
}

// sqrtRecursion fills z[1..orderUp] with the square-root recursion over
// x, given z[0] = sqrt(x_0). At x_0 = 0 every higher order is left zero
// rather than dividing by a zero leading coefficient.
func sqrtRecursion(x, z []float64, orderUp int) {
	if z[0] == 0 {
		return
	}
	for k := 1; k <= orderUp; k++ {
		s := x[k]
		for j := 1; j <= k-1; j++ {
			s -= z[j] * z[k-j]
		}
		z[k] = s / (2 * z[0])
	}
}

// inverseTrigRecursion fills z[1..orderUp] given b (the companion row
// with b z' = c x') and z[0]; shared by Asin (c=1), Acos (c=-1) and
// Atan (c=1, b = 1+x^2).
func inverseTrigRecursion(x, b, z []float64, c float64, orderUp int) {
	for k := 1; k <= orderUp; k++ {
		s := c * x[k]
		for i := 1; i <= k-1; i++ {
			s -= float64(i) * z[i] * b[k-i] / float64(k)
		}
		z[k] = s / b[0]
	}
}

// forwardSweep replays the tape, filling a Taylor coefficient table of
// order 0..orderUp for every variable; the returned buffers also carry
// the per-operator VecAD load resolutions the reverse sweep needs.
// Callers hand the buffers back through releaseSweep once done.
func (t *Tape) forwardSweep(orderUp int, x [][]float64) (*sweepBuffers, error) {
	if orderUp < 0 {
		return nil, newError(NumericDomain, "Forward", -1, "negative order %d", orderUp)
	}
	if len(x) != t.nInd {
		return nil, newError(RecordingInvariant, "Forward", -1,
			"got %d independents, want %d", len(x), t.nInd)
	}
	for i, xi := range x {
		if len(xi) != orderUp+1 {
			return nil, newError(RecordingInvariant, "Forward", -1,
				"independent %d has %d coefficients, want %d", i, len(xi), orderUp+1)
		}
	}

	t.params.resolve()

	buf := t.acquireSweep(orderUp)
	coeff, lds, skip := buf.coeff, buf.lds, buf.skip
	vs := newVecadState(t)

	compareChanges := 0
	compareFirstOp := -1
	skipped := 0
	p := NewPlayer(t)
	indSeen := 0
	for p.Next() {
		if skip[p.OpIndex()] {
			skipped++
			continue
		}
		op, res, args := p.Op(), p.Res(), p.Args()
		switch op {
		case BeginOp, EndOp:
		case InvOp:
			copy(coeff[res], x[indSeen])
			indSeen++
		case ParOp:
			coeff[res][0] = t.ParamValue(args[0])
		case DisOp:
			fn, ok := discreteLookup(discreteNameByID(args[0]))
			if !ok {
				return nil, newError(RecordingInvariant, "Forward", p.OpIndex(),
					"discrete function %q is not registered", discreteNameByID(args[0]))
			}
			coeff[res][0] = fn(coeff[args[1]][0])
		case CExpOp:
			rel := RelOp(args[0])
			mask := CExpMask(args[1])
			left := t.operandValue(coeff, mask&MaskLeft != 0, args[2])
			right := t.operandValue(coeff, mask&MaskRight != 0, args[3])
			var src []float64
			if rel.evaluate(left, right) {
				src = t.operandRow(coeff, mask&MaskTrue != 0, args[4], orderUp)
			} else {
				src = t.operandRow(coeff, mask&MaskFalse != 0, args[5], orderUp)
			}
			copy(coeff[res], src)
		case ComOp:
			rel := RelOp(args[0])
			mask := CExpMask(args[1])
			left := t.operandValue(coeff, mask&MaskLeft != 0, args[2])
			right := t.operandValue(coeff, mask&MaskRight != 0, args[3])
			outcome := rel.evaluate(left, right)
			recorded := args[4] == 1
			if outcome != recorded {
				if compareChanges == 0 {
					compareFirstOp = p.OpIndex()
				}
				compareChanges++
			}
		case CSkipOp:
			rel := RelOp(args[0])
			mask := CExpMask(args[1])
			left := t.operandValue(coeff, mask&MaskLeft != 0, args[2])
			right := t.operandValue(coeff, mask&MaskRight != 0, args[3])
			whenTrue, whenFalse := cskipLists(args)
			list := whenFalse
			if rel.evaluate(left, right) {
				list = whenTrue
			}
			for _, idx := range list {
				if idx < len(skip) {
					skip[idx] = true
				}
			}
		case CSumOp:
			parIndex, add, sub := csumAddends(args)
			coeff[res][0] = t.ParamValue(parIndex)
			for ord := 0; ord <= orderUp; ord++ {
				s := coeff[res][ord]
				for _, a := range add {
					s += coeff[a][ord]
				}
				for _, su := range sub {
					s -= coeff[su][ord]
				}
				coeff[res][ord] = s
			}
		case LdpOp:
			idx := int(t.ParamValue(args[1]))
			if err := t.vecad.checkIndex(args[0], idx); err != nil {
				return nil, err
			}
			slot := args[0] + idx
			src := pick(vs.isVar[slot], vs.varIdx[slot], vs.parIdx[slot])
			lds[p.OpIndex()] = ldResolution{isVar: vs.isVar[slot], idx: src}
			copy(coeff[res], t.operandRow(coeff, vs.isVar[slot], src, orderUp))
		case LdvOp:
			idx := int(coeff[args[1]][0])
			if err := t.vecad.checkIndex(args[0], idx); err != nil {
				return nil, err
			}
			slot := args[0] + idx
			src := pick(vs.isVar[slot], vs.varIdx[slot], vs.parIdx[slot])
			lds[p.OpIndex()] = ldResolution{isVar: vs.isVar[slot], idx: src}
			copy(coeff[res], t.operandRow(coeff, vs.isVar[slot], src, orderUp))
		case StppOp:
			idx := int(t.ParamValue(args[1]))
			vs.store(args[0], idx, false, args[2])
		case StpvOp:
			idx := int(t.ParamValue(args[1]))
			vs.store(args[0], idx, true, args[2])
		case StvpOp:
			idx := int(coeff[args[1]][0])
			vs.store(args[0], idx, false, args[2])
		case StvvOp:
			idx := int(coeff[args[1]][0])
			vs.store(args[0], idx, true, args[2])
		case PripOp, PrivOp:
			// replay-time printing is outside the sweep's contract
		case AFunOp:
			bracket, err := collectBracketForward(t, p)
			if err != nil {
				return nil, err
			}
			if err := bracket.runForward(t, coeff, orderUp); err != nil {
				return nil, err
			}
		case Sin, Cos, Sinh, Cosh, Tan, Tanh, Asin, Acos, Atan, Erf, Erfc:
			forwardUnaryPair(op, coeff[args[0]], coeff[int(res)-1], coeff[res], orderUp)
		case Neg, Abs, Sqrt, Exp, Expm1, Log, Log1p, Sign:
			if err := forwardUnary(op, coeff[args[0]], coeff[res], orderUp, p.OpIndex()); err != nil {
				return nil, err
			}
		default:
			if err := forwardBinary(t, coeff, op, res, args, orderUp, p.OpIndex()); err != nil {
				return nil, err
			}
		}
	}
	t.compareCount = compareChanges
	t.compareFirstOp = compareFirstOp
	t.skipCount = skipped
	return buf, nil
}

func pick(isVar bool, varIdx, parIdx int) int {
	if isVar {
		return varIdx
	}
	return parIdx
}

// operandValue returns the order-0 value of an operand slot, per isVarSlot.
func (t *Tape) operandValue(coeff [][]float64, isVarSlot bool, idx int) float64 {
	if isVarSlot {
		return coeff[idx][0]
	}
	return t.ParamValue(idx)
}

// operandRow returns an operand's full Taylor coefficient row.
func (t *Tape) operandRow(coeff [][]float64, isVarSlot bool, idx int, orderUp int) []float64 {
	if isVarSlot {
		return coeff[idx]
	}
	return constRow(t.ParamValue(idx), orderUp)
}

// forwardUnary fills z with the Taylor rows of the single-result unary
// opcodes.
func forwardUnary(op Opcode, x, z []float64, orderUp int, opIndex int) error {
	x0 := x[0]
	switch op {
	case Neg:
		for k := 0; k <= orderUp; k++ {
			z[k] = -x[k]
		}
	case Abs:
		s := sign(x0)
		for k := 0; k <= orderUp; k++ {
			z[k] = s * x[k]
		}
	case Sign:
		z[0] = sign(x0)
	case Sqrt:
		if x0 < 0 {
			return newError(NumericDomain, "Forward", opIndex, "sqrt of negative value %g", x0)
		}
		z[0] = math.Sqrt(x0)
		sqrtRecursion(x, z, orderUp)
	case Exp:
		z[0] = math.Exp(x0)
		expRecursion(x, z, orderUp)
	case Expm1:
		w := make([]float64, orderUp+1)
		w[0] = math.Exp(x0)
		expRecursion(x, w, orderUp)
		z[0] = math.Expm1(x0)
		copy(z[1:], w[1:])
	case Log:
		if x0 <= 0 {
			return newError(NumericDomain, "Forward", opIndex, "log of non-positive value %g", x0)
		}
		z[0] = math.Log(x0)
		for k := 1; k <= orderUp; k++ {
			s := x[k]
			for j := 1; j <= k-1; j++ {
				s -= float64(j) * z[j] * x[k-j] / float64(k)
			}
			z[k] = s / x0
		}
	case Log1p:
		if x0 <= -1 {
			return newError(NumericDomain, "Forward", opIndex, "log1p of value %g <= -1", x0)
		}
		u := make([]float64, orderUp+1)
		u[0] = 1 + x0
		copy(u[1:], x[1:])
		z[0] = math.Log1p(x0)
		for k := 1; k <= orderUp; k++ {
			s := u[k]
			for j := 1; j <= k-1; j++ {
				s -= float64(j) * z[j] * u[k-j] / float64(k)
			}
			z[k] = s / u[0]
		}
	default:
		panic("forwardUnary: not a single-result unary opcode: " + op.String())
	}
	return nil
}

// forwardUnaryPair fills the companion (aux) and primary rows of the
// two-result transcendental opcodes. Each keeps an auxiliary variable so
// the pair's mutual recursion stays first-order in the tape's other
// opcodes: sin carries cos, tan carries tan^2, asin carries sqrt(1-x^2),
// erf carries exp(-x^2).
func forwardUnaryPair(op Opcode, x, aux, primary []float64, orderUp int) {
	x0 := x[0]
	switch op {
	case Sin, Cos:
		var s, c []float64
		if op == Sin {
			c, s = aux, primary
		} else {
			s, c = aux, primary
		}
		s[0], c[0] = math.Sin(x0), math.Cos(x0)
		for k := 1; k <= orderUp; k++ {
			s[k] = dconv(x, c, k) / float64(k)
			c[k] = -dconv(x, s, k) / float64(k)
		}
	case Sinh, Cosh:
		var sh, ch []float64
		if op == Sinh {
			ch, sh = aux, primary
		} else {
			sh, ch = aux, primary
		}
		sh[0], ch[0] = math.Sinh(x0), math.Cosh(x0)
		for k := 1; k <= orderUp; k++ {
			sh[k] = dconv(x, ch, k) / float64(k)
			ch[k] = dconv(x, sh, k) / float64(k)
		}
	case Tan, Tanh:
		y, z := aux, primary // y = z^2 companion
		sgn := 1.0
		if op == Tan {
			z[0] = math.Tan(x0)
		} else {
			z[0] = math.Tanh(x0)
			sgn = -1
		}
		y[0] = z[0] * z[0]
		for k := 1; k <= orderUp; k++ {
			z[k] = x[k] + sgn*dconv(x, y, k)/float64(k)
			y[k] = conv(z, z, k)
		}
	case Asin, Acos:
		b, z := aux, primary // b = sqrt(1 - x^2)
		q := make([]float64, orderUp+1)
		for k := 0; k <= orderUp; k++ {
			q[k] = -conv(x, x, k)
		}
		q[0] += 1
		b[0] = math.Sqrt(q[0])
		sqrtRecursion(q, b, orderUp)
		c := 1.0
		if op == Asin {
			z[0] = math.Asin(x0)
		} else {
			z[0] = math.Acos(x0)
			c = -1
		}
		inverseTrigRecursion(x, b, z, c, orderUp)
	case Atan:
		b, z := aux, primary // b = 1 + x^2
		for k := 0; k <= orderUp; k++ {
			b[k] = conv(x, x, k)
		}
		b[0] += 1
		z[0] = math.Atan(x0)
		inverseTrigRecursion(x, b, z, 1, orderUp)
	case Erf, Erfc:
		a, z := aux, primary // a = exp(-x^2)
		u := make([]float64, orderUp+1)
		for k := 0; k <= orderUp; k++ {
			u[k] = -conv(x, x, k)
		}
		a[0] = math.Exp(u[0])
		expRecursion(u, a, orderUp)
		c2 := twoOverSqrtPi
		if op == Erf {
			z[0] = math.Erf(x0)
		} else {
			z[0] = math.Erfc(x0)
			c2 = -c2
		}
		for k := 1; k <= orderUp; k++ {
			z[k] = c2 * dconv(x, a, k) / float64(k)
		}
	default:
		panic("forwardUnaryPair: not a two-result unary opcode: " + op.String())
	}
}

// forwardBinary fills coeff[res] for the 2-argument arithmetic opcodes.
func forwardBinary(t *Tape, coeff [][]float64, op Opcode, res Var, args []int, orderUp int, opIndex int) error {
	z := coeff[res]
	switch op {
	case AddVV:
		a, b := coeff[args[0]], coeff[args[1]]
		for k := 0; k <= orderUp; k++ {
			z[k] = a[k] + b[k]
		}
	case AddPV:
		v := coeff[args[1]]
		copy(z, v)
		z[0] += t.ParamValue(args[0])
	case SubVV:
		a, b := coeff[args[0]], coeff[args[1]]
		for k := 0; k <= orderUp; k++ {
			z[k] = a[k] - b[k]
		}
	case SubPV:
		v := coeff[args[1]]
		for k := 0; k <= orderUp; k++ {
			z[k] = -v[k]
		}
		z[0] += t.ParamValue(args[0])
	case SubVP:
		copy(z, coeff[args[0]])
		z[0] -= t.ParamValue(args[1])
	case MulVV:
		a, b := coeff[args[0]], coeff[args[1]]
		for k := 0; k <= orderUp; k++ {
			z[k] = conv(a, b, k)
		}
	case MulPV:
		pv, v := t.ParamValue(args[0]), coeff[args[1]]
		for k := 0; k <= orderUp; k++ {
			z[k] = pv * v[k]
		}
	case DivVV, DivPV:
		var a []float64
		if op == DivVV {
			a = coeff[args[0]]
		} else {
			a = constRow(t.ParamValue(args[0]), orderUp)
		}
		b := coeff[args[1]]
		if b[0] == 0 {
			return newError(NumericDomain, "Forward", opIndex, "division by zero")
		}
		for k := 0; k <= orderUp; k++ {
			s := a[k]
			for j := 0; j <= k-1; j++ {
				s -= z[j] * b[k-j]
			}
			z[k] = s / b[0]
		}
	case DivVP:
		v, pv := coeff[args[0]], t.ParamValue(args[1])
		if pv == 0 {
			return newError(NumericDomain, "Forward", opIndex, "division by zero parameter")
		}
		for k := 0; k <= orderUp; k++ {
			z[k] = v[k] / pv
		}
	case ZmulVV, ZmulVP:
		a := coeff[args[0]]
		if a[0] == 0 {
			break // identically zero at every order, even against NaN/Inf
		}
		if op == ZmulVV {
			b := coeff[args[1]]
			for k := 0; k <= orderUp; k++ {
				z[k] = conv(a, b, k)
			}
		} else {
			pv := t.ParamValue(args[1])
			for k := 0; k <= orderUp; k++ {
				z[k] = a[k] * pv
			}
		}
	case ZmulPV:
		pv := t.ParamValue(args[0])
		if pv == 0 {
			break
		}
		v := coeff[args[1]]
		for k := 0; k <= orderUp; k++ {
			z[k] = pv * v[k]
		}
	case PowVV, PowPV, PowVP:
		return newError(OptimizerConsistency, "Forward", opIndex,
			"%s is a descriptive marker only: Pow is always recorded as log/mul/exp", op)
	default:
		return newError(RecordingInvariant, "Forward", opIndex, "unhandled opcode %s", op)
	}
	return nil
}

// forwardBracket is one AFunOp...AFunOp block, materialized by a forward
// scan (the opening marker, n argument markers, m result markers and the
// closing marker).
type forwardBracket struct {
	atomID int
	n, m   int
	ops    []playerRecord
}

// collectBracketForward consumes a full atomic bracket from p, whose
// cursor stands on the opening AFunOp.
func collectBracketForward(t *Tape, p *Player) (*forwardBracket, error) {
	args := p.Args()
	b := &forwardBracket{atomID: args[0], n: args[2], m: args[3]}
	b.ops = append(b.ops, playerRecord{op: p.Op(), res: p.Res(), args: append([]int(nil), args...)})
	for i := 0; i < b.n+b.m+1; i++ {
		if !p.Next() {
			return nil, newError(RecordingInvariant, "Forward", p.OpIndex(), "truncated atomic bracket")
		}
		b.ops = append(b.ops, playerRecord{op: p.Op(), res: p.Res(), args: append([]int(nil), p.Args()...)})
	}
	if last := b.ops[len(b.ops)-1]; last.op != AFunOp {
		return nil, newError(RecordingInvariant, "Forward", p.OpIndex(), "atomic bracket not closed by AFunOp")
	}
	return b, nil
}

func (b *forwardBracket) runForward(t *Tape, coeff [][]float64, orderUp int) error {
	atom := AtomicByID(b.atomID)
	if atom == nil {
		return newError(AtomicFailure, "Forward", -1, "no atomic registered with id %d", b.atomID)
	}
	tx := make([][]float64, b.n)
	for i := 0; i < b.n; i++ {
		rec := b.ops[1+i]
		if rec.op == FunavOp {
			tx[i] = coeff[rec.args[0]]
		} else {
			tx[i] = constRow(t.ParamValue(rec.args[0]), orderUp)
		}
	}
	ty := make([][]float64, b.m)
	needY := make([]bool, b.m)
	for k := 0; k < b.m; k++ {
		rec := b.ops[1+b.n+k]
		if rec.op == FunrvOp {
			ty[k] = make([]float64, orderUp+1)
			needY[k] = true
		} else {
			ty[k] = constRow(t.ParamValue(rec.args[0]), orderUp)
		}
	}
	if err := atom.Forward(0, orderUp, needY, tx, ty); err != nil {
		return newError(AtomicFailure, "Forward", -1, "%v", err)
	}
	for k := 0; k < b.m; k++ {
		rec := b.ops[1+b.n+k]
		if rec.op == FunrvOp {
			copy(coeff[rec.res], ty[k])
		}
	}
	return nil
}

// Forward computes order-0..orderUp Taylor coefficients of every
// dependent given the independents' coefficients x: x[i] must hold
// orderUp+1 coefficients for independent i, and the returned y[i] holds
// orderUp+1 coefficients for dependent i.
func (t *Tape) Forward(orderUp int, x [][]float64) ([][]float64, error) {
	buf, err := t.forwardSweep(orderUp, x)
	if err != nil {
		return nil, err
	}
	if t.compareCount > 0 {
		logging.Warn("forward: %d recorded comparison(s) changed outcome during replay", t.compareCount)
	}
	y := make([][]float64, len(t.dep))
	for i, d := range t.dep {
		row := make([]float64, orderUp+1)
		copy(row, buf.coeff[d])
		y[i] = row
	}
	t.releaseSweep(buf)
	return y, nil
}

// ForwardDir computes the order-orderUp coefficients of every dependent
// for several directions at once: x[i][ell] holds independent i's
// orderUp+1 coefficients in direction ell, and coefficients of every
// order below orderUp must agree across directions (only the top order
// may differ per direction). Returns y[i][ell], dependent i's full
// coefficient row in direction ell.
func (t *Tape) ForwardDir(orderUp int, x [][][]float64) ([][][]float64, error) {
	if len(x) != t.nInd {
		return nil, newError(RecordingInvariant, "ForwardDir", -1,
			"got %d independents, want %d", len(x), t.nInd)
	}
	if t.nInd == 0 {
		return make([][][]float64, 0), nil
	}
	nDir := len(x[0])
	for i, rows := range x {
		if len(rows) != nDir {
			return nil, newError(RecordingInvariant, "ForwardDir", -1,
				"independent %d has %d directions, want %d", i, len(rows), nDir)
		}
		for ell, row := range rows {
			if len(row) != orderUp+1 {
				return nil, newError(RecordingInvariant, "ForwardDir", -1,
					"independent %d direction %d has %d coefficients, want %d",
					i, ell, len(row), orderUp+1)
			}
			for k := 0; k < orderUp; k++ {
				if row[k] != rows[0][k] {
					return nil, newError(RecordingInvariant, "ForwardDir", -1,
						"independent %d order %d differs between directions 0 and %d", i, k, ell)
				}
			}
		}
	}

	y := make([][][]float64, len(t.dep))
	for i := range y {
		y[i] = make([][]float64, nDir)
	}
	for ell := 0; ell < nDir; ell++ {
		xi := make([][]float64, t.nInd)
		for i := range xi {
			xi[i] = x[i][ell]
		}
		out, err := t.Forward(orderUp, xi)
		if err != nil {
			return nil, err
		}
		for i := range out {
			y[i][ell] = out[i]
		}
	}
	return y, nil
}
