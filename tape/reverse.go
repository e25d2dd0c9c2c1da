package tape

// ReverseTaylor back-propagates adjoints through the tape at Taylor order
// orderUp: after a forward replay at x (whose coefficient rows this call
// recomputes internally), weight[i][k] gives the partial of a scalar
// objective with respect to dependent i's order-k coefficient, and the
// returned px[j][k] gives the same objective's partial with respect to
// independent j's order-k coefficient. Each opcode applies the dual of
// its forward recursion, processed End to Begin and, within an opcode,
// from the highest order down, so adjoints of lower-order coefficients
// pick up the feedback terms of the recursions that consumed them.
func (t *Tape) ReverseTaylor(orderUp int, x [][]float64, weight [][]float64) ([][]float64, error) {
	if len(weight) != len(t.dep) {
		return nil, newError(RecordingInvariant, "Reverse", -1,
			"got %d weight rows, want %d (one per dependent)", len(weight), len(t.dep))
	}
	for i, w := range weight {
		if len(w) != orderUp+1 {
			return nil, newError(RecordingInvariant, "Reverse", -1,
				"weight row %d has %d entries, want %d", i, len(w), orderUp+1)
		}
	}
	buf, err := t.forwardSweep(orderUp, x)
	if err != nil {
		return nil, err
	}
	coeff, lds := buf.coeff, buf.lds

	adj := make([][]float64, t.nVar)
	for i := range adj {
		adj[i] = make([]float64, orderUp+1)
	}
	for i, d := range t.dep {
		for k := 0; k <= orderUp; k++ {
			adj[d][k] += weight[i][k]
		}
	}

	p := NewBackwardPlayer(t)
	for p.Prev() {
		op := p.Op()
		if op == AFunOp {
			// Walking backward, the first AFunOp of a bracket is the
			// closing marker; process the whole call, then step the
			// cursor over the markers and the opening AFunOp.
			n, m := p.Args()[2], p.Args()[3]
			openIndex := p.OpIndex() - (n + m + 1)
			if err := t.reverseAtomic(openIndex, coeff, adj, orderUp); err != nil {
				return nil, err
			}
			for i := 0; i < n+m+1; i++ {
				p.Prev()
			}
			continue
		}
		t.reverseOp(op, p.Res(), p.Args(), p.OpIndex(), coeff, lds, adj, orderUp)
	}

	px := make([][]float64, t.nInd)
	for j := 0; j < t.nInd; j++ {
		// independents are exactly variables 1..nInd, in declaration order
		row := make([]float64, orderUp+1)
		copy(row, adj[1+j])
		px[j] = row
	}
	t.releaseSweep(buf)
	return px, nil
}

// Reverse is the order-0 convenience form of ReverseTaylor: the gradient
// of sum_i weight[i]*y_i with respect to the independents at the point x.
func (t *Tape) Reverse(x []float64, weight []float64) ([]float64, error) {
	xx := make([][]float64, len(x))
	for i, v := range x {
		xx[i] = []float64{v}
	}
	ww := make([][]float64, len(weight))
	for i, w := range weight {
		ww[i] = []float64{w}
	}
	px, err := t.ReverseTaylor(0, xx, ww)
	if err != nil {
		return nil, err
	}
	grad := make([]float64, t.nInd)
	for j := range px {
		grad[j] = px[j][0]
	}
	return grad, nil
}

func allZero(row []float64) bool {
	for _, v := range row {
		if v != 0 {
			return false
		}
	}
	return true
}

func (t *Tape) reverseOp(op Opcode, res Var, args []int, opIndex int,
	coeff [][]float64, lds []ldResolution, adj [][]float64, d int) {
	switch op {
	case BeginOp, EndOp, InvOp, ParOp, DisOp, Sign, ComOp, CSkipOp,
		PripOp, PrivOp, StppOp, StpvOp, StvpOp, StvvOp,
		FunapOp, FunavOp, FunrpOp, FunrvOp:
		return
	}

	zb := adj[res]
	switch op {
	case Sin, Cos, Sinh, Cosh, Tan, Tanh, Asin, Acos, Atan, Erf, Erfc:
		if allZero(zb) && allZero(adj[int(res)-1]) {
			return
		}
		t.reverseUnaryPair(op, args[0], int(res), coeff, adj, d)
		return
	}
	if allZero(zb) {
		return
	}

	switch op {
	case CExpOp:
		mask := CExpMask(args[1])
		rel := RelOp(args[0])
		left := t.operandValue(coeff, mask&MaskLeft != 0, args[2])
		right := t.operandValue(coeff, mask&MaskRight != 0, args[3])
		if rel.evaluate(left, right) {
			if mask&MaskTrue != 0 {
				addScaledRow(adj[args[4]], zb, 1, d)
			}
		} else {
			if mask&MaskFalse != 0 {
				addScaledRow(adj[args[5]], zb, 1, d)
			}
		}
	case CSumOp:
		_, add, sub := csumAddends(args)
		for _, a := range add {
			addScaledRow(adj[a], zb, 1, d)
		}
		for _, su := range sub {
			addScaledRow(adj[su], zb, -1, d)
		}
	case LdpOp, LdvOp:
		ld := lds[opIndex]
		if ld.isVar {
			addScaledRow(adj[ld.idx], zb, 1, d)
		}
	case Neg:
		addScaledRow(adj[args[0]], zb, -1, d)
	case Abs:
		addScaledRow(adj[args[0]], zb, sign(coeff[args[0]][0]), d)
	case Sqrt:
		reverseSqrt(coeff[res], adj[args[0]], zb, d)
	case Exp:
		x, z := coeff[args[0]], coeff[res]
		xb := adj[args[0]]
		for k := d; k >= 1; k-- {
			for j := 1; j <= k; j++ {
				f := float64(j) / float64(k)
				xb[j] += zb[k] * f * z[k-j]
				zb[k-j] += zb[k] * f * x[j]
			}
		}
		xb[0] += zb[0] * z[0]
	case Expm1:
		x, z := coeff[args[0]], coeff[res]
		xb := adj[args[0]]
		w0 := z[0] + 1
		for k := d; k >= 1; k-- {
			for j := 1; j <= k; j++ {
				f := float64(j) / float64(k)
				wkj := w0
				if k-j >= 1 {
					wkj = z[k-j]
				}
				xb[j] += zb[k] * f * wkj
				if k-j >= 1 {
					zb[k-j] += zb[k] * f * x[j]
				}
			}
		}
		xb[0] += zb[0] * w0
	case Log:
		reverseLogRecursion(coeff[args[0]], coeff[args[0]][0], coeff[res], adj[args[0]], zb, d)
	case Log1p:
		reverseLogRecursion(coeff[args[0]], 1+coeff[args[0]][0], coeff[res], adj[args[0]], zb, d)
	case AddVV:
		addScaledRow(adj[args[0]], zb, 1, d)
		addScaledRow(adj[args[1]], zb, 1, d)
	case AddPV:
		addScaledRow(adj[args[1]], zb, 1, d)
	case SubVV:
		addScaledRow(adj[args[0]], zb, 1, d)
		addScaledRow(adj[args[1]], zb, -1, d)
	case SubPV:
		addScaledRow(adj[args[1]], zb, -1, d)
	case SubVP:
		addScaledRow(adj[args[0]], zb, 1, d)
	case MulVV:
		reverseMul(coeff[args[0]], coeff[args[1]], adj[args[0]], adj[args[1]], zb, d)
	case MulPV:
		addScaledRow(adj[args[1]], zb, t.ParamValue(args[0]), d)
	case DivVV:
		reverseDiv(coeff[args[0]], coeff[args[1]], coeff[res], adj[args[0]], adj[args[1]], zb, d)
	case DivPV:
		reverseDiv(nil, coeff[args[1]], coeff[res], nil, adj[args[1]], zb, d)
	case DivVP:
		addScaledRow(adj[args[0]], zb, 1/t.ParamValue(args[1]), d)
	case ZmulVV:
		if coeff[args[0]][0] != 0 {
			reverseMul(coeff[args[0]], coeff[args[1]], adj[args[0]], adj[args[1]], zb, d)
		}
	case ZmulPV:
		if pv := t.ParamValue(args[0]); pv != 0 {
			addScaledRow(adj[args[1]], zb, pv, d)
		}
	case ZmulVP:
		if coeff[args[0]][0] != 0 {
			addScaledRow(adj[args[0]], zb, t.ParamValue(args[1]), d)
		}
	case PowVV, PowPV, PowVP:
		// descriptive markers only; Pow is always recorded as log/mul/exp
	default:
		panic("reverseOp: unhandled opcode " + op.String())
	}
}

func addScaledRow(dst, src []float64, scale float64, d int) {
	for k := 0; k <= d; k++ {
		dst[k] += scale * src[k]
	}
}

// reverseMul is the dual of z_k = sum_j x_j y_{k-j}.
func reverseMul(x, y, xb, yb, zb []float64, d int) {
	for k := d; k >= 0; k-- {
		for j := 0; j <= k; j++ {
			xb[j] += zb[k] * y[k-j]
			yb[k-j] += zb[k] * x[j]
		}
	}
}

// reverseDiv is the dual of z_k = (x_k - sum_{j<k} z_j y_{k-j}) / y_0.
// x/xb may be nil when the numerator is a parameter row.
func reverseDiv(x, y, z []float64, xb, yb, zb []float64, d int) {
	y0 := y[0]
	for k := d; k >= 0; k-- {
		zbk := zb[k]
		if zbk == 0 {
			continue
		}
		if xb != nil {
			xb[k] += zbk / y0
		}
		for j := 0; j <= k-1; j++ {
			zb[j] -= zbk * y[k-j] / y0
			yb[k-j] -= zbk * z[j] / y0
		}
		yb[0] -= zbk * z[k] / y0
	}
}

// reverseSqrt is the dual of the square-root recursion; z holds sqrt's
// own forward rows. At z_0 = 0 the forward pass pinned every higher
// order to zero, so there is nothing to propagate.
func reverseSqrt(z, xb, zb []float64, d int) {
	z0 := z[0]
	if z0 == 0 {
		return
	}
	for k := d; k >= 1; k-- {
		zbk := zb[k]
		if zbk == 0 {
			continue
		}
		xb[k] += zbk / (2 * z0)
		for j := 1; j <= k-1; j++ {
			zb[j] -= zbk * z[k-j] / (2 * z0)
			zb[k-j] -= zbk * z[j] / (2 * z0)
		}
		zb[0] -= zbk * z[k] / z0
	}
	xb[0] += zb[0] / (2 * z0)
}

// reverseLogRecursion is the dual of z_k = (u_k - (1/k) sum_j j z_j
// u_{k-j}) / u_0 where u is x itself for Log and 1+x (same higher-order
// rows) for Log1p.
func reverseLogRecursion(x []float64, u0 float64, z []float64, xb, zb []float64, d int) {
	for k := d; k >= 1; k-- {
		zbk := zb[k]
		if zbk == 0 {
			continue
		}
		xb[k] += zbk / u0
		for j := 1; j <= k-1; j++ {
			f := float64(j) / float64(k)
			zb[j] -= zbk * f * x[k-j] / u0
			xb[k-j] -= zbk * f * z[j] / u0
		}
		xb[0] -= zbk * z[k] / u0
	}
	xb[0] += zb[0] / u0
}

// reverseUnaryPair runs the duals of the two-result transcendental
// recursions; aux adjoints live at adj[res-1] like any other variable's.
func (t *Tape) reverseUnaryPair(op Opcode, argVar, res int, coeff, adj [][]float64, d int) {
	x := coeff[argVar]
	xb := adj[argVar]
	aux, primary := coeff[res-1], coeff[res]
	auxb, prib := adj[res-1], adj[res]

	switch op {
	case Sin, Cos:
		var s, c, sb, cb []float64
		if op == Sin {
			c, s, cb, sb = aux, primary, auxb, prib
		} else {
			s, c, sb, cb = aux, primary, auxb, prib
		}
		for k := d; k >= 1; k-- {
			for j := 1; j <= k; j++ {
				f := float64(j) / float64(k)
				xb[j] += sb[k] * f * c[k-j]
				cb[k-j] += sb[k] * f * x[j]
				xb[j] -= cb[k] * f * s[k-j]
				sb[k-j] -= cb[k] * f * x[j]
			}
		}
		xb[0] += sb[0]*c[0] - cb[0]*s[0]
	case Sinh, Cosh:
		var sh, ch, shb, chb []float64
		if op == Sinh {
			ch, sh, chb, shb = aux, primary, auxb, prib
		} else {
			sh, ch, shb, chb = aux, primary, auxb, prib
		}
		for k := d; k >= 1; k-- {
			for j := 1; j <= k; j++ {
				f := float64(j) / float64(k)
				xb[j] += shb[k] * f * ch[k-j]
				chb[k-j] += shb[k] * f * x[j]
				xb[j] += chb[k] * f * sh[k-j]
				shb[k-j] += chb[k] * f * x[j]
			}
		}
		xb[0] += shb[0]*ch[0] + chb[0]*sh[0]
	case Tan, Tanh:
		y, z, yb, zb := aux, primary, auxb, prib
		sgn := 1.0
		if op == Tanh {
			sgn = -1
		}
		for k := d; k >= 1; k-- {
			// y_k = conv(z, z, k) was computed after z_k: reverse it first
			for j := 0; j <= k; j++ {
				zb[j] += yb[k] * z[k-j]
				zb[k-j] += yb[k] * z[j]
			}
			xb[k] += zb[k]
			for j := 1; j <= k; j++ {
				f := float64(j) / float64(k)
				xb[j] += zb[k] * sgn * f * y[k-j]
				yb[k-j] += zb[k] * sgn * f * x[j]
			}
		}
		zb[0] += yb[0] * 2 * z[0]
		xb[0] += zb[0] * (1 + sgn*y[0])
	case Asin, Acos:
		b, z, bb, zb := aux, primary, auxb, prib
		c := 1.0
		if op == Acos {
			c = -1
		}
		b0 := b[0]
		for k := d; k >= 1; k-- {
			zbk := zb[k]
			xb[k] += c * zbk / b0
			for i := 1; i <= k-1; i++ {
				f := float64(i) / float64(k)
				zb[i] -= zbk * f * b[k-i] / b0
				bb[k-i] -= zbk * f * z[i] / b0
			}
			bb[0] -= zbk * z[k] / b0
		}
		xb[0] += c * zb[0] / b0
		// b = sqrt(q), q = 1 - x*x: flow the aux adjoint back through both
		qb := make([]float64, d+1)
		reverseSqrt(b, qb, bb, d)
		for k := 0; k <= d; k++ {
			for j := 0; j <= k; j++ {
				xb[j] -= qb[k] * x[k-j]
				xb[k-j] -= qb[k] * x[j]
			}
		}
	case Atan:
		b, z, bb, zb := aux, primary, auxb, prib
		b0 := b[0]
		for k := d; k >= 1; k-- {
			zbk := zb[k]
			xb[k] += zbk / b0
			for i := 1; i <= k-1; i++ {
				f := float64(i) / float64(k)
				zb[i] -= zbk * f * b[k-i] / b0
				bb[k-i] -= zbk * f * z[i] / b0
			}
			bb[0] -= zbk * z[k] / b0
		}
		xb[0] += zb[0] / b0
		// b = 1 + x*x
		for k := 0; k <= d; k++ {
			for j := 0; j <= k; j++ {
				xb[j] += bb[k] * x[k-j]
				xb[k-j] += bb[k] * x[j]
			}
		}
	case Erf, Erfc:
		a, zb, ab := aux, prib, auxb
		c2 := twoOverSqrtPi
		if op == Erfc {
			c2 = -c2
		}
		for k := d; k >= 1; k-- {
			for j := 1; j <= k; j++ {
				f := float64(j) / float64(k)
				xb[j] += zb[k] * c2 * f * a[k-j]
				ab[k-j] += zb[k] * c2 * f * x[j]
			}
		}
		xb[0] += zb[0] * c2 * a[0]
		// a = exp(u), u = -x*x
		u := make([]float64, d+1)
		for k := 0; k <= d; k++ {
			u[k] = -conv(x, x, k)
		}
		ub := make([]float64, d+1)
		for k := d; k >= 1; k-- {
			for j := 1; j <= k; j++ {
				f := float64(j) / float64(k)
				ub[j] += ab[k] * f * a[k-j]
				ab[k-j] += ab[k] * f * u[j]
			}
		}
		ub[0] += ab[0] * a[0]
		for k := 0; k <= d; k++ {
			for j := 0; j <= k; j++ {
				xb[j] -= ub[k] * x[k-j]
				xb[k-j] -= ub[k] * x[j]
			}
		}
	}
}

// reverseAtomic invokes the atomic's own reverse callback for the bracket
// whose opening AFunOp sits at openIndex, adding the returned argument
// adjoints into adj.
func (t *Tape) reverseAtomic(openIndex int, coeff, adj [][]float64, d int) error {
	ra := t.Random()
	_, _, openArgs := ra.OpAt(openIndex)
	atomID, n, m := openArgs[0], openArgs[2], openArgs[3]
	atom := AtomicByID(atomID)
	if atom == nil {
		return newError(AtomicFailure, "Reverse", openIndex, "no atomic registered with id %d", atomID)
	}

	tx := make([][]float64, n)
	argVar := make([]int, n)
	for i := 0; i < n; i++ {
		op, _, args := ra.OpAt(openIndex + 1 + i)
		if op == FunavOp {
			argVar[i] = args[0]
			tx[i] = coeff[args[0]]
		} else {
			argVar[i] = -1
			tx[i] = constRow(t.ParamValue(args[0]), d)
		}
	}
	ty := make([][]float64, m)
	py := make([][]float64, m)
	resVar := make([]int, m)
	for k := 0; k < m; k++ {
		op, res, args := ra.OpAt(openIndex + 1 + n + k)
		if op == FunrvOp {
			resVar[k] = int(res)
			ty[k] = coeff[res]
			py[k] = adj[res]
		} else {
			resVar[k] = -1
			ty[k] = constRow(t.ParamValue(args[0]), d)
			py[k] = make([]float64, d+1)
		}
	}
	px, err := atom.Reverse(d, tx, ty, py)
	if err != nil {
		return newError(AtomicFailure, "Reverse", openIndex, "%v", err)
	}
	for i := 0; i < n; i++ {
		if argVar[i] >= 0 {
			addScaledRow(adj[argVar[i]], px[i], 1, d)
		}
	}
	return nil
}
