package tape

// sweepBuffers is the scratch a single forward sweep needs: the full
// Taylor coefficient matrix, the per-operator VecAD load resolutions and
// the conditional-skip flags.
type sweepBuffers struct {
	coeff [][]float64
	lds   []ldResolution
	skip  []bool
}

// acquireSweep returns zeroed sweep buffers, reusing the tape's free
// slot when Config.FreeList is on and the cached shape matches. A tape
// is a sequential object, so a single-slot free list is enough: at most
// one sweep runs at a time.
func (t *Tape) acquireSweep(orderUp int) *sweepBuffers {
	if t.cfg.FreeList && t.freeBuf != nil &&
		len(t.freeBuf.coeff) == t.nVar && len(t.freeBuf.coeff[0]) == orderUp+1 {
		b := t.freeBuf
		t.freeBuf = nil
		for _, row := range b.coeff {
			for k := range row {
				row[k] = 0
			}
		}
		for i := range b.lds {
			b.lds[i] = ldResolution{}
		}
		for i := range b.skip {
			b.skip[i] = false
		}
		return b
	}
	b := &sweepBuffers{
		coeff: make([][]float64, t.nVar),
		lds:   make([]ldResolution, len(t.op)),
		skip:  make([]bool, len(t.op)),
	}
	for i := range b.coeff {
		b.coeff[i] = make([]float64, orderUp+1)
	}
	return b
}

// releaseSweep hands buffers back to the tape's free slot. Callers must
// not retain any row of b.coeff past this call.
func (t *Tape) releaseSweep(b *sweepBuffers) {
	if !t.cfg.FreeList || t.nVar == 0 || b == nil {
		return
	}
	t.freeBuf = b
}
