package tape

// BuildDeterminantTape records a tape computing det(a) for a square
// matrix a by expansion by minors, with a itself backed by a single VecAD
// vector in row-major order rather than n*n separate independents read
// directly: every entry is first stored into the vector, then every
// recursive minor computation loads its entries back out, so the tape
// carries real multi-store/multi-load VecAD traffic.
//
// The independents are the matrix entries in row-major order
// (a[0][0], a[0][1], ..., a[n-1][n-1]); Forward/Reverse callers must
// supply coefficients in that same order.
func BuildDeterminantTape(cfg Config, a [][]float64) (*Tape, error) {
	n := len(a)
	r := NewRecorder(cfg)

	flat := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			flat[i*n+j] = a[i][j]
		}
	}
	xs, err := r.Independent(flat)
	if err != nil {
		return nil, err
	}

	ref := r.NewVecAD(make([]float64, n*n))
	for i, xv := range xs {
		if err := r.VecADStore(ref, r.Const(float64(i)), xv); err != nil {
			return nil, err
		}
	}

	indices := make([]int, n*n)
	for i := range indices {
		indices[i] = i
	}
	det, err := determinantMinor(r, ref, indices, n)
	if err != nil {
		return nil, err
	}
	return r.Dependent(det)
}

// determinantMinor computes det of the size-n submatrix whose entries (in
// row-major order) live at the given flat positions in ref, by cofactor
// expansion along its first row.
func determinantMinor(r *Recorder, ref VecADRef, indices []int, n int) (Value, error) {
	if n == 1 {
		return r.VecADLoad(ref, r.Const(float64(indices[0])))
	}

	sum := r.Const(0)
	sign := 1.0
	for c := 0; c < n; c++ {
		sub := make([]int, 0, (n-1)*(n-1))
		for row := 1; row < n; row++ {
			for col := 0; col < n; col++ {
				if col == c {
					continue
				}
				sub = append(sub, indices[row*n+col])
			}
		}
		minor, err := determinantMinor(r, ref, sub, n-1)
		if err != nil {
			return Value{}, err
		}
		entry, err := r.VecADLoad(ref, r.Const(float64(indices[c])))
		if err != nil {
			return Value{}, err
		}
		term, err := r.Arithmetic(FamilyMul, entry, minor)
		if err != nil {
			return Value{}, err
		}
		if sign < 0 {
			if term, err = r.Unary(Neg, term); err != nil {
				return Value{}, err
			}
		}
		if sum, err = r.Arithmetic(FamilyAdd, sum, term); err != nil {
			return Value{}, err
		}
		sign = -sign
	}
	return sum, nil
}
