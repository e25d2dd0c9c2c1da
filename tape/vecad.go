package tape

// vecADTable is the flat side table backing every VecAD vector on the
// tape: each vector is stored as
// [length, ind_0, ind_1, ..., ind_{length-1}], and the recorder hands the
// user an offset pointing one past the length.
//
// Each ind_k is the non-positive encoding (-(parIndex+1)) of the slot's
// initial constant parameter index. Stores never rewrite the table: every
// replay rebuilds a vector's current contents in its own vecadState.
type vecADTable struct {
	ind []int
}

// create appends a new VecAD vector of the given initial constant
// parameter indices and returns the offset (one past the length entry)
// that the recorder/player use to address it.
func (vt *vecADTable) create(parIndices []int) int {
	vt.ind = append(vt.ind, len(parIndices))
	offset := len(vt.ind)
	for _, p := range parIndices {
		vt.ind = append(vt.ind, encodeConst(p))
	}
	return offset
}

// length returns the vector's declared length, given its offset.
func (vt *vecADTable) length(offset int) int {
	return vt.ind[offset-1]
}

// checkIndex validates 0 <= index < length.
func (vt *vecADTable) checkIndex(offset, index int) error {
	n := vt.length(offset)
	if index < 0 || index >= n {
		return newError(VecAdIndexOutOfRange, "vecad", -1,
			"index %d out of range [0, %d)", index, n)
	}
	return nil
}

// slot returns the raw encoded entry at (offset, index).
func (vt *vecADTable) slot(offset, index int) int {
	return vt.ind[offset+index]
}

// isVariable reports whether the raw slot value encodes a variable index.
// Variable indices are always >= 1 (variable 0 is reserved for BeginOp and
// is never a valid operand); constant slots encode as <= -1.
func isVariable(slot int) bool { return slot > 0 }

// encodeConst/decodeConst map a parameter index to/from the non-positive
// encoding used in vecad_ind so that "no value yet" constant slots and
// "already stored" variable slots (always >= 1, since variable 0 is
// reserved for BeginOp and is never a valid operand) are distinguishable
// with a single sign test.
func encodeConst(parIndex int) int { return -(parIndex + 1) }
func decodeConst(slot int) int     { return -slot - 1 }
