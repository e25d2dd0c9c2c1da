package tape

import (
	"bytes"
	"encoding/binary"
	"io"
)

// serializeMagic is the 16-byte header's fixed prefix (15 bytes, NUL
// padded); the 16th byte carries the chosen address width. The opcode
// width is always 1 byte (Opcode is a uint8), so only the address width
// needs to travel.
const serializeMagic = "CPPADGO-TAPE-V1"

// addressWidthFor picks the narrowest AddressWidth that can represent
// every value up to max(nVar, nOp, nArg). The random-access tables size
// their entries by the same rule; Serialize reuses it for the on-disk
// arg_vec/dep_vec entry width.
func addressWidthFor(nVar, nOp, nArg int) AddressWidth {
	max := nVar
	if nOp > max {
		max = nOp
	}
	if nArg > max {
		max = nArg
	}
	switch {
	case max < 1<<16:
		return Address16
	case max < 1<<32:
		return Address32
	default:
		return Address64
	}
}

func addrByteWidth(w AddressWidth) int {
	switch w {
	case Address16:
		return 2
	case Address32:
		return 4
	default:
		return 8
	}
}

func writeAddr(buf *bytes.Buffer, w AddressWidth, v int) error {
	switch w {
	case Address16:
		return binary.Write(buf, binary.LittleEndian, uint16(v))
	case Address32:
		return binary.Write(buf, binary.LittleEndian, uint32(v))
	default:
		return binary.Write(buf, binary.LittleEndian, uint64(v))
	}
}

func readAddr(r io.Reader, w AddressWidth) (int, error) {
	switch w {
	case Address16:
		var v uint16
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, err
		}
		return int(v), nil
	case Address32:
		var v uint32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, err
		}
		return int(v), nil
	default:
		var v uint64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, err
		}
		return int(v), nil
	}
}

// Serialize encodes t as a flat binary record: the magic header, then the
// counts, op_vec, arg_vec, par_vec, the dynamic-parameter arrays,
// text_vec, vecad_ind and dep_vec, in that order. The layout is
// compatibility-critical: changing any opcode's numeric code, slot count
// or slot meaning breaks previously written tapes. Atomic-call
// bookkeeping (Tape.atomics) is not written: every field it carries
// (atom id, n, m, argument/result wiring) is already present in the
// AFunOp/Funap/Funav/Funrp/Funrv bracket itself, so Deserialize
// reconstructs it by re-scanning op_vec rather than duplicating it on
// disk.
func (t *Tape) Serialize() ([]byte, error) {
	addrWidth := addressWidthFor(t.nVar, len(t.op), len(t.arg))

	var buf bytes.Buffer
	header := make([]byte, 16)
	copy(header, serializeMagic)
	header[15] = byte(addrWidth)
	buf.Write(header)

	nDynInd, nDynPar := 0, 0
	for i, dyn := range t.params.dynIs {
		if !dyn {
			continue
		}
		nDynPar++
		if t.params.dynOp[i] == dynLeafOp {
			nDynInd++
		}
	}

	counts := [...]int64{
		int64(t.nInd), int64(t.nVar), int64(len(t.op)), int64(len(t.arg)),
		int64(t.params.len()), int64(len(t.text)), int64(len(t.vecad.ind)),
		int64(nDynInd), int64(nDynPar), int64(len(t.dep)),
	}
	for _, c := range counts {
		if err := binary.Write(&buf, binary.LittleEndian, c); err != nil {
			return nil, err
		}
	}

	for _, op := range t.op {
		buf.WriteByte(byte(op))
	}
	for _, a := range t.arg {
		if err := writeAddr(&buf, addrWidth, a); err != nil {
			return nil, err
		}
	}
	for _, v := range t.params.values {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			return nil, err
		}
	}
	for _, dyn := range t.params.dynIs {
		b := byte(0)
		if dyn {
			b = 1
		}
		buf.WriteByte(b)
	}
	for _, op := range t.params.dynOp {
		buf.WriteByte(byte(op))
	}
	for _, a := range t.params.dynArg {
		if err := binary.Write(&buf, binary.LittleEndian, int64(a[0])); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, int64(a[1])); err != nil {
			return nil, err
		}
	}
	buf.Write(t.text)
	for _, v := range t.vecad.ind {
		if err := binary.Write(&buf, binary.LittleEndian, int64(v)); err != nil {
			return nil, err
		}
	}
	for _, d := range t.dep {
		if err := writeAddr(&buf, addrWidth, int(d)); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// Deserialize decodes a tape written by Serialize. cfg is the Config the
// resulting Tape carries; the serialized form does not cover such
// build-time options.
func Deserialize(data []byte, cfg Config) (*Tape, error) {
	if len(data) < 16 {
		return nil, newError(RecordingInvariant, "Deserialize", -1, "truncated header")
	}
	header := data[:16]
	if string(header[:len(serializeMagic)]) != serializeMagic {
		return nil, newError(RecordingInvariant, "Deserialize", -1, "bad magic header")
	}
	addrWidth := AddressWidth(header[15])

	r := bytes.NewReader(data[16:])
	var counts [10]int64
	for i := range counts {
		if err := binary.Read(r, binary.LittleEndian, &counts[i]); err != nil {
			return nil, newError(RecordingInvariant, "Deserialize", -1, "truncated counts: %v", err)
		}
	}
	nInd, nVar, nOp, nArg := int(counts[0]), int(counts[1]), int(counts[2]), int(counts[3])
	nPar, nText, nVecAD := int(counts[4]), int(counts[5]), int(counts[6])
	nDep := int(counts[9])

	op := make([]Opcode, nOp)
	opBytes := make([]byte, nOp)
	if _, err := io.ReadFull(r, opBytes); err != nil {
		return nil, err
	}
	for i, b := range opBytes {
		op[i] = Opcode(b)
	}

	arg := make([]int, nArg)
	for i := range arg {
		v, err := readAddr(r, addrWidth)
		if err != nil {
			return nil, err
		}
		arg[i] = v
	}

	values := make([]float64, nPar)
	for i := range values {
		if err := binary.Read(r, binary.LittleEndian, &values[i]); err != nil {
			return nil, err
		}
	}

	dynIs := make([]bool, nPar)
	for i := range dynIs {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		dynIs[i] = b != 0
	}
	dynOpBytes := make([]byte, nPar)
	if _, err := io.ReadFull(r, dynOpBytes); err != nil {
		return nil, err
	}
	dynOp := make([]Opcode, nPar)
	for i, b := range dynOpBytes {
		dynOp[i] = Opcode(b)
	}
	dynArg := make([][2]int, nPar)
	for i := range dynArg {
		var a0, a1 int64
		if err := binary.Read(r, binary.LittleEndian, &a0); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &a1); err != nil {
			return nil, err
		}
		dynArg[i] = [2]int{int(a0), int(a1)}
	}

	text := make([]byte, nText)
	if _, err := io.ReadFull(r, text); err != nil {
		return nil, err
	}

	vecadInd := make([]int, nVecAD)
	for i := range vecadInd {
		var v int64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		vecadInd[i] = int(v)
	}

	dep := make([]Var, nDep)
	for i := range dep {
		v, err := readAddr(r, addrWidth)
		if err != nil {
			return nil, err
		}
		dep[i] = Var(v)
	}

	pt := &paramTable{values: values, dynIs: dynIs, dynOp: dynOp, dynArg: dynArg,
		constIndex: make(map[float64]int)}
	for i, v := range values {
		if !dynIs[i] {
			pt.constIndex[v] = i
		}
	}

	t := &Tape{
		op:      op,
		arg:     arg,
		params:  pt,
		text:    text,
		vecad:   vecADTable{ind: vecadInd},
		dep:     dep,
		nInd:    nInd,
		nVar:    nVar,
		atomics: rebuildAtomics(op, arg),
		cfg:     cfg,

		compareFirstOp: -1,
	}
	return t, nil
}

// rebuildAtomics reconstructs Tape.atomics by re-scanning op/arg for
// AFunOp brackets, mirroring (*Recorder).CallAtomic's bookkeeping. This
// keeps a deserialized tape's atomics slice consistent with its opcode
// stream without having to serialize it separately.
func rebuildAtomics(op []Opcode, arg []int) []atomicCall {
	var atomics []atomicCall
	p := &Player{t: &Tape{op: op, arg: arg}, opIndex: -1}
	for p.Next() {
		if p.Op() != AFunOp {
			continue
		}
		atomID, n, m := p.Args()[0], p.Args()[2], p.Args()[3]
		call := atomicCall{atomID: atomID, argIsVar: make([]bool, n), argIdx: make([]int, n), resVar: make([]Var, m)}
		for i := 0; i < n; i++ {
			if !p.Next() {
				break
			}
			if p.Op() == FunavOp {
				call.argIsVar[i] = true
			}
			call.argIdx[i] = p.Args()[0]
		}
		for k := 0; k < m; k++ {
			if !p.Next() {
				break
			}
			if p.Op() == FunrvOp {
				call.resVar[k] = p.Res()
			} else {
				call.resVar[k] = -1
			}
		}
		p.Next() // closing AFunOp
		atomics = append(atomics, call)
	}
	return atomics
}
