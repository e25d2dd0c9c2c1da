package tape

import "fmt"

// ErrorKind enumerates the typed error kinds the engine reports at its
// boundary.
type ErrorKind string

const (
	RecordingInvariant    ErrorKind = "RecordingInvariant"
	AbortOpIndex          ErrorKind = "AbortOpIndex"
	NumericDomain         ErrorKind = "NumericDomain"
	VecAdIndexOutOfRange  ErrorKind = "VecAdIndexOutOfRange"
	SparsityShapeMismatch ErrorKind = "SparsityShapeMismatch"
	AtomicFailure         ErrorKind = "AtomicFailure"
	OptimizerConsistency  ErrorKind = "OptimizerConsistency"
	CompareChange         ErrorKind = "CompareChange"
)

// Error is a typed, located engine error: a kind, the operation that
// raised it, and the tape position at which it happened.
type Error struct {
	Kind    ErrorKind
	Op      string // the Recorder/Player/sweep method that raised it
	OpIndex int    // tape operator index, or -1 if not applicable
	Msg     string
}

func (e *Error) Error() string {
	if e.OpIndex >= 0 {
		return fmt.Sprintf("%s: %s (op #%d): %s", e.Kind, e.Op, e.OpIndex, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Msg)
}

// Is lets errors.Is(err, &Error{Kind: X}) match any *Error of kind X,
// regardless of Op/OpIndex/Msg.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newError(kind ErrorKind, op string, opIndex int, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		OpIndex: opIndex,
		Msg:     fmt.Sprintf(format, args...),
	}
}
