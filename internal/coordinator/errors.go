package coordinator

import "fmt"

// ErrorKind is the wire-level error classification from spec §7. Its
// numeric value is what travels back in the CodeError envelope payload.
type ErrorKind uint8

const (
	ErrKindMalformedRequest ErrorKind = 1
	ErrKindUnknownXid       ErrorKind = 2
	ErrKindDuplicateVote    ErrorKind = 3
	ErrKindCapacityExhausted ErrorKind = 4
	ErrKindInternalError    ErrorKind = 5
	ErrKindThrottled        ErrorKind = 6
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindMalformedRequest:
		return "MalformedRequest"
	case ErrKindUnknownXid:
		return "UnknownXid"
	case ErrKindDuplicateVote:
		return "DuplicateVote"
	case ErrKindCapacityExhausted:
		return "CapacityExhausted"
	case ErrKindInternalError:
		return "InternalError"
	case ErrKindThrottled:
		return "Throttled"
	default:
		return "Unknown"
	}
}

// Error wraps an ErrorKind so callers can both log a message and recover
// the wire-level classification with errors.As.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func newErr(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

var (
	ErrMalformedRequest  = newErr(ErrKindMalformedRequest, "malformed request")
	ErrCapacityExhausted = newErr(ErrKindCapacityExhausted, "transaction table is full")
)

func errUnknownXid(g any) *Error {
	return newErr(ErrKindUnknownXid, "unknown gxid %v", g)
}

func errDuplicateVote(node any, g any) *Error {
	return newErr(ErrKindDuplicateVote, "node %v already voted on gxid %v", node, g)
}
