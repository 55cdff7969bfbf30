package kernel

// ErrorKind classifies a kernel error so that callers can decide whether a
// failure is recoverable.
type ErrorKind uint8

const (
	// KindInvalid is reported when an argument violates an invariant
	// (malformed range, bad alignment, double mapping). The operation has
	// no side-effects and the caller decides whether to escalate.
	KindInvalid ErrorKind = iota

	// KindExhausted is reported when a fixed-capacity structure or the
	// physical memory pool runs out of space.
	KindExhausted

	// KindTimeout is reported when a lock exceeds its spin budget.
	KindTimeout

	// KindFault is reported for unrecoverable CPU exceptions.
	KindFault
)

// String implements fmt.Stringer for ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindInvalid:
		return "invalid argument"
	case KindExhausted:
		return "resource exhausted"
	case KindTimeout:
		return "lock timeout"
	case KindFault:
		return "cpu fault"
	default:
		return "unknown"
	}
}

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that the Go allocator is not available to us during early
// boot so we cannot use errors.New.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// The error category.
	Kind ErrorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Fatal returns true if errors of this kind cannot be recovered from.
func (e *Error) Fatal() bool {
	return e.Kind == KindTimeout || e.Kind == KindFault
}
