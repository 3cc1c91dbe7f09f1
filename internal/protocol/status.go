package protocol

// Status is the 4-byte status-kind carried in every reply. OK and
// Warning are non-fatal; Discard and Error mean the call failed but the
// session survives; Fatal ends the session. NotImplemented is reported
// to the caller as a plain Error rather than propagated as its own wire
// value.
type Status int32

const (
	StatusOK Status = iota
	StatusWarning
	StatusDiscard
	StatusError
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "Warning"
	case StatusDiscard:
		return "Discard"
	case StatusError:
		return "Error"
	case StatusFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// IsFatal reports whether a session must be torn down after this status.
func (s Status) IsFatal() bool { return s == StatusFatal }

// Ok reports whether the call fully succeeded.
func (s Status) Ok() bool { return s == StatusOK }

// FromNotImplemented narrows the model-side "not implemented" outcome to
// the wire taxonomy: the caller sees a plain Error, never a distinct
// NotImplemented status.
func FromNotImplemented() Status { return StatusError }
