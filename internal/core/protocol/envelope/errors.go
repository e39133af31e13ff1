package envelope

import "errors"

var (
	ErrEmptyKind       = errors.New("envelope kind is empty")
	ErrPayloadMismatch = errors.New("payload kind does not match envelope kind")

	ErrMalformed      = errors.New("malformed envelope")
	ErrMissingKind    = errors.New("envelope kind missing")
	ErrUnknownKind    = errors.New("unknown envelope kind")
	ErrInvalidPayload = errors.New("invalid payload")
)

// DecodeError reports why a single message could not be decoded. Callers
// drop that message and keep reading.
type DecodeError struct {
	Kind  Kind
	Err   error
	Cause error
}

func (e *DecodeError) Error() string {
	msg := "decode"
	if e.Kind != "" {
		msg += " " + string(e.Kind)
	}
	msg += ": " + e.Err.Error()
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// IsDecodeError reports whether err carries a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
