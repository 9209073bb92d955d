package failure

import (
	"errors"
	"fmt"
)

// SignalCode enumerates internal domain conditions. The code space is disjoint
// from Kind: signals are control-flow between internal components, never
// classified by the framework router.
type SignalCode int

const (
	// SignalAborted is a pure control-flow abort; intentionally unmapped, the
	// signal router stays silent for it.
	SignalAborted SignalCode = iota
	// SignalLookupNotFound means a user-requested lookup (character, series,
	// track) produced no results.
	SignalLookupNotFound
	// SignalFeedUnavailable means an external feed collaborator refused the
	// request; intentionally unmapped, the producing component already degrades.
	SignalFeedUnavailable
)

// SignalError is an internal domain condition.
type SignalError struct {
	Code    SignalCode
	Subject string
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("domain signal %d (%s)", e.Code, e.Subject)
}

// Signal constructs a SignalError.
func Signal(code SignalCode, subject string) *SignalError {
	return &SignalError{Code: code, Subject: subject}
}

// IsSignal reports whether err is (or wraps) a domain signal.
func IsSignal(err error) bool {
	var sig *SignalError
	return errors.As(err, &sig)
}

// AsSignal returns the SignalError inside err, if any.
func AsSignal(err error) (*SignalError, bool) {
	var sig *SignalError
	if errors.As(err, &sig) {
		return sig, true
	}
	return nil, false
}
