package capability

import (
	"errors"
	"fmt"
)

var (
	// ErrCapabilityUnavailable means the entry point could not be found on
	// this host or its shape is not the one we know how to call.
	ErrCapabilityUnavailable = errors.New("capability unavailable")
	// ErrInvocationFault means the entry point exists but the call failed.
	ErrInvocationFault = errors.New("invocation fault")
	// ErrClosed is returned once the invoker has been shut down.
	ErrClosed = errors.New("invoker closed")
)

// ErrorKind classifies an InvocationError.
type ErrorKind int

const (
	KindUnavailable ErrorKind = iota
	KindFault
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindFault:
		return "fault"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// InvocationError carries the entry point and cause of a failed
// privileged call.
type InvocationError struct {
	Kind       ErrorKind
	EntryPoint EntryPoint
	Cause      error
}

func (e *InvocationError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.EntryPoint, e.sentinel())
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *InvocationError) sentinel() error {
	if e.Kind == KindUnavailable {
		return ErrCapabilityUnavailable
	}
	return ErrInvocationFault
}

// Is matches the sentinel for the error's kind.
func (e *InvocationError) Is(target error) bool {
	return target == e.sentinel()
}

func (e *InvocationError) Unwrap() error {
	return e.Cause
}
