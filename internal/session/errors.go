package session

import (
	"errors"
	"fmt"
)

// Errors returned to callers. ErrNotReady is transient: the caller should try
// again on a later tick.
var (
	ErrNoSuchObject    = errors.New("session: no such object")
	ErrBadArgument     = errors.New("session: bad argument")
	ErrUnacceptedState = errors.New("session: operation not accepted in current state")
	ErrNotReady        = errors.New("session: not ready")
)

// Cause classifies why a session ended. It travels in the Reason field of
// FRAMESERVER_TERMINATED and FRAMESERVER_LOOPED events.
type Cause uint32

const (
	CauseRequested Cause = iota + 1
	CauseExited
	CauseIntegrity
	CauseKilled
	CauseStalled
	CauseResource
)

func (c Cause) String() string {
	switch c {
	case CauseRequested:
		return "requested"
	case CauseExited:
		return "exited"
	case CauseIntegrity:
		return "integrity"
	case CauseKilled:
		return "killed"
	case CauseStalled:
		return "stalled"
	case CauseResource:
		return "resource"
	}
	return fmt.Sprintf("cause(%d)", uint32(c))
}

// FatalError reports a condition that ends the session. It is only returned
// by Control, to the session's owner.
type FatalError struct {
	Cause  Cause
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session: fatal: %s: %v", e.Reason, e.Err)
	}
	return "session: fatal: " + e.Reason
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// CauseOf returns the cause carried by a FatalError, or CauseRequested for
// anything else.
func CauseOf(err error) Cause {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe.Cause
	}
	return CauseRequested
}
