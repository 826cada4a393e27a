// Package errors holds the streambus error taxonomy: registration sentinels
// plus the typed failures callers are expected to handle (timeouts, remote
// errors) or observe (transport, casting).
package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrConfigRequired        = sterrors.New("streambus: config is required")
	ErrAPINameRequired       = sterrors.New("streambus: api name is required")
	ErrProcedureNameRequired = sterrors.New("streambus: procedure name is required")
	ErrEventNameRequired     = sterrors.New("streambus: event name is required")
	ErrHandlerRequired       = sterrors.New("streambus: handler function is required")
	ErrGroupRequired         = sterrors.New("streambus: consumer group name is required")
	ErrUnknownAPI            = sterrors.New("streambus: unknown api")
	ErrUnknownProcedure      = sterrors.New("streambus: unknown procedure")
	ErrUnknownEvent          = sterrors.New("streambus: unknown event")
	ErrDuplicateProcedure    = sterrors.New("streambus: procedure already registered")
	ErrDuplicateEvent        = sterrors.New("streambus: event already defined")
	ErrServiceStarted        = sterrors.New("streambus: service already started")
)

// TimeoutError reports that no result arrived before the caller's deadline.
// The remote execution is not cancelled; a result arriving later is
// discarded.
type TimeoutError struct {
	CallID    string
	API       string
	Procedure string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("streambus: call %s to %s.%s timed out after %s",
		e.CallID, e.API, e.Procedure, e.Timeout)
}

// TransportError wraps a broker failure. Idempotent reads are retried with
// backoff before one of these surfaces; publishes surface immediately since
// a blind retry could duplicate a call.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("streambus: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteError carries a failure raised by the invoked procedure back into
// the caller's context, preserving the remote kind and message.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("streambus: remote error %s: %s", e.Kind, e.Message)
}

// CastingError reports that a record or wire-constructible target could not
// be built from the supplied fields. Scalar, enum, and sequence mismatches
// never produce one; they pass the wire value through unchanged.
type CastingError struct {
	Target string
	Err    error
}

func (e *CastingError) Error() string {
	return fmt.Sprintf("streambus: cannot construct %s: %v", e.Target, e.Err)
}

func (e *CastingError) Unwrap() error { return e.Err }
