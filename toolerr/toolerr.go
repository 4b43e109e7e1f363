// Package toolerr defines the error taxonomy shared by every toolhub
// component.
//
// Each failure that leaves the index, the cursor codec or the execution
// coordinator is a *Error carrying a Kind. Callers branch on the kind with
// errors.Is against the package sentinels:
//
//	if errors.Is(err, toolerr.ErrStaleCursor) {
//	    // restart pagination
//	}
//
// The Diagnostic field holds backend detail for logs only; transports must
// never forward it to clients.
package toolerr

import (
	"errors"
	"fmt"
)

// Kind tags an error with its taxonomy category.
type Kind string

const (
	KindInvalidArgument    Kind = "invalid_argument"
	KindConflict           Kind = "conflict"
	KindNotFound           Kind = "not_found"
	KindInvalidCursor      Kind = "invalid_cursor"
	KindStaleCursor        Kind = "stale_cursor"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindCancelled          Kind = "cancelled"
	KindTimeout            Kind = "timeout"
	KindBackendExecution   Kind = "backend_execution"
	KindInternal           Kind = "internal"
)

// Error is a categorized toolhub error.
type Error struct {
	Kind    Kind
	Message string
	// Diagnostic is opaque backend detail kept for logging.
	Diagnostic string
	cause      error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func (e *Error) Unwrap() error { return e.cause }

// Sentinel errors, matched by kind.
var (
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInvalidCursor      = &Error{Kind: KindInvalidCursor}
	ErrStaleCursor        = &Error{Kind: KindStaleCursor}
	ErrBackendUnavailable = &Error{Kind: KindBackendUnavailable}
	ErrCancelled          = &Error{Kind: KindCancelled}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrBackendExecution   = &Error{Kind: KindBackendExecution}
	ErrInternal           = &Error{Kind: KindInternal}
)

// New returns an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error of the given kind that records cause as its
// diagnostic and unwraps to it.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	e := New(kind, format, args...)
	if cause != nil {
		e.cause = cause
		e.Diagnostic = cause.Error()
	}
	return e
}

// KindOf returns the kind of err, or KindInternal when err carries none.
// A nil error has an empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// Public returns the client-safe message for err: the kind and message
// without diagnostics.
func Public(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Error()
	}
	return string(KindInternal)
}
