// Package gwerrors defines the typed error kinds shared across the gateway
// daemon's components, so callers can branch on what went wrong instead of
// matching error strings.
package gwerrors

import "github.com/pkg/errors"

// Kind classifies an error for the purposes of the propagation policy: what
// happens at startup differs from what happens mid-tick or mid-request.
type Kind int

// The error kinds a component may raise.
const (
	ConfigInvalid Kind = iota
	NetworkTransient
	NetworkFatal
	AuthVerdictDenied
	FirewallTransient
	FirewallFatal
	ClientNotFound
	ClientDuplicate
)

func (k Kind) String() string {
	switch k {
	case ConfigInvalid:
		return "ConfigInvalid"
	case NetworkTransient:
		return "NetworkTransient"
	case NetworkFatal:
		return "NetworkFatal"
	case AuthVerdictDenied:
		return "AuthVerdictDenied"
	case FirewallTransient:
		return "FirewallTransient"
	case FirewallFatal:
		return "FirewallFatal"
	case ClientNotFound:
		return "ClientNotFound"
	case ClientDuplicate:
		return "ClientDuplicate"
	default:
		return "Unknown"
	}
}

// Error is a typed error: a Kind plus a wrapped cause. errors.Cause() still
// unwraps to whatever the original library error was.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.cause.Error()
}

// Cause implements the interface github.com/pkg/errors.Cause() looks for.
func (e *Error) Cause() error { return e.cause }

// Unwrap supports errors.Is/As from the standard library as well.
func (e *Error) Unwrap() error { return e.cause }

// New wraps cause (which may be nil) as an Error of the given kind, with
// msg attached as call-site context.
func New(kind Kind, msg string, cause error) *Error {
	var wrapped error
	if cause != nil {
		wrapped = errors.Wrap(cause, msg)
	} else if msg != "" {
		wrapped = errors.New(msg)
	}
	return &Error{Kind: kind, cause: wrapped}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
