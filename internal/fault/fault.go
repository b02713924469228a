// Package fault defines the error taxonomy shared by every engine operation.
//
// Each operation returns exactly one of these kinds at its boundary:
//
//	Validation    — malformed input, rejected before anything is persisted
//	Authorization — the caller is not allowed to perform this action
//	StateConflict — the action was attempted from the wrong status
//	NotFound      — unknown entity id
//	External      — network/datastore failure, retryable under backoff
//	Security      — decryption or key recovery failure, never retried
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for programmatic handling.
type Kind string

const (
	Validation    Kind = "validation"
	Authorization Kind = "authorization"
	StateConflict Kind = "state_conflict"
	NotFound      Kind = "not_found"
	External      Kind = "external"
	Security      Kind = "security"
)

// Error carries a failure kind plus a precise message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind, so sentinel errors built with
// New can be used with errors.Is regardless of message differences.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Msg == "" || t.Msg == e.Msg
}

// New creates a fault of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a fault with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a fault wrapping an underlying cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or External if err is not a *Error.
// A nil err has no kind and returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return External
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether err may be retried under backoff. Only
// external failures qualify; security failures in particular must never
// be retried.
func Retryable(err error) bool {
	return KindOf(err) == External
}
