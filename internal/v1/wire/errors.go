// Package wire implements the HTTP boundary conventions shared by every
// service surface: the response envelope, error classification, token
// transport, input sanitization, and role gates.
package wire

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the HTTP boundary. Engines return errors
// carrying a Kind; the envelope and status code are derived exactly once,
// at the wire layer.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindRateLimited
	KindUpstream
)

// Error is the discriminated error type crossing engine boundaries.
type Error struct {
	Kind    Kind
	Message string
	Errs    []string // optional structured validation errors
	Err     error    // wrapped cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Ef builds a classified error with a formatted message.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a classified error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// ValidationErr carries a list of field-level validation messages.
func ValidationErr(msgs ...string) *Error {
	return &Error{Kind: KindValidation, Message: "validation failed", Errs: msgs}
}

// KindOf extracts the Kind from an error chain; unclassified errors are internal.
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return KindInternal
}

// StatusOf maps an error kind to its HTTP status code.
func StatusOf(kind Kind) int {
	switch kind {
	case KindValidation:
		return 400
	case KindUnauthorized:
		return 401
	case KindForbidden:
		return 403
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindRateLimited:
		return 429
	case KindUpstream:
		return 503
	default:
		return 500
	}
}
