// Package exterrors classifies errors crossing the boundary between the
// core subsystems and the HTTP surface. Core code returns an *Error with a
// Kind; the API layer maps kinds to status codes and wire error codes.
package exterrors

import (
	"errors"
	"fmt"
)

// Kind is the coarse classification of an error.
type Kind int

const (
	// Internal is anything uncaught. It is the zero value on purpose:
	// an unclassified error is an internal error.
	Internal Kind = iota
	Validation
	Authentication
	Authorization
	NotFound
	Conflict
	RateLimit
	POP3
	Encryption
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Authentication:
		return "authentication"
	case Authorization:
		return "authorization"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case RateLimit:
		return "rate_limit"
	case POP3:
		return "pop3"
	case Encryption:
		return "encryption"
	default:
		return "internal"
	}
}

// Error carries a kind, a caller-facing message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	// Details is included verbatim in the wire response when present.
	Details map[string]interface{}
	// Err is the underlying cause, kept out of the wire response in
	// production.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error. A nil err yields
// nil.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err, walking the wrap chain. Unclassified
// errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
