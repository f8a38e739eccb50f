package core

import (
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// ERROR TAXONOMY
// ============================================================================

// ErrorKind classifies a failure by what the caller can do about it,
// not by transport code.
type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindAuthorization
	KindState
	KindCapacity
	KindNotFound
	KindDuplicate
	KindTransport
	KindEncryption
	KindPersistence
	KindUnexpected
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindCapacity:
		return "capacity"
	case KindNotFound:
		return "not_found"
	case KindDuplicate:
		return "duplicate"
	case KindTransport:
		return "transport"
	case KindEncryption:
		return "encryption"
	case KindPersistence:
		return "persistence"
	default:
		return "unexpected"
	}
}

// Error carries a kind alongside the message so boundaries (HTTP layer,
// controller) can translate without string matching.
type Error struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration // capacity errors only
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a kinded error from a format string.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an underlying cause.
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func NewValidation(format string, args ...interface{}) *Error {
	return NewError(KindValidation, format, args...)
}

func NewAuthorization(format string, args ...interface{}) *Error {
	return NewError(KindAuthorization, format, args...)
}

func NewState(format string, args ...interface{}) *Error {
	return NewError(KindState, format, args...)
}

// NewCapacity carries a retry-after hint for 429 responses.
func NewCapacity(retryAfter time.Duration, format string, args ...interface{}) *Error {
	e := NewError(KindCapacity, format, args...)
	e.RetryAfter = retryAfter
	return e
}

func NewNotFound(format string, args ...interface{}) *Error {
	return NewError(KindNotFound, format, args...)
}

func NewDuplicate(format string, args ...interface{}) *Error {
	return NewError(KindDuplicate, format, args...)
}

// KindOf extracts the kind from any error in the chain, defaulting to
// unexpected for plain errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
