// Package errs provides the typed application error used across the
// gateway: every returned error that crosses a component boundary (IPC,
// WebSocket bridge, router, mailbox) carries a stable Code so callers can
// branch on failure class without string matching.
package errs

import "fmt"

// Code classifies an Error by failure kind.
type Code string

const (
	CodeNotFound  Code = "NOT_FOUND"
	CodeAuth      Code = "AUTH"
	CodeTransport Code = "TRANSPORT"
	CodeProtocol  Code = "PROTOCOL"
	CodeConfig    Code = "CONFIG"
	CodeConflict  Code = "CONFLICT"
	CodeFatal     Code = "FATAL"
)

// Error is the gateway's structured error type. It implements the standard
// error interface and supports errors.Is/errors.As via Unwrap.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Cause   error
}

// New creates an Error with no details and no cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error that carries an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetails attaches a key/value pair of diagnostic context and returns e
// for chaining.
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Is reports whether target is an *Error with the same Code, so
// errors.Is(err, errs.New(errs.CodeNotFound, "")) style checks work against
// a sentinel built from the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error, and
// returns ok=false otherwise.
func CodeOf(err error) (code Code, ok bool) {
	var e *Error
	for err != nil {
		if as, good := err.(*Error); good {
			e = as
			break
		}
		u, good := err.(interface{ Unwrap() error })
		if !good {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return "", false
	}
	return e.Code, true
}
