// Package netstack implements the core packet pipeline of a userspace
// TCP/IP stack: the interrupt/scheduling fabric, the device and protocol
// registries, the ARP resolver and cache, and the periodic timer service
// that higher-layer protocols (ICMP/UDP/TCP) attach to.
package netstack

import (
	"errors"
	"fmt"
)

// ErrorCode is a high-level error category surfaced at the core boundary.
type ErrorCode string

// Error kinds from the core's error-handling design.
const (
	ErrCodeNotUp               ErrorCode = "not up"
	ErrCodeTooLong             ErrorCode = "too long"
	ErrCodeAlreadyRegistered   ErrorCode = "already registered"
	ErrCodeConflict            ErrorCode = "conflict"
	ErrCodeNoMemory            ErrorCode = "no memory"
	ErrCodeInvalidFrame        ErrorCode = "invalid frame"
	ErrCodeResolveIncomplete   ErrorCode = "resolve incomplete"
	ErrCodeResolveError        ErrorCode = "resolve error"
	ErrCodeInterrupted         ErrorCode = "interrupted"
)

// Error is a structured netstack error carrying the operation and device
// context that produced it.
type Error struct {
	Op     string    // operation that failed, e.g. "output", "register"
	Dev    string    // device name, empty if not applicable
	Code   ErrorCode // high-level error category
	Msg    string    // human-readable message
	Inner  error     // wrapped error, if any
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Dev != "" {
		return fmt.Sprintf("netstack: %s: %s (dev=%s)", e.Op, msg, e.Dev)
	}
	if e.Op != "" {
		return fmt.Sprintf("netstack: %s: %s", e.Op, msg)
	}
	return fmt.Sprintf("netstack: %s", msg)
}

// Unwrap supports errors.Is/errors.As against the wrapped error.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is supports errors.Is comparison by error code.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Code == te.Code
	}
	return false
}

// NewError constructs a structured error for the given operation and code.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewDeviceError constructs a structured error scoped to a device.
func NewDeviceError(op, dev string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Dev: dev, Code: code, Msg: msg}
}

// WrapError wraps an existing error with netstack operation context,
// preserving the code of an inner *Error if there is one.
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ie, ok := inner.(*Error); ok {
		return &Error{Op: op, Dev: ie.Dev, Code: ie.Code, Msg: ie.Msg, Inner: ie}
	}
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is (or wraps) a *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Sentinel errors for codes with no op/dev context, convenient for
// errors.Is comparisons against constant values. sched.Cond returns its
// own sched.ErrInterrupted, which does not match ErrInterrupted here.
var (
	ErrInterrupted       = &Error{Code: ErrCodeInterrupted, Msg: "interrupted"}
	ErrResolveIncomplete = &Error{Code: ErrCodeResolveIncomplete, Msg: "resolution pending"}
	ErrResolveError      = &Error{Code: ErrCodeResolveError, Msg: "resolution not possible"}
)
