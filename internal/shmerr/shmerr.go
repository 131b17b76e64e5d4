// Package shmerr defines the error taxonomy exposed across the
// request/response boundary, plus a compound-error accumulator for
// the liveness-recovery loops that must keep going after a sub-step
// fails.
package shmerr

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// Code is one of the error codes exposed to callers.
type Code int

const (
	OK Code = iota
	NoMem
	NotFound
	Unsupported
	Timeout
	Internal
	Sys
	InitFailed
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case NoMem:
		return "NOMEM"
	case NotFound:
		return "NOT_FOUND"
	case Unsupported:
		return "UNSUPPORTED"
	case Timeout:
		return "TIMEOUT"
	case Internal:
		return "INTERNAL"
	case Sys:
		return "SYS"
	case InitFailed:
		return "INIT_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Error wraps a Code with context, preserving the wrapped cause for
// errors.Is/As.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op with the given code and optional cause.
func New(op string, code Code, cause error) *Error {
	return &Error{Code: code, Op: op, Err: cause}
}

// NotFoundf builds a NOT_FOUND error for a lookup miss.
func NotFoundf(op, format string, args ...any) *Error {
	return New(op, NotFound, fmt.Errorf(format, args...))
}

// Internalf builds an INTERNAL error for a consistency violation.
func Internalf(op, format string, args ...any) *Error {
	return New(op, Internal, fmt.Errorf(format, args...))
}

// Sysf wraps an errno-class failure with the syscall name.
func Sysf(op, syscall string, cause error) *Error {
	return New(op, Sys, fmt.Errorf("%s: %w", syscall, cause))
}

// CodeOf extracts the Code carried by err, defaulting to Internal if
// err does not wrap a *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if err == nil {
		return OK
	}
	return Internal
}

// Collector accumulates sub-errors during a loop that must not abort
// on individual failures (liveness recovery); callers get one compound
// report at the end.
type Collector struct {
	err error
}

// Add appends err to the collector if non-nil.
func (c *Collector) Add(err error) {
	if err == nil {
		return
	}
	c.err = multierr.Append(c.err, err)
}

// Err returns the accumulated compound error, or nil if nothing failed.
func (c *Collector) Err() error { return c.err }

// Errors returns the individual errors that were collected.
func (c *Collector) Errors() []error { return multierr.Errors(c.err) }
