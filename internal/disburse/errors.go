package disburse

import (
	"errors"
	"fmt"
)

// ErrorClass partitions send failures by what the caller may safely do
// next.
type ErrorClass int

const (
	// ClassRetryable: the failure happened before anything was broadcast.
	// No funds moved; retrying is safe.
	ClassRetryable ErrorClass = iota
	// ClassFatal: a configuration or signing problem. No funds moved, but
	// retrying will not help until an operator intervenes.
	ClassFatal
	// ClassAmbiguous: the failure happened during or after broadcast. The
	// transfer may have landed; blind retries risk paying twice.
	ClassAmbiguous
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassFatal:
		return "fatal"
	case ClassAmbiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// Error wraps a send failure with its class and the step that produced it.
type Error struct {
	Class ErrorClass
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func classified(class ErrorClass, op string, err error) error {
	return &Error{Class: class, Op: op, Err: err}
}

// ClassOf extracts the class from an executor error. Unknown errors are
// treated as ambiguous: fail loud rather than resend.
func ClassOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassAmbiguous
}
