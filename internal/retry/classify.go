// Package retry classifies failures and computes back-off for both
// run-level retries and call-site retries of infrastructure operations.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorClass buckets a failure by how the control plane should react.
type ErrorClass string

const (
	ClassNone              ErrorClass = ""
	ClassTransient         ErrorClass = "transient"
	ClassTimeout           ErrorClass = "timeout"
	ClassValidation        ErrorClass = "validation"
	ClassResourceExhausted ErrorClass = "resource_exhausted"
	ClassUnknown           ErrorClass = "unknown"
)

// ParseErrorClass converts a stored class name back into an ErrorClass
func ParseErrorClass(s string) ErrorClass {
	switch ErrorClass(s) {
	case ClassTransient, ClassTimeout, ClassValidation, ClassResourceExhausted, ClassUnknown:
		return ErrorClass(s)
	case ClassNone:
		return ClassNone
	default:
		return ClassUnknown
	}
}

// ClassifiedError attaches an explicit class to an error
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Validation marks err as a non-retryable validation/configuration failure
func Validation(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: ClassValidation, Err: err}
}

// Validationf builds a validation error from a format string
func Validationf(format string, args ...any) error {
	return &ClassifiedError{Class: ClassValidation, Err: fmt.Errorf(format, args...)}
}

// Transient marks err as a retryable infrastructure failure
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: ClassTransient, Err: err}
}

// Timeout marks err as a timed-out operation
func Timeout(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: ClassTimeout, Err: err}
}

// Classify maps any error onto an ErrorClass. Explicit classifications
// win; then context, Postgres and network errors are recognised.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Class
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ClassTransient
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPgCode(pgErr.Code)
	}
	if pgconn.Timeout(err) {
		return ClassTimeout
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.SafeToRetry(err) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassTransient
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return ClassTransient
	}

	return ClassUnknown
}

// IsTransient reports whether a call-site retry may help
func IsTransient(err error) bool {
	switch Classify(err) {
	case ClassTransient, ClassTimeout:
		return true
	default:
		return false
	}
}

func classifyPgCode(code string) ErrorClass {
	if len(code) < 2 {
		return ClassUnknown
	}
	switch code {
	case "40001", "40P01", "55P03":
		// serialization failure, deadlock, lock not available
		return ClassTransient
	case "57014":
		// query_canceled (statement_timeout)
		return ClassTimeout
	}
	switch code[:2] {
	case "08", "53", "57", "58":
		return ClassTransient
	case "22", "23", "42":
		return ClassValidation
	}
	return ClassUnknown
}
