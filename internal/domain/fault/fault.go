// Package fault standardizes engine failure semantics. Handler failures are
// data (persisted to step results) and never travel through these codes; the
// codes classify everything else so the coordinator knows what to retry, what
// to abort, and what to surface to operators.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

type Code string

const (
	CodeValidation         Code = "validation"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeInvariantViolation Code = "invariant_violation"
	CodeRetryable          Code = "retryable"
	CodeTimeout            Code = "timeout"
	CodeInternal           Code = "internal"
)

// Error tags an underlying failure with a code and the operation that hit it.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Wrap(code Code, op string, err error) error {
	return &Error{Code: code, Op: strings.TrimSpace(op), Err: err}
}

func New(code Code, op string, msg string) error {
	return &Error{Code: code, Op: strings.TrimSpace(op), Err: errors.New(strings.TrimSpace(msg))}
}

// CodeOf extracts the code from an error chain, defaulting to internal.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}

func Is(err error, code Code) bool { return CodeOf(err) == code }

// Retryable reports whether the coordinator may retry the failed operation.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeRetryable, CodeTimeout:
		return true
	default:
		return false
	}
}
