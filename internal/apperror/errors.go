// Package apperror defines the closed error taxonomy shared by every
// component of the coordination core (spec §7).
package apperror

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error classification.
type Code string

const (
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeNotFound           Code = "not_found"
	CodeValidation         Code = "validation"
	CodeBackpressure       Code = "backpressure"
	CodeTimeout            Code = "timeout"
	CodeTransient          Code = "transient"
	CodePermanent          Code = "permanent"
	CodeAlreadyResolved    Code = "already_resolved"
	CodeMaxRetriesExceeded Code = "max_retries_exceeded"
	CodeWorkerSpaceCleanup Code = "worker_space_cleanup"
	CodeCancelled          Code = "cancelled"
)

// sentinels are matched with errors.Is; they carry no per-call context.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrBackpressure       = errors.New("backpressure: queue at capacity")
	ErrTimeout            = errors.New("timeout")
	ErrTransient          = errors.New("transient upstream failure")
	ErrPermanent          = errors.New("permanent upstream failure")
	ErrAlreadyResolved    = errors.New("already resolved")
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	ErrWorkerSpaceCleanup = errors.New("task cancelled: worker space cleanup")
	ErrCancelled          = errors.New("cancelled")
	ErrNoAgentsAvailable  = errors.New("no agents available")
)

var codeToSentinel = map[Code]error{
	CodeUnauthorized:       ErrUnauthorized,
	CodeForbidden:          ErrForbidden,
	CodeNotFound:           ErrNotFound,
	CodeValidation:         ErrValidation,
	CodeBackpressure:       ErrBackpressure,
	CodeTimeout:            ErrTimeout,
	CodeTransient:          ErrTransient,
	CodePermanent:          ErrPermanent,
	CodeAlreadyResolved:    ErrAlreadyResolved,
	CodeMaxRetriesExceeded: ErrMaxRetriesExceeded,
	CodeWorkerSpaceCleanup: ErrWorkerSpaceCleanup,
	CodeCancelled:          ErrCancelled,
}

// CoreError wraps a sentinel with the operation and a human message,
// following the teacher's AgentError{Op, ...} shape.
type CoreError struct {
	Code    Code
	Op      string
	Message string
	Err     error
}

func (e *CoreError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *CoreError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return codeToSentinel[e.Code]
}

// New builds a CoreError for the given operation and code.
func New(op string, code Code, message string) *CoreError {
	return &CoreError{Op: op, Code: code, Message: message}
}

// Wrap attaches an operation and code to an underlying error.
func Wrap(op string, code Code, err error) *CoreError {
	return &CoreError{Op: op, Code: code, Message: err.Error(), Err: err}
}

// Retryable reports whether the error should be retried by a bus worker
// or the outbox publisher (Transient and Timeout are retried; everything
// else is terminal for the current attempt).
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout)
}

// CodeOf extracts the Code from err, defaulting to CodePermanent for
// unrecognized errors so callers never silently retry an unknown failure.
func CodeOf(err error) Code {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code
	}
	for code, sentinel := range codeToSentinel {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodePermanent
}
