package billing

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the billing service.
var (
	ErrNoOpenCycle          = errors.New("no open billing cycle")
	ErrCycleNotFound        = errors.New("billing cycle not found")
	ErrCycleClosed          = errors.New("billing cycle already closed")
	ErrWorkerNotFound       = errors.New("worker not found")
	ErrTaskNotFound         = errors.New("task not found")
	ErrDuplicateOperation   = errors.New("duplicate operation")
	ErrOperationNotFound    = errors.New("operation not found")
	ErrInvalidOperation     = errors.New("invalid operation")
	ErrInvalidCycle         = errors.New("invalid billing cycle")
	ErrInvalidWorkerID      = errors.New("invalid worker id")
	ErrInvalidServiceConfig = errors.New("invalid service config")
	ErrUnhandledEvent       = errors.New("unhandled event")
	ErrPublishFailed        = errors.New("event publish failed")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// Retryable reports whether an event-handling failure is worth a
// redelivery. Missing mirror rows usually mean the mirroring event has
// not arrived yet, so they are retried; invariant violations are not.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, ErrWorkerNotFound), errors.Is(err, ErrNoOpenCycle):
		return true
	case errors.Is(err, ErrInvalidOperation), errors.Is(err, ErrUnhandledEvent), errors.Is(err, ErrPublishFailed):
		// A failed publish sits behind a committed ledger mutation;
		// redelivery would dedupe the entry and never reach the
		// publish again. Dead-letter it so an operator sees it.
		return false
	}
	return true
}
