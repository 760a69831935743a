package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service and slot limiter.
var (
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrInsufficientCredits      = errors.New("insufficient credits")
	ErrHoldNotFound             = errors.New("hold not found")
	ErrAlreadyProcessed         = errors.New("hold already processed")
	ErrCaptureExceedsHold       = errors.New("capture exceeds hold")
	ErrSlotLimitReached         = errors.New("concurrency slot limit reached")
	ErrHoldUnsettled            = errors.New("hold left unsettled")
	ErrTransactionConflict      = errors.New("transaction conflict")
	ErrTransactionNotFound      = errors.New("transaction not found")
	ErrAccountNotFound          = errors.New("account not found")
	ErrAccountExists            = errors.New("account already exists")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidTransactionID     = errors.New("invalid transaction id")
	ErrInvalidGrantID           = errors.New("invalid grant id")
	ErrInvalidRequestID         = errors.New("invalid request id")
	ErrInvalidTransactionType   = errors.New("invalid transaction type")
	ErrInvalidTransactionStatus = errors.New("invalid transaction status")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidTier              = errors.New("invalid tier")
	ErrInvalidWindow            = errors.New("invalid time window")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
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
