package ledger

import (
	"errors"
	"testing"
)

const (
	operationName    = "store"
	subjectName      = "hold"
	codeName         = "update_status"
	baseErrorMessage = "base error"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseError := errors.New(baseErrorMessage)
	wrappedError := WrapError(operationName, subjectName, codeName, baseError)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	expected := operationName + "." + subjectName + "." + codeName + ": " + baseErrorMessage
	if wrappedError.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrappedError.Error())
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError(operationName, subjectName, codeName, nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}

func TestOperationErrorKeepsSentinel(test *testing.T) {
	test.Parallel()
	wrappedError := WrapError(operationName, "tx", "serialization_failure", ErrTransactionConflict)
	if !errors.Is(wrappedError, ErrTransactionConflict) {
		test.Fatalf("expected errors.Is to reach ErrTransactionConflict")
	}
	var operationError OperationError
	if !errors.As(wrappedError, &operationError) {
		test.Fatalf("expected OperationError")
	}
	if operationError.Operation() != operationName || operationError.Subject() != "tx" || operationError.Code() != "serialization_failure" {
		test.Fatalf("unexpected segments: %+v", operationError)
	}
}
