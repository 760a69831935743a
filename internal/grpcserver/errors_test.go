package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	creditv1 "github.com/MarkoPoloResearchLab/credits/api/credit/v1"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

func TestMapToGRPCError(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		source  error
		code    codes.Code
		message string
	}{
		{
			name:    "exhausted hold reports insufficient credits",
			source:  fmt.Errorf("%w: %w", ledger.ErrInsufficientCredits, ledger.ErrTransactionConflict),
			code:    codes.FailedPrecondition,
			message: creditv1.ErrorInsufficientCredits,
		},
		{
			name:    "exhausted slot reports limit",
			source:  fmt.Errorf("%w: %w", ledger.ErrSlotLimitReached, ledger.ErrTransactionConflict),
			code:    codes.ResourceExhausted,
			message: creditv1.ErrorSlotLimitReached,
		},
		{
			name:    "bare conflict",
			source:  ledger.WrapError("store", "tx", "serialization_failure", ledger.ErrTransactionConflict),
			code:    codes.Aborted,
			message: creditv1.ErrorTransactionConflict,
		},
		{
			name:    "cancelled",
			source:  fmt.Errorf("hold: %w", context.Canceled),
			code:    codes.Canceled,
			message: "hold: context canceled",
		},
		{
			name:    "unknown",
			source:  errors.New("disk on fire"),
			code:    codes.Internal,
			message: "disk on fire",
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			statusInfo, ok := status.FromError(mapToGRPCError(testCase.source))
			if !ok {
				test.Fatalf("expected a status error")
			}
			if statusInfo.Code() != testCase.code || statusInfo.Message() != testCase.message {
				test.Fatalf("expected %s/%q, got %s/%q", testCase.code, testCase.message, statusInfo.Code(), statusInfo.Message())
			}
		})
	}
}
