package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestNewConflictRetryClampsAttempts(test *testing.T) {
	test.Parallel()
	cases := []struct {
		requested int
		want      int
	}{
		{requested: -1, want: 1},
		{requested: 0, want: 1},
		{requested: 3, want: 3},
		{requested: 50, want: maxConflictAttempts},
	}
	for _, testCase := range cases {
		if got := newConflictRetry(testCase.requested).attempts; got != testCase.want {
			test.Fatalf("attempts %d: expected %d, got %d", testCase.requested, testCase.want, got)
		}
	}
}

func TestConflictRetryStopsOnOtherErrors(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	boom := errors.New("boom")
	calls := 0
	attempts, err := newConflictRetry(3).run(context.Background(), store, func(context.Context, Store) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || attempts != 1 || calls != 1 {
		test.Fatalf("expected single failed attempt, got attempts=%d calls=%d err=%v", attempts, calls, err)
	}
}

func TestConflictRetryRetriesConflictsReturnedByFn(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	calls := 0
	attempts, err := newConflictRetry(3).run(context.Background(), store, func(context.Context, Store) error {
		calls++
		if calls < 3 {
			return WrapError("store", "tx", "serialization_failure", ErrTransactionConflict)
		}
		return nil
	})
	if err != nil || attempts != 3 {
		test.Fatalf("expected success on third attempt, got attempts=%d err=%v", attempts, err)
	}
}

func TestConflictRetryHonorsCancelledContext(test *testing.T) {
	test.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts, err := newConflictRetry(2).run(ctx, newMemoryStore(), func(context.Context, Store) error {
		test.Fatalf("fn must not run")
		return nil
	})
	if !errors.Is(err, context.Canceled) || attempts != 0 {
		test.Fatalf("expected cancellation before first attempt, got attempts=%d err=%v", attempts, err)
	}
}

func TestNewServiceValidatesDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, func() int64 { return 0 }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil store, got %v", err)
	}
	if _, err := NewService(newMemoryStore(), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil clock, got %v", err)
	}
}
