package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestHoldCreatesPendingSelfReferencingTransaction(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	service := mustNewService(test, store, newTestClock(testStartUnixUTC))
	userID := mustFundedUser(test, service, "hold-user", 100)
	metadata := mustMetadata(test, `{"prompt":"cat"}`)

	holdID, err := service.Hold(context.Background(), userID, mustPositiveCredits(test, 40), "image", metadata)
	if err != nil {
		test.Fatalf("hold: %v", err)
	}
	hold := store.mustTransaction(test, holdID)
	if hold.HoldID != holdID || hold.Type != TransactionHold || hold.Status != StatusPending || hold.Amount != -40 {
		test.Fatalf("unexpected hold row: %+v", hold)
	}
	if hold.Metadata.String() != metadata.String() || hold.Description != "image" {
		test.Fatalf("unexpected hold payload: %+v", hold)
	}
	balance := mustBalance(test, service, userID)
	if balance.Balance != 100 || balance.AvailableBalance != 60 {
		test.Fatalf("hold must not touch balance: %+v", balance)
	}
}

func TestHoldRejectsInvalidAmountBeforeIO(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	service := mustNewService(test, store, newTestClock(testStartUnixUTC))
	_, err := service.Hold(context.Background(), mustUserID(test, "any"), 0, "", MetadataJSON{})
	if !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if store.transactionCalls() != 0 {
		test.Fatalf("expected no store access, got %d transactions", store.transactionCalls())
	}
}

func TestHoldInsufficientCredits(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	service := mustNewService(test, store, newTestClock(testStartUnixUTC))
	userID := mustFundedUser(test, service, "poor-user", 10)

	_, err := service.Hold(context.Background(), userID, mustPositiveCredits(test, 11), "", MetadataJSON{})
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if errors.Is(err, ErrTransactionConflict) {
		test.Fatalf("plain rejection must not report a conflict: %v", err)
	}
	if pending, _ := store.SumPendingHolds(context.Background(), userID); pending != 0 {
		test.Fatalf("expected no pending holds, got %d", pending)
	}
}

func TestHoldUnknownAccount(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newMemoryStore(), newTestClock(testStartUnixUTC))
	_, err := service.Hold(context.Background(), mustUserID(test, "ghost"), 1, "", MetadataJSON{})
	if !errors.Is(err, ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestHoldRetriesOnceAfterConflict(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	logger := &recorderLogger{}
	service := mustNewService(test, store, newTestClock(testStartUnixUTC), WithOperationLogger(logger))
	userID := mustFundedUser(test, service, "retry-user", 50)
	store.failNext(1)

	holdID, err := service.Hold(context.Background(), userID, mustPositiveCredits(test, 20), "", MetadataJSON{})
	if err != nil {
		test.Fatalf("hold: %v", err)
	}
	if holdID.IsZero() {
		test.Fatalf("expected hold id")
	}
	entries := logger.snapshot()
	if last := entries[len(entries)-1]; last.Attempts != 2 || last.Status != operationStatusOK {
		test.Fatalf("expected success on second attempt, got %+v", last)
	}
}

func TestHoldConflictExhaustionReportsInsufficientCredits(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	service := mustNewService(test, store, newTestClock(testStartUnixUTC))
	userID := mustFundedUser(test, service, "unlucky-user", 50)
	before := store.transactionCalls()
	store.failNext(5)

	_, err := service.Hold(context.Background(), userID, mustPositiveCredits(test, 20), "", MetadataJSON{})
	if !errors.Is(err, ErrInsufficientCredits) || !errors.Is(err, ErrTransactionConflict) {
		test.Fatalf("expected insufficient credits caused by conflict, got %v", err)
	}
	if attempts := store.transactionCalls() - before; attempts != defaultConflictAttempts {
		test.Fatalf("expected %d attempts, got %d", defaultConflictAttempts, attempts)
	}
}

func TestHoldConflictAttemptsOption(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	service := mustNewService(test, store, newTestClock(testStartUnixUTC), WithConflictAttempts(4))
	userID := mustFundedUser(test, service, "patient-user", 50)
	store.failNext(3)

	if _, err := service.Hold(context.Background(), userID, mustPositiveCredits(test, 20), "", MetadataJSON{}); err != nil {
		test.Fatalf("expected success on fourth attempt, got %v", err)
	}
}
