package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestServiceLogsGrantOperation(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	logger := &recorderLogger{}
	service := mustNewService(test, store, newTestClock(testStartUnixUTC), WithOperationLogger(logger))
	userID := mustFundedUser(test, service, "user-1", 0)

	if _, err := service.Grant(context.Background(), userID, TransactionPurchase, mustPositiveCredits(test, 100), "pack", 0, mustMetadata(test, `{"order":"o-1"}`)); err != nil {
		test.Fatalf("grant failed: %v", err)
	}
	entries := logger.snapshot()
	if len(entries) != 2 {
		test.Fatalf("expected two log entries, got %d", len(entries))
	}
	entry := entries[1]
	if entry.Operation != operationGrant || entry.UserID != userID || entry.Amount != 100 || entry.Attempts != 1 {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Error != nil || entry.Status != operationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	store.txError = errors.New("boom")
	store.failNext(1)
	logger := &recorderLogger{}
	service := mustNewService(test, store, newTestClock(testStartUnixUTC), WithOperationLogger(logger))

	err := service.OpenAccount(context.Background(), mustUserID(test, "user-1"), 10, 0)
	if err == nil {
		test.Fatalf("expected error")
	}
	entries := logger.snapshot()
	if len(entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(entries))
	}
	if entries[0].Status != operationStatusError || entries[0].Error == nil {
		test.Fatalf("expected error log entry, got %+v", entries[0])
	}
}

func TestServiceLogsRejectedStatus(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	logger := &recorderLogger{}
	service := mustNewService(test, store, newTestClock(testStartUnixUTC), WithOperationLogger(logger))
	userID := mustFundedUser(test, service, "user-1", 5)

	if _, err := service.Hold(context.Background(), userID, mustPositiveCredits(test, 6), "too much", MetadataJSON{}); !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	entries := logger.snapshot()
	last := entries[len(entries)-1]
	if last.Operation != operationHold || last.Status != operationStatusRejected {
		test.Fatalf("expected rejected hold entry, got %+v", last)
	}
}
