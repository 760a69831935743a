package ledger

import (
	"context"
	"errors"
	"math"
	"testing"
)

type meterFixture struct {
	store   *memoryStore
	service *Service
	limiter *SlotLimiter
	meter   *Meter
	userID  UserID
}

func newMeterFixture(test *testing.T, balance Credits, slotLimit int) meterFixture {
	test.Helper()
	store := newMemoryStore()
	clock := newTestClock(testStartUnixUTC)
	service := mustNewService(test, store, clock)
	limiter := mustNewSlotLimiter(test, store, slotLimit, clock)
	meter, err := NewMeter(service, limiter)
	if err != nil {
		test.Fatalf("new meter: %v", err)
	}
	return meterFixture{
		store:   store,
		service: service,
		limiter: limiter,
		meter:   meter,
		userID:  mustFundedUser(test, service, "meter-user", balance),
	}
}

func TestMeterRunCapturesProducedUnits(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name        string
		produced    int
		wantCharged Credits
		wantStatus  TransactionStatus
	}{
		{name: "all units", produced: 4, wantCharged: 40, wantStatus: StatusCompleted},
		{name: "some units", produced: 1, wantCharged: 10, wantStatus: StatusCompleted},
		{name: "over report is clamped", produced: 9, wantCharged: 40, wantStatus: StatusCompleted},
		{name: "nothing", produced: 0, wantCharged: 0, wantStatus: StatusCancelled},
	}
	for _, testCase := range cases {
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			fixture := newMeterFixture(test, 100, 1)
			result, err := fixture.meter.Run(context.Background(), fixture.userID, 10, 4, "images", func(context.Context) (int, error) {
				return testCase.produced, nil
			})
			if err != nil {
				test.Fatalf("run: %v", err)
			}
			if result.Charged != testCase.wantCharged {
				test.Fatalf("expected charge %d, got %d", testCase.wantCharged, result.Charged)
			}
			if hold := fixture.store.mustTransaction(test, result.HoldID); hold.Status != testCase.wantStatus {
				test.Fatalf("expected hold %s, got %s", testCase.wantStatus, hold.Status)
			}
			balance := mustBalance(test, fixture.service, fixture.userID)
			if balance.Balance != 100-testCase.wantCharged || balance.PendingHolds != 0 {
				test.Fatalf("unexpected balance: %+v", balance)
			}
			if fixture.store.slotCount() != 0 {
				test.Fatalf("expected slot released")
			}
		})
	}
}

func TestMeterRunRefundsOnWorkError(test *testing.T) {
	test.Parallel()
	fixture := newMeterFixture(test, 100, 1)
	providerErr := errors.New("provider timeout")

	result, err := fixture.meter.Run(context.Background(), fixture.userID, 10, 2, "images", func(context.Context) (int, error) {
		return 1, providerErr
	})
	if !errors.Is(err, providerErr) {
		test.Fatalf("expected provider error, got %v", err)
	}
	if hold := fixture.store.mustTransaction(test, result.HoldID); hold.Status != StatusCancelled {
		test.Fatalf("expected cancelled hold, got %s", hold.Status)
	}
	if refunds := fixture.store.transactionsFor(result.HoldID, TransactionRefund); len(refunds) != 1 || refunds[0].Description != "provider timeout" {
		test.Fatalf("unexpected refunds: %+v", refunds)
	}
	if balance := mustBalance(test, fixture.service, fixture.userID); balance.Balance != 100 {
		test.Fatalf("expected untouched balance, got %d", balance.Balance)
	}
	if fixture.store.slotCount() != 0 {
		test.Fatalf("expected slot released")
	}
}

func TestMeterRunReleasesSlotWhenHoldFails(test *testing.T) {
	test.Parallel()
	fixture := newMeterFixture(test, 5, 1)
	ran := false
	_, err := fixture.meter.Run(context.Background(), fixture.userID, 10, 1, "images", func(context.Context) (int, error) {
		ran = true
		return 1, nil
	})
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if ran {
		test.Fatalf("work must not run without a hold")
	}
	if fixture.store.slotCount() != 0 {
		test.Fatalf("expected slot released")
	}
}

func TestMeterRunStopsAtSlotLimit(test *testing.T) {
	test.Parallel()
	fixture := newMeterFixture(test, 100, 1)
	ctx := context.Background()
	if _, err := fixture.limiter.AcquireSlot(ctx, fixture.userID); err != nil {
		test.Fatalf("acquire: %v", err)
	}
	_, err := fixture.meter.Run(ctx, fixture.userID, 10, 1, "images", func(context.Context) (int, error) {
		test.Fatalf("work must not run")
		return 0, nil
	})
	if !errors.Is(err, ErrSlotLimitReached) {
		test.Fatalf("expected ErrSlotLimitReached, got %v", err)
	}
	if pending, _ := fixture.store.SumPendingHolds(ctx, fixture.userID); pending != 0 {
		test.Fatalf("expected no hold, got %d pending", pending)
	}
}

func TestMeterRunSettlesAfterCancellation(test *testing.T) {
	test.Parallel()
	fixture := newMeterFixture(test, 100, 1)
	ctx, cancel := context.WithCancel(context.Background())

	result, err := fixture.meter.Run(ctx, fixture.userID, 10, 2, "images", func(context.Context) (int, error) {
		cancel()
		return 2, nil
	})
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	if result.Charged != 20 {
		test.Fatalf("expected charge 20, got %d", result.Charged)
	}
	if fixture.store.slotCount() != 0 {
		test.Fatalf("expected slot released after cancellation")
	}
}

func TestMeterRunRetriesConflictedSettlement(test *testing.T) {
	test.Parallel()
	fixture := newMeterFixture(test, 100, 1)
	result, err := fixture.meter.Run(context.Background(), fixture.userID, 10, 3, "images", func(context.Context) (int, error) {
		fixture.store.failNext((meterSettleRounds - 1) * defaultConflictAttempts)
		return 3, nil
	})
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	if result.Charged != 30 {
		test.Fatalf("expected charge 30, got %d", result.Charged)
	}
	if balance := mustBalance(test, fixture.service, fixture.userID); balance.Balance != 70 || balance.PendingHolds != 0 {
		test.Fatalf("unexpected balance: %+v", balance)
	}
}

func TestMeterRunReportsUnsettledHold(test *testing.T) {
	test.Parallel()
	fixture := newMeterFixture(test, 100, 1)
	result, err := fixture.meter.Run(context.Background(), fixture.userID, 10, 3, "images", func(context.Context) (int, error) {
		fixture.store.failNext(meterSettleRounds * defaultConflictAttempts)
		return 2, nil
	})
	if !errors.Is(err, ErrHoldUnsettled) || !errors.Is(err, ErrTransactionConflict) {
		test.Fatalf("expected unsettled conflict, got %v", err)
	}
	if hold := fixture.store.mustTransaction(test, result.HoldID); hold.Status != StatusPending {
		test.Fatalf("expected hold still pending, got %s", hold.Status)
	}
	if fixture.store.slotCount() != 0 {
		test.Fatalf("expected slot released")
	}
	if err := fixture.service.PartialCapture(context.Background(), result.HoldID, 20, "images"); err != nil {
		test.Fatalf("settle later: %v", err)
	}
}

func TestMeterRunValidation(test *testing.T) {
	test.Parallel()
	fixture := newMeterFixture(test, 100, 1)
	work := func(context.Context) (int, error) { return 1, nil }
	if _, err := fixture.meter.Run(context.Background(), fixture.userID, 10, 0, "", work); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := fixture.meter.Run(context.Background(), fixture.userID, 0, 1, "", work); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := fixture.meter.Run(context.Background(), fixture.userID, PositiveCredits(math.MaxInt64/2), 3, "", work); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount on overflow, got %v", err)
	}
	if fixture.store.slotCount() != 0 {
		test.Fatalf("overflowing run must not take a slot")
	}
	if _, err := fixture.meter.Run(context.Background(), fixture.userID, 10, 1, "", nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
	if _, err := NewMeter(nil, fixture.limiter); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}
