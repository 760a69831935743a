package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// HoldLedger is the part of the ledger a Meter drives.
type HoldLedger interface {
	Hold(ctx context.Context, userID UserID, amount PositiveCredits, description string, metadata MetadataJSON) (HoldID, error)
	Capture(ctx context.Context, holdID HoldID, description string) error
	PartialCapture(ctx context.Context, holdID HoldID, amount PositiveCredits, description string) error
	Refund(ctx context.Context, holdID HoldID, reason string) (Credits, error)
}

// SlotGate is the part of the slot limiter a Meter drives.
type SlotGate interface {
	AcquireSlot(ctx context.Context, userID UserID) (RequestID, error)
	ReleaseSlot(ctx context.Context, userID UserID, requestID RequestID) error
}

// MeterWork performs the billable operation and reports how many units it produced.
type MeterWork func(ctx context.Context) (int, error)

// MeterResult describes one metered run.
type MeterResult struct {
	RequestID RequestID
	HoldID    HoldID
	Produced  int
	Charged   Credits
}

// Meter runs work under the caller contract: acquire a slot, hold the
// worst-case cost, run the work, capture what was produced or refund, and
// always release the slot.
type Meter struct {
	ledger HoldLedger
	slots  SlotGate
}

// NewMeter wires a Meter.
func NewMeter(ledger HoldLedger, slots SlotGate) (*Meter, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidServiceConfig)
	}
	if slots == nil {
		return nil, fmt.Errorf("%w: slot dependency is nil", ErrInvalidServiceConfig)
	}
	return &Meter{ledger: ledger, slots: slots}, nil
}

// Run bills unitCost per produced unit, up to units. A work error or zero
// output refunds the hold and returns the work error, if any.
//
// Settlement is retried on transaction conflicts. When it still fails the
// error matches ErrHoldUnsettled and result.HoldID names the pending hold.
func (meter *Meter) Run(ctx context.Context, userID UserID, unitCost PositiveCredits, units int, description string, work MeterWork) (result MeterResult, err error) {
	if units <= 0 || !unitCost.valid() {
		return MeterResult{}, ErrInvalidAmount
	}
	if work == nil {
		return MeterResult{}, fmt.Errorf("%w: work is nil", ErrInvalidServiceConfig)
	}
	if unitCost.Int64() > math.MaxInt64/int64(units) {
		return MeterResult{}, fmt.Errorf("%w: %d units of %d overflow", ErrInvalidAmount, units, unitCost.Int64())
	}
	total, err := NewPositiveCredits(unitCost.Int64() * int64(units))
	if err != nil {
		return MeterResult{}, err
	}
	requestID, err := meter.slots.AcquireSlot(ctx, userID)
	if err != nil {
		return MeterResult{}, err
	}
	result.RequestID = requestID
	defer func() {
		releaseErr := meter.slots.ReleaseSlot(context.WithoutCancel(ctx), userID, requestID)
		if releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()

	holdID, err := meter.ledger.Hold(ctx, userID, total, description, MetadataJSON{})
	if err != nil {
		return result, err
	}
	result.HoldID = holdID

	produced, workErr := work(ctx)
	produced = min(max(produced, 0), units)
	settleCtx := context.WithoutCancel(ctx)
	if workErr != nil || produced == 0 {
		refundErr := settle(settleCtx, func(ctx context.Context) error {
			_, err := meter.ledger.Refund(ctx, holdID, descriptionOr(errorText(workErr), "no output"))
			return err
		})
		if refundErr != nil {
			return result, errors.Join(workErr, refundErr)
		}
		return result, workErr
	}
	result.Produced = produced
	if produced == units {
		if err := settle(settleCtx, func(ctx context.Context) error {
			return meter.ledger.Capture(ctx, holdID, description)
		}); err != nil {
			return result, err
		}
		result.Charged = total.ToCredits()
		return result, nil
	}
	charge := PositiveCredits(unitCost.Int64() * int64(produced))
	if err := settle(settleCtx, func(ctx context.Context) error {
		return meter.ledger.PartialCapture(ctx, holdID, charge, description)
	}); err != nil {
		return result, err
	}
	result.Charged = charge.ToCredits()
	return result, nil
}

func settle(ctx context.Context, step func(ctx context.Context) error) error {
	var err error
	for range meterSettleRounds {
		err = step(ctx)
		if err == nil || !errors.Is(err, ErrTransactionConflict) {
			break
		}
	}
	if err == nil || errors.Is(err, ErrAlreadyProcessed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrHoldUnsettled, err)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
