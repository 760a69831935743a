package ledger

import (
	"context"
	"fmt"
)

// Capture settles a pending hold for its full amount.
func (service *Service) Capture(ctx context.Context, holdID HoldID, description string) error {
	return service.capture(ctx, operationCapture, holdID, 0, description)
}

// PartialCapture settles a pending hold for amount and releases the rest of
// the hold in the same transaction.
func (service *Service) PartialCapture(ctx context.Context, holdID HoldID, amount PositiveCredits, description string) error {
	if !amount.valid() {
		service.logOperation(ctx, OperationLog{Operation: operationPartialCapture, HoldID: holdID, Amount: Credits(amount), Error: ErrInvalidAmount})
		return ErrInvalidAmount
	}
	return service.capture(ctx, operationPartialCapture, holdID, amount.ToCredits(), description)
}

// capture debits requested (or the whole hold when requested is zero).
func (service *Service) capture(ctx context.Context, operation string, holdID HoldID, requested Credits, description string) error {
	var userID UserID
	var captured Credits
	attempts, operationError := service.inTx(ctx, func(ctx context.Context, txStore Store) error {
		hold, err := loadPendingHold(ctx, txStore, holdID)
		if err != nil {
			return err
		}
		userID = hold.UserID
		held := hold.Amount.Abs()
		captured = held
		if requested != 0 {
			captured = requested
		}
		if captured > held {
			return fmt.Errorf("%w: capture %d, held %d", ErrCaptureExceedsHold, captured, held)
		}
		if err := txStore.UpdateTransactionStatus(ctx, holdID, StatusPending, StatusCompleted); err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		if err := consumeGrants(ctx, txStore, hold.UserID, captured); err != nil {
			return err
		}
		balanceAfter, err := txStore.AddToBalance(ctx, hold.UserID, captured.Negated())
		if err != nil {
			return err
		}
		captureID, err := service.newTransactionID()
		if err != nil {
			return err
		}
		captureDescription := descriptionOr(description, hold.Description)
		if err := txStore.InsertTransaction(ctx, Transaction{
			ID:             captureID,
			UserID:         hold.UserID,
			HoldID:         holdID,
			Type:           TransactionCapture,
			Status:         StatusCompleted,
			Amount:         captured.Negated(),
			Description:    captureDescription,
			Metadata:       hold.Metadata,
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}
		if err := txStore.InsertLedgerRecord(ctx, LedgerRecord{
			UserID:         hold.UserID,
			CreditID:       captureID.String(),
			Change:         captured.Negated(),
			BalanceAfter:   balanceAfter,
			Reason:         descriptionOr(captureDescription, TransactionCapture.String()),
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}
		remainder := held - captured
		if remainder == 0 {
			return nil
		}
		return service.insertHoldRefund(ctx, txStore, hold, remainder, reasonPartialCaptureRemainder, nowUnixUTC)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operation,
		UserID:    userID,
		HoldID:    holdID,
		Amount:    captured,
		Attempts:  attempts,
		Error:     operationError,
	})
	return operationError
}
