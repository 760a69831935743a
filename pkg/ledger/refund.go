package ledger

import (
	"context"
	"errors"
)

// Refund cancels a pending hold and returns the amount that was held. The
// account balance does not change because a hold never deducted from it.
func (service *Service) Refund(ctx context.Context, holdID HoldID, reason string) (Credits, error) {
	return service.cancelHold(ctx, operationRefund, holdID, reason)
}

// RefundCaptured returns previously captured credits to the user. Unlike
// Refund it raises the balance, as a non-expiring refund grant.
func (service *Service) RefundCaptured(ctx context.Context, userID UserID, amount PositiveCredits, reason string) (TransactionID, error) {
	var transactionID TransactionID
	attempts := 0
	var operationError error
	if !amount.valid() {
		operationError = ErrInvalidAmount
	} else {
		nowUnixUTC := service.nowFn()
		attempts, operationError = service.inTx(ctx, func(ctx context.Context, txStore Store) error {
			createdID, err := service.applyGrant(ctx, txStore, grantRequest{
				userID:      userID,
				source:      TransactionRefund,
				amount:      amount.ToCredits(),
				description: descriptionOr(reason, TransactionRefund.String()),
				nowUnixUTC:  nowUnixUTC,
			})
			transactionID = createdID
			return err
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationRefundCaptured,
		UserID:    userID,
		Amount:    amount.ToCredits(),
		Attempts:  attempts,
		Error:     operationError,
	})
	if operationError != nil {
		return TransactionID{}, operationError
	}
	return transactionID, nil
}

// RefundAllPendingHolds refunds every pending hold of the user. Each hold is
// refunded in its own transaction; failures are counted and do not stop the
// sweep. Holds settled concurrently are counted as skipped.
func (service *Service) RefundAllPendingHolds(ctx context.Context, userID UserID, reason string) (BatchResult, error) {
	holds, err := service.store.ListPendingHolds(ctx, userID)
	if err != nil {
		return BatchResult{}, err
	}
	return service.cancelEach(ctx, operationRefund, holds, reason), nil
}

func (service *Service) cancelEach(ctx context.Context, operation string, holds []Transaction, reason string) BatchResult {
	var result BatchResult
	for _, hold := range holds {
		if ctx.Err() != nil {
			result.Failed += 1
			continue
		}
		_, err := service.cancelHold(ctx, operation, hold.ID, reason)
		switch {
		case err == nil:
			result.Processed += 1
		case errors.Is(err, ErrAlreadyProcessed):
			result.Skipped += 1
		default:
			result.Failed += 1
		}
	}
	return result
}

func (service *Service) cancelHold(ctx context.Context, operation string, holdID HoldID, reason string) (Credits, error) {
	var userID UserID
	var refunded Credits
	attempts, operationError := service.inTx(ctx, func(ctx context.Context, txStore Store) error {
		hold, err := loadPendingHold(ctx, txStore, holdID)
		if err != nil {
			return err
		}
		userID = hold.UserID
		refunded = hold.Amount.Abs()
		if err := txStore.UpdateTransactionStatus(ctx, holdID, StatusPending, StatusCancelled); err != nil {
			return err
		}
		return service.insertHoldRefund(ctx, txStore, hold, refunded, reason, service.nowFn())
	})
	service.logOperation(ctx, OperationLog{
		Operation: operation,
		UserID:    userID,
		HoldID:    holdID,
		Amount:    refunded,
		Attempts:  attempts,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return refunded, nil
}

// insertHoldRefund records the release of held credits. No balance or ledger
// change accompanies it.
func (service *Service) insertHoldRefund(ctx context.Context, txStore Store, hold Transaction, amount Credits, reason string, nowUnixUTC int64) error {
	refundID, err := service.newTransactionID()
	if err != nil {
		return err
	}
	return txStore.InsertTransaction(ctx, Transaction{
		ID:             refundID,
		UserID:         hold.UserID,
		HoldID:         hold.ID,
		Type:           TransactionRefund,
		Status:         StatusCompleted,
		Amount:         amount,
		Description:    descriptionOr(reason, TransactionRefund.String()),
		Metadata:       hold.Metadata,
		CreatedUnixUTC: nowUnixUTC,
	})
}
