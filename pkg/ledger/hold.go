package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Hold reserves amount against the user's available balance. The balance
// itself is untouched; the pending hold is counted as a liability until it is
// captured or refunded.
//
// When every attempt loses a serialization conflict the caller receives
// ErrInsufficientCredits joined with ErrTransactionConflict.
func (service *Service) Hold(ctx context.Context, userID UserID, amount PositiveCredits, description string, metadata MetadataJSON) (HoldID, error) {
	if !amount.valid() {
		operationError := ErrInvalidAmount
		service.logOperation(ctx, OperationLog{Operation: operationHold, UserID: userID, Amount: Credits(amount), Error: operationError})
		return HoldID{}, operationError
	}
	holdID, err := service.newTransactionID()
	if err != nil {
		return HoldID{}, err
	}
	nowUnixUTC := service.nowFn()
	attempts, operationError := service.inTx(ctx, func(ctx context.Context, txStore Store) error {
		balance, err := readBalance(ctx, txStore, userID)
		if err != nil {
			return err
		}
		if balance.AvailableBalance < amount.ToCredits() {
			return fmt.Errorf("%w: available %d, requested %d", ErrInsufficientCredits, balance.AvailableBalance, amount)
		}
		return txStore.InsertTransaction(ctx, Transaction{
			ID:             holdID,
			UserID:         userID,
			HoldID:         holdID,
			Type:           TransactionHold,
			Status:         StatusPending,
			Amount:         amount.ToCredits().Negated(),
			Description:    description,
			Metadata:       metadata,
			CreatedUnixUTC: nowUnixUTC,
		})
	})
	if errors.Is(operationError, ErrTransactionConflict) {
		operationError = fmt.Errorf("%w: %w", ErrInsufficientCredits, operationError)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationHold,
		UserID:    userID,
		HoldID:    holdID,
		Amount:    amount.ToCredits(),
		Attempts:  attempts,
		Error:     operationError,
	})
	if operationError != nil {
		return HoldID{}, operationError
	}
	return holdID, nil
}

// loadPendingHold fetches a hold and checks it can still be settled.
func loadPendingHold(ctx context.Context, txStore Store, holdID HoldID) (Transaction, error) {
	hold, err := txStore.GetTransaction(ctx, holdID)
	if errors.Is(err, ErrTransactionNotFound) {
		return Transaction{}, fmt.Errorf("%w: %s", ErrHoldNotFound, holdID)
	}
	if err != nil {
		return Transaction{}, err
	}
	if hold.Type != TransactionHold {
		return Transaction{}, fmt.Errorf("%w: %s is a %s transaction", ErrHoldNotFound, holdID, hold.Type)
	}
	if hold.Status != StatusPending {
		return Transaction{}, fmt.Errorf("%w: hold %s is %s", ErrAlreadyProcessed, holdID, hold.Status)
	}
	return hold, nil
}
