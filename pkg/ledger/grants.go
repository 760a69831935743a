package ledger

import (
	"context"
	"fmt"
	"slices"
)

// OpenAccount creates the account for a new user and, when welcomeBonus is
// positive, credits it as a bonus grant that lapses at expiresAtUnixUTC
// (zero means never).
func (service *Service) OpenAccount(ctx context.Context, userID UserID, welcomeBonus Credits, expiresAtUnixUTC int64) error {
	nowUnixUTC := service.nowFn()
	var operationError error
	if welcomeBonus < 0 {
		operationError = fmt.Errorf("%w: welcome bonus must not be negative", ErrInvalidAmount)
	} else {
		operationError = validateExpiry(expiresAtUnixUTC, nowUnixUTC)
	}
	attempts := 0
	if operationError == nil {
		attempts, operationError = service.inTx(ctx, func(ctx context.Context, txStore Store) error {
			if err := txStore.CreateAccount(ctx, Account{UserID: userID, Balance: 0, CreatedUnixUTC: nowUnixUTC}); err != nil {
				return err
			}
			if welcomeBonus == 0 {
				return nil
			}
			_, err := service.applyGrant(ctx, txStore, grantRequest{
				userID:           userID,
				source:           TransactionBonus,
				amount:           welcomeBonus,
				description:      "welcome bonus",
				expiresAtUnixUTC: expiresAtUnixUTC,
				nowUnixUTC:       nowUnixUTC,
			})
			return err
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationOpenAccount,
		UserID:    userID,
		Amount:    welcomeBonus,
		Attempts:  attempts,
		Error:     operationError,
	})
	return operationError
}

// Grant credits an existing account from an external source (purchase, bonus
// or referral). The credits lapse at expiresAtUnixUTC unless it is zero.
func (service *Service) Grant(ctx context.Context, userID UserID, source TransactionType, amount PositiveCredits, description string, expiresAtUnixUTC int64, metadata MetadataJSON) (TransactionID, error) {
	nowUnixUTC := service.nowFn()
	var transactionID TransactionID
	var operationError error
	switch {
	case !amount.valid():
		operationError = ErrInvalidAmount
	case !source.IsGrantSource():
		operationError = fmt.Errorf("%w: %q cannot be granted", ErrInvalidTransactionType, source)
	default:
		operationError = validateExpiry(expiresAtUnixUTC, nowUnixUTC)
	}
	attempts := 0
	if operationError == nil {
		attempts, operationError = service.inTx(ctx, func(ctx context.Context, txStore Store) error {
			createdID, err := service.applyGrant(ctx, txStore, grantRequest{
				userID:           userID,
				source:           source,
				amount:           amount.ToCredits(),
				description:      descriptionOr(description, source.String()),
				expiresAtUnixUTC: expiresAtUnixUTC,
				metadata:         metadata,
				nowUnixUTC:       nowUnixUTC,
			})
			transactionID = createdID
			return err
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationGrant,
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

type grantRequest struct {
	userID           UserID
	source           TransactionType
	amount           Credits
	description      string
	expiresAtUnixUTC int64
	metadata         MetadataJSON
	nowUnixUTC       int64
}

// applyGrant raises the balance and records the grant, its transaction and
// the ledger line. It must run inside a transaction.
func (service *Service) applyGrant(ctx context.Context, txStore Store, request grantRequest) (TransactionID, error) {
	transactionID, err := service.newTransactionID()
	if err != nil {
		return TransactionID{}, err
	}
	grantID, err := NewGrantID(service.newID())
	if err != nil {
		return TransactionID{}, err
	}
	balanceAfter, err := txStore.AddToBalance(ctx, request.userID, request.amount)
	if err != nil {
		return TransactionID{}, err
	}
	if err := txStore.InsertTransaction(ctx, Transaction{
		ID:             transactionID,
		UserID:         request.userID,
		Type:           request.source,
		Status:         StatusCompleted,
		Amount:         request.amount,
		Description:    request.description,
		Metadata:       request.metadata,
		CreatedUnixUTC: request.nowUnixUTC,
	}); err != nil {
		return TransactionID{}, err
	}
	if err := txStore.InsertGrant(ctx, Grant{
		ID:               grantID,
		UserID:           request.userID,
		TransactionID:    transactionID,
		Source:           request.source,
		Amount:           request.amount,
		Remaining:        request.amount,
		ExpiresAtUnixUTC: request.expiresAtUnixUTC,
		CreatedUnixUTC:   request.nowUnixUTC,
	}); err != nil {
		return TransactionID{}, err
	}
	if err := txStore.InsertLedgerRecord(ctx, LedgerRecord{
		UserID:         request.userID,
		CreditID:       transactionID.String(),
		Change:         request.amount,
		BalanceAfter:   balanceAfter,
		Reason:         request.description,
		CreatedUnixUTC: request.nowUnixUTC,
	}); err != nil {
		return TransactionID{}, err
	}
	return transactionID, nil
}

// consumeGrants draws amount from the user's grants, soonest-expiring first
// and non-expiring last.
func consumeGrants(ctx context.Context, txStore Store, userID UserID, amount Credits) error {
	grants, err := txStore.ListSpendableGrants(ctx, userID)
	if err != nil {
		return err
	}
	sortGrantsForSpending(grants)
	outstanding := amount
	for _, grant := range grants {
		if outstanding == 0 {
			break
		}
		taken := min(grant.Remaining, outstanding)
		if taken <= 0 {
			continue
		}
		if err := txStore.UpdateGrantRemaining(ctx, grant.ID, grant.Remaining-taken); err != nil {
			return err
		}
		outstanding -= taken
	}
	if outstanding > 0 {
		return WrapError("service", "grants", "insufficient_remaining", ErrInsufficientCredits)
	}
	return nil
}

func sortGrantsForSpending(grants []Grant) {
	slices.SortStableFunc(grants, func(left Grant, right Grant) int {
		switch {
		case left.Expires() && !right.Expires():
			return -1
		case !left.Expires() && right.Expires():
			return 1
		case left.ExpiresAtUnixUTC != right.ExpiresAtUnixUTC:
			if left.ExpiresAtUnixUTC < right.ExpiresAtUnixUTC {
				return -1
			}
			return 1
		case left.CreatedUnixUTC < right.CreatedUnixUTC:
			return -1
		case left.CreatedUnixUTC > right.CreatedUnixUTC:
			return 1
		default:
			return 0
		}
	})
}

func validateExpiry(expiresAtUnixUTC int64, nowUnixUTC int64) error {
	if expiresAtUnixUTC == 0 {
		return nil
	}
	if expiresAtUnixUTC <= nowUnixUTC {
		return fmt.Errorf("%w: expiry must be in the future", ErrInvalidWindow)
	}
	return nil
}
