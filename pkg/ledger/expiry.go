package ledger

import (
	"context"
	"fmt"
	"strconv"
)

// ProcessExpiredCredits zeroes grants whose expiry is at or before
// nowUnixUTC, one transaction per user. Users are visited in user id order,
// one page at a time, so a run reaches every user with lapsed grants. A user
// whose sweep fails is counted and left for the next run.
//
// Credits still backing a pending hold are not expired: the expired amount is
// capped so the balance never drops below the user's pending holds. A user
// with nothing expirable above their holds is counted as skipped, and
// whatever the hold does not consume is expired by a later run.
func (service *Service) ProcessExpiredCredits(ctx context.Context, nowUnixUTC int64) (ExpiryResult, error) {
	var result ExpiryResult
	var cursor UserID
	for {
		userIDs, err := service.store.ListUsersWithExpiredGrants(ctx, nowUnixUTC, cursor, expirySweepBatchSize)
		if err != nil {
			return result, err
		}
		for _, userID := range userIDs {
			if ctx.Err() != nil {
				result.Failed += 1
				continue
			}
			expired, err := service.expireUserCredits(ctx, userID, nowUnixUTC)
			switch {
			case err != nil:
				result.Failed += 1
			case expired == 0:
				result.Skipped += 1
			default:
				result.Users += 1
				result.Expired += expired
			}
		}
		if len(userIDs) < expirySweepBatchSize || ctx.Err() != nil {
			return result, nil
		}
		cursor = userIDs[len(userIDs)-1]
	}
}

func (service *Service) expireUserCredits(ctx context.Context, userID UserID, nowUnixUTC int64) (Credits, error) {
	var expired Credits
	attempts, operationError := service.inTx(ctx, func(ctx context.Context, txStore Store) error {
		expired = 0
		grants, err := txStore.ListExpiredGrants(ctx, userID, nowUnixUTC)
		if err != nil {
			return err
		}
		var expirable Credits
		for _, grant := range grants {
			expirable += grant.Remaining
		}
		if expirable <= 0 {
			return nil
		}
		balance, err := readBalance(ctx, txStore, userID)
		if err != nil {
			return err
		}
		allowance := balance.Balance - balance.PendingHolds
		if allowance <= 0 {
			return nil
		}
		expired = min(expirable, allowance)
		sortGrantsForSpending(grants)
		outstanding := expired
		for _, grant := range grants {
			if outstanding == 0 {
				break
			}
			taken := min(grant.Remaining, outstanding)
			if err := txStore.UpdateGrantRemaining(ctx, grant.ID, grant.Remaining-taken); err != nil {
				return err
			}
			outstanding -= taken
		}
		balanceAfter, err := txStore.AddToBalance(ctx, userID, expired.Negated())
		if err != nil {
			return err
		}
		transactionID, err := service.newTransactionID()
		if err != nil {
			return err
		}
		if err := txStore.InsertTransaction(ctx, Transaction{
			ID:             transactionID,
			UserID:         userID,
			Type:           TransactionExpire,
			Status:         StatusCompleted,
			Amount:         expired.Negated(),
			Description:    reasonCreditsExpired,
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}
		return txStore.InsertLedgerRecord(ctx, LedgerRecord{
			UserID:         userID,
			CreditID:       expireCreditIDPrefix + creditIDDelimiter + strconv.FormatInt(nowUnixUTC, 10),
			Change:         expired.Negated(),
			BalanceAfter:   balanceAfter,
			Reason:         reasonCreditsExpired,
			CreatedUnixUTC: nowUnixUTC,
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationExpireCredits,
		UserID:    userID,
		Amount:    expired,
		Attempts:  attempts,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return expired, nil
}

// CancelStaleHolds cancels holds left pending for longer than maxAgeHours,
// typically because the caller crashed between Hold and Capture. Each hold
// is refunded in its own transaction.
func (service *Service) CancelStaleHolds(ctx context.Context, maxAgeHours int) (BatchResult, error) {
	if maxAgeHours <= 0 {
		return BatchResult{}, fmt.Errorf("%w: max age must be positive", ErrInvalidWindow)
	}
	cutoffUnixUTC := service.nowFn() - int64(maxAgeHours)*secondsPerHour
	holds, err := service.store.ListStaleHolds(ctx, cutoffUnixUTC, staleHoldSweepBatchSize)
	if err != nil {
		return BatchResult{}, err
	}
	return service.cancelEach(ctx, operationCancelStaleHold, holds, reasonStaleHold), nil
}

// GetExpiringCredits lists grants that still hold credits and lapse within
// the next withinDays days.
func (service *Service) GetExpiringCredits(ctx context.Context, userID UserID, withinDays int) (ExpiringCredits, error) {
	if withinDays <= 0 {
		return ExpiringCredits{}, fmt.Errorf("%w: days must be positive", ErrInvalidWindow)
	}
	nowUnixUTC := service.nowFn()
	grants, err := service.store.ListExpiringGrants(ctx, userID, nowUnixUTC, nowUnixUTC+int64(withinDays)*secondsPerDay)
	if err != nil {
		return ExpiringCredits{}, err
	}
	sortGrantsForSpending(grants)
	var total Credits
	for _, grant := range grants {
		total += grant.Remaining
	}
	return ExpiringCredits{Total: total, Grants: grants}, nil
}
