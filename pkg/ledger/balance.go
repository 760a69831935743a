package ledger

import "context"

// GetBalance reports the settled balance, the sum of pending holds and what is
// left to spend. It reads without a transaction; Hold re-checks atomically.
func (service *Service) GetBalance(ctx context.Context, userID UserID) (Balance, error) {
	return readBalance(ctx, service.store, userID)
}

// HasEnoughCredits reports whether a hold of amount would currently fit.
func (service *Service) HasEnoughCredits(ctx context.Context, userID UserID, amount PositiveCredits) (bool, error) {
	if !amount.valid() {
		return false, ErrInvalidAmount
	}
	balance, err := service.GetBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance.AvailableBalance >= amount.ToCredits(), nil
}

// GetHistory returns one page of the user's transactions, newest first.
// A non-positive limit selects the default page size; limits above the
// maximum are clamped.
func (service *Service) GetHistory(ctx context.Context, userID UserID, limit int, offset int) (History, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	transactions, err := service.store.ListTransactions(ctx, userID, limit, offset)
	if err != nil {
		return History{}, err
	}
	total, err := service.store.CountTransactions(ctx, userID)
	if err != nil {
		return History{}, err
	}
	return History{Transactions: transactions, Total: total}, nil
}

func readBalance(ctx context.Context, store Store, userID UserID) (Balance, error) {
	account, err := store.GetAccount(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	pending, err := store.SumPendingHolds(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		Balance:          account.Balance,
		PendingHolds:     pending,
		AvailableBalance: calculateAvailable(account.Balance, pending),
	}, nil
}

func calculateAvailable(balance Credits, pendingHolds Credits) Credits {
	available := balance - pendingHolds
	if available < 0 {
		return 0
	}
	return available
}
