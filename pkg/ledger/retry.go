package ledger

import (
	"context"
	"errors"
)

// conflictRetry re-runs a transaction when the store aborts it with a
// serialization failure. Conflicts are rare and short-lived, so attempts
// follow each other immediately.
type conflictRetry struct {
	attempts int
}

func newConflictRetry(attempts int) conflictRetry {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > maxConflictAttempts {
		attempts = maxConflictAttempts
	}
	return conflictRetry{attempts: attempts}
}

// run executes fn in a fresh transaction per attempt and reports how many
// attempts were made. Only ErrTransactionConflict triggers another attempt.
func (policy conflictRetry) run(ctx context.Context, store Store, fn func(ctx context.Context, txStore Store) error) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= policy.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		lastErr = store.WithTx(ctx, fn)
		if lastErr == nil {
			return attempt, nil
		}
		if !errors.Is(lastErr, ErrTransactionConflict) {
			return attempt, lastErr
		}
	}
	return policy.attempts, lastErr
}
