package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SlotLimiterOption configures a SlotLimiter.
type SlotLimiterOption func(*SlotLimiter)

// WithSlotTTL sets how long an unreleased slot counts as active.
func WithSlotTTL(ttl time.Duration) SlotLimiterOption {
	return func(limiter *SlotLimiter) {
		if ttl >= time.Second {
			limiter.ttlSeconds = int64(ttl / time.Second)
		}
	}
}

// WithSlotOperationLogger wires a logger for slot operations.
func WithSlotOperationLogger(logger OperationLogger) SlotLimiterOption {
	return func(limiter *SlotLimiter) {
		limiter.logger = logger
	}
}

// WithSlotConflictAttempts bounds AcquireSlot attempts on serialization conflicts.
func WithSlotConflictAttempts(attempts int) SlotLimiterOption {
	return func(limiter *SlotLimiter) {
		limiter.retry = newConflictRetry(attempts)
	}
}

// WithSlotIDGenerator overrides the request id generator.
func WithSlotIDGenerator(generate func() string) SlotLimiterOption {
	return func(limiter *SlotLimiter) {
		if generate != nil {
			limiter.newID = generate
		}
	}
}

// SlotLimiter caps the number of in-flight operations per user. Slots are
// rows in the store; an unreleased slot stops counting once its TTL elapses.
type SlotLimiter struct {
	store      Store
	tiers      TierProvider
	nowFn      func() int64
	ttlSeconds int64
	logger     OperationLogger
	newID      func() string
	retry      conflictRetry
}

// NewSlotLimiter wires a SlotLimiter.
func NewSlotLimiter(store Store, tiers TierProvider, now func() int64, options ...SlotLimiterOption) (*SlotLimiter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if tiers == nil {
		return nil, fmt.Errorf("%w: tier provider is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	limiter := &SlotLimiter{
		store:      store,
		tiers:      tiers,
		nowFn:      now,
		ttlSeconds: int64(defaultSlotTTL / time.Second),
		newID:      uuid.NewString,
		retry:      newConflictRetry(defaultConflictAttempts),
	}
	for _, option := range options {
		if option != nil {
			option(limiter)
		}
	}
	return limiter, nil
}

// AcquireSlot occupies one of the user's concurrency slots and returns its
// request id. ErrSlotLimitReached means the quota is in use; when every
// attempt loses a serialization conflict the error matches both
// ErrSlotLimitReached and ErrTransactionConflict.
//
// Expired slots of the same user are deleted first. Other users' rows are
// left to CleanupExpiredSlots so acquisitions by different users never touch
// the same rows.
func (limiter *SlotLimiter) AcquireSlot(ctx context.Context, userID UserID) (RequestID, error) {
	limit, err := limiter.tiers.GetConcurrentLimit(ctx, userID)
	if err != nil {
		limiter.logOperation(ctx, OperationLog{Operation: operationAcquireSlot, UserID: userID, Error: err})
		return RequestID{}, err
	}
	requestID, err := NewRequestID(limiter.newID())
	if err != nil {
		return RequestID{}, err
	}
	attempts, operationError := limiter.retry.run(ctx, limiter.store, func(ctx context.Context, txStore Store) error {
		nowUnixUTC := limiter.nowFn()
		if _, err := txStore.DeleteExpiredUserSlots(ctx, userID, nowUnixUTC); err != nil {
			return err
		}
		active, err := txStore.CountActiveSlots(ctx, userID, nowUnixUTC)
		if err != nil {
			return err
		}
		if active >= limit {
			return fmt.Errorf("%w: %d of %d in use", ErrSlotLimitReached, active, limit)
		}
		return txStore.InsertSlot(ctx, Slot{
			RequestID:        requestID,
			UserID:           userID,
			ExpiresAtUnixUTC: nowUnixUTC + limiter.ttlSeconds,
			CreatedUnixUTC:   nowUnixUTC,
		})
	})
	if errors.Is(operationError, ErrTransactionConflict) {
		operationError = fmt.Errorf("%w: %w", ErrSlotLimitReached, operationError)
	}
	limiter.logOperation(ctx, OperationLog{
		Operation: operationAcquireSlot,
		UserID:    userID,
		RequestID: requestID,
		Attempts:  attempts,
		Error:     operationError,
	})
	if operationError != nil {
		return RequestID{}, operationError
	}
	return requestID, nil
}

// ReleaseSlot frees a slot. Releasing an unknown or already released slot is
// not an error.
func (limiter *SlotLimiter) ReleaseSlot(ctx context.Context, userID UserID, requestID RequestID) error {
	_, err := limiter.store.DeleteSlot(ctx, userID, requestID)
	limiter.logOperation(ctx, OperationLog{
		Operation: operationReleaseSlot,
		UserID:    userID,
		RequestID: requestID,
		Error:     err,
	})
	return err
}

// GetActiveRequestCount counts unexpired slots of the user.
func (limiter *SlotLimiter) GetActiveRequestCount(ctx context.Context, userID UserID) (int, error) {
	return limiter.store.CountActiveSlots(ctx, userID, limiter.nowFn())
}

// GetRemainingSlots returns how many more slots the user may acquire now.
func (limiter *SlotLimiter) GetRemainingSlots(ctx context.Context, userID UserID) (int, error) {
	status, err := limiter.GetConcurrencyStatus(ctx, userID)
	if err != nil {
		return 0, err
	}
	return status.Remaining, nil
}

// GetConcurrencyStatus combines tier, limit and usage.
func (limiter *SlotLimiter) GetConcurrencyStatus(ctx context.Context, userID UserID) (ConcurrencyStatus, error) {
	tier, err := limiter.tiers.GetUserTier(ctx, userID)
	if err != nil {
		return ConcurrencyStatus{}, err
	}
	limit, err := limiter.tiers.GetConcurrentLimit(ctx, userID)
	if err != nil {
		return ConcurrencyStatus{}, err
	}
	active, err := limiter.GetActiveRequestCount(ctx, userID)
	if err != nil {
		return ConcurrencyStatus{}, err
	}
	return ConcurrencyStatus{
		Tier:      tier,
		Limit:     limit,
		Active:    active,
		Remaining: max(0, limit-active),
	}, nil
}

// CleanupExpiredSlots deletes every expired slot and returns how many were removed.
func (limiter *SlotLimiter) CleanupExpiredSlots(ctx context.Context) (int64, error) {
	var removed int64
	attempts, operationError := limiter.retry.run(ctx, limiter.store, func(ctx context.Context, txStore Store) error {
		deleted, err := txStore.DeleteExpiredSlots(ctx, limiter.nowFn())
		removed = deleted
		return err
	})
	limiter.logOperation(ctx, OperationLog{
		Operation: operationCleanupSlots,
		Attempts:  attempts,
		Error:     operationError,
	})
	return removed, operationError
}

func (limiter *SlotLimiter) logOperation(ctx context.Context, entry OperationLog) {
	if entry.Status == "" && isRejection(entry.Error) {
		entry.Status = operationStatusRejected
	}
	emitOperation(ctx, limiter.logger, entry)
}
