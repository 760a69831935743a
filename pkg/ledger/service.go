package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Service owns every balance and transaction mutation over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
	newID  func() string
	retry  conflictRetry
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store: store,
		nowFn: now,
		newID: uuid.NewString,
		retry: newConflictRetry(defaultConflictAttempts),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

func (service *Service) inTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) (int, error) {
	return service.retry.run(ctx, service.store, fn)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if entry.Status == "" && isRejection(entry.Error) {
		entry.Status = operationStatusRejected
	}
	emitOperation(ctx, service.logger, entry)
}

func (service *Service) newTransactionID() (TransactionID, error) {
	return NewTransactionID(service.newID())
}

// isRejection reports outcomes that are expected business answers rather than faults.
func isRejection(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrSlotLimitReached) ||
		errors.Is(err, ErrAlreadyProcessed)
}

func descriptionOr(description string, fallback string) string {
	if description == "" {
		return fallback
	}
	return description
}
