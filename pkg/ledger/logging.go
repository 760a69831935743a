package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service and SlotLimiter operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger or slot operation.
type OperationLog struct {
	Operation string
	UserID    UserID
	HoldID    HoldID
	RequestID RequestID
	Amount    Credits
	Attempts  int
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithIDGenerator overrides the generator used for transaction, hold and grant ids.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newID = generate
		}
	}
}

// WithConflictAttempts bounds how many times a transaction is attempted when the
// store reports a serialization conflict. Values are clamped to [1, 5].
func WithConflictAttempts(attempts int) ServiceOption {
	return func(service *Service) {
		service.retry = newConflictRetry(attempts)
	}
}

func emitOperation(ctx context.Context, logger OperationLogger, entry OperationLog) {
	if logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	logger.LogOperation(ctx, entry)
}
