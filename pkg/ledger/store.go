package ledger

import "context"

// Store is the persistence contract used by Service and SlotLimiter.
//
// WithTx must run fn inside a SERIALIZABLE transaction (or a store with an
// equivalent single-writer guarantee) and report serialization failures as
// ErrTransactionConflict so callers can retry with a fresh read.
//
// Lookups of missing rows return ErrAccountNotFound or ErrTransactionNotFound.
// UpdateTransactionStatus returns ErrAlreadyProcessed when the row is no longer
// in the from status. SumPendingHolds returns the held magnitude as a positive
// number. A slot is active while its expiry is strictly after the given time;
// the expired-slot deletes remove the complement.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	CreateAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	AddToBalance(ctx context.Context, userID UserID, delta Credits) (Credits, error)

	InsertTransaction(ctx context.Context, transaction Transaction) error
	GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error)
	UpdateTransactionStatus(ctx context.Context, transactionID TransactionID, from, to TransactionStatus) error
	SumPendingHolds(ctx context.Context, userID UserID) (Credits, error)
	ListPendingHolds(ctx context.Context, userID UserID) ([]Transaction, error)
	ListStaleHolds(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]Transaction, error)
	ListTransactions(ctx context.Context, userID UserID, limit int, offset int) ([]Transaction, error)
	CountTransactions(ctx context.Context, userID UserID) (int, error)

	InsertLedgerRecord(ctx context.Context, record LedgerRecord) error

	InsertGrant(ctx context.Context, grant Grant) error
	ListSpendableGrants(ctx context.Context, userID UserID) ([]Grant, error)
	UpdateGrantRemaining(ctx context.Context, grantID GrantID, remaining Credits) error
	// ListUsersWithExpiredGrants pages through users ordered by id, starting
	// after afterUserID. The zero UserID starts from the beginning.
	ListUsersWithExpiredGrants(ctx context.Context, atUnixUTC int64, afterUserID UserID, limit int) ([]UserID, error)
	ListExpiredGrants(ctx context.Context, userID UserID, atUnixUTC int64) ([]Grant, error)
	ListExpiringGrants(ctx context.Context, userID UserID, afterUnixUTC int64, untilUnixUTC int64) ([]Grant, error)

	InsertSlot(ctx context.Context, slot Slot) error
	CountActiveSlots(ctx context.Context, userID UserID, atUnixUTC int64) (int, error)
	DeleteSlot(ctx context.Context, userID UserID, requestID RequestID) (bool, error)
	DeleteExpiredUserSlots(ctx context.Context, userID UserID, atUnixUTC int64) (int64, error)
	DeleteExpiredSlots(ctx context.Context, atUnixUTC int64) (int64, error)
}
