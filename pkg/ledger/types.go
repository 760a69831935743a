package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is a signed whole number of credits. Balances, deltas and
// transaction amounts all use it; fractional credits do not exist.
type Credits int64

// Int64 returns the raw value.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// Negated flips the sign.
func (credits Credits) Negated() Credits {
	return -credits
}

// Abs returns the magnitude.
func (credits Credits) Abs() Credits {
	if credits < 0 {
		return -credits
	}
	return credits
}

// PositiveCredits is an amount validated to be strictly greater than zero.
type PositiveCredits int64

// NewPositiveCredits validates an amount and ensures it is strictly positive.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveCredits(raw), nil
}

// Int64 returns the raw value.
func (amount PositiveCredits) Int64() int64 {
	return int64(amount)
}

// ToCredits converts to the signed representation.
func (amount PositiveCredits) ToCredits() Credits {
	return Credits(amount)
}

func (amount PositiveCredits) valid() bool {
	return amount > 0
}

// UserID identifies an account owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// TransactionID identifies a credit transaction row.
type TransactionID struct {
	value string
}

// HoldID is the id of a hold transaction. A hold row carries its own id as
// its hold id, and the capture/refund rows settling it reference the same value.
type HoldID = TransactionID

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// NewHoldID validates a hold id.
func NewHoldID(raw string) (HoldID, error) {
	return NewTransactionID(raw)
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id TransactionID) IsZero() bool {
	return id.value == ""
}

// GrantID identifies a credit grant.
type GrantID struct {
	value string
}

// NewGrantID validates and normalizes a grant id.
func NewGrantID(raw string) (GrantID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return GrantID{}, fmt.Errorf("%w: empty value", ErrInvalidGrantID)
	}
	return GrantID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id GrantID) String() string {
	return id.value
}

// RequestID identifies an occupied concurrency slot.
type RequestID struct {
	value string
}

// NewRequestID validates and normalizes a request id.
func NewRequestID(raw string) (RequestID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RequestID{}, fmt.Errorf("%w: empty value", ErrInvalidRequestID)
	}
	return RequestID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id RequestID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id RequestID) IsZero() bool {
	return id.value == ""
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// TransactionType enumerates credit transaction kinds.
type TransactionType string

const (
	TransactionHold     TransactionType = "hold"
	TransactionCapture  TransactionType = "capture"
	TransactionRefund   TransactionType = "refund"
	TransactionPurchase TransactionType = "purchase"
	TransactionBonus    TransactionType = "bonus"
	TransactionReferral TransactionType = "referral"
	TransactionExpire   TransactionType = "expire"
)

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.TrimSpace(raw)) {
	case TransactionHold:
		return TransactionHold, nil
	case TransactionCapture:
		return TransactionCapture, nil
	case TransactionRefund:
		return TransactionRefund, nil
	case TransactionPurchase:
		return TransactionPurchase, nil
	case TransactionBonus:
		return TransactionBonus, nil
	case TransactionReferral:
		return TransactionReferral, nil
	case TransactionExpire:
		return TransactionExpire, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// IsGrantSource reports whether credits of this type may be granted from outside the core.
func (transactionType TransactionType) IsGrantSource() bool {
	switch transactionType {
	case TransactionPurchase, TransactionBonus, TransactionReferral:
		return true
	default:
		return false
	}
}

// TransactionStatus defines the transaction lifecycle.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusCancelled TransactionStatus = "cancelled"
)

// ParseTransactionStatus validates a stored transaction status.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch TransactionStatus(strings.TrimSpace(raw)) {
	case StatusPending:
		return StatusPending, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusCancelled:
		return StatusCancelled, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionStatus, raw)
	}
}

// String returns the stored representation.
func (status TransactionStatus) String() string {
	return string(status)
}

// Account holds the spendable balance of one user.
type Account struct {
	UserID         UserID
	Balance        Credits
	CreatedUnixUTC int64
}

// Transaction is one lifecycle event in the credit log.
type Transaction struct {
	ID             TransactionID
	UserID         UserID
	HoldID         HoldID
	Type           TransactionType
	Status         TransactionStatus
	Amount         Credits
	Description    string
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// Grant is a block of credits added to an account. Remaining shrinks as
// captures consume it and drops to zero when it expires.
type Grant struct {
	ID               GrantID
	UserID           UserID
	TransactionID    TransactionID
	Source           TransactionType
	Amount           Credits
	Remaining        Credits
	ExpiresAtUnixUTC int64
	CreatedUnixUTC   int64
}

// Expires reports whether the grant carries an expiry time.
func (grant Grant) Expires() bool {
	return grant.ExpiresAtUnixUTC > 0
}

// LedgerRecord is an immutable audit line for a balance mutation.
type LedgerRecord struct {
	UserID         UserID
	CreditID       string
	Change         Credits
	BalanceAfter   Credits
	Reason         string
	CreatedUnixUTC int64
}

// Slot is an occupied concurrency slot.
type Slot struct {
	RequestID        RequestID
	UserID           UserID
	ExpiresAtUnixUTC int64
	CreatedUnixUTC   int64
}

// Balance view for an account.
type Balance struct {
	Balance          Credits
	PendingHolds     Credits
	AvailableBalance Credits
}

// History is one page of transactions plus the total row count.
type History struct {
	Transactions []Transaction
	Total        int
}

// ExpiringCredits forecasts credits that lapse within a window.
type ExpiringCredits struct {
	Total  Credits
	Grants []Grant
}

// BatchResult counts per-item outcomes of a best-effort sweep.
type BatchResult struct {
	Processed int
	Skipped   int
	Failed    int
}

// ExpiryResult summarizes one ProcessExpiredCredits run.
type ExpiryResult struct {
	Users   int
	Skipped int
	Failed  int
	Expired Credits
}

// ConcurrencyStatus describes slot usage for UI feedback.
type ConcurrencyStatus struct {
	Tier      Tier
	Limit     int
	Active    int
	Remaining int
}
