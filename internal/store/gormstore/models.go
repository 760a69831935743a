package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	UserID    string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// CreditTransaction mirrors the credit_transactions table.
type CreditTransaction struct {
	ID          string         `gorm:"primaryKey"`
	UserID      string         `gorm:"not null;index:idx_credit_transactions_user_created,priority:1;index:idx_credit_transactions_user_type_status,priority:1"`
	HoldID      *string        `gorm:"index"`
	Type        string         `gorm:"not null;index:idx_credit_transactions_user_type_status,priority:2"`
	Status      string         `gorm:"not null;index:idx_credit_transactions_user_type_status,priority:3"`
	Amount      int64          `gorm:"not null"`
	Description string         `gorm:"not null;default:''"`
	Metadata    datatypes.JSON `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"not null;index:idx_credit_transactions_user_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.ID == "" {
		transaction.ID = uuid.NewString()
	}
	return nil
}

// CreditGrant mirrors the credit_grants table.
type CreditGrant struct {
	ID            string     `gorm:"primaryKey"`
	UserID        string     `gorm:"not null;index:idx_credit_grants_user_expires,priority:1"`
	TransactionID string     `gorm:"not null"`
	Source        string     `gorm:"not null"`
	Amount        int64      `gorm:"not null"`
	Remaining     int64      `gorm:"not null"`
	ExpiresAt     *time.Time `gorm:"index:idx_credit_grants_user_expires,priority:2"`
	CreatedAt     time.Time  `gorm:"not null"`
}

func (CreditGrant) TableName() string { return "credit_grants" }

func (grant *CreditGrant) BeforeCreate(tx *gorm.DB) error {
	if grant.ID == "" {
		grant.ID = uuid.NewString()
	}
	return nil
}

// LedgerRecord mirrors the append-only credit_ledger table.
type LedgerRecord struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement"`
	UserID       string    `gorm:"not null;index"`
	CreditID     string    `gorm:"not null"`
	Change       int64     `gorm:"not null"`
	BalanceAfter int64     `gorm:"not null"`
	Reason       string    `gorm:"not null;default:''"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (LedgerRecord) TableName() string { return "credit_ledger" }

// ConcurrencySlot mirrors the concurrency_slots table.
type ConcurrencySlot struct {
	RequestID string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index:idx_concurrency_slots_user_expires,priority:1"`
	ExpiresAt time.Time `gorm:"not null;index:idx_concurrency_slots_user_expires,priority:2"`
	CreatedAt time.Time `gorm:"not null"`
}

func (ConcurrencySlot) TableName() string { return "concurrency_slots" }

// AutoMigrate creates or updates every table the store reads and writes.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &CreditTransaction{}, &CreditGrant{}, &LedgerRecord{}, &ConcurrencySlot{})
}
