package gormstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultMetadataJSON        = "{}"
	dialectPostgres            = "postgres"
	pgUniqueViolationCode      = "23505"
	pgSerializationFailureCode = "40001"
	pgDeadlockDetectedCode     = "40P01"
	sqliteBusyCode             = 5
	sqliteLockedCode           = 6
	sqliteConstraintCode       = 19
	errorOperationStore        = "store"
	errorSubjectAccount        = "account"
	errorSubjectGrant          = "grant"
	errorSubjectLedger         = "ledger"
	errorSubjectSlot           = "slot"
	errorSubjectTransaction    = "transaction"
	errorSubjectTx             = "tx"
	errorCodeBusy              = "busy"
	errorCodeCount             = "count"
	errorCodeDelete            = "delete"
	errorCodeDuplicate         = "duplicate"
	errorCodeGet               = "get"
	errorCodeInsert            = "insert"
	errorCodeInvalid           = "invalid"
	errorCodeList              = "list"
	errorCodeSerialization     = "serialization_failure"
	errorCodeSum               = "sum"
	errorCodeUpdate            = "update"
	errorCodeUpdateStatus      = "update_status"

	pendingHoldCondition   = "user_id = ? AND type = ? AND status = ?"
	expiredGrantCondition  = "remaining > 0 AND expires_at IS NOT NULL AND expires_at <= ?"
	spendableGrantOrdering = "CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END, expires_at, created_at, id"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db        *gorm.DB
	txOptions *sql.TxOptions
	inTx      bool
}

// New returns a Store backed by gorm.DB. Postgres transactions run at
// SERIALIZABLE; SQLite serializes writers on its own.
func New(db *gorm.DB) *Store {
	store := &Store{db: db}
	if db.Dialector != nil && db.Dialector.Name() == dialectPostgres {
		store.txOptions = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return store
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	var options []*sql.TxOptions
	if store.txOptions != nil {
		options = append(options, store.txOptions)
	}
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction, txOptions: store.txOptions, inTx: true})
	}, options...)
	if err == nil || errors.Is(err, ledger.ErrTransactionConflict) {
		return err
	}
	if isConflict(err) {
		return wrapStoreError(errorSubjectTx, errorCodeSerialization, fmt.Errorf("%w: %w", ledger.ErrTransactionConflict, err))
	}
	return err
}

func (store *Store) CreateAccount(ctx context.Context, account ledger.Account) error {
	row := Account{
		UserID:    account.UserID.String(),
		Balance:   account.Balance.Int64(),
		CreatedAt: unixToTime(account.CreatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrAccountExists)
		}
		return wrapError(errorSubjectAccount, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	var row Account
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, wrapError(errorSubjectAccount, errorCodeGet, err)
	}
	parsedUserID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{
		UserID:         parsedUserID,
		Balance:        ledger.Credits(row.Balance),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func (store *Store) AddToBalance(ctx context.Context, userID ledger.UserID, delta ledger.Credits) (ledger.Credits, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID.String()).
		Update("balance", gorm.Expr("balance + ?", delta.Int64()))
	if result.Error != nil {
		return 0, wrapError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, ledger.ErrAccountNotFound
	}
	account, err := store.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	var holdID *string
	if !transaction.HoldID.IsZero() {
		value := transaction.HoldID.String()
		holdID = &value
	}
	row := CreditTransaction{
		ID:          transaction.ID.String(),
		UserID:      transaction.UserID.String(),
		HoldID:      holdID,
		Type:        transaction.Type.String(),
		Status:      transaction.Status.String(),
		Amount:      transaction.Amount.Int64(),
		Description: transaction.Description,
		Metadata:    datatypesJSON(transaction.Metadata.String()),
		CreatedAt:   unixToTime(transaction.CreatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.Transaction, error) {
	var row CreditTransaction
	err := store.db.WithContext(ctx).Where("id = ?", transactionID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	if err != nil {
		return ledger.Transaction{}, wrapError(errorSubjectTransaction, errorCodeGet, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, transactionID ledger.TransactionID, from, to ledger.TransactionStatus) error {
	result := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("id = ? AND status = ?", transactionID.String(), from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapError(errorSubjectTransaction, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}
	var count int64
	if err := store.db.WithContext(ctx).Model(&CreditTransaction{}).Where("id = ?", transactionID.String()).Count(&count).Error; err != nil {
		return wrapError(errorSubjectTransaction, errorCodeGet, err)
	}
	if count == 0 {
		return ledger.ErrTransactionNotFound
	}
	return ledger.ErrAlreadyProcessed
}

func (store *Store) SumPendingHolds(ctx context.Context, userID ledger.UserID) (ledger.Credits, error) {
	var total sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Select("COALESCE(SUM(-amount), 0) AS total").
		Where(pendingHoldCondition, userID.String(), ledger.TransactionHold.String(), ledger.StatusPending.String()).
		Scan(&total).Error
	if err != nil {
		return 0, wrapError(errorSubjectTransaction, errorCodeSum, err)
	}
	return ledger.Credits(total.Total), nil
}

func (store *Store) ListPendingHolds(ctx context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where(pendingHoldCondition, userID.String(), ledger.TransactionHold.String(), ledger.StatusPending.String()).
		Order("created_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, wrapError(errorSubjectTransaction, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) ListStaleHolds(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("type = ? AND status = ? AND created_at < ?", ledger.TransactionHold.String(), ledger.StatusPending.String(), unixToTime(createdBeforeUnixUTC)).
		Order("created_at, id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapError(errorSubjectTransaction, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, limit int, offset int) ([]ledger.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, wrapError(errorSubjectTransaction, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) CountTransactions(ctx context.Context, userID ledger.UserID) (int, error) {
	var count int64
	if err := store.db.WithContext(ctx).Model(&CreditTransaction{}).Where("user_id = ?", userID.String()).Count(&count).Error; err != nil {
		return 0, wrapError(errorSubjectTransaction, errorCodeCount, err)
	}
	return int(count), nil
}

func (store *Store) InsertLedgerRecord(ctx context.Context, record ledger.LedgerRecord) error {
	row := LedgerRecord{
		UserID:       record.UserID.String(),
		CreditID:     record.CreditID,
		Change:       record.Change.Int64(),
		BalanceAfter: record.BalanceAfter.Int64(),
		Reason:       record.Reason,
		CreatedAt:    unixToTime(record.CreatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapError(errorSubjectLedger, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) InsertGrant(ctx context.Context, grant ledger.Grant) error {
	row := CreditGrant{
		ID:            grant.ID.String(),
		UserID:        grant.UserID.String(),
		TransactionID: grant.TransactionID.String(),
		Source:        grant.Source.String(),
		Amount:        grant.Amount.Int64(),
		Remaining:     grant.Remaining.Int64(),
		ExpiresAt:     timeOrNil(grant.ExpiresAtUnixUTC),
		CreatedAt:     unixToTime(grant.CreatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapError(errorSubjectGrant, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListSpendableGrants(ctx context.Context, userID ledger.UserID) ([]ledger.Grant, error) {
	var rows []CreditGrant
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND remaining > 0", userID.String()).
		Order(spendableGrantOrdering).
		Find(&rows).Error
	if err != nil {
		return nil, wrapError(errorSubjectGrant, errorCodeList, err)
	}
	return mapGrants(rows)
}

func (store *Store) UpdateGrantRemaining(ctx context.Context, grantID ledger.GrantID, remaining ledger.Credits) error {
	result := store.db.WithContext(ctx).
		Model(&CreditGrant{}).
		Where("id = ?", grantID.String()).
		Update("remaining", remaining.Int64())
	if result.Error != nil {
		return wrapError(errorSubjectGrant, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectGrant, errorCodeUpdate, fmt.Errorf("grant %s not found", grantID.String()))
	}
	return nil
}

func (store *Store) ListUsersWithExpiredGrants(ctx context.Context, atUnixUTC int64, afterUserID ledger.UserID, limit int) ([]ledger.UserID, error) {
	var rawUserIDs []string
	err := store.db.WithContext(ctx).
		Model(&CreditGrant{}).
		Distinct("user_id").
		Where(expiredGrantCondition+" AND user_id > ?", unixToTime(atUnixUTC), afterUserID.String()).
		Order("user_id").
		Limit(limit).
		Pluck("user_id", &rawUserIDs).Error
	if err != nil {
		return nil, wrapError(errorSubjectGrant, errorCodeList, err)
	}
	userIDs := make([]ledger.UserID, 0, len(rawUserIDs))
	for _, rawUserID := range rawUserIDs {
		userID, err := ledger.NewUserID(rawUserID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, nil
}

func (store *Store) ListExpiredGrants(ctx context.Context, userID ledger.UserID, atUnixUTC int64) ([]ledger.Grant, error) {
	var rows []CreditGrant
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND "+expiredGrantCondition, userID.String(), unixToTime(atUnixUTC)).
		Order("expires_at, created_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, wrapError(errorSubjectGrant, errorCodeList, err)
	}
	return mapGrants(rows)
}

func (store *Store) ListExpiringGrants(ctx context.Context, userID ledger.UserID, afterUnixUTC int64, untilUnixUTC int64) ([]ledger.Grant, error) {
	var rows []CreditGrant
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND remaining > 0 AND expires_at > ? AND expires_at <= ?", userID.String(), unixToTime(afterUnixUTC), unixToTime(untilUnixUTC)).
		Order("expires_at, created_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, wrapError(errorSubjectGrant, errorCodeList, err)
	}
	return mapGrants(rows)
}

func (store *Store) InsertSlot(ctx context.Context, slot ledger.Slot) error {
	row := ConcurrencySlot{
		RequestID: slot.RequestID.String(),
		UserID:    slot.UserID.String(),
		ExpiresAt: unixToTime(slot.ExpiresAtUnixUTC),
		CreatedAt: unixToTime(slot.CreatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapError(errorSubjectSlot, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) CountActiveSlots(ctx context.Context, userID ledger.UserID, atUnixUTC int64) (int, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&ConcurrencySlot{}).
		Where("user_id = ? AND expires_at > ?", userID.String(), unixToTime(atUnixUTC)).
		Count(&count).Error
	if err != nil {
		return 0, wrapError(errorSubjectSlot, errorCodeCount, err)
	}
	return int(count), nil
}

func (store *Store) DeleteSlot(ctx context.Context, userID ledger.UserID, requestID ledger.RequestID) (bool, error) {
	result := store.db.WithContext(ctx).
		Where("request_id = ? AND user_id = ?", requestID.String(), userID.String()).
		Delete(&ConcurrencySlot{})
	if result.Error != nil {
		return false, wrapError(errorSubjectSlot, errorCodeDelete, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) DeleteExpiredUserSlots(ctx context.Context, userID ledger.UserID, atUnixUTC int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Where("user_id = ? AND expires_at <= ?", userID.String(), unixToTime(atUnixUTC)).
		Delete(&ConcurrencySlot{})
	if result.Error != nil {
		return 0, wrapError(errorSubjectSlot, errorCodeDelete, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *Store) DeleteExpiredSlots(ctx context.Context, atUnixUTC int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Where("expires_at <= ?", unixToTime(atUnixUTC)).
		Delete(&ConcurrencySlot{})
	if result.Error != nil {
		return 0, wrapError(errorSubjectSlot, errorCodeDelete, result.Error)
	}
	return result.RowsAffected, nil
}

type sqlSum struct {
	Total int64
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

// wrapError classifies driver errors so conflicts surface as
// ErrTransactionConflict regardless of dialect.
func wrapError(subject string, code string, err error) error {
	if isSerializationFailure(err) {
		return wrapStoreError(subject, errorCodeSerialization, fmt.Errorf("%w: %w", ledger.ErrTransactionConflict, err))
	}
	if isSQLiteBusy(err) {
		return wrapStoreError(subject, errorCodeBusy, fmt.Errorf("%w: %w", ledger.ErrTransactionConflict, err))
	}
	return wrapStoreError(subject, code, err)
}

func mapTransactions(rows []CreditTransaction) ([]ledger.Transaction, error) {
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func mapTransaction(row CreditTransaction) (ledger.Transaction, error) {
	holdID := ""
	if row.HoldID != nil {
		holdID = *row.HoldID
	}
	return ledger.BuildTransaction(
		row.ID,
		row.UserID,
		holdID,
		row.Type,
		row.Status,
		row.Amount,
		row.Description,
		string(row.Metadata),
		row.CreatedAt.Unix(),
	)
}

func mapGrants(rows []CreditGrant) ([]ledger.Grant, error) {
	grants := make([]ledger.Grant, 0, len(rows))
	for _, row := range rows {
		grant, err := ledger.BuildGrant(
			row.ID,
			row.UserID,
			row.TransactionID,
			row.Source,
			row.Amount,
			row.Remaining,
			timeOrZero(row.ExpiresAt),
			row.CreatedAt.Unix(),
		)
		if err != nil {
			return nil, wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
		}
		grants = append(grants, grant)
	}
	return grants, nil
}

func unixToTime(unixUTC int64) time.Time {
	return time.Unix(unixUTC, 0).UTC()
}

func timeOrNil(unixUTC int64) *time.Time {
	if unixUTC <= 0 {
		return nil
	}
	value := unixToTime(unixUTC)
	return &value
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isConflict(err error) bool {
	return isSerializationFailure(err) || isSQLiteBusy(err)
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailureCode || pgErr.Code == pgDeadlockDetectedCode
	}
	return false
}

func isSQLiteBusy(err error) bool {
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	return false
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
