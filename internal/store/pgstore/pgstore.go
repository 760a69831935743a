package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode        = "23505"
	pgSerializationFailureCode   = "40001"
	pgDeadlockDetectedCode       = "40P01"
	constraintAccountsPrimaryKey = "accounts_pkey"
	errorOperationStore          = "store"
	errorSubjectAccount          = "account"
	errorSubjectGrant            = "grant"
	errorSubjectLedger           = "ledger"
	errorSubjectSlot             = "slot"
	errorSubjectTransaction      = "transaction"
	errorSubjectTx               = "tx"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
	errorCodeCount               = "count"
	errorCodeDelete              = "delete"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeSerialization       = "serialization_failure"
	errorCodeSum                 = "sum"
	errorCodeUpdate              = "update"
	errorCodeUpdateStatus        = "update_status"

	sqlInsertAccount = `
		insert into accounts(user_id, balance, created_at) values($1, $2, to_timestamp($3))
	`

	sqlSelectAccount = `
		select user_id, balance, extract(epoch from created_at)::bigint
		from accounts where user_id = $1
	`

	sqlAddToBalance = `
		update accounts set balance = balance + $2 where user_id = $1
		returning balance
	`

	sqlInsertTransaction = `
		insert into credit_transactions(id, user_id, hold_id, type, status, amount, description, metadata, created_at)
		values($1, $2, nullif($3, ''), $4, $5, $6, $7, coalesce(nullif($8, ''), '{}')::jsonb, to_timestamp($9))
	`

	transactionColumns = `
		id, user_id, coalesce(hold_id, ''), type, status, amount, description,
		coalesce(metadata::text, '{}'), extract(epoch from created_at)::bigint
	`

	sqlSelectTransaction = `select ` + transactionColumns + ` from credit_transactions where id = $1`

	sqlUpdateTransactionStatus = `
		update credit_transactions set status = $3 where id = $1 and status = $2
	`

	sqlTransactionExists = `select exists(select 1 from credit_transactions where id = $1)`

	sqlSumPendingHolds = `
		select coalesce(sum(-amount), 0) from credit_transactions
		where user_id = $1 and type = 'hold' and status = 'pending'
	`

	sqlListPendingHolds = `select ` + transactionColumns + `
		from credit_transactions
		where user_id = $1 and type = 'hold' and status = 'pending'
		order by created_at, id
	`

	sqlListStaleHolds = `select ` + transactionColumns + `
		from credit_transactions
		where type = 'hold' and status = 'pending' and created_at < to_timestamp($1)
		order by created_at, id
		limit $2
	`

	sqlListTransactions = `select ` + transactionColumns + `
		from credit_transactions
		where user_id = $1
		order by created_at desc, id desc
		limit $2 offset $3
	`

	sqlCountTransactions = `select count(*) from credit_transactions where user_id = $1`

	sqlInsertLedgerRecord = `
		insert into credit_ledger(user_id, credit_id, change, balance_after, reason, created_at)
		values($1, $2, $3, $4, $5, to_timestamp($6))
	`

	sqlInsertGrant = `
		insert into credit_grants(id, user_id, transaction_id, source, amount, remaining, expires_at, created_at)
		values($1, $2, $3, $4, $5, $6, to_timestamp(nullif($7, 0)), to_timestamp($8))
	`

	grantColumns = `
		id, user_id, transaction_id, source, amount, remaining,
		coalesce(extract(epoch from expires_at)::bigint, 0), extract(epoch from created_at)::bigint
	`

	sqlListSpendableGrants = `select ` + grantColumns + `
		from credit_grants
		where user_id = $1 and remaining > 0
		order by expires_at asc nulls last, created_at, id
	`

	sqlUpdateGrantRemaining = `update credit_grants set remaining = $2 where id = $1`

	sqlListUsersWithExpiredGrants = `
		select distinct user_id from credit_grants
		where remaining > 0 and expires_at is not null and expires_at <= to_timestamp($1) and user_id > $2
		order by user_id
		limit $3
	`

	sqlListExpiredGrants = `select ` + grantColumns + `
		from credit_grants
		where user_id = $1 and remaining > 0 and expires_at is not null and expires_at <= to_timestamp($2)
		order by expires_at, created_at, id
	`

	sqlListExpiringGrants = `select ` + grantColumns + `
		from credit_grants
		where user_id = $1 and remaining > 0 and expires_at > to_timestamp($2) and expires_at <= to_timestamp($3)
		order by expires_at, created_at, id
	`

	sqlInsertSlot = `
		insert into concurrency_slots(request_id, user_id, expires_at, created_at)
		values($1, $2, to_timestamp($3), to_timestamp($4))
	`

	sqlCountActiveSlots = `
		select count(*) from concurrency_slots where user_id = $1 and expires_at > to_timestamp($2)
	`

	sqlDeleteSlot = `delete from concurrency_slots where user_id = $1 and request_id = $2`

	sqlDeleteExpiredUserSlots = `
		delete from concurrency_slots where user_id = $1 and expires_at <= to_timestamp($2)
	`

	sqlDeleteExpiredSlots = `delete from concurrency_slots where expires_at <= to_timestamp($1)`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store over PostgreSQL. Transactions run at the
// SERIALIZABLE isolation level; serialization failures surface as
// ledger.ErrTransactionConflict.
type Store struct {
	pool *pgxpool.Pool
	db   querier
	inTx bool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// Open connects a pool and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	transactionStore := &Store{pool: store.pool, db: tx, inTx: true}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) CreateAccount(ctx context.Context, account ledger.Account) error {
	_, err := store.db.Exec(ctx, sqlInsertAccount, account.UserID.String(), account.Balance.Int64(), account.CreatedUnixUTC)
	if isUniqueViolation(err, constraintAccountsPrimaryKey) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	var (
		userIDValue      string
		balance          int64
		createdAtUnixUTC int64
	)
	err := store.db.QueryRow(ctx, sqlSelectAccount, userID.String()).Scan(&userIDValue, &balance, &createdAtUnixUTC)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	parsedUserID, err := ledger.NewUserID(userIDValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{UserID: parsedUserID, Balance: ledger.Credits(balance), CreatedUnixUTC: createdAtUnixUTC}, nil
}

func (store *Store) AddToBalance(ctx context.Context, userID ledger.UserID, delta ledger.Credits) (ledger.Credits, error) {
	var balance int64
	err := store.db.QueryRow(ctx, sqlAddToBalance, userID.String(), delta.Int64()).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	return ledger.Credits(balance), nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		transaction.ID.String(),
		transaction.UserID.String(),
		transaction.HoldID.String(),
		transaction.Type.String(),
		transaction.Status.String(),
		transaction.Amount.Int64(),
		transaction.Description,
		transaction.Metadata.String(),
		transaction.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.Transaction, error) {
	transaction, err := scanTransaction(store.db.QueryRow(ctx, sqlSelectTransaction, transactionID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrTransactionNotFound)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return transaction, nil
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, transactionID ledger.TransactionID, from, to ledger.TransactionStatus) error {
	tag, err := store.db.Exec(ctx, sqlUpdateTransactionStatus, transactionID.String(), from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := store.db.QueryRow(ctx, sqlTransactionExists, transactionID.String()).Scan(&exists); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, err)
	}
	if !exists {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, ledger.ErrTransactionNotFound)
	}
	return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, ledger.ErrAlreadyProcessed)
}

func (store *Store) SumPendingHolds(ctx context.Context, userID ledger.UserID) (ledger.Credits, error) {
	var total int64
	if err := store.db.QueryRow(ctx, sqlSumPendingHolds, userID.String()).Scan(&total); err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, err)
	}
	return ledger.Credits(total), nil
}

func (store *Store) ListPendingHolds(ctx context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	return store.listTransactions(ctx, sqlListPendingHolds, userID.String())
}

func (store *Store) ListStaleHolds(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	return store.listTransactions(ctx, sqlListStaleHolds, createdBeforeUnixUTC, limit)
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, limit int, offset int) ([]ledger.Transaction, error) {
	return store.listTransactions(ctx, sqlListTransactions, userID.String(), limit, offset)
}

func (store *Store) CountTransactions(ctx context.Context, userID ledger.UserID) (int, error) {
	var count int
	if err := store.db.QueryRow(ctx, sqlCountTransactions, userID.String()).Scan(&count); err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) InsertLedgerRecord(ctx context.Context, record ledger.LedgerRecord) error {
	_, err := store.db.Exec(ctx, sqlInsertLedgerRecord,
		record.UserID.String(),
		record.CreditID,
		record.Change.Int64(),
		record.BalanceAfter.Int64(),
		record.Reason,
		record.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) InsertGrant(ctx context.Context, grant ledger.Grant) error {
	_, err := store.db.Exec(ctx, sqlInsertGrant,
		grant.ID.String(),
		grant.UserID.String(),
		grant.TransactionID.String(),
		grant.Source.String(),
		grant.Amount.Int64(),
		grant.Remaining.Int64(),
		grant.ExpiresAtUnixUTC,
		grant.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListSpendableGrants(ctx context.Context, userID ledger.UserID) ([]ledger.Grant, error) {
	return store.listGrants(ctx, sqlListSpendableGrants, userID.String())
}

func (store *Store) UpdateGrantRemaining(ctx context.Context, grantID ledger.GrantID, remaining ledger.Credits) error {
	if _, err := store.db.Exec(ctx, sqlUpdateGrantRemaining, grantID.String(), remaining.Int64()); err != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) ListUsersWithExpiredGrants(ctx context.Context, atUnixUTC int64, afterUserID ledger.UserID, limit int) ([]ledger.UserID, error) {
	rows, err := store.db.Query(ctx, sqlListUsersWithExpiredGrants, atUnixUTC, afterUserID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	defer rows.Close()
	var userIDs []ledger.UserID
	for rows.Next() {
		var userIDValue string
		if err := rows.Scan(&userIDValue); err != nil {
			return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
		}
		userID, err := ledger.NewUserID(userIDValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
		}
		userIDs = append(userIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	return userIDs, nil
}

func (store *Store) ListExpiredGrants(ctx context.Context, userID ledger.UserID, atUnixUTC int64) ([]ledger.Grant, error) {
	return store.listGrants(ctx, sqlListExpiredGrants, userID.String(), atUnixUTC)
}

func (store *Store) ListExpiringGrants(ctx context.Context, userID ledger.UserID, afterUnixUTC int64, untilUnixUTC int64) ([]ledger.Grant, error) {
	return store.listGrants(ctx, sqlListExpiringGrants, userID.String(), afterUnixUTC, untilUnixUTC)
}

func (store *Store) InsertSlot(ctx context.Context, slot ledger.Slot) error {
	_, err := store.db.Exec(ctx, sqlInsertSlot, slot.RequestID.String(), slot.UserID.String(), slot.ExpiresAtUnixUTC, slot.CreatedUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectSlot, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) CountActiveSlots(ctx context.Context, userID ledger.UserID, atUnixUTC int64) (int, error) {
	var count int
	if err := store.db.QueryRow(ctx, sqlCountActiveSlots, userID.String(), atUnixUTC).Scan(&count); err != nil {
		return 0, wrapStoreError(errorSubjectSlot, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) DeleteSlot(ctx context.Context, userID ledger.UserID, requestID ledger.RequestID) (bool, error) {
	tag, err := store.db.Exec(ctx, sqlDeleteSlot, userID.String(), requestID.String())
	if err != nil {
		return false, wrapStoreError(errorSubjectSlot, errorCodeDelete, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (store *Store) DeleteExpiredUserSlots(ctx context.Context, userID ledger.UserID, atUnixUTC int64) (int64, error) {
	tag, err := store.db.Exec(ctx, sqlDeleteExpiredUserSlots, userID.String(), atUnixUTC)
	if err != nil {
		return 0, wrapStoreError(errorSubjectSlot, errorCodeDelete, err)
	}
	return tag.RowsAffected(), nil
}

func (store *Store) DeleteExpiredSlots(ctx context.Context, atUnixUTC int64) (int64, error) {
	tag, err := store.db.Exec(ctx, sqlDeleteExpiredSlots, atUnixUTC)
	if err != nil {
		return 0, wrapStoreError(errorSubjectSlot, errorCodeDelete, err)
	}
	return tag.RowsAffected(), nil
}

func (store *Store) listTransactions(ctx context.Context, query string, arguments ...any) ([]ledger.Transaction, error) {
	rows, err := store.db.Query(ctx, query, arguments...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	var transactions []ledger.Transaction
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (store *Store) listGrants(ctx context.Context, query string, arguments ...any) ([]ledger.Grant, error) {
	rows, err := store.db.Query(ctx, query, arguments...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	defer rows.Close()
	var grants []ledger.Grant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	return grants, nil
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		idValue, userIDValue, holdIDValue string
		typeValue, statusValue            string
		amount                            int64
		description, metadataValue        string
		createdAtUnixUTC                  int64
	)
	if err := row.Scan(&idValue, &userIDValue, &holdIDValue, &typeValue, &statusValue, &amount, &description, &metadataValue, &createdAtUnixUTC); err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.BuildTransaction(idValue, userIDValue, holdIDValue, typeValue, statusValue, amount, description, metadataValue, createdAtUnixUTC)
}

func scanGrant(row pgx.Row) (ledger.Grant, error) {
	var (
		idValue, userIDValue, transactionIDValue, sourceValue string
		amount, remaining                                     int64
		expiresAtUnixUTC, createdAtUnixUTC                    int64
	)
	if err := row.Scan(&idValue, &userIDValue, &transactionIDValue, &sourceValue, &amount, &remaining, &expiresAtUnixUTC, &createdAtUnixUTC); err != nil {
		return ledger.Grant{}, err
	}
	return ledger.BuildGrant(idValue, userIDValue, transactionIDValue, sourceValue, amount, remaining, expiresAtUnixUTC, createdAtUnixUTC)
}

// wrapStoreError tags err with its store location and marks serialization
// failures as ledger.ErrTransactionConflict.
func wrapStoreError(subject string, code string, err error) error {
	if isSerializationFailure(err) {
		return ledger.WrapError(errorOperationStore, subject, errorCodeSerialization, fmt.Errorf("%w: %w", ledger.ErrTransactionConflict, err))
	}
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailureCode || pgErr.Code == pgDeadlockDetectedCode
	}
	return false
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}
