package ledger

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
)

// memoryStore is a transactional in-memory Store. WithTx holds one mutex for
// the whole transaction, which makes every transaction serial, and restores
// a snapshot when fn fails.
type memoryStore struct {
	mutex *sync.Mutex
	state *memoryState
	inTx  bool

	// failTransactions makes the next n WithTx calls fail with txError.
	failTransactions *int
	txError          error
	txCalls          *int
}

type memoryState struct {
	accounts     map[UserID]Account
	transactions []Transaction
	ledger       []LedgerRecord
	grants       []Grant
	slots        []Slot
}

func newMemoryStore() *memoryStore {
	failTransactions := 0
	txCalls := 0
	return &memoryStore{
		mutex:            &sync.Mutex{},
		state:            &memoryState{accounts: map[UserID]Account{}},
		failTransactions: &failTransactions,
		txError:          WrapError("memory", "tx", "serialization_failure", ErrTransactionConflict),
		txCalls:          &txCalls,
	}
}

func (state *memoryState) clone() *memoryState {
	accounts := make(map[UserID]Account, len(state.accounts))
	for userID, account := range state.accounts {
		accounts[userID] = account
	}
	return &memoryState{
		accounts:     accounts,
		transactions: slices.Clone(state.transactions),
		ledger:       slices.Clone(state.ledger),
		grants:       slices.Clone(state.grants),
		slots:        slices.Clone(state.slots),
	}
}

func (store *memoryStore) lock() func() {
	if store.inTx {
		return func() {}
	}
	store.mutex.Lock()
	return store.mutex.Unlock
}

// failNext makes the next count transactions abort with a serialization conflict.
func (store *memoryStore) failNext(count int) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	*store.failTransactions = count
}

func (store *memoryStore) transactionCalls() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return *store.txCalls
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	*store.txCalls += 1
	if *store.failTransactions > 0 {
		*store.failTransactions -= 1
		return store.txError
	}
	snapshot := store.state.clone()
	txStore := &memoryStore{
		mutex:            store.mutex,
		state:            store.state,
		inTx:             true,
		failTransactions: store.failTransactions,
		txError:          store.txError,
		txCalls:          store.txCalls,
	}
	if err := fn(ctx, txStore); err != nil {
		*store.state = *snapshot
		return err
	}
	return nil
}

func (store *memoryStore) CreateAccount(_ context.Context, account Account) error {
	defer store.lock()()
	if _, exists := store.state.accounts[account.UserID]; exists {
		return ErrAccountExists
	}
	store.state.accounts[account.UserID] = account
	return nil
}

func (store *memoryStore) GetAccount(_ context.Context, userID UserID) (Account, error) {
	defer store.lock()()
	account, exists := store.state.accounts[userID]
	if !exists {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *memoryStore) AddToBalance(_ context.Context, userID UserID, delta Credits) (Credits, error) {
	defer store.lock()()
	account, exists := store.state.accounts[userID]
	if !exists {
		return 0, ErrAccountNotFound
	}
	account.Balance += delta
	store.state.accounts[userID] = account
	return account.Balance, nil
}

func (store *memoryStore) InsertTransaction(_ context.Context, transaction Transaction) error {
	defer store.lock()()
	for _, existing := range store.state.transactions {
		if existing.ID == transaction.ID {
			return fmt.Errorf("duplicate transaction %s", transaction.ID)
		}
	}
	store.state.transactions = append(store.state.transactions, transaction)
	return nil
}

func (store *memoryStore) GetTransaction(_ context.Context, transactionID TransactionID) (Transaction, error) {
	defer store.lock()()
	for _, transaction := range store.state.transactions {
		if transaction.ID == transactionID {
			return transaction, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (store *memoryStore) UpdateTransactionStatus(_ context.Context, transactionID TransactionID, from, to TransactionStatus) error {
	defer store.lock()()
	for index, transaction := range store.state.transactions {
		if transaction.ID != transactionID {
			continue
		}
		if transaction.Status != from {
			return ErrAlreadyProcessed
		}
		store.state.transactions[index].Status = to
		return nil
	}
	return ErrTransactionNotFound
}

func (store *memoryStore) pendingHolds(userID UserID) []Transaction {
	var holds []Transaction
	for _, transaction := range store.state.transactions {
		if transaction.Type == TransactionHold && transaction.Status == StatusPending && (userID.IsZero() || transaction.UserID == userID) {
			holds = append(holds, transaction)
		}
	}
	return holds
}

func (store *memoryStore) SumPendingHolds(_ context.Context, userID UserID) (Credits, error) {
	defer store.lock()()
	var total Credits
	for _, hold := range store.pendingHolds(userID) {
		total += hold.Amount.Abs()
	}
	return total, nil
}

func (store *memoryStore) ListPendingHolds(_ context.Context, userID UserID) ([]Transaction, error) {
	defer store.lock()()
	return store.pendingHolds(userID), nil
}

func (store *memoryStore) ListStaleHolds(_ context.Context, createdBeforeUnixUTC int64, limit int) ([]Transaction, error) {
	defer store.lock()()
	var stale []Transaction
	for _, hold := range store.pendingHolds(UserID{}) {
		if hold.CreatedUnixUTC < createdBeforeUnixUTC && len(stale) < limit {
			stale = append(stale, hold)
		}
	}
	return stale, nil
}

func (store *memoryStore) ListTransactions(_ context.Context, userID UserID, limit int, offset int) ([]Transaction, error) {
	defer store.lock()()
	var owned []Transaction
	for index := len(store.state.transactions) - 1; index >= 0; index-- {
		if store.state.transactions[index].UserID == userID {
			owned = append(owned, store.state.transactions[index])
		}
	}
	slices.SortStableFunc(owned, func(left Transaction, right Transaction) int {
		switch {
		case left.CreatedUnixUTC > right.CreatedUnixUTC:
			return -1
		case left.CreatedUnixUTC < right.CreatedUnixUTC:
			return 1
		default:
			return 0
		}
	})
	if offset >= len(owned) {
		return nil, nil
	}
	end := min(offset+limit, len(owned))
	return owned[offset:end], nil
}

func (store *memoryStore) CountTransactions(_ context.Context, userID UserID) (int, error) {
	defer store.lock()()
	count := 0
	for _, transaction := range store.state.transactions {
		if transaction.UserID == userID {
			count++
		}
	}
	return count, nil
}

func (store *memoryStore) InsertLedgerRecord(_ context.Context, record LedgerRecord) error {
	defer store.lock()()
	store.state.ledger = append(store.state.ledger, record)
	return nil
}

func (store *memoryStore) InsertGrant(_ context.Context, grant Grant) error {
	defer store.lock()()
	store.state.grants = append(store.state.grants, grant)
	return nil
}

func (store *memoryStore) ListSpendableGrants(_ context.Context, userID UserID) ([]Grant, error) {
	defer store.lock()()
	var grants []Grant
	for _, grant := range store.state.grants {
		if grant.UserID == userID && grant.Remaining > 0 {
			grants = append(grants, grant)
		}
	}
	return grants, nil
}

func (store *memoryStore) UpdateGrantRemaining(_ context.Context, grantID GrantID, remaining Credits) error {
	defer store.lock()()
	for index, grant := range store.state.grants {
		if grant.ID == grantID {
			store.state.grants[index].Remaining = remaining
			return nil
		}
	}
	return fmt.Errorf("grant %s not found", grantID)
}

func (store *memoryStore) ListUsersWithExpiredGrants(_ context.Context, atUnixUTC int64, afterUserID UserID, limit int) ([]UserID, error) {
	defer store.lock()()
	var userIDs []UserID
	for _, grant := range store.state.grants {
		if grant.Remaining > 0 && grant.Expires() && grant.ExpiresAtUnixUTC <= atUnixUTC && grant.UserID.String() > afterUserID.String() && !slices.Contains(userIDs, grant.UserID) {
			userIDs = append(userIDs, grant.UserID)
		}
	}
	slices.SortFunc(userIDs, func(left, right UserID) int {
		return strings.Compare(left.String(), right.String())
	})
	if len(userIDs) > limit {
		userIDs = userIDs[:limit]
	}
	return userIDs, nil
}

func (store *memoryStore) ListExpiredGrants(_ context.Context, userID UserID, atUnixUTC int64) ([]Grant, error) {
	defer store.lock()()
	var grants []Grant
	for _, grant := range store.state.grants {
		if grant.UserID == userID && grant.Remaining > 0 && grant.Expires() && grant.ExpiresAtUnixUTC <= atUnixUTC {
			grants = append(grants, grant)
		}
	}
	return grants, nil
}

func (store *memoryStore) ListExpiringGrants(_ context.Context, userID UserID, afterUnixUTC int64, untilUnixUTC int64) ([]Grant, error) {
	defer store.lock()()
	var grants []Grant
	for _, grant := range store.state.grants {
		if grant.UserID == userID && grant.Remaining > 0 && grant.ExpiresAtUnixUTC > afterUnixUTC && grant.ExpiresAtUnixUTC <= untilUnixUTC {
			grants = append(grants, grant)
		}
	}
	return grants, nil
}

func (store *memoryStore) InsertSlot(_ context.Context, slot Slot) error {
	defer store.lock()()
	for _, existing := range store.state.slots {
		if existing.RequestID == slot.RequestID {
			return fmt.Errorf("duplicate slot %s", slot.RequestID)
		}
	}
	store.state.slots = append(store.state.slots, slot)
	return nil
}

func (store *memoryStore) CountActiveSlots(_ context.Context, userID UserID, atUnixUTC int64) (int, error) {
	defer store.lock()()
	count := 0
	for _, slot := range store.state.slots {
		if slot.UserID == userID && slot.ExpiresAtUnixUTC > atUnixUTC {
			count++
		}
	}
	return count, nil
}

func (store *memoryStore) DeleteSlot(_ context.Context, userID UserID, requestID RequestID) (bool, error) {
	defer store.lock()()
	before := len(store.state.slots)
	store.state.slots = slices.DeleteFunc(store.state.slots, func(slot Slot) bool {
		return slot.UserID == userID && slot.RequestID == requestID
	})
	return len(store.state.slots) < before, nil
}

func (store *memoryStore) DeleteExpiredUserSlots(_ context.Context, userID UserID, atUnixUTC int64) (int64, error) {
	defer store.lock()()
	before := len(store.state.slots)
	store.state.slots = slices.DeleteFunc(store.state.slots, func(slot Slot) bool {
		return slot.UserID == userID && slot.ExpiresAtUnixUTC <= atUnixUTC
	})
	return int64(before - len(store.state.slots)), nil
}

func (store *memoryStore) DeleteExpiredSlots(_ context.Context, atUnixUTC int64) (int64, error) {
	defer store.lock()()
	before := len(store.state.slots)
	store.state.slots = slices.DeleteFunc(store.state.slots, func(slot Slot) bool {
		return slot.ExpiresAtUnixUTC <= atUnixUTC
	})
	return int64(before - len(store.state.slots)), nil
}

func (store *memoryStore) slotCount() int {
	defer store.lock()()
	return len(store.state.slots)
}

func (store *memoryStore) mustTransaction(test *testing.T, transactionID TransactionID) Transaction {
	test.Helper()
	transaction, err := store.GetTransaction(context.Background(), transactionID)
	if err != nil {
		test.Fatalf("transaction %s: %v", transactionID, err)
	}
	return transaction
}

func (store *memoryStore) transactionsFor(holdID HoldID, transactionType TransactionType) []Transaction {
	defer store.lock()()
	var matches []Transaction
	for _, transaction := range store.state.transactions {
		if transaction.HoldID == holdID && transaction.Type == transactionType {
			matches = append(matches, transaction)
		}
	}
	return matches
}

func (store *memoryStore) ledgerFor(userID UserID) []LedgerRecord {
	defer store.lock()()
	var records []LedgerRecord
	for _, record := range store.state.ledger {
		if record.UserID == userID {
			records = append(records, record)
		}
	}
	return records
}

func (store *memoryStore) grantsFor(userID UserID) []Grant {
	defer store.lock()()
	var grants []Grant
	for _, grant := range store.state.grants {
		if grant.UserID == userID {
			grants = append(grants, grant)
		}
	}
	return grants
}

// requireGrantsMatchBalance checks that grant remainders add up to the account balance.
func (store *memoryStore) requireGrantsMatchBalance(test *testing.T, userID UserID) {
	test.Helper()
	account, err := store.GetAccount(context.Background(), userID)
	if err != nil {
		test.Fatalf("account: %v", err)
	}
	var remaining Credits
	for _, grant := range store.grantsFor(userID) {
		remaining += grant.Remaining
	}
	if remaining != account.Balance {
		test.Fatalf("grant remainders %d do not match balance %d", remaining, account.Balance)
	}
}

type testClock struct {
	mutex sync.Mutex
	now   int64
}

func newTestClock(now int64) *testClock {
	return &testClock{now: now}
}

func (clock *testClock) Now() int64 {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *testClock) Advance(seconds int64) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now += seconds
}

type recorderLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) snapshot() []OperationLog {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	return slices.Clone(logger.entries)
}

const testStartUnixUTC = int64(1_700_000_000)

func mustNewService(test *testing.T, store Store, clock *testClock, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

// mustFundedUser opens an account for raw with a non-expiring welcome bonus.
func mustFundedUser(test *testing.T, service *Service, raw string, balance Credits) UserID {
	test.Helper()
	userID := mustUserID(test, raw)
	if err := service.OpenAccount(context.Background(), userID, balance, 0); err != nil {
		test.Fatalf("open account: %v", err)
	}
	return userID
}

func mustHold(test *testing.T, service *Service, userID UserID, amount int64) HoldID {
	test.Helper()
	holdID, err := service.Hold(context.Background(), userID, mustPositiveCredits(test, amount), "hold", MetadataJSON{})
	if err != nil {
		test.Fatalf("hold %d: %v", amount, err)
	}
	return holdID
}

func mustBalance(test *testing.T, service *Service, userID UserID) Balance {
	test.Helper()
	balance, err := service.GetBalance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return balance
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustPositiveCredits(test *testing.T, raw int64) PositiveCredits {
	test.Helper()
	amount, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

type staticTiers struct {
	tier  Tier
	limit int
}

func (tiers staticTiers) GetUserTier(context.Context, UserID) (Tier, error) {
	return tiers.tier, nil
}

func (tiers staticTiers) GetConcurrentLimit(context.Context, UserID) (int, error) {
	return tiers.limit, nil
}

func mustNewSlotLimiter(test *testing.T, store Store, limit int, clock *testClock, options ...SlotLimiterOption) *SlotLimiter {
	test.Helper()
	limiter, err := NewSlotLimiter(store, staticTiers{tier: TierPro, limit: limit}, clock.Now, options...)
	if err != nil {
		test.Fatalf("new slot limiter: %v", err)
	}
	return limiter
}
