package memory

import (
	"context" // standard Go package for request-scoped context (timeouts, cancellation)
	"fmt"
	"sort"
	"sync" // standard Go package for concurrency primitives like Mutex
	"time"

	interfaces "github.com/sheikh-saqib/finance-ledger/internal/interfaces"
	"github.com/sheikh-saqib/finance-ledger/internal/models"
	"github.com/shopspring/decimal"
)

type idempotencyKey struct {
	ownerID   string
	key       string
	operation string
}

type snapshotKey struct {
	accountID string
	month     time.Time
}

// MemoryLedgerStore is an in-memory implementation of interfaces.Store.
// Writes are applied immediately and undone on rollback, so uncommitted state
// is visible to other units of work. Writers on the same account never observe
// each other's uncommitted state because they serialize on the account locks.
type MemoryLedgerStore struct {
	mu           sync.Mutex // protects every map and slice below
	accounts     map[string]models.Account
	categories   map[string]models.Category
	transactions map[string]models.Transaction
	entries      []models.LedgerEntry // append-only
	idempotency  map[idempotencyKey]models.IdempotencyRecord
	snapshots    map[snapshotKey]models.AccountBalanceSnapshot
	snapshotBy   map[snapshotKey]*memoryTx // unit that wrote the current snapshot value

	advisory *lockTable // cooperative locks keyed by account id
	rows     *lockTable // row locks keyed by table and primary key
}

// NewMemoryLedgerStore creates and returns a new MemoryLedgerStore instance
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		accounts:     make(map[string]models.Account),
		categories:   make(map[string]models.Category),
		transactions: make(map[string]models.Transaction),
		entries:      make([]models.LedgerEntry, 0),
		idempotency:  make(map[idempotencyKey]models.IdempotencyRecord),
		snapshots:    make(map[snapshotKey]models.AccountBalanceSnapshot),
		snapshotBy:   make(map[snapshotKey]*memoryTx),
		advisory:     newLockTable(),
		rows:         newLockTable(),
	}
}

// WithinTx runs fn inside a unit of work. Locks taken by fn are released and
// its writes undone unless fn returns nil and ctx is still live.
func (m *MemoryLedgerStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx interfaces.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	t := &memoryTx{store: m}

	defer func() {
		if p := recover(); p != nil {
			t.finish(false)
			panic(p)
		}
	}()

	if err := fn(ctx, t); err != nil {
		t.finish(false)
		return err
	}

	// A unit whose deadline passed before commit leaves nothing behind.
	if err := ctx.Err(); err != nil {
		t.finish(false)
		return err
	}

	t.finish(true)
	return nil
}

func (m *MemoryLedgerStore) Close() error {
	return nil
}

// memoryTx records an undo function for every write and the locks it holds.
type memoryTx struct {
	store *MemoryLedgerStore
	undo  []func()
	locks []heldKey
	done  bool
}

type heldKey struct {
	table *lockTable
	key   string
}

func (t *memoryTx) finish(commit bool) {
	t.store.mu.Lock()
	if !commit {
		for i := len(t.undo) - 1; i >= 0; i-- {
			t.undo[i]()
		}
	}
	t.undo = nil
	t.done = true
	t.store.mu.Unlock()

	for i := len(t.locks) - 1; i >= 0; i-- {
		t.locks[i].table.release(t.locks[i].key, t)
	}
	t.locks = nil
}

// begin locks the store data for one operation of this tx.
func (t *memoryTx) begin() (func(), error) {
	t.store.mu.Lock()
	if t.done {
		t.store.mu.Unlock()
		return nil, interfaces.ErrTxDone
	}
	return t.store.mu.Unlock, nil
}

func (t *memoryTx) lock(ctx context.Context, table *lockTable, key string) error {
	if t.done {
		return interfaces.ErrTxDone
	}
	acquired, err := table.acquire(ctx, key, t)
	if err != nil {
		return err
	}
	if acquired {
		t.locks = append(t.locks, heldKey{table: table, key: key})
	}
	return nil
}

// Accounts

func (t *memoryTx) CreateAccount(ctx context.Context, account models.Account) error {
	unlock, err := t.begin()
	if err != nil {
		return err
	}
	defer unlock()

	if _, exists := t.store.accounts[account.ID]; exists {
		return fmt.Errorf("account %s: %w", account.ID, interfaces.ErrDuplicate)
	}
	t.store.accounts[account.ID] = account
	t.undo = append(t.undo, func() { delete(t.store.accounts, account.ID) })
	return nil
}

func (t *memoryTx) GetAccount(ctx context.Context, ownerID, id string) (models.Account, error) {
	unlock, err := t.begin()
	if err != nil {
		return models.Account{}, err
	}
	defer unlock()

	account, exists := t.store.accounts[id]
	if !exists || account.OwnerID != ownerID {
		return models.Account{}, fmt.Errorf("account %s: %w", id, interfaces.ErrRecordNotFound)
	}
	return account, nil
}

func (t *memoryTx) ListAccounts(ctx context.Context) ([]models.Account, error) {
	unlock, err := t.begin()
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := make([]models.Account, 0, len(t.store.accounts))
	for _, a := range t.store.accounts {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (t *memoryTx) LockAccount(ctx context.Context, id string) error {
	return t.lock(ctx, t.store.advisory, id)
}

func (t *memoryTx) GetAccountForUpdate(ctx context.Context, ownerID, id string) (models.Account, error) {
	if err := t.lock(ctx, t.store.rows, "accounts/"+id); err != nil {
		return models.Account{}, err
	}
	return t.GetAccount(ctx, ownerID, id)
}

func (t *memoryTx) UpdateAccountBalance(ctx context.Context, id string, balance decimal.Decimal, expectedVersion int64) (bool, error) {
	unlock, err := t.begin()
	if err != nil {
		return false, err
	}
	defer unlock()

	account, exists := t.store.accounts[id]
	if !exists || account.Version != expectedVersion {
		return false, nil
	}
	previous := account
	account.Balance = balance
	account.Version++
	t.store.accounts[id] = account
	t.undo = append(t.undo, func() { t.store.accounts[id] = previous })
	return true, nil
}

// Categories

func (t *memoryTx) CreateCategory(ctx context.Context, category models.Category) error {
	unlock, err := t.begin()
	if err != nil {
		return err
	}
	defer unlock()

	for _, c := range t.store.categories {
		if c.ID == category.ID || (c.OwnerID == category.OwnerID && c.Name == category.Name) {
			return fmt.Errorf("category %s: %w", category.Name, interfaces.ErrDuplicate)
		}
	}
	t.store.categories[category.ID] = category
	t.undo = append(t.undo, func() { delete(t.store.categories, category.ID) })
	return nil
}

func (t *memoryTx) GetCategory(ctx context.Context, ownerID, id string) (models.Category, error) {
	unlock, err := t.begin()
	if err != nil {
		return models.Category{}, err
	}
	defer unlock()

	c, exists := t.store.categories[id]
	if !exists || c.OwnerID != ownerID {
		return models.Category{}, fmt.Errorf("category %s: %w", id, interfaces.ErrRecordNotFound)
	}
	return c, nil
}

// Transactions

func (t *memoryTx) InsertTransaction(ctx context.Context, tr models.Transaction) error {
	unlock, err := t.begin()
	if err != nil {
		return err
	}
	defer unlock()

	if _, exists := t.store.transactions[tr.ID]; exists {
		return fmt.Errorf("transaction %s: %w", tr.ID, interfaces.ErrDuplicate)
	}
	t.store.transactions[tr.ID] = cloneTransaction(tr)
	t.undo = append(t.undo, func() { delete(t.store.transactions, tr.ID) })
	return nil
}

func (t *memoryTx) GetTransaction(ctx context.Context, ownerID, id string) (models.Transaction, error) {
	unlock, err := t.begin()
	if err != nil {
		return models.Transaction{}, err
	}
	defer unlock()

	tr, exists := t.store.transactions[id]
	if !exists || tr.OwnerID != ownerID {
		return models.Transaction{}, fmt.Errorf("transaction %s: %w", id, interfaces.ErrRecordNotFound)
	}
	return cloneTransaction(tr), nil
}

func (t *memoryTx) UpdateTransaction(ctx context.Context, tr models.Transaction) error {
	return t.mutateTransaction(tr.ID, func(stored *models.Transaction) {
		stored.AccountID = tr.AccountID
		stored.Amount = tr.Amount
		stored.CategoryID = tr.CategoryID
		stored.Description = tr.Description
		stored.Tags = append([]string(nil), tr.Tags...)
		stored.UpdatedAt = tr.UpdatedAt
	})
}

func (t *memoryTx) TombstoneTransaction(ctx context.Context, id string, at time.Time) error {
	return t.mutateTransaction(id, func(stored *models.Transaction) {
		deletedAt := at
		stored.DeletedAt = &deletedAt
		stored.UpdatedAt = at
	})
}

func (t *memoryTx) mutateTransaction(id string, mutate func(*models.Transaction)) error {
	unlock, err := t.begin()
	if err != nil {
		return err
	}
	defer unlock()

	previous, exists := t.store.transactions[id]
	if !exists {
		return fmt.Errorf("transaction %s: %w", id, interfaces.ErrRecordNotFound)
	}
	updated := cloneTransaction(previous)
	mutate(&updated)
	t.store.transactions[id] = updated
	t.undo = append(t.undo, func() { t.store.transactions[id] = previous })
	return nil
}

func (t *memoryTx) DeleteTransaction(ctx context.Context, id string) error {
	unlock, err := t.begin()
	if err != nil {
		return err
	}
	defer unlock()

	previous, exists := t.store.transactions[id]
	if !exists {
		return fmt.Errorf("transaction %s: %w", id, interfaces.ErrRecordNotFound)
	}
	delete(t.store.transactions, id)
	t.undo = append(t.undo, func() { t.store.transactions[id] = previous })
	return nil
}

func (t *memoryTx) TransactionsWithoutEntries(ctx context.Context) ([]models.Transaction, error) {
	unlock, err := t.begin()
	if err != nil {
		return nil, err
	}
	defer unlock()

	referenced := make(map[string]bool)
	for _, e := range t.store.entries {
		if e.TransactionID != nil {
			referenced[*e.TransactionID] = true
		}
	}

	var result []models.Transaction
	for id, tr := range t.store.transactions {
		if tr.DeletedAt == nil && !referenced[id] {
			result = append(result, cloneTransaction(tr))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Ledger entries

// AppendEntry saves a LedgerEntry to the in-memory slice.
func (t *memoryTx) AppendEntry(ctx context.Context, entry models.LedgerEntry) error {
	unlock, err := t.begin()
	if err != nil {
		return err
	}
	defer unlock()

	for _, e := range t.store.entries {
		if e.ID == entry.ID {
			return fmt.Errorf("ledger entry %s: %w", entry.ID, interfaces.ErrDuplicate)
		}
	}
	if _, exists := t.store.accounts[entry.AccountID]; !exists {
		return fmt.Errorf("ledger entry account %s: %w", entry.AccountID, interfaces.ErrRecordNotFound)
	}
	if !entry.Consistent() {
		return fmt.Errorf("ledger entry %s: amount %s does not match kind %q: %w",
			entry.ID, entry.Amount, entry.Kind, interfaces.ErrConstraint)
	}

	t.store.entries = append(t.store.entries, entry)
	// Units on other accounts may have appended since, so only this entry goes.
	t.undo = append(t.undo, func() { t.store.removeEntry(entry.ID) })
	return nil
}

func (m *MemoryLedgerStore) removeEntry(id string) {
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].ID == id {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return
		}
	}
}

func (t *memoryTx) SumEntries(ctx context.Context, accountID string, asOf time.Time) (decimal.Decimal, error) {
	unlock, err := t.begin()
	if err != nil {
		return decimal.Zero, err
	}
	defer unlock()

	sum := decimal.Zero
	for _, e := range t.store.entries {
		if e.AccountID != accountID {
			continue
		}
		if !asOf.IsZero() && e.CreatedAt.After(asOf) {
			continue
		}
		sum = sum.Add(e.Amount)
	}
	return sum, nil
}

func (t *memoryTx) EntriesByTransaction(ctx context.Context, transactionID string) ([]models.LedgerEntry, error) {
	return t.filterEntries(func(e models.LedgerEntry) bool {
		return e.TransactionID != nil && *e.TransactionID == transactionID
	})
}

func (t *memoryTx) EntriesByAccount(ctx context.Context, accountID string) ([]models.LedgerEntry, error) {
	return t.filterEntries(func(e models.LedgerEntry) bool { return e.AccountID == accountID })
}

func (t *memoryTx) filterEntries(keep func(models.LedgerEntry) bool) ([]models.LedgerEntry, error) {
	unlock, err := t.begin()
	if err != nil {
		return nil, err
	}
	defer unlock()

	var result []models.LedgerEntry
	for _, e := range t.store.entries {
		if keep(e) {
			result = append(result, e)
		}
	}
	return result, nil
}

// Idempotency records

func (t *memoryTx) InsertIdempotencyRecord(ctx context.Context, rec models.IdempotencyRecord) (bool, error) {
	k := idempotencyKey{rec.OwnerID, rec.Key, rec.Operation}
	// Like a unique index, a second inserter waits for the first one's unit to end.
	if err := t.lock(ctx, t.store.rows, "idempotency/"+k.ownerID+"/"+k.key+"/"+k.operation); err != nil {
		return false, err
	}

	unlock, err := t.begin()
	if err != nil {
		return false, err
	}
	defer unlock()

	if _, exists := t.store.idempotency[k]; exists {
		return false, nil
	}
	t.store.idempotency[k] = cloneRecord(rec)
	t.undo = append(t.undo, func() { delete(t.store.idempotency, k) })
	return true, nil
}

func (t *memoryTx) GetIdempotencyRecordForUpdate(ctx context.Context, ownerID, key, operation string) (models.IdempotencyRecord, error) {
	if err := t.lock(ctx, t.store.rows, "idempotency/"+ownerID+"/"+key+"/"+operation); err != nil {
		return models.IdempotencyRecord{}, err
	}

	unlock, err := t.begin()
	if err != nil {
		return models.IdempotencyRecord{}, err
	}
	defer unlock()

	rec, exists := t.store.idempotency[idempotencyKey{ownerID, key, operation}]
	if !exists {
		return models.IdempotencyRecord{}, fmt.Errorf("idempotency key %s: %w", key, interfaces.ErrRecordNotFound)
	}
	return cloneRecord(rec), nil
}

func (t *memoryTx) UpdateIdempotencyRecord(ctx context.Context, rec models.IdempotencyRecord, expected models.IdempotencyStatus) (bool, error) {
	unlock, err := t.begin()
	if err != nil {
		return false, err
	}
	defer unlock()

	k := idempotencyKey{rec.OwnerID, rec.Key, rec.Operation}
	previous, exists := t.store.idempotency[k]
	if !exists || previous.Status != expected {
		return false, nil
	}
	t.store.idempotency[k] = cloneRecord(rec)
	t.undo = append(t.undo, func() { t.store.idempotency[k] = previous })
	return true, nil
}

func (t *memoryTx) DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error) {
	unlock, err := t.begin()
	if err != nil {
		return 0, err
	}
	defer unlock()

	var removed int64
	for k, rec := range t.store.idempotency {
		if rec.Expired(now) {
			previous := rec
			key := k
			delete(t.store.idempotency, k)
			t.undo = append(t.undo, func() { t.store.idempotency[key] = previous })
			removed++
		}
	}
	return removed, nil
}

// Snapshots

func (t *memoryTx) UpsertSnapshot(ctx context.Context, snapshot models.AccountBalanceSnapshot) error {
	unlock, err := t.begin()
	if err != nil {
		return err
	}
	defer unlock()

	k := snapshotKey{snapshot.AccountID, models.MonthStart(snapshot.Month)}
	snapshot.Month = k.month
	previous, existed := t.store.snapshots[k]
	previousBy := t.store.snapshotBy[k]
	t.store.snapshots[k] = snapshot
	t.store.snapshotBy[k] = t
	t.undo = append(t.undo, func() {
		// A later unit overwrote the value; keep its write.
		if t.store.snapshotBy[k] != t {
			return
		}
		if existed {
			t.store.snapshots[k] = previous
			t.store.snapshotBy[k] = previousBy
		} else {
			delete(t.store.snapshots, k)
			delete(t.store.snapshotBy, k)
		}
	})
	return nil
}

func (t *memoryTx) GetSnapshot(ctx context.Context, accountID string, month time.Time) (models.AccountBalanceSnapshot, error) {
	unlock, err := t.begin()
	if err != nil {
		return models.AccountBalanceSnapshot{}, err
	}
	defer unlock()

	s, exists := t.store.snapshots[snapshotKey{accountID, models.MonthStart(month)}]
	if !exists {
		return models.AccountBalanceSnapshot{}, fmt.Errorf("snapshot %s: %w", accountID, interfaces.ErrRecordNotFound)
	}
	return s, nil
}

func (t *memoryTx) ListSnapshots(ctx context.Context) ([]models.AccountBalanceSnapshot, error) {
	unlock, err := t.begin()
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := make([]models.AccountBalanceSnapshot, 0, len(t.store.snapshots))
	for _, s := range t.store.snapshots {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].AccountID != result[j].AccountID {
			return result[i].AccountID < result[j].AccountID
		}
		return result[i].Month.Before(result[j].Month)
	})
	return result, nil
}

func cloneTransaction(tr models.Transaction) models.Transaction {
	if tr.Tags != nil {
		tr.Tags = append([]string(nil), tr.Tags...)
	}
	return tr
}

func cloneRecord(rec models.IdempotencyRecord) models.IdempotencyRecord {
	if rec.ResponseBody != nil {
		rec.ResponseBody = append([]byte(nil), rec.ResponseBody...)
	}
	return rec
}

// Compile-time check: ensure MemoryLedgerStore implements Store interface
var _ interfaces.Store = (*MemoryLedgerStore)(nil)
var _ interfaces.Tx = (*memoryTx)(nil)
