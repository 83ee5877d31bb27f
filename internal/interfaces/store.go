package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/sheikh-saqib/finance-ledger/internal/models"
	"github.com/shopspring/decimal"
)

// Storage contract errors. Implementations wrap them so callers can use errors.Is.
var (
	ErrRecordNotFound = errors.New("record not found")
	ErrDuplicate      = errors.New("duplicate record")
	ErrConstraint     = errors.New("constraint violation")
	ErrTxDone         = errors.New("transaction already finished")
)

// LedgerEntryStore is the append-only ledger. It deliberately offers no way to
// change or remove an entry once written.
type LedgerEntryStore interface {
	AppendEntry(ctx context.Context, entry models.LedgerEntry) error
	// SumEntries sums the entries of an account created at or before asOf.
	// A zero asOf sums every entry.
	SumEntries(ctx context.Context, accountID string, asOf time.Time) (decimal.Decimal, error)
	EntriesByTransaction(ctx context.Context, transactionID string) ([]models.LedgerEntry, error)
	EntriesByAccount(ctx context.Context, accountID string) ([]models.LedgerEntry, error)
}

// AccountStore persists accounts and provides both lock layers. Locks taken
// through it are released when the enclosing Tx ends.
type AccountStore interface {
	CreateAccount(ctx context.Context, account models.Account) error
	GetAccount(ctx context.Context, ownerID, id string) (models.Account, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
	// LockAccount takes the cooperative, row-independent lock on an account id.
	LockAccount(ctx context.Context, id string) error
	// GetAccountForUpdate reads the account row and holds a row lock on it.
	GetAccountForUpdate(ctx context.Context, ownerID, id string) (models.Account, error)
	// UpdateAccountBalance writes balance and bumps the version only if the
	// stored version still equals expectedVersion. It reports whether a row changed.
	UpdateAccountBalance(ctx context.Context, id string, balance decimal.Decimal, expectedVersion int64) (bool, error)
}

type CategoryStore interface {
	CreateCategory(ctx context.Context, category models.Category) error
	GetCategory(ctx context.Context, ownerID, id string) (models.Category, error)
}

type TransactionStore interface {
	InsertTransaction(ctx context.Context, t models.Transaction) error
	GetTransaction(ctx context.Context, ownerID, id string) (models.Transaction, error)
	// UpdateTransaction rewrites the mutable columns: account, amount, category,
	// description, tags and updated_at.
	UpdateTransaction(ctx context.Context, t models.Transaction) error
	TombstoneTransaction(ctx context.Context, id string, at time.Time) error
	DeleteTransaction(ctx context.Context, id string) error
	// TransactionsWithoutEntries lists live transactions no ledger entry refers to.
	TransactionsWithoutEntries(ctx context.Context) ([]models.Transaction, error)
}

type IdempotencyStore interface {
	// InsertIdempotencyRecord inserts rec unless a record with the same key
	// already exists, in which case it returns false and changes nothing.
	InsertIdempotencyRecord(ctx context.Context, rec models.IdempotencyRecord) (bool, error)
	GetIdempotencyRecordForUpdate(ctx context.Context, ownerID, key, operation string) (models.IdempotencyRecord, error)
	// UpdateIdempotencyRecord overwrites the record only if its stored status
	// equals expected. It reports whether a row changed.
	UpdateIdempotencyRecord(ctx context.Context, rec models.IdempotencyRecord, expected models.IdempotencyStatus) (bool, error)
	DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error)
}

type SnapshotStore interface {
	UpsertSnapshot(ctx context.Context, snapshot models.AccountBalanceSnapshot) error
	GetSnapshot(ctx context.Context, accountID string, month time.Time) (models.AccountBalanceSnapshot, error)
	ListSnapshots(ctx context.Context) ([]models.AccountBalanceSnapshot, error)
}

// Tx is one unit of work. Everything done through it commits or rolls back together.
type Tx interface {
	LedgerEntryStore
	AccountStore
	CategoryStore
	TransactionStore
	IdempotencyStore
	SnapshotStore
}

// Store opens units of work.
type Store interface {
	// WithinTx runs fn in a new unit of work. The unit commits if fn returns
	// nil and rolls back otherwise, including when fn panics or ctx ends.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}
