package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	interfaces "github.com/sheikh-saqib/finance-ledger/internal/interfaces" // interface Store
	"github.com/sheikh-saqib/finance-ledger/internal/models"
	"github.com/shopspring/decimal"
)

// PostgresLedgerStore implements interfaces.Store on PostgreSQL. Every unit of
// work is one database transaction; account locks are transaction-scoped
// advisory locks plus SELECT ... FOR UPDATE, so both end with the transaction.
type PostgresLedgerStore struct {
	db *sql.DB
}

func NewPostgresLedgerStore(db *sql.DB) *PostgresLedgerStore {
	return &PostgresLedgerStore{
		db: db,
	}
}

// DB exposes the pool for migrations and health checks.
func (p *PostgresLedgerStore) DB() *sql.DB {
	return p.db
}

func (p *PostgresLedgerStore) Close() error {
	return p.db.Close()
}

func (p *PostgresLedgerStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx interfaces.Tx) error) (err error) {
	dbTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return translateError(err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = dbTx.Rollback()
			panic(r)
		}
	}()

	if err = fn(ctx, &postgresTx{tx: dbTx}); err != nil {
		_ = dbTx.Rollback()
		return err
	}

	if err = dbTx.Commit(); err != nil {
		return translateError(err)
	}
	return nil
}

type postgresTx struct {
	tx *sql.Tx
}

// translateError maps driver errors onto the storage contract.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", interfaces.ErrRecordNotFound, err)
	}
	if errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("%w: %v", interfaces.ErrTxDone, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "22P02":
			// A malformed uuid cannot name an existing row.
			return fmt.Errorf("%w: %s", interfaces.ErrRecordNotFound, pqErr.Message)
		case pqErr.Code == "23505":
			return fmt.Errorf("%w: %s", interfaces.ErrDuplicate, pqErr.Message)
		case pqErr.Code.Class() == "23":
			return fmt.Errorf("%w: %s (%s)", interfaces.ErrConstraint, pqErr.Message, pqErr.Code.Name())
		}
	}
	return err
}

// Accounts

const accountColumns = `id, owner_id, name, balance, version, active, created_at`

func scanAccount(row interface{ Scan(...any) error }) (models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &a.Balance, &a.Version, &a.Active, &a.CreatedAt)
	return a, err
}

func (p *postgresTx) CreateAccount(ctx context.Context, a models.Account) error {
	const query = `INSERT INTO accounts (id, owner_id, name, balance, version, active, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := p.tx.ExecContext(ctx, query, a.ID, a.OwnerID, a.Name, a.Balance, a.Version, a.Active, a.CreatedAt)
	return translateError(err)
}

func (p *postgresTx) GetAccount(ctx context.Context, ownerID, id string) (models.Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 AND owner_id = $2`

	a, err := scanAccount(p.tx.QueryRowContext(ctx, query, id, ownerID))
	return a, translateError(err)
}

func (p *postgresTx) ListAccounts(ctx context.Context) ([]models.Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts ORDER BY id`

	rows, err := p.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (p *postgresTx) LockAccount(ctx context.Context, id string) error {
	const query = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`

	_, err := p.tx.ExecContext(ctx, query, "account:"+id)
	return translateError(err)
}

func (p *postgresTx) GetAccountForUpdate(ctx context.Context, ownerID, id string) (models.Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 AND owner_id = $2 FOR UPDATE`

	a, err := scanAccount(p.tx.QueryRowContext(ctx, query, id, ownerID))
	return a, translateError(err)
}

func (p *postgresTx) UpdateAccountBalance(ctx context.Context, id string, balance decimal.Decimal, expectedVersion int64) (bool, error) {
	const query = `UPDATE accounts SET balance = $1, version = version + 1
	WHERE id = $2 AND version = $3`

	res, err := p.tx.ExecContext(ctx, query, balance, id, expectedVersion)
	if err != nil {
		return false, translateError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Categories

func (p *postgresTx) CreateCategory(ctx context.Context, c models.Category) error {
	const query = `INSERT INTO categories (id, owner_id, name, created_at) VALUES ($1, $2, $3, $4)`

	_, err := p.tx.ExecContext(ctx, query, c.ID, c.OwnerID, c.Name, c.CreatedAt)
	return translateError(err)
}

func (p *postgresTx) GetCategory(ctx context.Context, ownerID, id string) (models.Category, error) {
	const query = `SELECT id, owner_id, name, created_at FROM categories WHERE id = $1 AND owner_id = $2`

	var c models.Category
	err := p.tx.QueryRowContext(ctx, query, id, ownerID).Scan(&c.ID, &c.OwnerID, &c.Name, &c.CreatedAt)
	return c, translateError(err)
}

// Transactions

const transactionColumns = `id, owner_id, account_id, type, direction, amount, category_id, description,
	tags, paired_transaction_id, created_at, updated_at, deleted_at`

func scanTransaction(row interface{ Scan(...any) error }) (models.Transaction, error) {
	var t models.Transaction
	var tags pq.StringArray
	err := row.Scan(
		&t.ID, &t.OwnerID, &t.AccountID, &t.Type, &t.Direction, &t.Amount, &t.CategoryID, &t.Description,
		&tags, &t.PairedTransactionID, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt,
	)
	if len(tags) > 0 {
		t.Tags = []string(tags)
	}
	return t, err
}

func tagsArray(tags []string) pq.StringArray {
	if tags == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(tags)
}

func (p *postgresTx) InsertTransaction(ctx context.Context, t models.Transaction) error {
	const query = `INSERT INTO transactions (id, owner_id, account_id, type, direction, amount, category_id,
	description, tags, paired_transaction_id, created_at, updated_at, deleted_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := p.tx.ExecContext(ctx, query,
		t.ID, t.OwnerID, t.AccountID, t.Type, t.Direction, t.Amount, t.CategoryID,
		t.Description, tagsArray(t.Tags), t.PairedTransactionID, t.CreatedAt, t.UpdatedAt, t.DeletedAt,
	)
	return translateError(err)
}

func (p *postgresTx) GetTransaction(ctx context.Context, ownerID, id string) (models.Transaction, error) {
	const query = `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1 AND owner_id = $2`

	t, err := scanTransaction(p.tx.QueryRowContext(ctx, query, id, ownerID))
	return t, translateError(err)
}

func (p *postgresTx) UpdateTransaction(ctx context.Context, t models.Transaction) error {
	const query = `UPDATE transactions
	SET account_id = $1, amount = $2, category_id = $3, description = $4, tags = $5, updated_at = $6
	WHERE id = $7`

	return p.execOne(ctx, query, t.AccountID, t.Amount, t.CategoryID, t.Description, tagsArray(t.Tags), t.UpdatedAt, t.ID)
}

func (p *postgresTx) TombstoneTransaction(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE transactions SET deleted_at = $1, updated_at = $1 WHERE id = $2`

	return p.execOne(ctx, query, at, id)
}

func (p *postgresTx) DeleteTransaction(ctx context.Context, id string) error {
	const query = `DELETE FROM transactions WHERE id = $1`

	return p.execOne(ctx, query, id)
}

func (p *postgresTx) execOne(ctx context.Context, query string, args ...any) error {
	res, err := p.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return translateError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return interfaces.ErrRecordNotFound
	}
	return nil
}

func (p *postgresTx) TransactionsWithoutEntries(ctx context.Context) ([]models.Transaction, error) {
	const query = `SELECT ` + transactionColumns + ` FROM transactions t
	WHERE t.deleted_at IS NULL
	AND NOT EXISTS (SELECT 1 FROM ledger_entries e WHERE e.transaction_id = t.id)
	ORDER BY t.id`

	rows, err := p.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	var result []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// Ledger entries

func (p *postgresTx) AppendEntry(ctx context.Context, e models.LedgerEntry) error {
	const query = `INSERT INTO ledger_entries (id, owner_id, account_id, transaction_id, amount, kind, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if !e.Consistent() {
		return fmt.Errorf("ledger entry %s: amount %s does not match kind %q: %w", e.ID, e.Amount, e.Kind, interfaces.ErrConstraint)
	}
	_, err := p.tx.ExecContext(ctx, query, e.ID, e.OwnerID, e.AccountID, e.TransactionID, e.Amount, e.Kind, e.CreatedAt)
	return translateError(err)
}

func (p *postgresTx) SumEntries(ctx context.Context, accountID string, asOf time.Time) (decimal.Decimal, error) {
	var (
		sum decimal.Decimal
		err error
	)
	if asOf.IsZero() {
		const query = `SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = $1`
		err = p.tx.QueryRowContext(ctx, query, accountID).Scan(&sum)
	} else {
		const query = `SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = $1 AND created_at <= $2`
		err = p.tx.QueryRowContext(ctx, query, accountID, asOf).Scan(&sum)
	}
	return sum, translateError(err)
}

func (p *postgresTx) EntriesByTransaction(ctx context.Context, transactionID string) ([]models.LedgerEntry, error) {
	const query = `SELECT id, owner_id, account_id, transaction_id, amount, kind, created_at
	FROM ledger_entries WHERE transaction_id = $1 ORDER BY created_at, id`

	return p.queryEntries(ctx, query, transactionID)
}

func (p *postgresTx) EntriesByAccount(ctx context.Context, accountID string) ([]models.LedgerEntry, error) {
	const query = `SELECT id, owner_id, account_id, transaction_id, amount, kind, created_at
	FROM ledger_entries WHERE account_id = $1 ORDER BY created_at, id`

	return p.queryEntries(ctx, query, accountID)
}

func (p *postgresTx) queryEntries(ctx context.Context, query string, arg string) ([]models.LedgerEntry, error) {
	rows, err := p.tx.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var entry models.LedgerEntry
		if err := rows.Scan(&entry.ID, &entry.OwnerID, &entry.AccountID, &entry.TransactionID,
			&entry.Amount, &entry.Kind, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Idempotency records

const idempotencyColumns = `owner_id, key, operation, request_hash, status, response_status, response_body,
	created_at, updated_at, expires_at`

func (p *postgresTx) InsertIdempotencyRecord(ctx context.Context, r models.IdempotencyRecord) (bool, error) {
	const query = `INSERT INTO idempotency_records (` + idempotencyColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (owner_id, key, operation) DO NOTHING`

	res, err := p.tx.ExecContext(ctx, query,
		r.OwnerID, r.Key, r.Operation, r.RequestHash, r.Status, nullableStatus(r.ResponseStatus), r.ResponseBody,
		r.CreatedAt, r.UpdatedAt, r.ExpiresAt,
	)
	if err != nil {
		return false, translateError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *postgresTx) GetIdempotencyRecordForUpdate(ctx context.Context, ownerID, key, operation string) (models.IdempotencyRecord, error) {
	const query = `SELECT ` + idempotencyColumns + ` FROM idempotency_records
	WHERE owner_id = $1 AND key = $2 AND operation = $3 FOR UPDATE`

	var (
		r      models.IdempotencyRecord
		status sql.NullInt64
	)
	err := p.tx.QueryRowContext(ctx, query, ownerID, key, operation).Scan(
		&r.OwnerID, &r.Key, &r.Operation, &r.RequestHash, &r.Status, &status, &r.ResponseBody,
		&r.CreatedAt, &r.UpdatedAt, &r.ExpiresAt,
	)
	r.ResponseStatus = int(status.Int64)
	return r, translateError(err)
}

func (p *postgresTx) UpdateIdempotencyRecord(ctx context.Context, r models.IdempotencyRecord, expected models.IdempotencyStatus) (bool, error) {
	const query = `UPDATE idempotency_records
	SET request_hash = $1, status = $2, response_status = $3, response_body = $4, updated_at = $5, expires_at = $6
	WHERE owner_id = $7 AND key = $8 AND operation = $9 AND status = $10`

	res, err := p.tx.ExecContext(ctx, query,
		r.RequestHash, r.Status, nullableStatus(r.ResponseStatus), r.ResponseBody, r.UpdatedAt, r.ExpiresAt,
		r.OwnerID, r.Key, r.Operation, expected,
	)
	if err != nil {
		return false, translateError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *postgresTx) DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error) {
	const query = `DELETE FROM idempotency_records WHERE expires_at <= $1`

	res, err := p.tx.ExecContext(ctx, query, now)
	if err != nil {
		return 0, translateError(err)
	}
	return res.RowsAffected()
}

func nullableStatus(status int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(status), Valid: status != 0}
}

// Snapshots

func (p *postgresTx) UpsertSnapshot(ctx context.Context, s models.AccountBalanceSnapshot) error {
	const query = `INSERT INTO account_balance_snapshots (account_id, owner_id, month, balance, computed_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (account_id, month) DO UPDATE SET balance = EXCLUDED.balance, computed_at = EXCLUDED.computed_at`

	_, err := p.tx.ExecContext(ctx, query, s.AccountID, s.OwnerID, models.MonthStart(s.Month), s.Balance, s.ComputedAt)
	return translateError(err)
}

func (p *postgresTx) GetSnapshot(ctx context.Context, accountID string, month time.Time) (models.AccountBalanceSnapshot, error) {
	const query = `SELECT account_id, owner_id, month, balance, computed_at
	FROM account_balance_snapshots WHERE account_id = $1 AND month = $2`

	var s models.AccountBalanceSnapshot
	err := p.tx.QueryRowContext(ctx, query, accountID, models.MonthStart(month)).Scan(
		&s.AccountID, &s.OwnerID, &s.Month, &s.Balance, &s.ComputedAt,
	)
	s.Month = models.MonthStart(s.Month)
	return s, translateError(err)
}

func (p *postgresTx) ListSnapshots(ctx context.Context) ([]models.AccountBalanceSnapshot, error) {
	const query = `SELECT account_id, owner_id, month, balance, computed_at
	FROM account_balance_snapshots ORDER BY account_id, month`

	rows, err := p.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	var snapshots []models.AccountBalanceSnapshot
	for rows.Next() {
		var s models.AccountBalanceSnapshot
		if err := rows.Scan(&s.AccountID, &s.OwnerID, &s.Month, &s.Balance, &s.ComputedAt); err != nil {
			return nil, err
		}
		s.Month = models.MonthStart(s.Month)
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}

var _ interfaces.Store = (*PostgresLedgerStore)(nil)
var _ interfaces.Tx = (*postgresTx)(nil)
