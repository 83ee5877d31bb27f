package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/sheikh-saqib/finance-ledger/internal/models"
	"github.com/shopspring/decimal"
)

// BalanceStore is what the materializer needs from a unit of work.
type BalanceStore interface {
	SumEntries(ctx context.Context, accountID string, asOf time.Time) (decimal.Decimal, error)
	UpdateAccountBalance(ctx context.Context, id string, balance decimal.Decimal, expectedVersion int64) (bool, error)
}

// Materialize recomputes the account balance from the ledger and caches it on
// the account row, guarded by the version read under lock. If another writer
// advanced the version in the meantime it returns ErrConcurrencyConflict.
func Materialize(ctx context.Context, store BalanceStore, account models.Account) (models.Account, error) {
	balance, err := store.SumEntries(ctx, account.ID, time.Time{})
	if err != nil {
		return models.Account{}, fmt.Errorf("materialize %s: %w", account.ID, err)
	}

	ok, err := store.UpdateAccountBalance(ctx, account.ID, balance, account.Version)
	if err != nil {
		return models.Account{}, fmt.Errorf("materialize %s: %w", account.ID, err)
	}
	if !ok {
		return models.Account{}, fmt.Errorf("%w: account %s is no longer at version %d", ErrConcurrencyConflict, account.ID, account.Version)
	}

	account.Balance = balance
	account.Version++
	return account, nil
}
