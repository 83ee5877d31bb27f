package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/sheikh-saqib/finance-ledger/internal/models"
)

// AccountLocker is the part of a unit of work that hands out account locks.
type AccountLocker interface {
	LockAccount(ctx context.Context, id string) error
	GetAccountForUpdate(ctx context.Context, ownerID, id string) (models.Account, error)
}

// LockedAccounts are account rows read under lock, in lock order.
type LockedAccounts struct {
	order []string
	rows  map[string]models.Account
}

// IDs returns the locked account ids in ascending order.
func (l LockedAccounts) IDs() []string {
	return append([]string(nil), l.order...)
}

func (l LockedAccounts) Get(id string) (models.Account, bool) {
	a, ok := l.rows[id]
	return a, ok
}

// LockAccounts serializes the caller against every other writer on ids. Both
// lock layers are taken in ascending id order regardless of argument order:
// first the advisory lock on every account, then the row lock on every account.
// The locks are held until the unit of work ends.
func LockAccounts(ctx context.Context, locker AccountLocker, ownerID string, ids ...string) (LockedAccounts, error) {
	order := sortedUnique(ids)

	for _, id := range order {
		if err := locker.LockAccount(ctx, id); err != nil {
			return LockedAccounts{}, fmt.Errorf("lock account %s: %w", id, err)
		}
	}

	rows := make(map[string]models.Account, len(order))
	for _, id := range order {
		account, err := locker.GetAccountForUpdate(ctx, ownerID, id)
		if err != nil {
			return LockedAccounts{}, fmt.Errorf("lock account row %s: %w", id, err)
		}
		rows[id] = account
	}
	return LockedAccounts{order: order, rows: rows}, nil
}

func sortedUnique(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
