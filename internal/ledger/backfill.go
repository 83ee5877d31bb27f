package ledger

import (
	"context"
	"errors"

	interfaces "github.com/sheikh-saqib/finance-ledger/internal/interfaces"
	"github.com/sheikh-saqib/finance-ledger/internal/models"
	"go.uber.org/zap"
)

// BackfillLedger appends the missing ledger entries of live transactions that
// have none, such as rows imported before the ledger existed, and
// re-materializes the accounts involved. An empty ownerID covers every owner.
// Each transaction, or transfer pair, is its own unit of work and is
// re-checked under lock, so running the backfill again appends nothing.
// It returns the number of entries appended.
func (l *Ledger) BackfillLedger(ctx context.Context, ownerID string) (int, error) {
	var pending []models.Transaction
	err := l.read(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		var err error
		pending, err = tx.TransactionsWithoutEntries(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}

	byID := make(map[string]models.Transaction, len(pending))
	for _, t := range pending {
		if ownerID == "" || t.OwnerID == ownerID {
			byID[t.ID] = t
		}
	}

	appended := 0
	seen := make(map[string]bool, len(byID))
	for _, id := range sortedKeys(byID) {
		if seen[id] {
			continue
		}
		t := byID[id]
		group := []models.Transaction{t}
		seen[id] = true
		if t.PairedTransactionID != nil {
			if paired, ok := byID[*t.PairedTransactionID]; ok {
				group = append(group, paired)
				seen[paired.ID] = true
			}
		}

		n, err := l.backfillGroup(ctx, group)
		if err != nil {
			return appended, err
		}
		appended += n
	}

	l.logger.Info("ledger backfill finished", zap.Int("transactions", len(byID)), zap.Int("entries", appended))
	return appended, nil
}

func (l *Ledger) backfillGroup(ctx context.Context, group []models.Transaction) (int, error) {
	var appended int
	err := l.write(ctx, OpBackfill, func(ctx context.Context, tx interfaces.Tx, u *unit) error {
		appended = 0
		ownerID := group[0].OwnerID

		locked, err := LockAccounts(ctx, tx, ownerID, accountsOf(group)...)
		if err != nil {
			return err
		}
		u.advance(StateLocked)

		var todo []models.Transaction
		for _, t := range group {
			current, err := tx.GetTransaction(ctx, ownerID, t.ID)
			if errors.Is(err, interfaces.ErrRecordNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if current.IsDeleted() {
				continue
			}
			entries, err := tx.EntriesByTransaction(ctx, current.ID)
			if err != nil {
				return err
			}
			if len(entries) > 0 {
				continue
			}
			if _, ok := locked.Get(current.AccountID); !ok {
				return ErrConcurrencyConflict
			}
			todo = append(todo, current)
		}
		u.advance(StateValidated)

		journal := NewJournal(tx, l.now)
		for _, t := range todo {
			ref := t.ID
			if _, err := journal.Append(ctx, t.OwnerID, t.AccountID, t.SignedAmount(), &ref); err != nil {
				return err
			}
			appended++
		}
		u.advance(StatePersisted)

		if appended > 0 {
			if err := materializeAll(ctx, tx, locked); err != nil {
				return err
			}
		}
		u.advance(StateMaterialized)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return appended, nil
}
