package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	interfaces "github.com/sheikh-saqib/finance-ledger/internal/interfaces"
	"github.com/sheikh-saqib/finance-ledger/internal/models"
	"github.com/shopspring/decimal"
)

// Journal is the append-only view of the ledger inside one unit of work.
// It can add entries and sum them; there is no way to change an entry.
type Journal struct {
	store interfaces.LedgerEntryStore
	now   func() time.Time
}

func NewJournal(store interfaces.LedgerEntryStore, now func() time.Time) Journal {
	if now == nil {
		now = time.Now
	}
	return Journal{store: store, now: now}
}

// Append records a signed movement against an account. The kind follows the
// sign of amount; a zero amount is rejected.
func (j Journal) Append(ctx context.Context, ownerID, accountID string, amount decimal.Decimal, transactionID *string) (models.LedgerEntry, error) {
	kind, ok := models.KindFor(amount)
	if !ok {
		return models.LedgerEntry{}, validationf("ledger entry amount must be non-zero")
	}
	if !amount.IsInteger() {
		return models.LedgerEntry{}, validationf("ledger entry amount %s is not in minor units", amount)
	}

	entry := models.LedgerEntry{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		AccountID:     accountID,
		TransactionID: transactionID,
		Amount:        amount,
		Kind:          kind,
		CreatedAt:     j.now(),
	}
	if err := j.store.AppendEntry(ctx, entry); err != nil {
		return models.LedgerEntry{}, fmt.Errorf("append ledger entry: %w", err)
	}
	return entry, nil
}

// DeriveBalance sums the entries of an account created at or before asOf.
// A zero asOf means now, including everything written in this unit.
func (j Journal) DeriveBalance(ctx context.Context, accountID string, asOf time.Time) (decimal.Decimal, error) {
	sum, err := j.store.SumEntries(ctx, accountID, asOf)
	if err != nil {
		return decimal.Zero, fmt.Errorf("derive balance of %s: %w", accountID, err)
	}
	return sum, nil
}

// NetByAccount returns the summed effect of a transaction's entries per account.
func (j Journal) NetByAccount(ctx context.Context, transactionID string) (map[string]decimal.Decimal, error) {
	entries, err := j.store.EntriesByTransaction(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("entries of transaction %s: %w", transactionID, err)
	}
	net := make(map[string]decimal.Decimal)
	for _, e := range entries {
		net[e.AccountID] = net[e.AccountID].Add(e.Amount)
	}
	return net, nil
}

// Reverse appends one entry per account cancelling whatever the transaction
// still contributes there. Accounts where it already nets to zero are skipped.
func (j Journal) Reverse(ctx context.Context, ownerID, transactionID string) (map[string]decimal.Decimal, error) {
	net, err := j.NetByAccount(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	reversed := make(map[string]decimal.Decimal, len(net))
	for _, accountID := range sortedKeys(net) {
		amount := net[accountID]
		if amount.IsZero() {
			continue
		}
		ref := transactionID
		if _, err := j.Append(ctx, ownerID, accountID, amount.Neg(), &ref); err != nil {
			return nil, err
		}
		reversed[accountID] = amount.Neg()
	}
	return reversed, nil
}
