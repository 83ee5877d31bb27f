package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryKind tells whether an entry adds money to or removes money from an account.
type EntryKind string

const (
	EntryCredit EntryKind = "credit"
	EntryDebit  EntryKind = "debit"
)

// KindFor returns the kind matching the sign of amount. Zero has no kind.
func KindFor(amount decimal.Decimal) (EntryKind, bool) {
	switch amount.Sign() {
	case 1:
		return EntryCredit, true
	case -1:
		return EntryDebit, true
	}
	return "", false
}

// LedgerEntry represents a single ledger record for an account.
// Entries are append-only; a reversal is a new entry with the opposite sign.
type LedgerEntry struct {
	ID            string          `json:"id"`             // unique identifier
	OwnerID       string          `json:"owner_id"`       // who owns the account
	AccountID     string          `json:"account_id"`     // which account this entry belongs to
	TransactionID *string         `json:"transaction_id"` // user-visible transaction, if any
	Amount        decimal.Decimal `json:"amount"`         // in minor units (positive or negative)
	Kind          EntryKind       `json:"kind"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Consistent reports whether the entry's sign and kind agree.
func (e LedgerEntry) Consistent() bool {
	kind, ok := KindFor(e.Amount)
	return ok && kind == e.Kind
}
