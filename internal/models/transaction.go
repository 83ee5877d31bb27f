package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType is the user-visible kind of a movement.
type TransactionType string

const (
	TypeIncome   TransactionType = "income"
	TypeExpense  TransactionType = "expense"
	TypeTransfer TransactionType = "transfer"
)

// Valid reports whether t names a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TypeIncome, TypeExpense, TypeTransfer:
		return true
	}
	return false
}

// Direction identifies which leg of a transfer a transaction row is.
type Direction string

const (
	DirectionOut Direction = "out"
	DirectionIn  Direction = "in"
)

// Transaction is the user-visible record of a movement. Amount is always
// positive; the sign of the resulting ledger entry comes from Type and Direction.
// A transfer is stored as two rows pointing at each other through PairedTransactionID.
type Transaction struct {
	ID                  string          `json:"id"`
	OwnerID             string          `json:"owner_id"`
	AccountID           string          `json:"account_id"`
	Type                TransactionType `json:"type"`
	Direction           Direction       `json:"direction,omitempty"`
	Amount              decimal.Decimal `json:"amount"`
	CategoryID          *string         `json:"category_id,omitempty"`
	Description         string          `json:"description"`
	Tags                []string        `json:"tags,omitempty"`
	PairedTransactionID *string         `json:"paired_transaction_id,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	DeletedAt           *time.Time      `json:"deleted_at,omitempty"`
}

// SignedAmount is the effect this row has on its account balance.
func (t Transaction) SignedAmount() decimal.Decimal {
	switch {
	case t.Type == TypeExpense:
		return t.Amount.Neg()
	case t.Type == TypeTransfer && t.Direction == DirectionOut:
		return t.Amount.Neg()
	default:
		return t.Amount
	}
}

// IsDeleted reports whether the row carries a tombstone.
func (t Transaction) IsDeleted() bool {
	return t.DeletedAt != nil
}
