package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionCommitted is published after a movement or transfer commits.
type TransactionCommitted struct {
	TransactionID       string          `json:"transaction_id"`
	PairedTransactionID string          `json:"paired_transaction_id,omitempty"`
	OwnerID             string          `json:"owner_id"`
	AccountID           string          `json:"account_id"`
	Type                string          `json:"type"`
	Amount              decimal.Decimal `json:"amount"`
	Operation           string          `json:"operation"` // create, update
	OccurredAt          time.Time       `json:"occurred_at"`
}

// TransactionReversed is published after a soft or hard delete commits.
type TransactionReversed struct {
	TransactionID string    `json:"transaction_id"`
	OwnerID       string    `json:"owner_id"`
	Hard          bool      `json:"hard"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// BalanceDriftDetected is raised by reconciliation. It is an alarm, not a command.
type BalanceDriftDetected struct {
	AccountID  string          `json:"account_id"`
	Source     string          `json:"source"` // snapshot or account
	Month      *time.Time      `json:"month,omitempty"`
	Expected   decimal.Decimal `json:"expected"` // ledger sum
	Actual     decimal.Decimal `json:"actual"`
	DetectedAt time.Time       `json:"detected_at"`
}
