package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a user-owned container of money. Balance and Version are a cache
// of the ledger and are only written by the balance materializer.
type Account struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	Name      string          `json:"name"`
	Balance   decimal.Decimal `json:"balance"` // minor units
	Version   int64           `json:"version"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
}

// Category groups income and expense movements for reporting.
type Category struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
