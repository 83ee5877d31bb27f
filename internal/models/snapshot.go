package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountBalanceSnapshot caches the ledger sum of an account through the end
// of a calendar month. It is never authoritative.
type AccountBalanceSnapshot struct {
	AccountID  string          `json:"account_id"`
	OwnerID    string          `json:"owner_id"`
	Month      time.Time       `json:"month"` // first instant of the month, UTC
	Balance    decimal.Decimal `json:"balance"`
	ComputedAt time.Time       `json:"computed_at"`
}

// MonthStart truncates t to the first instant of its month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// MonthEnd returns the last representable instant of the month containing t.
func MonthEnd(t time.Time) time.Time {
	return MonthStart(t).AddDate(0, 1, 0).Add(-time.Nanosecond)
}
