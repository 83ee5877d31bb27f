package models

import "time"

// IdempotencyStatus is the lifecycle state of an idempotency record.
type IdempotencyStatus string

const (
	IdempotencyPending   IdempotencyStatus = "pending"
	IdempotencyCompleted IdempotencyStatus = "completed"
	IdempotencyFailed    IdempotencyStatus = "failed"
)

// IdempotencyRecord is keyed by (OwnerID, Key, Operation). ResponseStatus and
// ResponseBody are only set once Status is completed.
type IdempotencyRecord struct {
	OwnerID        string
	Key            string
	Operation      string
	RequestHash    string
	Status         IdempotencyStatus
	ResponseStatus int
	ResponseBody   []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the retention window has elapsed at now.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
