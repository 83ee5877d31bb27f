package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/sheikh-saqib/finance-ledger/internal/idempotency"
	interfaces "github.com/sheikh-saqib/finance-ledger/internal/interfaces"
)

var (
	// ErrValidation covers malformed amounts, unknown types, same-account
	// transfers and writes against inactive accounts. Raised before any lock.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound means an account, category or transaction does not exist for the owner.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientFunds means a debit would take an account below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrConcurrencyConflict means another writer advanced an account first.
	// The unit was rolled back and the caller may retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrIntegrityViolation is an unexpected constraint failure. The unit was rolled back.
	ErrIntegrityViolation = errors.New("integrity violation")
	// ErrIdempotencyKeyReuse is returned when a key is replayed with a different payload.
	ErrIdempotencyKeyReuse = idempotency.ErrKeyReuse
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether retrying the same request may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, idempotency.ErrInProgress)
}

// Classify returns a short label for err, used for metrics and logs.
func Classify(err error) string {
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, idempotency.ErrKeyReuse):
		return "key_reuse"
	case errors.Is(err, idempotency.ErrInProgress):
		return "in_progress"
	case errors.Is(err, ErrIntegrityViolation):
		return "integrity"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "error"
	}
}

// translate maps storage contract errors that escaped a unit onto the ledger taxonomy.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrConcurrencyConflict),
		errors.Is(err, ErrIntegrityViolation):
		return err
	case errors.Is(err, interfaces.ErrRecordNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, interfaces.ErrDuplicate), errors.Is(err, interfaces.ErrConstraint):
		return fmt.Errorf("%w: %v", ErrIntegrityViolation, err)
	default:
		return err
	}
}
