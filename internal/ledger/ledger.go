package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sheikh-saqib/finance-ledger/internal/events"
	"github.com/sheikh-saqib/finance-ledger/internal/idempotency"
	interfaces "github.com/sheikh-saqib/finance-ledger/internal/interfaces"
	"github.com/sheikh-saqib/finance-ledger/internal/logging"
	"github.com/sheikh-saqib/finance-ledger/internal/metrics"
	"github.com/sheikh-saqib/finance-ledger/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Operation names scope idempotency keys and label metrics.
const (
	OpCreateMovement = "create_movement"
	OpCreateTransfer = "create_transfer"
	OpUpdateMovement = "update_movement"
	OpDeleteMovement = "delete_movement"
	OpBackfill       = "backfill"
)

// DefaultWriteTimeout bounds a single orchestrated write, lock waits included.
const DefaultWriteTimeout = 10 * time.Second

// Ledger is the main struct representing our ledger system.
// Every balance-changing write runs as one unit of work on the store: lock the
// accounts involved, validate, persist the transaction rows and ledger entries,
// re-materialize the cached balances, commit.
type Ledger struct {
	store        interfaces.Store
	idempotency  *idempotency.Manager
	publisher    interfaces.EventPublisher
	metrics      metrics.Collector
	logger       *logging.Logger
	now          func() time.Time
	writeTimeout time.Duration
	topicPrefix  string
	observer     StateObserver
}

type Option func(*Ledger)

// WithIdempotency enables idempotency keys. Without it keys are ignored.
func WithIdempotency(m *idempotency.Manager) Option {
	return func(l *Ledger) { l.idempotency = m }
}

// WithPublisher sets where post-commit events go.
func WithPublisher(p interfaces.EventPublisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

func WithMetrics(c metrics.Collector) Option {
	return func(l *Ledger) { l.metrics = c }
}

func WithLogger(logger *logging.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.writeTimeout = d
		}
	}
}

func WithTopicPrefix(prefix string) Option {
	return func(l *Ledger) { l.topicPrefix = prefix }
}

// WithStateObserver reports every state transition of every write.
func WithStateObserver(o StateObserver) Option {
	return func(l *Ledger) { l.observer = o }
}

// NewLedger is a constructor function that creates a new Ledger instance.
// We pass in a storage implementation (memory, Postgres, etc.)
func NewLedger(store interfaces.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:        store,
		publisher:    events.NopPublisher{},
		metrics:      metrics.NoOpCollector{},
		logger:       logging.Global().Named("ledger"),
		now:          time.Now,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// write runs fn as one unit of work under the write timeout and records its outcome.
func (l *Ledger) write(ctx context.Context, operation string, fn func(ctx context.Context, tx interfaces.Tx, u *unit) error) error {
	ctx, cancel := context.WithTimeout(ctx, l.writeTimeout)
	defer cancel()

	start := time.Now()
	u := newUnit(operation, l.observer)

	err := translate(l.store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		return fn(ctx, tx, u)
	}))

	if err != nil {
		u.advance(StateAborted)
	} else {
		u.advance(StateCommitted)
	}

	outcome := Classify(err)
	l.metrics.RecordWrite(operation, outcome, time.Since(start))

	log := l.logger.With(zap.String("operation", operation), zap.String("outcome", outcome))
	switch {
	case err == nil:
		log.Debug("write committed")
	case errors.Is(err, ErrIntegrityViolation):
		log.Error("write rolled back", zap.Error(err))
	case errors.Is(err, ErrConcurrencyConflict), errors.Is(err, ErrInsufficientFunds):
		log.Info("write rejected", zap.Error(err))
	default:
		log.Warn("write failed", zap.Error(err))
	}
	return err
}

// read runs fn in a unit of work that is not expected to write.
func (l *Ledger) read(ctx context.Context, fn func(ctx context.Context, tx interfaces.Tx) error) error {
	return translate(l.store.WithinTx(ctx, fn))
}

// guarded runs fn at most once per idempotency key. Every caller, the first one
// included, gets the result decoded from the stored response so that all of
// them observe identical values.
func guarded[T any](ctx context.Context, l *Ledger, ownerID, key, operation string, status int, request any, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if key == "" || l.idempotency == nil {
		return fn(ctx)
	}

	resp, err := l.idempotency.Execute(ctx, ownerID, key, operation, request, func(ctx context.Context) (int, any, error) {
		v, err := fn(ctx)
		return status, v, err
	})
	if err != nil {
		return zero, err
	}

	var out T
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return zero, fmt.Errorf("decode stored response: %w", err)
	}
	return out, nil
}

// publish sends an event after commit. A failure is logged and never undoes the write.
func (l *Ledger) publish(ctx context.Context, suffix, key string, event any) {
	topic := events.Topic(l.topicPrefix, suffix)
	if err := l.publisher.Publish(context.WithoutCancel(ctx), topic, key, event); err != nil {
		l.logger.Warn("failed to publish event", zap.String("topic", topic), zap.String("key", key), zap.Error(err))
	}
}

func validAmount(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return validationf("amount must be positive, got %s", amount)
	}
	if !amount.IsInteger() {
		return validationf("amount must be an integer number of minor units, got %s", amount)
	}
	return nil
}

func requireOwner(ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return validationf("owner id is required")
	}
	return nil
}

// activeAccount reads an account without locking it. It runs before any lock
// so unknown or closed accounts are rejected cheaply.
func activeAccount(ctx context.Context, tx interfaces.Tx, ownerID, accountID string) (models.Account, error) {
	account, err := tx.GetAccount(ctx, ownerID, accountID)
	if errors.Is(err, interfaces.ErrRecordNotFound) {
		return models.Account{}, fmt.Errorf("%w: account %s", ErrNotFound, accountID)
	}
	if err != nil {
		return models.Account{}, err
	}
	if !account.Active {
		return models.Account{}, validationf("account %s is inactive", accountID)
	}
	return account, nil
}

func existingCategory(ctx context.Context, tx interfaces.Tx, ownerID string, categoryID *string) error {
	if categoryID == nil {
		return nil
	}
	_, err := tx.GetCategory(ctx, ownerID, *categoryID)
	if errors.Is(err, interfaces.ErrRecordNotFound) {
		return fmt.Errorf("%w: category %s", ErrNotFound, *categoryID)
	}
	return err
}

func liveTransaction(ctx context.Context, tx interfaces.Tx, ownerID, id string) (models.Transaction, error) {
	t, err := tx.GetTransaction(ctx, ownerID, id)
	if errors.Is(err, interfaces.ErrRecordNotFound) {
		return models.Transaction{}, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	if err != nil {
		return models.Transaction{}, err
	}
	if t.IsDeleted() {
		return models.Transaction{}, fmt.Errorf("%w: transaction %s is deleted", ErrNotFound, id)
	}
	return t, nil
}

// ensureSufficient rejects the unit if applying delta would take the account
// below zero. Non-negative deltas are never checked.
func ensureSufficient(ctx context.Context, journal Journal, accountID string, delta decimal.Decimal) error {
	if delta.Sign() >= 0 {
		return nil
	}
	balance, err := journal.DeriveBalance(ctx, accountID, time.Time{})
	if err != nil {
		return err
	}
	if balance.Add(delta).Sign() < 0 {
		return fmt.Errorf("%w: account %s has %s, change of %s", ErrInsufficientFunds, accountID, balance, delta)
	}
	return nil
}

// materializeAll re-derives the cached balance of every locked account in lock order.
func materializeAll(ctx context.Context, tx interfaces.Tx, locked LockedAccounts) error {
	for _, id := range locked.IDs() {
		account, _ := locked.Get(id)
		if _, err := Materialize(ctx, tx, account); err != nil {
			return err
		}
	}
	return nil
}

// OpenAccount creates an empty, active account.
func (l *Ledger) OpenAccount(ctx context.Context, ownerID, name string) (models.Account, error) {
	if err := requireOwner(ownerID); err != nil {
		return models.Account{}, err
	}
	if strings.TrimSpace(name) == "" {
		return models.Account{}, validationf("account name is required")
	}

	account := models.Account{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      name,
		Balance:   decimal.Zero,
		Active:    true,
		CreatedAt: l.now(),
	}
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		return tx.CreateAccount(ctx, account)
	})
	if err != nil {
		return models.Account{}, translate(err)
	}
	return account, nil
}

// CreateCategory creates a category. Names are unique per owner.
func (l *Ledger) CreateCategory(ctx context.Context, ownerID, name string) (models.Category, error) {
	if err := requireOwner(ownerID); err != nil {
		return models.Category{}, err
	}
	if strings.TrimSpace(name) == "" {
		return models.Category{}, validationf("category name is required")
	}

	category := models.Category{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      name,
		CreatedAt: l.now(),
	}
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		return tx.CreateCategory(ctx, category)
	})
	if errors.Is(err, interfaces.ErrDuplicate) {
		return models.Category{}, validationf("category %q already exists", name)
	}
	if err != nil {
		return models.Category{}, translate(err)
	}
	return category, nil
}

func (l *Ledger) GetAccount(ctx context.Context, ownerID, accountID string) (models.Account, error) {
	var account models.Account
	err := l.read(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		var err error
		account, err = tx.GetAccount(ctx, ownerID, accountID)
		return err
	})
	return account, err
}

// GetTransaction returns a transaction, including soft-deleted ones.
func (l *Ledger) GetTransaction(ctx context.Context, ownerID, transactionID string) (models.Transaction, error) {
	var t models.Transaction
	err := l.read(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		var err error
		t, err = tx.GetTransaction(ctx, ownerID, transactionID)
		return err
	})
	return t, err
}

// ListEntries returns the ledger entries of an account in insertion order.
func (l *Ledger) ListEntries(ctx context.Context, ownerID, accountID string) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := l.read(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		if _, err := tx.GetAccount(ctx, ownerID, accountID); err != nil {
			return err
		}
		var err error
		entries, err = tx.EntriesByAccount(ctx, accountID)
		return err
	})
	return entries, err
}

// GetBalance returns the cached balance, or, when asOf is set, the balance
// re-derived from the ledger entries created at or before asOf.
func (l *Ledger) GetBalance(ctx context.Context, ownerID, accountID string, asOf *time.Time) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := l.read(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		account, err := tx.GetAccount(ctx, ownerID, accountID)
		if err != nil {
			return err
		}
		if asOf == nil {
			balance = account.Balance
			return nil
		}
		balance, err = NewJournal(tx, l.now).DeriveBalance(ctx, accountID, *asOf)
		return err
	})
	return balance, err
}
