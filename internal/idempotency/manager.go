// Package idempotency makes retried writes execute exactly once. A caller
// supplied key scopes "the same logical write"; the first attempt executes and
// every later attempt with the same payload replays the stored response.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	interfaces "github.com/sheikh-saqib/finance-ledger/internal/interfaces"
	"github.com/sheikh-saqib/finance-ledger/internal/logging"
	"github.com/sheikh-saqib/finance-ledger/internal/metrics"
	"github.com/sheikh-saqib/finance-ledger/internal/models"
	"go.uber.org/zap"
)

var (
	// ErrKeyReuse is returned when a key is replayed with a different payload.
	ErrKeyReuse = errors.New("idempotency key reused with a different request")
	// ErrInProgress is returned while another attempt with the same key is executing.
	ErrInProgress = errors.New("request with this idempotency key is in progress")
	// ErrRecordLost means the record left the pending state underneath its executor.
	ErrRecordLost = errors.New("idempotency record is no longer pending")
)

// DefaultTTL is how long a key is remembered.
const DefaultTTL = 24 * time.Hour

// Decision outcomes reported to metrics.
const (
	OutcomeExecuted   = "executed"
	OutcomeReopened   = "reopened"
	OutcomeReplayed   = "replayed"
	OutcomeKeyReuse   = "key_reuse"
	OutcomeInProgress = "in_progress"
)

// Response is what a guarded operation produced. Body is the JSON encoding of
// the operation result and is byte-for-byte identical on every replay.
type Response struct {
	Status   int
	Body     []byte
	Replayed bool
}

// Acquisition is the result of Acquire. When Replay is nil the caller is the
// exclusive executor and must finish with Complete or Fail.
type Acquisition struct {
	Replay *Response
}

// Manager implements the acquire / complete / fail protocol on top of any
// interfaces.Store. It knows nothing about what the guarded operation does.
type Manager struct {
	store   interfaces.Store
	ttl     time.Duration
	now     func() time.Time
	metrics metrics.Collector
	logger  *logging.Logger
}

type Option func(*Manager)

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithMetrics(collector metrics.Collector) Option {
	return func(m *Manager) { m.metrics = collector }
}

func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func NewManager(store interfaces.Store, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		ttl:     DefaultTTL,
		now:     time.Now,
		metrics: metrics.NoOpCollector{},
		logger:  logging.Global().Named("idempotency"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HashRequest returns the hex SHA-256 of the JSON encoding of request.
// Struct fields encode in declaration order and map keys sorted, so equal
// payloads hash equally.
func HashRequest(request any) (string, error) {
	data, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("hash request: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Acquire claims (ownerID, key, operation) for request. It either makes the
// caller the exclusive executor, returns the stored response to replay, or
// fails with ErrKeyReuse or ErrInProgress.
func (m *Manager) Acquire(ctx context.Context, ownerID, key, operation string, request any) (Acquisition, error) {
	hash, err := HashRequest(request)
	if err != nil {
		return Acquisition{}, err
	}

	var (
		acq     Acquisition
		outcome string
	)
	err = m.store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		now := m.now()
		rec := models.IdempotencyRecord{
			OwnerID:     ownerID,
			Key:         key,
			Operation:   operation,
			RequestHash: hash,
			Status:      models.IdempotencyPending,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(m.ttl),
		}

		inserted, err := tx.InsertIdempotencyRecord(ctx, rec)
		if err != nil {
			return err
		}
		if inserted {
			outcome = OutcomeExecuted
			return nil
		}

		// The row lock makes the decision below race-free against other attempts.
		existing, err := tx.GetIdempotencyRecordForUpdate(ctx, ownerID, key, operation)
		if errors.Is(err, interfaces.ErrRecordNotFound) {
			// Purged between the insert and the read; the caller may retry.
			outcome = OutcomeInProgress
			return ErrInProgress
		}
		if err != nil {
			return err
		}

		switch {
		case existing.Expired(now), existing.Status == models.IdempotencyFailed:
			// Past retention the key is forgotten; a failed attempt may be retried.
			ok, err := tx.UpdateIdempotencyRecord(ctx, rec, existing.Status)
			if err != nil {
				return err
			}
			if !ok {
				outcome = OutcomeInProgress
				return ErrInProgress
			}
			outcome = OutcomeReopened
			return nil

		case existing.Status == models.IdempotencyCompleted:
			if existing.RequestHash != hash {
				outcome = OutcomeKeyReuse
				return ErrKeyReuse
			}
			outcome = OutcomeReplayed
			acq.Replay = &Response{
				Status:   existing.ResponseStatus,
				Body:     existing.ResponseBody,
				Replayed: true,
			}
			return nil

		default:
			outcome = OutcomeInProgress
			return ErrInProgress
		}
	})

	if outcome != "" {
		m.metrics.RecordIdempotency(operation, outcome)
	}
	if err != nil {
		return Acquisition{}, err
	}
	return acq, nil
}

// Complete stores the response of a committed operation.
func (m *Manager) Complete(ctx context.Context, ownerID, key, operation string, status int, body []byte) error {
	return m.finish(ctx, ownerID, key, operation, func(rec *models.IdempotencyRecord) {
		rec.Status = models.IdempotencyCompleted
		rec.ResponseStatus = status
		rec.ResponseBody = body
	})
}

// Fail marks the attempt as failed so that a retry may execute again.
func (m *Manager) Fail(ctx context.Context, ownerID, key, operation string) error {
	return m.finish(ctx, ownerID, key, operation, func(rec *models.IdempotencyRecord) {
		rec.Status = models.IdempotencyFailed
		rec.ResponseStatus = 0
		rec.ResponseBody = nil
	})
}

func (m *Manager) finish(ctx context.Context, ownerID, key, operation string, apply func(*models.IdempotencyRecord)) error {
	return m.store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		rec, err := tx.GetIdempotencyRecordForUpdate(ctx, ownerID, key, operation)
		if errors.Is(err, interfaces.ErrRecordNotFound) {
			return ErrRecordLost
		}
		if err != nil {
			return err
		}
		if rec.Status != models.IdempotencyPending {
			return ErrRecordLost
		}

		apply(&rec)
		rec.UpdatedAt = m.now()

		ok, err := tx.UpdateIdempotencyRecord(ctx, rec, models.IdempotencyPending)
		if err != nil {
			return err
		}
		if !ok {
			return ErrRecordLost
		}
		return nil
	})
}

// Execute runs fn at most once per (ownerID, key, operation) and payload.
// fn returns a status and a result that is stored JSON-encoded. When fn fails
// or panics the record is marked failed and nothing is stored.
//
// The record becomes completed only after fn has returned, i.e. after the
// guarded write committed. If the process dies in between, the record stays
// pending until its TTL expires.
func (m *Manager) Execute(ctx context.Context, ownerID, key, operation string, request any, fn func(ctx context.Context) (int, any, error)) (Response, error) {
	acq, err := m.Acquire(ctx, ownerID, key, operation, request)
	if err != nil {
		return Response{}, err
	}
	if acq.Replay != nil {
		return *acq.Replay, nil
	}

	// Bookkeeping must still happen when the caller's deadline has passed.
	bookkeeping := context.WithoutCancel(ctx)
	log := m.logger.With(zap.String("operation", operation), zap.String("idempotency_key", key))

	defer func() {
		if r := recover(); r != nil {
			if err := m.Fail(bookkeeping, ownerID, key, operation); err != nil {
				log.Error("failed to release idempotency key after panic", zap.Error(err))
			}
			panic(r)
		}
	}()

	status, result, err := fn(ctx)
	if err != nil {
		if ferr := m.Fail(bookkeeping, ownerID, key, operation); ferr != nil {
			log.Error("failed to mark idempotency key as failed", zap.Error(ferr))
		}
		return Response{}, err
	}

	body, err := json.Marshal(result)
	if err != nil {
		// The write has committed but cannot be replayed; leave the key pending
		// so that a retry is reported in progress rather than executed twice.
		log.Error("failed to encode response for idempotent replay", zap.Error(err))
		return Response{}, fmt.Errorf("encode idempotent response: %w", err)
	}

	if err := m.Complete(bookkeeping, ownerID, key, operation, status, body); err != nil {
		log.Error("failed to complete idempotency key; it stays pending until expiry", zap.Error(err))
	}
	return Response{Status: status, Body: body}, nil
}

// PurgeExpired deletes records past their retention window.
func (m *Manager) PurgeExpired(ctx context.Context) (int64, error) {
	var removed int64
	err := m.store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		n, err := tx.DeleteExpiredIdempotencyRecords(ctx, m.now())
		removed = n
		return err
	})
	return removed, err
}
