// Package snapshot materializes month-end balances and reconciles every cached
// number against the ledger. Drift is reported, never repaired: the ledger is
// the only source of truth.
package snapshot

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sheikh-saqib/finance-ledger/internal/events"
	interfaces "github.com/sheikh-saqib/finance-ledger/internal/interfaces"
	"github.com/sheikh-saqib/finance-ledger/internal/logging"
	"github.com/sheikh-saqib/finance-ledger/internal/metrics"
	"github.com/sheikh-saqib/finance-ledger/internal/models"
	domainevents "github.com/sheikh-saqib/finance-ledger/internal/models/events"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Drift sources.
const (
	SourceSnapshot = "snapshot"
	SourceAccount  = "account"
)

const DefaultWorkers = 4

// Drift is a cached value that disagrees with the ledger.
type Drift struct {
	AccountID string          `json:"account_id"`
	OwnerID   string          `json:"owner_id"`
	Source    string          `json:"source"`
	Month     *time.Time      `json:"month,omitempty"`
	Expected  decimal.Decimal `json:"expected"` // ledger sum
	Actual    decimal.Decimal `json:"actual"`
}

// Report summarizes one reconciliation run.
type Report struct {
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	SnapshotsChecked int       `json:"snapshots_checked"`
	AccountsChecked  int       `json:"accounts_checked"`
	Drifts           []Drift   `json:"drifts"`
}

// Clean reports whether nothing drifted.
func (r Report) Clean() bool {
	return len(r.Drifts) == 0
}

type Engine struct {
	store       interfaces.Store
	publisher   interfaces.EventPublisher
	metrics     metrics.Collector
	logger      *logging.Logger
	now         func() time.Time
	workers     int
	epsilon     decimal.Decimal
	topicPrefix string
}

type Option func(*Engine)

// WithWorkers bounds how many accounts are processed concurrently.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithEpsilon sets the largest difference that is not reported as drift.
func WithEpsilon(epsilon decimal.Decimal) Option {
	return func(e *Engine) { e.epsilon = epsilon.Abs() }
}

func WithPublisher(p interfaces.EventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithMetrics(c metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithTopicPrefix(prefix string) Option {
	return func(e *Engine) { e.topicPrefix = prefix }
}

func NewEngine(store interfaces.Store, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		publisher: events.NopPublisher{},
		metrics:   metrics.NoOpCollector{},
		logger:    logging.Global().Named("snapshot"),
		now:       time.Now,
		workers:   DefaultWorkers,
		epsilon:   decimal.Zero,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunMonthlySnapshot snapshots every account for the month containing month.
func (e *Engine) RunMonthlySnapshot(ctx context.Context, month time.Time) ([]models.AccountBalanceSnapshot, error) {
	var accounts []models.Account
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		var err error
		accounts, err = tx.ListAccounts(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return e.ComputeSnapshots(ctx, accounts, month)
}

// ComputeSnapshots stores, for each account, the ledger sum through the end of
// the month containing month. Rerunning replaces the previous values in place.
func (e *Engine) ComputeSnapshots(ctx context.Context, accounts []models.Account, month time.Time) ([]models.AccountBalanceSnapshot, error) {
	start := models.MonthStart(month)
	end := models.MonthEnd(month)
	snapshots := make([]models.AccountBalanceSnapshot, len(accounts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, account := range accounts {
		g.Go(func() error {
			return e.store.WithinTx(gctx, func(ctx context.Context, tx interfaces.Tx) error {
				sum, err := tx.SumEntries(ctx, account.ID, end)
				if err != nil {
					return fmt.Errorf("sum %s: %w", account.ID, err)
				}
				s := models.AccountBalanceSnapshot{
					AccountID:  account.ID,
					OwnerID:    account.OwnerID,
					Month:      start,
					Balance:    sum,
					ComputedAt: e.now(),
				}
				if err := tx.UpsertSnapshot(ctx, s); err != nil {
					return fmt.Errorf("upsert snapshot %s: %w", account.ID, err)
				}
				snapshots[i] = s
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	e.logger.Info("monthly snapshot stored",
		zap.String("month", start.Format("2006-01")),
		zap.Int("accounts", len(accounts)))
	return snapshots, nil
}

// Reconcile re-derives every snapshot and every cached account balance from
// the ledger. Differences beyond the epsilon are logged, counted and published
// as alarms. Nothing is corrected.
func (e *Engine) Reconcile(ctx context.Context) (Report, error) {
	report := Report{StartedAt: e.now()}

	var (
		snapshots []models.AccountBalanceSnapshot
		accounts  []models.Account
	)
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		var err error
		if snapshots, err = tx.ListSnapshots(ctx); err != nil {
			return err
		}
		accounts, err = tx.ListAccounts(ctx)
		return err
	})
	if err != nil {
		return Report{}, fmt.Errorf("load reconciliation targets: %w", err)
	}

	var mu sync.Mutex
	found := func(d Drift) {
		mu.Lock()
		defer mu.Unlock()
		report.Drifts = append(report.Drifts, d)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, s := range snapshots {
		g.Go(func() error {
			d, err := e.checkSnapshot(gctx, s)
			if err != nil || d == nil {
				return err
			}
			found(*d)
			return nil
		})
	}
	for _, a := range accounts {
		g.Go(func() error {
			d, err := e.checkAccount(gctx, a)
			if err != nil || d == nil {
				return err
			}
			found(*d)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	sort.Slice(report.Drifts, func(i, j int) bool {
		a, b := report.Drifts[i], report.Drifts[j]
		if a.AccountID != b.AccountID {
			return a.AccountID < b.AccountID
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Month != nil && b.Month != nil && a.Month.Before(*b.Month)
	})

	report.SnapshotsChecked = len(snapshots)
	report.AccountsChecked = len(accounts)
	report.FinishedAt = e.now()

	for _, d := range report.Drifts {
		e.alarm(ctx, d)
	}
	e.metrics.RecordReconciliation(report.SnapshotsChecked+report.AccountsChecked, len(report.Drifts))
	e.logger.Info("reconciliation finished",
		zap.Int("snapshots", report.SnapshotsChecked),
		zap.Int("accounts", report.AccountsChecked),
		zap.Int("drifts", len(report.Drifts)))
	return report, nil
}

// checkSnapshot compares a snapshot with the ledger as it stood when the
// snapshot was taken, so a snapshot of a month still in progress only drifts
// if its own value was wrong.
func (e *Engine) checkSnapshot(ctx context.Context, s models.AccountBalanceSnapshot) (*Drift, error) {
	asOf := models.MonthEnd(s.Month)
	if !s.ComputedAt.IsZero() && s.ComputedAt.Before(asOf) {
		asOf = s.ComputedAt
	}

	var expected decimal.Decimal
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		var err error
		expected, err = tx.SumEntries(ctx, s.AccountID, asOf)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("re-derive snapshot %s %s: %w", s.AccountID, s.Month.Format("2006-01"), err)
	}
	if !e.drifted(expected, s.Balance) {
		return nil, nil
	}
	month := s.Month
	return &Drift{AccountID: s.AccountID, OwnerID: s.OwnerID, Source: SourceSnapshot, Month: &month, Expected: expected, Actual: s.Balance}, nil
}

// checkAccount compares the cached balance with the full ledger sum. The row
// lock keeps a concurrent writer from landing between the two reads.
func (e *Engine) checkAccount(ctx context.Context, a models.Account) (*Drift, error) {
	var (
		cached   models.Account
		expected decimal.Decimal
	)
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		var err error
		if cached, err = tx.GetAccountForUpdate(ctx, a.OwnerID, a.ID); err != nil {
			return err
		}
		expected, err = tx.SumEntries(ctx, a.ID, time.Time{})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("re-derive balance of %s: %w", a.ID, err)
	}
	if !e.drifted(expected, cached.Balance) {
		return nil, nil
	}
	return &Drift{AccountID: a.ID, OwnerID: a.OwnerID, Source: SourceAccount, Expected: expected, Actual: cached.Balance}, nil
}

func (e *Engine) drifted(expected, actual decimal.Decimal) bool {
	return expected.Sub(actual).Abs().GreaterThan(e.epsilon)
}

func (e *Engine) alarm(ctx context.Context, d Drift) {
	fields := []zap.Field{
		zap.String("account_id", d.AccountID),
		zap.String("source", d.Source),
		zap.String("expected", d.Expected.String()),
		zap.String("actual", d.Actual.String()),
	}
	if d.Month != nil {
		fields = append(fields, zap.String("month", d.Month.Format("2006-01")))
	}
	e.logger.Error("balance drift detected", fields...)
	e.metrics.RecordDrift(d.Source)

	topic := events.Topic(e.topicPrefix, events.TopicBalanceDrift)
	event := domainevents.BalanceDriftDetected{
		AccountID:  d.AccountID,
		Source:     d.Source,
		Month:      d.Month,
		Expected:   d.Expected,
		Actual:     d.Actual,
		DetectedAt: e.now(),
	}
	if err := e.publisher.Publish(context.WithoutCancel(ctx), topic, d.AccountID, event); err != nil {
		e.logger.Warn("failed to publish drift alarm", zap.String("account_id", d.AccountID), zap.Error(err))
	}
}
