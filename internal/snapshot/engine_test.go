package snapshot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sheikh-saqib/finance-ledger/internal/events"
	interfaces "github.com/sheikh-saqib/finance-ledger/internal/interfaces"
	"github.com/sheikh-saqib/finance-ledger/internal/ledger"
	memorymetrics "github.com/sheikh-saqib/finance-ledger/internal/metrics/memory"
	"github.com/sheikh-saqib/finance-ledger/internal/models"
	domainevents "github.com/sheikh-saqib/finance-ledger/internal/models/events"
	"github.com/sheikh-saqib/finance-ledger/internal/storage/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type env struct {
	store     *memory.MemoryLedgerStore
	ledger    *ledger.Ledger
	engine    *Engine
	clock     *clock
	recorder  *events.Recorder
	collector *memorymetrics.MemoryCollector
	owner     string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:     memory.NewMemoryLedgerStore(),
		clock:     &clock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)},
		recorder:  &events.Recorder{},
		collector: memorymetrics.NewMemoryCollector(),
		owner:     uuid.NewString(),
	}
	e.ledger = ledger.NewLedger(e.store, ledger.WithClock(e.clock.Now))
	e.engine = NewEngine(e.store,
		WithClock(e.clock.Now),
		WithWorkers(2),
		WithPublisher(e.recorder),
		WithMetrics(e.collector),
		WithTopicPrefix("ledger"))
	return e
}

func (e *env) move(t *testing.T, accountID string, typ models.TransactionType, amount int64) {
	t.Helper()
	_, err := e.ledger.CreateMovement(context.Background(), ledger.MovementRequest{
		OwnerID: e.owner, AccountID: accountID, Type: typ, Amount: decimal.NewFromInt(amount),
	})
	require.NoError(t, err)
}

func (e *env) open(t *testing.T, name string) models.Account {
	t.Helper()
	a, err := e.ledger.OpenAccount(context.Background(), e.owner, name)
	require.NoError(t, err)
	return a
}

func (e *env) snapshots(t *testing.T) []models.AccountBalanceSnapshot {
	t.Helper()
	var all []models.AccountBalanceSnapshot
	require.NoError(t, e.store.WithinTx(context.Background(), func(ctx context.Context, tx interfaces.Tx) error {
		var err error
		all, err = tx.ListSnapshots(ctx)
		return err
	}))
	return all
}

func TestRunMonthlySnapshot_SumsThroughMonthEnd(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "A")
	b := e.open(t, "B")

	e.move(t, a.ID, models.TypeIncome, 10000)
	e.move(t, b.ID, models.TypeIncome, 500)
	e.clock.Set(time.Date(2026, 1, 31, 23, 59, 59, 0, time.UTC))
	e.move(t, a.ID, models.TypeExpense, 2500)
	e.clock.Set(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	e.move(t, a.ID, models.TypeExpense, 1000)

	e.clock.Set(time.Date(2026, 2, 2, 3, 0, 0, 0, time.UTC))
	result, err := e.engine.RunMonthlySnapshot(context.Background(), time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, result, 2)

	byAccount := map[string]decimal.Decimal{}
	for _, s := range e.snapshots(t) {
		assert.True(t, s.Month.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
		byAccount[s.AccountID] = s.Balance
	}
	assert.True(t, byAccount[a.ID].Equal(decimal.NewFromInt(7500)), "got %s", byAccount[a.ID])
	assert.True(t, byAccount[b.ID].Equal(decimal.NewFromInt(500)))
}

func TestRunMonthlySnapshot_RerunUpdatesInPlace(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "A")
	b := e.open(t, "B")
	e.move(t, a.ID, models.TypeIncome, 300)
	e.move(t, b.ID, models.TypeIncome, 700)

	month := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.clock.Set(time.Date(2026, 2, 1, 1, 0, 0, 0, time.UTC))

	_, err := e.engine.RunMonthlySnapshot(context.Background(), month)
	require.NoError(t, err)
	first := e.snapshots(t)

	_, err = e.engine.RunMonthlySnapshot(context.Background(), month)
	require.NoError(t, err)
	second := e.snapshots(t)

	require.Len(t, first, 2)
	require.Len(t, second, 2)
	for i := range first {
		assert.Equal(t, first[i].AccountID, second[i].AccountID)
		assert.True(t, first[i].Balance.Equal(second[i].Balance))
	}
}

func TestReconcile_CleanLedger(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "A")
	e.move(t, a.ID, models.TypeIncome, 1000)

	e.clock.Set(time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC))
	_, err := e.engine.RunMonthlySnapshot(context.Background(), e.clock.Now())
	require.NoError(t, err)

	// Later activity in the same month does not make a mid-month snapshot wrong.
	e.clock.Set(time.Date(2026, 1, 25, 0, 0, 0, 0, time.UTC))
	e.move(t, a.ID, models.TypeExpense, 400)

	report, err := e.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Equal(t, 1, report.SnapshotsChecked)
	assert.Equal(t, 1, report.AccountsChecked)
	assert.Equal(t, 2, e.collector.LastChecked())
}

func TestReconcile_ReportsDriftWithoutRepair(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "A")
	b := e.open(t, "B")
	e.move(t, a.ID, models.TypeIncome, 1000)
	e.move(t, b.ID, models.TypeIncome, 2000)

	month := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.clock.Set(time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC))
	_, err := e.engine.RunMonthlySnapshot(context.Background(), month)
	require.NoError(t, err)

	// Corrupt one snapshot and one cached balance behind the ledger's back.
	require.NoError(t, e.store.WithinTx(context.Background(), func(ctx context.Context, tx interfaces.Tx) error {
		if err := tx.UpsertSnapshot(ctx, models.AccountBalanceSnapshot{
			AccountID: a.ID, OwnerID: e.owner, Month: month, Balance: decimal.NewFromInt(999), ComputedAt: e.clock.Now(),
		}); err != nil {
			return err
		}
		current, err := tx.GetAccount(ctx, e.owner, b.ID)
		if err != nil {
			return err
		}
		_, err = tx.UpdateAccountBalance(ctx, b.ID, decimal.NewFromInt(2500), current.Version)
		return err
	}))

	report, err := e.engine.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Drifts, 2)

	byAccount := map[string]Drift{}
	for _, d := range report.Drifts {
		byAccount[d.AccountID] = d
	}
	snap := byAccount[a.ID]
	assert.Equal(t, SourceSnapshot, snap.Source)
	require.NotNil(t, snap.Month)
	assert.True(t, snap.Expected.Equal(decimal.NewFromInt(1000)))
	assert.True(t, snap.Actual.Equal(decimal.NewFromInt(999)))

	acc := byAccount[b.ID]
	assert.Equal(t, SourceAccount, acc.Source)
	assert.True(t, acc.Expected.Equal(decimal.NewFromInt(2000)))
	assert.True(t, acc.Actual.Equal(decimal.NewFromInt(2500)))

	assert.Equal(t, int64(1), e.collector.Drifts(SourceSnapshot))
	assert.Equal(t, int64(1), e.collector.Drifts(SourceAccount))

	alarms := e.recorder.ByTopic("ledger." + events.TopicBalanceDrift)
	require.Len(t, alarms, 2)
	_, ok := alarms[0].Event.(domainevents.BalanceDriftDetected)
	assert.True(t, ok)

	// Nothing was corrected.
	cached, err := e.ledger.GetBalance(context.Background(), e.owner, b.ID, nil)
	require.NoError(t, err)
	assert.True(t, cached.Equal(decimal.NewFromInt(2500)))
	for _, s := range e.snapshots(t) {
		if s.AccountID == a.ID {
			assert.True(t, s.Balance.Equal(decimal.NewFromInt(999)))
		}
	}

	again, err := e.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Len(t, again.Drifts, 2)
}

func TestReconcile_EpsilonTolerance(t *testing.T) {
	e := newEnv(t)
	e.engine = NewEngine(e.store, WithClock(e.clock.Now), WithEpsilon(decimal.NewFromInt(5)))
	a := e.open(t, "A")
	e.move(t, a.ID, models.TypeIncome, 100)

	require.NoError(t, e.store.WithinTx(context.Background(), func(ctx context.Context, tx interfaces.Tx) error {
		current, err := tx.GetAccount(ctx, e.owner, a.ID)
		if err != nil {
			return err
		}
		_, err = tx.UpdateAccountBalance(ctx, a.ID, decimal.NewFromInt(105), current.Version)
		return err
	}))

	report, err := e.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean())
}
