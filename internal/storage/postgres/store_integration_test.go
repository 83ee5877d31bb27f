//go:build integration

package postgres

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/sheikh-saqib/finance-ledger/internal/idempotency"
	interfaces "github.com/sheikh-saqib/finance-ledger/internal/interfaces"
	"github.com/sheikh-saqib/finance-ledger/internal/ledger"
	"github.com/sheikh-saqib/finance-ledger/internal/models"
	"github.com/sheikh-saqib/finance-ledger/internal/snapshot"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run with: LEDGER_TEST_DATABASE_URL=postgres://... go test -tags integration ./internal/storage/postgres/
func openTestStore(t *testing.T) *PostgresLedgerStore {
	t.Helper()
	url := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("LEDGER_TEST_DATABASE_URL not set")
	}
	cfg := DefaultConfig()
	cfg.URL = url
	store, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, Migrate(store.DB()))
	require.NoError(t, Migrate(store.DB()), "migrating twice is a no-op")
	return store
}

func newTestLedger(store *PostgresLedgerStore) *ledger.Ledger {
	return ledger.NewLedger(store, ledger.WithIdempotency(idempotency.NewManager(store)))
}

func TestPostgres_MovementsTransfersAndDeletes(t *testing.T) {
	store := openTestStore(t)
	l := newTestLedger(store)
	ctx := context.Background()
	owner := uuid.NewString()

	a, err := l.OpenAccount(ctx, owner, "checking")
	require.NoError(t, err)
	b, err := l.OpenAccount(ctx, owner, "savings")
	require.NoError(t, err)

	_, err = l.CreateMovement(ctx, ledger.MovementRequest{
		OwnerID: owner, AccountID: a.ID, Type: models.TypeIncome, Amount: decimal.NewFromInt(1000), Tags: []string{"salary"},
	})
	require.NoError(t, err)

	transfer, err := l.CreateTransfer(ctx, ledger.TransferRequest{
		OwnerID: owner, FromAccountID: a.ID, ToAccountID: b.ID, Amount: decimal.NewFromInt(300), IdempotencyKey: "t-1",
	})
	require.NoError(t, err)
	replay, err := l.CreateTransfer(ctx, ledger.TransferRequest{
		OwnerID: owner, FromAccountID: a.ID, ToAccountID: b.ID, Amount: decimal.NewFromInt(300), IdempotencyKey: "t-1",
	})
	require.NoError(t, err)
	assert.Equal(t, transfer.Out.ID, replay.Out.ID)

	balance, err := l.GetBalance(ctx, owner, a.ID, nil)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(700)))

	require.NoError(t, l.DeleteMovement(ctx, ledger.DeleteRequest{OwnerID: owner, TransactionID: transfer.Out.ID, Hard: true}))
	_, err = l.GetTransaction(ctx, owner, transfer.In.ID)
	require.ErrorIs(t, err, ledger.ErrNotFound)

	for _, id := range []string{a.ID, b.ID} {
		cached, err := l.GetBalance(ctx, owner, id, nil)
		require.NoError(t, err)
		entries, err := l.ListEntries(ctx, owner, id)
		require.NoError(t, err)
		sum := decimal.Zero
		for _, e := range entries {
			sum = sum.Add(e.Amount)
		}
		assert.True(t, cached.Equal(sum), "account %s cached %s ledger %s", id, cached, sum)
	}

	report, err := snapshot.NewEngine(store).Reconcile(ctx)
	require.NoError(t, err)
	for _, d := range report.Drifts {
		assert.NotEqual(t, owner, d.OwnerID)
	}
}

func TestPostgres_ConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	store := openTestStore(t)
	l := newTestLedger(store)
	ctx := context.Background()
	owner := uuid.NewString()

	a, err := l.OpenAccount(ctx, owner, "wallet")
	require.NoError(t, err)
	_, err = l.CreateMovement(ctx, ledger.MovementRequest{
		OwnerID: owner, AccountID: a.ID, Type: models.TypeIncome, Amount: decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.CreateMovement(ctx, ledger.MovementRequest{
				OwnerID: owner, AccountID: a.ID, Type: models.TypeExpense, Amount: decimal.NewFromInt(30),
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	balance, err := l.GetBalance(ctx, owner, a.ID, nil)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(10)))
}

func TestPostgres_LedgerEntriesAreAppendOnly(t *testing.T) {
	store := openTestStore(t)
	l := newTestLedger(store)
	ctx := context.Background()
	owner := uuid.NewString()

	a, err := l.OpenAccount(ctx, owner, "wallet")
	require.NoError(t, err)
	_, err = l.CreateMovement(ctx, ledger.MovementRequest{
		OwnerID: owner, AccountID: a.ID, Type: models.TypeIncome, Amount: decimal.NewFromInt(5),
	})
	require.NoError(t, err)

	_, err = store.DB().ExecContext(ctx, `UPDATE ledger_entries SET amount = 6 WHERE account_id = $1`, a.ID)
	assert.ErrorContains(t, err, "append-only")
	_, err = store.DB().ExecContext(ctx, `DELETE FROM ledger_entries WHERE account_id = $1`, a.ID)
	assert.ErrorContains(t, err, "append-only")
}

func TestPostgres_StaleVersionIsRejected(t *testing.T) {
	store := openTestStore(t)
	l := newTestLedger(store)
	ctx := context.Background()
	owner := uuid.NewString()

	a, err := l.OpenAccount(ctx, owner, "wallet")
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		ok, err := tx.UpdateAccountBalance(ctx, a.ID, decimal.NewFromInt(1), a.Version+1)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestPostgres_MalformedIDsAreNotFound(t *testing.T) {
	store := openTestStore(t)
	l := newTestLedger(store)
	ctx := context.Background()
	owner := uuid.NewString()

	_, err := l.GetBalance(ctx, owner, "not-a-uuid", nil)
	require.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = l.GetTransaction(ctx, "x", uuid.NewString())
	require.ErrorIs(t, err, ledger.ErrNotFound)

	a, err := l.OpenAccount(ctx, owner, "wallet")
	require.NoError(t, err)
	bad := "not-a-category"
	_, err = l.CreateMovement(ctx, ledger.MovementRequest{
		OwnerID: owner, AccountID: a.ID, Type: models.TypeIncome, Amount: decimal.NewFromInt(5), CategoryID: &bad,
	})
	require.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = l.BackfillLedger(ctx, "x")
	require.NoError(t, err)
}
