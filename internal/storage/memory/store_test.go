package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	interfaces "github.com/sheikh-saqib/finance-ledger/internal/interfaces"
	"github.com/sheikh-saqib/finance-ledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAccount(owner string) models.Account {
	return models.Account{ID: uuid.NewString(), OwnerID: owner, Name: "wallet", Balance: decimal.Zero, Active: true}
}

func entry(account models.Account, amount int64) models.LedgerEntry {
	a := decimal.NewFromInt(amount)
	kind, _ := models.KindFor(a)
	return models.LedgerEntry{
		ID: uuid.NewString(), OwnerID: account.OwnerID, AccountID: account.ID,
		Amount: a, Kind: kind, CreatedAt: time.Now(),
	}
}

func TestWithinTx_RollbackUndoesWrites(t *testing.T) {
	store := NewMemoryLedgerStore()
	ctx := context.Background()
	owner := uuid.NewString()
	account := newAccount(owner)

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		return tx.CreateAccount(ctx, account)
	}))

	boom := errors.New("boom")
	err := store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		require.NoError(t, tx.AppendEntry(ctx, entry(account, 500)))
		ok, err := tx.UpdateAccountBalance(ctx, account.ID, decimal.NewFromInt(500), 0)
		require.NoError(t, err)
		require.True(t, ok)
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		sum, err := tx.SumEntries(ctx, account.ID, time.Time{})
		require.NoError(t, err)
		assert.True(t, sum.IsZero())

		stored, err := tx.GetAccount(ctx, owner, account.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), stored.Version)
		assert.True(t, stored.Balance.IsZero())
		return nil
	}))
}

func TestWithinTx_PanicRollsBack(t *testing.T) {
	store := NewMemoryLedgerStore()
	ctx := context.Background()
	account := newAccount(uuid.NewString())

	assert.Panics(t, func() {
		_ = store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
			require.NoError(t, tx.CreateAccount(ctx, account))
			panic("boom")
		})
	})

	err := store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		_, err := tx.GetAccount(ctx, account.OwnerID, account.ID)
		return err
	})
	require.ErrorIs(t, err, interfaces.ErrRecordNotFound)
}

func TestWithinTx_TxUnusableAfterEnd(t *testing.T) {
	store := NewMemoryLedgerStore()
	var leaked interfaces.Tx
	require.NoError(t, store.WithinTx(context.Background(), func(ctx context.Context, tx interfaces.Tx) error {
		leaked = tx
		return nil
	}))

	_, err := leaked.ListAccounts(context.Background())
	require.ErrorIs(t, err, interfaces.ErrTxDone)
}

func TestLockAccount_BlocksUntilUnitEnds(t *testing.T) {
	store := NewMemoryLedgerStore()
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
			assert.NoError(t, tx.LockAccount(ctx, "acc-1"))
			assert.NoError(t, tx.LockAccount(ctx, "acc-1"), "locks are reentrant")
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	acquired := make(chan struct{})
	go func() {
		_ = store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
			err := tx.LockAccount(ctx, "acc-1")
			close(acquired)
			return err
		})
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held by another unit")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock not handed over after the holder finished")
	}
}

func TestLockAccount_HonoursCancellation(t *testing.T) {
	store := NewMemoryLedgerStore()

	held := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	go func() {
		_ = store.WithinTx(context.Background(), func(ctx context.Context, tx interfaces.Tx) error {
			assert.NoError(t, tx.LockAccount(ctx, "acc-1"))
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		return tx.LockAccount(ctx, "acc-1")
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUpdateAccountBalance_VersionGuard(t *testing.T) {
	store := NewMemoryLedgerStore()
	ctx := context.Background()
	account := newAccount(uuid.NewString())

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		require.NoError(t, tx.CreateAccount(ctx, account))

		ok, err := tx.UpdateAccountBalance(ctx, account.ID, decimal.NewFromInt(10), 0)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.UpdateAccountBalance(ctx, account.ID, decimal.NewFromInt(20), 0)
		require.NoError(t, err)
		assert.False(t, ok, "version already advanced")
		return nil
	}))
}

func TestAppendEntry_RejectsUnknownAccountAndDuplicates(t *testing.T) {
	store := NewMemoryLedgerStore()
	ctx := context.Background()
	account := newAccount(uuid.NewString())

	err := store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		return tx.AppendEntry(ctx, entry(account, 1))
	})
	require.ErrorIs(t, err, interfaces.ErrRecordNotFound)

	e := entry(account, 1)
	err = store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		require.NoError(t, tx.CreateAccount(ctx, account))
		require.NoError(t, tx.AppendEntry(ctx, e))
		return tx.AppendEntry(ctx, e)
	})
	require.ErrorIs(t, err, interfaces.ErrDuplicate)
}

func TestSnapshots_UpsertKeyedByMonth(t *testing.T) {
	store := NewMemoryLedgerStore()
	ctx := context.Background()
	account := newAccount(uuid.NewString())
	mid := time.Date(2026, 2, 14, 18, 30, 0, 0, time.UTC)

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		require.NoError(t, tx.CreateAccount(ctx, account))
		for _, v := range []int64{100, 250} {
			require.NoError(t, tx.UpsertSnapshot(ctx, models.AccountBalanceSnapshot{
				AccountID: account.ID, OwnerID: account.OwnerID, Month: mid, Balance: decimal.NewFromInt(v),
			}))
		}
		return nil
	}))

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		all, err := tx.ListSnapshots(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.True(t, all[0].Month.Equal(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)))
		assert.True(t, all[0].Balance.Equal(decimal.NewFromInt(250)))

		_, err = tx.GetSnapshot(ctx, account.ID, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
		require.ErrorIs(t, err, interfaces.ErrRecordNotFound)
		return nil
	}))
}

func TestRollback_KeepsEntriesCommittedByOtherUnits(t *testing.T) {
	store := NewMemoryLedgerStore()
	ctx := context.Background()
	owner := uuid.NewString()
	x, y := newAccount(owner), newAccount(owner)
	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		if err := tx.CreateAccount(ctx, x); err != nil {
			return err
		}
		return tx.CreateAccount(ctx, y)
	}))

	appended := make(chan struct{})
	release := make(chan struct{})
	failed := make(chan error, 1)
	boom := errors.New("boom")
	go func() {
		failed <- store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
			assert.NoError(t, tx.AppendEntry(ctx, entry(x, 100)))
			close(appended)
			<-release
			return boom
		})
	}()
	<-appended

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		return tx.AppendEntry(ctx, entry(y, 700))
	}))
	close(release)
	require.ErrorIs(t, <-failed, boom)

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		sumY, err := tx.SumEntries(ctx, y.ID, time.Time{})
		require.NoError(t, err)
		assert.True(t, sumY.Equal(decimal.NewFromInt(700)), "got %s", sumY)

		sumX, err := tx.SumEntries(ctx, x.ID, time.Time{})
		require.NoError(t, err)
		assert.True(t, sumX.IsZero(), "got %s", sumX)
		return nil
	}))
}

func TestRollback_KeepsSnapshotOverwrittenByOtherUnit(t *testing.T) {
	store := NewMemoryLedgerStore()
	ctx := context.Background()
	account := newAccount(uuid.NewString())
	month := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	snap := func(v int64) models.AccountBalanceSnapshot {
		return models.AccountBalanceSnapshot{AccountID: account.ID, OwnerID: account.OwnerID, Month: month, Balance: decimal.NewFromInt(v)}
	}
	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		if err := tx.CreateAccount(ctx, account); err != nil {
			return err
		}
		return tx.UpsertSnapshot(ctx, snap(10))
	}))

	written := make(chan struct{})
	release := make(chan struct{})
	failed := make(chan error, 1)
	go func() {
		failed <- store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
			assert.NoError(t, tx.UpsertSnapshot(ctx, snap(20)))
			close(written)
			<-release
			return errors.New("boom")
		})
	}()
	<-written

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		return tx.UpsertSnapshot(ctx, snap(30))
	}))
	close(release)
	require.Error(t, <-failed)

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		got, err := tx.GetSnapshot(ctx, account.ID, month)
		require.NoError(t, err)
		assert.True(t, got.Balance.Equal(decimal.NewFromInt(30)), "got %s", got.Balance)
		return nil
	}))
}

func TestAppendEntry_RejectsKindNotMatchingSign(t *testing.T) {
	store := NewMemoryLedgerStore()
	ctx := context.Background()
	account := newAccount(uuid.NewString())

	err := store.WithinTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		require.NoError(t, tx.CreateAccount(ctx, account))
		e := entry(account, 50)
		e.Kind = models.EntryDebit
		return tx.AppendEntry(ctx, e)
	})
	require.ErrorIs(t, err, interfaces.ErrConstraint)
}
