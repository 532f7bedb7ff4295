package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"txprop/internal/domain/ledger"
	"txprop/internal/infrastructure/storage/memory"
	"txprop/pkg/jtx"
	"txprop/pkg/logger"
)

type fixture struct {
	m      *jtx.Manager
	w      *jtx.Worker
	store  *memory.LedgerStore
	ledger *ledger.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := jtx.NewManager(jtx.DefaultConfig(), logger.Nop())
	store := memory.NewLedgerStore()
	require.NoError(t, jtx.Register[*memory.LedgerSession](m, store))
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	w := jtx.NewWorker(m)
	svc := ledger.NewService(w, ledger.Provide[*memory.LedgerSession](m), ledger.Config{}, logger.Nop())
	return &fixture{m: m, w: w, store: store, ledger: svc}
}

func (f *fixture) open(t *testing.T, balances map[string]string) {
	t.Helper()
	for id, amount := range balances {
		require.NoError(t, f.ledger.Open(context.Background(), id, decimal.RequireFromString(amount)))
	}
}

func (f *fixture) balance(t *testing.T, id string) string {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), id)
	require.NoError(t, err)
	return b.String()
}

func TestTransfer(t *testing.T) {
	f := newFixture(t)
	f.open(t, map[string]string{"alice": "100", "bob": "5"})

	id, err := f.ledger.Transfer(context.Background(), "alice", "bob", decimal.RequireFromString("30.5"))
	require.NoError(t, err)

	assert.Equal(t, "69.5", f.balance(t, "alice"))
	assert.Equal(t, "35.5", f.balance(t, "bob"))

	audit := f.store.Audit()
	require.Len(t, audit, 1)
	assert.Equal(t, id, audit[0].TransferID)
	assert.Equal(t, ledger.AuditApplied, audit[0].Status)
	assert.Equal(t, uuid.Version(7), id.Version())
	assert.Equal(t, uuid.Version(7), audit[0].ID.Version())
	assert.Equal(t, 0, f.m.TotalTransactions())
	assert.Equal(t, 0, f.store.ActiveSessions())
}

func TestTransfer_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.open(t, map[string]string{"alice": "10", "bob": "0"})

	_, err := f.ledger.Transfer(context.Background(), "alice", "bob", decimal.NewFromInt(11))
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	assert.Equal(t, "10", f.balance(t, "alice"))
	assert.Equal(t, "0", f.balance(t, "bob"))

	audit := f.store.Audit()
	require.Len(t, audit, 1)
	assert.Equal(t, ledger.AuditRejected, audit[0].Status)
	assert.Contains(t, audit[0].Reason, "insufficient funds")
}

func TestTransfer_UnknownDestinationUndoesWithdrawal(t *testing.T) {
	f := newFixture(t)
	f.open(t, map[string]string{"alice": "10"})

	_, err := f.ledger.Transfer(context.Background(), "alice", "nobody", decimal.NewFromInt(3))
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	assert.Equal(t, "10", f.balance(t, "alice"))
}

func TestTransfer_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.Transfer(context.Background(), "a", "b", decimal.Zero)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	_, err = f.ledger.Transfer(context.Background(), "a", "a", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ledger.ErrSameAccount)
	assert.Empty(t, f.store.Audit())
}

func TestTransfer_JoinsCallerTransaction(t *testing.T) {
	f := newFixture(t)
	f.open(t, map[string]string{"alice": "100", "bob": "0"})
	cause := errors.New("caller failed")

	err := f.w.RunInTransaction(context.Background(), jtx.Required(), func(ctx context.Context) error {
		if _, err := f.ledger.Transfer(ctx, "alice", "bob", decimal.NewFromInt(40)); err != nil {
			return err
		}
		balance, err := f.ledger.Balance(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, "40", balance.String())
		return cause
	})
	assert.ErrorIs(t, err, cause)

	assert.Equal(t, "100", f.balance(t, "alice"))
	assert.Equal(t, "0", f.balance(t, "bob"))
	assert.Empty(t, f.store.Audit())
}

func TestTransfer_RejectionDoomsCallerButIsJournaled(t *testing.T) {
	f := newFixture(t)
	f.open(t, map[string]string{"alice": "100", "bob": "0"})

	err := f.w.RunInTransaction(context.Background(), jtx.Required(), func(ctx context.Context) error {
		_, err := f.ledger.Transfer(ctx, "alice", "bob", decimal.NewFromInt(30))
		require.NoError(t, err)
		_, err = f.ledger.Transfer(ctx, "bob", "alice", decimal.NewFromInt(500))
		assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
		return nil
	})
	assert.ErrorIs(t, err, jtx.ErrRollbackOnly)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	assert.Equal(t, "100", f.balance(t, "alice"))
	audit := f.store.Audit()
	require.Len(t, audit, 1)
	assert.Equal(t, ledger.AuditRejected, audit[0].Status)
	assert.Equal(t, "bob", audit[0].FromAccount)
}

func TestBalance_UnknownAccount(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.Balance(context.Background(), "ghost")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestOpen_Duplicate(t *testing.T) {
	f := newFixture(t)
	f.open(t, map[string]string{"alice": "1"})

	err := f.ledger.Open(context.Background(), "alice", decimal.Zero)
	assert.ErrorIs(t, err, ledger.ErrAccountExists)
	assert.ErrorIs(t, f.ledger.Open(context.Background(), "neg", decimal.NewFromInt(-1)), ledger.ErrInvalidAmount)
}

func TestTransfer_ConcurrentKeepsTotal(t *testing.T) {
	f := newFixture(t)
	const accounts = 8
	for i := 0; i < accounts; i++ {
		require.NoError(t, f.ledger.Open(context.Background(), fmt.Sprintf("acc-%d", i), decimal.NewFromInt(100)))
	}

	g := new(errgroup.Group)
	for w := 0; w < 16; w++ {
		g.Go(func() error {
			for i := 0; i < 50; i++ {
				from := fmt.Sprintf("acc-%d", (w+i)%accounts)
				to := fmt.Sprintf("acc-%d", (w+i+1)%accounts)
				_, err := f.ledger.Transfer(context.Background(), from, to, decimal.NewFromInt(int64(i%7+1)))
				if err != nil && !errors.Is(err, memory.ErrConflict) && !errors.Is(err, ledger.ErrInsufficientFunds) {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, "800", f.store.Total().String())
	for i := 0; i < accounts; i++ {
		b, err := f.ledger.Balance(context.Background(), fmt.Sprintf("acc-%d", i))
		require.NoError(t, err)
		assert.False(t, b.IsNegative())
	}
	assert.Equal(t, 0, f.m.TotalTransactions())
	assert.Equal(t, 0, f.store.ActiveSessions())
}

func TestNewID_TimeOrdered(t *testing.T) {
	first := ledger.NewID()
	second := ledger.NewID()

	assert.Equal(t, uuid.Version(7), first.Version())
	assert.Less(t, first.String(), second.String())
}
