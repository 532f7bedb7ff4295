package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txprop/pkg/jtx"
)

func TestTxOptions(t *testing.T) {
	tests := []struct {
		name string
		mode jtx.Mode
		want pgx.TxOptions
	}{
		{"default", jtx.Required(), pgx.TxOptions{AccessMode: pgx.ReadWrite}},
		{"read only", jtx.Required().WithReadOnly(true), pgx.TxOptions{AccessMode: pgx.ReadOnly}},
		{"read committed", jtx.Required().WithIsolation(jtx.IsolationReadCommitted), pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}},
		{"repeatable read", jtx.Required().WithIsolation(jtx.IsolationRepeatableRead), pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite}},
		{"serializable", jtx.RequiresNew().WithIsolation(jtx.IsolationSerializable).WithReadOnly(true), pgx.TxOptions{IsoLevel: pgx.Serializable, AccessMode: pgx.ReadOnly}},
		{"none", jtx.Required().WithIsolation(jtx.IsolationNone), pgx.TxOptions{AccessMode: pgx.ReadWrite}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TxOptions(tt.mode))
		})
	}
}

func TestStatementTimeout(t *testing.T) {
	opts := DefaultSessionOptions()

	assert.Equal(t, 30*time.Second, statementTimeout(jtx.Required(), opts))
	assert.Equal(t, 5*time.Second, statementTimeout(jtx.Required().WithTimeout(5), opts))
	assert.Zero(t, statementTimeout(jtx.Required(), SessionOptions{}))
}

func TestSession_ReadOnlyRefusesExec(t *testing.T) {
	sess := &Session{readOnly: true}

	_, err := sess.Exec(context.Background(), "DELETE FROM ledger_accounts")
	assert.ErrorIs(t, err, jtx.ErrReadOnlyViolation)
}

func TestSession_EndedRefusesStatements(t *testing.T) {
	m := &SessionManager{}
	sess, err := m.Begin(context.Background(), jtx.NewMode(jtx.PropagationSupports, false), false)
	require.NoError(t, err)
	assert.False(t, sess.Transactional())

	require.NoError(t, m.Commit(context.Background(), sess))
	require.NoError(t, m.Rollback(context.Background(), sess))
	m.End(context.Background(), sess)
	m.End(context.Background(), sess)

	_, err = sess.Exec(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, jtx.ErrInvalidTransactionState)
	_, err = sess.Query(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, jtx.ErrInvalidTransactionState)
}

func TestMapError(t *testing.T) {
	readOnly := &pgconn.PgError{Code: pgReadOnlyTransaction, Message: "cannot execute UPDATE in a read-only transaction"}
	err := mapError(readOnly)
	assert.ErrorIs(t, err, jtx.ErrReadOnlyViolation)
	assert.ErrorAs(t, err, new(*pgconn.PgError))

	other := errors.New("connection reset")
	assert.Same(t, other, mapError(other))
	assert.NoError(t, mapError(nil))
}

type fakeTx struct {
	pgx.Tx
	execs      []string
	row        pgx.Row
	rolledBack bool
	committed  bool
}

func (f *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row { return f.row }

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if f.rolledBack || f.committed {
		return pgx.ErrTxClosed
	}
	f.rolledBack = true
	return nil
}

type fakeDB struct {
	tx      *fakeTx
	began   []pgx.TxOptions
	queries []string
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.queries = append(f.queries, sql)
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	f.queries = append(f.queries, sql)
	return nil, nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	f.queries = append(f.queries, sql)
	return errRow{err: pgx.ErrNoRows}
}

func (f *fakeDB) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	f.began = append(f.began, opts)
	return f.tx, nil
}

func TestSession_ReadOnlyPlaceholderRunsInReadOnlyTransaction(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{}}
	m := &SessionManager{db: db}
	ctx := context.Background()

	sess, err := m.Begin(ctx, jtx.NewMode(jtx.PropagationSupports, true), false)
	require.NoError(t, err)
	assert.False(t, sess.Transactional())
	require.Len(t, db.began, 1)
	assert.Equal(t, pgx.ReadOnly, db.began[0].AccessMode)

	_, err = sess.Exec(ctx, "UPDATE ledger_accounts SET balance = 0")
	assert.ErrorIs(t, err, jtx.ErrReadOnlyViolation)
	assert.Empty(t, db.queries)

	m.End(ctx, sess)
	assert.True(t, db.tx.rolledBack)
}

func TestSession_WritablePlaceholderAutoCommits(t *testing.T) {
	db := &fakeDB{}
	m := &SessionManager{db: db}

	sess, err := m.Begin(context.Background(), jtx.NewMode(jtx.PropagationNotSupported, false), false)
	require.NoError(t, err)
	assert.Empty(t, db.began)

	_, err = sess.Exec(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, []string{"SELECT 1"}, db.queries)
}

func TestSession_ActiveTransactionSetsStatementTimeout(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{}}
	m := &SessionManager{db: db, opts: DefaultSessionOptions()}

	sess, err := m.Begin(context.Background(), jtx.Required(), true)
	require.NoError(t, err)
	assert.True(t, sess.Transactional())
	assert.Equal(t, []string{"SET LOCAL statement_timeout = '30000ms'"}, db.tx.execs)

	require.NoError(t, m.Commit(context.Background(), sess))
	m.End(context.Background(), sess)
	assert.False(t, db.tx.rolledBack)
}

func TestSession_QueryRowOnEndedSession(t *testing.T) {
	db := &fakeDB{}
	m := &SessionManager{db: db}
	sess, err := m.Begin(context.Background(), jtx.NewMode(jtx.PropagationSupports, false), false)
	require.NoError(t, err)
	m.End(context.Background(), sess)

	var n int
	err = sess.QueryRow(context.Background(), "SELECT 1").Scan(&n)
	assert.ErrorIs(t, err, jtx.ErrInvalidTransactionState)
	assert.Empty(t, db.queries)
}

func TestSession_QueryRowMapsReadOnlyRefusal(t *testing.T) {
	refusal := &pgconn.PgError{Code: pgReadOnlyTransaction, Message: "cannot execute UPDATE in a read-only transaction"}
	db := &fakeDB{tx: &fakeTx{row: errRow{err: refusal}}}
	m := &SessionManager{db: db}
	sess, err := m.Begin(context.Background(), jtx.Required().WithReadOnly(true), true)
	require.NoError(t, err)

	var id string
	err = sess.QueryRow(context.Background(), "UPDATE ledger_accounts SET balance = 0 RETURNING id").Scan(&id)
	assert.ErrorIs(t, err, jtx.ErrReadOnlyViolation)
}
