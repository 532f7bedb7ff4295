package worksession

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txprop/pkg/jtx"
)

func TestSession_StagedUntilCommit(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	sess, err := store.Begin(ctx, jtx.Required(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, store.ActiveSessions())

	require.NoError(t, sess.Write("v"))
	assert.Equal(t, "[1] v", sess.Read())
	assert.Empty(t, store.Value())

	require.NoError(t, store.Commit(ctx, sess))
	store.End(ctx, sess)

	assert.Equal(t, "[1] v", store.Value())
	assert.Equal(t, 0, store.ActiveSessions())
	assert.ErrorIs(t, sess.Write("again"), ErrSessionClosed)
}

func TestSession_RollbackDiscards(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	sess, err := store.Begin(ctx, jtx.Required(), true)
	require.NoError(t, err)
	require.NoError(t, sess.Write("v"))
	require.NoError(t, store.Rollback(ctx, sess))
	store.End(ctx, sess)
	store.End(ctx, sess)

	assert.Empty(t, store.Value())
	assert.Equal(t, 0, store.ActiveSessions())
}

func TestSession_WriteThroughWithoutTransaction(t *testing.T) {
	store := NewStore()

	sess, err := store.Begin(context.Background(), jtx.NewMode(jtx.PropagationSupports, false), false)
	require.NoError(t, err)
	require.NoError(t, sess.Write("v"))

	assert.Equal(t, "v", store.Value())
	assert.False(t, sess.Transactional())
}

func TestSession_ReadOnly(t *testing.T) {
	store := NewStore()

	sess, err := store.Begin(context.Background(), jtx.NewMode(jtx.PropagationRequired, true), true)
	require.NoError(t, err)
	assert.ErrorIs(t, sess.Write("v"), jtx.ErrReadOnlyViolation)
}

func TestStore_FailNextCommit(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	boom := errors.New("boom")
	store.FailNextCommit(boom)

	sess, err := store.Begin(ctx, jtx.Required(), true)
	require.NoError(t, err)
	require.NoError(t, sess.Write("v"))

	assert.ErrorIs(t, store.Commit(ctx, sess), boom)
	assert.Empty(t, store.Value())
	require.NoError(t, store.Commit(ctx, sess))
	assert.Equal(t, "[1] v", store.Value())
}

func TestStore_Close(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Close())

	_, err := store.Begin(context.Background(), jtx.Required(), true)
	assert.ErrorIs(t, err, ErrStoreClosed)
}
