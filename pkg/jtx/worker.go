package jtx

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
)

// Worker implements "only the owner finalizes" on top of Manager, so that
// nested call chains can each demarcate a transaction without committing
// twice. Each Maybe* result is nil for callers that merely joined the
// ambient transaction.
type Worker struct {
	m *Manager
}

// NewWorker creates a worker over m.
func NewWorker(m *Manager) *Worker {
	return &Worker{m: m}
}

// Manager returns the underlying transaction manager.
func (w *Worker) Manager() *Manager {
	return w.m
}

// MaybeRequestTransaction requests a transaction and returns it only if this
// call created it. A nil result with nil error means the caller joined the
// ambient transaction and must leave finalization to its owner.
func (w *Worker) MaybeRequestTransaction(ctx context.Context, mode Mode) (*Transaction, error) {
	tx, created, err := w.m.request(ctx, mode)
	if err != nil || !created {
		return nil, err
	}
	return tx, nil
}

// MaybeCommitTransaction commits tx if the caller owns it (tx != nil) and
// reports whether a commit was attempted.
func (w *Worker) MaybeCommitTransaction(ctx context.Context, tx *Transaction) (bool, error) {
	if tx == nil {
		return false, nil
	}
	return true, w.m.Commit(ctx, tx)
}

// MarkOrRollbackTransaction handles a failure of the work done under tx.
// Owners (tx != nil) roll back right away; nested callers mark the ambient
// transaction rollback-only so the owner's commit turns into a rollback.
// It returns cause, combined with the rollback failure if any.
func (w *Worker) MarkOrRollbackTransaction(ctx context.Context, tx *Transaction, cause error) error {
	if tx == nil {
		if current := w.m.Current(ctx); current != nil {
			current.MarkRollbackOnly(cause)
		}
		return cause
	}
	return multierr.Append(cause, w.m.Rollback(ctx, tx))
}

// RunInTransaction runs fn as a participant of a transaction requested with
// mode. The transaction is finalized only if this call created it: committed
// when fn succeeds, rolled back when fn fails or panics. Joined callers mark
// the ambient transaction rollback-only on failure.
//
// ctx gets an execution scope if it has none. Inside fn, FromContext returns
// the participating transaction.
func (w *Worker) RunInTransaction(ctx context.Context, mode Mode, fn func(ctx context.Context) error) (err error) {
	if !HasScope(ctx) {
		ctx = WithScope(ctx)
	}

	tx, created, err := w.m.request(ctx, mode)
	if err != nil {
		return err
	}
	var owned *Transaction
	if created {
		owned = tx
	}

	defer func() {
		if r := recover(); r != nil {
			_ = w.MarkOrRollbackTransaction(ctx, owned, fmt.Errorf("jtx: panic: %v", r))
			panic(r)
		}
	}()

	if err := fn(withParticipant(ctx, tx)); err != nil {
		return w.MarkOrRollbackTransaction(ctx, owned, err)
	}
	_, err = w.MaybeCommitTransaction(ctx, owned)
	return err
}

// participantKey is the context key for the transaction a RunInTransaction
// callback participates in.
type participantKey struct{}

func withParticipant(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, participantKey{}, tx)
}

// FromContext returns the transaction the innermost RunInTransaction callback
// participates in, placeholders included, or nil.
func FromContext(ctx context.Context) *Transaction {
	if tx, ok := ctx.Value(participantKey{}).(*Transaction); ok {
		return tx
	}
	return nil
}
