package jtx

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"
)

// Status is the lifecycle state of a transaction.
type Status uint8

const (
	StatusActive Status = iota
	StatusCommitted
	StatusRolledBack
	// StatusUnknown is terminal: a commit failed on some resources after
	// others may already have committed.
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusCommitted:
		return "COMMITTED"
	case StatusRolledBack:
		return "ROLLED_BACK"
	case StatusUnknown:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("Status(%d)", s)
	}
}

// Transaction is a unit of work shared by every participant that joined it.
//
// A Transaction is owned by the execution scope that created it. Its status and
// resources are touched only from that scope; MarkRollbackOnly may be called by
// any participant.
type Transaction struct {
	id      uint64
	mode    Mode
	manager *Manager
	owner   *scope

	// active is false for placeholders: SUPPORTS, NOT_SUPPORTED and NEVER
	// without an ambient transaction.
	active bool

	// suspended is the ambient transaction displaced by this one.
	// restores is set when finalizing must reinstall it.
	suspended *Transaction
	restores  bool

	status  Status
	expired bool
	// expiryReported is set once a finalize call has acknowledged the expiry.
	expiryReported bool

	rollbackOnly  atomic.Bool
	rollbackCause atomic.Pointer[error]

	resources []*resourceEntry
	index     map[reflect.Type]*resourceEntry

	createdAt time.Time
	deadline  time.Time
}

func (tx *Transaction) ID() uint64 { return tx.id }
func (tx *Transaction) Mode() Mode { return tx.mode }
func (tx *Transaction) Status() Status { return tx.status }
func (tx *Transaction) CreatedAt() time.Time { return tx.createdAt }

// Deadline returns the expiry time and whether one is set.
func (tx *Transaction) Deadline() (time.Time, bool) {
	return tx.deadline, !tx.deadline.IsZero()
}

// IsActive reports whether the transaction has not been finalized yet.
func (tx *Transaction) IsActive() bool { return tx.status == StatusActive }

// IsCommitted reports whether the transaction committed successfully.
// For placeholders it only reports that Commit was the finalize call.
func (tx *Transaction) IsCommitted() bool { return tx.status == StatusCommitted }

// IsRolledBack reports whether the transaction was rolled back, explicitly or not.
func (tx *Transaction) IsRolledBack() bool { return tx.status == StatusRolledBack }

// IsNoTransaction reports whether tx is a placeholder that provides no
// transactional guarantees. Finalizing a placeholder never commits or rolls
// back its resources, it only ends them; the status still moves to
// COMMITTED or ROLLED_BACK after the finalize call used.
func (tx *Transaction) IsNoTransaction() bool { return !tx.active }

// IsRollbackOnly reports whether the only possible outcome is a rollback.
func (tx *Transaction) IsRollbackOnly() bool { return tx.rollbackOnly.Load() }

// MarkRollbackOnly dooms the transaction: its owner's commit turns into a rollback.
// cause is optional and is wrapped into the error the commit returns.
func (tx *Transaction) MarkRollbackOnly(cause error) {
	if cause != nil {
		tx.rollbackCause.CompareAndSwap(nil, &cause)
	}
	tx.rollbackOnly.Store(true)
}

// RollbackCause returns the first cause given to MarkRollbackOnly.
func (tx *Transaction) RollbackCause() error {
	if p := tx.rollbackCause.Load(); p != nil {
		return *p
	}
	return nil
}

func (tx *Transaction) isExpired(now time.Time) bool {
	return !tx.deadline.IsZero() && now.After(tx.deadline)
}

// Resource returns the resource of the given type attached to this
// transaction, beginning one on first request.
func (tx *Transaction) Resource(ctx context.Context, typ reflect.Type) (any, error) {
	if tx.status != StatusActive {
		return nil, fmt.Errorf("%w: tx %d is %s, resources are not available", ErrInvalidTransactionState, tx.id, tx.status)
	}
	if tx.active && tx.IsRollbackOnly() {
		if cause := tx.RollbackCause(); cause != nil {
			return nil, fmt.Errorf("%w: tx %d: %w", ErrRollbackOnly, tx.id, cause)
		}
		return nil, fmt.Errorf("%w: tx %d", ErrRollbackOnly, tx.id)
	}

	if e, ok := tx.index[typ]; ok {
		return e.resource, nil
	}

	b, err := tx.manager.lookup(typ)
	if err != nil {
		return nil, err
	}
	if limit := tx.manager.cfg.MaxResourcesPerTransaction; limit > 0 && len(tx.resources) >= limit {
		return nil, fmt.Errorf("%w: tx %d already holds %d", ErrTooManyResources, tx.id, len(tx.resources))
	}

	res, err := b.begin(ctx, tx.mode, tx.active)
	if err != nil {
		return nil, fmt.Errorf("jtx: begin %s in tx %d: %w", typ, tx.id, err)
	}

	e := &resourceEntry{binding: b, resource: res}
	tx.resources = append(tx.resources, e)
	// placeholders do not share resources: every request begins a fresh one
	if tx.active {
		tx.index[typ] = e
	}
	return res, nil
}

// RequestResource returns the T resource of tx, beginning it on first request.
// All participants of one transaction observe the same resource instance.
func RequestResource[T any](ctx context.Context, tx *Transaction) (T, error) {
	var zero T
	if tx == nil {
		return zero, fmt.Errorf("%w: nil transaction", ErrInvalidTransactionState)
	}
	res, err := tx.Resource(ctx, reflect.TypeFor[T]())
	if err != nil {
		return zero, err
	}
	return res.(T), nil
}

// CurrentResource returns the T resource of the transaction ctx participates
// in: the one installed by Worker.RunInTransaction, else the ambient one of m.
func CurrentResource[T any](ctx context.Context, m *Manager) (T, error) {
	tx := FromContext(ctx)
	if tx == nil || tx.manager != m || !tx.IsActive() {
		tx = m.Current(ctx)
	}
	if tx == nil {
		var zero T
		return zero, ErrNoTransaction
	}
	return RequestResource[T](ctx, tx)
}
