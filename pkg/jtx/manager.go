// Package jtx coordinates in-process transactions over pluggable resources.
//
// A Manager decides, for each RequestTransaction, whether the caller joins the
// ambient transaction of its execution scope, gets a new one, suspends the
// ambient one or is refused, following the requested Propagation. Resources
// (database sessions, staged files, ...) are plugged in through
// ResourceManager and are begun lazily, once per transaction and type.
//
// The ambient transaction lives in the execution scope carried by the context
// (see WithScope), one scope per goroutine:
//
//	ctx = jtx.WithScope(ctx)
//	tx, err := m.RequestTransaction(ctx, jtx.Required())
//	sess, err := jtx.RequestResource[*Session](ctx, tx)
//	...
//	err = m.Commit(ctx, tx)
//
// Worker layers the "only the owner commits" pattern on top of Manager.
package jtx

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"txprop/pkg/logger"
)

var tracer = otel.Tracer("txprop/jtx")

// Config tunes Manager behavior.
type Config struct {
	// MaxResourcesPerTransaction limits resources attached to one
	// transaction (0 = unlimited).
	MaxResourcesPerTransaction int

	// SingleResourceManager allows only one registered ResourceManager.
	SingleResourceManager bool

	// ValidateExistingTransaction rejects joining an ambient transaction whose
	// isolation differs from an explicitly requested one, or that is read-only
	// when the request is read-write.
	ValidateExistingTransaction bool
}

// DefaultConfig returns permissive defaults.
func DefaultConfig() Config {
	return Config{}
}

// Manager owns registered resource managers and live transactions.
// Safe for concurrent use once all resource managers are registered.
type Manager struct {
	cfg Config
	log *logger.Logger

	// written during setup only, read-only afterwards
	resourceManagers map[reflect.Type]binding

	live      sync.Map // map[uint64]*Transaction
	liveCount atomic.Int64
	lastID    atomic.Uint64

	now func() time.Time
}

// NewManager creates a transaction manager. A nil log uses logger.Default().
func NewManager(cfg Config, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		cfg:              cfg,
		log:              log.WithComponent("jtx"),
		resourceManagers: make(map[reflect.Type]binding),
		now:              time.Now,
	}
}

// Register adds rm as the resource manager of T.
// Must be called before any transaction requests a T; not safe to call
// concurrently with running transactions.
func Register[T any](m *Manager, rm ResourceManager[T]) error {
	b := typedBinding[T]{rm: rm}
	typ := b.resourceType()
	if _, ok := m.resourceManagers[typ]; ok {
		return fmt.Errorf("%w: %s", ErrResourceManagerExists, typ)
	}
	if m.cfg.SingleResourceManager && len(m.resourceManagers) > 0 {
		return fmt.Errorf("%w: manager allows a single resource manager", ErrResourceManagerExists)
	}
	m.resourceManagers[typ] = b
	m.log.Debugw("resource manager registered", "type", typ.String())
	return nil
}

func (m *Manager) lookup(typ reflect.Type) (binding, error) {
	b, ok := m.resourceManagers[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrResourceManagerNotRegistered, typ)
	}
	return b, nil
}

// TotalTransactions returns the number of live (not yet finalized) transactions.
// Placeholders are not counted.
func (m *Manager) TotalTransactions() int {
	return int(m.liveCount.Load())
}

// Current returns the ambient transaction of ctx's scope, or nil.
// Unlike RequestTransaction it never expires anything.
func (m *Manager) Current(ctx context.Context) *Transaction {
	s := scopeFrom(ctx)
	if s == nil {
		return nil
	}
	for tx := s.get(m); tx != nil; tx = tx.suspended {
		if tx.status == StatusActive {
			return tx
		}
	}
	return nil
}

// RequestTransaction returns the transaction the caller participates in,
// according to mode's propagation and the ambient transaction of ctx's scope.
func (m *Manager) RequestTransaction(ctx context.Context, mode Mode) (*Transaction, error) {
	tx, _, err := m.request(ctx, mode)
	return tx, err
}

// request implements the propagation rules. created reports whether this call
// created tx (the caller owns it) as opposed to joining the ambient one.
func (m *Manager) request(ctx context.Context, mode Mode) (tx *Transaction, created bool, err error) {
	s := scopeFrom(ctx)
	if s == nil {
		return nil, false, ErrNoScope
	}

	ctx, span := tracer.Start(ctx, "jtx.request", trace.WithAttributes(
		attribute.String("tx.propagation", mode.Propagation().String()),
		attribute.Bool("tx.read_only", mode.ReadOnly()),
	))
	defer span.End()

	m.log.WithContext(ctx).Debugw("requesting transaction", "mode", mode.String())

	current := m.ambient(ctx, s)

	switch mode.Propagation() {
	case PropagationRequired:
		if current != nil {
			return m.join(current, mode)
		}
		tx = m.newTransaction(s, mode, true)
		s.set(m, tx)

	case PropagationRequiresNew:
		tx = m.newTransaction(s, mode, true)
		tx.suspended = current
		tx.restores = true
		s.set(m, tx)

	case PropagationSupports:
		if current != nil {
			return m.join(current, mode)
		}
		tx = m.newTransaction(s, mode, false)

	case PropagationMandatory:
		if current == nil {
			return nil, false, ErrNoTransaction
		}
		return m.join(current, mode)

	case PropagationNotSupported:
		tx = m.newTransaction(s, mode, false)
		if current != nil {
			tx.suspended = current
			tx.restores = true
			s.set(m, nil)
		}

	case PropagationNever:
		if current != nil {
			return nil, false, fmt.Errorf("%w: tx %d", ErrTransactionExists, current.id)
		}
		tx = m.newTransaction(s, mode, false)

	default:
		return nil, false, fmt.Errorf("jtx: invalid propagation %s", mode.Propagation())
	}

	span.SetAttributes(attribute.Int64("tx.id", int64(tx.id)))
	return tx, true, nil
}

// ambient returns the live ambient transaction of s, discarding finalized
// ones and rolling back expired ones on the way.
func (m *Manager) ambient(ctx context.Context, s *scope) *Transaction {
	for {
		tx := s.get(m)
		if tx == nil {
			return nil
		}
		if tx.status != StatusActive {
			// finalized behind the scope's back, e.g. by Close
			s.swap(m, tx, tx.suspended)
			continue
		}
		if tx.isExpired(m.now()) {
			m.expire(ctx, tx)
			continue
		}
		return tx
	}
}

func (m *Manager) join(current *Transaction, mode Mode) (*Transaction, bool, error) {
	if m.cfg.ValidateExistingTransaction {
		src := current.mode
		if mode.Isolation() != IsolationDefault && mode.Isolation() != src.Isolation() {
			return nil, false, fmt.Errorf("%w: isolation %s requested, tx %d runs %s",
				ErrIncompatibleMode, mode.Isolation(), current.id, src.Isolation())
		}
		if !mode.ReadOnly() && src.ReadOnly() {
			return nil, false, fmt.Errorf("%w: read-write request joining read-only tx %d",
				ErrIncompatibleMode, current.id)
		}
	}
	return current, false, nil
}

func (m *Manager) newTransaction(s *scope, mode Mode, active bool) *Transaction {
	now := m.now()
	tx := &Transaction{
		id:        m.lastID.Add(1),
		mode:      mode,
		manager:   m,
		owner:     s,
		active:    active,
		status:    StatusActive,
		index:     make(map[reflect.Type]*resourceEntry),
		createdAt: now,
	}
	if timeout := mode.Timeout(); timeout > 0 {
		tx.deadline = now.Add(timeout)
	}
	if active {
		m.live.Store(tx.id, tx)
		m.liveCount.Add(1)
	}
	m.log.Debugw("new transaction", "tx_id", tx.id, "mode", mode.String(), "active", active)
	return tx
}

// expire force-rolls back a transaction whose deadline has passed.
func (m *Manager) expire(ctx context.Context, tx *Transaction) {
	tx.expired = true
	m.log.WithContext(ctx).Warnw("transaction timed out, rolling back",
		"tx_id", tx.id,
		"deadline", tx.deadline,
	)
	if err := m.complete(ctx, tx, false); err != nil {
		m.log.WithContext(ctx).Errorw("rollback of expired transaction failed", "tx_id", tx.id, "error", err)
	}
}

// Commit finalizes tx: every attached resource is committed, then ended.
//
// A rollback-only transaction is rolled back instead and ErrRollbackOnly is
// returned. A transaction whose deadline passed is rolled back and the first
// Commit or Rollback after that returns nil; the work is discarded. If some
// resources fail to commit, the others are still committed, tx ends
// StatusUnknown and the failures are returned.
func (m *Manager) Commit(ctx context.Context, tx *Transaction) (err error) {
	return m.finalize(ctx, tx, true)
}

// Rollback finalizes tx discarding the staged effects of all attached resources.
func (m *Manager) Rollback(ctx context.Context, tx *Transaction) error {
	return m.finalize(ctx, tx, false)
}

func (m *Manager) finalize(ctx context.Context, tx *Transaction, doCommit bool) (err error) {
	if tx == nil {
		return fmt.Errorf("%w: nil transaction", ErrInvalidTransactionState)
	}

	op := "jtx.rollback"
	if doCommit {
		op = "jtx.commit"
	}
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.Int64("tx.id", int64(tx.id))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// the first finalize after an expiry succeeds, later ones do not
	if tx.expired && tx.status == StatusRolledBack && !tx.expiryReported {
		tx.expiryReported = true
		return nil
	}
	if tx.status != StatusActive {
		return fmt.Errorf("%w: tx %d is already %s", ErrInvalidTransactionState, tx.id, tx.status)
	}
	if err := m.checkOwner(ctx, tx); err != nil {
		return err
	}

	log := m.log.WithContext(ctx)

	if tx.active && tx.isExpired(m.now()) {
		m.expire(ctx, tx)
		tx.expiryReported = true
		return nil
	}

	if doCommit && tx.active && tx.IsRollbackOnly() {
		log.Debugw("commit of rollback-only transaction, rolling back", "tx_id", tx.id)
		rbErr := m.complete(ctx, tx, false)
		err := fmt.Errorf("%w: tx %d rolled back", ErrRollbackOnly, tx.id)
		if cause := tx.RollbackCause(); cause != nil {
			err = fmt.Errorf("%w: tx %d rolled back: %w", ErrRollbackOnly, tx.id, cause)
		}
		return multierr.Append(err, rbErr)
	}

	if doCommit {
		log.Debugw("committing transaction", "tx_id", tx.id, "resources", len(tx.resources))
	} else {
		log.Debugw("rolling back transaction", "tx_id", tx.id, "resources", len(tx.resources))
	}
	if err := m.complete(ctx, tx, doCommit); err != nil {
		log.Errorw("transaction completed with resource failures", "tx_id", tx.id, "error", err)
		return fmt.Errorf("jtx: finalize tx %d: %w", tx.id, err)
	}
	return nil
}

// checkOwner verifies that ctx's scope owns tx and that tx is its current
// transaction. Placeholders are not ambient, so only the scope is checked.
func (m *Manager) checkOwner(ctx context.Context, tx *Transaction) error {
	s := scopeFrom(ctx)
	if s == nil || s != tx.owner {
		return fmt.Errorf("%w: tx %d finalized outside its owning scope", ErrInvalidTransactionState, tx.id)
	}
	if tx.active && s.get(m) != tx {
		return fmt.Errorf("%w: tx %d is not the current transaction", ErrInvalidTransactionState, tx.id)
	}
	return nil
}

// complete commits or rolls back every resource of tx, ends all of them,
// moves tx to its terminal status, drops it from the live set and restores
// the suspended ambient transaction. It runs exactly once per transaction.
//
// Every resource gets its commit attempted even after a failure. If any
// fails, tx is marked rollback-only with the first failure as cause and ends
// UNKNOWN, since earlier resources may already be durable.
func (m *Manager) complete(ctx context.Context, tx *Transaction, doCommit bool) error {
	var errs error
	status := StatusRolledBack
	if doCommit {
		status = StatusCommitted
	}

	if tx.active {
		for _, e := range tx.resources {
			typ := e.binding.resourceType()
			if doCommit {
				if err := e.binding.commit(ctx, e.resource); err != nil {
					err = fmt.Errorf("commit %s: %w", typ, err)
					tx.MarkRollbackOnly(err)
					errs = multierr.Append(errs, err)
					status = StatusUnknown
				}
				continue
			}
			if err := e.binding.rollback(ctx, e.resource); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("rollback %s: %w", typ, err))
			}
		}
	}
	for _, e := range tx.resources {
		e.binding.end(ctx, e.resource)
	}
	tx.resources = nil
	tx.index = nil
	tx.status = status

	if _, loaded := m.live.LoadAndDelete(tx.id); loaded {
		m.liveCount.Add(-1)
	}
	m.restore(tx)
	return errs
}

func (m *Manager) restore(tx *Transaction) {
	if tx.active {
		tx.owner.swap(m, tx, tx.suspended)
		return
	}
	if tx.restores {
		tx.owner.set(m, tx.suspended)
	}
}

// Close rolls back every live transaction and drops all resource managers,
// closing those that implement Close() error. Intended for shutdown: not
// safe while other goroutines are still transacting.
func (m *Manager) Close(ctx context.Context) error {
	var errs error
	var rolledBack int

	m.live.Range(func(_, v any) bool {
		tx := v.(*Transaction)
		if tx.status == StatusActive {
			rolledBack++
			if err := m.complete(ctx, tx, false); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("rollback tx %d: %w", tx.id, err))
			}
		}
		return true
	})

	for typ, b := range m.resourceManagers {
		if err := b.close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", typ, err))
		}
	}
	m.resourceManagers = make(map[reflect.Type]binding)

	m.log.WithContext(ctx).Infow("transaction manager closed", "rolled_back", rolledBack)
	return errs
}
