// Package memory provides an in-memory ledger store for tests and benchmarks.
//
// Sessions begun inside an active transaction buffer their changes and
// validate them optimistically at commit: a commit fails with ErrConflict
// if an account the session read was changed by another commit in the
// meantime.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"txprop/internal/domain/ledger"
	"txprop/pkg/jtx"
)

var (
	ErrConflict      = errors.New("memory: concurrent update")
	ErrSessionClosed = errors.New("memory: session closed")
)

type account struct {
	balance decimal.Decimal
	version uint64
}

// LedgerStore holds committed balances and the audit journal.
type LedgerStore struct {
	mu       sync.Mutex
	accounts map[string]*account
	audit    []ledger.AuditEntry

	active    atomic.Int64
	conflicts atomic.Int64
}

var _ jtx.ResourceManager[*LedgerSession] = (*LedgerStore)(nil)

// NewLedgerStore creates an empty store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{accounts: make(map[string]*account)}
}

// Audit returns a copy of the committed journal.
func (s *LedgerStore) Audit() []ledger.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.audit)
}

// Total returns the sum of all committed balances.
func (s *LedgerStore) Total() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, a := range s.accounts {
		total = total.Add(a.balance)
	}
	return total
}

// ActiveSessions returns the number of sessions begun and not yet ended.
func (s *LedgerStore) ActiveSessions() int { return int(s.active.Load()) }

// Conflicts returns the number of commits refused with ErrConflict.
func (s *LedgerStore) Conflicts() int { return int(s.conflicts.Load()) }

// Begin opens a session for a transaction of the given mode.
func (s *LedgerStore) Begin(_ context.Context, mode jtx.Mode, active bool) (*LedgerSession, error) {
	s.active.Add(1)
	return &LedgerSession{
		store:         s,
		readOnly:      mode.ReadOnly(),
		transactional: active,
		reads:         make(map[string]uint64),
		deltas:        make(map[string]decimal.Decimal),
		created:       make(map[string]decimal.Decimal),
	}, nil
}

// Commit validates the session's reads and applies its changes atomically.
func (s *LedgerStore) Commit(_ context.Context, sess *LedgerSession) error {
	if !sess.transactional {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, seen := range sess.reads {
		a, ok := s.accounts[id]
		if !ok || a.version != seen {
			s.conflicts.Add(1)
			return fmt.Errorf("%w: account %s", ErrConflict, id)
		}
	}
	for id := range sess.created {
		if _, ok := s.accounts[id]; ok {
			return fmt.Errorf("%w: %s", ledger.ErrAccountExists, id)
		}
	}

	for id, balance := range sess.created {
		s.accounts[id] = &account{balance: balance, version: 1}
	}
	for id, delta := range sess.deltas {
		a := s.accounts[id]
		a.balance = a.balance.Add(delta)
		a.version++
	}
	s.audit = append(s.audit, sess.audit...)
	sess.reset()
	return nil
}

// Rollback drops the session's buffered changes.
func (s *LedgerStore) Rollback(_ context.Context, sess *LedgerSession) error {
	sess.reset()
	return nil
}

// End releases sess.
func (s *LedgerStore) End(_ context.Context, sess *LedgerSession) {
	if sess.closed {
		return
	}
	sess.closed = true
	s.active.Add(-1)
}

// LedgerSession implements ledger.Store. Not safe for concurrent use.
type LedgerSession struct {
	store         *LedgerStore
	readOnly      bool
	transactional bool
	closed        bool

	reads   map[string]uint64 // account -> version the session based its view on
	deltas  map[string]decimal.Decimal
	created map[string]decimal.Decimal
	audit   []ledger.AuditEntry
}

var _ ledger.Store = (*LedgerSession)(nil)

func (sess *LedgerSession) reset() {
	clear(sess.reads)
	clear(sess.deltas)
	clear(sess.created)
	sess.audit = nil
}

func (sess *LedgerSession) writable() error {
	if sess.closed {
		return ErrSessionClosed
	}
	if sess.readOnly {
		return fmt.Errorf("%w: ledger session", jtx.ErrReadOnlyViolation)
	}
	return nil
}

// committed returns the committed balance of id and records the version seen.
// The caller holds store.mu.
func (sess *LedgerSession) committed(id string) (decimal.Decimal, bool) {
	a, ok := sess.store.accounts[id]
	if !ok {
		return decimal.Zero, false
	}
	if sess.transactional {
		if _, seen := sess.reads[id]; !seen {
			sess.reads[id] = a.version
		}
	}
	return a.balance, true
}

// Balance implements ledger.Store.
func (sess *LedgerSession) Balance(_ context.Context, id string) (decimal.Decimal, error) {
	if sess.closed {
		return decimal.Zero, ErrSessionClosed
	}
	if initial, ok := sess.created[id]; ok {
		return initial.Add(sess.deltas[id]), nil
	}

	sess.store.mu.Lock()
	defer sess.store.mu.Unlock()
	balance, ok := sess.committed(id)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	return balance.Add(sess.deltas[id]), nil
}

// Apply implements ledger.Store.
func (sess *LedgerSession) Apply(_ context.Context, id string, delta decimal.Decimal) error {
	if err := sess.writable(); err != nil {
		return err
	}
	if _, ok := sess.created[id]; ok {
		sess.deltas[id] = sess.deltas[id].Add(delta)
		return nil
	}

	sess.store.mu.Lock()
	defer sess.store.mu.Unlock()
	if _, ok := sess.committed(id); !ok {
		return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	if !sess.transactional {
		a := sess.store.accounts[id]
		a.balance = a.balance.Add(delta)
		a.version++
		return nil
	}
	sess.deltas[id] = sess.deltas[id].Add(delta)
	return nil
}

// AppendAudit implements ledger.Store.
func (sess *LedgerSession) AppendAudit(_ context.Context, entry ledger.AuditEntry) error {
	if err := sess.writable(); err != nil {
		return err
	}
	if !sess.transactional {
		sess.store.mu.Lock()
		sess.store.audit = append(sess.store.audit, entry)
		sess.store.mu.Unlock()
		return nil
	}
	sess.audit = append(sess.audit, entry)
	return nil
}

// CreateAccount implements ledger.Store.
func (sess *LedgerSession) CreateAccount(_ context.Context, acc ledger.Account) error {
	if err := sess.writable(); err != nil {
		return err
	}
	if _, ok := sess.created[acc.ID]; ok {
		return fmt.Errorf("%w: %s", ledger.ErrAccountExists, acc.ID)
	}

	sess.store.mu.Lock()
	defer sess.store.mu.Unlock()
	if _, ok := sess.store.accounts[acc.ID]; ok {
		return fmt.Errorf("%w: %s", ledger.ErrAccountExists, acc.ID)
	}
	if !sess.transactional {
		sess.store.accounts[acc.ID] = &account{balance: acc.Balance, version: 1}
		return nil
	}
	sess.created[acc.ID] = acc.Balance
	return nil
}
