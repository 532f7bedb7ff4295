// Package worksession provides an in-memory resource with staged writes.
//
// A Store holds one persisted value. Sessions begun inside an active
// transaction stage their writes (prefixed with the session number) until
// the transaction commits; sessions begun for placeholders write through.
package worksession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"txprop/pkg/jtx"
)

var (
	ErrSessionClosed = errors.New("worksession: session closed")
	ErrStoreClosed   = errors.New("worksession: store closed")
)

// Store is the persisted state and the jtx.ResourceManager of *Session.
type Store struct {
	mu    sync.Mutex
	value string

	sessions atomic.Int64 // last session number
	active   atomic.Int64 // begun, not yet ended
	commits  atomic.Int64
	closed   atomic.Bool

	failMu     sync.Mutex
	failCommit error
}

var _ jtx.ResourceManager[*Session] = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Value returns the persisted value.
func (s *Store) Value() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

func (s *Store) persist(v string) {
	s.mu.Lock()
	s.value = v
	s.mu.Unlock()
}

// ActiveSessions returns the number of sessions begun and not yet ended.
func (s *Store) ActiveSessions() int {
	return int(s.active.Load())
}

// Commits returns the number of successful session commits.
func (s *Store) Commits() int {
	return int(s.commits.Load())
}

// FailNextCommit makes the next Commit return err without persisting.
func (s *Store) FailNextCommit(err error) {
	s.failMu.Lock()
	s.failCommit = err
	s.failMu.Unlock()
}

func (s *Store) takeCommitFailure() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	err := s.failCommit
	s.failCommit = nil
	return err
}

// Begin opens a session bound to a transaction of the given mode.
func (s *Store) Begin(_ context.Context, mode jtx.Mode, active bool) (*Session, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	s.active.Add(1)
	return &Session{
		store:         s,
		number:        s.sessions.Add(1),
		readOnly:      mode.ReadOnly(),
		transactional: active,
	}, nil
}

// Commit persists the staged write of sess, if any.
func (s *Store) Commit(_ context.Context, sess *Session) error {
	if err := s.takeCommitFailure(); err != nil {
		return err
	}
	if sess.dirty {
		s.persist(sess.staged)
	}
	sess.reset()
	s.commits.Add(1)
	return nil
}

// Rollback discards the staged write of sess.
func (s *Store) Rollback(_ context.Context, sess *Session) error {
	sess.reset()
	return nil
}

// End releases sess.
func (s *Store) End(_ context.Context, sess *Session) {
	if sess.closed {
		return
	}
	sess.closed = true
	s.active.Add(-1)
}

// Close refuses new sessions.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// Session is a unit of access to a Store. Not safe for concurrent use.
type Session struct {
	store         *Store
	number        int64
	readOnly      bool
	transactional bool

	staged string
	dirty  bool
	closed bool
}

// Number identifies the session within its store.
func (sess *Session) Number() int64 { return sess.number }

// Transactional reports whether writes are staged until commit.
func (sess *Session) Transactional() bool { return sess.transactional }

// Write stores v: staged as "[n] v" inside a transaction, persisted
// immediately otherwise.
func (sess *Session) Write(v string) error {
	if sess.closed {
		return ErrSessionClosed
	}
	if sess.readOnly {
		return fmt.Errorf("%w: session %d", jtx.ErrReadOnlyViolation, sess.number)
	}
	if !sess.transactional {
		sess.store.persist(v)
		return nil
	}
	sess.staged = fmt.Sprintf("[%d] %s", sess.number, v)
	sess.dirty = true
	return nil
}

// Read returns the staged value if there is one, else the persisted value.
func (sess *Session) Read() string {
	if sess.dirty {
		return sess.staged
	}
	return sess.store.Value()
}

func (sess *Session) reset() {
	sess.staged = ""
	sess.dirty = false
}
