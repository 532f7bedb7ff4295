package jtx

import (
	"context"
	"sync"
)

// scope is the ambient slot of one execution context (one goroutine's call stack).
// It holds the current transaction per manager.
type scope struct {
	mu      sync.Mutex
	current map[*Manager]*Transaction
}

// scopeKey is the context key for the execution scope.
type scopeKey struct{}

// WithScope returns a child of ctx carrying a fresh, empty ambient slot.
//
// Every goroutine that transacts must run under its own scope; nested calls on
// the same goroutine share it by passing ctx down. Sharing one scope between
// goroutines that transact concurrently makes them join each other.
func WithScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, scopeKey{}, &scope{current: make(map[*Manager]*Transaction)})
}

// HasScope reports whether ctx carries an execution scope.
func HasScope(ctx context.Context) bool {
	return scopeFrom(ctx) != nil
}

func scopeFrom(ctx context.Context) *scope {
	if s, ok := ctx.Value(scopeKey{}).(*scope); ok {
		return s
	}
	return nil
}

func (s *scope) get(m *Manager) *Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current[m]
}

func (s *scope) set(m *Manager, tx *Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx == nil {
		delete(s.current, m)
		return
	}
	s.current[m] = tx
}

// swap replaces the current transaction only if it is still old.
func (s *scope) swap(m *Manager, old, tx *Transaction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current[m] != old {
		return false
	}
	if tx == nil {
		delete(s.current, m)
	} else {
		s.current[m] = tx
	}
	return true
}
