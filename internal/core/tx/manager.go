// Package tx provides transaction management abstractions.
// Domain services depend on these interfaces, not on the jtx engine or on a
// specific storage technology.
package tx

import (
	"context"

	"txprop/pkg/jtx"
)

// Runner runs a unit of work inside a transaction.
//
// Nested calls follow mode's propagation: REQUIRED joins the caller's
// transaction, REQUIRES_NEW gets its own. Only the call that created the
// transaction commits it; a failure in a nested call dooms the whole
// transaction.
type Runner interface {
	RunInTransaction(ctx context.Context, mode jtx.Mode, fn func(ctx context.Context) error) error
}

// Compile-time check that the jtx worker satisfies Runner.
var _ Runner = (*jtx.Worker)(nil)

// ReadOnly runs fn in a read-only transaction that joins the caller's one, if any.
func ReadOnly(ctx context.Context, r Runner, fn func(ctx context.Context) error) error {
	return r.RunInTransaction(ctx, jtx.NewMode(jtx.PropagationSupports, true), fn)
}
