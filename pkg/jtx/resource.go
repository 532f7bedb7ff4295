package jtx

import (
	"context"
	"reflect"
)

// ResourceManager creates and finalizes resources of type T on behalf of transactions.
//
// Begin is called at most once per transaction for a given T; the returned
// resource is shared by every participant of that transaction. When active is
// false the transaction is a placeholder and the resource must run without
// transactional wrapping. Resources created under a read-only mode must fail
// mutations with ErrReadOnlyViolation.
//
// End is always called exactly once per begun resource, after Commit or
// Rollback (or on its own for placeholders).
type ResourceManager[T any] interface {
	Begin(ctx context.Context, mode Mode, active bool) (T, error)
	Commit(ctx context.Context, resource T) error
	Rollback(ctx context.Context, resource T) error
	End(ctx context.Context, resource T)
}

// binding erases T so resource managers can live in one type-keyed table.
type binding interface {
	resourceType() reflect.Type
	begin(ctx context.Context, mode Mode, active bool) (any, error)
	commit(ctx context.Context, resource any) error
	rollback(ctx context.Context, resource any) error
	end(ctx context.Context, resource any)
	close() error
}

type typedBinding[T any] struct {
	rm ResourceManager[T]
}

func (b typedBinding[T]) resourceType() reflect.Type {
	return reflect.TypeFor[T]()
}

func (b typedBinding[T]) begin(ctx context.Context, mode Mode, active bool) (any, error) {
	return b.rm.Begin(ctx, mode, active)
}

func (b typedBinding[T]) commit(ctx context.Context, resource any) error {
	return b.rm.Commit(ctx, resource.(T))
}

func (b typedBinding[T]) rollback(ctx context.Context, resource any) error {
	return b.rm.Rollback(ctx, resource.(T))
}

func (b typedBinding[T]) end(ctx context.Context, resource any) {
	b.rm.End(ctx, resource.(T))
}

func (b typedBinding[T]) close() error {
	if c, ok := b.rm.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// resourceEntry is a resource attached to a transaction.
type resourceEntry struct {
	binding  binding
	resource any
}
