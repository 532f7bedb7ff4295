package jtx

import "errors"

var (
	// ErrNoTransaction is returned for MANDATORY propagation without an ambient transaction.
	ErrNoTransaction = errors.New("jtx: no existing transaction for propagation MANDATORY")

	// ErrTransactionExists is returned for NEVER propagation with an ambient transaction.
	ErrTransactionExists = errors.New("jtx: existing transaction for propagation NEVER")

	// ErrReadOnlyViolation is returned by resources when a mutation is attempted
	// inside a read-only transaction.
	ErrReadOnlyViolation = errors.New("jtx: mutation in read-only transaction")

	// ErrRollbackOnly is returned by Commit when the transaction was marked
	// rollback-only. The rollback has already been performed.
	ErrRollbackOnly = errors.New("jtx: transaction marked rollback-only")

	// ErrInvalidTransactionState is returned when a transaction is finalized twice,
	// finalized by a non-owner, or used after completion.
	ErrInvalidTransactionState = errors.New("jtx: invalid transaction state")

	// ErrResourceManagerNotRegistered is returned when no ResourceManager serves a resource type.
	ErrResourceManagerNotRegistered = errors.New("jtx: resource manager not registered")

	// ErrResourceManagerExists is returned on duplicate registration, or on a second
	// registration when the manager is configured for a single resource manager.
	ErrResourceManagerExists = errors.New("jtx: resource manager already registered")

	// ErrIncompatibleMode is returned when joining an ambient transaction whose
	// mode conflicts with the requested one (see Config.ValidateExistingTransaction).
	ErrIncompatibleMode = errors.New("jtx: incompatible transaction mode")

	// ErrTooManyResources is returned when Config.MaxResourcesPerTransaction is exceeded.
	ErrTooManyResources = errors.New("jtx: too many resources in transaction")

	// ErrNoScope is returned when ctx carries no execution scope (see WithScope).
	ErrNoScope = errors.New("jtx: no execution scope in context")
)
