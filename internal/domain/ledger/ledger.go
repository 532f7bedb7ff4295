// Package ledger moves money between accounts on top of propagated
// transactions. Transfers join the caller's transaction; audit entries are
// written in their own transaction so that a rejected transfer still leaves
// a trace.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"txprop/pkg/jtx"
)

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrAccountNotFound   = errors.New("ledger: account not found")
	ErrInvalidAmount     = errors.New("ledger: amount must be positive")
	ErrSameAccount       = errors.New("ledger: source and destination are the same account")
	ErrAccountExists     = errors.New("ledger: account already exists")
)

// AuditStatus is the outcome recorded for a transfer.
type AuditStatus string

const (
	AuditApplied  AuditStatus = "applied"
	AuditRejected AuditStatus = "rejected"
)

// Account is a balance holder.
type Account struct {
	ID      string          `db:"id"`
	Balance decimal.Decimal `db:"balance"`
}

// AuditEntry is one line of the transfer journal.
type AuditEntry struct {
	ID          uuid.UUID       `db:"id"`
	TransferID  uuid.UUID       `db:"transfer_id"`
	FromAccount string          `db:"from_account"`
	ToAccount   string          `db:"to_account"`
	Amount      decimal.Decimal `db:"amount"`
	Status      AuditStatus     `db:"status"`
	Reason      string          `db:"reason"`
	CreatedAt   time.Time       `db:"created_at"`
}

// Store is the ledger storage bound to one transaction.
type Store interface {
	// Balance returns ErrAccountNotFound for unknown accounts.
	Balance(ctx context.Context, account string) (decimal.Decimal, error)
	// Apply adds delta to the account balance.
	Apply(ctx context.Context, account string, delta decimal.Decimal) error
	AppendAudit(ctx context.Context, entry AuditEntry) error
	// CreateAccount fails if the account already exists.
	CreateAccount(ctx context.Context, account Account) error
}

// StoreProvider returns the Store of the transaction ctx participates in.
type StoreProvider func(ctx context.Context) (Store, error)

// NewID returns a time-ordered UUIDv7, falling back to a random UUID if the
// clock source fails.
func NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// Provide returns a StoreProvider over the jtx resource of type T.
func Provide[T Store](m *jtx.Manager) StoreProvider {
	return func(ctx context.Context) (Store, error) {
		store, err := jtx.CurrentResource[T](ctx, m)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}
