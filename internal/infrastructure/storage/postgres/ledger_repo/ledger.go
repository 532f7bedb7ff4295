// Package ledger_repo provides the PostgreSQL implementation of ledger.Store.
// A Repo works on whatever the ambient jtx transaction hands out: a pgx
// transaction for active transactions, the pool in auto-commit otherwise.
package ledger_repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"txprop/internal/domain/ledger"
	"txprop/internal/infrastructure/storage/postgres"
	"txprop/pkg/jtx"
)

const (
	accountsTable = "ledger_accounts"
	auditTable    = "ledger_audit"

	pgUniqueViolation = "23505"
)

// Schema creates the ledger tables.
const Schema = `
CREATE TABLE IF NOT EXISTS ledger_accounts (
	id         TEXT PRIMARY KEY,
	balance    NUMERIC(20, 4) NOT NULL CHECK (balance >= 0),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS ledger_audit (
	id           UUID PRIMARY KEY,
	transfer_id  UUID NOT NULL,
	from_account TEXT NOT NULL,
	to_account   TEXT NOT NULL,
	amount       NUMERIC(20, 4) NOT NULL,
	status       TEXT NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS ledger_audit_transfer_idx ON ledger_audit (transfer_id);
`

var auditCols = postgres.ExtractDBColumns[ledger.AuditEntry]()

// EnsureSchema creates the ledger tables if they do not exist.
func EnsureSchema(ctx context.Context, q postgres.Querier) error {
	if _, err := q.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create ledger schema: %w", err)
	}
	return nil
}

// Repo implements ledger.Store over a single querier.
type Repo struct {
	q postgres.Querier
}

var _ ledger.Store = (*Repo)(nil)

// New creates a repository bound to q.
func New(q postgres.Querier) *Repo {
	return &Repo{q: q}
}

// Provide returns a ledger.StoreProvider over the ambient postgres session.
func Provide(m *jtx.Manager) ledger.StoreProvider {
	return func(ctx context.Context) (ledger.Store, error) {
		sess, err := jtx.CurrentResource[*postgres.Session](ctx, m)
		if err != nil {
			return nil, err
		}
		return New(sess), nil
	}
}

// Builder returns a new squirrel builder with PostgreSQL placeholder format.
func Builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// Balance implements ledger.Store.
func (r *Repo) Balance(ctx context.Context, account string) (decimal.Decimal, error) {
	sql, args, err := balanceQuery(account).ToSql()
	if err != nil {
		return decimal.Zero, fmt.Errorf("build balance query: %w", err)
	}

	var balance decimal.Decimal
	if err := pgxscan.Get(ctx, r.q, &balance, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return decimal.Zero, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, account)
		}
		return decimal.Zero, fmt.Errorf("get balance of %s: %w", account, err)
	}
	return balance, nil
}

// Apply implements ledger.Store. A debit that would overdraw the account
// fails with ledger.ErrInsufficientFunds.
func (r *Repo) Apply(ctx context.Context, account string, delta decimal.Decimal) error {
	sql, args, err := applyQuery(account, delta).ToSql()
	if err != nil {
		return fmt.Errorf("build apply query: %w", err)
	}

	tag, err := r.q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("apply %s to %s: %w", delta, account, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	if _, err := r.Balance(ctx, account); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s cannot cover %s", ledger.ErrInsufficientFunds, account, delta.Neg())
}

// AppendAudit implements ledger.Store.
func (r *Repo) AppendAudit(ctx context.Context, entry ledger.AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = ledger.NewID()
	}
	sql, args, err := Builder().Insert(auditTable).SetMap(postgres.StructToMap(entry)).ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert: %w", err)
	}
	if _, err := r.q.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("append audit %s: %w", entry.ID, err)
	}
	return nil
}

// CreateAccount implements ledger.Store.
func (r *Repo) CreateAccount(ctx context.Context, account ledger.Account) error {
	sql, args, err := Builder().
		Insert(accountsTable).
		Columns("id", "balance").
		Values(account.ID, account.Balance).
		ToSql()
	if err != nil {
		return fmt.Errorf("build account insert: %w", err)
	}

	if _, err := r.q.Exec(ctx, sql, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ledger.ErrAccountExists, account.ID)
		}
		return fmt.Errorf("create account %s: %w", account.ID, err)
	}
	return nil
}

// Accounts lists all accounts ordered by id.
func (r *Repo) Accounts(ctx context.Context) ([]ledger.Account, error) {
	sql, args, err := Builder().Select("id", "balance").From(accountsTable).OrderBy("id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build accounts query: %w", err)
	}

	var accounts []ledger.Account
	if err := pgxscan.Select(ctx, r.q, &accounts, sql, args...); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// Audit returns the journal entries of one transfer, oldest first.
func (r *Repo) Audit(ctx context.Context, transferID uuid.UUID) ([]ledger.AuditEntry, error) {
	sql, args, err := auditQuery(transferID).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build audit query: %w", err)
	}

	var entries []ledger.AuditEntry
	if err := pgxscan.Select(ctx, r.q, &entries, sql, args...); err != nil {
		return nil, fmt.Errorf("list audit of %s: %w", transferID, err)
	}
	return entries, nil
}

func balanceQuery(account string) squirrel.SelectBuilder {
	return Builder().Select("balance").From(accountsTable).Where(squirrel.Eq{"id": account})
}

func applyQuery(account string, delta decimal.Decimal) squirrel.UpdateBuilder {
	q := Builder().
		Update(accountsTable).
		Set("balance", squirrel.Expr("balance + ?", delta)).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": account})
	if delta.IsNegative() {
		q = q.Where("balance >= ?", delta.Neg())
	}
	return q
}

func auditQuery(transferID uuid.UUID) squirrel.SelectBuilder {
	return Builder().
		Select(auditCols...).
		From(auditTable).
		Where(squirrel.Eq{"transfer_id": transferID}).
		OrderBy("created_at", "id")
}
