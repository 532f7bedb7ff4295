package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"txprop/pkg/jtx"
	"txprop/pkg/logger"
)

var tracer = otel.Tracer("txprop/postgres")

// Compile-time check that SessionManager plugs into the jtx engine.
var _ jtx.ResourceManager[*Session] = (*SessionManager)(nil)

// pgReadOnlyTransaction is SQLSTATE read_only_sql_transaction.
const pgReadOnlyTransaction = "25006"

// Querier is implemented by both pgx.Tx and pgxpool.Pool.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// txBeginner is implemented by pgxpool.Pool.
type txBeginner interface {
	Querier
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// SessionOptions configures sessions opened by SessionManager.
type SessionOptions struct {
	// StatementTimeout protects against long-running queries when the
	// transaction mode carries no timeout of its own (0 = none).
	StatementTimeout time.Duration
}

// DefaultSessionOptions returns production-safe defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{StatementTimeout: 30 * time.Second}
}

// SessionManager opens one pgx transaction per jtx transaction.
//
// Placeholder transactions (SUPPORTS/NOT_SUPPORTED/NEVER without an ambient
// transaction) get sessions that run statements directly on the pool in
// auto-commit mode. Read-only placeholders run inside a READ ONLY pgx
// transaction instead, so postgres refuses writes whatever the statement.
type SessionManager struct {
	db   txBeginner
	opts SessionOptions
}

// NewSessionManager creates a session manager over pool.
func NewSessionManager(pool *Pool, opts SessionOptions) *SessionManager {
	return &SessionManager{db: pool.Pool, opts: opts}
}

// NewSessionManagerFromRawPool creates a session manager from raw pgxpool.Pool.
func NewSessionManagerFromRawPool(pool *pgxpool.Pool, opts SessionOptions) *SessionManager {
	return &SessionManager{db: pool, opts: opts}
}

// Session is the database resource of one jtx transaction.
type Session struct {
	tx            pgx.Tx // nil for auto-commit sessions
	db            Querier
	readOnly      bool
	transactional bool
	ended         bool
}

// Begin starts a pgx transaction configured from mode.
func (m *SessionManager) Begin(ctx context.Context, mode jtx.Mode, active bool) (*Session, error) {
	if !active && !mode.ReadOnly() {
		return &Session{db: m.db}, nil
	}

	ctx, span := tracer.Start(ctx, "postgres.begin", trace.WithAttributes(
		attribute.String("tx.isolation", mode.Isolation().String()),
		attribute.Bool("tx.read_only", mode.ReadOnly()),
		attribute.Bool("tx.placeholder", !active),
	))
	defer span.End()

	tx, err := m.db.BeginTx(ctx, TxOptions(mode))
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	if timeout := statementTimeout(mode, m.opts); timeout > 0 {
		_, err = tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", timeout.Milliseconds()))
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("set statement_timeout: %w", err)
		}
	}

	return &Session{tx: tx, db: m.db, readOnly: mode.ReadOnly(), transactional: active}, nil
}

// Commit commits the session's pgx transaction.
func (m *SessionManager) Commit(ctx context.Context, s *Session) error {
	if s.tx == nil {
		return nil
	}
	if err := s.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", mapError(err))
	}
	return nil
}

// Rollback rolls back the session's pgx transaction.
// It completes even if ctx was cancelled.
func (m *SessionManager) Rollback(ctx context.Context, s *Session) error {
	if s.tx == nil {
		return nil
	}
	if err := s.tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

// End makes sure no pgx transaction outlives its session.
func (m *SessionManager) End(ctx context.Context, s *Session) {
	if s.ended {
		return
	}
	s.ended = true
	if s.tx == nil {
		return
	}
	if err := s.tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		logger.Warn(ctx, "release of unfinished transaction failed", "error", err)
	}
}

// TxOptions maps a jtx mode to pgx transaction options.
func TxOptions(mode jtx.Mode) pgx.TxOptions {
	opts := pgx.TxOptions{AccessMode: pgx.ReadWrite}
	if mode.ReadOnly() {
		opts.AccessMode = pgx.ReadOnly
	}
	switch mode.Isolation() {
	case jtx.IsolationReadUncommitted:
		opts.IsoLevel = pgx.ReadUncommitted
	case jtx.IsolationReadCommitted:
		opts.IsoLevel = pgx.ReadCommitted
	case jtx.IsolationRepeatableRead:
		opts.IsoLevel = pgx.RepeatableRead
	case jtx.IsolationSerializable:
		opts.IsoLevel = pgx.Serializable
	}
	return opts
}

func statementTimeout(mode jtx.Mode, opts SessionOptions) time.Duration {
	if t := mode.Timeout(); t > 0 {
		return t
	}
	return opts.StatementTimeout
}

// Transactional reports whether the session belongs to an active jtx
// transaction, as opposed to a placeholder.
func (s *Session) Transactional() bool { return s.transactional }

func (s *Session) querier() Querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *Session) usable() error {
	if s.ended {
		return fmt.Errorf("%w: session ended", jtx.ErrInvalidTransactionState)
	}
	return nil
}

// Exec runs a mutating statement. Read-only sessions refuse it up front.
func (s *Session) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if s.readOnly {
		return pgconn.CommandTag{}, fmt.Errorf("%w: %s", jtx.ErrReadOnlyViolation, sql)
	}
	if err := s.usable(); err != nil {
		return pgconn.CommandTag{}, err
	}
	tag, err := s.querier().Exec(ctx, sql, args...)
	return tag, mapError(err)
}

// Query runs a query returning rows. Writes from read-only sessions are
// refused by postgres and reported as jtx.ErrReadOnlyViolation.
func (s *Session) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	rows, err := s.querier().Query(ctx, sql, args...)
	return rows, mapError(err)
}

// QueryRow runs a query returning at most one row.
func (s *Session) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if err := s.usable(); err != nil {
		return errRow{err: err}
	}
	return mappedRow{row: s.querier().QueryRow(ctx, sql, args...)}
}

// errRow is a pgx.Row that fails every Scan.
type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

// mappedRow applies mapError to the result of Scan.
type mappedRow struct{ row pgx.Row }

func (r mappedRow) Scan(dest ...any) error { return mapError(r.row.Scan(dest...)) }

// mapError turns postgres' read-only refusal into jtx.ErrReadOnlyViolation.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgReadOnlyTransaction {
		return fmt.Errorf("%w: %w", jtx.ErrReadOnlyViolation, err)
	}
	return err
}
