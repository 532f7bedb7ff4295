package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/multierr"

	"txprop/internal/domain/ledger"
	"txprop/internal/infrastructure/storage/memory"
	"txprop/internal/infrastructure/storage/postgres"
	"txprop/internal/infrastructure/storage/postgres/ledger_repo"
	"txprop/pkg/jtx"
	"txprop/pkg/logger"
)

// SQLSTATEs of transfers that lost a race and may simply be retried.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// backend is a ledger service together with the storage it runs on.
type backend struct {
	name    string
	manager *jtx.Manager
	ledger  *ledger.Service

	// conflict reports whether err means the transfer lost a race.
	conflict func(err error) bool
	// journal returns the audit entries of one transfer.
	journal func(ctx context.Context, transferID uuid.UUID) ([]ledger.AuditEntry, error)
	release func(ctx context.Context)
}

// Close rolls back whatever is still live and releases the storage.
func (b *backend) Close(ctx context.Context) error {
	err := b.manager.Close(ctx)
	if b.release != nil {
		b.release(ctx)
	}
	return err
}

func newMemoryBackend(cfg config, log *logger.Logger) (*backend, error) {
	m := jtx.NewManager(cfg.Manager, log)
	store := memory.NewLedgerStore()
	if err := jtx.Register[*memory.LedgerSession](m, store); err != nil {
		return nil, err
	}

	return &backend{
		name:    "memory",
		manager: m,
		ledger:  ledger.NewService(jtx.NewWorker(m), ledger.Provide[*memory.LedgerSession](m), cfg.ledgerConfig(), log),
		conflict: func(err error) bool {
			return errors.Is(err, memory.ErrConflict)
		},
		journal: func(_ context.Context, transferID uuid.UUID) ([]ledger.AuditEntry, error) {
			var entries []ledger.AuditEntry
			for _, e := range store.Audit() {
				if e.TransferID == transferID {
					entries = append(entries, e)
				}
			}
			return entries, nil
		},
	}, nil
}

func newPostgresBackend(ctx context.Context, cfg config, log *logger.Logger) (*backend, error) {
	poolCfg := cfg.poolConfig()
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnTimeout)
	defer cancel()
	pool, err := postgres.NewPool(connectCtx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := ledger_repo.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	m := jtx.NewManager(cfg.Manager, log)
	sessions := postgres.NewSessionManager(pool, postgres.DefaultSessionOptions())
	if err := jtx.Register[*postgres.Session](m, sessions); err != nil {
		pool.Close()
		return nil, multierr.Append(err, m.Close(ctx))
	}

	repo := ledger_repo.New(pool)
	return &backend{
		name:     "postgres",
		manager:  m,
		ledger:   ledger.NewService(jtx.NewWorker(m), ledger_repo.Provide(m), cfg.ledgerConfig(), log),
		conflict: isPgConflict,
		journal:  repo.Audit,
		release: func(ctx context.Context) {
			pool.LogStats(ctx)
			pool.Close()
		},
	}, nil
}

// poolConfig sizes the pool from the worker count unless DB_MAX_CONNS is set.
func (c config) poolConfig() postgres.PoolConfig {
	poolCfg := postgres.PoolConfigForWorkers(c.DatabaseURL, c.Workers)
	if c.MaxConns > 0 {
		poolCfg.MaxConns = int32(c.MaxConns)
		poolCfg.MinConns = min(poolCfg.MinConns, poolCfg.MaxConns)
	}
	poolCfg.ApplicationName = "txbench"
	return poolCfg
}

func isPgConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}

// describe is used in failure messages.
func (b *backend) describe() string {
	return fmt.Sprintf("%s backend, %d live transactions", b.name, b.manager.TotalTransactions())
}
