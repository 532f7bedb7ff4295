package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"txprop/internal/domain/ledger"
	"txprop/pkg/logger"
)

// ErrInvariant is returned when the ledger is inconsistent after a run.
var ErrInvariant = errors.New("txbench: ledger invariant violated")

type report struct {
	Applied   int64
	Rejected  int64
	Conflicts int64
	Elapsed   time.Duration
}

// Throughput is finished transfers per second.
func (r report) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Applied+r.Rejected+r.Conflicts) / r.Elapsed.Seconds()
}

// run opens cfg.Accounts fresh accounts, lets cfg.Workers goroutines
// transfer money between them and verifies the result. An interrupted run
// still verifies balances.
func run(ctx context.Context, cfg config, b *backend, log *logger.Logger) (report, error) {
	var rep report

	accounts, err := openAccounts(ctx, cfg, b)
	if err != nil {
		return rep, err
	}

	var applied, rejected, conflicts atomic.Int64
	lastTransfer := make([]uuid.UUID, cfg.Workers)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Workers; w++ {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(cfg.Seed, uint64(w)))
			for i := 0; i < cfg.Transfers; i++ {
				if gctx.Err() != nil {
					return nil
				}
				from := rng.IntN(len(accounts))
				to := (from + 1 + rng.IntN(len(accounts)-1)) % len(accounts)
				amount := decimal.NewFromInt(1 + rng.Int64N(cfg.MaxAmount))

				id, err := b.ledger.Transfer(gctx, accounts[from], accounts[to], amount)
				if id != uuid.Nil {
					lastTransfer[w] = id
				}
				switch {
				case err == nil:
					applied.Add(1)
				case errors.Is(err, ledger.ErrInsufficientFunds):
					rejected.Add(1)
				case b.conflict(err):
					conflicts.Add(1)
				case gctx.Err() != nil:
					return nil
				default:
					return fmt.Errorf("worker %d, transfer %d: %w", w, i, err)
				}
			}
			return nil
		})
	}
	err = g.Wait()

	rep = report{
		Applied:   applied.Load(),
		Rejected:  rejected.Load(),
		Conflicts: conflicts.Load(),
		Elapsed:   time.Since(start),
	}
	if err != nil {
		return rep, err
	}

	verifyCtx := context.WithoutCancel(ctx)
	if err := verifyBalances(verifyCtx, cfg, b, accounts); err != nil {
		return rep, err
	}
	if ctx.Err() != nil {
		log.Warnw("run interrupted, journal check skipped", "error", ctx.Err())
		return rep, nil
	}
	return rep, verifyJournal(verifyCtx, b, lastTransfer)
}

func openAccounts(ctx context.Context, cfg config, b *backend) ([]string, error) {
	prefix := uuid.NewString()[:8]
	initial := decimal.NewFromInt(cfg.InitialBalance)

	accounts := make([]string, cfg.Accounts)
	for i := range accounts {
		accounts[i] = fmt.Sprintf("bench-%s-%03d", prefix, i)
		if err := b.ledger.Open(ctx, accounts[i], initial); err != nil {
			return nil, fmt.Errorf("open account %s: %w", accounts[i], err)
		}
	}
	return accounts, nil
}

// verifyBalances checks that money was neither created nor destroyed and
// that no account was overdrawn.
func verifyBalances(ctx context.Context, cfg config, b *backend, accounts []string) error {
	total := decimal.Zero
	for _, id := range accounts {
		balance, err := b.ledger.Balance(ctx, id)
		if err != nil {
			return fmt.Errorf("read balance of %s: %w", id, err)
		}
		if balance.IsNegative() {
			return fmt.Errorf("%w: %s overdrawn to %s (%s)", ErrInvariant, id, balance, b.describe())
		}
		total = total.Add(balance)
	}

	want := decimal.NewFromInt(cfg.InitialBalance).Mul(decimal.NewFromInt(int64(len(accounts))))
	if !total.Equal(want) {
		return fmt.Errorf("%w: total balance %s, want %s (%s)", ErrInvariant, total, want, b.describe())
	}
	return nil
}

// verifyJournal checks that every sampled transfer was journaled exactly once.
func verifyJournal(ctx context.Context, b *backend, transfers []uuid.UUID) error {
	for _, id := range transfers {
		if id == uuid.Nil {
			continue
		}
		entries, err := b.journal(ctx, id)
		if err != nil {
			return fmt.Errorf("read journal of %s: %w", id, err)
		}
		if len(entries) != 1 {
			return fmt.Errorf("%w: transfer %s has %d journal entries, want 1", ErrInvariant, id, len(entries))
		}
	}
	return nil
}
