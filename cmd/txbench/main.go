// Package main is the entry point of txbench, a load driver for the jtx
// transaction engine. Workers run concurrent ledger transfers against an
// in-memory store, or against PostgreSQL when DATABASE_URL is set, and the
// ledger invariants are checked once they are done.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"txprop/pkg/logger"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Development: cfg.Development,
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithLogger(ctx, log)

	var b *backend
	if cfg.DatabaseURL != "" {
		b, err = newPostgresBackend(ctx, cfg, log)
	} else {
		b, err = newMemoryBackend(cfg, log)
	}
	if err != nil {
		log.Fatalw("failed to set up backend", "error", err)
	}

	log.Infow("txbench starting",
		"backend", b.name,
		"workers", cfg.Workers,
		"transfers_per_worker", cfg.Transfers,
		"accounts", cfg.Accounts,
		"isolation", cfg.Isolation.String(),
	)

	rep, runErr := run(ctx, cfg, b, log)

	if err := b.Close(context.WithoutCancel(ctx)); err != nil {
		log.Warnw("backend shutdown reported errors", "error", err)
	}

	log.Infow("txbench finished",
		"applied", rep.Applied,
		"rejected", rep.Rejected,
		"conflicts", rep.Conflicts,
		"elapsed", rep.Elapsed,
		"transfers_per_second", rep.Throughput(),
	)
	if runErr != nil {
		log.Errorw("txbench failed", "error", runErr)
		_ = log.Sync()
		os.Exit(1)
	}
}
