// Package postgres runs jtx transactions on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"txprop/pkg/logger"
)

// A worker holds at most two connections at once: its transfer and the
// REQUIRES_NEW journal entry written while the transfer is suspended.
const (
	connsPerWorker = 2
	spareConns     = 2
)

// PoolConfig holds connection pool configuration.
type PoolConfig struct {
	DSN               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	// ApplicationName is reported in pg_stat_activity.
	ApplicationName string
}

// DefaultPoolConfig returns defaults for a pool shared by unrelated callers.
func DefaultPoolConfig(dsn string) PoolConfig {
	return PoolConfig{
		DSN:               dsn,
		MaxConns:          25,
		MinConns:          5,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
		ApplicationName:   "txprop",
	}
}

// PoolConfigForWorkers sizes the pool so that workers concurrent callers,
// each possibly suspending one transaction for a REQUIRES_NEW one, never
// wait on each other for a connection. Every worker gets one warm
// connection. workers < 1 yields DefaultPoolConfig.
func PoolConfigForWorkers(dsn string, workers int) PoolConfig {
	cfg := DefaultPoolConfig(dsn)
	if workers < 1 {
		return cfg
	}
	cfg.MaxConns = int32(workers*connsPerWorker + spareConns)
	cfg.MinConns = int32(workers)
	return cfg
}

func (c PoolConfig) validate() error {
	switch {
	case c.DSN == "":
		return errors.New("pool: empty DSN")
	case c.MaxConns < 1:
		return fmt.Errorf("pool: MaxConns must be positive, got %d", c.MaxConns)
	case c.MinConns < 0 || c.MinConns > c.MaxConns:
		return fmt.Errorf("pool: MinConns must be within [0, %d], got %d", c.MaxConns, c.MinConns)
	}
	return nil
}

// apply copies c onto a config parsed from c.DSN. Zero durations keep the
// pgxpool defaults.
func (c PoolConfig) apply(pc *pgxpool.Config) {
	pc.MaxConns = c.MaxConns
	pc.MinConns = c.MinConns
	if c.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = c.MaxConnLifetime
	}
	if c.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = c.MaxConnIdleTime
	}
	if c.HealthCheckPeriod > 0 {
		pc.HealthCheckPeriod = c.HealthCheckPeriod
	}
	if c.ApplicationName != "" {
		pc.ConnConfig.RuntimeParams["application_name"] = c.ApplicationName
	}
}

// Pool is the pgx pool jtx sessions and repositories share.
type Pool struct {
	*pgxpool.Pool
}

// Close closes all connections in the pool.
func (p *Pool) Close() {
	if p.Pool != nil {
		p.Pool.Close()
	}
}

// NewPool connects and pings the database.
func NewPool(ctx context.Context, cfg PoolConfig) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	cfg.apply(poolConfig)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// PoolStats is a snapshot of pool usage.
type PoolStats struct {
	TotalConns    int32
	AcquiredConns int32
	IdleConns     int32
	MaxConns      int32
	AcquireCount  int64
	// EmptyAcquireCount counts acquires that found no idle connection.
	// A high share of AcquireCount means the pool is undersized.
	EmptyAcquireCount int64
	AcquireDuration   time.Duration
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	stat := p.Stat()
	return PoolStats{
		TotalConns:        stat.TotalConns(),
		AcquiredConns:     stat.AcquiredConns(),
		IdleConns:         stat.IdleConns(),
		MaxConns:          stat.MaxConns(),
		AcquireCount:      stat.AcquireCount(),
		EmptyAcquireCount: stat.EmptyAcquireCount(),
		AcquireDuration:   stat.AcquireDuration(),
	}
}

// AvgAcquire is the mean time spent waiting for a connection.
func (s PoolStats) AvgAcquire() time.Duration {
	if s.AcquireCount == 0 {
		return 0
	}
	return s.AcquireDuration / time.Duration(s.AcquireCount)
}

// Saturated reports whether the pool grew to MaxConns and callers still
// found no idle connection.
func (s PoolStats) Saturated() bool {
	return s.TotalConns >= s.MaxConns && s.EmptyAcquireCount > 0
}

// LogStats logs pool statistics, warning when callers had to wait.
func (p *Pool) LogStats(ctx context.Context) {
	stats := p.Stats()
	fields := []any{
		"total", stats.TotalConns,
		"acquired", stats.AcquiredConns,
		"idle", stats.IdleConns,
		"max", stats.MaxConns,
		"acquire_count", stats.AcquireCount,
		"empty_acquire_count", stats.EmptyAcquireCount,
		"avg_acquire", stats.AvgAcquire(),
	}
	if stats.Saturated() {
		logger.Warn(ctx, "database pool saturated", fields...)
		return
	}
	logger.Info(ctx, "database pool stats", fields...)
}
