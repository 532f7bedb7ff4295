package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"txprop/internal/domain/ledger"
	"txprop/pkg/jtx"
)

// config is read from the environment.
type config struct {
	LogLevel    string
	Development bool

	Workers        int
	Transfers      int // per worker
	Accounts       int
	InitialBalance int64
	MaxAmount      int64
	Seed           uint64

	Isolation       jtx.Isolation
	TransferTimeout int // seconds
	Manager         jtx.Config

	DatabaseURL string
	MaxConns    int // 0 = sized from Workers
	ConnTimeout time.Duration
}

func loadConfig() (config, error) {
	cfg := config{
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		Development:     getEnv("APP_ENV", "development") == "development",
		Workers:         getEnvInt("BENCH_WORKERS", 16),
		Transfers:       getEnvInt("BENCH_TRANSFERS", 500),
		Accounts:        getEnvInt("BENCH_ACCOUNTS", 32),
		InitialBalance:  int64(getEnvInt("BENCH_INITIAL_BALANCE", 1000)),
		MaxAmount:       int64(getEnvInt("BENCH_MAX_AMOUNT", 250)),
		Seed:            uint64(getEnvInt("BENCH_SEED", 1)),
		TransferTimeout: getEnvInt("BENCH_TRANSFER_TIMEOUT", 0),
		Manager:         jtx.DefaultConfig(),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		MaxConns:        getEnvInt("DB_MAX_CONNS", 0),
		ConnTimeout:     getEnvDuration("DB_CONNECT_TIMEOUT", 10*time.Second),
	}
	cfg.Manager.ValidateExistingTransaction = getEnv("JTX_VALIDATE_EXISTING", "false") == "true"
	cfg.Manager.MaxResourcesPerTransaction = getEnvInt("JTX_MAX_RESOURCES", 0)

	iso, err := parseIsolation(getEnv("BENCH_ISOLATION", "default"))
	if err != nil {
		return cfg, err
	}
	cfg.Isolation = iso

	return cfg, cfg.validate()
}

func (c config) validate() error {
	switch {
	case c.Workers < 1:
		return fmt.Errorf("BENCH_WORKERS must be positive, got %d", c.Workers)
	case c.Transfers < 0:
		return fmt.Errorf("BENCH_TRANSFERS must not be negative, got %d", c.Transfers)
	case c.Accounts < 2:
		return fmt.Errorf("BENCH_ACCOUNTS must be at least 2, got %d", c.Accounts)
	case c.InitialBalance < 0:
		return fmt.Errorf("BENCH_INITIAL_BALANCE must not be negative, got %d", c.InitialBalance)
	case c.MaxAmount < 1:
		return fmt.Errorf("BENCH_MAX_AMOUNT must be positive, got %d", c.MaxAmount)
	case c.MaxConns < 0:
		return fmt.Errorf("DB_MAX_CONNS must not be negative, got %d", c.MaxConns)
	}
	return nil
}

func (c config) ledgerConfig() ledger.Config {
	return ledger.Config{Isolation: c.Isolation, TransferTimeout: c.TransferTimeout}
}

func parseIsolation(s string) (jtx.Isolation, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "_")) {
	case "", "default":
		return jtx.IsolationDefault, nil
	case "none":
		return jtx.IsolationNone, nil
	case "read_uncommitted":
		return jtx.IsolationReadUncommitted, nil
	case "read_committed":
		return jtx.IsolationReadCommitted, nil
	case "repeatable_read":
		return jtx.IsolationRepeatableRead, nil
	case "serializable":
		return jtx.IsolationSerializable, nil
	default:
		return jtx.IsolationDefault, fmt.Errorf("unknown isolation %q", s)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
