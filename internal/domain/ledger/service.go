package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"txprop/internal/core/tx"
	"txprop/pkg/jtx"
	"txprop/pkg/logger"
)

// Config tunes the transactions opened by Service.
type Config struct {
	// Isolation of transfer transactions.
	Isolation jtx.Isolation
	// TransferTimeout in seconds, 0 for none.
	TransferTimeout int
}

// Service implements transfers and balance reads.
type Service struct {
	runner tx.Runner
	stores StoreProvider
	mode   jtx.Mode
	log    *logger.Logger
	now    func() time.Time
}

// NewService creates a ledger service.
func NewService(runner tx.Runner, stores StoreProvider, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		runner: runner,
		stores: stores,
		mode:   jtx.Required().WithIsolation(cfg.Isolation).WithTimeout(cfg.TransferTimeout),
		log:    log.WithComponent("ledger"),
		now:    time.Now,
	}
}

// Open creates an account with an initial balance.
func (s *Service) Open(ctx context.Context, account string, initial decimal.Decimal) error {
	if initial.IsNegative() {
		return ErrInvalidAmount
	}
	return s.runner.RunInTransaction(ctx, s.mode, func(ctx context.Context) error {
		store, err := s.stores(ctx)
		if err != nil {
			return err
		}
		return store.CreateAccount(ctx, Account{ID: account, Balance: initial})
	})
}

// Balance reads an account balance, joining the caller's transaction if any.
func (s *Service) Balance(ctx context.Context, account string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.ReadOnly(ctx, s.runner, func(ctx context.Context) error {
		store, err := s.stores(ctx)
		if err != nil {
			return err
		}
		balance, err = store.Balance(ctx, account)
		return err
	})
	return balance, err
}

// Transfer moves amount from one account to another.
//
// The transfer joins the caller's transaction, so a failure dooms it as a
// whole. An applied entry is journaled within the transfer; a rejected entry
// is journaled in a transaction of its own and survives the rollback.
func (s *Service) Transfer(ctx context.Context, from, to string, amount decimal.Decimal) (uuid.UUID, error) {
	if !amount.IsPositive() {
		return uuid.Nil, ErrInvalidAmount
	}
	if from == to {
		return uuid.Nil, ErrSameAccount
	}
	transferID := NewID()

	err := s.runner.RunInTransaction(ctx, s.mode, func(ctx context.Context) error {
		if err := s.withdraw(ctx, from, amount); err != nil {
			return err
		}
		if err := s.deposit(ctx, to, amount); err != nil {
			return err
		}
		return s.journal(ctx, jtx.Required(), s.entry(transferID, from, to, amount, AuditApplied, ""))
	})
	if err == nil {
		s.log.WithContext(ctx).Debugw("transfer applied", "transfer_id", transferID, "from", from, "to", to, "amount", amount)
		return transferID, nil
	}

	s.log.WithContext(ctx).Warnw("transfer rejected", "transfer_id", transferID, "from", from, "to", to, "error", err)
	rejected := s.entry(transferID, from, to, amount, AuditRejected, err.Error())
	if jerr := s.journal(ctx, jtx.RequiresNew(), rejected); jerr != nil {
		err = multierr.Append(err, fmt.Errorf("journal rejected transfer: %w", jerr))
	}
	return transferID, err
}

func (s *Service) withdraw(ctx context.Context, account string, amount decimal.Decimal) error {
	return s.runner.RunInTransaction(ctx, jtx.Required(), func(ctx context.Context) error {
		store, err := s.stores(ctx)
		if err != nil {
			return err
		}
		balance, err := store.Balance(ctx, account)
		if err != nil {
			return err
		}
		if balance.LessThan(amount) {
			return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, account, balance, amount)
		}
		return store.Apply(ctx, account, amount.Neg())
	})
}

func (s *Service) deposit(ctx context.Context, account string, amount decimal.Decimal) error {
	return s.runner.RunInTransaction(ctx, jtx.Required(), func(ctx context.Context) error {
		store, err := s.stores(ctx)
		if err != nil {
			return err
		}
		return store.Apply(ctx, account, amount)
	})
}

func (s *Service) journal(ctx context.Context, mode jtx.Mode, entry AuditEntry) error {
	return s.runner.RunInTransaction(ctx, mode, func(ctx context.Context) error {
		store, err := s.stores(ctx)
		if err != nil {
			return err
		}
		return store.AppendAudit(ctx, entry)
	})
}

func (s *Service) entry(transferID uuid.UUID, from, to string, amount decimal.Decimal, status AuditStatus, reason string) AuditEntry {
	return AuditEntry{
		ID:          NewID(),
		TransferID:  transferID,
		FromAccount: from,
		ToAccount:   to,
		Amount:      amount,
		Status:      status,
		Reason:      reason,
		CreatedAt:   s.now().UTC(),
	}
}
