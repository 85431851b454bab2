package service

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"github.com/rl1809/stock-guard/internal/port"
)

const defaultLockWait = 5 * time.Second

type PessimisticOptions struct {
	// LockWait bounds the wait for the row lock. Defaults to 5s.
	LockWait time.Duration
	Logger   pslog.Logger
}

// PessimisticStrategy takes the storage row lock before reading, so competing
// writers queue in the storage tier, even across processes.
type PessimisticStrategy struct {
	repo   port.TxStockRepository
	opts   PessimisticOptions
	logger pslog.Logger
}

func NewPessimisticStrategy(repo port.TxStockRepository, opts PessimisticOptions) *PessimisticStrategy {
	if opts.LockWait <= 0 {
		opts.LockWait = defaultLockWait
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &PessimisticStrategy{
		repo:   repo,
		opts:   opts,
		logger: logger.With("strategy", StrategyPessimistic),
	}
}

func (s *PessimisticStrategy) Decrease(ctx context.Context, key string, amount int64) error {
	if err := validate(key, amount); err != nil {
		return err
	}

	var left int64
	err := s.repo.WithinTx(ctx, port.TxOptions{LockWait: s.opts.LockWait}, func(ctx context.Context, tx port.StockTx) error {
		rec, err := tx.LockingGet(ctx, key)
		if err != nil {
			return err
		}
		var ok bool
		left, ok = rec.Remaining(amount)
		if !ok {
			return rec.Insufficient(amount)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("decrease %s: %w", key, err)
		}
		return tx.Save(ctx, key, left)
	})
	if err != nil {
		return err
	}
	s.logger.Debug("stock.decrease.applied", "key", key, "amount", amount, "remaining", left)
	return nil
}
