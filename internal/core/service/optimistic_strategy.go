package service

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"github.com/rl1809/stock-guard/internal/clock"
	"github.com/rl1809/stock-guard/internal/core/domain"
	"github.com/rl1809/stock-guard/internal/obs"
	"github.com/rl1809/stock-guard/internal/port"
)

const (
	defaultMaxAttempts = 10
	defaultBaseDelay   = time.Millisecond
	defaultMaxDelay    = 50 * time.Millisecond
	defaultMultiplier  = 2.0
)

type OptimisticOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Clock       clock.Clock
	Metrics     *obs.Metrics
	Logger      pslog.Logger
}

func (o *OptimisticOptions) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
	if o.Multiplier < 1 {
		o.Multiplier = defaultMultiplier
	}
	if o.Clock == nil {
		o.Clock = clock.System{}
	}
}

// OptimisticStrategy never holds a lock. It reads the version, writes with a
// compare-and-set and starts over when another writer got there first.
type OptimisticStrategy struct {
	repo   port.StockRepository
	opts   OptimisticOptions
	logger pslog.Logger
}

func NewOptimisticStrategy(repo port.StockRepository, opts OptimisticOptions) *OptimisticStrategy {
	opts.applyDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &OptimisticStrategy{
		repo:   repo,
		opts:   opts,
		logger: logger.With("strategy", StrategyOptimistic),
	}
}

func (s *OptimisticStrategy) Decrease(ctx context.Context, key string, amount int64) error {
	if err := validate(key, amount); err != nil {
		return err
	}

	bo := newBackoff(s.opts.BaseDelay, s.opts.MaxDelay, s.opts.Multiplier)
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("decrease %s: %w", key, err)
		}
		rec, err := s.repo.Get(ctx, key)
		if err != nil {
			return err
		}
		left, ok := rec.Remaining(amount)
		if !ok {
			return rec.Insufficient(amount)
		}
		swapped, err := s.repo.CompareAndSet(ctx, key, rec.Version, left)
		if err != nil {
			return fmt.Errorf("compare and set %s: %w", key, err)
		}
		if swapped {
			s.logger.Debug("stock.decrease.applied", "key", key, "amount", amount, "remaining", left, "attempt", attempt)
			return nil
		}

		s.opts.Metrics.IncConflict(StrategyOptimistic)
		s.logger.Debug("stock.decrease.conflict", "key", key, "attempt", attempt, "version", rec.Version)
		if attempt == s.opts.MaxAttempts {
			break
		}
		if err := sleepCtx(ctx, s.opts.Clock, bo.Next(0)); err != nil {
			return fmt.Errorf("decrease %s: %w", key, err)
		}
	}
	return &domain.ConcurrencyExhaustedError{Key: key, Attempts: s.opts.MaxAttempts}
}
