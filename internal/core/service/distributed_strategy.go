package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/rl1809/stock-guard/internal/clock"
	"github.com/rl1809/stock-guard/internal/core/domain"
	"github.com/rl1809/stock-guard/internal/obs"
	"github.com/rl1809/stock-guard/internal/port"
)

type WaitMode int

const (
	// WaitBlock retries acquisition with backoff until AcquireTimeout.
	WaitBlock WaitMode = iota
	// WaitFailFast tries once.
	WaitFailFast
)

const (
	defaultLeaseTTL       = 10 * time.Second
	defaultAcquireTimeout = 5 * time.Second
	defaultRetryMin       = 5 * time.Millisecond
	defaultRetryMax       = 250 * time.Millisecond
)

var processOwner = xid.New().String()

type DistributedOptions struct {
	// Owner identifies this process to the lease service.
	Owner string
	TTL   time.Duration
	// RenewInterval defaults to TTL/3.
	RenewInterval time.Duration
	WaitMode      WaitMode
	// AcquireTimeout bounds WaitBlock. Defaults to 5s.
	AcquireTimeout time.Duration
	RetryMin       time.Duration
	RetryMax       time.Duration
	Clock          clock.Clock
	Metrics        *obs.Metrics
	Logger         pslog.Logger
}

func (o *DistributedOptions) applyDefaults() {
	if o.Owner == "" {
		o.Owner = processOwner
	}
	if o.TTL <= 0 {
		o.TTL = defaultLeaseTTL
	}
	if o.RenewInterval <= 0 || o.RenewInterval >= o.TTL {
		o.RenewInterval = o.TTL / 3
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = defaultAcquireTimeout
	}
	if o.RetryMin <= 0 {
		o.RetryMin = defaultRetryMin
	}
	if o.RetryMax <= 0 {
		o.RetryMax = defaultRetryMax
	}
	if o.Clock == nil {
		o.Clock = clock.System{}
	}
}

// DistributedStrategy runs an inner Decreaser while holding a lease on the key
// from an external lease service. The lease is released only after the inner
// write returned.
type DistributedStrategy struct {
	leases port.LeaseService
	inner  Decreaser
	opts   DistributedOptions
	logger pslog.Logger
}

func NewDistributedStrategy(leases port.LeaseService, inner Decreaser, opts DistributedOptions) *DistributedStrategy {
	opts.applyDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &DistributedStrategy{
		leases: leases,
		inner:  inner,
		opts:   opts,
		logger: logger.With("strategy", StrategyDistributed, "owner", opts.Owner),
	}
}

func (s *DistributedStrategy) Owner() string {
	return s.opts.Owner
}

func (s *DistributedStrategy) Decrease(ctx context.Context, key string, amount int64) error {
	if err := validate(key, amount); err != nil {
		return err
	}

	lease, err := s.acquire(ctx, key)
	if err != nil {
		return err
	}

	keeper := &leaseKeeper{
		leases:   s.leases,
		clock:    s.opts.Clock,
		ttl:      s.opts.TTL,
		interval: s.opts.RenewInterval,
		metrics:  s.opts.Metrics,
		logger:   s.logger,
	}
	leaseCtx := startKeeper(ctx, keeper, lease)
	err = s.inner.Decrease(leaseCtx, key, amount)
	held, cause := keeper.stop(leaseCtx)

	if err != nil {
		s.release(ctx, held)
		if errors.Is(cause, domain.ErrLeaseLost) && isContextErr(err) {
			return fmt.Errorf("decrease %s: %w", key, cause)
		}
		return err
	}

	// The write is durable at this point; a failed release does not undo it.
	if relErr := s.release(ctx, held); relErr != nil {
		s.logger.Warn("lease.release.after_write", "key", key, "fence", held.Fence, "error", relErr)
	}
	return nil
}

func (s *DistributedStrategy) acquire(ctx context.Context, key string) (domain.Lease, error) {
	deadline := s.opts.Clock.Now().Add(s.opts.AcquireTimeout)
	bo := newBackoff(s.opts.RetryMin, s.opts.RetryMax, 1.5)

	for {
		lease, ok, err := s.leases.TryAcquire(ctx, key, s.opts.Owner, s.opts.TTL)
		if err != nil {
			if isContextErr(err) && ctx.Err() != nil {
				return domain.Lease{}, fmt.Errorf("acquire lease %s: %w", key, ctx.Err())
			}
			s.opts.Metrics.IncLease("acquire", "error")
			return domain.Lease{}, fmt.Errorf("acquire lease %s: %w: %v", key, domain.ErrLeaseUnavailable, err)
		}
		if ok {
			s.opts.Metrics.IncLease("acquire", "ok")
			s.logger.Debug("lease.acquired", "key", key, "fence", lease.Fence)
			return lease, nil
		}
		s.opts.Metrics.IncLease("acquire", "held")

		if s.opts.WaitMode == WaitFailFast {
			return domain.Lease{}, fmt.Errorf("lease %s is held: %w", key, domain.ErrLockAcquisitionTimeout)
		}
		limit := clock.Until(s.opts.Clock, deadline)
		if limit <= 0 {
			return domain.Lease{}, fmt.Errorf("lease %s not acquired within %s: %w", key, s.opts.AcquireTimeout, domain.ErrLockAcquisitionTimeout)
		}
		if err := sleepCtx(ctx, s.opts.Clock, bo.Next(limit)); err != nil {
			return domain.Lease{}, fmt.Errorf("acquire lease %s: %w", key, err)
		}
	}
}

func (s *DistributedStrategy) release(ctx context.Context, lease domain.Lease) error {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.TTL)
	defer cancel()

	err := s.leases.Release(relCtx, lease)
	switch {
	case err == nil:
		s.opts.Metrics.IncLease("release", "ok")
	case errors.Is(err, domain.ErrLeaseLost):
		s.opts.Metrics.IncLease("release", "lost")
	default:
		s.opts.Metrics.IncLease("release", "error")
	}
	return err
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
