package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/rl1809/stock-guard/internal/clock"
	"github.com/rl1809/stock-guard/internal/core/domain"
	"github.com/rl1809/stock-guard/internal/obs"
	"github.com/rl1809/stock-guard/internal/port"
)

var errKeeperStopped = errors.New("lease keeper stopped")

// leaseKeeper renews a held lease in the background and cancels the
// lease-bound context with domain.ErrLeaseLost once the lease can no longer be
// trusted. Renewal and the local expiry watch run separately so a renewal call
// that hangs cannot hold the context open past the lease's expiry.
type leaseKeeper struct {
	leases   port.LeaseService
	clock    clock.Clock
	ttl      time.Duration
	interval time.Duration
	metrics  *obs.Metrics
	logger   pslog.Logger

	mu      sync.Mutex
	current domain.Lease

	cancel context.CancelCauseFunc
	wg     sync.WaitGroup
}

// startKeeper returns the lease-bound context. The first renewal and expiry
// timers are registered before startKeeper returns.
func startKeeper(ctx context.Context, k *leaseKeeper, lease domain.Lease) context.Context {
	leaseCtx, cancel := context.WithCancelCause(ctx)
	k.current = lease
	k.cancel = cancel

	tick := k.clock.After(k.interval)
	expiry := k.clock.After(clock.Until(k.clock, lease.ExpiresAt))
	k.wg.Add(2)
	go k.renew(leaseCtx, tick)
	go k.watchExpiry(leaseCtx, expiry)
	return leaseCtx
}

func (k *leaseKeeper) renew(ctx context.Context, tick <-chan time.Time) {
	defer k.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		}

		held := k.lease()
		left := clock.Until(k.clock, held.ExpiresAt)
		if left <= 0 {
			k.expire(held, "lease.renew.expired")
			return
		}
		renewCtx, cancel := context.WithTimeout(ctx, left)
		renewed, err := k.leases.Renew(renewCtx, held, k.ttl)
		cancel()

		switch {
		case err == nil:
			k.mu.Lock()
			k.current = renewed
			k.mu.Unlock()
			k.metrics.IncLease("renew", "ok")
		case errors.Is(err, domain.ErrLeaseLost):
			k.metrics.IncLease("renew", "lost")
			k.logger.Warn("lease.renew.lost", "key", held.Key, "fence", held.Fence, "error", err)
			k.cancel(err)
			return
		case ctx.Err() != nil:
			return
		default:
			k.metrics.IncLease("renew", "error")
			if held.ExpiredAt(k.clock.Now()) {
				k.logger.Warn("lease.renew.expired", "key", held.Key, "fence", held.Fence, "error", err)
				k.cancel(fmt.Errorf("lease %s expired while renewal failed (%v): %w", held.Key, err, domain.ErrLeaseLost))
				return
			}
			k.logger.Warn("lease.renew.failed", "key", held.Key, "fence", held.Fence, "error", err)
		}
		tick = k.clock.After(k.interval)
	}
}

// watchExpiry cancels the lease-bound context once the local expiry of the
// latest lease passes. A renewal pushes the expiry out and the watch re-arms.
func (k *leaseKeeper) watchExpiry(ctx context.Context, expiry <-chan time.Time) {
	defer k.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-expiry:
		}

		held := k.lease()
		left := clock.Until(k.clock, held.ExpiresAt)
		if left <= 0 {
			k.expire(held, "lease.expired")
			return
		}
		expiry = k.clock.After(left)
	}
}

func (k *leaseKeeper) expire(held domain.Lease, event string) {
	k.metrics.IncLease("expiry", "lost")
	k.logger.Warn(event, "key", held.Key, "fence", held.Fence, "expires_at", held.ExpiresAt)
	k.cancel(fmt.Errorf("lease %s expired at %s without renewal: %w", held.Key, held.ExpiresAt.Format(time.RFC3339Nano), domain.ErrLeaseLost))
}

func (k *leaseKeeper) lease() domain.Lease {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current
}

// stop halts renewal and returns the latest lease together with the cause the
// lease-bound context was cancelled with before stop, if any. An in-flight
// renewal is cancelled rather than awaited to completion.
func (k *leaseKeeper) stop(leaseCtx context.Context) (domain.Lease, error) {
	k.cancel(errKeeperStopped)
	cause := context.Cause(leaseCtx)
	k.wg.Wait()
	if errors.Is(cause, errKeeperStopped) {
		cause = nil
	}
	return k.lease(), cause
}
