package port

import (
	"context"
	"time"

	"github.com/rl1809/stock-guard/internal/core/domain"
)

type LeaseService interface {
	// TryAcquire grants a lease on key if no unexpired lease exists.
	// Returning false with a nil error means another owner holds it.
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (domain.Lease, bool, error)

	// Renew extends a held lease, or returns domain.ErrLeaseLost
	Renew(ctx context.Context, lease domain.Lease, ttl time.Duration) (domain.Lease, error)

	// Release drops a held lease, or returns domain.ErrLeaseLost if the
	// caller no longer holds it
	Release(ctx context.Context, lease domain.Lease) error
}
