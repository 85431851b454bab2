package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-guard/internal/core/domain"
	"github.com/rl1809/stock-guard/internal/port"
)

const (
	leaseKeyPrefix = "lease:"
	fenceKeySuffix = ":fence"
)

var acquireLeaseScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
	return redis.call('INCR', KEYS[2])
end
return 0
`)

var renewLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLeases grants leases as lease:<key> = token with a PX expiry. Expiry is
// enforced by Redis, so a crashed holder is reclaimed without cleanup.
type RedisLeases struct {
	client *redis.Client
}

var _ port.LeaseService = (*RedisLeases)(nil)

func NewRedisLeases(client *redis.Client) *RedisLeases {
	return &RedisLeases{client: client}
}

func (r *RedisLeases) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (domain.Lease, bool, error) {
	if ttl <= 0 {
		return domain.Lease{}, false, fmt.Errorf("ttl must be > 0")
	}
	token := uuid.NewString()
	start := time.Now()

	fence, err := acquireLeaseScript.Run(ctx, r.client,
		[]string{leaseKeyPrefix + key, leaseKeyPrefix + key + fenceKeySuffix},
		token, ttl.Milliseconds()).Int64()
	if err != nil {
		return domain.Lease{}, false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if fence == 0 {
		return domain.Lease{}, false, nil
	}
	return domain.Lease{
		Key:       key,
		Owner:     owner,
		Token:     token,
		Fence:     fence,
		ExpiresAt: start.Add(ttl),
	}, true, nil
}

func (r *RedisLeases) Renew(ctx context.Context, lease domain.Lease, ttl time.Duration) (domain.Lease, error) {
	start := time.Now()
	ok, err := renewLeaseScript.Run(ctx, r.client, []string{leaseKeyPrefix + lease.Key},
		lease.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return domain.Lease{}, fmt.Errorf("renew lease %s: %w", lease.Key, err)
	}
	if ok != 1 {
		return domain.Lease{}, fmt.Errorf("renew lease %s: %w", lease.Key, domain.ErrLeaseLost)
	}
	lease.ExpiresAt = start.Add(ttl)
	return lease, nil
}

func (r *RedisLeases) Release(ctx context.Context, lease domain.Lease) error {
	ok, err := releaseLeaseScript.Run(ctx, r.client, []string{leaseKeyPrefix + lease.Key}, lease.Token).Int()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", lease.Key, err)
	}
	if ok != 1 {
		return fmt.Errorf("release lease %s: %w", lease.Key, domain.ErrLeaseLost)
	}
	return nil
}
