package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/stock-guard/internal/clock"
	"github.com/rl1809/stock-guard/internal/core/domain"
	"github.com/rl1809/stock-guard/internal/port"
)

type memLease struct {
	owner     string
	token     string
	expiresAt time.Time
	fence     int64
}

// MemoryLeases is a single-process lease service. Expiry is evaluated lazily
// against the injected clock.
type MemoryLeases struct {
	mu     sync.Mutex
	leases map[string]*memLease
	clock  clock.Clock
}

var _ port.LeaseService = (*MemoryLeases)(nil)

func NewMemoryLeases(clk clock.Clock) *MemoryLeases {
	if clk == nil {
		clk = clock.System{}
	}
	return &MemoryLeases{
		leases: make(map[string]*memLease),
		clock:  clk,
	}
}

func (m *MemoryLeases) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (domain.Lease, bool, error) {
	if ttl <= 0 {
		return domain.Lease{}, false, fmt.Errorf("ttl must be > 0")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	cur, ok := m.leases[key]
	if !ok {
		cur = &memLease{}
		m.leases[key] = cur
	}
	if cur.token != "" && now.Before(cur.expiresAt) {
		return domain.Lease{}, false, nil
	}

	cur.owner = owner
	cur.token = uuid.NewString()
	cur.expiresAt = now.Add(ttl)
	cur.fence++
	return domain.Lease{
		Key:       key,
		Owner:     owner,
		Token:     cur.token,
		Fence:     cur.fence,
		ExpiresAt: cur.expiresAt,
	}, true, nil
}

func (m *MemoryLeases) Renew(ctx context.Context, lease domain.Lease, ttl time.Duration) (domain.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	cur, ok := m.leases[lease.Key]
	if !ok || cur.token != lease.Token || !now.Before(cur.expiresAt) {
		return domain.Lease{}, fmt.Errorf("renew %s: %w", lease.Key, domain.ErrLeaseLost)
	}
	cur.expiresAt = now.Add(ttl)
	lease.ExpiresAt = cur.expiresAt
	return lease, nil
}

func (m *MemoryLeases) Release(ctx context.Context, lease domain.Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[lease.Key]
	if !ok || cur.token != lease.Token {
		return fmt.Errorf("release %s: %w", lease.Key, domain.ErrLeaseLost)
	}
	expired := !m.clock.Now().Before(cur.expiresAt)
	cur.owner = ""
	cur.token = ""
	cur.expiresAt = time.Time{}
	if expired {
		return fmt.Errorf("release %s: expired before release: %w", lease.Key, domain.ErrLeaseLost)
	}
	return nil
}

// Holder returns the current unexpired lease on key, if any.
func (m *MemoryLeases) Holder(key string) (domain.Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[key]
	if !ok || cur.token == "" || !m.clock.Now().Before(cur.expiresAt) {
		return domain.Lease{}, false
	}
	return domain.Lease{
		Key:       key,
		Owner:     cur.owner,
		Token:     cur.token,
		Fence:     cur.fence,
		ExpiresAt: cur.expiresAt,
	}, true
}
