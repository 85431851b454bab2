package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rl1809/stock-guard/internal/clock"
)

const idempotencySweepInterval = time.Minute

// MemoryIdempotency keeps request claims for idempotencyKeyTTL in process
// memory. Expired claims are swept from SetIdempotency at most once per
// idempotencySweepInterval.
type MemoryIdempotency struct {
	mu        sync.Mutex
	claims    map[string]time.Time
	clock     clock.Clock
	nextSweep time.Time
}

func NewMemoryIdempotency(clk clock.Clock) *MemoryIdempotency {
	if clk == nil {
		clk = clock.System{}
	}
	return &MemoryIdempotency{
		claims:    make(map[string]time.Time),
		clock:     clk,
		nextSweep: clk.Now().Add(idempotencySweepInterval),
	}
}

func (m *MemoryIdempotency) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if !now.Before(m.nextSweep) {
		m.sweep(now)
	}
	if exp, ok := m.claims[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.claims[key] = now.Add(idempotencyKeyTTL)
	return true, nil
}

func (m *MemoryIdempotency) ClearIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, key)
	return nil
}

// Len reports how many claims are held, expired ones included until swept.
func (m *MemoryIdempotency) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.claims)
}

func (m *MemoryIdempotency) sweep(now time.Time) {
	for key, exp := range m.claims {
		if !now.Before(exp) {
			delete(m.claims, key)
		}
	}
	m.nextSweep = now.Add(idempotencySweepInterval)
}
