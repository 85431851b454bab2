package clock

import (
	"slices"
	"sort"
	"sync"
	"time"
)

// Manual stands still until Advance moves it. Waiters are kept sorted by
// deadline and fire in that order.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	deadline time.Time
	fire     chan time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	fire := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()

	deadline := m.now.Add(d)
	if !deadline.After(m.now) {
		fire <- m.now
		return fire
	}
	at := sort.Search(len(m.waiters), func(i int) bool {
		return m.waiters[i].deadline.After(deadline)
	})
	m.waiters = slices.Insert(m.waiters, at, waiter{deadline: deadline, fire: fire})
	return fire
}

// Advance moves the clock forward by d and fires every waiter now due.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d > 0 {
		m.now = m.now.Add(d)
	}
	due := 0
	for due < len(m.waiters) && !m.waiters[due].deadline.After(m.now) {
		m.waiters[due].fire <- m.now
		due++
	}
	m.waiters = slices.Delete(m.waiters, 0, due)
	return m.now
}

// Pending counts waiters that have not fired yet.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
