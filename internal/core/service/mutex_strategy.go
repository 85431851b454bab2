package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/rl1809/stock-guard/internal/core/domain"
	"github.com/rl1809/stock-guard/internal/port"
)

type LockScope int

const (
	// ScopePerKey serializes decrements of the same key only.
	ScopePerKey LockScope = iota
	// ScopeGlobal serializes every decrement handled by the strategy.
	ScopeGlobal
)

type MutexOptions struct {
	Scope LockScope
	// LockWait bounds the wait for the lock. Defaults to 5s.
	LockWait time.Duration
	Logger   pslog.Logger
}

// MutexStrategy guards read-modify-write with a lock that lives in this
// process. A second process running its own MutexStrategy over the same store
// is not excluded.
type MutexStrategy struct {
	repo   port.StockRepository
	locks  *keyedLocks
	opts   MutexOptions
	logger pslog.Logger
}

func NewMutexStrategy(repo port.StockRepository, opts MutexOptions) *MutexStrategy {
	if opts.LockWait <= 0 {
		opts.LockWait = defaultLockWait
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &MutexStrategy{
		repo:   repo,
		locks:  newKeyedLocks(),
		opts:   opts,
		logger: logger.With("strategy", StrategyMutex),
	}
}

func validate(key string, amount int64) error {
	return domain.DecrementRequest{Key: key, Amount: amount}.Validate()
}

func (s *MutexStrategy) Decrease(ctx context.Context, key string, amount int64) error {
	if err := validate(key, amount); err != nil {
		return err
	}

	lockKey := key
	if s.opts.Scope == ScopeGlobal {
		lockKey = ""
	}
	unlock, err := s.locks.lock(ctx, lockKey, s.opts.LockWait)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	rec, err := s.repo.Get(ctx, key)
	if err != nil {
		return err
	}
	left, ok := rec.Remaining(amount)
	if !ok {
		return rec.Insufficient(amount)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("decrease %s: %w", key, err)
	}
	if err := s.repo.Save(ctx, key, left); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	s.logger.Debug("stock.decrease.applied", "key", key, "amount", amount, "remaining", left)
	return nil
}

type lockEntry struct {
	slot chan struct{}
	refs int
}

// keyedLocks hands out one exclusive slot per key. Entries are dropped once no
// caller holds or waits on them.
type keyedLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{entries: make(map[string]*lockEntry)}
}

func (k *keyedLocks) lock(ctx context.Context, key string, wait time.Duration) (func(), error) {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &lockEntry{slot: make(chan struct{}, 1)}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	if err := waitSlot(ctx, entry.slot, wait); err != nil {
		k.drop(key, entry)
		return nil, err
	}
	return func() {
		<-entry.slot
		k.drop(key, entry)
	}, nil
}

func (k *keyedLocks) drop(key string, entry *lockEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(k.entries, key)
	}
}

func waitSlot(ctx context.Context, slot chan struct{}, wait time.Duration) error {
	select {
	case slot <- struct{}{}:
		return nil
	default:
	}

	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case slot <- struct{}{}:
		return nil
	case <-timeout:
		return domain.ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
