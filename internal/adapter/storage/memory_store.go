package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rl1809/stock-guard/internal/clock"
	"github.com/rl1809/stock-guard/internal/core/domain"
	"github.com/rl1809/stock-guard/internal/port"
)

type memRow struct {
	quantity  int64
	version   int64
	updatedAt time.Time
	lock      chan struct{} // row lock; held by a transaction or an autocommit write
}

func (r *memRow) record(key string) domain.StockRecord {
	return domain.StockRecord{
		ID:        key,
		Quantity:  r.quantity,
		Version:   r.version,
		UpdatedAt: r.updatedAt,
	}
}

// MemoryStore is an in-process arena of stock records keyed by id. Plain reads
// never block; writes take the row lock like an autocommit UPDATE would.
type MemoryStore struct {
	mu    sync.Mutex
	rows  map[string]*memRow
	clock clock.Clock
}

var (
	_ port.StockRepository   = (*MemoryStore)(nil)
	_ port.TxStockRepository = (*MemoryStore)(nil)
)

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.System{}
	}
	return &MemoryStore{
		rows:  make(map[string]*memRow),
		clock: clk,
	}
}

// SetStock provisions key with quantity and version 0.
func (m *MemoryStore) SetStock(ctx context.Context, key string, quantity int64) error {
	if quantity < 0 {
		return fmt.Errorf("%w: negative quantity %d", domain.ErrInvalidRequest, quantity)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[key]
	if !ok {
		row = &memRow{lock: make(chan struct{}, 1)}
		m.rows[key] = row
	}
	row.quantity = quantity
	row.version = 0
	row.updatedAt = m.clock.Now()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[key]; !ok {
		return fmt.Errorf("delete %s: %w", key, domain.ErrNotFound)
	}
	delete(m.rows, key)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (domain.StockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[key]
	if !ok {
		return domain.StockRecord{}, fmt.Errorf("get %s: %w", key, domain.ErrNotFound)
	}
	return row.record(key), nil
}

func (m *MemoryStore) Save(ctx context.Context, key string, quantity int64) error {
	row, err := m.row(key)
	if err != nil {
		return err
	}
	if err := acquireRow(ctx, row, 0); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	defer releaseRow(row)

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apply(key, row, quantity)
}

func (m *MemoryStore) CompareAndSet(ctx context.Context, key string, expectedVersion, quantity int64) (bool, error) {
	row, err := m.row(key)
	if err != nil {
		return false, err
	}
	if err := acquireRow(ctx, row, 0); err != nil {
		return false, fmt.Errorf("compare and set %s: %w", key, err)
	}
	defer releaseRow(row)

	m.mu.Lock()
	defer m.mu.Unlock()
	if row.version != expectedVersion {
		return false, nil
	}
	if err := m.apply(key, row, quantity); err != nil {
		return false, err
	}
	return true, nil
}

func (m *MemoryStore) WithinTx(ctx context.Context, opts port.TxOptions, fn func(ctx context.Context, tx port.StockTx) error) error {
	tx := &memTx{
		store:  m,
		wait:   opts.LockWait,
		held:   make(map[string]*memRow),
		writes: make(map[string]int64),
	}
	// Locks go only after commit or rollback finished.
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit(ctx)
}

func (m *MemoryStore) row(key string) (*memRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, domain.ErrNotFound)
	}
	return row, nil
}

// apply must be called with m.mu held and the row lock owned by the caller.
func (m *MemoryStore) apply(key string, row *memRow, quantity int64) error {
	if m.rows[key] != row {
		return fmt.Errorf("%s: %w", key, domain.ErrNotFound)
	}
	row.quantity = quantity
	row.version++
	row.updatedAt = m.clock.Now()
	return nil
}

func acquireRow(ctx context.Context, row *memRow, wait time.Duration) error {
	select {
	case row.lock <- struct{}{}:
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
	case row.lock <- struct{}{}:
		return nil
	case <-timeout:
		return domain.ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func releaseRow(row *memRow) {
	<-row.lock
}

type memTx struct {
	store  *MemoryStore
	wait   time.Duration
	held   map[string]*memRow
	writes map[string]int64
}

func (tx *memTx) lock(ctx context.Context, key string) (*memRow, error) {
	if row, ok := tx.held[key]; ok {
		return row, nil
	}
	row, err := tx.store.row(key)
	if err != nil {
		return nil, err
	}
	if err := acquireRow(ctx, row, tx.wait); err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	tx.held[key] = row
	return row, nil
}

func (tx *memTx) LockingGet(ctx context.Context, key string) (domain.StockRecord, error) {
	row, err := tx.lock(ctx, key)
	if err != nil {
		return domain.StockRecord{}, err
	}
	tx.store.mu.Lock()
	rec := row.record(key)
	tx.store.mu.Unlock()

	if q, ok := tx.writes[key]; ok {
		rec.Quantity = q
	}
	return rec, nil
}

func (tx *memTx) Save(ctx context.Context, key string, quantity int64) error {
	if _, err := tx.lock(ctx, key); err != nil {
		return err
	}
	tx.writes[key] = quantity
	return nil
}

func (tx *memTx) commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for key, quantity := range tx.writes {
		if err := tx.store.apply(key, tx.held[key], quantity); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
	return nil
}

func (tx *memTx) release() {
	for key, row := range tx.held {
		releaseRow(row)
		delete(tx.held, key)
	}
}
