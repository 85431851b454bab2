package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rl1809/stock-guard/internal/clock"
	"github.com/rl1809/stock-guard/internal/core/domain"
	"github.com/rl1809/stock-guard/internal/port"
)

func seededStore(t *testing.T, quantity int64) *MemoryStore {
	t.Helper()
	store := NewMemoryStore(clock.NewManual(time.Unix(1_700_000_000, 0)))
	if err := store.SetStock(context.Background(), "sku-1", quantity); err != nil {
		t.Fatalf("SetStock failed: %v", err)
	}
	return store
}

func TestMemoryStore_GetAndSave(t *testing.T) {
	store := seededStore(t, 10)
	ctx := context.Background()

	if err := store.Save(ctx, "sku-1", 4); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	rec, err := store.Get(ctx, "sku-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.ID != "sku-1" || rec.Quantity != 4 || rec.Version != 1 {
		t.Errorf("unexpected record: %+v", rec)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.Save(ctx, "missing", 1); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound from Save, got %v", err)
	}
	if err := store.SetStock(ctx, "neg", -1); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for negative stock, got %v", err)
	}
}

func TestMemoryStore_CompareAndSet(t *testing.T) {
	store := seededStore(t, 10)
	ctx := context.Background()

	ok, err := store.CompareAndSet(ctx, "sku-1", 0, 9)
	if err != nil || !ok {
		t.Fatalf("expected CAS to win, ok=%v err=%v", ok, err)
	}
	ok, err = store.CompareAndSet(ctx, "sku-1", 0, 1)
	if err != nil || ok {
		t.Fatalf("expected stale CAS to lose, ok=%v err=%v", ok, err)
	}
	rec, _ := store.Get(ctx, "sku-1")
	if rec.Quantity != 9 || rec.Version != 1 {
		t.Errorf("stale CAS must not write, got %+v", rec)
	}
}

func TestMemoryStore_TxBuffersUntilCommit(t *testing.T) {
	store := seededStore(t, 10)
	ctx := context.Background()

	err := store.WithinTx(ctx, port.TxOptions{}, func(ctx context.Context, tx port.StockTx) error {
		rec, err := tx.LockingGet(ctx, "sku-1")
		if err != nil {
			return err
		}
		if err := tx.Save(ctx, "sku-1", rec.Quantity-3); err != nil {
			return err
		}
		// Not visible outside the transaction yet.
		outside, _ := store.Get(ctx, "sku-1")
		if outside.Quantity != 10 {
			t.Errorf("uncommitted write leaked: %d", outside.Quantity)
		}
		inside, _ := tx.LockingGet(ctx, "sku-1")
		if inside.Quantity != 7 {
			t.Errorf("transaction should read its own write, got %d", inside.Quantity)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithinTx failed: %v", err)
	}
	rec, _ := store.Get(ctx, "sku-1")
	if rec.Quantity != 7 || rec.Version != 1 {
		t.Errorf("expected committed quantity 7 version 1, got %+v", rec)
	}
}

func TestMemoryStore_TxRollback(t *testing.T) {
	store := seededStore(t, 10)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithinTx(ctx, port.TxOptions{}, func(ctx context.Context, tx port.StockTx) error {
		if err := tx.Save(ctx, "sku-1", 0); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	rec, _ := store.Get(ctx, "sku-1")
	if rec.Quantity != 10 || rec.Version != 0 {
		t.Errorf("rollback must leave record untouched, got %+v", rec)
	}

	// Locks are gone after rollback.
	if err := store.Save(ctx, "sku-1", 5); err != nil {
		t.Errorf("save after rollback: %v", err)
	}
}

func TestMemoryStore_TxCancelledBeforeCommit(t *testing.T) {
	store := seededStore(t, 10)
	ctx, cancel := context.WithCancel(context.Background())

	err := store.WithinTx(ctx, port.TxOptions{}, func(ctx context.Context, tx port.StockTx) error {
		if err := tx.Save(ctx, "sku-1", 1); err != nil {
			return err
		}
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	rec, _ := store.Get(context.Background(), "sku-1")
	if rec.Quantity != 10 {
		t.Errorf("cancelled commit must not write, got %d", rec.Quantity)
	}
}

func TestMemoryStore_RowLockSerializes(t *testing.T) {
	store := seededStore(t, 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithinTx(ctx, port.TxOptions{LockWait: 5 * time.Second}, func(ctx context.Context, tx port.StockTx) error {
				rec, err := tx.LockingGet(ctx, "sku-1")
				if err != nil {
					return err
				}
				return tx.Save(ctx, "sku-1", rec.Quantity-1)
			})
			if err != nil {
				t.Errorf("tx failed: %v", err)
			}
		}()
	}
	wg.Wait()

	rec, _ := store.Get(ctx, "sku-1")
	if rec.Quantity != 0 || rec.Version != 100 {
		t.Errorf("expected quantity 0 version 100, got %+v", rec)
	}
}

func TestMemoryStore_LockWaitTimeout(t *testing.T) {
	store := seededStore(t, 10)
	ctx := context.Background()

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.WithinTx(ctx, port.TxOptions{}, func(ctx context.Context, tx port.StockTx) error {
			if _, err := tx.LockingGet(ctx, "sku-1"); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	err := store.WithinTx(ctx, port.TxOptions{LockWait: 20 * time.Millisecond}, func(ctx context.Context, tx port.StockTx) error {
		_, err := tx.LockingGet(ctx, "sku-1")
		return err
	})
	if !errors.Is(err, domain.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}

	// A plain read does not wait on the row lock.
	if _, err := store.Get(ctx, "sku-1"); err != nil {
		t.Errorf("Get while locked: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("holder tx: %v", err)
	}
}

func TestMemoryStore_DeleteWhileLocked(t *testing.T) {
	store := seededStore(t, 10)
	ctx := context.Background()

	err := store.WithinTx(ctx, port.TxOptions{}, func(ctx context.Context, tx port.StockTx) error {
		if _, err := tx.LockingGet(ctx, "sku-1"); err != nil {
			return err
		}
		if err := store.Delete(ctx, "sku-1"); err != nil {
			return err
		}
		return tx.Save(ctx, "sku-1", 3)
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on commit of a deleted row, got %v", err)
	}
}
