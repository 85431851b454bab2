package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rl1809/stock-guard/internal/clock"
	"github.com/rl1809/stock-guard/internal/core/domain"
)

func openTestLeases(t *testing.T, path string, clk clock.Clock) *SQLiteLeases {
	t.Helper()
	leases, err := OpenSQLiteLeases(context.Background(), SQLiteConfig{Path: path}, clk)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = leases.Close() })
	return leases
}

func TestSQLiteLeases_Lifecycle(t *testing.T) {
	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	leases := openTestLeases(t, filepath.Join(t.TempDir(), "leases.db"), manual)
	ctx := context.Background()

	first, ok, err := leases.TryAcquire(ctx, "sku-1", "owner-a", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire failed, ok=%v err=%v", ok, err)
	}
	if _, ok, err := leases.TryAcquire(ctx, "sku-1", "owner-b", 10*time.Second); err != nil || ok {
		t.Fatalf("held lease must not be granted, ok=%v err=%v", ok, err)
	}

	manual.Advance(5 * time.Second)
	renewed, err := leases.Renew(ctx, first, 10*time.Second)
	if err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	if !renewed.ExpiresAt.After(first.ExpiresAt) {
		t.Errorf("renew should extend expiry")
	}
	if err := leases.Release(ctx, renewed); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	second, ok, err := leases.TryAcquire(ctx, "sku-1", "owner-b", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("re-acquire failed, ok=%v err=%v", ok, err)
	}
	if second.Fence != first.Fence+1 {
		t.Errorf("expected fence %d, got %d", first.Fence+1, second.Fence)
	}
	if _, err := leases.Renew(ctx, first, time.Second); !errors.Is(err, domain.ErrLeaseLost) {
		t.Errorf("stale renew should report ErrLeaseLost, got %v", err)
	}
}

func TestSQLiteLeases_Expiry(t *testing.T) {
	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	leases := openTestLeases(t, filepath.Join(t.TempDir(), "leases.db"), manual)
	ctx := context.Background()

	first, _, _ := leases.TryAcquire(ctx, "sku-1", "owner-a", time.Second)
	manual.Advance(2 * time.Second)

	if _, err := leases.Renew(ctx, first, time.Second); !errors.Is(err, domain.ErrLeaseLost) {
		t.Errorf("renew after expiry should report ErrLeaseLost, got %v", err)
	}
	if _, ok, _ := leases.TryAcquire(ctx, "sku-1", "owner-b", time.Second); !ok {
		t.Fatalf("expired lease should be reclaimable")
	}
	if err := leases.Release(ctx, first); !errors.Is(err, domain.ErrLeaseLost) {
		t.Errorf("stale release should report ErrLeaseLost, got %v", err)
	}
}

func TestSQLiteLeases_SharedFileExcludesProcesses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leases.db")
	a := openTestLeases(t, path, nil)
	b := openTestLeases(t, path, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		leases := a
		if i%2 == 1 {
			leases = b
		}
		go func(l *SQLiteLeases) {
			defer wg.Done()
			if _, ok, err := l.TryAcquire(ctx, "sku-1", "owner", time.Minute); err == nil && ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(leases)
	}
	wg.Wait()

	if granted != 1 {
		t.Errorf("expected exactly one grant, got %d", granted)
	}
}
