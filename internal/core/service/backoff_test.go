package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rl1809/stock-guard/internal/clock"
)

func TestBackoff_StaysWithinBounds(t *testing.T) {
	bo := newBackoff(time.Millisecond, 8*time.Millisecond, 2)
	for i := 0; i < 50; i++ {
		d := bo.Next(0)
		if d <= 0 || d > 8*time.Millisecond {
			t.Fatalf("attempt %d: delay %s out of bounds", i, d)
		}
	}
	if d := bo.Next(100 * time.Microsecond); d > 100*time.Microsecond {
		t.Errorf("expected limit to cap delay, got %s", d)
	}

	bo.Reset()
	if d := bo.Next(0); d > 1500*time.Microsecond {
		t.Errorf("expected reset to start from base, got %s", d)
	}
}

func TestSleepCtx(t *testing.T) {
	manual := clock.NewManual(time.Unix(0, 0))

	done := make(chan error, 1)
	go func() {
		done <- sleepCtx(context.Background(), manual, time.Second)
	}()
	for manual.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}
	manual.Advance(time.Second)
	if err := <-done; err != nil {
		t.Fatalf("sleep: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepCtx(ctx, manual, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
