package clock_test

import (
	"testing"
	"time"

	"github.com/rl1809/stock-guard/internal/clock"
)

func TestSystemIsUTC(t *testing.T) {
	if loc := (clock.System{}).Now().Location(); loc != time.UTC {
		t.Fatalf("expected UTC, got %v", loc)
	}
}

func TestManualFiresInDeadlineOrder(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)

	late := m.After(3 * time.Second)
	early := m.After(time.Second)
	if m.Pending() != 2 {
		t.Fatalf("expected 2 pending waiters, got %d", m.Pending())
	}

	m.Advance(500 * time.Millisecond)
	select {
	case <-early:
		t.Fatal("fired before its deadline")
	default:
	}

	now := m.Advance(time.Second)
	select {
	case got := <-early:
		if !got.Equal(now) {
			t.Errorf("expected %v, got %v", now, got)
		}
	default:
		t.Fatal("due waiter did not fire")
	}
	if m.Pending() != 1 {
		t.Errorf("expected the later waiter to stay pending, got %d", m.Pending())
	}

	m.Advance(2 * time.Second)
	select {
	case <-late:
	default:
		t.Fatal("late waiter did not fire")
	}
}

func TestManualNonPositiveFiresImmediately(t *testing.T) {
	m := clock.NewManual(time.Now())
	select {
	case <-m.After(0):
	default:
		t.Fatal("expected zero duration to fire at once")
	}
	if m.Pending() != 0 {
		t.Errorf("expected nothing pending, got %d", m.Pending())
	}
}

func TestUntil(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	deadline := start.Add(10 * time.Second)

	if got := clock.Until(m, deadline); got != 10*time.Second {
		t.Errorf("expected 10s, got %s", got)
	}
	m.Advance(12 * time.Second)
	if got := clock.Until(m, deadline); got != -2*time.Second {
		t.Errorf("expected -2s, got %s", got)
	}
}
