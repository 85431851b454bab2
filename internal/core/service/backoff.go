package service

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rl1809/stock-guard/internal/clock"
)

// backoff grows a delay geometrically with jitter. Not safe for concurrent use.
type backoff struct {
	base       time.Duration
	max        time.Duration
	multiplier float64
	next       time.Duration
}

func newBackoff(base, max time.Duration, multiplier float64) *backoff {
	if base <= 0 {
		base = time.Millisecond
	}
	if max < base {
		max = base
	}
	if multiplier < 1 {
		multiplier = 1
	}
	return &backoff{base: base, max: max, multiplier: multiplier, next: base}
}

// Next returns the delay before the following attempt. A positive limit caps
// the result so a wait never overshoots a deadline.
func (b *backoff) Next(limit time.Duration) time.Duration {
	delay := b.next
	if jitter := delay / 2; jitter > 0 {
		delay = delay - jitter + time.Duration(rand.Int64N(int64(jitter)*2+1))
	}
	if delay > b.max {
		delay = b.max
	}
	if limit > 0 && delay > limit {
		delay = limit
	}

	grown := time.Duration(float64(b.next) * b.multiplier)
	if grown > b.max || grown <= 0 {
		grown = b.max
	}
	b.next = grown
	return delay
}

func (b *backoff) Reset() {
	b.next = b.base
}

func sleepCtx(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(d):
		return nil
	}
}
