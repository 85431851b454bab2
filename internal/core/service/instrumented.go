package service

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"github.com/rl1809/stock-guard/internal/core/domain"
	"github.com/rl1809/stock-guard/internal/obs"
)

type instrumented struct {
	name    string
	next    Decreaser
	metrics *obs.Metrics
	logger  pslog.Logger
}

// Instrument records the outcome and latency of every call to next under the
// strategy label name.
func Instrument(name string, next Decreaser, metrics *obs.Metrics, logger pslog.Logger) Decreaser {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &instrumented{
		name:    name,
		next:    next,
		metrics: metrics,
		logger:  logger.With("strategy", name),
	}
}

func (d *instrumented) Decrease(ctx context.Context, key string, amount int64) error {
	start := time.Now()
	err := d.next.Decrease(ctx, key, amount)
	elapsed := time.Since(start)

	kind := domain.Classify(err)
	d.metrics.ObserveDecrease(d.name, string(kind), elapsed)

	switch kind {
	case domain.KindNone:
	case domain.KindInvalid, domain.KindNotFound, domain.KindBusinessRule, domain.KindCanceled:
		d.logger.Debug("stock.decrease.rejected", "key", key, "amount", amount, "kind", kind, "error", err)
	case domain.KindContention:
		d.logger.Info("stock.decrease.contended", "key", key, "amount", amount, "elapsed", elapsed, "error", err)
	default:
		d.logger.Error("stock.decrease.failed", "key", key, "amount", amount, "kind", kind, "error", err)
	}
	return err
}
