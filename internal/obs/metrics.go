package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	DecreaseTotal     *prometheus.CounterVec   // strategy, result=ok|not_found|business_rule|contention|...
	DecreaseLatencyMS *prometheus.HistogramVec // strategy
	ConflictTotal     *prometheus.CounterVec   // strategy
	LeaseOpsTotal     *prometheus.CounterVec   // op=acquire|renew|release, result
}

// NewMetrics builds the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DecreaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stock_decrease_total",
				Help: "Total decrease calls by strategy and result",
			},
			[]string{"strategy", "result"},
		),
		DecreaseLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stock_decrease_latency_ms",
				Help:    "Latency of decrease calls (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms .. ~2048ms
			},
			[]string{"strategy"},
		),
		ConflictTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stock_cas_conflict_total",
				Help: "Compare-and-set attempts that lost to a concurrent writer",
			},
			[]string{"strategy"},
		),
		LeaseOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stock_lease_ops_total",
				Help: "Lease operations by op and result",
			},
			[]string{"op", "result"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.DecreaseTotal,
			m.DecreaseLatencyMS,
			m.ConflictTotal,
			m.LeaseOpsTotal,
		)
	}
	return m
}

func (m *Metrics) ObserveDecrease(strategy, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.DecreaseTotal.WithLabelValues(strategy, result).Inc()
	m.DecreaseLatencyMS.WithLabelValues(strategy).Observe(float64(elapsed.Milliseconds()))
}

func (m *Metrics) IncConflict(strategy string) {
	if m == nil {
		return
	}
	m.ConflictTotal.WithLabelValues(strategy).Inc()
}

func (m *Metrics) IncLease(op, result string) {
	if m == nil {
		return
	}
	m.LeaseOpsTotal.WithLabelValues(op, result).Inc()
}
