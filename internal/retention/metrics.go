package retention

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the retention pruner.
type Metrics struct {
	RunDirsPruned prometheus.Counter
	HistoryPruned prometheus.Counter
	Failures      prometheus.Counter
	PassDuration  prometheus.Histogram
}

// NewMetrics creates and registers retention metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		RunDirsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "toolgate",
			Subsystem: "retention",
			Name:      "run_dirs_pruned_total",
			Help:      "Run artifact directories removed.",
		}),
		HistoryPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "toolgate",
			Subsystem: "retention",
			Name:      "history_rows_pruned_total",
			Help:      "Run history records removed.",
		}),
		Failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "toolgate",
			Subsystem: "retention",
			Name:      "failures_total",
			Help:      "Retention passes that hit at least one error.",
		}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "toolgate",
			Subsystem: "retention",
			Name:      "pass_duration_seconds",
			Help:      "Duration of each retention pass.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(m.RunDirsPruned, m.HistoryPruned, m.Failures, m.PassDuration)
	return m
}
