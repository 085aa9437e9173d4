package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/toolgate/internal/events"
)

const namespace = "toolgate"

// MetricsCollector holds all Prometheus metrics for toolgate.
// Uses a custom registry with no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Lifecycle metrics, fed from events.
	EventsTotal            *prometheus.CounterVec
	ToolRunsTotal          *prometheus.CounterVec
	ToolRunDuration        *prometheus.HistogramVec
	ToolFailuresTotal      *prometheus.CounterVec
	OutputTruncationsTotal prometheus.Counter

	// Execution metrics, fed from the instrumented wrappers.
	ExecutionsTotal        *prometheus.CounterVec
	ExecutionDuration      *prometheus.HistogramVec
	SandboxPreparesTotal   *prometheus.CounterVec
	SandboxPrepareDuration *prometheus.HistogramVec
	AnomaliesTotal         *prometheus.CounterVec

	// HTTP API metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "events_total",
			Help:      "Tool lifecycle events emitted, by type.",
		}, []string{"type"}),

		ToolRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "runs_total",
			Help:      "Tool runs reaching a terminal state, by category and outcome.",
		}, []string{"category", "outcome"}),

		ToolRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "run_duration_seconds",
			Help:      "Duration of finished tool runs in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"category"}),

		ToolFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "failures_total",
			Help:      "Failed tool runs, by failure kind.",
		}, []string{"kind"}),

		OutputTruncationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "output_truncations_total",
			Help:      "Finished tool runs whose output exceeded the byte budget.",
		}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "executions_total",
			Help:      "Subprocess executions, by status.",
		}, []string{"status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "execution_duration_seconds",
			Help:      "Subprocess execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),

		SandboxPreparesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "prepares_total",
			Help:      "Sandbox preparations, by provider and status.",
		}, []string{"provider", "status"}),

		SandboxPrepareDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "prepare_duration_seconds",
			Help:      "Sandbox preparation duration in seconds.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"provider"}),

		AnomaliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Rate anomalies detected, by operation.",
		}, []string{"operation"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.EventsTotal,
		m.ToolRunsTotal,
		m.ToolRunDuration,
		m.ToolFailuresTotal,
		m.OutputTruncationsTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.SandboxPreparesTotal,
		m.SandboxPrepareDuration,
		m.AnomaliesTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// ObservePendingConfirmations registers a gauge that reports fn() at scrape
// time.
func (m *MetricsCollector) ObservePendingConfirmations(fn func() int) {
	if m == nil {
		return
	}
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "approval",
		Name:      "pending",
		Help:      "Confirmations currently waiting for a decision.",
	}, func() float64 { return float64(fn()) }))
}

// Emit implements events.Sink.
func (m *MetricsCollector) Emit(_ context.Context, e events.Event) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(string(e.Type)).Inc()
	if !e.Terminal() {
		return
	}

	category := string(e.Category)
	if category == "" {
		category = "unknown"
	}
	switch e.Type {
	case events.Blocked:
		m.ToolRunsTotal.WithLabelValues(category, "blocked").Inc()
	case events.Denied:
		m.ToolRunsTotal.WithLabelValues(category, "denied").Inc()
	case events.Failed:
		m.ToolRunsTotal.WithLabelValues(category, "failed").Inc()
		m.ToolFailuresTotal.WithLabelValues(e.Failure).Inc()
	case events.Finished:
		m.ToolRunsTotal.WithLabelValues(category, "finished").Inc()
		if e.Result != nil {
			m.ToolRunDuration.WithLabelValues(category).Observe(float64(e.Result.DurationMs) / 1000)
			if e.Result.Truncated {
				m.OutputTruncationsTotal.Inc()
			}
		}
	}
}

var _ events.Sink = (*MetricsCollector)(nil)
