package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/toolgate/internal/config"
	"github.com/jkaninda/toolgate/internal/events"
)

// Operations tracked by the AnomalyDetector.
const (
	OperationPolicy    = "policy"    // errors: blocked or denied requests
	OperationExecution = "execution" // errors: timeouts, spawn and sandbox failures
)

// minSamples is the number of outcomes needed in a window before a rate is
// judged.
const minSamples = 5

// AnomalyDetector performs threshold-based anomaly detection using sliding windows.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	thresholds    map[string]float64
	window        time.Duration
	logger        *slog.Logger
	now           func() time.Time

	// OnAnomaly, when set, is called with the mutex held each time a rate
	// exceeds its threshold.
	OnAnomaly func(operation string, rate float64)
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	windowSecs := cfg.WindowSeconds
	if windowSecs <= 0 {
		windowSecs = 300
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		thresholds: map[string]float64{
			OperationPolicy:    cfg.DenialRateThreshold,
			OperationExecution: cfg.FailureRateThreshold,
		},
		window: time.Duration(windowSecs) * time.Second,
		logger: logger,
		now:    time.Now,
	}
}

// Emit implements events.Sink. Blocked and Denied count against the policy
// rate; Failed counts against the execution rate.
func (a *AnomalyDetector) Emit(_ context.Context, e events.Event) {
	if a == nil {
		return
	}
	switch e.Type {
	case events.Blocked, events.Denied:
		a.RecordError(OperationPolicy)
	case events.Approved:
		a.RecordSuccess(OperationPolicy)
	case events.Failed:
		// Cancellation before a spawn says nothing about execution health.
		if e.Failure != events.FailureCancelled {
			a.RecordError(OperationExecution)
		}
	case events.Finished:
		a.RecordSuccess(OperationExecution)
	}
}

// RecordError records a failed operation for anomaly tracking.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.errorCounts, operation).add(a.now(), 1)
	a.checkErrorRate(operation)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.successCounts, operation).add(a.now(), 1)
}

// ErrorRate returns the current error rate for operation and the number of
// samples it is based on.
func (a *AnomalyDetector) ErrorRate(operation string) (rate float64, samples int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	errs, total := a.counts(operation)
	if total == 0 {
		return 0, 0
	}
	return errs / total, int(total)
}

func (a *AnomalyDetector) counts(operation string) (errs, total float64) {
	now := a.now()
	errs = a.getOrCreateWindow(a.errorCounts, operation).sum(now)
	successes := a.getOrCreateWindow(a.successCounts, operation).sum(now)
	return errs, errs + successes
}

// checkErrorRate checks if the error rate exceeds the configured threshold.
// Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string) {
	threshold := a.thresholds[operation]
	if threshold <= 0 {
		return
	}

	errs, total := a.counts(operation)
	if total < minSamples {
		return
	}

	rate := errs / total
	if rate <= threshold {
		return
	}
	a.logger.Warn("anomaly detected: high error rate",
		slog.String("operation", operation),
		slog.Float64("error_rate", rate),
		slog.Float64("threshold", threshold),
		slog.Float64("errors", errs),
		slog.Float64("total", total),
	)
	if a.OnAnomaly != nil {
		a.OnAnomaly(operation, rate)
	}
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(now time.Time, value float64) {
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum(now time.Time) float64 {
	w.prune(now)
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}

var _ events.Sink = (*AnomalyDetector)(nil)
