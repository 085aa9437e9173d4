package observability

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jkaninda/toolgate/internal/config"
	"github.com/jkaninda/toolgate/internal/domain"
	"github.com/jkaninda/toolgate/internal/events"
	"github.com/jkaninda/toolgate/internal/sandbox"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
	// Accessors and Sink are nil-safe.
	obs.Sink().Emit(context.Background(), events.New(events.Requested, domain.RunnerContext{}))
	obs.Shutdown(context.Background())
	if obs.TracerOrNil() != nil || obs.MetricsOrNil() != nil || obs.AnomalyOrNil() != nil {
		t.Error("expected nil components from nil Observability")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		t.Errorf("components should be nil when not enabled: %+v", obs)
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_AnomalyFeedsMetrics(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true, DenialRateThreshold: 0.5},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	sink := obs.Sink()
	for i := 0; i < minSamples; i++ {
		e := events.New(events.Blocked, domain.RunnerContext{RunID: "r"})
		e.Category = domain.CategoryDestructive
		sink.Emit(context.Background(), e)
	}

	if v := counterValue(t, obs.Metrics.Registry, "toolgate_anomalies_total", prometheus.Labels{"operation": OperationPolicy}); v != 1 {
		t.Errorf("anomalies = %v, want 1", v)
	}
	if v := counterValue(t, obs.Metrics.Registry, "toolgate_tool_runs_total", prometheus.Labels{"category": "destructive", "outcome": "blocked"}); v != minSamples {
		t.Errorf("blocked runs = %v, want %d", v, minSamples)
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Emit(t *testing.T) {
	m := NewMetricsCollector()
	ctx := context.Background()
	rc := domain.RunnerContext{RunID: "r", ToolRunID: "t"}

	emit := func(typ events.Type, fill func(*events.Event)) {
		e := events.New(typ, rc)
		e.Category = domain.CategoryTest
		if fill != nil {
			fill(&e)
		}
		m.Emit(ctx, e)
	}
	emit(events.Requested, nil)
	emit(events.Approved, nil)
	emit(events.Started, nil)
	emit(events.Finished, func(e *events.Event) {
		e.Result = &domain.ToolRunResult{DurationMs: 1500, Truncated: true}
	})
	emit(events.Failed, func(e *events.Event) { e.Failure = events.FailureTimeout })
	emit(events.Denied, func(e *events.Event) { e.Category = "" })

	tests := []struct {
		name   string
		metric string
		labels prometheus.Labels
		want   float64
	}{
		{"requested event", "toolgate_tool_events_total", prometheus.Labels{"type": string(events.Requested)}, 1},
		{"finished run", "toolgate_tool_runs_total", prometheus.Labels{"category": "test", "outcome": "finished"}, 1},
		{"failed run", "toolgate_tool_runs_total", prometheus.Labels{"category": "test", "outcome": "failed"}, 1},
		{"denied without category", "toolgate_tool_runs_total", prometheus.Labels{"category": "unknown", "outcome": "denied"}, 1},
		{"timeout failure", "toolgate_tool_failures_total", prometheus.Labels{"kind": "timeout"}, 1},
		{"truncation", "toolgate_tool_output_truncations_total", nil, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := counterValue(t, m.Registry, tc.metric, tc.labels); got != tc.want {
				t.Errorf("%s = %v, want %v", tc.metric, got, tc.want)
			}
		})
	}

	if n := histogramCount(t, m.Registry, "toolgate_tool_run_duration_seconds", prometheus.Labels{"category": "test"}); n != 1 {
		t.Errorf("duration samples = %d, want 1", n)
	}
}

func TestObservePendingConfirmations(t *testing.T) {
	m := NewMetricsCollector()
	pending := 3
	m.ObservePendingConfirmations(func() int { return pending })
	if v := findMetric(t, m.Registry, "toolgate_approval_pending", nil).GetGauge().GetValue(); v != 3 {
		t.Errorf("pending = %v, want 3", v)
	}
	pending = 0
	if v := findMetric(t, m.Registry, "toolgate_approval_pending", nil).GetGauge().GetValue(); v != 0 {
		t.Errorf("pending = %v, want 0", v)
	}
}

func TestMetricsCollector_NilEmit(t *testing.T) {
	var m *MetricsCollector
	m.Emit(context.Background(), events.New(events.Finished, domain.RunnerContext{}))
}

// --- HealthChecker ---

func TestHealthChecker(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]error
		want   string
	}{
		{"no checks", nil, "ok"},
		{"all pass", map[string]error{"store": nil, "workspace": nil}, "ok"},
		{"one fails", map[string]error{"store": errors.New("connection refused"), "workspace": nil}, "degraded"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHealthChecker(nil)
			for name, err := range tc.checks {
				h.AddCheck(name, func(context.Context) error { return err })
			}
			status := h.CheckReady(context.Background())
			if status.Status != tc.want {
				t.Errorf("status = %q, want %q", status.Status, tc.want)
			}
			for name, err := range tc.checks {
				want := "ok"
				if err != nil {
					want = "fail"
				}
				if got := status.Checks[name].Status; got != want {
					t.Errorf("check %s = %q, want %q", name, got, want)
				}
			}
		})
	}
	if NewHealthChecker(nil).CheckHealth().Status != "ok" {
		t.Error("liveness should always be ok")
	}
}

func TestDirWritable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ws")
	if err := DirWritable(dir)(context.Background()); err != nil {
		t.Fatalf("DirWritable: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("scratch file left behind: %v", entries)
	}

	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := DirWritable(file)(context.Background()); err == nil {
		t.Error("DirWritable on a regular file succeeded")
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	a.Emit(context.Background(), events.Event{Type: events.Blocked})
	if rate, n := a.ErrorRate("test"); rate != 0 || n != 0 {
		t.Errorf("ErrorRate = %v, %d", rate, n)
	}
}

func TestAnomalyDetector_Threshold(t *testing.T) {
	tests := []struct {
		name      string
		successes int
		errors    int
		wantFired bool
	}{
		{"above threshold", 4, 6, true},
		{"below threshold", 8, 2, false},
		{"too few samples", 0, minSamples - 1, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := NewAnomalyDetector(&config.AnomalyConfig{
				Enabled:              true,
				FailureRateThreshold: 0.5,
				WindowSeconds:        60,
			}, nil)
			fired := false
			a.OnAnomaly = func(op string, _ float64) { fired = fired || op == OperationExecution }

			for i := 0; i < tc.successes; i++ {
				a.RecordSuccess(OperationExecution)
			}
			for i := 0; i < tc.errors; i++ {
				a.RecordError(OperationExecution)
			}
			if fired != tc.wantFired {
				t.Errorf("fired = %v, want %v", fired, tc.wantFired)
			}
			if _, n := a.ErrorRate(OperationExecution); n != tc.successes+tc.errors {
				t.Errorf("samples = %d", n)
			}
		})
	}
}

func TestAnomalyDetector_WindowExpiry(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, WindowSeconds: 60}, nil)
	now := time.Now()
	a.now = func() time.Time { return now }
	a.RecordError(OperationPolicy)
	a.RecordSuccess(OperationPolicy)

	now = now.Add(2 * time.Minute)
	if _, n := a.ErrorRate(OperationPolicy); n != 0 {
		t.Errorf("samples after expiry = %d, want 0", n)
	}
}

func TestAnomalyDetector_EventMapping(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true}, nil)
	ctx := context.Background()
	for _, e := range []events.Event{
		{Type: events.Blocked},
		{Type: events.Denied},
		{Type: events.Approved},
		{Type: events.Failed, Failure: events.FailureTimeout},
		{Type: events.Failed, Failure: events.FailureCancelled},
		{Type: events.Finished},
		{Type: events.Started},
	} {
		a.Emit(ctx, e)
	}
	if rate, n := a.ErrorRate(OperationPolicy); n != 3 || rate < 0.66 || rate > 0.67 {
		t.Errorf("policy rate = %v over %d", rate, n)
	}
	if rate, n := a.ErrorRate(OperationExecution); n != 2 || rate != 0.5 {
		t.Errorf("execution rate = %v over %d", rate, n)
	}
}

// --- Wrappers ---

type stubExecutor struct {
	result domain.ToolRunResult
	err    error
}

func (s stubExecutor) Execute(context.Context, domain.ToolRunRequest, domain.ToolPolicy, domain.RunnerContext, *sandbox.PrepareResult) (domain.ToolRunResult, error) {
	return s.result, s.err
}

func TestInstrumentedRunner(t *testing.T) {
	tests := []struct {
		name   string
		inner  stubExecutor
		status string
	}{
		{"success", stubExecutor{}, "success"},
		{"nonzero", stubExecutor{result: domain.ToolRunResult{ExitCode: 3}}, "nonzero_exit"},
		{"timeout", stubExecutor{err: &domain.TimeoutError{TimeoutMs: 10}}, "timeout"},
		{"cancelled", stubExecutor{err: context.Canceled}, "cancelled"},
		{"error", stubExecutor{err: errors.New("spawn failed")}, "error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			metrics := NewMetricsCollector()
			exp := tracetest.NewInMemoryExporter()
			ts, err := NewTracerSetupWithExporter(exp, "test", 1)
			if err != nil {
				t.Fatal(err)
			}
			defer ts.Shutdown(context.Background())

			r := NewInstrumentedRunner(tc.inner, metrics, ts)
			_, runErr := r.Execute(context.Background(), domain.ToolRunRequest{Command: "go test"}, domain.ToolPolicy{}, domain.RunnerContext{RunID: "r"}, nil)
			if (runErr != nil) != (tc.inner.err != nil) {
				t.Fatalf("err = %v", runErr)
			}
			if v := counterValue(t, metrics.Registry, "toolgate_runner_executions_total", prometheus.Labels{"status": tc.status}); v != 1 {
				t.Errorf("executions{status=%s} = %v, want 1", tc.status, v)
			}

			if err := ts.ForceFlush(context.Background()); err != nil {
				t.Fatal(err)
			}
			spans := exp.GetSpans()
			if len(spans) != 1 || spans[0].Name != "tool.execute" {
				t.Fatalf("spans = %+v", spans)
			}
		})
	}
}

type stubProvider struct{ err error }

func (p stubProvider) Prepare(context.Context, string, string) (*sandbox.PrepareResult, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &sandbox.PrepareResult{}, nil
}

func (stubProvider) Name() sandbox.Kind { return sandbox.KindContainer }

func TestInstrumentedProvider(t *testing.T) {
	metrics := NewMetricsCollector()
	p := NewInstrumentedProvider(stubProvider{err: errors.New("no docker")}, metrics, nil)
	if p.Name() != sandbox.KindContainer {
		t.Errorf("Name = %q", p.Name())
	}
	if _, err := p.Prepare(context.Background(), t.TempDir(), "r"); err == nil {
		t.Fatal("expected error")
	}
	ok := NewInstrumentedProvider(stubProvider{}, metrics, nil)
	if _, err := ok.Prepare(context.Background(), t.TempDir(), "r"); err != nil {
		t.Fatal(err)
	}

	for status, want := range map[string]float64{"error": 1, "success": 1} {
		if v := counterValue(t, metrics.Registry, "toolgate_sandbox_prepares_total", prometheus.Labels{"provider": "container", "status": status}); v != want {
			t.Errorf("prepares{status=%s} = %v, want %v", status, v, want)
		}
	}
}

type stubEngine struct{ decision domain.PolicyDecision }

func (s stubEngine) Evaluate(context.Context, domain.RunnerContext, domain.ToolRunRequest, domain.ToolPolicy) domain.PolicyDecision {
	return s.decision
}

func TestInstrumentedEngine(t *testing.T) {
	want := domain.PolicyDecision{IsAllowed: true, NeedsConfirmation: true, Reason: "unknown command"}
	exp := tracetest.NewInMemoryExporter()
	ts, err := NewTracerSetupWithExporter(exp, "test", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer ts.Shutdown(context.Background())

	for _, e := range []*InstrumentedEngine{
		NewInstrumentedEngine(stubEngine{want}, nil),
		NewInstrumentedEngine(stubEngine{want}, ts),
	} {
		if got := e.Evaluate(context.Background(), domain.RunnerContext{}, domain.ToolRunRequest{Command: "x"}, domain.ToolPolicy{}); got != want {
			t.Errorf("Evaluate = %+v, want %+v", got, want)
		}
	}
	if err := ts.ForceFlush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if spans := exp.GetSpans(); len(spans) != 1 || spans[0].Name != "policy.evaluate" {
		t.Errorf("spans = %+v", spans)
	}
}

func TestFinishRequestSpan(t *testing.T) {
	tests := []struct {
		name       string
		caller     string
		code       int
		wantCaller bool
		wantError  bool
	}{
		{"authenticated ok", "key:0a1b2c3d", 200, true, false},
		{"refused run", "key:0a1b2c3d", 403, true, false},
		{"server error", "10.0.0.7", 500, true, true},
		{"no caller", "", 401, false, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			exp := tracetest.NewInMemoryExporter()
			ts, err := NewTracerSetupWithExporter(exp, "test", 1)
			if err != nil {
				t.Fatal(err)
			}
			defer ts.Shutdown(context.Background())

			_, span := ts.Tracer().Start(context.Background(), "http.request")
			finishRequestSpan(span, tc.caller, tc.code)
			span.End()
			if err := ts.ForceFlush(context.Background()); err != nil {
				t.Fatal(err)
			}

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d, want 1", len(spans))
			}
			attrs := map[string]string{}
			for _, kv := range spans[0].Attributes {
				attrs[string(kv.Key)] = kv.Value.Emit()
			}
			if got := attrs["http.status_code"]; got != strconv.Itoa(tc.code) {
				t.Errorf("http.status_code = %q, want %d", got, tc.code)
			}
			caller, ok := attrs["toolgate.caller"]
			if ok != tc.wantCaller || (ok && caller != tc.caller) {
				t.Errorf("toolgate.caller = %q (set %v), want %q", caller, ok, tc.caller)
			}
			if isErr := spans[0].Status.Code == codes.Error; isErr != tc.wantError {
				t.Errorf("error status = %v, want %v", isErr, tc.wantError)
			}
		})
	}
}

func TestTracerSetup_Nil(t *testing.T) {
	var ts *TracerSetup
	if ts.Tracer() == nil {
		t.Error("nil TracerSetup should return a noop tracer")
	}
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Error(err)
	}
	if err := ts.ForceFlush(context.Background()); err != nil {
		t.Error(err)
	}
}

// --- Helpers ---

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric
			}
		}
	}
	return nil
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	return findMetric(t, reg, name, labels).GetCounter().GetValue()
}

func histogramCount(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) uint64 {
	t.Helper()
	return findMetric(t, reg, name, labels).GetHistogram().GetSampleCount()
}
