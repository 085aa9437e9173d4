package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/toolgate/internal/domain"
	"github.com/jkaninda/toolgate/internal/sandbox"
	"github.com/jkaninda/toolgate/internal/toolrun"
)

// --- InstrumentedRunner ---

// InstrumentedRunner wraps a toolrun.Executor with metrics and tracing.
type InstrumentedRunner struct {
	inner   toolrun.Executor
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedRunner wraps an executor with observability.
func NewInstrumentedRunner(inner toolrun.Executor, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedRunner {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRunner{inner: inner, metrics: metrics, tracer: tracer}
}

func (r *InstrumentedRunner) Execute(ctx context.Context, req domain.ToolRunRequest, policy domain.ToolPolicy, rc domain.RunnerContext, prepared *sandbox.PrepareResult) (domain.ToolRunResult, error) {
	var span trace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "tool.execute",
			trace.WithAttributes(
				attribute.String("tool.run_id", rc.RunID),
				attribute.String("tool.tool_run_id", rc.ToolRunID),
				attribute.String("tool.command", req.Command),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := r.inner.Execute(ctx, req, policy, rc, prepared)
	duration := time.Since(start).Seconds()

	status := executionStatus(result, err)
	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Int("tool.exit_code", result.ExitCode),
				attribute.Bool("tool.truncated", result.Truncated),
			)
		}
	}

	if r.metrics != nil {
		r.metrics.ExecutionsTotal.WithLabelValues(status).Inc()
		r.metrics.ExecutionDuration.WithLabelValues(status).Observe(duration)
	}

	return result, err
}

func executionStatus(result domain.ToolRunResult, err error) string {
	var te *domain.TimeoutError
	switch {
	case errors.As(err, &te):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case err != nil:
		return "error"
	case result.ExitCode != 0:
		return "nonzero_exit"
	default:
		return "success"
	}
}

// --- InstrumentedProvider ---

// InstrumentedProvider wraps a sandbox.Provider with metrics and tracing.
type InstrumentedProvider struct {
	inner   sandbox.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedProvider wraps a sandbox provider with observability.
func NewInstrumentedProvider(inner sandbox.Provider, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{inner: inner, metrics: metrics, tracer: tracer}
}

func (p *InstrumentedProvider) Name() sandbox.Kind { return p.inner.Name() }

func (p *InstrumentedProvider) Prepare(ctx context.Context, repoRoot, runID string) (*sandbox.PrepareResult, error) {
	kind := string(p.inner.Name())

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "sandbox.prepare",
			trace.WithAttributes(
				attribute.String("sandbox.provider", kind),
				attribute.String("tool.run_id", runID),
			))
		defer span.End()
	}

	start := time.Now()
	prepared, err := p.inner.Prepare(ctx, repoRoot, runID)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if p.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if p.metrics != nil {
		p.metrics.SandboxPreparesTotal.WithLabelValues(kind, status).Inc()
		p.metrics.SandboxPrepareDuration.WithLabelValues(kind).Observe(duration)
	}

	return prepared, err
}

// --- InstrumentedEngine ---

// InstrumentedEngine wraps a toolrun.PolicyEvaluator with a span per decision.
type InstrumentedEngine struct {
	inner  toolrun.PolicyEvaluator
	tracer trace.Tracer
}

// NewInstrumentedEngine wraps a policy evaluator with tracing.
func NewInstrumentedEngine(inner toolrun.PolicyEvaluator, ts *TracerSetup) *InstrumentedEngine {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedEngine{inner: inner, tracer: tracer}
}

func (e *InstrumentedEngine) Evaluate(ctx context.Context, rc domain.RunnerContext, req domain.ToolRunRequest, policy domain.ToolPolicy) domain.PolicyDecision {
	if e.tracer == nil {
		return e.inner.Evaluate(ctx, rc, req, policy)
	}
	ctx, span := e.tracer.Start(ctx, "policy.evaluate",
		trace.WithAttributes(attribute.String("tool.command", req.Command)))
	defer span.End()

	d := e.inner.Evaluate(ctx, rc, req, policy)
	span.SetAttributes(
		attribute.Bool("policy.allowed", d.IsAllowed),
		attribute.Bool("policy.needs_confirmation", d.NeedsConfirmation),
		attribute.String("policy.reason", d.Reason),
	)
	return d
}

// --- Compile-time interface checks ---

var (
	_ toolrun.Executor        = (*InstrumentedRunner)(nil)
	_ toolrun.PolicyEvaluator = (*InstrumentedEngine)(nil)
	_ sandbox.Provider        = (*InstrumentedProvider)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
