package toolrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/toolgate/internal/domain"
	"github.com/jkaninda/toolgate/internal/events"
	"github.com/jkaninda/toolgate/internal/manifest"
	"github.com/jkaninda/toolgate/internal/sandbox"
	"github.com/jkaninda/toolgate/internal/storage"
)

// Options configures a Service. Policy, Engine, Gate, Provider and Runner
// are required; the rest may be nil.
type Options struct {
	Policy   domain.ToolPolicy
	Engine   PolicyEvaluator
	Gate     Confirmer
	Provider sandbox.Provider
	Runner   Executor

	Sink      events.Sink
	Manifests ManifestWriter
	History   HistoryRecorder

	// WorkDir is the repository root handed to the provider when neither
	// the runner context nor the request names one.
	WorkDir string
	Logger  *slog.Logger
}

// Service runs tool requests through policy, confirmation and the sandbox,
// emitting lifecycle events along the way.
type Service struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Service.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Sink == nil {
		opts.Sink = events.Multi{}
	}
	return &Service{opts: opts, logger: logger}
}

// Policy returns the policy applied to every run.
func (s *Service) Policy() domain.ToolPolicy { return s.opts.Policy }

// WithPolicy returns a copy of s that applies policy instead.
func (s *Service) WithPolicy(policy domain.ToolPolicy) *Service {
	opts := s.opts
	opts.Policy = policy
	return &Service{opts: opts, logger: s.logger}
}

// WithGate returns a copy of s that confirms through gate.
func (s *Service) WithGate(gate Confirmer) *Service {
	opts := s.opts
	opts.Gate = gate
	return &Service{opts: opts, logger: s.logger}
}

// Run executes req end to end.
//
// Events are emitted in order: Requested, then Blocked or Denied (terminal),
// or Approved, Started and finally Finished or Failed. A denied request
// never spawns a process and creates no log files. Manifest and history
// writes after the run are best-effort.
func (s *Service) Run(ctx context.Context, req domain.ToolRunRequest, rc domain.RunnerContext) (domain.ToolRunResult, error) {
	if rc.RunID == "" {
		rc.RunID = uuid.NewString()
	}
	if rc.ToolRunID == "" {
		rc.ToolRunID = uuid.NewString()
	}
	cls := Classify(req)
	req.Classification = &cls

	t := &tracker{
		svc:     s,
		req:     req,
		rc:      rc,
		cls:     cls,
		created: time.Now().UTC(),
	}
	t.emit(ctx, events.Requested, func(e *events.Event) { e.Reason = req.Reason })

	policy := s.opts.Policy
	decision := s.opts.Engine.Evaluate(ctx, rc, req, policy)
	if !decision.IsAllowed {
		t.emit(ctx, events.Blocked, func(e *events.Event) { e.Reason = decision.Reason })
		t.record(ctx, storage.StatusBlocked, decision.Reason, nil, "", nil)
		return domain.ToolRunResult{}, &domain.PolicyDeniedError{Command: req.Command, Reason: decision.Reason}
	}

	// The prompt names the directory the command will actually run in.
	confirmReq := req
	confirmReq.Cwd = s.repoRoot(req, rc)
	if err := s.opts.Gate.Resolve(ctx, confirmReq, decision, policy); err != nil {
		var denied *domain.ConfirmationDeniedError
		if errors.As(err, &denied) {
			t.emit(ctx, events.Denied, func(e *events.Event) { e.Reason = denied.Reason })
			t.record(ctx, storage.StatusDenied, denied.Reason, nil, "", nil)
		} else {
			t.fail(ctx, events.FailureCancelled, err)
		}
		return domain.ToolRunResult{}, err
	}
	t.emit(ctx, events.Approved, func(e *events.Event) { e.Reason = decision.Reason })

	prepared, err := s.opts.Provider.Prepare(ctx, s.repoRoot(req, rc), rc.RunID)
	if err != nil {
		err = fmt.Errorf("preparing %s sandbox: %w", s.opts.Provider.Name(), err)
		t.fail(ctx, events.FailureSandbox, err)
		return domain.ToolRunResult{}, err
	}

	t.emit(ctx, events.Started, nil)
	result, err := s.opts.Runner.Execute(ctx, req, policy, rc, prepared)
	if err != nil {
		t.fail(ctx, events.FailureKind(err), err)
		return domain.ToolRunResult{}, err
	}

	t.emit(ctx, events.Finished, func(e *events.Event) { e.Result = &result })
	s.appendManifest(ctx, rc, req, cls, result)
	t.record(ctx, storage.StatusFinished, decision.Reason, &result, "", nil)
	return result, nil
}

func (s *Service) repoRoot(req domain.ToolRunRequest, rc domain.RunnerContext) string {
	switch {
	case rc.Cwd != "":
		return rc.Cwd
	case req.Cwd != "":
		return req.Cwd
	default:
		return s.opts.WorkDir
	}
}

func (s *Service) appendManifest(ctx context.Context, rc domain.RunnerContext, req domain.ToolRunRequest, cls domain.Classification, result domain.ToolRunResult) {
	if s.opts.Manifests == nil {
		return
	}
	err := s.opts.Manifests.AppendToolLogs(rc.RunID, result.StdoutPath, result.StderrPath, manifest.Entry{
		ToolRunID:  rc.ToolRunID,
		Command:    req.Command,
		Category:   cls.Category,
		ExitCode:   result.ExitCode,
		DurationMs: result.DurationMs,
		Truncated:  result.Truncated,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "manifest update failed",
			slog.String("run_id", rc.RunID),
			slog.String("tool_run_id", rc.ToolRunID),
			slog.String("error", err.Error()),
		)
	}
}

// tracker carries the per-run state shared by event emission and history.
type tracker struct {
	svc     *Service
	req     domain.ToolRunRequest
	rc      domain.RunnerContext
	cls     domain.Classification
	created time.Time
}

func (t *tracker) emit(ctx context.Context, typ events.Type, fill func(*events.Event)) {
	e := events.New(typ, t.rc)
	e.Command = t.req.Command
	e.Category = t.cls.Category
	if fill != nil {
		fill(&e)
	}
	t.svc.opts.Sink.Emit(ctx, e)
}

func (t *tracker) fail(ctx context.Context, kind string, err error) {
	t.emit(ctx, events.Failed, func(e *events.Event) {
		e.Failure = kind
		e.Error = err.Error()
	})
	t.record(ctx, storage.StatusFailed, "", nil, kind, err)
}

func (t *tracker) record(ctx context.Context, status, decision string, result *domain.ToolRunResult, failure string, runErr error) {
	history := t.svc.opts.History
	if history == nil {
		return
	}
	rec := &storage.RunRecord{
		ID:         t.rc.ToolRunID,
		RunID:      t.rc.RunID,
		Command:    t.req.Command,
		Reason:     t.req.Reason,
		Cwd:        t.req.Cwd,
		Category:   t.cls.Category,
		Status:     status,
		Decision:   decision,
		ExitCode:   -1,
		CreatedAt:  t.created,
		FinishedAt: time.Now().UTC(),
	}
	if result != nil {
		rec.ExitCode = result.ExitCode
		rec.DurationMs = result.DurationMs
		rec.Truncated = result.Truncated
		rec.StdoutPath = result.StdoutPath
		rec.StderrPath = result.StderrPath
	}
	if runErr != nil {
		rec.Failure = failure
		rec.Error = runErr.Error()
		var te *domain.TimeoutError
		if errors.As(runErr, &te) {
			rec.StdoutPath = te.StdoutPath
			rec.StderrPath = te.StderrPath
		}
	}

	// History must outlive a cancelled run context.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := history.SaveRun(saveCtx, rec); err != nil {
		t.svc.logger.WarnContext(ctx, "saving run history failed",
			slog.String("tool_run_id", t.rc.ToolRunID),
			slog.String("error", err.Error()),
		)
	}
}
