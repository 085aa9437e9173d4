// Package toolrun wires the classifier, policy engine, confirmation gate,
// sandbox provider and runner into one observable pipeline.
package toolrun

import (
	"context"

	"github.com/jkaninda/toolgate/internal/command"
	"github.com/jkaninda/toolgate/internal/domain"
	"github.com/jkaninda/toolgate/internal/manifest"
	"github.com/jkaninda/toolgate/internal/sandbox"
	"github.com/jkaninda/toolgate/internal/security"
	"github.com/jkaninda/toolgate/internal/storage"
)

// Executor runs an approved request. *sandbox.Runner implements it.
type Executor interface {
	Execute(ctx context.Context, req domain.ToolRunRequest, policy domain.ToolPolicy, rc domain.RunnerContext, prepared *sandbox.PrepareResult) (domain.ToolRunResult, error)
}

// PolicyEvaluator decides whether a request may run. *security.Engine
// implements it.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, rc domain.RunnerContext, req domain.ToolRunRequest, policy domain.ToolPolicy) domain.PolicyDecision
}

// Confirmer resolves decisions that need a human. *approval.Gate
// implements it.
type Confirmer interface {
	Resolve(ctx context.Context, req domain.ToolRunRequest, decision domain.PolicyDecision, policy domain.ToolPolicy) error
}

// ManifestWriter records finished tool logs. *manifest.Store implements it.
type ManifestWriter interface {
	AppendToolLogs(runID, stdoutPath, stderrPath string, entry manifest.Entry) error
}

// HistoryRecorder persists run outcomes. storage.Store implements it.
type HistoryRecorder interface {
	SaveRun(ctx context.Context, rec *storage.RunRecord) error
}

// Classify returns the request's precomputed classification or computes one.
func Classify(req domain.ToolRunRequest) domain.Classification {
	if req.Classification != nil {
		return *req.Classification
	}
	return command.ClassifyString(req.Command)
}

// Check classifies and evaluates req without auditing, prompting or running
// anything.
func Check(req domain.ToolRunRequest, policy domain.ToolPolicy) (domain.Classification, domain.PolicyDecision) {
	cls := Classify(req)
	req.Classification = &cls
	return cls, security.Evaluate(req, policy)
}
