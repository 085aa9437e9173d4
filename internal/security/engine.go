package security

import (
	"context"
	"log/slog"
	"time"

	"github.com/jkaninda/toolgate/internal/domain"
)

// Engine evaluates requests and records every decision. The zero value is
// not usable; construct with NewEngine.
type Engine struct {
	matcher *matcher
	auditor Auditor
	logger  *slog.Logger
}

// NewEngine creates a policy engine. auditor may be nil.
func NewEngine(auditor Auditor, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		matcher: newMatcher(),
		auditor: auditor,
		logger:  logger,
	}
}

// Evaluate runs the policy checks and audits the outcome. Audit failures are
// logged, never returned.
func (e *Engine) Evaluate(ctx context.Context, rc domain.RunnerContext, req domain.ToolRunRequest, policy domain.ToolPolicy) domain.PolicyDecision {
	decision := e.matcher.evaluate(req, policy)

	category := Classification(req).Category
	e.logger.InfoContext(ctx, "policy evaluated",
		slog.String("run_id", rc.RunID),
		slog.String("tool_run_id", rc.ToolRunID),
		slog.String("category", string(category)),
		slog.Bool("allowed", decision.IsAllowed),
		slog.Bool("needs_confirmation", decision.NeedsConfirmation),
		slog.String("reason", decision.Reason),
	)

	if e.auditor != nil {
		err := e.auditor.LogDecision(ctx, AuditEvent{
			Timestamp:         time.Now().UTC(),
			RunID:             rc.RunID,
			ToolRunID:         rc.ToolRunID,
			Command:           req.Command,
			Category:          category,
			Allowed:           decision.IsAllowed,
			NeedsConfirmation: decision.NeedsConfirmation,
			Reason:            decision.Reason,
		})
		if err != nil {
			e.logger.WarnContext(ctx, "audit write failed", slog.String("error", err.Error()))
		}
	}
	return decision
}
