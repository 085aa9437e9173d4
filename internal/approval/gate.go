package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/toolgate/internal/domain"
)

// UserInterface asks a human (or a stand-in) to confirm a command.
// Confirm returns true to proceed. defaultNo tells the implementation which
// answer to assume for an empty reply.
type UserInterface interface {
	Confirm(ctx context.Context, message, details string, defaultNo bool) (bool, error)
}

// Gate resolves "needs confirmation" decisions.
type Gate struct {
	ui     UserInterface
	logger *slog.Logger
}

// NewGate creates a confirmation gate. ui may be nil, in which case every
// confirmation is denied.
func NewGate(ui UserInterface, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{ui: ui, logger: logger}
}

// Resolve returns nil when the command may proceed and a
// *domain.ConfirmationDeniedError when it may not. In non-interactive
// policies the user interface is never called.
func (g *Gate) Resolve(ctx context.Context, req domain.ToolRunRequest, decision domain.PolicyDecision, policy domain.ToolPolicy) error {
	if !decision.NeedsConfirmation {
		return nil
	}
	if !policy.Interactive {
		g.logger.InfoContext(ctx, "confirmation required in non-interactive mode, denying",
			slog.String("command", req.Command),
		)
		return &domain.ConfirmationDeniedError{Command: req.Command, Reason: "non-interactive"}
	}
	if g.ui == nil {
		return &domain.ConfirmationDeniedError{Command: req.Command, Reason: "no user interface"}
	}

	ok, err := g.ui.Confirm(ctx, Message(req), Details(req, decision), true)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("awaiting confirmation: %w", ctx.Err())
		}
		g.logger.WarnContext(ctx, "confirmation prompt failed", slog.String("error", err.Error()))
		return &domain.ConfirmationDeniedError{Command: req.Command, Reason: "prompt failed: " + err.Error()}
	}
	if !ok {
		return &domain.ConfirmationDeniedError{Command: req.Command, Reason: "denied by user"}
	}
	return nil
}

// Message is the one-line confirmation prompt naming the exact command.
func Message(req domain.ToolRunRequest) string {
	return "Run command: " + req.Command
}

// Details carries the stated reason and working directory.
func Details(req domain.ToolRunRequest, decision domain.PolicyDecision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reason: %s\n", orNone(req.Reason))
	fmt.Fprintf(&b, "Working directory: %s\n", orNone(req.Cwd))
	if decision.Reason != "" {
		fmt.Fprintf(&b, "Policy: %s\n", decision.Reason)
	}
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
