// Package events defines the tool-run lifecycle events and the sinks that
// consume them.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/toolgate/internal/domain"
)

// Type identifies a lifecycle transition.
type Type string

const (
	// Requested is always emitted first.
	Requested Type = "tool.requested"
	// Blocked is terminal: the policy engine refused the command.
	Blocked Type = "tool.blocked"
	// Denied is terminal: confirmation was refused.
	Denied Type = "tool.denied"
	// Approved means policy and confirmation both passed.
	Approved Type = "tool.approved"
	// Started is emitted right before the process is spawned.
	Started Type = "tool.started"
	// Finished carries the ToolRunResult.
	Finished Type = "tool.finished"
	// Failed is terminal after Started: timeout, spawn failure, sandbox
	// preparation failure or cancellation.
	Failed Type = "tool.failed"
)

// Failure kinds carried by Failed events.
const (
	FailureTimeout   = "timeout"
	FailureProcess   = "process"
	FailureSandbox   = "sandbox"
	FailureCancelled = "cancelled"
	FailureInternal  = "internal"
)

// Event is one lifecycle notification for a tool run.
type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Time      time.Time       `json:"time"`
	RunID     string          `json:"run_id"`
	ToolRunID string          `json:"tool_run_id"`
	Command   string          `json:"command,omitempty"`
	Category  domain.Category `json:"category,omitempty"`
	Reason    string          `json:"reason,omitempty"`

	// Finished only.
	Result *domain.ToolRunResult `json:"result,omitempty"`

	// Failed only.
	Failure string `json:"failure,omitempty"`
	Error   string `json:"error,omitempty"`
}

// New returns an event with ID and Time populated.
func New(t Type, rc domain.RunnerContext) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Time:      time.Now().UTC(),
		RunID:     rc.RunID,
		ToolRunID: rc.ToolRunID,
	}
}

// Terminal reports whether no further events follow for the tool run.
func (e Event) Terminal() bool {
	switch e.Type {
	case Blocked, Denied, Finished, Failed:
		return true
	}
	return false
}

// FailureKind maps a runner error onto a Failed event kind.
func FailureKind(err error) string {
	var te *domain.TimeoutError
	var pe *domain.ProcessError
	switch {
	case errors.As(err, &te):
		return FailureTimeout
	case errors.As(err, &pe):
		return FailureProcess
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return FailureCancelled
	default:
		return FailureInternal
	}
}

// Sink consumes events. Emit must not block for long and must be safe for
// concurrent use; delivery is best-effort.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event)

func (f SinkFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }

// Multi fans an event out to several sinks in order. Nil sinks are skipped.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, e)
		}
	}
}

// LogSink writes every event to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, e Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []slog.Attr{
		slog.String("type", string(e.Type)),
		slog.String("run_id", e.RunID),
		slog.String("tool_run_id", e.ToolRunID),
	}
	if e.Category != "" {
		attrs = append(attrs, slog.String("category", string(e.Category)))
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	if e.Result != nil {
		attrs = append(attrs,
			slog.Int("exit_code", e.Result.ExitCode),
			slog.Int64("duration_ms", e.Result.DurationMs),
			slog.Bool("truncated", e.Result.Truncated),
		)
	}
	level := slog.LevelInfo
	if e.Type == Failed {
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("failure", e.Failure), slog.String("error", e.Error))
	}
	logger.LogAttrs(ctx, level, "tool event", attrs...)
}
