package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// AuditLogger writes policy decisions as append-only JSONL.
// Safe for concurrent use.
type AuditLogger struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// NewAuditLogger opens (or creates) the audit log in append-only mode with
// 0600 permissions.
func NewAuditLogger(path string, logger *slog.Logger) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating audit log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		file:   f,
		logger: logger,
	}, nil
}

// LogDecision appends the event as a single JSON line.
// Marshal happens outside the lock; only the file write is serialized.
func (a *AuditLogger) LogDecision(ctx context.Context, event AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	_, writeErr := a.file.Write(data)
	a.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit event: %w", writeErr)
	}

	a.logger.DebugContext(ctx, "policy decision audited",
		slog.String("tool_run_id", event.ToolRunID),
		slog.String("category", string(event.Category)),
		slog.Bool("allowed", event.Allowed),
		slog.String("reason", event.Reason),
	)
	return nil
}

// Close closes the underlying file.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}
