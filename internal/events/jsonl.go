package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// JSONLSink appends every event as one JSON line to a file. Write failures
// are logged and dropped.
type JSONLSink struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// NewJSONLSink opens (or creates) path in append-only mode.
func NewJSONLSink(path string, logger *slog.Logger) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating event log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening event log %s: %w", path, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONLSink{file: f, logger: logger}, nil
}

func (s *JSONLSink) Emit(ctx context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.WarnContext(ctx, "marshaling event failed", slog.String("error", err.Error()))
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	_, err = s.file.Write(data)
	s.mu.Unlock()
	if err != nil {
		s.logger.WarnContext(ctx, "writing event failed", slog.String("error", err.Error()))
	}
}

// Close closes the underlying file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
