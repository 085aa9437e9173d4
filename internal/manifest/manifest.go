// Package manifest maintains the per-run manifest.json listing tool log
// paths. Updates are read-modify-write without locking: concurrent writers
// may lose each other's entries, and a corrupt file is replaced rather than
// reported.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jkaninda/toolgate/internal/domain"
	"github.com/jkaninda/toolgate/internal/workspace"
)

// Entry summarises one finished tool run.
type Entry struct {
	ToolRunID  string          `json:"tool_run_id"`
	Command    string          `json:"command"`
	Category   domain.Category `json:"category,omitempty"`
	ExitCode   int             `json:"exit_code"`
	DurationMs int64           `json:"duration_ms"`
	Truncated  bool            `json:"truncated,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Manifest is the JSON document stored at runs/<runID>/manifest.json.
type Manifest struct {
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ToolLogs  []string  `json:"tool_logs"`
	ToolRuns  []Entry   `json:"tool_runs,omitempty"`
}

// Store reads and writes manifests inside a workspace.
type Store struct {
	ws  *workspace.Workspace
	now func() time.Time
}

func NewStore(ws *workspace.Workspace) *Store {
	return &Store{ws: ws, now: func() time.Time { return time.Now().UTC() }}
}

// Load returns the manifest for runID. A missing file yields os.ErrNotExist.
func (s *Store) Load(runID string) (*Manifest, error) {
	data, err := os.ReadFile(s.ws.ManifestPath(runID))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest for run %s: %w", runID, err)
	}
	return &m, nil
}

// AppendToolLogs appends the two log paths, relative to the workspace root
// when they live under it, plus entry to the run's manifest.
func (s *Store) AppendToolLogs(runID, stdoutPath, stderrPath string, entry Entry) error {
	now := s.now()
	m, err := s.Load(runID)
	if err != nil {
		// Missing or unreadable: start over.
		m = &Manifest{RunID: runID, CreatedAt: now}
	}
	if m.RunID == "" {
		m.RunID = runID
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}

	m.ToolLogs = append(m.ToolLogs, s.ws.Rel(stdoutPath), s.ws.Rel(stderrPath))
	if entry.ToolRunID != "" {
		if entry.FinishedAt.IsZero() {
			entry.FinishedAt = now
		}
		m.ToolRuns = append(m.ToolRuns, entry)
	}
	m.UpdatedAt = now

	return atomicWrite(s.ws.ManifestPath(runID), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	})
}

// atomicWrite writes to a temp file in the target directory and renames it.
func atomicWrite(path string, writeFunc func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := writeFunc(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename manifest: %w", err)
	}
	success = true
	return nil
}
