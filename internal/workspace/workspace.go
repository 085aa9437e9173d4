// Package workspace manages the toolgate artifact root.
// Per-run artifacts (tool logs, the run manifest) live under runs/<runID>/;
// the audit log, event log and history database sit at the root.
//
// Default root: ~/.toolgate/artifacts (configurable via config or TOOLGATE_WORKSPACE).
package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const defaultRelativePath = ".toolgate/artifacts"

// Workspace resolves every artifact path from a single root.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool
}

// New creates a Workspace rooted at root, expanding ~ and creating the
// directory if needed.
func New(root string) (*Workspace, error) {
	resolved, err := ResolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}
	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return w, nil
}

// Default creates a Workspace at ~/.toolgate/artifacts.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// RunsDir returns <root>/runs/. The sandbox runner writes tool logs below it.
func (w *Workspace) RunsDir() string {
	return w.dir("runs")
}

// RunDir returns <root>/runs/<runID>/.
func (w *Workspace) RunDir(runID string) string {
	p := filepath.Join(w.RunsDir(), SanitizeName(runID))
	_ = w.ensureDir(p, 0750)
	return p
}

// ManifestPath returns <root>/runs/<runID>/manifest.json.
func (w *Workspace) ManifestPath(runID string) string {
	return filepath.Join(w.RunDir(runID), "manifest.json")
}

// AuditPath returns <root>/audit.jsonl.
func (w *Workspace) AuditPath() string {
	return filepath.Join(w.Root, "audit.jsonl")
}

// EventsPath returns <root>/events.jsonl.
func (w *Workspace) EventsPath() string {
	return filepath.Join(w.Root, "events.jsonl")
}

// DBPath returns <root>/toolgate.db.
func (w *Workspace) DBPath() string {
	return filepath.Join(w.Root, "toolgate.db")
}

// Rel returns path relative to the root when it lives under it, and path
// unchanged otherwise.
func (w *Workspace) Rel(path string) string {
	return RelTo(w.Root, path)
}

// RelTo returns path relative to root when it lives under root.
func RelTo(root, path string) string {
	if root == "" || path == "" {
		return path
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return filepath.ToSlash(rel)
}

// PruneRuns removes run directories last modified before cutoff and returns
// the removed run IDs.
func (w *Workspace) PruneRuns(cutoff time.Time) ([]string, error) {
	dir := filepath.Join(w.Root, "runs")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading runs dir: %w", err)
	}

	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		p := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(p); err != nil {
			return removed, fmt.Errorf("removing run dir %s: %w", entry.Name(), err)
		}
		w.mu.Lock()
		for k := range w.created {
			if k == p || strings.HasPrefix(k, p+string(filepath.Separator)) {
				delete(w.created, k)
			}
		}
		w.mu.Unlock()
		removed = append(removed, entry.Name())
	}
	return removed, nil
}

func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// ensureDir creates a directory once per Workspace.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// ResolvePath expands ~ to the user home directory and returns an absolute path.
func ResolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// SanitizeName replaces path separator characters to prevent directory
// traversal. Run and tool-run IDs go through it wherever they become a path
// component, so logs and manifests for one run share a directory.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}

// Tail returns at most n bytes from the end of the file at path.
func Tail(path string, n int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if offset := info.Size() - n; offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, err
		}
	}
	return io.ReadAll(f)
}
