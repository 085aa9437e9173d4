package workspace

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "workspace")

	ws, err := New(root)
	if err != nil {
		t.Fatalf("New(%q): %v", root, err)
	}
	if ws.Root != root {
		t.Errorf("Root = %q, want %q", ws.Root, root)
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root dir not created: %v", err)
	}
}

func TestLayout(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"RunsDir", ws.RunsDir(), filepath.Join(ws.Root, "runs")},
		{"RunDir", ws.RunDir("run-1"), filepath.Join(ws.Root, "runs", "run-1")},
		{"ManifestPath", ws.ManifestPath("run-1"), filepath.Join(ws.Root, "runs", "run-1", "manifest.json")},
		{"AuditPath", ws.AuditPath(), filepath.Join(ws.Root, "audit.jsonl")},
		{"EventsPath", ws.EventsPath(), filepath.Join(ws.Root, "events.jsonl")},
		{"DBPath", ws.DBPath(), filepath.Join(ws.Root, "toolgate.db")},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("%s = %q, want %q", tc.name, tc.got, tc.want)
		}
	}
	if _, err := os.Stat(filepath.Join(ws.Root, "runs", "run-1")); err != nil {
		t.Errorf("run dir not created: %v", err)
	}
}

func TestRelTo(t *testing.T) {
	root := filepath.FromSlash("/art")
	tests := []struct {
		path, want string
	}{
		{filepath.FromSlash("/art/runs/r/tools/x_stdout.log"), "runs/r/tools/x_stdout.log"},
		{filepath.FromSlash("/elsewhere/x.log"), filepath.FromSlash("/elsewhere/x.log")},
		{filepath.FromSlash("/artifacts/x.log"), filepath.FromSlash("/artifacts/x.log")},
		{"", ""},
	}
	for _, tc := range tests {
		if got := RelTo(root, tc.path); got != tc.want {
			t.Errorf("RelTo(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
	if got := RelTo("", "a/b"); got != "a/b" {
		t.Errorf("RelTo with empty root = %q", got)
	}
}

func TestPruneRuns(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatal(err)
	}

	old := ws.RunDir("old-run")
	if err := os.WriteFile(filepath.Join(old, "manifest.json"), []byte("{}"), 0600); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}
	fresh := ws.RunDir("fresh-run")

	removed, err := ws.PruneRuns(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneRuns: %v", err)
	}
	if !slices.Equal(removed, []string{"old-run"}) {
		t.Errorf("removed = %q, want [old-run]", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Errorf("old run dir still present: %v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh run dir removed: %v", err)
	}

	// The directory cache must not hide a recreated run dir.
	if _, err := os.Stat(ws.RunDir("old-run")); err != nil {
		t.Errorf("run dir not recreated: %v", err)
	}
}

func TestPruneRunsNoop(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatal(err)
	}
	removed, err := ws.PruneRuns(time.Now())
	if err != nil || len(removed) != 0 {
		t.Fatalf("PruneRuns on missing dir = %q, %v", removed, err)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"normal", "normal"},
		{"a/b", "a_b"},
		{"a\\b", "a_b"},
		{"../etc/passwd", "__etc_passwd"},
		{"", "_"},
	}
	for _, tc := range tests {
		got := SanitizeName(tc.input)
		if got != tc.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestResolveTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got, err := ResolvePath("~/test")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(home, "test")
	if got != want {
		t.Errorf("ResolvePath(~/test) = %q, want %q", got, want)
	}
}

func TestTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdout.log")
	if err := os.WriteFile(path, []byte("0123456789"), 0o600); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		n    int64
		want string
	}{
		{4, "6789"},
		{10, "0123456789"},
		{100, "0123456789"},
	}
	for _, tc := range tests {
		got, err := Tail(path, tc.n)
		if err != nil || string(got) != tc.want {
			t.Errorf("Tail(%d) = %q, %v; want %q", tc.n, got, err, tc.want)
		}
	}
	if _, err := Tail(filepath.Join(t.TempDir(), "missing"), 4); err == nil {
		t.Error("Tail of a missing file succeeded")
	}
}
