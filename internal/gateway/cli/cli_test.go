package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/toolgate/internal/approval"
	"github.com/jkaninda/toolgate/internal/domain"
)

type fakeRuns struct {
	result domain.ToolRunResult
	err    error
	got    []domain.ToolRunRequest
	rcs    []domain.RunnerContext
}

func (f *fakeRuns) Run(_ context.Context, req domain.ToolRunRequest, rc domain.RunnerContext) (domain.ToolRunResult, error) {
	f.got = append(f.got, req)
	f.rcs = append(f.rcs, rc)
	return f.result, f.err
}

func (f *fakeRuns) Policy() domain.ToolPolicy {
	return domain.ToolPolicy{Enabled: true, RequireConfirmation: true, NetworkPolicy: domain.NetworkDeny}
}

func TestShellRunsCommands(t *testing.T) {
	stdout := filepath.Join(t.TempDir(), "stdout.log")
	if err := os.WriteFile(stdout, []byte("PASS"), 0o600); err != nil {
		t.Fatal(err)
	}
	runs := &fakeRuns{result: domain.ToolRunResult{ExitCode: 0, DurationMs: 7, StdoutPath: stdout}}
	var out bytes.Buffer
	ui := approval.NewTerminalUI(strings.NewReader("go test ./...\n\nmake lint\nexit\n"), &out)
	g := NewGateway(runs, ui, &out, "/repo", nil)

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(runs.got) != 2 || runs.got[0].Command != "go test ./..." || runs.got[1].Command != "make lint" {
		t.Fatalf("requests = %+v", runs.got)
	}
	if runs.rcs[0].RunID != g.RunID() || runs.rcs[0].ToolRunID == runs.rcs[1].ToolRunID {
		t.Errorf("runner contexts = %+v", runs.rcs)
	}
	if runs.got[0].Cwd != "/repo" || runs.got[0].Reason != shellReason {
		t.Errorf("request = %+v", runs.got[0])
	}
	for _, want := range []string{"PASS", "[exit 0, 7ms]", "Goodbye."} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestShellBuiltins(t *testing.T) {
	runs := &fakeRuns{}
	var out bytes.Buffer
	ui := approval.NewTerminalUI(strings.NewReader("help\nclassify npm install\ncheck curl https://example.com\n"), &out)
	g := NewGateway(runs, ui, &out, "", nil)

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(runs.got) != 0 {
		t.Errorf("built-ins ran commands: %+v", runs.got)
	}
	for _, want := range []string{"classify <command>", "category: install", "allowed:      false"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestShellReportsErrors(t *testing.T) {
	runs := &fakeRuns{err: &domain.TimeoutError{Command: "sleep 9", TimeoutMs: 10, Stdout: "tick"}}
	var out bytes.Buffer
	ui := approval.NewTerminalUI(strings.NewReader("sleep 9\n"), &out)
	g := NewGateway(runs, ui, &out, "", nil)

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !strings.Contains(out.String(), "timed out") || !strings.Contains(out.String(), "tick") {
		t.Errorf("output = %s", out.String())
	}
}

type blockingReader struct{}

func (blockingReader) ReadLine(ctx context.Context, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestShellStop(t *testing.T) {
	var out bytes.Buffer
	g := NewGateway(&fakeRuns{}, blockingReader{}, &out, "", nil)
	done := make(chan error, 1)
	go func() { done <- g.Start(context.Background()) }()

	_ = g.Stop(context.Background())
	_ = g.Stop(context.Background())
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not end the shell")
	}
}
