package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jkaninda/toolgate/internal/config"
	"github.com/jkaninda/toolgate/internal/domain"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"timeout", &domain.TimeoutError{TimeoutMs: 5}, ExitTimeout},
		{"blocked", &domain.PolicyDeniedError{Reason: "denylist"}, ExitRefused},
		{"denied", &domain.ConfirmationDeniedError{}, ExitRefused},
		{"spawn", &domain.ProcessError{Command: "x", Err: os.ErrNotExist}, ExitNotFound},
		{"other", errors.New("boom"), ExitFailure},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCodeFor(tc.err); got != tc.want {
				t.Errorf("exitCodeFor = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestPrintRunJSON(t *testing.T) {
	tests := []struct {
		name       string
		result     domain.ToolRunResult
		err        error
		wantStatus string
		wantCode   int
	}{
		{"finished", domain.ToolRunResult{ExitCode: 0}, nil, "finished", 0},
		{"nonzero", domain.ToolRunResult{ExitCode: 3}, nil, "finished", 3},
		{"blocked", domain.ToolRunResult{}, &domain.PolicyDeniedError{Reason: "x"}, "blocked", ExitRefused},
		{"denied", domain.ToolRunResult{}, &domain.ConfirmationDeniedError{}, "denied", ExitRefused},
		{"timeout", domain.ToolRunResult{}, &domain.TimeoutError{}, "failed", ExitTimeout},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := printRunJSON(&buf, tc.result, tc.err)

			var out runJSONOutput
			if jerr := json.Unmarshal(buf.Bytes(), &out); jerr != nil {
				t.Fatalf("decoding %q: %v", buf.String(), jerr)
			}
			if out.Status != tc.wantStatus {
				t.Errorf("Status = %q, want %q", out.Status, tc.wantStatus)
			}
			var ee *exitError
			switch {
			case tc.wantCode == 0 && err != nil:
				t.Errorf("err = %v, want nil", err)
			case tc.wantCode != 0 && (!errors.As(err, &ee) || ee.code != tc.wantCode):
				t.Errorf("err = %v, want exit %d", err, tc.wantCode)
			}
		})
	}
}

func TestReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdout.log")
	if err := os.WriteFile(path, []byte("hello\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	replay(&buf, path)
	replay(&buf, "")
	replay(&buf, filepath.Join(t.TempDir(), "missing"))
	if buf.String() != "hello\n" {
		t.Errorf("replay = %q", buf.String())
	}
}

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&config.Config{LogLevel: "warn"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	if bytes.Contains(buf.Bytes(), []byte("hidden")) || !bytes.Contains(buf.Bytes(), []byte("shown")) {
		t.Errorf("log output = %q", buf.String())
	}
}

func TestInitSharedWiresService(t *testing.T) {
	t.Setenv("TOOLGATE_DATABASE_DSN", "")
	cfg, err := config.Default()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Workspace = t.TempDir()
	cfg.WorkDir = t.TempDir()

	sc, err := initShared(cfg, newLogger(cfg, &bytes.Buffer{}), sharedOptions{})
	if err != nil {
		t.Fatalf("initShared: %v", err)
	}
	defer sc.Cleanup()

	if sc.Service == nil || sc.Store == nil || sc.Bus == nil || sc.Tracker == nil {
		t.Fatalf("components missing: %+v", sc)
	}
	if sc.Store.Driver() != "sqlite" {
		t.Errorf("driver = %q", sc.Store.Driver())
	}
	if _, err := os.Stat(sc.Workspace.AuditPath()); err != nil {
		t.Errorf("audit log not created: %v", err)
	}
}
