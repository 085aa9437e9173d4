package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/toolgate/internal/domain"
	"github.com/jkaninda/toolgate/internal/sandbox"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
workspace: /tmp/tg
policy:
  require_confirmation: false
  allowlist_prefixes: ["go test", "make lint"]
  network_policy: allow
  timeout_ms: 5000
sandbox:
  provider: container
  container:
    image: golang:1.24
    memory_mb: 512
storage:
  driver: sqlite
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := cfg.ToolPolicy()
	if !p.Enabled {
		t.Error("Enabled should default to true")
	}
	if p.RequireConfirmation {
		t.Error("RequireConfirmation = true, want false")
	}
	if p.NetworkPolicy != domain.NetworkAllow || p.TimeoutMs != 5000 {
		t.Errorf("policy = %+v", p)
	}
	if p.MaxOutputBytes != DefaultMaxOutputBytes {
		t.Errorf("MaxOutputBytes = %d", p.MaxOutputBytes)
	}
	if len(p.DenylistPatterns) != len(DefaultDenylist) {
		t.Errorf("DenylistPatterns = %q, want defaults", p.DenylistPatterns)
	}
	if !p.Interactive {
		t.Error("Interactive should default to true")
	}

	sb := cfg.SandboxProvider()
	if sb.Kind != sandbox.KindContainer || sb.Container.Image != "golang:1.24" || sb.Container.MemoryMB != 512 {
		t.Errorf("sandbox = %+v", sb)
	}
	if cfg.WorkspaceRoot() != "/tmp/tg" {
		t.Errorf("WorkspaceRoot = %q", cfg.WorkspaceRoot())
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
  "log_level": "debug",
  "policy": {"denylist_patterns": [], "interactive": false},
  "sandbox": {"provider": "devenv", "devenv": {"up_timeout_seconds": 30}}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := cfg.ToolPolicy()
	if len(p.DenylistPatterns) != 0 {
		t.Errorf("explicit empty denylist replaced: %q", p.DenylistPatterns)
	}
	if p.Interactive {
		t.Error("Interactive = true, want false")
	}
	if p.NetworkPolicy != domain.NetworkDeny {
		t.Errorf("NetworkPolicy = %q, want deny", p.NetworkPolicy)
	}
	if got := cfg.SandboxProvider().DevEnv.UpTimeout; got != 30*time.Second {
		t.Errorf("UpTimeout = %v", got)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeFile(t, "config.yaml", "policy:\n  timeout_ms: 1000\n")
	t.Setenv("TOOLGATE_TIMEOUT_MS", "2500")
	t.Setenv("TOOLGATE_MAX_OUTPUT_BYTES", "64")
	t.Setenv("TOOLGATE_NON_INTERACTIVE", "true")
	t.Setenv("TOOLGATE_SANDBOX", "none")
	t.Setenv("TOOLGATE_DATABASE_DSN", "postgres://u:p@localhost/db")
	t.Setenv("TOOLGATE_HTTP_ADDR", ":9999")
	t.Setenv("TOOLGATE_API_KEY", "secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := cfg.ToolPolicy()
	if p.TimeoutMs != 2500 || p.MaxOutputBytes != 64 || p.Interactive {
		t.Errorf("policy = %+v", p)
	}
	if cfg.StorageDriverName() != "postgres" || cfg.Storage.Postgres.DSN != "postgres://u:p@localhost/db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.HTTP.Addr() != ":9999" || len(cfg.HTTP.APIKeys) != 1 {
		t.Errorf("http = %+v", cfg.HTTP)
	}
}

func TestEnvOverrideInvalid(t *testing.T) {
	path := writeFile(t, "config.yaml", "{}\n")
	t.Setenv("TOOLGATE_TIMEOUT_MS", "soon")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "TOOLGATE_TIMEOUT_MS") {
		t.Errorf("err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad network", "policy:\n  network_policy: maybe\n", "network_policy"},
		{"bad sandbox", "sandbox:\n  provider: vm\n", "sandbox.provider"},
		{"bad log level", "log_level: loud\n", "log_level"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "dsn"},
		{"bad driver", "storage:\n  driver: mongo\n", "storage.driver"},
		{"negative memory", "sandbox:\n  container:\n    memory_mb: -1\n", "memory_mb"},
		{"bad tracing protocol", "observability:\n  tracing:\n    enabled: true\n    protocol: udp\n", "protocol"},
		{"negative retention", "retention:\n  max_age_days: -2\n", "max_age_days"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.yaml", tc.content))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadMissingAndMalformed(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
	if _, err := Load(writeFile(t, "c.json", "{not json")); err == nil {
		t.Error("Load of malformed JSON succeeded")
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	p := cfg.ToolPolicy()
	if !p.Enabled || !p.RequireConfirmation || p.TimeoutMs != DefaultTimeoutMs {
		t.Errorf("defaults = %+v", p)
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("driver = %q", cfg.StorageDriverName())
	}
}

func TestSectionDefaults(t *testing.T) {
	var a ApprovalConfig
	if a.TTL() != 5*time.Minute {
		t.Errorf("TTL = %v", a.TTL())
	}
	var r *RetentionConfig
	if r.MaxAge() != 30*24*time.Hour || r.CronSchedule() != "0 3 * * *" {
		t.Errorf("retention defaults = %v %q", r.MaxAge(), r.CronSchedule())
	}
	var h *HTTPConfig
	if h.Addr() != ":8080" {
		t.Errorf("Addr = %q", h.Addr())
	}
}
