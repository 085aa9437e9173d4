// Package config handles loading and validating toolgate configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/toolgate/internal/domain"
	"github.com/jkaninda/toolgate/internal/sandbox"
)

// Policy defaults applied when the policy section leaves a field unset.
const (
	DefaultTimeoutMs      = 120_000
	DefaultMaxOutputBytes = 1 << 20
)

// DefaultDenylist is used when policy.denylist_patterns is absent.
// An explicit empty list disables it.
var DefaultDenylist = []string{
	`rm\s+-(rf|fr)\s+/(\s|$)`,
	`rm\s+-(rf|fr)\s+~`,
	`mkfs`,
	`:\(\)\s*\{`,
	`sudo`,
}

// Config is the root configuration for toolgate.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Artifact root. Default: ~/.toolgate/artifacts. Override: TOOLGATE_WORKSPACE.
	WorkDir       string               `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`   // Repository root commands run in. Default: current directory.
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty"` // debug, info, warn, error. Default: info.
	Policy        PolicyConfig         `json:"policy" yaml:"policy"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Approval      ApprovalConfig       `json:"approval" yaml:"approval"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite under the workspace
	HTTP          *HTTPConfig          `json:"http,omitempty" yaml:"http,omitempty"`                   // nil = serve uses defaults
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Retention     *RetentionConfig     `json:"retention,omitempty" yaml:"retention,omitempty"`         // nil = keep everything
}

// PolicyConfig is the on-disk form of domain.ToolPolicy. Pointer fields
// distinguish "unset" from false.
type PolicyConfig struct {
	Enabled             *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`                           // Default: true.
	RequireConfirmation *bool    `json:"require_confirmation,omitempty" yaml:"require_confirmation,omitempty"` // Default: true.
	AllowlistPrefixes   []string `json:"allowlist_prefixes" yaml:"allowlist_prefixes"`
	DenylistPatterns    []string `json:"denylist_patterns" yaml:"denylist_patterns"` // nil = DefaultDenylist.
	NetworkPolicy       string   `json:"network_policy" yaml:"network_policy"`       // "allow" or "deny". Default: deny.
	EnvAllowlist        []string `json:"env_allowlist" yaml:"env_allowlist"`
	AllowShell          bool     `json:"allow_shell" yaml:"allow_shell"`
	TimeoutMs           int      `json:"timeout_ms" yaml:"timeout_ms"`             // Default: 120000. Negative = no timeout.
	MaxOutputBytes      int      `json:"max_output_bytes" yaml:"max_output_bytes"` // Default: 1 MiB. Negative = unlimited.
	AutoApprove         bool     `json:"auto_approve" yaml:"auto_approve"`
	Interactive         *bool    `json:"interactive,omitempty" yaml:"interactive,omitempty"` // Default: true.
}

// SandboxConfig selects the sandbox provider.
type SandboxConfig struct {
	Provider  string                 `json:"provider" yaml:"provider"` // "none" (default), "container", "devenv".
	Container ContainerSandboxConfig `json:"container" yaml:"container"`
	DevEnv    DevEnvSandboxConfig    `json:"devenv" yaml:"devenv"`
}

// ContainerSandboxConfig configures the container provider.
type ContainerSandboxConfig struct {
	Runtime        string   `json:"runtime" yaml:"runtime"` // "docker" (default) or "podman".
	Image          string   `json:"image" yaml:"image"`
	MemoryMB       int      `json:"memory_mb" yaml:"memory_mb"`
	CPUCores       float64  `json:"cpu_cores" yaml:"cpu_cores"`
	PIDsLimit      int      `json:"pids_limit" yaml:"pids_limit"`
	NetworkAllowed bool     `json:"network_allowed" yaml:"network_allowed"`
	ReadOnlyRepo   bool     `json:"read_only_repo" yaml:"read_only_repo"`
	ForwardEnv     []string `json:"forward_env" yaml:"forward_env"`
}

// DevEnvSandboxConfig configures the dev-environment provider.
type DevEnvSandboxConfig struct {
	CLI              string   `json:"cli" yaml:"cli"`                               // Default: devcontainer.
	ConfigPath       string   `json:"config_path" yaml:"config_path"`               // Default: .devcontainer/devcontainer.json.
	UpTimeoutSeconds int      `json:"up_timeout_seconds" yaml:"up_timeout_seconds"` // Default: 600.
	DownArgs         []string `json:"down_args,omitempty" yaml:"down_args,omitempty"`
}

// ApprovalConfig configures confirmation handling.
type ApprovalConfig struct {
	TTLSeconds   int                 `json:"ttl_seconds" yaml:"ttl_seconds"` // Pending API approvals expire after this. 0 = 300s.
	AutoApproval *AutoApprovalConfig `json:"auto_approval,omitempty" yaml:"auto_approval,omitempty"`
}

// AutoApprovalConfig controls repeat-based automatic approval.
type AutoApprovalConfig struct {
	Enabled           bool `json:"enabled" yaml:"enabled"`
	MaxAutoApprovals  int  `json:"max_auto_approvals" yaml:"max_auto_approvals"` // Per hour. Default: 10.
	RequiredApprovals int  `json:"required_approvals" yaml:"required_approvals"` // Manual approvals before auto. Default: 3.
	WindowHours       int  `json:"window_hours" yaml:"window_hours"`             // Lookback window. Default: 24.
}

// TTL returns the approval TTL with a default of 5 minutes.
func (a ApprovalConfig) TTL() time.Duration {
	if a.TTLSeconds > 0 {
		return time.Duration(a.TTLSeconds) * time.Second
	}
	return 5 * time.Minute
}

// StorageConfig selects the run history backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the driver name, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s == nil || s.Driver == "" {
		return "sqlite"
	}
	return s.Driver
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <workspace>/toolgate.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: TOOLGATE_DATABASE_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

// HTTPConfig configures the HTTP API.
type HTTPConfig struct {
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080". Override: TOOLGATE_HTTP_ADDR.
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeys             []string        `json:"api_keys" yaml:"api_keys"` // Empty = no authentication. Override: TOOLGATE_API_KEY.
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// RateLimitConfig configures per-key rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing and anomaly detection.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "toolgate"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures outcome-rate anomaly detection.
type AnomalyConfig struct {
	Enabled              bool    `json:"enabled" yaml:"enabled"`
	DenialRateThreshold  float64 `json:"denial_rate_threshold" yaml:"denial_rate_threshold"`   // e.g. 0.5 = half of runs blocked or denied
	FailureRateThreshold float64 `json:"failure_rate_threshold" yaml:"failure_rate_threshold"` // timeouts and spawn failures
	WindowSeconds        int     `json:"window_seconds" yaml:"window_seconds"`                 // Sliding window. Default: 300
}

// RetentionConfig configures scheduled pruning of run artifacts and history.
type RetentionConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"` // Default: 30.
	Schedule   string `json:"schedule" yaml:"schedule"`         // Five-field cron expression. Default: "0 3 * * *".
}

// MaxAge returns the retention age with a default of 30 days.
func (r *RetentionConfig) MaxAge() time.Duration {
	if r != nil && r.MaxAgeDays > 0 {
		return time.Duration(r.MaxAgeDays) * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}

// CronSchedule returns the schedule with a default of daily at 03:00.
func (r *RetentionConfig) CronSchedule() string {
	if r != nil && r.Schedule != "" {
		return r.Schedule
	}
	return "0 3 * * *"
}

// DefaultConfigPath returns the default config file path (~/.toolgate/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "toolgate.yaml"
	}
	return filepath.Join(home, ".toolgate", "config.yaml")
}

// Default returns a configuration with every default applied, for use when
// no config file exists.
func Default() (*Config, error) {
	var cfg Config
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. A .env file in the working directory is loaded first;
// TOOLGATE_* environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default when it
// does not.
func LoadOrDefault(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		_ = godotenv.Load()
		return Default()
	}
	return Load(path)
}

func (c *Config) finalize() error {
	if err := c.applyEnv(); err != nil {
		return err
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// applyEnv applies TOOLGATE_* overrides.
func (c *Config) applyEnv() error {
	c.Workspace = goutils.Env("TOOLGATE_WORKSPACE", c.Workspace)
	c.WorkDir = goutils.Env("TOOLGATE_WORK_DIR", c.WorkDir)
	c.LogLevel = goutils.Env("TOOLGATE_LOG_LEVEL", c.LogLevel)
	c.Sandbox.Provider = goutils.Env("TOOLGATE_SANDBOX", c.Sandbox.Provider)
	c.Policy.NetworkPolicy = goutils.Env("TOOLGATE_NETWORK_POLICY", c.Policy.NetworkPolicy)

	for _, o := range []struct {
		key string
		dst *int
	}{
		{"TOOLGATE_TIMEOUT_MS", &c.Policy.TimeoutMs},
		{"TOOLGATE_MAX_OUTPUT_BYTES", &c.Policy.MaxOutputBytes},
	} {
		if v := os.Getenv(o.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", o.key, err)
			}
			*o.dst = n
		}
	}
	if v := os.Getenv("TOOLGATE_NON_INTERACTIVE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TOOLGATE_NON_INTERACTIVE: %w", err)
		}
		interactive := !b
		c.Policy.Interactive = &interactive
	}

	if dsn := os.Getenv("TOOLGATE_DATABASE_DSN"); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		c.Storage.Driver = "postgres"
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = dsn
	}
	if addr := os.Getenv("TOOLGATE_HTTP_ADDR"); addr != "" {
		if c.HTTP == nil {
			c.HTTP = &HTTPConfig{}
		}
		c.HTTP.ListenAddr = addr
	}
	if key := os.Getenv("TOOLGATE_API_KEY"); key != "" {
		if c.HTTP == nil {
			c.HTTP = &HTTPConfig{}
		}
		c.HTTP.APIKeys = append(c.HTTP.APIKeys, key)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Workspace == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Workspace = filepath.Join(home, ".toolgate", "artifacts")
		} else {
			c.Workspace = ".toolgate"
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Policy.NetworkPolicy == "" {
		c.Policy.NetworkPolicy = string(domain.NetworkDeny)
	}
	if c.Policy.TimeoutMs == 0 {
		c.Policy.TimeoutMs = DefaultTimeoutMs
	}
	if c.Policy.MaxOutputBytes == 0 {
		c.Policy.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if c.Policy.DenylistPatterns == nil {
		c.Policy.DenylistPatterns = append([]string(nil), DefaultDenylist...)
	}
	if c.Sandbox.Provider == "" {
		c.Sandbox.Provider = string(sandbox.KindNone)
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// WorkspaceRoot returns the workspace path with ~ expanded.
func (c *Config) WorkspaceRoot() string {
	resolved, err := resolvePath(c.Workspace)
	if err != nil {
		return c.Workspace
	}
	return resolved
}

// ResolvedWorkDir returns the repository root commands run in.
func (c *Config) ResolvedWorkDir() string {
	if c.WorkDir == "" {
		if wd, err := os.Getwd(); err == nil {
			return wd
		}
		return "."
	}
	resolved, err := resolvePath(c.WorkDir)
	if err != nil {
		return c.WorkDir
	}
	return resolved
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

// ToolPolicy converts the policy section into the runtime policy.
func (c *Config) ToolPolicy() domain.ToolPolicy {
	p := c.Policy
	return domain.ToolPolicy{
		Enabled:             boolOr(p.Enabled, true),
		RequireConfirmation: boolOr(p.RequireConfirmation, true),
		AllowlistPrefixes:   append([]string(nil), p.AllowlistPrefixes...),
		DenylistPatterns:    append([]string(nil), p.DenylistPatterns...),
		NetworkPolicy:       domain.NetworkPolicy(p.NetworkPolicy),
		EnvAllowlist:        append([]string(nil), p.EnvAllowlist...),
		AllowShell:          p.AllowShell,
		TimeoutMs:           p.TimeoutMs,
		MaxOutputBytes:      p.MaxOutputBytes,
		AutoApprove:         p.AutoApprove,
		Interactive:         boolOr(p.Interactive, true),
	}
}

// SandboxProvider converts the sandbox section into a provider config.
func (c *Config) SandboxProvider() sandbox.Config {
	s := c.Sandbox
	return sandbox.Config{
		Kind: sandbox.Kind(s.Provider),
		Container: sandbox.ContainerConfig{
			Runtime:        s.Container.Runtime,
			Image:          s.Container.Image,
			MemoryMB:       s.Container.MemoryMB,
			CPUCores:       s.Container.CPUCores,
			PIDsLimit:      s.Container.PIDsLimit,
			NetworkAllowed: s.Container.NetworkAllowed,
			ReadOnlyRepo:   s.Container.ReadOnlyRepo,
			ForwardEnv:     s.Container.ForwardEnv,
		},
		DevEnv: sandbox.DevEnvConfig{
			CLI:        s.DevEnv.CLI,
			ConfigPath: s.DevEnv.ConfigPath,
			UpTimeout:  time.Duration(s.DevEnv.UpTimeoutSeconds) * time.Second,
			DownArgs:   s.DevEnv.DownArgs,
		},
	}
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func (c *Config) validate() error {
	switch domain.NetworkPolicy(c.Policy.NetworkPolicy) {
	case domain.NetworkAllow, domain.NetworkDeny:
	default:
		return fmt.Errorf("policy.network_policy %q is not supported (use allow or deny)", c.Policy.NetworkPolicy)
	}
	switch sandbox.Kind(c.Sandbox.Provider) {
	case sandbox.KindNone, sandbox.KindContainer, sandbox.KindDevEnv:
	default:
		return fmt.Errorf("sandbox.provider %q is not supported (use none, container, or devenv)", c.Sandbox.Provider)
	}
	if c.Sandbox.Container.MemoryMB < 0 {
		return fmt.Errorf("sandbox.container.memory_mb must not be negative")
	}
	if c.Sandbox.Container.CPUCores < 0 {
		return fmt.Errorf("sandbox.container.cpu_cores must not be negative")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not supported (use debug, info, warn, or error)", c.LogLevel)
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (or set TOOLGATE_DATABASE_DSN)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.HTTP != nil && c.HTTP.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("http.rate_limit.requests_per_minute must not be negative")
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		switch c.Observability.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", c.Observability.Tracing.Protocol)
		}
	}
	if c.Retention != nil && c.Retention.MaxAgeDays < 0 {
		return fmt.Errorf("retention.max_age_days must not be negative")
	}
	return nil
}
