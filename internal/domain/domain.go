// Package domain defines the types shared by the classifier, policy engine,
// confirmation gate and runner.
package domain

import "strings"

// Category is the coarse risk/intent bucket assigned to a command.
type Category string

const (
	CategoryDestructive Category = "destructive"
	CategoryNetwork     Category = "network"
	CategoryInstall     Category = "install"
	CategoryTest        Category = "test"
	CategoryBuild       Category = "build"
	CategoryLint        Category = "lint"
	CategoryFormat      Category = "format"
	CategoryUnknown     Category = "unknown"
)

// Categories lists every category in a stable order (metrics labels, docs).
var Categories = []Category{
	CategoryDestructive,
	CategoryNetwork,
	CategoryInstall,
	CategoryTest,
	CategoryBuild,
	CategoryLint,
	CategoryFormat,
	CategoryUnknown,
}

// ParsedCommand is a tokenized command line. It is produced once per request
// and never mutated afterwards.
type ParsedCommand struct {
	Binary string   `json:"binary"`
	Args   []string `json:"args"`

	// Structural markers. They are detected so callers can reason about
	// them but are never interpreted as shell grammar.
	HasPipe     bool `json:"has_pipe,omitempty"`
	HasRedirect bool `json:"has_redirect,omitempty"`
	HasSubshell bool `json:"has_subshell,omitempty"`
	HasChain    bool `json:"has_chain,omitempty"`
}

// Argv returns the binary followed by its arguments.
func (p ParsedCommand) Argv() []string {
	argv := make([]string, 0, 1+len(p.Args))
	argv = append(argv, p.Binary)
	return append(argv, p.Args...)
}

// String renders the command back to a single space-joined line.
func (p ParsedCommand) String() string {
	return strings.Join(p.Argv(), " ")
}

// Classification is the result of classifying a ParsedCommand.
type Classification struct {
	Category Category `json:"category"`
	Reason   string   `json:"reason,omitempty"`
}

// ToolRunRequest is what the agent layer asks to run.
type ToolRunRequest struct {
	Command string            `json:"command"`
	Reason  string            `json:"reason"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// Classification may be pre-computed by the caller. When nil the
	// policy engine derives it from Command.
	Classification *Classification `json:"classification,omitempty"`
}

// NetworkPolicy controls whether network and install commands may run.
type NetworkPolicy string

const (
	NetworkAllow NetworkPolicy = "allow"
	NetworkDeny  NetworkPolicy = "deny"
)

// ToolPolicy is the human-defined policy applied to a run. It is read-only
// for the duration of a run.
type ToolPolicy struct {
	Enabled             bool          `json:"enabled" yaml:"enabled"`
	RequireConfirmation bool          `json:"require_confirmation" yaml:"require_confirmation"`
	AllowlistPrefixes   []string      `json:"allowlist_prefixes" yaml:"allowlist_prefixes"`
	DenylistPatterns    []string      `json:"denylist_patterns" yaml:"denylist_patterns"`
	NetworkPolicy       NetworkPolicy `json:"network_policy" yaml:"network_policy"`
	EnvAllowlist        []string      `json:"env_allowlist" yaml:"env_allowlist"`
	AllowShell          bool          `json:"allow_shell" yaml:"allow_shell"`
	TimeoutMs           int           `json:"timeout_ms" yaml:"timeout_ms"`
	MaxOutputBytes      int           `json:"max_output_bytes" yaml:"max_output_bytes"`
	AutoApprove         bool          `json:"auto_approve" yaml:"auto_approve"`
	Interactive         bool          `json:"interactive" yaml:"interactive"`
}

// PolicyDecision is the outcome of evaluating a request against a policy.
type PolicyDecision struct {
	IsAllowed         bool   `json:"is_allowed"`
	NeedsConfirmation bool   `json:"needs_confirmation"`
	Reason            string `json:"reason,omitempty"`
}

// RunnerContext identifies where a tool run's logs are written.
type RunnerContext struct {
	RunID     string `json:"run_id"`
	ToolRunID string `json:"tool_run_id,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
}

// ToolRunResult is the terminal record of one execution. It is written once.
type ToolRunResult struct {
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	StdoutPath string `json:"stdout_path"`
	StderrPath string `json:"stderr_path"`
	Truncated  bool   `json:"truncated"`
}
