package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/toolgate/internal/approval"
	"github.com/jkaninda/toolgate/internal/domain"
)

// Exit codes for the run command. A finished command exits with its own code.
const (
	ExitFailure  = 1
	ExitTimeout  = 124
	ExitRefused  = 126 // blocked by policy or confirmation denied
	ExitNotFound = 127 // the process could not be started
)

var (
	runReason         string
	runCwd            string
	runID             string
	runYes            bool
	runNonInteractive bool
	runTimeoutMs      int
	runMaxOutput      int
	runJSON           bool
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command>",
	Short: "Run one command through policy, confirmation and the sandbox",
	Long: `Run a single command the way an agent would request it.

The command is classified, checked against the policy and confirmed on the
terminal when required. Its output is captured under the workspace and
replayed here once it ends.

Examples:
  toolgate run -r "run unit tests" -- go test ./...
  toolgate run --non-interactive -r "install deps" -- npm install

Exit codes:
  n    the command's own exit code
  1    internal failure
  124  timed out
  126  blocked by policy or confirmation denied
  127  the command could not be started`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runReason, "reason", "r", "", "why the command is needed (shown in confirmations)")
	f.StringVar(&runCwd, "cwd", "", "working directory (default: configured work_dir)")
	f.StringVar(&runID, "run-id", "", "group this tool run under an existing run ID")
	f.BoolVarP(&runYes, "yes", "y", false, "approve confirmations automatically")
	f.BoolVar(&runNonInteractive, "non-interactive", false, "deny anything that needs confirmation")
	f.IntVar(&runTimeoutMs, "timeout-ms", 0, "override the policy timeout")
	f.IntVar(&runMaxOutput, "max-output-bytes", 0, "override the policy output budget")
	f.BoolVar(&runJSON, "json", false, "print the result as JSON instead of replaying output")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stderr)

	ui := approval.NewTerminalUI(os.Stdin, os.Stderr)
	sc, err := initShared(cfg, logger, sharedOptions{Gate: approval.NewGate(ui, logger)})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	policy := sc.Service.Policy()
	if runYes {
		policy.AutoApprove = true
	}
	if runNonInteractive || !stdinIsTerminal() {
		policy.Interactive = false
	}
	if runTimeoutMs > 0 {
		policy.TimeoutMs = runTimeoutMs
	}
	if runMaxOutput > 0 {
		policy.MaxOutputBytes = runMaxOutput
	}
	svc := sc.Service.WithPolicy(policy)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	req := domain.ToolRunRequest{
		Command: strings.Join(args, " "),
		Reason:  runReason,
		Cwd:     runCwd,
	}
	rc := domain.RunnerContext{RunID: runID, Cwd: runCwd}

	result, err := svc.Run(ctx, req, rc)
	if runJSON {
		return printRunJSON(os.Stdout, result, err)
	}
	if err != nil {
		return reportRunError(os.Stderr, logger, err)
	}

	replay(os.Stdout, result.StdoutPath)
	replay(os.Stderr, result.StderrPath)
	if result.Truncated {
		fmt.Fprintf(os.Stderr, "toolgate: output truncated at %d bytes\n", policy.MaxOutputBytes)
	}
	if result.ExitCode != 0 {
		return &exitError{code: result.ExitCode}
	}
	return nil
}

// exitCodeFor maps a run error onto the documented exit codes.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrTimeout):
		return ExitTimeout
	case errors.Is(err, domain.ErrPolicyDenied), errors.Is(err, domain.ErrConfirmationDenied):
		return ExitRefused
	case errors.Is(err, domain.ErrProcess):
		return ExitNotFound
	default:
		return ExitFailure
	}
}

func reportRunError(w io.Writer, logger *slog.Logger, err error) error {
	fmt.Fprintf(w, "toolgate: %v\n", err)
	var te *domain.TimeoutError
	if errors.As(err, &te) {
		if te.Stdout != "" {
			fmt.Fprintf(w, "--- partial stdout ---\n%s\n", te.Stdout)
		}
		if te.Stderr != "" {
			fmt.Fprintf(w, "--- partial stderr ---\n%s\n", te.Stderr)
		}
	}
	if errors.Is(err, context.Canceled) {
		logger.Info("run cancelled")
	}
	return &exitError{code: exitCodeFor(err)}
}

// runJSONOutput is the --json document.
type runJSONOutput struct {
	Status string                `json:"status"`
	Result *domain.ToolRunResult `json:"result,omitempty"`
	Error  string                `json:"error,omitempty"`
}

func printRunJSON(w io.Writer, result domain.ToolRunResult, err error) error {
	out := runJSONOutput{Status: "finished", Result: &result}
	code := result.ExitCode
	if err != nil {
		out = runJSONOutput{Status: "failed", Error: err.Error()}
		code = exitCodeFor(err)
		switch {
		case errors.Is(err, domain.ErrPolicyDenied):
			out.Status = "blocked"
		case errors.Is(err, domain.ErrConfirmationDenied):
			out.Status = "denied"
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(out); encErr != nil {
		return encErr
	}
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// replay copies a captured log to w. Missing logs are skipped.
func replay(w io.Writer, path string) {
	if path == "" {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = io.Copy(w, f)
}
