package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/toolgate/internal/command"
	"github.com/jkaninda/toolgate/internal/domain"
	"github.com/jkaninda/toolgate/internal/workspace"
)

// waitDelay bounds how long Wait keeps draining pipes after the process
// group was killed, in case an escaped descendant still holds them open.
const waitDelay = 3 * time.Second

// Runner spawns approved commands and records their output to disk.
// It is safe for concurrent use; each Execute call is independent.
type Runner struct {
	logRoot string
	environ func() []string
	logger  *slog.Logger
}

// NewRunner creates a runner writing logs under logRoot as
// <logRoot>/<runID>/tools/<toolRunID>/<toolRunID>_{stdout,stderr}.log.
func NewRunner(logRoot string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		logRoot: logRoot,
		environ: os.Environ,
		logger:  logger,
	}
}

// LogPaths returns the stdout and stderr log paths for a tool run.
func (r *Runner) LogPaths(runID, toolRunID string) (stdout, stderr string) {
	dir := r.logDir(runID, toolRunID)
	name := workspace.SanitizeName(toolRunID)
	return filepath.Join(dir, name+"_stdout.log"), filepath.Join(dir, name+"_stderr.log")
}

func (r *Runner) logDir(runID, toolRunID string) string {
	return filepath.Join(r.logRoot, workspace.SanitizeName(runID), "tools", workspace.SanitizeName(toolRunID))
}

// Execute runs req under policy inside the prepared environment.
//
// The result is returned when the process exits on its own or after being
// killed for exceeding the output budget (Truncated is set; this is not an
// error). A *domain.TimeoutError is returned when the timeout fires, and a
// *domain.ProcessError when the process cannot be started. Cancelling ctx
// kills the process group the same way the timeout does. prepared.Release
// is called exactly once after the child has exited, whatever the outcome.
//
// rc.ToolRunID is generated when empty; callers that need the ID before the
// run completes should set it themselves.
func (r *Runner) Execute(ctx context.Context, req domain.ToolRunRequest, policy domain.ToolPolicy, rc domain.RunnerContext, prepared *PrepareResult) (domain.ToolRunResult, error) {
	defer prepared.Release()

	if rc.ToolRunID == "" {
		rc.ToolRunID = uuid.NewString()
	}
	logger := r.logger.With(
		slog.String("run_id", rc.RunID),
		slog.String("tool_run_id", rc.ToolRunID),
	)

	argv, err := buildArgv(req.Command, policy, prepared)
	if err != nil {
		return domain.ToolRunResult{}, &domain.ProcessError{Command: req.Command, Err: err}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if cmd.Err != nil {
		// Binary lookup failed: nothing was spawned and no log exists.
		return domain.ToolRunResult{}, &domain.ProcessError{Command: req.Command, Err: cmd.Err}
	}
	cmd.Dir = workingDir(prepared, rc, req)
	var overrides map[string]string
	if prepared != nil {
		overrides = prepared.EnvOverrides
	}
	cmd.Env = BuildEnv(policy, req.Env, r.environ(), overrides)
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	// 1. Log streams.
	stdoutPath, stderrPath := r.LogPaths(rc.RunID, rc.ToolRunID)
	if err := os.MkdirAll(filepath.Dir(stdoutPath), 0750); err != nil {
		return domain.ToolRunResult{}, fmt.Errorf("creating tool log dir: %w", err)
	}
	stdoutFile, err := openLog(stdoutPath)
	if err != nil {
		return domain.ToolRunResult{}, err
	}
	stderrFile, err := openLog(stderrPath)
	if err != nil {
		_ = stdoutFile.Close()
		return domain.ToolRunResult{}, err
	}
	closeLogs := func() {
		for _, f := range []*os.File{stdoutFile, stderrFile} {
			if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
				logger.Warn("closing tool log failed", slog.String("path", f.Name()), slog.String("error", err.Error()))
			}
		}
	}

	// Group kill shared by timeout, truncation and cancellation.
	var killOnce sync.Once
	killGroup := func(why string) {
		killOnce.Do(func() {
			logger.Warn("terminating process group", slog.String("reason", why))
			if err := terminateGroup(cmd.Process); err != nil {
				logger.Warn("process group kill failed", slog.String("error", err.Error()))
			}
		})
	}

	budget := newOutputBudget(policy.MaxOutputBytes, func() { killGroup("output budget exceeded") })
	cmd.Stdout = budget.writer(stdoutFile)
	cmd.Stderr = budget.writer(stderrFile)

	logger.Info("tool run starting",
		slog.Any("argv", argv),
		slog.String("dir", cmd.Dir),
		slog.Int("timeout_ms", policy.TimeoutMs),
		slog.Int("max_output_bytes", policy.MaxOutputBytes),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		closeLogs()
		return domain.ToolRunResult{}, &domain.ProcessError{Command: req.Command, Err: err}
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var timeout <-chan time.Time
	if policy.TimeoutMs > 0 {
		timer := time.NewTimer(time.Duration(policy.TimeoutMs) * time.Millisecond)
		defer timer.Stop()
		timeout = timer.C
	}

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-timeout:
		killGroup("timeout")
		<-waitCh
		closeLogs()
		logger.Warn("tool run timed out", slog.Duration("duration", time.Since(start)))
		return domain.ToolRunResult{}, &domain.TimeoutError{
			Command:    req.Command,
			TimeoutMs:  policy.TimeoutMs,
			Stdout:     readPartial(stdoutPath, domain.PartialOutputLimit),
			Stderr:     readPartial(stderrPath, domain.PartialOutputLimit),
			StdoutPath: stdoutPath,
			StderrPath: stderrPath,
		}
	case <-ctx.Done():
		killGroup("cancelled")
		<-waitCh
		closeLogs()
		return domain.ToolRunResult{}, fmt.Errorf("tool run cancelled: %w", ctx.Err())
	}

	duration := time.Since(start)
	closeLogs()

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		logger.Warn("wait returned error", slog.String("error", waitErr.Error()))
	}

	result := domain.ToolRunResult{
		ExitCode:   exitCode,
		DurationMs: duration.Milliseconds(),
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
		Truncated:  budget.Truncated(),
	}
	logger.Info("tool run finished",
		slog.Int("exit_code", result.ExitCode),
		slog.Int64("duration_ms", result.DurationMs),
		slog.Bool("truncated", result.Truncated),
	)
	return result, nil
}

// buildArgv tokenizes the command and splices the sandbox prefix in front.
// Commands using shell grammar run through "sh -c" only when the policy
// allows a shell; otherwise operators are passed as literal arguments.
func buildArgv(raw string, policy domain.ToolPolicy, prepared *PrepareResult) ([]string, error) {
	parsed, err := command.Parse(raw)
	if err != nil {
		return nil, err
	}
	argv := parsed.Argv()
	if policy.AllowShell && (parsed.HasPipe || parsed.HasRedirect || parsed.HasChain || parsed.HasSubshell) {
		argv = []string{"sh", "-c", raw}
	}
	if prepared != nil && len(prepared.ExecPrefix) > 0 {
		spliced := make([]string, 0, len(prepared.ExecPrefix)+len(argv))
		spliced = append(spliced, prepared.ExecPrefix...)
		argv = append(spliced, argv...)
	}
	return argv, nil
}

func workingDir(prepared *PrepareResult, rc domain.RunnerContext, req domain.ToolRunRequest) string {
	switch {
	case prepared != nil && prepared.Cwd != "":
		return prepared.Cwd
	case rc.Cwd != "":
		return rc.Cwd
	default:
		return req.Cwd
	}
}

func openLog(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("opening tool log %s: %w", path, err)
	}
	return f, nil
}

// readPartial returns up to limit characters from the start of the file.
func readPartial(path string, limit int) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	// A character is at most 4 bytes in UTF-8.
	buf, err := io.ReadAll(io.LimitReader(f, int64(limit)*4))
	if err != nil {
		return ""
	}
	runes := []rune(string(buf))
	if len(runes) > limit {
		runes = runes[:limit]
	}
	return string(runes)
}
