// Package cli implements an interactive shell gateway. Each line is run
// through the full tool-run pipeline, with confirmations asked on the same
// terminal.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/jkaninda/toolgate/internal/domain"
	"github.com/jkaninda/toolgate/internal/toolrun"
	"github.com/jkaninda/toolgate/internal/workspace"
)

const (
	prompt      = "toolgate> "
	shellReason = "interactive shell"
	tailBytes   = 2048
)

// RunService executes tool requests. *toolrun.Service implements it.
type RunService interface {
	Run(ctx context.Context, req domain.ToolRunRequest, rc domain.RunnerContext) (domain.ToolRunResult, error)
	Policy() domain.ToolPolicy
}

// LineReader reads one line of input after printing a prompt.
// *approval.TerminalUI implements it.
type LineReader interface {
	ReadLine(ctx context.Context, prompt string) (string, error)
}

// Gateway is the interactive shell.
type Gateway struct {
	runs   RunService
	input  LineReader
	out    io.Writer
	cwd    string
	logger *slog.Logger
	done   chan struct{} // closed by Stop to signal shutdown
	runID  string        // shared by every command of the session
}

// NewGateway creates a shell. runs should confirm through the same
// terminal input handles, otherwise prompts and commands race for stdin.
func NewGateway(runs RunService, input LineReader, out io.Writer, cwd string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		runs:   runs,
		input:  input,
		out:    out,
		cwd:    cwd,
		logger: logger,
		done:   make(chan struct{}),
		runID:  uuid.NewString(),
	}
}

// RunID returns the run ID grouping this session's tool runs.
func (g *Gateway) RunID() string { return g.runID }

// Start runs the shell. Blocks until ctx is cancelled, Stop is called,
// input ends, or the user types "exit".
func (g *Gateway) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-g.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	fmt.Fprintln(g.out, "toolgate shell. Commands run through policy and the sandbox.")
	fmt.Fprintln(g.out, `Type "help" for built-ins or "exit" to quit.`)
	fmt.Fprintln(g.out)

	for {
		line, err := g.input.ReadLine(ctx, prompt)
		switch {
		case errors.Is(err, context.Canceled):
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		case errors.Is(err, io.ErrUnexpectedEOF):
			fmt.Fprintln(g.out)
			return nil
		case err != nil:
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "exit" || line == "quit":
			fmt.Fprintln(g.out, "Goodbye.")
			return nil
		case line == "help":
			g.printHelp()
		case strings.HasPrefix(line, "classify "):
			g.classify(strings.TrimSpace(strings.TrimPrefix(line, "classify ")))
		case strings.HasPrefix(line, "check "):
			g.check(strings.TrimSpace(strings.TrimPrefix(line, "check ")))
		default:
			g.run(ctx, line)
		}
	}
}

// Stop signals the shell to shut down.
func (g *Gateway) Stop(_ context.Context) error {
	select {
	case <-g.done:
		// Already closed.
	default:
		close(g.done)
	}
	return nil
}

func (g *Gateway) printHelp() {
	fmt.Fprintln(g.out, "  <command>          run a command")
	fmt.Fprintln(g.out, "  classify <command> show the command's category")
	fmt.Fprintln(g.out, "  check <command>    show the policy decision without running")
	fmt.Fprintln(g.out, "  exit               quit")
}

func (g *Gateway) classify(command string) {
	cls := toolrun.Classify(domain.ToolRunRequest{Command: command})
	fmt.Fprintf(g.out, "category: %s\n", cls.Category)
	if cls.Reason != "" {
		fmt.Fprintf(g.out, "reason:   %s\n", cls.Reason)
	}
}

func (g *Gateway) check(command string) {
	cls, decision := toolrun.Check(domain.ToolRunRequest{Command: command, Cwd: g.cwd}, g.runs.Policy())
	fmt.Fprintf(g.out, "category:     %s\n", cls.Category)
	fmt.Fprintf(g.out, "allowed:      %t\n", decision.IsAllowed)
	fmt.Fprintf(g.out, "confirmation: %t\n", decision.NeedsConfirmation)
	if decision.Reason != "" {
		fmt.Fprintf(g.out, "reason:       %s\n", decision.Reason)
	}
}

func (g *Gateway) run(ctx context.Context, line string) {
	rc := domain.RunnerContext{RunID: g.runID, ToolRunID: uuid.NewString(), Cwd: g.cwd}
	req := domain.ToolRunRequest{Command: line, Reason: shellReason, Cwd: g.cwd}

	g.logger.DebugContext(ctx, "shell command",
		slog.String("run_id", rc.RunID),
		slog.String("tool_run_id", rc.ToolRunID),
	)

	result, err := g.runs.Run(ctx, req, rc)
	if err != nil {
		var te *domain.TimeoutError
		fmt.Fprintf(g.out, "error: %v\n", err)
		if errors.As(err, &te) && te.Stdout != "" {
			fmt.Fprintf(g.out, "partial output:\n%s\n", te.Stdout)
		}
		return
	}

	g.printTail(result.StdoutPath)
	g.printTail(result.StderrPath)
	fmt.Fprintf(g.out, "[exit %d, %dms", result.ExitCode, result.DurationMs)
	if result.Truncated {
		fmt.Fprint(g.out, ", output truncated")
	}
	fmt.Fprintf(g.out, "]\nlogs: %s\n", result.StdoutPath)
}

func (g *Gateway) printTail(path string) {
	if path == "" {
		return
	}
	data, err := workspace.Tail(path, tailBytes)
	if err != nil || len(data) == 0 {
		return
	}
	_, _ = g.out.Write(data)
	if data[len(data)-1] != '\n' {
		fmt.Fprintln(g.out)
	}
}
