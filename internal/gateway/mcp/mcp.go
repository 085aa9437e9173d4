// Package mcp exposes the tool-run pipeline as an MCP (Model Context
// Protocol) server so agents can request commands over stdio. Every call
// flows through the same classification, policy, confirmation and sandbox
// pipeline as the CLI and HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/toolgate/internal/approval"
	"github.com/jkaninda/toolgate/internal/domain"
	"github.com/jkaninda/toolgate/internal/toolrun"
	"github.com/jkaninda/toolgate/internal/workspace"
)

// Tool names.
const (
	ToolRunCommand      = "run_command"
	ToolClassifyCommand = "classify_command"
	ToolCheckCommand    = "check_command"
)

// tailBytes caps how much of each log file is returned to the agent.
const tailBytes = 4096

// RunService executes tool requests. *toolrun.Service implements it.
type RunService interface {
	Run(ctx context.Context, req domain.ToolRunRequest, rc domain.RunnerContext) (domain.ToolRunResult, error)
	Policy() domain.ToolPolicy
}

// Config configures the MCP server.
type Config struct {
	Name    string // server name reported during initialize
	Version string
	// RunID groups every tool run of this server session. Empty = random.
	RunID string
}

// Server wraps an MCP server bound to a RunService.
type Server struct {
	runs   RunService
	runID  string
	srv    *server.MCPServer
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewServer creates the MCP server and registers its tools.
func NewServer(cfg Config, runs RunService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "toolgate"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	s := &Server{
		runs:   runs,
		runID:  cfg.RunID,
		srv:    server.NewMCPServer(cfg.Name, cfg.Version, server.WithToolCapabilities(false)),
		logger: logger,
	}

	s.srv.AddTool(mcp.NewTool(ToolRunCommand,
		mcp.WithDescription("Run a shell-free command inside the configured sandbox. "+
			"The command is classified and checked against policy first; "+
			"risky commands may need human confirmation."),
		mcp.WithString("command", mcp.Required(), mcp.Description("Command line, e.g. \"go test ./...\"")),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Why the command is needed")),
		mcp.WithString("cwd", mcp.Description("Working directory, defaults to the repository root")),
	), s.handleRun)

	s.srv.AddTool(mcp.NewTool(ToolClassifyCommand,
		mcp.WithDescription("Classify a command into a risk category without running it."),
		mcp.WithString("command", mcp.Required(), mcp.Description("Command line to classify")),
	), s.handleClassify)

	s.srv.AddTool(mcp.NewTool(ToolCheckCommand,
		mcp.WithDescription("Report whether policy would allow a command and whether it needs confirmation."),
		mcp.WithString("command", mcp.Required(), mcp.Description("Command line to check")),
	), s.handleCheck)

	return s
}

// MCPServer returns the underlying server, e.g. for in-process clients.
func (s *Server) MCPServer() *server.MCPServer { return s.srv }

// Start serves MCP on the process's stdin and stdout.
func (s *Server) Start(ctx context.Context) error {
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// Stop ends a running Serve. In-flight tool runs are cancelled.
func (s *Server) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// Serve speaks MCP over in and out until ctx is cancelled, Stop is called
// or in closes.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("mcp server starting", slog.String("run_id", s.runID))
	stdio := server.NewStdioServer(s.srv)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	err := stdio.Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := request.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	reason, err := request.RequireString("reason")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cwd := request.GetString("cwd", "")

	rc := domain.RunnerContext{RunID: s.runID, ToolRunID: uuid.NewString(), Cwd: cwd}
	req := domain.ToolRunRequest{Command: command, Reason: reason, Cwd: cwd}

	s.logger.InfoContext(ctx, "mcp tool run requested",
		slog.String("tool_run_id", rc.ToolRunID),
		slog.String("command", command),
	)
	result, err := s.runs.Run(approval.WithRunContext(ctx, rc), req, rc)
	if err != nil {
		return mcp.NewToolResultError(describeError(err)), nil
	}
	return mcp.NewToolResultText(describeResult(result)), nil
}

func (s *Server) handleClassify(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := request.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(toolrun.Classify(domain.ToolRunRequest{Command: command}))
}

func (s *Server) handleCheck(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := request.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cls, decision := toolrun.Check(domain.ToolRunRequest{Command: command}, s.runs.Policy())
	return jsonResult(struct {
		Classification domain.Classification `json:"classification"`
		Decision       domain.PolicyDecision `json:"decision"`
	}{cls, decision})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// describeResult summarizes a finished run with the tail of each stream.
func describeResult(r domain.ToolRunResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "exit_code: %d\nduration_ms: %d\n", r.ExitCode, r.DurationMs)
	if r.Truncated {
		sb.WriteString("truncated: true\n")
	}
	fmt.Fprintf(&sb, "stdout_path: %s\nstderr_path: %s\n", r.StdoutPath, r.StderrPath)
	writeTail(&sb, "stdout", r.StdoutPath)
	writeTail(&sb, "stderr", r.StderrPath)
	return sb.String()
}

func describeError(err error) string {
	var te *domain.TimeoutError
	if !errors.As(err, &te) {
		return err.Error()
	}
	var sb strings.Builder
	sb.WriteString(err.Error())
	sb.WriteString("\n")
	if te.Stdout != "" {
		fmt.Fprintf(&sb, "\n--- partial stdout ---\n%s", te.Stdout)
	}
	if te.Stderr != "" {
		fmt.Fprintf(&sb, "\n--- partial stderr ---\n%s", te.Stderr)
	}
	return sb.String()
}

func writeTail(sb *strings.Builder, label, path string) {
	if path == "" {
		return
	}
	data, err := workspace.Tail(path, tailBytes)
	if err != nil || len(data) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n--- %s ---\n%s", label, data)
}
