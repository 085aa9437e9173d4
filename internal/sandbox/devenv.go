package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const (
	defaultDevEnvCLI       = "devcontainer"
	defaultDevEnvConfig    = ".devcontainer/devcontainer.json"
	defaultDevEnvUpTimeout = 10 * time.Minute
	devEnvTeardownTimeout  = time.Minute
)

// ErrDevEnvConfigMissing is returned when the dev environment config file
// does not exist in the repository.
var ErrDevEnvConfigMissing = errors.New("dev environment config file not found")

// DevEnvConfig configures the external dev-environment provider.
type DevEnvConfig struct {
	CLI        string        // External CLI binary. Default: devcontainer.
	ConfigPath string        // Config file, relative to the repo root unless absolute.
	UpTimeout  time.Duration // Bound on the "up" step.
	// DownArgs, when set, is run after the command exits
	// (e.g. ["docker", "compose", "down"]). Empty = leave the environment running.
	DownArgs []string
}

// DevEnvProvider delegates environment setup to an externally installed CLI
// compatible with the devcontainer CLI ("up" then "exec").
type DevEnvProvider struct {
	config DevEnvConfig
	logger *slog.Logger
}

// NewDevEnvProvider creates a dev-environment provider with defaults applied.
func NewDevEnvProvider(cfg DevEnvConfig, logger *slog.Logger) *DevEnvProvider {
	if cfg.CLI == "" {
		cfg.CLI = defaultDevEnvCLI
	}
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = defaultDevEnvConfig
	}
	if cfg.UpTimeout <= 0 {
		cfg.UpTimeout = defaultDevEnvUpTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DevEnvProvider{config: cfg, logger: logger}
}

func (p *DevEnvProvider) Name() Kind { return KindDevEnv }

// Prepare verifies the config file exists, brings the environment up and
// returns an exec prefix that runs commands inside it.
func (p *DevEnvProvider) Prepare(ctx context.Context, repoRoot, runID string) (*PrepareResult, error) {
	configPath := p.config.ConfigPath
	if !filepath.IsAbs(configPath) {
		configPath = filepath.Join(repoRoot, configPath)
	}
	if _, err := os.Stat(configPath); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDevEnvConfigMissing, configPath)
		}
		return nil, fmt.Errorf("checking dev environment config: %w", err)
	}

	target := []string{"--workspace-folder", repoRoot, "--config", configPath}

	upCtx, cancel := context.WithTimeout(ctx, p.config.UpTimeout)
	defer cancel()

	start := time.Now()
	upArgs := append([]string{"up"}, target...)
	if out, err := exec.CommandContext(upCtx, p.config.CLI, upArgs...).CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%s up: %w: %s", p.config.CLI, err, truncateForError(out))
	}
	p.logger.Info("dev environment ready",
		slog.String("run_id", runID),
		slog.String("cli", p.config.CLI),
		slog.Duration("duration", time.Since(start)),
	)

	prefix := append([]string{p.config.CLI, "exec"}, target...)
	return &PrepareResult{
		Cwd:        repoRoot,
		ExecPrefix: prefix,
		Cleanup:    func() { p.teardown(repoRoot) },
	}, nil
}

func (p *DevEnvProvider) teardown(repoRoot string) {
	if len(p.config.DownArgs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), devEnvTeardownTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.config.DownArgs[0], p.config.DownArgs[1:]...)
	cmd.Dir = repoRoot
	if out, err := cmd.CombinedOutput(); err != nil {
		p.logger.Warn("dev environment teardown failed",
			slog.String("error", err.Error()),
			slog.String("output", truncateForError(out)),
		)
	}
}

func truncateForError(out []byte) string {
	const limit = 512
	if len(out) > limit {
		return string(out[:limit]) + "..."
	}
	return string(out)
}
