package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"
)

const (
	defaultContainerRuntime   = "docker"
	defaultContainerImage     = "node:22-bookworm-slim"
	defaultContainerMemoryMB  = 1024
	defaultContainerCPUCores  = 1.0
	defaultContainerPIDsLimit = 256
	containerWorkdir          = "/workspace"
)

// ContainerConfig configures the container provider.
type ContainerConfig struct {
	Runtime        string   // "docker" or "podman".
	Image          string   // Image the command runs in.
	MemoryMB       int      // --memory hard limit, swap disabled.
	CPUCores       float64  // --cpus rate limit.
	PIDsLimit      int      // --pids-limit.
	NetworkAllowed bool     // false = --network=none.
	ReadOnlyRepo   bool     // Mount the repository read-only.
	ForwardEnv     []string // Names passed through from the (already filtered) runner env.
}

// ContainerProvider runs each command in an ephemeral hardened container.
//
// The returned ExecPrefix is a complete "docker run" invocation ending with
// the image; the runner appends the command argv. Hardening:
//   - all capabilities dropped, no-new-privileges, non-root user
//   - read-only root filesystem with tmpfs scratch space
//   - memory (no swap), CPU and PID ceilings
//   - no network unless NetworkAllowed
//
// Cleanup force-removes the container in case --rm did not fire (OOM kill,
// daemon restart, or the client being killed on timeout).
type ContainerProvider struct {
	config ContainerConfig
	logger *slog.Logger
}

// NewContainerProvider creates a container provider with defaults applied.
func NewContainerProvider(cfg ContainerConfig, logger *slog.Logger) *ContainerProvider {
	if cfg.Runtime == "" {
		cfg.Runtime = defaultContainerRuntime
	}
	if cfg.Image == "" {
		cfg.Image = defaultContainerImage
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = defaultContainerMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultContainerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultContainerPIDsLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContainerProvider{config: cfg, logger: logger}
}

func (p *ContainerProvider) Name() Kind { return KindContainer }

// Prepare returns the docker run prefix for one command. No container is
// started until the runner spawns the prefixed command.
func (p *ContainerProvider) Prepare(_ context.Context, repoRoot, runID string) (*PrepareResult, error) {
	name, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}

	p.logger.Debug("container sandbox prepared",
		slog.String("run_id", runID),
		slog.String("container", name),
		slog.String("image", p.config.Image),
	)

	return &PrepareResult{
		Cwd:        repoRoot,
		ExecPrefix: p.buildRunArgs(name, repoRoot, runID),
		Cleanup:    func() { p.forceRemove(name) },
	}, nil
}

// Available reports whether the container runtime answers.
func (p *ContainerProvider) Available(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(ctx, p.config.Runtime, "info").CombinedOutput(); err != nil {
		return fmt.Errorf("%s info: %w: %s", p.config.Runtime, err, bytes.TrimSpace(out))
	}
	return nil
}

// buildRunArgs constructs the full run invocation including the runtime
// binary and the image. The command itself is appended by the runner.
func (p *ContainerProvider) buildRunArgs(name, repoRoot, runID string) []string {
	memoryFlag := strconv.Itoa(p.config.MemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(p.config.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(p.config.PIDsLimit)

	mount := repoRoot + ":" + containerWorkdir
	if p.config.ReadOnlyRepo {
		mount += ":ro"
	}

	args := []string{
		p.config.Runtime, "run", "--rm", "-i",
		"--name", name,
		"--label", "toolgate.run_id=" + runID,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		"--tmpfs", "/tmp:rw,nosuid,size=256m",
		"--tmpfs", "/home/sandbox:rw,nosuid,size=256m",

		"--env", "HOME=/home/sandbox",
		"--env", "LANG=C.UTF-8",
		"--env", "TERM=dumb",

		"--volume", mount,
		"--workdir", containerWorkdir,
	}

	if p.config.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	// "--env NAME" without a value copies NAME from the client environment,
	// which the runner has already filtered by policy.
	for _, name := range p.config.ForwardEnv {
		args = append(args, "--env", name)
	}

	return append(args, p.config.Image)
}

// forceRemove removes the container by name. "No such container" is the
// normal case when --rm already cleaned up.
func (p *ContainerProvider) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, p.config.Runtime, "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		p.logger.Warn("container rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}

// generateContainerName returns a unique container name: toolgate-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "toolgate-" + hex.EncodeToString(b), nil
}
