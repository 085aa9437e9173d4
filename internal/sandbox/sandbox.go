// Package sandbox prepares execution environments for tool commands and runs
// them as bounded child processes.
//
// A Provider decides where a command runs (plain host, container, external
// dev environment). The Runner spawns the process, streams its output to
// disk under a combined byte budget and a wall-clock timeout, and kills the
// whole process group when either budget is exceeded.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Kind names a provider implementation.
type Kind string

const (
	KindNone      Kind = "none"
	KindContainer Kind = "container"
	KindDevEnv    Kind = "devenv"
)

// Provider prepares an execution environment for one run.
type Provider interface {
	// Prepare is called once at run start. repoRoot is the host directory the
	// command operates on; runID is used to name per-run resources.
	Prepare(ctx context.Context, repoRoot, runID string) (*PrepareResult, error)

	// Name returns the provider kind for logs and metrics.
	Name() Kind
}

// PrepareResult describes how to launch a command inside a prepared
// environment.
type PrepareResult struct {
	// Cwd is the working directory for the spawned process.
	Cwd string

	// EnvOverrides are added to the child environment after policy filtering.
	EnvOverrides map[string]string

	// ExecPrefix, when set, is prepended to the command argv
	// (e.g. ["docker", "exec", "-i", "box"]).
	ExecPrefix []string

	// Cleanup tears the environment down. It runs once, after the child has
	// fully exited.
	Cleanup func()

	once sync.Once
}

// Release invokes Cleanup at most once. Safe to call on a nil receiver.
func (p *PrepareResult) Release() {
	if p == nil || p.Cleanup == nil {
		return
	}
	p.once.Do(p.Cleanup)
}

// Config selects and configures a provider.
type Config struct {
	Kind      Kind
	Container ContainerConfig
	DevEnv    DevEnvConfig
}

// New builds the provider described by cfg.
func New(cfg Config, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Kind {
	case "", KindNone:
		return NoneProvider{}, nil
	case KindContainer:
		return NewContainerProvider(cfg.Container, logger), nil
	case KindDevEnv:
		return NewDevEnvProvider(cfg.DevEnv, logger), nil
	default:
		return nil, fmt.Errorf("unknown sandbox provider %q", cfg.Kind)
	}
}

// NoneProvider runs commands directly on the host in the repository root.
type NoneProvider struct{}

func (NoneProvider) Prepare(_ context.Context, repoRoot, _ string) (*PrepareResult, error) {
	return &PrepareResult{Cwd: repoRoot}, nil
}

func (NoneProvider) Name() Kind { return KindNone }
