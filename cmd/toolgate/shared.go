package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jkaninda/toolgate/internal/approval"
	"github.com/jkaninda/toolgate/internal/config"
	"github.com/jkaninda/toolgate/internal/events"
	"github.com/jkaninda/toolgate/internal/gateway/ws"
	"github.com/jkaninda/toolgate/internal/manifest"
	"github.com/jkaninda/toolgate/internal/observability"
	"github.com/jkaninda/toolgate/internal/retention"
	"github.com/jkaninda/toolgate/internal/sandbox"
	"github.com/jkaninda/toolgate/internal/security"
	"github.com/jkaninda/toolgate/internal/storage"
	pgstore "github.com/jkaninda/toolgate/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/toolgate/internal/storage/sqlite"
	"github.com/jkaninda/toolgate/internal/toolrun"
	"github.com/jkaninda/toolgate/internal/workspace"
)

// eventBufferSize is the per-subscriber buffer of the in-process event bus.
const eventBufferSize = 256

// SharedComponents holds every initialized subsystem the commands need.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     storage.Store // nil when history is disabled for the command.

	Obs      *observability.Observability
	Bus      *events.Bus
	Tracker  *ws.RunTracker
	Service  *toolrun.Service
	Provider sandbox.Provider

	cleanups []func()
}

// sharedOptions selects optional subsystems.
type sharedOptions struct {
	// Gate confirms commands needing a human. nil = deny.
	Gate toolrun.Confirmer
	// SkipStore leaves run history disabled.
	SkipStore bool
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig reads the config file (or defaults) named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger. Logs go to stderr so stdout stays
// free for command output and the MCP protocol.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// initShared performs the initialization common to every command that runs
// tools. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger, opts sharedOptions) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace.
	wsp, err := workspace.New(cfg.WorkspaceRoot())
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = wsp
	logger.Debug("workspace initialized", slog.String("root", wsp.Root))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	if obs != nil {
		obs.Health.AddCheck("workspace", observability.DirWritable(wsp.RunsDir()))
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Storage.
	if !opts.SkipStore {
		store, err := initStore(cfg, wsp, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		if obs != nil {
			obs.Health.AddCheck("storage", store.Ping)
		}
		logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	}

	// Policy engine with audit trail.
	audit, err := security.NewAuditLogger(wsp.AuditPath(), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing audit log: %w", err)
	}
	sc.addCleanup(func() {
		if err := audit.Close(); err != nil {
			logger.Error("closing audit log", slog.String("error", err.Error()))
		}
	})
	var engine toolrun.PolicyEvaluator = security.NewEngine(audit, logger)

	// Sandbox.
	provider, err := sandbox.New(cfg.SandboxProvider(), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing sandbox: %w", err)
	}
	var runner toolrun.Executor = sandbox.NewRunner(wsp.RunsDir(), logger)

	if obs != nil {
		engine = observability.NewInstrumentedEngine(engine, obs.TracerOrNil())
		provider = observability.NewInstrumentedProvider(provider, obs.MetricsOrNil(), obs.TracerOrNil())
		runner = observability.NewInstrumentedRunner(runner, obs.MetricsOrNil(), obs.TracerOrNil())
	}
	sc.Provider = provider

	// Event fan-out.
	sc.Bus = events.NewBus(eventBufferSize)
	sc.Tracker = ws.NewRunTracker(time.Hour)
	jsonl, err := events.NewJSONLSink(wsp.EventsPath(), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	sc.addCleanup(func() {
		if err := jsonl.Close(); err != nil {
			logger.Error("closing event log", slog.String("error", err.Error()))
		}
	})
	sink := events.Multi{
		events.LogSink{Logger: logger},
		jsonl,
		sc.Tracker,
		obs.Sink(),
		sc.Bus,
	}

	gate := opts.Gate
	if gate == nil {
		gate = approval.NewGate(nil, logger)
	}

	svcOpts := toolrun.Options{
		Policy:    cfg.ToolPolicy(),
		Engine:    engine,
		Gate:      gate,
		Provider:  provider,
		Runner:    runner,
		Sink:      sink,
		Manifests: manifest.NewStore(wsp),
		WorkDir:   cfg.ResolvedWorkDir(),
		Logger:    logger,
	}
	if sc.Store != nil {
		svcOpts.History = sc.Store
	}
	sc.Service = toolrun.New(svcOpts)

	logger.Debug("tool run service initialized",
		slog.String("sandbox", string(provider.Name())),
		slog.String("network_policy", string(svcOpts.Policy.NetworkPolicy)),
		slog.Bool("interactive", svcOpts.Policy.Interactive),
	)
	return sc, nil
}

// initStore opens the configured history store.
func initStore(cfg *config.Config, wsp *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case "postgres":
		return initPostgresStore(cfg, logger)
	case "sqlite":
		return initSQLiteStore(cfg, wsp, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, wsp *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	dbPath := wsp.DBPath()
	journalMode := "wal"

	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	pgDB, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}

// newApprovalQueue builds the pending-confirmation queue used by the
// network-facing commands, optionally decorated with repeat auto-approval.
// The returned UserInterface is what the gate should confirm through.
func newApprovalQueue(cfg *config.Config, logger *slog.Logger) (*approval.Manager, approval.UserInterface) {
	mgr := approval.NewManager(cfg.Approval.TTL(), logger)

	var ui approval.UserInterface = mgr
	if auto := cfg.Approval.AutoApproval; auto != nil && auto.Enabled {
		ui = approval.NewRepeatApprover(mgr, approval.RepeatConfig{
			Enabled:           true,
			RequiredApprovals: auto.RequiredApprovals,
			Window:            time.Duration(auto.WindowHours) * time.Hour,
			MaxPerHour:        auto.MaxAutoApprovals,
		}, logger)
	}
	return mgr, ui
}

// observeApprovals exports the queue depth and starts its expiry loop.
func observeApprovals(ctx context.Context, sc *SharedComponents, mgr *approval.Manager) {
	if m := sc.Obs.MetricsOrNil(); m != nil {
		m.ObservePendingConfirmations(func() int {
			return len(mgr.List(context.Background()))
		})
	}
	sc.addCleanup(mgr.StartCleanup(ctx, time.Minute))
	mgr.OnPending(func(pa approval.PendingApproval) {
		sc.Logger.Info("confirmation pending",
			slog.String("approval_id", pa.ID),
			slog.String("tool_run_id", pa.ToolRunID),
			slog.String("message", pa.Message),
		)
	})
}

// startRetention schedules history and artifact pruning when enabled.
// The returned stop function is never nil.
func startRetention(ctx context.Context, sc *SharedComponents) (func(), error) {
	rc := sc.Config.Retention
	if rc == nil || !rc.Enabled || sc.Store == nil {
		return func() {}, nil
	}
	pruner, err := newPruner(sc)
	if err != nil {
		return nil, err
	}
	sc.Logger.Info("retention scheduled",
		slog.String("schedule", rc.CronSchedule()),
		slog.String("max_age", rc.MaxAge().String()),
	)
	return pruner.Start(ctx), nil
}

func newPruner(sc *SharedComponents) (*retention.Pruner, error) {
	rc := sc.Config.Retention
	var metrics *retention.Metrics
	if m := sc.Obs.MetricsOrNil(); m != nil {
		metrics = retention.NewMetrics(m.Registry)
	}
	return retention.New(sc.Store, sc.Workspace, rc.MaxAge(), rc.CronSchedule(), metrics, sc.Logger)
}

// stdinIsTerminal reports whether stdin looks like an interactive terminal.
func stdinIsTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
