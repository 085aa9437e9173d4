package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/toolgate/internal/approval"
	"github.com/jkaninda/toolgate/internal/config"
	"github.com/jkaninda/toolgate/internal/gateway"
	"github.com/jkaninda/toolgate/internal/gateway/httpapi"
	"github.com/jkaninda/toolgate/internal/gateway/ws"
	"github.com/jkaninda/toolgate/internal/ratelimit"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Serve the HTTP API: run, classify and check commands, browse run history,
resolve pending confirmations and stream lifecycle events over SSE or a
websocket at /v1/events.

Confirmations required by the policy are queued and wait for a decision on
POST /v1/approvals/{id}/approve or /deny.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &config.HTTPConfig{}
	}
	if serveAddr != "" {
		cfg.HTTP.ListenAddr = serveAddr
	}
	logger := newLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateways, sc, err := buildHTTPGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	return runGateways(ctx, logger, gateways)
}

// buildHTTPGateway initializes shared components with an approval queue and
// returns the HTTP gateway plus its background workers.
func buildHTTPGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]gateway.Gateway, *SharedComponents, error) {
	mgr, ui := newApprovalQueue(cfg, logger)
	sc, err := initShared(cfg, logger, sharedOptions{Gate: approval.NewGate(ui, logger)})
	if err != nil {
		return nil, nil, err
	}
	observeApprovals(ctx, sc, mgr)
	sc.addCleanup(sc.Tracker.StartCleanup(ctx, 5*time.Minute))

	stopRetention, err := startRetention(ctx, sc)
	if err != nil {
		sc.Cleanup()
		return nil, nil, fmt.Errorf("starting retention: %w", err)
	}
	sc.addCleanup(stopRetention)

	httpCfg := cfg.HTTP
	gwCfg := httpapi.Config{
		ListenAddr:     httpCfg.Addr(),
		EnableDocs:     httpCfg.EnableDocs,
		APIKeys:        httpCfg.APIKeys,
		MaxRequestSize: httpCfg.MaxRequestSizeBytes,
		Version:        version,
	}
	if sc.Obs != nil {
		gwCfg.HealthChecker = sc.Obs.Health
		if m := sc.Obs.Metrics; m != nil {
			gwCfg.Metrics = m
			gwCfg.MetricsRegistry = m.Registry
			if cfg.Observability.Metrics != nil {
				gwCfg.MetricsPath = cfg.Observability.Metrics.Path
			}
		}
		if t := sc.Obs.TracerOrNil(); t != nil {
			gwCfg.Tracer = t.Tracer()
		}
	}

	var limiter *ratelimit.Limiter
	if httpCfg.RateLimit.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: httpCfg.RateLimit.RequestsPerMinute,
			BurstSize:         httpCfg.RateLimit.BurstSize,
		})
		go pruneLimiter(ctx, limiter, 10*time.Minute)
	}

	eventStream := ws.NewServer(sc.Bus, ws.Config{APIKeys: httpCfg.APIKeys}, logger)

	gw := httpapi.NewGateway(gwCfg, sc.Service, mgr, limiter, logger).
		WithLiveRuns(sc.Tracker).
		WithEventBus(sc.Bus).
		WithHandler("/v1/events", eventStream.Handler())
	if sc.Store != nil {
		gw.WithHistory(sc.Store)
	}

	logger.Info("http api configured",
		slog.String("addr", gwCfg.ListenAddr),
		slog.Bool("auth", len(gwCfg.APIKeys) > 0),
		slog.Bool("rate_limit", limiter != nil),
	)
	return []gateway.Gateway{gw}, sc, nil
}

// pruneLimiter periodically drops idle rate limit buckets.
func pruneLimiter(ctx context.Context, l *ratelimit.Limiter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}

// runGateways starts every gateway and blocks until a signal arrives or one
// of them exits, then stops them in reverse order.
func runGateways(ctx context.Context, logger *slog.Logger, gateways []gateway.Gateway) error {
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	var exitErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
			exitErr = err
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return exitErr
}
