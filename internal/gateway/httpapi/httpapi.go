// Package httpapi implements the toolgate HTTP API.
//
// Security:
//   - API key authentication on /v1 (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-key rate limiting via token bucket
//   - Runs started over HTTP confirm through the approval queue, never a TTY
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/toolgate/internal/approval"
	"github.com/jkaninda/toolgate/internal/domain"
	"github.com/jkaninda/toolgate/internal/events"
	"github.com/jkaninda/toolgate/internal/gateway/ws"
	"github.com/jkaninda/toolgate/internal/observability"
	"github.com/jkaninda/toolgate/internal/ratelimit"
	"github.com/jkaninda/toolgate/internal/storage"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        []string // Empty = authentication disabled.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 1 MB default.
	Version        string

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// RunService executes tool requests. *toolrun.Service implements it.
type RunService interface {
	Run(ctx context.Context, req domain.ToolRunRequest, rc domain.RunnerContext) (domain.ToolRunResult, error)
	Policy() domain.ToolPolicy
}

// Approvals is the pending confirmation queue. *approval.Manager
// implements it.
type Approvals interface {
	List(ctx context.Context) []approval.PendingApproval
	Approve(ctx context.Context, id, approverID string) error
	Deny(ctx context.Context, id, denierID string) error
}

// History reads finished runs. storage.Store implements it.
type History interface {
	GetRun(ctx context.Context, id string) (*storage.RunRecord, error)
	ListRuns(ctx context.Context, filter storage.ListFilter) ([]*storage.RunRecord, error)
}

// LiveRuns reports runs that have not reached history yet.
// *ws.RunTracker implements it.
type LiveRuns interface {
	Get(toolRunID string) (ws.RunState, bool)
	Active() []ws.RunState
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config    Config
	runs      RunService
	approvals Approvals
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	server    *http.Server

	history History     // nil = history endpoints return 503.
	live    LiveRuns    // nil = live state unavailable.
	bus     *events.Bus // nil = SSE streaming disabled.

	// Background runs started by POST /v1/runs.
	runCtx    context.Context
	cancelRun context.CancelFunc
	inflight  sync.WaitGroup

	// Extra handlers mounted on the HTTP mux (e.g., the websocket event stream).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, runs RunService, approvals Approvals, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		config:    cfg,
		runs:      runs,
		approvals: approvals,
		limiter:   rl,
		logger:    logger,
		runCtx:    runCtx,
		cancelRun: cancel,
		okapi:     okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithHistory attaches the run history store.
func (g *Gateway) WithHistory(h History) *Gateway {
	g.history = h
	return g
}

// WithLiveRuns attaches the in-flight run tracker.
func (g *Gateway) WithLiveRuns(l LiveRuns) *Gateway {
	g.live = l
	return g
}

// WithEventBus enables POST /v1/runs/stream.
func (g *Gateway) WithEventBus(bus *events.Bus) *Gateway {
	g.bus = bus
	return g
}

// WithHandler mounts an additional GET handler on the HTTP mux at the given
// pattern. Used for the websocket event stream.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

func (g *Gateway) withOpenAPIDocs() {
	version := g.config.Version
	if version == "" {
		version = "dev"
	}
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "toolgate",
			Version: version,
		},
	)
}

// registerRoutes registers every route once.
func (g *Gateway) registerRoutes() {
	if g.group != nil {
		return
	}
	g.group = g.okapi.Group("/v1",
		observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer),
		g.limitBody,
		g.authenticate,
		g.rateLimit,
	)

	g.group.Post("/classify", g.handleClassify,
		okapi.DocSummary("Classify a command without running it"),
		okapi.DocTags("Policy"),
		okapi.DocRequestBody(CommandRequest{}),
		okapi.DocResponse(ClassifyResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Post("/evaluate", g.handleEvaluate,
		okapi.DocSummary("Classify and evaluate a command against the active policy"),
		okapi.DocTags("Policy"),
		okapi.DocRequestBody(CommandRequest{}),
		okapi.DocResponse(EvaluateResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Post("/runs", g.handleRun,
		okapi.DocSummary("Run a command through policy, confirmation and the sandbox"),
		okapi.DocTags("Runs"),
		okapi.DocRequestBody(RunRequest{}),
		okapi.DocResponse(RunResponse{}),
		okapi.DocResponse(http.StatusAccepted, RunAccepted{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, RunResponse{}),
		okapi.DocResponse(http.StatusGatewayTimeout, RunResponse{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/runs", g.handleListRuns,
		okapi.DocSummary("List recorded runs, newest first"),
		okapi.DocTags("Runs"),
		okapi.DocResponse([]storage.RunRecord{}),
	)
	g.group.Get("/runs/{id}", g.handleGetRun,
		okapi.DocSummary("Get a run by tool run ID"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Tool run ID"),
		okapi.DocResponse(RunStatusResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/active-runs", g.handleActiveRuns,
		okapi.DocSummary("List runs that have not finished yet"),
		okapi.DocTags("Runs"),
		okapi.DocResponse([]ws.RunState{}),
	)
	if g.bus != nil {
		g.group.Post("/runs/stream", g.handleRunStream,
			okapi.DocSummary("Run a command and stream its lifecycle events via SSE"),
			okapi.DocTags("Runs"),
			okapi.DocRequestBody(RunRequest{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
	}

	g.group.Get("/approvals", g.handleListApprovals,
		okapi.DocSummary("List confirmations waiting for a decision"),
		okapi.DocTags("Approvals"),
		okapi.DocResponse([]approval.PendingApproval{}),
	)
	g.group.Post("/approvals/{id}/approve", g.handleApprove,
		okapi.DocSummary("Approve a pending confirmation"),
		okapi.DocTags("Approvals"),
		okapi.DocPathParam("id", "string", "Approval ID"),
		okapi.DocResponse(ApprovalDecisionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusGone, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/approvals/{id}/deny", g.handleDeny,
		okapi.DocSummary("Deny a pending confirmation"),
		okapi.DocTags("Approvals"),
		okapi.DocPathParam("id", "string", "Approval ID"),
		okapi.DocResponse(ApprovalDecisionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Extra handlers authenticate themselves.
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.withOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.registerRoutes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Synchronous runs and SSE streams outlive a short write timeout.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server, then waits for background runs
// until ctx expires, at which point they are cancelled.
func (g *Gateway) Stop(ctx context.Context) error {
	g.logger.Info("http api gateway stopping")
	var err error
	if g.server != nil {
		err = g.okapi.Shutdown(g.server)
	}

	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.cancelRun()
		<-done
	}
	g.cancelRun()
	return err
}

// --- Middleware ---

func (g *Gateway) limitBody(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		r := c.Request()
		if r.Body != nil {
			r.Body = http.MaxBytesReader(nil, r.Body, g.config.MaxRequestSize)
		}
		return next(c)
	}
}

// authenticate validates the bearer API key and stores a caller identity
// derived from it. With no keys configured the caller is the remote address.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set(observability.CallerKey, remoteHost(c.Request()))
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		matched := false
		for _, key := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				matched = true
			}
		}
		if !matched {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set(observability.CallerKey, keyID(apiKey))
		return next(c)
	}
}

func (g *Gateway) rateLimit(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if g.limiter != nil {
			if wait, err := g.limiter.Allow(c.GetString(observability.CallerKey)); err != nil {
				return c.JSON(http.StatusTooManyRequests, okapi.M{
					"error":               "rate limit exceeded",
					"retry_after_seconds": int(wait/time.Second) + 1,
				})
			}
		}
		return next(c)
	}
}

// keyID is a stable, non-secret identifier for an API key, used for rate
// limiting and as the approver name.
func keyID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key:" + hex.EncodeToString(sum[:4])
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// --- Health ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
