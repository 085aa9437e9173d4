package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/toolgate/internal/approval"
	"github.com/jkaninda/toolgate/internal/domain"
	"github.com/jkaninda/toolgate/internal/events"
	"github.com/jkaninda/toolgate/internal/gateway/ws"
	"github.com/jkaninda/toolgate/internal/observability"
	"github.com/jkaninda/toolgate/internal/storage"
	"github.com/jkaninda/toolgate/internal/toolrun"
)

// CommandRequest is the body of /v1/classify and /v1/evaluate.
type CommandRequest struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
}

// ClassifyResponse is the JSON response for POST /v1/classify.
type ClassifyResponse struct {
	Command        string                `json:"command"`
	Classification domain.Classification `json:"classification"`
}

// EvaluateResponse is the JSON response for POST /v1/evaluate.
type EvaluateResponse struct {
	Command        string                `json:"command"`
	Classification domain.Classification `json:"classification"`
	Decision       domain.PolicyDecision `json:"decision"`
}

// RunRequest is the body of POST /v1/runs.
type RunRequest struct {
	Command string            `json:"command"`
	Reason  string            `json:"reason"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	RunID   string            `json:"run_id,omitempty"`
	// Wait blocks until the run is terminal. Confirmations still go through
	// the approval queue, so the caller (or another client) must resolve
	// them while the request is held open.
	Wait bool `json:"wait,omitempty"`
}

// RunAccepted is returned for background runs.
type RunAccepted struct {
	RunID     string `json:"run_id"`
	ToolRunID string `json:"tool_run_id"`
}

// RunResponse is returned for synchronous runs.
type RunResponse struct {
	RunID     string                `json:"run_id"`
	ToolRunID string                `json:"tool_run_id"`
	Status    string                `json:"status"`
	Result    *domain.ToolRunResult `json:"result,omitempty"`
	Error     string                `json:"error,omitempty"`
	Stdout    string                `json:"stdout,omitempty"` // partial output on timeout
	Stderr    string                `json:"stderr,omitempty"`
}

// RunStatusResponse is returned by GET /v1/runs/{id}. Exactly one of
// Record and Live is set.
type RunStatusResponse struct {
	Record *storage.RunRecord `json:"record,omitempty"`
	Live   *ws.RunState       `json:"live,omitempty"`
}

// ApprovalDecisionResponse is returned after approving or denying.
type ApprovalDecisionResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (g *Gateway) handleClassify(c *okapi.Context) error {
	var req CommandRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("Bad request", err)
	}
	if strings.TrimSpace(req.Command) == "" {
		return c.AbortBadRequest("command is required")
	}
	return c.OK(ClassifyResponse{
		Command:        req.Command,
		Classification: toolrun.Classify(domain.ToolRunRequest{Command: req.Command}),
	})
}

func (g *Gateway) handleEvaluate(c *okapi.Context) error {
	var req CommandRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("Bad request", err)
	}
	if strings.TrimSpace(req.Command) == "" {
		return c.AbortBadRequest("command is required")
	}
	cls, decision := toolrun.Check(domain.ToolRunRequest{Command: req.Command, Cwd: req.Cwd}, g.runs.Policy())
	return c.OK(EvaluateResponse{Command: req.Command, Classification: cls, Decision: decision})
}

// bindRun decodes a RunRequest into the request and runner context handed
// to the service. IDs are assigned here so they can be returned before the
// run completes.
func bindRun(c *okapi.Context) (RunRequest, domain.ToolRunRequest, domain.RunnerContext, error) {
	var body RunRequest
	if err := c.Bind(&body); err != nil {
		return body, domain.ToolRunRequest{}, domain.RunnerContext{}, err
	}
	if strings.TrimSpace(body.Command) == "" {
		return body, domain.ToolRunRequest{}, domain.RunnerContext{}, errors.New("command is required")
	}
	rc := domain.RunnerContext{
		RunID:     body.RunID,
		ToolRunID: uuid.NewString(),
		Cwd:       body.Cwd,
	}
	if rc.RunID == "" {
		rc.RunID = uuid.NewString()
	}
	req := domain.ToolRunRequest{
		Command: body.Command,
		Reason:  body.Reason,
		Cwd:     body.Cwd,
		Env:     body.Env,
	}
	return body, req, rc, nil
}

func (g *Gateway) handleRun(c *okapi.Context) error {
	body, req, rc, err := bindRun(c)
	if err != nil {
		return c.AbortBadRequest("Bad request", err)
	}

	g.logger.Info("tool run requested",
		slog.String("caller", c.GetString(observability.CallerKey)),
		slog.String("run_id", rc.RunID),
		slog.String("tool_run_id", rc.ToolRunID),
		slog.Bool("wait", body.Wait),
	)

	if !body.Wait {
		g.startBackground(req, rc)
		return c.JSON(http.StatusAccepted, RunAccepted{RunID: rc.RunID, ToolRunID: rc.ToolRunID})
	}

	ctx := approval.WithRunContext(c.Context(), rc)
	result, err := g.runs.Run(ctx, req, rc)
	code, resp := runResponse(rc, result, err)
	return c.JSON(code, resp)
}

// startBackground runs req on the gateway's lifetime context so it
// survives the request that started it.
func (g *Gateway) startBackground(req domain.ToolRunRequest, rc domain.RunnerContext) {
	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()
		ctx := approval.WithRunContext(g.runCtx, rc)
		if _, err := g.runs.Run(ctx, req, rc); err != nil {
			g.logger.Debug("background tool run ended with error",
				slog.String("tool_run_id", rc.ToolRunID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// runResponse maps a run outcome onto an HTTP status and body.
func runResponse(rc domain.RunnerContext, result domain.ToolRunResult, err error) (int, RunResponse) {
	resp := RunResponse{RunID: rc.RunID, ToolRunID: rc.ToolRunID}
	if err == nil {
		resp.Status = storage.StatusFinished
		resp.Result = &result
		return http.StatusOK, resp
	}
	resp.Error = err.Error()

	var (
		policyErr  *domain.PolicyDeniedError
		confirmErr *domain.ConfirmationDeniedError
		timeoutErr *domain.TimeoutError
		processErr *domain.ProcessError
	)
	switch {
	case errors.As(err, &policyErr):
		resp.Status = storage.StatusBlocked
		return http.StatusForbidden, resp
	case errors.As(err, &confirmErr):
		resp.Status = storage.StatusDenied
		return http.StatusForbidden, resp
	case errors.As(err, &timeoutErr):
		resp.Status = storage.StatusFailed
		resp.Stdout = timeoutErr.Stdout
		resp.Stderr = timeoutErr.Stderr
		return http.StatusGatewayTimeout, resp
	case errors.As(err, &processErr):
		resp.Status = storage.StatusFailed
		return http.StatusUnprocessableEntity, resp
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		resp.Status = storage.StatusFailed
		return http.StatusServiceUnavailable, resp
	default:
		resp.Status = storage.StatusFailed
		return http.StatusInternalServerError, resp
	}
}

func (g *Gateway) handleListRuns(c *okapi.Context) error {
	if g.history == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorBody{Error: "run history is not configured"})
	}
	filter, err := parseListFilter(c.Request())
	if err != nil {
		return c.AbortBadRequest("Bad request", err)
	}
	runs, err := g.history.ListRuns(c.Context(), filter)
	if err != nil {
		g.logger.Error("listing runs failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing runs failed")
	}
	if runs == nil {
		runs = []*storage.RunRecord{}
	}
	return c.OK(runs)
}

// parseListFilter reads run_id, status, category, since (RFC 3339), limit
// and offset from the query string.
func parseListFilter(r *http.Request) (storage.ListFilter, error) {
	q := r.URL.Query()
	filter := storage.ListFilter{
		RunID:    q.Get("run_id"),
		Status:   q.Get("status"),
		Category: domain.Category(q.Get("category")),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("since must be an RFC 3339 timestamp")
		}
		filter.Since = t
	}
	for _, p := range []struct {
		key string
		dst *int
	}{{"limit", &filter.Limit}, {"offset", &filter.Offset}} {
		v := q.Get(p.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New(p.key + " must be a non-negative integer")
		}
		*p.dst = n
	}
	return filter, nil
}

// handleGetRun answers from history first, then from live state for runs
// that have not finished.
func (g *Gateway) handleGetRun(c *okapi.Context) error {
	id := c.Param("id")
	if g.history != nil {
		rec, err := g.history.GetRun(c.Context(), id)
		switch {
		case err == nil:
			return c.OK(RunStatusResponse{Record: rec})
		case !errors.Is(err, storage.ErrNotFound):
			g.logger.Error("reading run failed", slog.String("id", id), slog.String("error", err.Error()))
			return c.AbortInternalServerError("reading run failed")
		}
	}
	if g.live != nil {
		if st, ok := g.live.Get(id); ok {
			return c.OK(RunStatusResponse{Live: &st})
		}
	}
	return c.JSON(http.StatusNotFound, ErrorBody{Error: "run not found"})
}

func (g *Gateway) handleActiveRuns(c *okapi.Context) error {
	if g.live == nil {
		return c.OK([]ws.RunState{})
	}
	active := g.live.Active()
	if active == nil {
		active = []ws.RunState{}
	}
	return c.OK(active)
}

func (g *Gateway) handleListApprovals(c *okapi.Context) error {
	pending := g.approvals.List(c.Context())
	if pending == nil {
		pending = []approval.PendingApproval{}
	}
	return c.OK(pending)
}

func (g *Gateway) handleApprove(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.approvals.Approve(c.Context(), id, c.GetString(observability.CallerKey)); err != nil {
		return approvalError(c, err)
	}
	return c.OK(ApprovalDecisionResponse{ID: id, Status: approval.StatusApproved.String()})
}

func (g *Gateway) handleDeny(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.approvals.Deny(c.Context(), id, c.GetString(observability.CallerKey)); err != nil {
		return approvalError(c, err)
	}
	return c.OK(ApprovalDecisionResponse{ID: id, Status: approval.StatusDenied.String()})
}

func approvalError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "approval not found"})
	case errors.Is(err, approval.ErrExpired):
		return c.JSON(http.StatusGone, ErrorBody{Error: "approval expired"})
	case errors.Is(err, approval.ErrAlreadyResolved):
		return c.JSON(http.StatusConflict, ErrorBody{Error: "approval already resolved"})
	default:
		return c.AbortInternalServerError("approval failed")
	}
}

// terminalStatus names the history status for a terminal event.
func terminalStatus(t events.Type) string {
	switch t {
	case events.Blocked:
		return storage.StatusBlocked
	case events.Denied:
		return storage.StatusDenied
	case events.Finished:
		return storage.StatusFinished
	default:
		return storage.StatusFailed
	}
}
