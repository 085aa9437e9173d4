package httpapi

import (
	"log/slog"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/toolgate/internal/approval"
	"github.com/jkaninda/toolgate/internal/domain"
	"github.com/jkaninda/toolgate/internal/events"
	"github.com/jkaninda/toolgate/internal/observability"
)

// SSEDone is the payload of the final "done" event.
type SSEDone struct {
	RunID     string `json:"run_id"`
	ToolRunID string `json:"tool_run_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// handleRunStream handles POST /v1/runs/stream. The run is bound to the
// request: a client that disconnects cancels it. Each lifecycle event is
// sent under its type name, followed by a "done" event.
func (g *Gateway) handleRunStream(c *okapi.Context) error {
	_, req, rc, err := bindRun(c)
	if err != nil {
		return c.AbortBadRequest("Bad request", err)
	}

	// Subscribe before starting so Requested is not missed.
	ch, unsubscribe := g.bus.Subscribe()
	defer unsubscribe()

	type outcome struct {
		result domain.ToolRunResult
		err    error
	}
	done := make(chan outcome, 1)
	ctx := approval.WithRunContext(c.Context(), rc)
	go func() {
		result, err := g.runs.Run(ctx, req, rc)
		done <- outcome{result, err}
	}()

	g.logger.Info("streaming tool run",
		slog.String("caller", c.GetString(observability.CallerKey)),
		slog.String("tool_run_id", rc.ToolRunID),
	)

	for {
		select {
		case e := <-ch:
			if e.ToolRunID != rc.ToolRunID {
				continue
			}
			c.SSEvent(string(e.Type), e)
			if e.Terminal() {
				final := <-done
				c.SSEvent("done", doneEvent(rc, e.Type, final.err))
				return nil
			}
		case final := <-done:
			// The bus drops events for slow subscribers, so the run may end
			// before its terminal event is seen.
			drain(ch, rc.ToolRunID, c)
			_, resp := runResponse(rc, final.result, final.err)
			c.SSEvent("done", SSEDone{RunID: rc.RunID, ToolRunID: rc.ToolRunID, Status: resp.Status, Error: resp.Error})
			return nil
		}
	}
}

// drain forwards events already buffered for the run.
func drain(ch <-chan events.Event, toolRunID string, c *okapi.Context) {
	for {
		select {
		case e := <-ch:
			if e.ToolRunID == toolRunID {
				c.SSEvent(string(e.Type), e)
			}
		default:
			return
		}
	}
}

func doneEvent(rc domain.RunnerContext, t events.Type, err error) SSEDone {
	d := SSEDone{RunID: rc.RunID, ToolRunID: rc.ToolRunID, Status: terminalStatus(t)}
	if err != nil {
		d.Error = err.Error()
	}
	return d
}
