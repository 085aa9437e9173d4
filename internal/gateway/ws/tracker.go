package ws

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jkaninda/toolgate/internal/domain"
	"github.com/jkaninda/toolgate/internal/events"
)

// RunState is the latest known state of one tool run.
type RunState struct {
	ToolRunID string                `json:"tool_run_id"`
	RunID     string                `json:"run_id"`
	Command   string                `json:"command"`
	Category  domain.Category       `json:"category,omitempty"`
	State     events.Type           `json:"state"`
	Reason    string                `json:"reason,omitempty"`
	Result    *domain.ToolRunResult `json:"result,omitempty"`
	Failure   string                `json:"failure,omitempty"`
	Error     string                `json:"error,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// Terminal reports whether the run has finished one way or another.
func (s RunState) Terminal() bool {
	return events.Event{Type: s.State}.Terminal()
}

// RunTracker follows tool runs through their lifecycle events so that runs
// still waiting for confirmation or executing can be inspected before they
// reach history. Terminal runs are kept for ttl.
type RunTracker struct {
	mu   sync.RWMutex
	runs map[string]*RunState
	ttl  time.Duration
	now  func() time.Time
}

// NewRunTracker creates a tracker. ttl <= 0 keeps terminal runs for 10 minutes.
func NewRunTracker(ttl time.Duration) *RunTracker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RunTracker{
		runs: make(map[string]*RunState),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Emit implements events.Sink.
func (t *RunTracker) Emit(_ context.Context, e events.Event) {
	if e.ToolRunID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	rs, ok := t.runs[e.ToolRunID]
	if !ok {
		rs = &RunState{
			ToolRunID: e.ToolRunID,
			RunID:     e.RunID,
			Command:   e.Command,
			Category:  e.Category,
			CreatedAt: e.Time,
		}
		t.runs[e.ToolRunID] = rs
	}
	// A terminal state is final.
	if rs.Terminal() {
		return
	}
	rs.State = e.Type
	rs.UpdatedAt = t.now()
	if e.Reason != "" {
		rs.Reason = e.Reason
	}
	if e.Result != nil {
		rs.Result = e.Result
	}
	if e.Failure != "" {
		rs.Failure = e.Failure
		rs.Error = e.Error
	}
}

// Get returns the state of one tool run.
func (t *RunTracker) Get(toolRunID string) (RunState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rs, ok := t.runs[toolRunID]
	if !ok {
		return RunState{}, false
	}
	return *rs, true
}

// Active returns runs that have not reached a terminal state, oldest first.
func (t *RunTracker) Active() []RunState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var active []RunState
	for _, rs := range t.runs {
		if !rs.Terminal() {
			active = append(active, *rs)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active
}

// Cleanup drops terminal runs older than the ttl and returns how many were
// removed.
func (t *RunTracker) Cleanup() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.ttl)
	removed := 0
	for id, rs := range t.runs {
		if rs.Terminal() && rs.UpdatedAt.Before(cutoff) {
			delete(t.runs, id)
			removed++
		}
	}
	return removed
}

// StartCleanup runs Cleanup every interval until the returned function is
// called.
func (t *RunTracker) StartCleanup(ctx context.Context, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Cleanup()
			}
		}
	}()
	return cancel
}

var _ events.Sink = (*RunTracker)(nil)
