// Package approval implements the confirmation gate for tool runs and the
// user interfaces that answer it: a terminal prompt, static shims, and an
// in-memory manager whose pending confirmations are resolved out of band
// (for example through the HTTP API).
package approval

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/toolgate/internal/domain"
)

var (
	ErrNotFound        = errors.New("approval not found")
	ErrExpired         = errors.New("approval expired")
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// Status represents the state of an approval request.
type Status int

const (
	StatusPending Status = iota
	StatusApproved
	StatusDenied
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusDenied:
		return "denied"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// MarshalText renders the status as its name in JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PendingApproval is a confirmation waiting for a human decision.
type PendingApproval struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id,omitempty"`
	ToolRunID  string    `json:"tool_run_id,omitempty"`
	Message    string    `json:"message"`
	Details    string    `json:"details"`
	Status     Status    `json:"status"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`

	done chan struct{}
}

type runContextKey struct{}

// WithRunContext attaches run identifiers to ctx so that pending approvals
// created by a Manager can be correlated with their tool run.
func WithRunContext(ctx context.Context, rc domain.RunnerContext) context.Context {
	return context.WithValue(ctx, runContextKey{}, rc)
}

func runContextFrom(ctx context.Context) domain.RunnerContext {
	rc, _ := ctx.Value(runContextKey{}).(domain.RunnerContext)
	return rc
}

// Manager is a UserInterface that parks each confirmation as a pending
// approval and blocks until it is approved, denied, expires or ctx is done.
// Safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	pending   map[string]*PendingApproval
	ttl       time.Duration
	onPending func(PendingApproval)
	logger    *slog.Logger
}

// NewManager creates an approval manager. Pending approvals expire after ttl.
func NewManager(ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		pending: make(map[string]*PendingApproval),
		ttl:     ttl,
		logger:  logger,
	}
}

// OnPending registers a callback invoked (synchronously) whenever a new
// approval is parked. It must not block.
func (m *Manager) OnPending(fn func(PendingApproval)) {
	m.mu.Lock()
	m.onPending = fn
	m.mu.Unlock()
}

// Confirm implements UserInterface.
func (m *Manager) Confirm(ctx context.Context, message, details string, _ bool) (bool, error) {
	rc := runContextFrom(ctx)
	now := time.Now().UTC()
	pa := &PendingApproval{
		ID:        uuid.NewString(),
		RunID:     rc.RunID,
		ToolRunID: rc.ToolRunID,
		Message:   message,
		Details:   details,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.pending[pa.ID] = pa
	hook := m.onPending
	snapshot := *pa
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "approval pending",
		slog.String("approval_id", pa.ID),
		slog.String("tool_run_id", pa.ToolRunID),
		slog.String("message", message),
	)
	if hook != nil {
		hook(snapshot)
	}

	timer := time.NewTimer(m.ttl)
	defer timer.Stop()

	select {
	case <-pa.done:
	case <-timer.C:
		m.expire(pa.ID)
	case <-ctx.Done():
		m.expire(pa.ID)
		return false, ctx.Err()
	}

	m.mu.Lock()
	status := pa.Status
	m.mu.Unlock()
	return status == StatusApproved, nil
}

// Approve marks a pending approval as approved and releases the waiting run.
func (m *Manager) Approve(_ context.Context, id, approverID string) error {
	return m.resolve(id, approverID, StatusApproved)
}

// Deny marks a pending approval as denied and releases the waiting run.
func (m *Manager) Deny(_ context.Context, id, denierID string) error {
	return m.resolve(id, denierID, StatusDenied)
}

func (m *Manager) resolve(id, resolverID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pa, ok := m.pending[id]
	if !ok {
		return ErrNotFound
	}
	if pa.Status == StatusPending && time.Now().UTC().After(pa.ExpiresAt) {
		m.markExpired(pa)
	}
	if pa.Status == StatusExpired {
		return ErrExpired
	}
	if pa.Status != StatusPending {
		return ErrAlreadyResolved
	}

	pa.Status = status
	pa.ResolvedBy = resolverID
	pa.ResolvedAt = time.Now().UTC()
	close(pa.done)

	m.logger.Info("approval resolved",
		slog.String("approval_id", id),
		slog.String("resolver", resolverID),
		slog.String("status", status.String()),
		slog.String("tool_run_id", pa.ToolRunID),
	)
	return nil
}

func (m *Manager) expire(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pa, ok := m.pending[id]; ok && pa.Status == StatusPending {
		m.markExpired(pa)
	}
}

// markExpired must be called with m.mu held.
func (m *Manager) markExpired(pa *PendingApproval) {
	pa.Status = StatusExpired
	pa.ResolvedAt = time.Now().UTC()
	close(pa.done)
}

// Get returns a copy of the approval with the given ID.
func (m *Manager) Get(_ context.Context, id string) (PendingApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pa, ok := m.pending[id]
	if !ok {
		return PendingApproval{}, ErrNotFound
	}
	if pa.Status == StatusPending && time.Now().UTC().After(pa.ExpiresAt) {
		m.markExpired(pa)
	}
	return *pa, nil
}

// List returns copies of all approvals still pending, oldest first.
func (m *Manager) List(_ context.Context) []PendingApproval {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	out := make([]PendingApproval, 0, len(m.pending))
	for _, pa := range m.pending {
		if pa.Status == StatusPending && now.After(pa.ExpiresAt) {
			m.markExpired(pa)
		}
		if pa.Status == StatusPending {
			out = append(out, *pa)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Cleanup expires overdue approvals and drops anything resolved more than
// one TTL ago.
func (m *Manager) Cleanup(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for id, pa := range m.pending {
		if pa.Status == StatusPending && now.After(pa.ExpiresAt) {
			m.markExpired(pa)
		}
		if pa.Status != StatusPending && now.After(pa.ResolvedAt.Add(m.ttl)) {
			delete(m.pending, id)
		}
	}
}

// StartCleanup starts a background goroutine that calls Cleanup periodically.
// Returns a cancel function to stop the goroutine.
func (m *Manager) StartCleanup(ctx context.Context, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Cleanup(ctx)
			}
		}
	}()
	return cancel
}
