package approval

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RepeatConfig controls repeat auto-approval.
type RepeatConfig struct {
	Enabled           bool
	RequiredApprovals int           // Manual approvals needed before auto. Default: 3.
	Window            time.Duration // Lookback window. Default: 24h.
	MaxPerHour        int           // Auto-approvals per hour across all commands. Default: 10.
}

// RepeatApprover wraps a UserInterface and auto-approves a prompt that a
// human already approved RequiredApprovals times inside Window. Denials and
// errors are never cached.
type RepeatApprover struct {
	next UserInterface

	mu       sync.Mutex
	history  map[string][]time.Time // prompt key → manual approval times
	count    int                    // auto-approvals in the current hour slot
	hourSlot int64
	config   RepeatConfig
	now      func() time.Time
	logger   *slog.Logger
}

// NewRepeatApprover decorates next with repeat auto-approval.
func NewRepeatApprover(next UserInterface, cfg RepeatConfig, logger *slog.Logger) *RepeatApprover {
	if cfg.RequiredApprovals <= 0 {
		cfg.RequiredApprovals = 3
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.MaxPerHour <= 0 {
		cfg.MaxPerHour = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RepeatApprover{
		next:    next,
		history: make(map[string][]time.Time),
		config:  cfg,
		now:     time.Now,
		logger:  logger,
	}
}

// Confirm implements UserInterface.
func (a *RepeatApprover) Confirm(ctx context.Context, message, details string, defaultNo bool) (bool, error) {
	key := promptKey(message, details)
	if ok, reason := a.shouldAutoApprove(key); ok {
		a.logger.InfoContext(ctx, "auto-approving repeated command",
			slog.String("message", message),
			slog.String("reason", reason),
		)
		return true, nil
	}

	ok, err := a.next.Confirm(ctx, message, details, defaultNo)
	if err == nil && ok {
		a.record(key)
	}
	return ok, err
}

func (a *RepeatApprover) shouldAutoApprove(key string) (bool, string) {
	if !a.config.Enabled {
		return false, ""
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if slot := now.Unix() / 3600; slot != a.hourSlot {
		a.hourSlot = slot
		a.count = 0
	}
	if a.count >= a.config.MaxPerHour {
		return false, ""
	}

	cutoff := now.Add(-a.config.Window)
	recent := 0
	for _, ts := range a.history[key] {
		if ts.After(cutoff) {
			recent++
		}
	}
	if recent < a.config.RequiredApprovals {
		return false, ""
	}
	a.count++
	return true, fmt.Sprintf("%d prior manual approvals in %s window", recent, a.config.Window)
}

func (a *RepeatApprover) record(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	cutoff := now.Add(-a.config.Window)
	entries := append(a.history[key], now)
	pruned := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	a.history[key] = pruned
}

// promptKey identifies a prompt by the command and its context (reason and
// working directory), so the same command in another directory asks again.
func promptKey(message, details string) string {
	h := sha256.Sum256([]byte(message + "\x00" + details))
	return fmt.Sprintf("%x", h[:16])
}
