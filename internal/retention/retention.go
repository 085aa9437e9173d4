// Package retention prunes old run artifacts and run history on a cron
// schedule.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// HistoryStore deletes run records. storage.Store implements it.
type HistoryStore interface {
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ArtifactStore deletes run directories. *workspace.Workspace implements it.
type ArtifactStore interface {
	PruneRuns(cutoff time.Time) ([]string, error)
}

// Result summarizes one prune pass.
type Result struct {
	Cutoff      time.Time
	RunDirs     []string
	HistoryRows int64
}

// Pruner removes runs older than MaxAge. Either store may be nil.
type Pruner struct {
	history   HistoryStore
	artifacts ArtifactStore
	maxAge    time.Duration
	schedule  cron.Schedule
	expr      string
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a Pruner. expr is a five-field cron expression.
func New(history HistoryStore, artifacts ArtifactStore, maxAge time.Duration, expr string, metrics *Metrics, logger *slog.Logger) (*Pruner, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive, got %s", maxAge)
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		history:   history,
		artifacts: artifacts,
		maxAge:    maxAge,
		schedule:  sched,
		expr:      expr,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// PruneOnce deletes everything older than now minus the max age. Both stores
// are attempted even if the first fails.
func (p *Pruner) PruneOnce(ctx context.Context) (Result, error) {
	start := p.now()
	res := Result{Cutoff: start.UTC().Add(-p.maxAge)}

	var errs []error
	if p.artifacts != nil {
		dirs, err := p.artifacts.PruneRuns(res.Cutoff)
		res.RunDirs = dirs
		if err != nil {
			errs = append(errs, fmt.Errorf("pruning run directories: %w", err))
		}
	}
	if p.history != nil {
		n, err := p.history.DeleteRunsBefore(ctx, res.Cutoff)
		res.HistoryRows = n
		if err != nil {
			errs = append(errs, fmt.Errorf("pruning run history: %w", err))
		}
	}
	err := errors.Join(errs...)

	if p.metrics != nil {
		p.metrics.RunDirsPruned.Add(float64(len(res.RunDirs)))
		p.metrics.HistoryPruned.Add(float64(res.HistoryRows))
		if err != nil {
			p.metrics.Failures.Inc()
		}
		p.metrics.PassDuration.Observe(p.now().Sub(start).Seconds())
	}

	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelError
	}
	attrs := []slog.Attr{
		slog.Time("cutoff", res.Cutoff),
		slog.Int("run_dirs", len(res.RunDirs)),
		slog.Int64("history_rows", res.HistoryRows),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	p.logger.LogAttrs(ctx, level, "retention pass complete", attrs...)

	return res, err
}

// Next returns the next scheduled pass after from.
func (p *Pruner) Next(from time.Time) time.Time {
	return p.schedule.Next(from)
}

// Start runs PruneOnce on the schedule until ctx is done or the returned
// cancel function is called.
func (p *Pruner) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		p.logger.InfoContext(ctx, "retention pruner started",
			slog.String("schedule", p.expr),
			slog.String("max_age", p.maxAge.String()),
		)

		for {
			next := p.Next(p.now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				p.logger.Info("retention pruner stopped")
				return
			case <-timer.C:
				_, _ = p.PruneOnce(ctx)
			}
		}
	}()

	return cancel
}

// NextRunFrom validates expr and returns its next activation after from.
func NextRunFrom(expr string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}
