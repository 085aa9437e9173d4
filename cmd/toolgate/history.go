package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/toolgate/internal/config"
	"github.com/jkaninda/toolgate/internal/domain"
	"github.com/jkaninda/toolgate/internal/retention"
	"github.com/jkaninda/toolgate/internal/storage"
	"github.com/jkaninda/toolgate/internal/workspace"
)

var (
	historyRunID     string
	historyStatus    string
	historyCategory  string
	historySince     time.Duration
	historyLimit     int
	historyJSON      bool
	historyOlderThan time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and prune recorded tool runs",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded tool runs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withHistory(func(_ *workspace.Workspace, store storage.Store, _ *slog.Logger) error {
			filter := storage.ListFilter{
				RunID:    historyRunID,
				Status:   historyStatus,
				Category: domain.Category(historyCategory),
				Limit:    historyLimit,
			}
			if historySince > 0 {
				filter.Since = time.Now().Add(-historySince)
			}
			runs, err := store.ListRuns(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("listing runs: %w", err)
			}
			if historyJSON {
				return writeJSON(os.Stdout, runs)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tCATEGORY\tEXIT\tDURATION\tFINISHED\tCOMMAND")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Status, r.Category, exitColumn(r),
					(time.Duration(r.DurationMs) * time.Millisecond).String(),
					r.FinishedAt.Local().Format(time.DateTime), r.Command)
			}
			return tw.Flush()
		})
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <tool-run-id>",
	Short: "Show one recorded tool run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHistory(func(_ *workspace.Workspace, store storage.Store, _ *slog.Logger) error {
			rec, err := store.GetRun(cmd.Context(), args[0])
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("no tool run with id %q", args[0])
			}
			if err != nil {
				return err
			}
			return writeJSON(os.Stdout, rec)
		})
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete run history and run directories older than the retention age",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		maxAge := cfg.Retention.MaxAge()
		if historyOlderThan > 0 {
			maxAge = historyOlderThan
		}
		return withHistory(func(ws *workspace.Workspace, store storage.Store, logger *slog.Logger) error {
			pruner, err := retention.New(store, ws, maxAge, cfg.Retention.CronSchedule(), nil, logger)
			if err != nil {
				return err
			}
			res, err := pruner.PruneOnce(cmd.Context())
			fmt.Printf("pruned %d run directories and %d history rows older than %s\n",
				len(res.RunDirs), res.HistoryRows, res.Cutoff.Local().Format(time.DateTime))
			return err
		})
	},
}

func init() {
	lf := historyListCmd.Flags()
	lf.StringVar(&historyRunID, "run-id", "", "only runs with this run ID")
	lf.StringVar(&historyStatus, "status", "", "only runs with this status (finished, failed, blocked, denied)")
	lf.StringVar(&historyCategory, "category", "", "only runs in this category")
	lf.DurationVar(&historySince, "since", 0, "only runs created within this duration (e.g. 24h)")
	lf.IntVar(&historyLimit, "limit", 50, "maximum rows")
	lf.BoolVar(&historyJSON, "json", false, "print JSON")

	historyPruneCmd.Flags().DurationVar(&historyOlderThan, "older-than", 0, "override retention.max_age_days")

	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyPruneCmd)
}

// withHistory opens the workspace and history store for fn.
func withHistory(fn func(ws *workspace.Workspace, store storage.Store, logger *slog.Logger) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stderr)
	wsp, err := workspace.New(cfg.WorkspaceRoot())
	if err != nil {
		return fmt.Errorf("initializing workspace: %w", err)
	}
	store, err := openStore(cfg, wsp, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()
	return fn(wsp, store, logger)
}

func openStore(cfg *config.Config, wsp *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	store, err := initStore(cfg, wsp, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("storage unreachable: %w", err)
	}
	return store, nil
}

func exitColumn(r *storage.RunRecord) string {
	if r.Status != storage.StatusFinished {
		return "-"
	}
	return fmt.Sprint(r.ExitCode)
}
