package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/toolgate/internal/approval"
	"github.com/jkaninda/toolgate/internal/gateway/cli"
)

var shellCwd string

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start an interactive shell where every line runs through toolgate",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg, os.Stderr)

		// Commands and confirmations share one reader.
		ui := approval.NewTerminalUI(os.Stdin, os.Stdout)
		sc, err := initShared(cfg, logger, sharedOptions{Gate: approval.NewGate(ui, logger)})
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		cwd := shellCwd
		if cwd == "" {
			cwd = cfg.ResolvedWorkDir()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		gw := cli.NewGateway(sc.Service, ui, os.Stdout, cwd, logger)
		defer func() { _ = gw.Stop(ctx) }()
		return gw.Start(ctx)
	},
}

func init() {
	shellCmd.Flags().StringVar(&shellCwd, "cwd", "", "working directory for commands (default: configured work_dir)")
}
