package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/toolgate/internal/gateway"
	"github.com/jkaninda/toolgate/internal/gateway/mcp"
)

var mcpWithHTTP bool

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the run_command tool to agents over MCP (stdio)",
	Long: `Speak the Model Context Protocol on stdin/stdout so an agent can call
run_command, classify_command and check_command.

Without --http there is nobody to ask, so commands needing confirmation are
denied. With --http the HTTP API is served alongside and confirmations wait
in its approval queue.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg, os.Stderr)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var (
			gateways []gateway.Gateway
			sc       *SharedComponents
		)
		if mcpWithHTTP {
			gateways, sc, err = buildHTTPGateway(ctx, cfg, logger)
		} else {
			sc, err = initShared(cfg, logger, sharedOptions{})
		}
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		svc := sc.Service
		if !mcpWithHTTP {
			policy := svc.Policy()
			policy.Interactive = false
			svc = svc.WithPolicy(policy)
		}

		server := mcp.NewServer(mcp.Config{Version: version}, svc, logger)
		gateways = append(gateways, server)
		return runGateways(ctx, logger, gateways)
	},
}

func init() {
	mcpCmd.Flags().BoolVar(&mcpWithHTTP, "http", false, "also serve the HTTP API for confirmations and history")
}
