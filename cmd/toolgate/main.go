// toolgate runs commands requested by coding agents through
// classification, policy, confirmation and a sandbox.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/toolgate/internal/config"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "toolgate: a safety gate for agent-requested shell commands.",
	Long: `toolgate classifies every command an agent asks to run, checks it against a
human-defined policy, asks for confirmation when the policy requires it, and
runs it in a sandbox with a timeout and an output budget. Every step is
recorded as an event, in the run manifest and in the run history.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&configPath, "config",
		goutils.Env("TOOLGATE_CONFIG", config.DefaultConfigPath()), "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd, classifyCmd, checkCmd, shellCmd, serveCmd, mcpCmd, historyCmd, versionCmd)
}

// exitError carries a child process's exit code out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
