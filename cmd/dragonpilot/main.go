// Package main provides the dragonpilot CLI: a mission execution server, a
// one-shot plan runner and a simulated vehicle bridge.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
	"github.com/ZanzyTHEbar/dragonpilot/internal/config"
	"github.com/ZanzyTHEbar/dragonpilot/internal/logging"
)

var version = "0.1.0"

// globals set by the root command before any subcommand runs.
type globals struct {
	configPath string
	logLevel   string
	cfg        *config.Config
	logger     *slog.Logger
	logCloser  io.Closer
}

func main() {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:           "dragonpilot",
		Short:         "Telemetry-verified mission execution for drones",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `dragonpilot executes mission plans step by step against a vehicle. Each
step is dispatched as vehicle commands and only counts as done once telemetry
confirms it.

Examples:
  dragonpilot serve                       # JSON-RPC over HTTP on the configured address
  dragonpilot serve --stdio               # JSON-RPC over stdin/stdout
  dragonpilot run survey.yaml             # run one mission file and exit
  dragonpilot tools                       # list available capabilities
  dragonpilot simulate --listen :8790     # simulated vehicle bridge for --transport rpc`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			if g.logLevel != "" {
				cfg.Logging.Level = g.logLevel
			}
			logger, closer, err := logging.New(cfg.Logging, os.Stderr)
			if err != nil {
				return dragonpilot.NewConfigurationError("logging", err)
			}
			g.cfg, g.logger, g.logCloser = cfg, logger, closer
			slog.SetDefault(logger)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if g.logCloser != nil {
				_ = g.logCloser.Close()
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(
		serveCmd(g),
		runCmd(g),
		toolsCmd(g),
		historyCmd(g),
		simulateCmd(g),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}
