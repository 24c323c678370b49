package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"porthaul/controlplane/pkg/app"
	"porthaul/controlplane/pkg/cli"
	"porthaul/controlplane/pkg/telemetry/logging"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a control plane worker",
	Long: `Start a control plane worker with the specified configuration.

The worker serves the engine callbacks, the admin API, health probes and
metrics on the configured address until it receives SIGINT or SIGTERM.

Examples:
  # Start with configuration from the environment only
  porthaul run

  # Start with a config file
  porthaul run --config /etc/porthaul/config.yaml

  # Override listen address
  porthaul run --listen 0.0.0.0:9090

  # Validate config and build every component without serving
  porthaul run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "build every component and exit without serving")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		if _, err := logging.ParseLevel(runFlags.logLevel); err != nil {
			return cli.NewConfigError("telemetry.logging.level", err.Error())
		}
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}

	logger, err := setupLogging(cfg)
	if err != nil {
		return err
	}

	ctx, stop := cli.SetupSignalHandler(cmd.Context())
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{Version: Version, Commit: GitCommit})
	if err != nil {
		return cli.NewCommandError("run", err)
	}

	if runFlags.dryRun {
		fmt.Fprintln(cmd.OutOrStdout(), "configuration OK, all components built")
		return a.Close(context.Background())
	}

	logger.Info("starting porthaul worker",
		"version", Version,
		"commit", GitCommit,
		"listen", cfg.Server.ListenAddress,
		"sync_mode", cfg.Sync.Mode,
	)
	if err := a.Run(ctx); err != nil {
		return cli.NewCommandError("run", err)
	}
	logger.Info("porthaul worker stopped")
	return nil
}
