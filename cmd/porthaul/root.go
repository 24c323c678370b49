package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"porthaul/controlplane/pkg/app"
	"porthaul/controlplane/pkg/cli"
	"porthaul/controlplane/pkg/config"
	"porthaul/controlplane/pkg/secrets"
	"porthaul/controlplane/pkg/telemetry/logging"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "porthaul",
	Short: "Porthaul - control plane for port-forwarding workers",
	Long: `Porthaul is the control plane for a fleet of port-forwarding workers.

Each worker answers the forwarding engine's auth and traffic callbacks,
enforces per-user traffic quotas, shares a snapshot of the port mapping
with its peers and renders the engine configuration.

Configuration is read from a YAML file and overridden by PORTHAUL_*
environment variables.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and returns the error of the subcommand.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (empty reads only the environment)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// loadConfig reads the config file, applies environment overrides,
// validates the result and resolves secret references. Failures come back
// as *cli.ConfigError.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		var verr config.ValidationError
		if errors.As(err, &verr) && len(verr.Errors) > 0 {
			first := verr.Errors[0]
			return nil, cli.NewConfigError(first.Field, first.Message)
		}
		return nil, cli.NewConfigError("", err.Error())
	}

	sm, err := secrets.FromConfig(cfg.Secrets)
	if err != nil {
		return nil, cli.NewConfigError("secrets.dir", err.Error())
	}
	if err := sm.ResolveConfig(context.Background(), cfg); err != nil {
		var ferr *secrets.FieldError
		if errors.As(err, &ferr) {
			return nil, cli.NewConfigError(ferr.Field, ferr.Err.Error())
		}
		return nil, cli.NewConfigError("", err.Error())
	}

	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// setupLogging installs the configured logger as the slog default.
func setupLogging(cfg *config.Config) (*slog.Logger, error) {
	logger, err := logging.Setup(logging.FromConfig(cfg.Telemetry.Logging))
	if err != nil {
		return nil, cli.NewConfigError("telemetry.logging", err.Error())
	}
	return logger, nil
}

// withApp loads the configuration, builds the app without starting it and
// runs fn. The app is always closed.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := setupLogging(cfg); err != nil {
		return err
	}

	a, err := app.New(ctx, cfg, app.Options{Version: Version, Commit: GitCommit})
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.Close(context.Background()))
	}()
	return fn(ctx, a)
}
