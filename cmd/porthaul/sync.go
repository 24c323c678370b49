package main

import (
	"context"

	"github.com/spf13/cobra"

	"porthaul/controlplane/pkg/app"
	"porthaul/controlplane/pkg/cli"
	"porthaul/controlplane/pkg/configsync"
)

var syncFlags struct {
	force    bool
	priority int
	format   string
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Render and apply the engine configuration",
	Long: `Render the forwarding engine configuration from the database and apply
it with the configured sync mode. Without --force an unchanged configuration
is skipped.

Examples:
  porthaul sync
  porthaul sync --force --output json`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().BoolVar(&syncFlags.force, "force", false, "apply even when the rendered configuration is unchanged")
	syncCmd.Flags().IntVar(&syncFlags.priority, "priority", 10, "request priority")
	syncCmd.Flags().StringVarP(&syncFlags.format, "output", "o", "text", "output format (text, json, csv)")
}

// outcomeTable renders one sync outcome.
type outcomeTable configsync.Outcome

func (o outcomeTable) Header() []string {
	return []string{"STATUS", "SERVICES", "HASH", "DURATION", "REASON"}
}

func (o outcomeTable) Rows() [][]string {
	reason := o.Reason
	if o.Error != "" {
		reason = o.Error
	}
	return [][]string{{
		string(o.Status),
		itoa(o.Services),
		o.Hash,
		o.Duration.String(),
		reason,
	}}
}

func runSync(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(syncFlags.format)
	if err != nil {
		return err
	}

	ctx, stop := cli.SetupSignalHandler(cmd.Context())
	defer stop()

	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		out, syncErr := a.Coordinator.RequestSync(ctx, "cli", syncFlags.force, syncFlags.priority)
		var data any = outcomeTable(out)
		if format == cli.FormatJSON {
			data = out
		}
		if err := cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), data); err != nil {
			return err
		}
		if syncErr != nil {
			return cli.NewCommandError("sync", syncErr)
		}
		return nil
	})
}
