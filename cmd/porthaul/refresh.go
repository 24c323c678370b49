package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"porthaul/controlplane/pkg/app"
	"porthaul/controlplane/pkg/cli"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Rebuild the shared snapshot",
	Long: `Rebuild the shared port-mapping snapshot from the database regardless
of its age. The snapshot lock is still honoured, so a refresh running in a
worker at the same time wins and this command reports "skipped".`,
	RunE: runRefresh,
}

func init() {
	rootCmd.AddCommand(refreshCmd)
}

func runRefresh(cmd *cobra.Command, args []string) error {
	ctx, stop := cli.SetupSignalHandler(cmd.Context())
	defer stop()

	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		res, err := a.Snapshot.ForceRefresh(ctx)
		if err != nil {
			return cli.NewCommandError("refresh", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "snapshot %s in %s\n", res, a.Snapshot.Dir())
		return nil
	})
}
