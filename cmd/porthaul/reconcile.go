package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"porthaul/controlplane/pkg/app"
	"porthaul/controlplane/pkg/cli"
	"porthaul/controlplane/pkg/quota"
	"porthaul/controlplane/pkg/store"
)

var reconcileFlags struct {
	userID int64
	format string
	quiet  bool
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Re-evaluate quota and rule state",
	Long: `Re-evaluate every user's quota and expiry and flip the rules whose
disabled state no longer matches. A config sync is requested when anything
changed.

Examples:
  # Every user, with a progress bar
  porthaul reconcile

  # One user
  porthaul reconcile --user 42 --output json`,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().Int64Var(&reconcileFlags.userID, "user", 0, "reconcile a single user")
	reconcileCmd.Flags().StringVarP(&reconcileFlags.format, "output", "o", "text", "output format (text, json, csv)")
	reconcileCmd.Flags().BoolVarP(&reconcileFlags.quiet, "quiet", "q", false, "disable the progress bar")
}

// reportTable renders a reconcile report.
type reportTable quota.ReconcileReport

func (r reportTable) Header() []string {
	return []string{"USERS", "DISABLED", "RESTORED", "UNCHANGED", "SYNC_REQUESTED"}
}

func (r reportTable) Rows() [][]string {
	return [][]string{{
		itoa(r.Users), itoa(r.Disabled), itoa(r.Restored), itoa(r.Unchanged), itoa(r.SyncRequested),
	}}
}

func itoa(n int) string { return strconv.Itoa(n) }

func runReconcile(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(reconcileFlags.format)
	if err != nil {
		return err
	}

	ctx, stop := cli.SetupSignalHandler(cmd.Context())
	defer stop()

	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		var (
			report quota.ReconcileReport
			runErr error
		)
		if reconcileFlags.userID > 0 {
			report, runErr = a.Reconciler.ReconcileUser(ctx, reconcileFlags.userID)
		} else {
			report, runErr = reconcileAll(ctx, a, !reconcileFlags.quiet)
		}

		var data any = reportTable(report)
		if format == cli.FormatJSON {
			data = report
		}
		if err := cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), data); err != nil {
			return err
		}
		if runErr != nil {
			return cli.NewCommandError("reconcile", runErr)
		}
		return nil
	})
}

// reconcileAll walks every user one at a time so progress can be shown.
// Per-user failures are collected and the walk continues.
func reconcileAll(ctx context.Context, a *app.App, showProgress bool) (quota.ReconcileReport, error) {
	var total quota.ReconcileReport
	users, err := a.Store.FindAllUsers(ctx, store.UserFilter{})
	if err != nil {
		return total, fmt.Errorf("list users: %w", err)
	}

	progress := cli.NewProgress(nil, "Reconciling", "users")
	if showProgress {
		progress.Start(int64(len(users)))
	}

	var errs []error
	for i, u := range users {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		rep, err := a.Reconciler.ReconcileUser(ctx, u.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", u.ID, err))
		}
		total.Users += rep.Users
		total.Disabled += rep.Disabled
		total.Restored += rep.Restored
		total.Unchanged += rep.Unchanged
		total.SyncRequested += rep.SyncRequested
		if showProgress {
			progress.Update(int64(i + 1))
		}
	}

	err = errors.Join(errs...)
	if showProgress {
		if err != nil {
			progress.Error(err)
		} else {
			progress.Finish()
		}
	}
	return total, err
}
