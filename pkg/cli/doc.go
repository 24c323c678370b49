/*
Package cli provides helpers shared by the porthaul subcommands.

Output formatting:

Results that implement Table render as aligned text or CSV; anything can be
written as JSON:

	formatter := cli.NewFormatter(cli.FormatJSON)
	if err := formatter.FormatTo(os.Stdout, report); err != nil {
		return err
	}

Progress reporting:

	progress := cli.NewProgress(os.Stderr, "Reconciling", "users")
	progress.Start(int64(len(users)))
	for i, u := range users {
		// reconcile u
		progress.Update(int64(i + 1))
	}
	progress.Finish()

Signal handling:

	ctx, stop := cli.SetupSignalHandler(context.Background())
	defer stop()

Errors returned by commands map onto exit codes with ExitCode; a
ConfigError exits with 2.
*/
package cli
