package main

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"porthaul/controlplane/pkg/cli"

	"github.com/spf13/cobra"
)

// Stamped at link time:
//
//	go build -ldflags "-X main.Version=1.2.0 -X main.GitCommit=$(git rev-parse --short HEAD)"
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

type buildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func currentBuild() buildInfo {
	b := buildInfo{
		Version:   Version,
		Commit:    GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	// Plain `go build` inside a checkout still records the revision.
	if b.Commit == "unknown" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" && s.Value != "" {
					b.Commit = s.Value
				}
			}
		}
	}
	return b
}

var versionFormat string

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := cli.ParseFormat(versionFormat)
		if err != nil {
			return err
		}
		b := currentBuild()
		out := cmd.OutOrStdout()
		if format == cli.FormatJSON {
			return cli.NewFormatter(format).FormatTo(out, b)
		}
		_, err = fmt.Fprintf(out, "porthaul %s\n  commit:   %s\n  built:    %s\n  go:       %s\n  platform: %s\n",
			b.Version, b.Commit, b.BuildDate, b.GoVersion, b.Platform)
		return err
	},
}

func init() {
	versionCmd.Flags().StringVarP(&versionFormat, "output", "o", "text", "output format (text, json)")
	rootCmd.AddCommand(versionCmd)
}
