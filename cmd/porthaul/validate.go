package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"porthaul/controlplane/pkg/cli"
	"porthaul/controlplane/pkg/config"
)

var validateFlags struct {
	format string
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load the configuration file, apply environment overrides and report
every validation error. Exits with status 2 when the configuration is invalid.

Examples:
  porthaul validate --config config.yaml
  porthaul validate --config config.yaml --output json`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVarP(&validateFlags.format, "output", "o", "text", "output format (text, json, csv)")
}

// fieldErrors renders validation errors as a table.
type fieldErrors []config.FieldError

func (f fieldErrors) Header() []string { return []string{"FIELD", "ERROR"} }

func (f fieldErrors) Rows() [][]string {
	rows := make([][]string, 0, len(f))
	for _, e := range f {
		rows = append(rows, []string{e.Field, e.Message})
	}
	return rows
}

func runValidate(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(validateFlags.format)
	if err != nil {
		return err
	}

	_, err = config.LoadConfigWithEnvOverrides(cfgFile)
	if err == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
		return nil
	}

	var verr config.ValidationError
	if !errors.As(err, &verr) {
		return cli.NewConfigError("", err.Error())
	}
	if ferr := cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), fieldErrors(verr.Errors)); ferr != nil {
		return ferr
	}
	return cli.NewConfigError("", fmt.Sprintf("%d validation error(s)", len(verr.Errors)))
}
