package cli

import (
	"errors"
	"fmt"
)

// Exit codes returned by porthaul.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitConfig  = 2
)

// ConfigError means the configuration could not be used. Field names the
// dotted YAML key, or is empty when the file itself failed to load.
type ConfigError struct {
	Field   string
	Message string
}

func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return "config error in " + e.Field + ": " + e.Message
	}
	return "config error: " + e.Message
}

// CommandError tags a runtime failure with the subcommand that hit it.
type CommandError struct {
	Command string
	Err     error
}

func NewCommandError(command string, err error) *CommandError {
	return &CommandError{Command: command, Err: err}
}

func (e *CommandError) Error() string { return fmt.Sprintf("%s: %v", e.Command, e.Err) }
func (e *CommandError) Unwrap() error { return e.Err }

// ExitCode picks the process status for err. Configuration problems exit
// with 2 so supervisors can tell them from runtime failures.
func ExitCode(err error) int {
	var ce *ConfigError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &ce):
		return ExitConfig
	default:
		return ExitFailure
	}
}
