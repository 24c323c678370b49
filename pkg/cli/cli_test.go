package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"
)

type ruleTable [][]string

func (t ruleTable) Header() []string { return []string{"PORT", "OWNER", "ACTIVE"} }
func (t ruleTable) Rows() [][]string { return t }

func TestConfigError(t *testing.T) {
	tests := []struct {
		err  *ConfigError
		want string
	}{
		{NewConfigError("sync.mode", "unknown mode"), "config error in sync.mode: unknown mode"},
		{NewConfigError("", "file not found"), "config error: file not found"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestCommandErrorUnwrap(t *testing.T) {
	base := errors.New("store unreachable")
	err := NewCommandError("refresh", base)
	if !errors.Is(err, base) {
		t.Error("errors.Is should find the wrapped error")
	}
	if !strings.Contains(err.Error(), "refresh") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"config", NewConfigError("x", "y"), ExitConfig},
		{"wrapped config", fmt.Errorf("load: %w", NewConfigError("", "bad")), ExitConfig},
		{"command", NewCommandError("sync", errors.New("boom")), ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFormatters(t *testing.T) {
	table := ruleTable{{"10001", "7", "true"}, {"10002", "8", "false"}}

	tests := []struct {
		format OutputFormat
		data   any
		want   []string
	}{
		{FormatText, table, []string{"PORT   OWNER  ACTIVE", "10001  7      true"}},
		{FormatText, "plain", []string{"plain"}},
		{FormatCSV, table, []string{"PORT,OWNER,ACTIVE\n10001,7,true\n10002,8,false"}},
		{FormatJSON, map[string]int{"disabled": 2}, []string{`"disabled": 2`}},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			var buf bytes.Buffer
			if err := NewFormatter(tt.format).FormatTo(&buf, tt.data); err != nil {
				t.Fatalf("FormatTo() error = %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(buf.String(), w) {
					t.Errorf("output %q missing %q", buf.String(), w)
				}
			}
		})
	}

	if err := NewFormatter(FormatCSV).FormatTo(&bytes.Buffer{}, 42); err == nil {
		t.Error("CSV of a non-table should fail")
	}
}

func TestParseFormat(t *testing.T) {
	for _, in := range []string{"", "text", "json", "csv"} {
		if _, err := ParseFormat(in); err != nil {
			t.Errorf("ParseFormat(%q) error = %v", in, err)
		}
	}
	if _, err := ParseFormat("junit"); err == nil {
		t.Error("ParseFormat(junit) should fail")
	}
}

func TestProgress(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf, "Reconciling", "users")
	p.Start(4)
	p.Update(2)
	p.Update(9)
	p.Finish()
	p.Error(errors.New("partial"))

	out := buf.String()
	if !strings.Contains(out, "Reconciling:") || !strings.Contains(out, "users/s") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "(4/4)") {
		t.Errorf("Finish should render the full bar: %q", out)
	}
	if !strings.Contains(out, "error: partial") {
		t.Errorf("Error output missing: %q", out)
	}
}

func TestProgress_ZeroTotal(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf, "", "")
	p.Start(0)
	p.Update(0)
	p.Finish()
	if strings.TrimSpace(buf.String()) != "" {
		t.Errorf("zero total should render nothing, got %q", buf.String())
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, stop := SetupSignalHandler(context.Background())
	defer stop()

	select {
	case <-ctx.Done():
		t.Fatal("context cancelled before any signal")
	default:
	}

	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		t.Fatalf("FindProcess() error = %v", err)
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("Signal() error = %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled after SIGTERM")
	}
}

func TestSetupSignalHandler_ParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx, stop := SetupSignalHandler(parent)
	defer stop()

	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("child context not cancelled with parent")
	}
}
