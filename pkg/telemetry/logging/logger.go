package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"porthaul/controlplane/pkg/config"
)

// Config selects the level, encoding and sink of the process logger.
type Config struct {
	Level     string // debug, info, warn or error; empty means info
	Format    string // json (default) or text
	AddSource bool
	Writer    io.Writer // defaults to stderr
}

// FromConfig maps the telemetry.logging section onto a Config.
func FromConfig(c config.LoggingConfig) Config {
	return Config{Level: c.Level, Format: c.Format, AddSource: c.AddSource}
}

var levels = map[string]slog.Level{
	"":        slog.LevelInfo,
	"info":    slog.LevelInfo,
	"debug":   slog.LevelDebug,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLevel accepts the level names used in config files and on the
// --log-level flag, case-insensitively.
func ParseLevel(s string) (slog.Level, error) {
	if lvl, ok := levels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New returns a logger whose records carry the request and trace ids found
// in their context and whose credential attributes are masked.
func New(cfg Config) (*slog.Logger, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: lvl, AddSource: cfg.AddSource, ReplaceAttr: redactAttr}

	var base slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
		base = slog.NewJSONHandler(w, opts)
	case "text", "console":
		base = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return slog.New(&contextHandler{next: base}), nil
}

// Setup installs New(cfg) as the slog default. Components log through
// slog.Default().With("component", ...), so this must run before they are
// built.
func Setup(cfg Config) (*slog.Logger, error) {
	l, err := New(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l)
	return l, nil
}
