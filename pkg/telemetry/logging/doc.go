// Package logging builds the control plane's log/slog logger.
//
// The logger writes JSON or text, stamps request_id and trace_id from the
// context passed to the *Context logging methods, and masks attributes whose
// key names a credential (token, secret, password, authorization, dsn).
//
//	logger, err := logging.Setup(logging.FromConfig(cfg.Telemetry.Logging))
//	if err != nil {
//	    return err
//	}
//	logger.InfoContext(ctx, "sync applied", "hash", out.Hash)
//
// Setup also installs the logger as slog's default. Components derive their
// own logger from it with slog.Default().With("component", name).
package logging
