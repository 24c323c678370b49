package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "server.listen_address").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
// It implements the error interface and provides access to all field errors.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. It returns nil if the configuration is valid.
// All validation errors are collected and returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateDatabase(&cfg.Database)...)
	errs = append(errs, validateSnapshot(&cfg.Snapshot)...)
	errs = append(errs, validateCallback(&cfg.Callback)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateCoordinator(&cfg.Coordinator)...)
	errs = append(errs, validateAdmin(&cfg.Admin)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if cfg.Cache.TTL < 0 {
		errs = append(errs, FieldError{Field: "cache.ttl", Message: "must not be negative"})
	}
	if cfg.Quota.MemoTTL < 0 {
		errs = append(errs, FieldError{Field: "quota.memo_ttl", Message: "must not be negative"})
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}

	return nil
}

func validateServer(cfg *ServerConfig) []FieldError {
	var errs []FieldError

	if cfg.ListenAddress == "" {
		errs = append(errs, FieldError{Field: "server.listen_address", Message: "listen address is required"})
	} else if _, _, err := net.SplitHostPort(cfg.ListenAddress); err != nil {
		errs = append(errs, FieldError{
			Field:   "server.listen_address",
			Message: fmt.Sprintf("invalid listen address %q: %v", cfg.ListenAddress, err),
		})
	}
	if cfg.ReadTimeout < 0 || cfg.WriteTimeout < 0 || cfg.IdleTimeout < 0 {
		errs = append(errs, FieldError{Field: "server", Message: "timeouts must not be negative"})
	}
	if cfg.MaxBodyBytes < 0 {
		errs = append(errs, FieldError{Field: "server.max_body_bytes", Message: "must not be negative"})
	}

	return errs
}

func validateDatabase(cfg *DatabaseConfig) []FieldError {
	var errs []FieldError

	switch cfg.Driver {
	case "sqlite", "postgres", "postgresql":
	default:
		errs = append(errs, FieldError{
			Field:   "database.driver",
			Message: fmt.Sprintf("invalid driver %q: must be 'sqlite' or 'postgres'", cfg.Driver),
		})
	}
	if cfg.DSN == "" {
		errs = append(errs, FieldError{Field: "database.dsn", Message: "dsn is required"})
	}
	if cfg.Retry.MaxTries < 1 {
		errs = append(errs, FieldError{Field: "database.retry.max_tries", Message: "must be at least 1"})
	}
	if cfg.QueryTimeout < 0 {
		errs = append(errs, FieldError{Field: "database.query_timeout", Message: "must not be negative"})
	}

	return errs
}

func validateSnapshot(cfg *SnapshotConfig) []FieldError {
	var errs []FieldError

	if cfg.Dir == "" {
		errs = append(errs, FieldError{Field: "snapshot.dir", Message: "snapshot directory is required"})
	}
	if cfg.RefreshInterval <= 0 {
		errs = append(errs, FieldError{Field: "snapshot.refresh_interval", Message: "must be positive"})
	}
	if cfg.ReadInterval <= 0 {
		errs = append(errs, FieldError{Field: "snapshot.read_interval", Message: "must be positive"})
	}
	if cfg.LeaseTimeout <= 0 {
		errs = append(errs, FieldError{Field: "snapshot.lease_timeout", Message: "must be positive"})
	}
	if cfg.LockRetries < 0 {
		errs = append(errs, FieldError{Field: "snapshot.lock_retries", Message: "must not be negative"})
	}
	if cfg.MinRefreshAge < 0 {
		errs = append(errs, FieldError{Field: "snapshot.min_refresh_age", Message: "must not be negative"})
	}

	return errs
}

func validateCallback(cfg *CallbackConfig) []FieldError {
	var errs []FieldError

	switch cfg.FirstEventPolicy {
	case "baseline", "count":
	default:
		errs = append(errs, FieldError{
			Field:   "callback.first_event_policy",
			Message: fmt.Sprintf("invalid policy %q: must be 'baseline' or 'count'", cfg.FirstEventPolicy),
		})
	}
	if cfg.BlockedRate <= 0 {
		errs = append(errs, FieldError{
			Field:   "callback.blocked_rate",
			Message: "must be positive; zero is read as unlimited by the engine",
		})
	}
	if cfg.NoiseThresholdBytes < 0 {
		errs = append(errs, FieldError{Field: "callback.noise_threshold_bytes", Message: "must not be negative"})
	}

	return errs
}

func validateSync(cfg *SyncConfig) []FieldError {
	var errs []FieldError

	switch cfg.Mode {
	case "file":
		if cfg.OutputPath == "" {
			errs = append(errs, FieldError{Field: "sync.output_path", Message: "output path is required in file mode"})
		}
		if cfg.ReloadURL != "" {
			errs = append(errs, validateURL("sync.reload_url", cfg.ReloadURL)...)
		}
	case "http":
		if cfg.EngineURL == "" {
			errs = append(errs, FieldError{Field: "sync.engine_url", Message: "engine URL is required in http mode"})
		} else {
			errs = append(errs, validateURL("sync.engine_url", cfg.EngineURL)...)
		}
	case "none":
	default:
		errs = append(errs, FieldError{
			Field:   "sync.mode",
			Message: fmt.Sprintf("invalid mode %q: must be 'file', 'http', or 'none'", cfg.Mode),
		})
	}
	errs = append(errs, validateURL("sync.callback_base_url", cfg.CallbackBaseURL)...)
	if cfg.MinInterval < 0 {
		errs = append(errs, FieldError{Field: "sync.min_interval", Message: "must not be negative"})
	}
	if cfg.ApplyTimeout <= 0 {
		errs = append(errs, FieldError{Field: "sync.apply_timeout", Message: "must be positive"})
	}
	if cfg.QueueSize < 1 {
		errs = append(errs, FieldError{Field: "sync.queue_size", Message: "must be at least 1"})
	}

	return errs
}

func validateCoordinator(cfg *CoordinatorConfig) []FieldError {
	var errs []FieldError

	if _, err := cron.ParseStandard(cfg.ResyncSchedule); err != nil {
		errs = append(errs, FieldError{
			Field:   "coordinator.resync_schedule",
			Message: fmt.Sprintf("invalid cron expression %q: %v", cfg.ResyncSchedule, err),
		})
	}
	if _, err := cron.ParseStandard(cfg.HealthSchedule); err != nil {
		errs = append(errs, FieldError{
			Field:   "coordinator.health_schedule",
			Message: fmt.Sprintf("invalid cron expression %q: %v", cfg.HealthSchedule, err),
		})
	}

	return errs
}

func validateAdmin(cfg *AdminConfig) []FieldError {
	if cfg.Enabled && cfg.Token == "" {
		return []FieldError{{Field: "admin.token", Message: "token is required when admin routes are enabled"}}
	}
	return nil
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("invalid logging level %q: must be 'debug', 'info', 'warn', or 'error'", cfg.Logging.Level),
		})
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.Logging.Format] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("invalid logging format %q: must be 'json' or 'text'", cfg.Logging.Format),
		})
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{Field: "telemetry.metrics.path", Message: "metrics path must start with /"})
	}

	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.endpoint",
			Message: "tracing endpoint is required when tracing is enabled",
		})
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1.0 {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.sample_ratio",
			Message: "sample ratio must be between 0.0 and 1.0",
		})
	}

	if !strings.HasPrefix(cfg.Health.LivenessPath, "/") {
		errs = append(errs, FieldError{Field: "telemetry.health.liveness_path", Message: "liveness path must start with /"})
	}
	if !strings.HasPrefix(cfg.Health.ReadinessPath, "/") {
		errs = append(errs, FieldError{Field: "telemetry.health.readiness_path", Message: "readiness path must start with /"})
	}

	return errs
}

func validateURL(field, raw string) []FieldError {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return []FieldError{{Field: field, Message: fmt.Sprintf("invalid URL %q", raw)}}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return []FieldError{{Field: field, Message: fmt.Sprintf("unsupported scheme %q", u.Scheme)}}
	}
	return nil
}
