package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "PORTHAUL_"

// LoadConfig loads configuration from a YAML file at the specified path.
// It applies default values, validates the configuration, and returns any errors.
// The configuration is not modified by environment variables; use LoadConfigWithEnvOverrides
// for that functionality.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Parse decodes YAML on top of the defaults without validating.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Environment variables follow the naming
// convention PORTHAUL_SECTION_FIELD (e.g., PORTHAUL_SERVER_LISTEN_ADDRESS).
// Environment variables always take precedence over file-based configuration.
//
// An empty path skips the file and starts from defaults, so a worker can be
// configured entirely from the environment.
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	var (
		cfg *Config
		err error
	)
	if path == "" {
		cfg = Default()
	} else {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, readErr)
		}
		cfg, err = Parse(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	applyEnvOverrides(cfg, os.Getenv)
	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, nil
}

// envReader adapts a lookup function to typed setters. Malformed values are
// ignored so the file value (or default) stands.
type envReader func(string) string

func (e envReader) str(key string, dst *string) {
	if v := e(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func (e envReader) duration(key string, dst *time.Duration) {
	if v := e(EnvPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func (e envReader) integer(key string, dst *int) {
	if v := e(EnvPrefix + key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func (e envReader) int64(key string, dst *int64) {
	if v := e(EnvPrefix + key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = i
		}
	}
}

func (e envReader) boolean(key string, dst *bool) {
	if v := e(EnvPrefix + key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

func (e envReader) float(key string, dst *float64) {
	if v := e(EnvPrefix + key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	env := envReader(getenv)

	// Server overrides
	env.str("SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	env.duration("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	env.duration("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	env.duration("SERVER_IDLE_TIMEOUT", &cfg.Server.IdleTimeout)
	env.duration("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	env.int64("SERVER_MAX_BODY_BYTES", &cfg.Server.MaxBodyBytes)

	// Database overrides
	env.str("DATABASE_DRIVER", &cfg.Database.Driver)
	env.str("DATABASE_DSN", &cfg.Database.DSN)
	env.integer("DATABASE_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)
	env.integer("DATABASE_MAX_IDLE_CONNS", &cfg.Database.MaxIdleConns)
	env.duration("DATABASE_QUERY_TIMEOUT", &cfg.Database.QueryTimeout)
	env.duration("DATABASE_BUSY_TIMEOUT", &cfg.Database.BusyTimeout)
	env.boolean("DATABASE_LOG_QUERIES", &cfg.Database.LogQueries)
	env.integer("DATABASE_RETRY_MAX_TRIES", &cfg.Database.Retry.MaxTries)

	// Cache overrides
	env.duration("CACHE_TTL", &cfg.Cache.TTL)

	// Snapshot overrides
	env.str("SNAPSHOT_DIR", &cfg.Snapshot.Dir)
	env.duration("SNAPSHOT_REFRESH_INTERVAL", &cfg.Snapshot.RefreshInterval)
	env.duration("SNAPSHOT_READ_INTERVAL", &cfg.Snapshot.ReadInterval)
	env.duration("SNAPSHOT_MIN_REFRESH_AGE", &cfg.Snapshot.MinRefreshAge)
	env.duration("SNAPSHOT_LEASE_TIMEOUT", &cfg.Snapshot.LeaseTimeout)
	env.integer("SNAPSHOT_LOCK_RETRIES", &cfg.Snapshot.LockRetries)
	if v := getenv(EnvPrefix + "SNAPSHOT_WATCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Snapshot.Watch = &b
		}
	}

	// Quota overrides
	env.duration("QUOTA_MEMO_TTL", &cfg.Quota.MemoTTL)

	// Callback overrides
	env.int64("CALLBACK_NOISE_THRESHOLD_BYTES", &cfg.Callback.NoiseThresholdBytes)
	env.str("CALLBACK_FIRST_EVENT_POLICY", &cfg.Callback.FirstEventPolicy)
	env.str("CALLBACK_AUTH_SECRET", &cfg.Callback.AuthSecret)
	env.str("CALLBACK_TOKEN", &cfg.Callback.Token)

	// Sync overrides
	env.str("SYNC_MODE", &cfg.Sync.Mode)
	env.str("SYNC_OUTPUT_PATH", &cfg.Sync.OutputPath)
	env.str("SYNC_RELOAD_URL", &cfg.Sync.ReloadURL)
	env.str("SYNC_ENGINE_URL", &cfg.Sync.EngineURL)
	env.str("SYNC_ENGINE_USERNAME", &cfg.Sync.EngineUsername)
	env.str("SYNC_ENGINE_PASSWORD", &cfg.Sync.EnginePassword)
	env.str("SYNC_CALLBACK_BASE_URL", &cfg.Sync.CallbackBaseURL)
	env.duration("SYNC_MIN_INTERVAL", &cfg.Sync.MinInterval)
	env.duration("SYNC_APPLY_TIMEOUT", &cfg.Sync.ApplyTimeout)

	// Coordinator overrides
	env.str("COORDINATOR_RESYNC_SCHEDULE", &cfg.Coordinator.ResyncSchedule)
	env.str("COORDINATOR_HEALTH_SCHEDULE", &cfg.Coordinator.HealthSchedule)

	// Admin overrides
	env.boolean("ADMIN_ENABLED", &cfg.Admin.Enabled)
	env.str("ADMIN_TOKEN", &cfg.Admin.Token)

	// Secrets overrides
	env.str("SECRETS_DIR", &cfg.Secrets.Dir)

	// Telemetry overrides
	env.str("TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	env.str("TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	env.boolean("TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	env.boolean("TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	env.str("TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
	env.float("TELEMETRY_TRACING_SAMPLE_RATIO", &cfg.Telemetry.Tracing.SampleRatio)
}
