package config

import "time"

// Config is the root configuration structure for the porthaul control plane.
// It contains every section a worker process needs: the callback HTTP server,
// the shared database, cache and snapshot tuning, quota enforcement, proxy
// engine config sync, and telemetry.
type Config struct {
	// Server contains HTTP server configuration for the engine callbacks and
	// internal admin routes.
	Server ServerConfig `yaml:"server"`

	// Database selects and tunes the shared state store.
	Database DatabaseConfig `yaml:"database"`

	// Cache tunes the process-local user cache.
	Cache CacheConfig `yaml:"cache"`

	// Snapshot configures the cross-process snapshot shared by all workers.
	Snapshot SnapshotConfig `yaml:"snapshot"`

	// Quota configures the decision engine.
	Quota QuotaConfig `yaml:"quota"`

	// Callback configures the auth, limiter and observer handlers.
	Callback CallbackConfig `yaml:"callback"`

	// Sync configures rendering and applying the proxy engine config.
	Sync SyncConfig `yaml:"sync"`

	// Coordinator configures the periodic resync and health jobs.
	Coordinator CoordinatorConfig `yaml:"coordinator"`

	// Admin configures the internal admin routes.
	Admin AdminConfig `yaml:"admin"`

	// Secrets configures resolution of ${secret:name} references.
	Secrets SecretsConfig `yaml:"secrets"`

	// Telemetry contains configuration for observability including logging,
	// metrics, tracing and health checks.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig contains configuration for the HTTP server.
type ServerConfig struct {
	// ListenAddress is the address and port to listen on.
	// Format: "host:port" (e.g., "127.0.0.1:9000").
	// Default: "127.0.0.1:9000"
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout is the maximum duration for reading the entire request.
	// Default: 10s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the
	// response.
	// Default: 10s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request
	// when keep-alives are enabled.
	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxHeaderBytes limits request header size.
	// Default: 65536
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// MaxBodyBytes limits callback request bodies. Observer batches are the
	// largest payloads.
	// Default: 4194304 (4MB)
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// DatabaseConfig selects the shared state store.
type DatabaseConfig struct {
	// Driver is the database driver.
	// Options: "sqlite", "postgres"
	// Default: "sqlite"
	Driver string `yaml:"driver"`

	// DSN is a file path for SQLite or a connection string for PostgreSQL.
	// Default: "data/porthaul.db"
	DSN string `yaml:"dsn"`

	// MaxOpenConns caps the PostgreSQL pool. SQLite always uses one.
	// Default: 10
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns caps idle PostgreSQL connections.
	// Default: 5
	MaxIdleConns int `yaml:"max_idle_conns"`

	// ConnMaxLifetime recycles pooled connections.
	// Default: 30m
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// BusyTimeout is how long SQLite waits for a lock held by another worker.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// QueryTimeout bounds each store call.
	// Default: 5s
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// LogQueries enables GORM warning logs.
	// Default: false
	LogQueries bool `yaml:"log_queries"`

	// Retry bounds retries of transient store failures.
	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig bounds exponential backoff retries.
type RetryConfig struct {
	// MaxTries is the total number of attempts.
	// Default: 4
	MaxTries int `yaml:"max_tries"`

	// InitialInterval is the first backoff delay.
	// Default: 50ms
	InitialInterval time.Duration `yaml:"initial_interval"`

	// MaxInterval caps a single backoff delay.
	// Default: 2s
	MaxInterval time.Duration `yaml:"max_interval"`
}

// CacheConfig tunes the process-local cache.
type CacheConfig struct {
	// TTL is how long a cached user entry is served after it was read from
	// the store.
	// Default: 60s
	TTL time.Duration `yaml:"ttl"`

	// CleanupInterval is how often expired entries are purged.
	// Default: 30s
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// SnapshotConfig configures the cross-process snapshot.
type SnapshotConfig struct {
	// Dir holds the snapshot, its lease lock and the invalidation marker.
	// Every worker on the host must point at the same directory.
	// Default: "data/snapshot"
	Dir string `yaml:"dir"`

	// RefreshInterval is how often each worker attempts a refresh. Only the
	// lease holder actually reads the store.
	// Default: 30s
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// ReadInterval is how often each worker reloads the snapshot file as a
	// backstop to the file watcher.
	// Default: 5s
	ReadInterval time.Duration `yaml:"read_interval"`

	// MinRefreshAge skips a refresh when the current snapshot is younger and
	// has not been invalidated.
	// Default: 10s
	MinRefreshAge time.Duration `yaml:"min_refresh_age"`

	// LeaseTimeout is how old a lock may get before another worker may
	// break it.
	// Default: 30s
	LeaseTimeout time.Duration `yaml:"lease_timeout"`

	// LockRetries is how many extra attempts are made to take the lock.
	// Default: 3
	LockRetries int `yaml:"lock_retries"`

	// LockRetryDelay is the pause between lock attempts.
	// Default: 100ms
	LockRetryDelay time.Duration `yaml:"lock_retry_delay"`

	// Watch enables fsnotify so workers load new snapshots immediately.
	// Default: true
	Watch *bool `yaml:"watch"`

	// DebounceInterval coalesces bursts of file events.
	// Default: 50ms
	DebounceInterval time.Duration `yaml:"debounce_interval"`
}

// WatchEnabled reports whether the snapshot watcher should run.
func (c SnapshotConfig) WatchEnabled() bool {
	return c.Watch == nil || *c.Watch
}

// QuotaConfig configures the decision engine.
type QuotaConfig struct {
	// MemoTTL is how long a decision is reused for the same user.
	// Default: 2s
	MemoTTL time.Duration `yaml:"memo_ttl"`

	// SyncPriority is the priority of quota-triggered config syncs.
	// Default: 10
	SyncPriority int `yaml:"sync_priority"`
}

// CallbackConfig configures the engine callback handlers.
type CallbackConfig struct {
	// NoiseThresholdBytes is the smallest per-user delta in one observer
	// batch that triggers an immediate reconcile.
	// Default: 1048576 (1MB)
	NoiseThresholdBytes int64 `yaml:"noise_threshold_bytes"`

	// FirstEventPolicy decides what the first reading for a port counts as.
	// Options: "baseline" (record it, count nothing), "count" (count it all)
	// Default: "baseline"
	FirstEventPolicy string `yaml:"first_event_policy"`

	// BlockedRate is the bytes/second cap returned to blocked clients.
	// Must be positive; zero means unlimited to the engine.
	// Default: 1
	BlockedRate int64 `yaml:"blocked_rate"`

	// AuthSecret is echoed in successful auth responses.
	AuthSecret string `yaml:"auth_secret"`

	// Token, when set, must be presented by the engine as a bearer token.
	Token string `yaml:"token"`
}

// SyncConfig configures rendering and applying the engine config.
type SyncConfig struct {
	// Mode selects how rendered config reaches the engine.
	// Options: "file", "http", "none"
	// Default: "file"
	Mode string `yaml:"mode"`

	// OutputPath is where file mode writes the rendered YAML.
	// Default: "data/gost.yaml"
	OutputPath string `yaml:"output_path"`

	// ReloadURL is POSTed after a file write, if set.
	ReloadURL string `yaml:"reload_url"`

	// EngineURL is the engine config API used by http mode.
	// Example: "http://127.0.0.1:18080/config"
	EngineURL string `yaml:"engine_url"`

	// EngineUsername and EnginePassword authenticate to the engine API.
	EngineUsername string `yaml:"engine_username"`
	EnginePassword string `yaml:"engine_password"`

	// CallbackBaseURL is the address the engine uses to reach this control
	// plane's callbacks.
	// Default: "http://127.0.0.1:9000"
	CallbackBaseURL string `yaml:"callback_base_url"`

	// ListenHost is the host part of every rendered listener.
	// Default: "" (all interfaces)
	ListenHost string `yaml:"listen_host"`

	// ObserverPeriod is the stats reporting period rendered into observers.
	// Default: 5s
	ObserverPeriod time.Duration `yaml:"observer_period"`

	// MinInterval throttles non-forced syncs.
	// Default: 5s
	MinInterval time.Duration `yaml:"min_interval"`

	// ApplyTimeout bounds one apply call.
	// Default: 10s
	ApplyTimeout time.Duration `yaml:"apply_timeout"`

	// QueueSize caps pending distinct triggers.
	// Default: 64
	QueueSize int `yaml:"queue_size"`

	// HistorySize is how many outcomes are retained for inspection.
	// Default: 50
	HistorySize int `yaml:"history_size"`
}

// CoordinatorConfig configures the backstop jobs.
type CoordinatorConfig struct {
	// ResyncSchedule is a cron expression for the full refresh, reconcile and
	// sync cycle.
	// Default: "@every 1m"
	ResyncSchedule string `yaml:"resync_schedule"`

	// HealthSchedule is a cron expression for the cache health check.
	// Default: "@every 30s"
	HealthSchedule string `yaml:"health_schedule"`

	// StaleAfter is the snapshot age past which the health job forces a
	// repair.
	// Default: 2m
	StaleAfter time.Duration `yaml:"stale_after"`
}

// AdminConfig configures the internal admin routes.
type AdminConfig struct {
	// Enabled mounts the /internal routes.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Token is required as a bearer token on admin routes.
	Token string `yaml:"token"`
}

// SecretsConfig configures where ${secret:name} references in tokens,
// passwords and the database DSN are resolved from.
type SecretsConfig struct {
	// Dir holds one file per secret, named after the secret. Files must be
	// mode 0600 or 0400. Empty disables the file provider.
	Dir string `yaml:"dir"`

	// EnvPrefix is prepended to the upper-cased secret name to find its
	// environment variable.
	// Default: "PORTHAUL_SECRET_"
	EnvPrefix string `yaml:"env_prefix"`
}

// TelemetryConfig contains configuration for observability.
type TelemetryConfig struct {
	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `yaml:"tracing"`

	// Health contains health check configuration.
	Health HealthConfig `yaml:"health"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level to emit.
	// Options: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `yaml:"level"`

	// Format controls the log output format.
	// Options: "json", "text"
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file and line number in log entries.
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig contains metrics collection configuration.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Path is the HTTP path for the Prometheus metrics endpoint.
	// Default: "/metrics"
	Path string `yaml:"path"`

	// Namespace is the metric name prefix.
	// Default: "porthaul"
	Namespace string `yaml:"namespace"`

	// Subsystem is the metric subsystem name.
	// Default: "controlplane"
	Subsystem string `yaml:"subsystem"`

	// MaxServiceLabels caps distinct service label values before they are
	// folded into "other".
	// Default: 2000
	MaxServiceLabels int `yaml:"max_service_labels"`
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// SampleRatio is the fraction of traces to sample (0.0 to 1.0).
	// Default: 0.1
	SampleRatio float64 `yaml:"sample_ratio"`

	// Endpoint is the OTLP/gRPC collector endpoint.
	// Example: "localhost:4317"
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS for the collector connection.
	// Default: true
	Insecure bool `yaml:"insecure"`

	// ServiceName is the service name in traces.
	// Default: "porthaul-controlplane"
	ServiceName string `yaml:"service_name"`
}

// HealthConfig contains health check endpoint configuration.
type HealthConfig struct {
	// LivenessPath is the path for the liveness probe endpoint.
	// Default: "/health"
	LivenessPath string `yaml:"liveness_path"`

	// ReadinessPath is the path for the readiness probe endpoint.
	// Default: "/ready"
	ReadinessPath string `yaml:"readiness_path"`

	// CheckTimeout is the timeout for individual component health checks.
	// Default: 3s
	CheckTimeout time.Duration `yaml:"check_timeout"`

	// MaxSnapshotAge fails readiness when the installed snapshot is older.
	// Default: 5m
	MaxSnapshotAge time.Duration `yaml:"max_snapshot_age"`
}
