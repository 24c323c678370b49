package config

import "time"

// Default values for configuration fields.
const (
	// Server defaults
	DefaultListenAddress   = "127.0.0.1:9000"
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
	DefaultMaxHeaderBytes  = 65536
	DefaultMaxBodyBytes    = int64(4 << 20)

	// Database defaults
	DefaultDatabaseDriver       = "sqlite"
	DefaultDatabaseDSN          = "data/porthaul.db"
	DefaultDatabaseMaxOpen      = 10
	DefaultDatabaseMaxIdle      = 5
	DefaultDatabaseConnLifetime = 30 * time.Minute
	DefaultDatabaseBusyTimeout  = 5 * time.Second
	DefaultDatabaseQueryTimeout = 5 * time.Second
	DefaultRetryMaxTries        = 4
	DefaultRetryInitial         = 50 * time.Millisecond
	DefaultRetryMax             = 2 * time.Second

	// Cache defaults
	DefaultCacheTTL             = 60 * time.Second
	DefaultCacheCleanupInterval = 30 * time.Second

	// Snapshot defaults
	DefaultSnapshotDir              = "data/snapshot"
	DefaultSnapshotRefreshInterval  = 30 * time.Second
	DefaultSnapshotReadInterval     = 5 * time.Second
	DefaultSnapshotMinRefreshAge    = 10 * time.Second
	DefaultSnapshotLeaseTimeout     = 30 * time.Second
	DefaultSnapshotLockRetries      = 3
	DefaultSnapshotLockRetryDelay   = 100 * time.Millisecond
	DefaultSnapshotDebounceInterval = 50 * time.Millisecond

	// Quota defaults
	DefaultQuotaMemoTTL      = 2 * time.Second
	DefaultQuotaSyncPriority = 10

	// Callback defaults
	DefaultNoiseThresholdBytes = int64(1 << 20)
	DefaultFirstEventPolicy    = "baseline"
	DefaultBlockedRate         = int64(1)

	// Sync defaults
	DefaultSyncMode            = "file"
	DefaultSyncOutputPath      = "data/gost.yaml"
	DefaultSyncCallbackBaseURL = "http://127.0.0.1:9000"
	DefaultSyncObserverPeriod  = 5 * time.Second
	DefaultSyncMinInterval     = 5 * time.Second
	DefaultSyncApplyTimeout    = 10 * time.Second
	DefaultSyncQueueSize       = 64
	DefaultSyncHistorySize     = 50

	// Coordinator defaults
	DefaultResyncSchedule = "@every 1m"
	DefaultHealthSchedule = "@every 30s"
	DefaultStaleAfter     = 2 * time.Minute

	// Secrets defaults
	DefaultSecretsEnvPrefix = "PORTHAUL_SECRET_"

	// Telemetry defaults
	DefaultLoggingLevel        = "info"
	DefaultLoggingFormat       = "json"
	DefaultMetricsEnabled      = true
	DefaultPrometheusPath      = "/metrics"
	DefaultMetricsNamespace    = "porthaul"
	DefaultMetricsSubsystem    = "controlplane"
	DefaultMaxServiceLabels    = 2000
	DefaultTracingSampleRatio  = 0.1
	DefaultTracingServiceName  = "porthaul-controlplane"
	DefaultTracingInsecure     = true
	DefaultLivenessPath        = "/health"
	DefaultReadinessPath       = "/ready"
	DefaultHealthCheckTimeout  = 3 * time.Second
	DefaultHealthSnapshotAge   = 5 * time.Minute
)

// Default returns a Config with every default applied. Boolean fields whose
// default is true are only settable this way, so loaders decode YAML on top
// of Default rather than onto a zero Config.
func Default() *Config {
	cfg := &Config{}
	cfg.Telemetry.Metrics.Enabled = DefaultMetricsEnabled
	cfg.Telemetry.Tracing.Insecure = DefaultTracingInsecure
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults applies default values to a Config struct.
// It sets defaults for any fields that have zero values.
// This function is idempotent and safe to call multiple times.
func ApplyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultListenAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}

	applyDatabaseDefaults(&cfg.Database)

	// Cache defaults
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = DefaultCacheTTL
	}
	if cfg.Cache.CleanupInterval == 0 {
		cfg.Cache.CleanupInterval = DefaultCacheCleanupInterval
	}

	applySnapshotDefaults(&cfg.Snapshot)

	// Quota defaults
	if cfg.Quota.MemoTTL == 0 {
		cfg.Quota.MemoTTL = DefaultQuotaMemoTTL
	}
	if cfg.Quota.SyncPriority == 0 {
		cfg.Quota.SyncPriority = DefaultQuotaSyncPriority
	}

	// Callback defaults
	if cfg.Callback.NoiseThresholdBytes == 0 {
		cfg.Callback.NoiseThresholdBytes = DefaultNoiseThresholdBytes
	}
	if cfg.Callback.FirstEventPolicy == "" {
		cfg.Callback.FirstEventPolicy = DefaultFirstEventPolicy
	}
	if cfg.Callback.BlockedRate == 0 {
		cfg.Callback.BlockedRate = DefaultBlockedRate
	}

	applySyncDefaults(&cfg.Sync)

	// Coordinator defaults
	if cfg.Coordinator.ResyncSchedule == "" {
		cfg.Coordinator.ResyncSchedule = DefaultResyncSchedule
	}
	if cfg.Coordinator.HealthSchedule == "" {
		cfg.Coordinator.HealthSchedule = DefaultHealthSchedule
	}
	if cfg.Coordinator.StaleAfter == 0 {
		cfg.Coordinator.StaleAfter = DefaultStaleAfter
	}

	// Secrets defaults
	if cfg.Secrets.EnvPrefix == "" {
		cfg.Secrets.EnvPrefix = DefaultSecretsEnvPrefix
	}

	applyTelemetryDefaults(&cfg.Telemetry)
}

func applyDatabaseDefaults(db *DatabaseConfig) {
	if db.Driver == "" {
		db.Driver = DefaultDatabaseDriver
	}
	if db.DSN == "" && db.Driver == DefaultDatabaseDriver {
		db.DSN = DefaultDatabaseDSN
	}
	if db.MaxOpenConns == 0 {
		db.MaxOpenConns = DefaultDatabaseMaxOpen
	}
	if db.MaxIdleConns == 0 {
		db.MaxIdleConns = DefaultDatabaseMaxIdle
	}
	if db.ConnMaxLifetime == 0 {
		db.ConnMaxLifetime = DefaultDatabaseConnLifetime
	}
	if db.BusyTimeout == 0 {
		db.BusyTimeout = DefaultDatabaseBusyTimeout
	}
	if db.QueryTimeout == 0 {
		db.QueryTimeout = DefaultDatabaseQueryTimeout
	}
	if db.Retry.MaxTries == 0 {
		db.Retry.MaxTries = DefaultRetryMaxTries
	}
	if db.Retry.InitialInterval == 0 {
		db.Retry.InitialInterval = DefaultRetryInitial
	}
	if db.Retry.MaxInterval == 0 {
		db.Retry.MaxInterval = DefaultRetryMax
	}
}

func applySnapshotDefaults(s *SnapshotConfig) {
	if s.Dir == "" {
		s.Dir = DefaultSnapshotDir
	}
	if s.RefreshInterval == 0 {
		s.RefreshInterval = DefaultSnapshotRefreshInterval
	}
	if s.ReadInterval == 0 {
		s.ReadInterval = DefaultSnapshotReadInterval
	}
	if s.MinRefreshAge == 0 {
		s.MinRefreshAge = DefaultSnapshotMinRefreshAge
	}
	if s.LeaseTimeout == 0 {
		s.LeaseTimeout = DefaultSnapshotLeaseTimeout
	}
	if s.LockRetries == 0 {
		s.LockRetries = DefaultSnapshotLockRetries
	}
	if s.LockRetryDelay == 0 {
		s.LockRetryDelay = DefaultSnapshotLockRetryDelay
	}
	if s.DebounceInterval == 0 {
		s.DebounceInterval = DefaultSnapshotDebounceInterval
	}
}

func applySyncDefaults(s *SyncConfig) {
	if s.Mode == "" {
		s.Mode = DefaultSyncMode
	}
	if s.OutputPath == "" && s.Mode == "file" {
		s.OutputPath = DefaultSyncOutputPath
	}
	if s.CallbackBaseURL == "" {
		s.CallbackBaseURL = DefaultSyncCallbackBaseURL
	}
	if s.ObserverPeriod == 0 {
		s.ObserverPeriod = DefaultSyncObserverPeriod
	}
	if s.MinInterval == 0 {
		s.MinInterval = DefaultSyncMinInterval
	}
	if s.ApplyTimeout == 0 {
		s.ApplyTimeout = DefaultSyncApplyTimeout
	}
	if s.QueueSize == 0 {
		s.QueueSize = DefaultSyncQueueSize
	}
	if s.HistorySize == 0 {
		s.HistorySize = DefaultSyncHistorySize
	}
}

func applyTelemetryDefaults(t *TelemetryConfig) {
	if t.Logging.Level == "" {
		t.Logging.Level = DefaultLoggingLevel
	}
	if t.Logging.Format == "" {
		t.Logging.Format = DefaultLoggingFormat
	}
	if t.Metrics.Path == "" {
		t.Metrics.Path = DefaultPrometheusPath
	}
	if t.Metrics.Namespace == "" {
		t.Metrics.Namespace = DefaultMetricsNamespace
	}
	if t.Metrics.Subsystem == "" {
		t.Metrics.Subsystem = DefaultMetricsSubsystem
	}
	if t.Metrics.MaxServiceLabels == 0 {
		t.Metrics.MaxServiceLabels = DefaultMaxServiceLabels
	}
	if t.Tracing.SampleRatio == 0 {
		t.Tracing.SampleRatio = DefaultTracingSampleRatio
	}
	if t.Tracing.ServiceName == "" {
		t.Tracing.ServiceName = DefaultTracingServiceName
	}
	if t.Health.LivenessPath == "" {
		t.Health.LivenessPath = DefaultLivenessPath
	}
	if t.Health.ReadinessPath == "" {
		t.Health.ReadinessPath = DefaultReadinessPath
	}
	if t.Health.CheckTimeout == 0 {
		t.Health.CheckTimeout = DefaultHealthCheckTimeout
	}
	if t.Health.MaxSnapshotAge == 0 {
		t.Health.MaxSnapshotAge = DefaultHealthSnapshotAge
	}
}
