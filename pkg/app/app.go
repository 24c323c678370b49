package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"porthaul/controlplane/pkg/cache"
	"porthaul/controlplane/pkg/callback"
	"porthaul/controlplane/pkg/config"
	"porthaul/controlplane/pkg/configsync"
	"porthaul/controlplane/pkg/coordinator"
	"porthaul/controlplane/pkg/quota"
	"porthaul/controlplane/pkg/server"
	"porthaul/controlplane/pkg/server/middleware"
	"porthaul/controlplane/pkg/snapshot"
	"porthaul/controlplane/pkg/store"
	"porthaul/controlplane/pkg/telemetry/health"
	"porthaul/controlplane/pkg/telemetry/metrics"
	"porthaul/controlplane/pkg/telemetry/tracing"
)

// Options carries build information and test seams.
type Options struct {
	Version string
	Commit  string

	// Store replaces the configured database. The app still closes it.
	Store store.Store

	// Now overrides the clock of every component, for tests.
	Now func() time.Time
}

// App is the per-process context: it owns one instance of every component
// and the order they start and stop in.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Store       store.Store
	Cache       *cache.Cache
	Metrics     *metrics.Collector
	Snapshot    *snapshot.Synchronizer
	Engine      *quota.Engine
	Reconciler  *quota.Reconciler
	Counters    *callback.CounterTracker
	Callbacks   *callback.Handlers
	Syncer      *configsync.Syncer
	Coordinator *coordinator.Coordinator
	Health      *health.Checker
	Tracing     *tracing.Provider

	opts    Options
	server  *server.Server
	handler http.Handler
	started bool
}

// New builds every component from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	a := &App{
		Config: cfg,
		Logger: slog.Default().With("component", "app"),
		opts:   opts,
	}

	tp, err := tracing.New(ctx, cfg.Telemetry.Tracing, opts.Version)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.Tracing = tp

	base := opts.Store
	if base == nil {
		gs, err := store.Open(store.Config{
			Driver:          cfg.Database.Driver,
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			BusyTimeout:     cfg.Database.BusyTimeout,
			LogQueries:      cfg.Database.LogQueries,
		})
		if err != nil {
			_ = tp.Shutdown(ctx)
			return nil, fmt.Errorf("open store: %w", err)
		}
		base = gs
	}
	a.Store = store.NewRetrying(base, store.RetryConfig{
		MaxTries:        uint(max(cfg.Database.Retry.MaxTries, 1)),
		InitialInterval: cfg.Database.Retry.InitialInterval,
		MaxInterval:     cfg.Database.Retry.MaxInterval,
		QueryTimeout:    cfg.Database.QueryTimeout,
	})

	if cfg.Telemetry.Metrics.Enabled {
		a.Metrics = metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
	}

	a.Cache = cache.New(cache.Config{
		TTL:             cfg.Cache.TTL,
		CleanupInterval: cfg.Cache.CleanupInterval,
		Now:             opts.Now,
	})

	a.Snapshot, err = snapshot.New(snapshot.Config{
		Dir:              cfg.Snapshot.Dir,
		RefreshInterval:  cfg.Snapshot.RefreshInterval,
		ReadInterval:     cfg.Snapshot.ReadInterval,
		MinRefreshAge:    cfg.Snapshot.MinRefreshAge,
		Watch:            cfg.Snapshot.WatchEnabled(),
		DebounceInterval: cfg.Snapshot.DebounceInterval,
		Now:              opts.Now,
	}, a.Store, a.Cache, snapshot.NewLeaseLock(snapshot.LeaseLockConfig{
		Path:       snapshot.LockPath(cfg.Snapshot.Dir),
		Timeout:    cfg.Snapshot.LeaseTimeout,
		Retries:    cfg.Snapshot.LockRetries,
		RetryDelay: cfg.Snapshot.LockRetryDelay,
		Now:        opts.Now,
	}), a.Metrics)
	if err != nil {
		a.closeStore()
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("init snapshot: %w", err)
	}

	a.Engine = quota.NewEngine(a.Cache, a.Store, quota.EngineConfig{
		MemoTTL: cfg.Quota.MemoTTL,
		Now:     opts.Now,
	}, a.Metrics)

	applier, err := newApplier(cfg.Sync)
	if err != nil {
		a.closeStore()
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	a.Syncer = configsync.NewSyncer(
		configsync.StoreSource{Store: a.Store, Now: opts.Now},
		configsync.NewRenderer(configsync.RendererConfig{
			CallbackBaseURL: cfg.Sync.CallbackBaseURL,
			CallbackToken:   cfg.Callback.Token,
			ListenHost:      cfg.Sync.ListenHost,
			ObserverPeriod:  cfg.Sync.ObserverPeriod,
		}),
		applier,
		configsync.Config{
			MinInterval:  cfg.Sync.MinInterval,
			ApplyTimeout: cfg.Sync.ApplyTimeout,
			QueueSize:    cfg.Sync.QueueSize,
			HistorySize:  cfg.Sync.HistorySize,
			Now:          opts.Now,
		},
		a.Metrics,
	)

	a.Reconciler = quota.NewReconciler(a.Engine, a.Store, a.Syncer, quota.ReconcilerConfig{
		SyncPriority: cfg.Quota.SyncPriority,
		Now:          opts.Now,
	}, a.Metrics)

	policy, err := callback.ParseFirstEventPolicy(cfg.Callback.FirstEventPolicy)
	if err != nil {
		a.Syncer.Close()
		a.closeStore()
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("callback: %w", err)
	}
	a.Counters = callback.NewCounterTracker(policy)
	a.Callbacks = callback.New(callback.Config{
		NoiseThresholdBytes: cfg.Callback.NoiseThresholdBytes,
		BlockedRate:         cfg.Callback.BlockedRate,
		AuthSecret:          cfg.Callback.AuthSecret,
		MaxBodyBytes:        cfg.Server.MaxBodyBytes,
		Now:                 opts.Now,
	}, a.Engine, a.Reconciler, a.Cache, a.Store, a.Counters, a.Metrics)

	a.Coordinator = coordinator.New(coordinator.Config{
		ResyncSchedule: cfg.Coordinator.ResyncSchedule,
		HealthSchedule: cfg.Coordinator.HealthSchedule,
		StaleAfter:     cfg.Coordinator.StaleAfter,
		SyncPriority:   cfg.Quota.SyncPriority,
		Now:            opts.Now,
	}, a.Store, a.Cache, a.Snapshot, a.Engine, a.Reconciler, a.Counters, a.Syncer, a.Metrics)

	a.Health = health.New(cfg.Telemetry.Health.CheckTimeout)
	a.Health.RegisterCheck("store", health.StoreCheck(a.Store))
	a.Health.RegisterCheck("snapshot", health.SnapshotCheck(a.Snapshot, cfg.Telemetry.Health.MaxSnapshotAge))

	a.handler = a.routes()
	a.server = server.New(cfg.Server, a.handler)
	return a, nil
}

// newApplier picks the engine delivery for the sync mode.
func newApplier(cfg config.SyncConfig) (configsync.Applier, error) {
	switch cfg.Mode {
	case "file":
		return configsync.NewFileApplier(cfg.OutputPath, cfg.ReloadURL, cfg.ApplyTimeout), nil
	case "http":
		return configsync.NewHTTPApplier(cfg.EngineURL, cfg.EngineUsername, cfg.EnginePassword, cfg.ApplyTimeout), nil
	case "none", "":
		return configsync.NopApplier{}, nil
	default:
		return nil, fmt.Errorf("unknown sync mode %q", cfg.Mode)
	}
}

// routes mounts the callbacks, the admin API, metrics and probes on one mux.
func (a *App) routes() http.Handler {
	cfg := a.Config
	mux := http.NewServeMux()

	a.Callbacks.Register(mux, middleware.BearerToken(cfg.Callback.Token, "callback"))
	if cfg.Admin.Enabled {
		coordinator.NewAdmin(a.Coordinator).Register(mux, middleware.BearerToken(cfg.Admin.Token, "admin"))
	}
	if a.Metrics != nil {
		path := cfg.Telemetry.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, a.Metrics.Handler())
	}
	a.Health.Register(mux, cfg.Telemetry.Health, a.opts.Version, a.opts.Commit)

	return tracing.HTTPMiddleware(a.Tracing.Tracer("porthaul/controlplane/http"))(mux)
}

// Handler returns the mux wrapped in tracing. The server adds its own
// middleware on top.
func (a *App) Handler() http.Handler { return a.handler }

// Server returns the HTTP server.
func (a *App) Server() *server.Server { return a.server }

// Start runs the background components: cache expiry, the snapshot loops
// and the coordinator jobs. It installs the first snapshot and queues an
// initial config sync before returning.
func (a *App) Start(ctx context.Context) error {
	if a.started {
		return errors.New("app already started")
	}
	a.Cache.Start()
	if err := a.Snapshot.Start(ctx); err != nil {
		a.Cache.Close()
		return fmt.Errorf("start snapshot: %w", err)
	}
	if err := a.Coordinator.Start(ctx); err != nil {
		a.Snapshot.Stop()
		a.Cache.Close()
		return fmt.Errorf("start coordinator: %w", err)
	}
	a.Syncer.Enqueue("startup", false, 0)
	a.started = true

	a.Logger.Info("control plane started",
		"version", a.opts.Version,
		"sync_mode", a.Config.Sync.Mode,
		"snapshot_dir", a.Config.Snapshot.Dir,
		"admin", a.Config.Admin.Enabled,
		"tracing", a.Tracing.Enabled(),
	)
	return nil
}

// Run starts the app and serves HTTP until ctx is cancelled, then closes
// every component.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		_ = a.Close(context.Background())
		return err
	}
	serveErr := a.server.Start(ctx)
	closeErr := a.Close(context.Background())
	return errors.Join(serveErr, closeErr)
}

// Close stops the background loops, waits for an in-flight config apply
// and releases the store and the trace exporter.
func (a *App) Close(ctx context.Context) error {
	if a.started {
		a.Coordinator.Stop()
		a.Snapshot.Stop()
		a.started = false
	}
	a.Syncer.Close()
	a.Cache.Close()

	var errs []error
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Tracing.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
	}
	return errors.Join(errs...)
}

func (a *App) closeStore() {
	if a.Store != nil {
		_ = a.Store.Close()
	}
}
