package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"porthaul/controlplane/pkg/cache"
	"porthaul/controlplane/pkg/callback"
	"porthaul/controlplane/pkg/configsync"
	"porthaul/controlplane/pkg/quota"
	"porthaul/controlplane/pkg/snapshot"
	"porthaul/controlplane/pkg/store"
	"porthaul/controlplane/pkg/telemetry/metrics"
)

var tracer = otel.Tracer("porthaul/controlplane/coordinator")

// Invalidation reasons recorded in metrics.
const (
	ReasonAdmin         = "admin"
	ReasonRulesChanged  = "rules_changed"
	ReasonQuotaUpdated  = "quota_updated"
	ReasonTrafficReset  = "traffic_reset"
	ReasonHealthRepair  = "health_repair"
	triggerResync       = "resync"
	triggerHealthRepair = "health"
	triggerAdmin        = "admin"
)

// Syncer is the part of configsync.Syncer the coordinator drives.
type Syncer interface {
	RequestSync(ctx context.Context, trigger string, force bool, priority int) configsync.Outcome
	Enqueue(trigger string, force bool, priority int)
	History() []configsync.Outcome
}

// Config configures a Coordinator.
type Config struct {
	// ResyncSchedule is the cron expression of the resync job. Empty
	// disables it.
	ResyncSchedule string

	// HealthSchedule is the cron expression of the health job. Empty
	// disables it.
	HealthSchedule string

	// StaleAfter is the snapshot age past which the health job repairs.
	StaleAfter time.Duration

	// SyncPriority is the priority of forced syncs it requests.
	SyncPriority int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Coordinator fans invalidations out and runs the backstop jobs.
type Coordinator struct {
	cfg        Config
	store      store.Store
	cache      *cache.Cache
	snap       *snapshot.Synchronizer
	engine     *quota.Engine
	reconciler *quota.Reconciler
	counters   *callback.CounterTracker
	syncer     Syncer
	metrics    *metrics.Collector
	logger     *slog.Logger

	refreshCh chan struct{}

	runMu  sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator and registers it as the reconciler's change
// notifier. counters and syncer may be nil.
func New(
	cfg Config,
	st store.Store,
	c *cache.Cache,
	snap *snapshot.Synchronizer,
	engine *quota.Engine,
	reconciler *quota.Reconciler,
	counters *callback.CounterTracker,
	syncer Syncer,
	m *metrics.Collector,
) *Coordinator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	co := &Coordinator{
		cfg:        cfg,
		store:      st,
		cache:      c,
		snap:       snap,
		engine:     engine,
		reconciler: reconciler,
		counters:   counters,
		syncer:     syncer,
		metrics:    m,
		logger:     slog.Default().With("component", "coordinator"),
		refreshCh:  make(chan struct{}, 1),
	}
	if reconciler != nil {
		reconciler.SetNotifier(co)
	}
	return co
}

// InvalidateUser drops everything this worker knows about userID and marks
// the shared snapshot stale.
func (co *Coordinator) InvalidateUser(ctx context.Context, userID int64, reason string) {
	co.cache.InvalidateUser(userID)
	co.engine.Forget(userID)
	co.invalidateSnapshot()
	co.metrics.RecordInvalidation("user", reason)
	co.logger.Info("user invalidated", "user_id", userID, "reason", reason)
	co.scheduleRefresh()
}

// InvalidatePort drops the mapping and counter state of port. The owner's
// memoized decision goes with it.
func (co *Coordinator) InvalidatePort(ctx context.Context, port int, reason string) {
	if m, ok := co.cache.InvalidatePort(port); ok {
		co.engine.Forget(m.UserID)
	}
	if co.counters != nil {
		co.counters.Reset(port)
	}
	co.invalidateSnapshot()
	co.metrics.RecordInvalidation("port", reason)
	co.logger.Info("port invalidated", "port", port, "reason", reason)
	co.scheduleRefresh()
}

// RulesChanged implements quota.ChangeNotifier.
func (co *Coordinator) RulesChanged(ctx context.Context, userID int64) {
	co.engine.Forget(userID)
	co.invalidateSnapshot()
	co.metrics.RecordInvalidation("user", ReasonRulesChanged)
	co.scheduleRefresh()
}

// ForceRefreshUser reloads userID from the store into the cache.
func (co *Coordinator) ForceRefreshUser(ctx context.Context, userID int64) (cache.UserEntry, error) {
	co.engine.Forget(userID)
	return co.engine.Refresh(ctx, userID)
}

// RuleStatus is one rule in a QuotaStatus.
type RuleStatus struct {
	ID                int64            `json:"id"`
	Name              string           `json:"name"`
	SourcePort        int              `json:"sourcePort"`
	OperatorEnabled   bool             `json:"operatorEnabled"`
	DisableProvenance store.Provenance `json:"disableProvenance"`
	UsedTrafficBytes  int64            `json:"usedTrafficBytes"`
	Mapped            bool             `json:"mapped"`
}

// QuotaStatus is the operator view of a user's quota.
type QuotaStatus struct {
	Decision quota.Decision `json:"decision"`
	Rules    []RuleStatus   `json:"rules"`
}

// GetQuotaStatus returns a fresh decision for userID with its rules.
func (co *Coordinator) GetQuotaStatus(ctx context.Context, userID int64) (QuotaStatus, error) {
	d, err := co.engine.DecideForce(ctx, userID)
	if err != nil {
		return QuotaStatus{}, err
	}
	rules, err := co.store.FindRulesByOwner(ctx, userID)
	if err != nil {
		return QuotaStatus{}, fmt.Errorf("list rules: %w", err)
	}
	status := QuotaStatus{Decision: d, Rules: make([]RuleStatus, 0, len(rules))}
	for _, r := range rules {
		m, ok := co.cache.Mapping(r.SourcePort)
		status.Rules = append(status.Rules, RuleStatus{
			ID:                r.ID,
			Name:              r.Name,
			SourcePort:        r.SourcePort,
			OperatorEnabled:   r.OperatorEnabled,
			DisableProvenance: r.DisableProvenance,
			UsedTrafficBytes:  r.UsedTrafficBytes,
			Mapped:            ok && m.RuleID == r.ID,
		})
	}
	return status, nil
}

// RequestSync requests a config sync and waits for its outcome.
func (co *Coordinator) RequestSync(ctx context.Context, trigger string, force bool, priority int) (configsync.Outcome, error) {
	if co.syncer == nil {
		return configsync.Outcome{}, errors.New("no config syncer attached")
	}
	out := co.syncer.RequestSync(ctx, trigger, force, priority)
	return out, out.Err
}

// SyncHistory returns recent sync outcomes, newest first.
func (co *Coordinator) SyncHistory() []configsync.Outcome {
	if co.syncer == nil {
		return nil
	}
	return co.syncer.History()
}

// ResetTraffic zeroes the usage of userID and its rules, forgets the
// counter state of its ports, reconciles and forces a sync.
func (co *Coordinator) ResetTraffic(ctx context.Context, userID int64) (quota.ReconcileReport, error) {
	ctx, span := tracer.Start(ctx, "coordinator.ResetTraffic")
	defer span.End()
	span.SetAttributes(attribute.Int64("user.id", userID))

	var zero int64
	if err := co.store.UpdateUser(ctx, userID, store.UserUpdate{UsedTrafficBytes: &zero}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return quota.ReconcileReport{}, fmt.Errorf("%w: %d", quota.ErrUnknownUser, userID)
		}
		return quota.ReconcileReport{}, fmt.Errorf("reset user traffic: %w", err)
	}
	rules, err := co.store.FindRulesByOwner(ctx, userID)
	if err != nil {
		return quota.ReconcileReport{}, fmt.Errorf("list rules: %w", err)
	}
	ports := make([]int, 0, len(rules))
	for _, r := range rules {
		ports = append(ports, r.SourcePort)
		if err := co.store.UpdateRule(ctx, r.ID, store.RuleUpdate{UsedTrafficBytes: &zero}); err != nil {
			co.logger.Warn("could not reset rule traffic", "rule_id", r.ID, "error", err)
		}
	}

	co.cache.SetUsage(userID, 0)
	if co.counters != nil {
		co.counters.Reset(ports...)
	}
	co.engine.Forget(userID)
	co.metrics.RecordInvalidation("user", ReasonTrafficReset)

	report, err := co.reconcile(ctx, userID)
	co.logger.Info("traffic reset",
		"user_id", userID,
		"rules", len(rules),
		"restored", report.Restored,
	)
	return report, err
}

// UpdateQuota sets the quota of userID in GB. A value of zero or less
// removes the quota.
func (co *Coordinator) UpdateQuota(ctx context.Context, userID int64, gb float64) (quota.ReconcileReport, error) {
	update := store.UserUpdate{ClearQuota: gb <= 0}
	if gb > 0 {
		update.TrafficQuotaGB = &gb
	}
	if err := co.store.UpdateUser(ctx, userID, update); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return quota.ReconcileReport{}, fmt.Errorf("%w: %d", quota.ErrUnknownUser, userID)
		}
		return quota.ReconcileReport{}, fmt.Errorf("update quota: %w", err)
	}
	co.cache.InvalidateUser(userID)
	co.engine.Forget(userID)
	co.metrics.RecordInvalidation("user", ReasonQuotaUpdated)

	report, err := co.reconcile(ctx, userID)
	co.logger.Info("quota updated", "user_id", userID, "quota_gb", gb, "disabled", report.Disabled, "restored", report.Restored)
	return report, err
}

// reconcile re-decides userID and always follows with a forced sync, so the
// engine catches up even when no provenance changed.
func (co *Coordinator) reconcile(ctx context.Context, userID int64) (quota.ReconcileReport, error) {
	report, err := co.reconciler.ReconcileUser(ctx, userID)
	if err != nil {
		return report, fmt.Errorf("reconcile: %w", err)
	}
	if co.syncer != nil {
		co.syncer.Enqueue(quota.SyncTrigger(userID), true, co.cfg.SyncPriority)
	}
	return report, nil
}

func (co *Coordinator) invalidateSnapshot() {
	if co.snap == nil {
		return
	}
	if err := co.snap.Invalidate(); err != nil {
		co.logger.Warn("could not invalidate shared snapshot", "error", err)
	}
}

// scheduleRefresh asks the refresh worker for a forced snapshot rebuild.
// Requests arriving while one is pending collapse into it.
func (co *Coordinator) scheduleRefresh() {
	select {
	case co.refreshCh <- struct{}{}:
	default:
	}
}

func (co *Coordinator) refreshWorker(ctx context.Context) {
	defer co.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-co.refreshCh:
			co.refreshNow(ctx, true)
		}
	}
}

func (co *Coordinator) refreshNow(ctx context.Context, force bool) error {
	if co.snap == nil {
		return nil
	}
	var err error
	if force {
		_, err = co.snap.ForceRefresh(ctx)
	} else {
		_, err = co.snap.Refresh(ctx)
	}
	if err != nil {
		co.logger.Warn("snapshot refresh failed", "force", force, "error", err)
	}
	if _, rerr := co.snap.Read(ctx); rerr != nil && !errors.Is(rerr, snapshot.ErrNoSnapshot) {
		co.logger.Warn("snapshot read failed", "error", rerr)
		err = errors.Join(err, rerr)
	}
	return err
}

// ResyncReport summarizes one resync run.
type ResyncReport struct {
	Reconcile quota.ReconcileReport `json:"reconcile"`
	Duration  time.Duration         `json:"duration"`
}

// Resync refreshes and reads the snapshot, reconciles every user and
// requests a non-forced sync. Errors from each step are joined; later steps
// still run.
func (co *Coordinator) Resync(ctx context.Context) (ResyncReport, error) {
	ctx, span := tracer.Start(ctx, "coordinator.Resync")
	defer span.End()
	start := co.cfg.Now()

	var errs []error
	if err := co.refreshNow(ctx, false); err != nil {
		errs = append(errs, err)
	}
	rep, err := co.reconciler.ReconcileAll(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("reconcile all: %w", err))
	}
	if co.syncer != nil {
		co.syncer.Enqueue(triggerResync, false, 0)
	}

	report := ResyncReport{Reconcile: rep, Duration: co.cfg.Now().Sub(start)}
	span.SetAttributes(
		attribute.Int("disabled", rep.Disabled),
		attribute.Int("restored", rep.Restored),
	)
	return report, errors.Join(errs...)
}

// HealthReport is the result of one health check.
type HealthReport struct {
	SnapshotAge time.Duration `json:"snapshotAge"`
	Stale       bool          `json:"stale"`
	Diverged    bool          `json:"diverged"`
	Empty       bool          `json:"empty"`
	Repaired    bool          `json:"repaired"`
}

// Healthy reports whether no repair was needed.
func (r HealthReport) Healthy() bool { return !r.Stale && !r.Diverged && !r.Empty }

// CheckHealth inspects the local cache against the installed snapshot and
// the store, and repairs with a forced refresh and sync when it finds:
//
//   - no snapshot installed, or one older than StaleAfter
//   - a port mapping count that differs from the installed snapshot
//   - no port mappings at all while the store has active rules
func (co *Coordinator) CheckHealth(ctx context.Context) (HealthReport, error) {
	ctx, span := tracer.Start(ctx, "coordinator.CheckHealth")
	defer span.End()

	var report HealthReport
	var current *snapshot.Snapshot
	if co.snap != nil {
		current = co.snap.Current()
		age, ok := co.snap.Age()
		report.SnapshotAge = age
		report.Stale = !ok || (co.cfg.StaleAfter > 0 && age > co.cfg.StaleAfter)
	}

	stats := co.cache.Stats()
	if current != nil && stats.Ports != len(current.Ports) {
		report.Diverged = true
	}
	if stats.Ports == 0 {
		expected, err := snapshot.Build(ctx, co.store, co.cfg.Now(), "health")
		if err != nil {
			return report, fmt.Errorf("load expected state: %w", err)
		}
		report.Empty = len(expected.Ports) > 0
	}

	span.SetAttributes(
		attribute.Bool("stale", report.Stale),
		attribute.Bool("diverged", report.Diverged),
		attribute.Bool("empty", report.Empty),
	)
	if report.Healthy() {
		return report, nil
	}

	co.logger.Warn("cache unhealthy, repairing",
		"stale", report.Stale,
		"diverged", report.Diverged,
		"empty", report.Empty,
		"snapshot_age", report.SnapshotAge,
	)
	co.engine.ForgetAll()
	co.metrics.RecordInvalidation("all", ReasonHealthRepair)
	err := co.refreshNow(ctx, true)
	if co.syncer != nil {
		co.syncer.Enqueue(triggerHealthRepair, true, co.cfg.SyncPriority)
	}
	report.Repaired = err == nil
	return report, err
}

// Start schedules the resync and health jobs and starts the refresh
// worker. Jobs that are still running when their next run is due are
// skipped.
func (co *Coordinator) Start(ctx context.Context) error {
	co.runMu.Lock()
	defer co.runMu.Unlock()
	if co.cancel != nil {
		return errors.New("coordinator already started")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	ctx, cancel := context.WithCancel(ctx)

	jobs := []struct {
		name     string
		schedule string
		run      func()
	}{
		{"resync", co.cfg.ResyncSchedule, func() {
			if _, err := co.Resync(ctx); err != nil {
				co.logger.Error("scheduled resync failed", "error", err)
			}
		}},
		{"health", co.cfg.HealthSchedule, func() {
			if _, err := co.CheckHealth(ctx); err != nil {
				co.logger.Error("scheduled health check failed", "error", err)
			}
		}},
	}
	for _, j := range jobs {
		if j.schedule == "" {
			co.logger.Info("job not scheduled", "job", j.name)
			continue
		}
		if _, err := c.AddFunc(j.schedule, j.run); err != nil {
			cancel()
			return fmt.Errorf("invalid %s schedule %q: %w", j.name, j.schedule, err)
		}
	}

	co.cron = c
	co.cancel = cancel
	co.wg.Add(1)
	go co.refreshWorker(ctx)
	c.Start()

	co.logger.Info("coordinator started",
		"resync_schedule", co.cfg.ResyncSchedule,
		"health_schedule", co.cfg.HealthSchedule,
	)
	return nil
}

// Stop cancels the jobs, waits for running ones and stops the refresh
// worker.
func (co *Coordinator) Stop() {
	co.runMu.Lock()
	defer co.runMu.Unlock()
	if co.cancel == nil {
		return
	}
	<-co.cron.Stop().Done()
	co.cancel()
	co.wg.Wait()
	co.cancel = nil
	co.cron = nil
	co.logger.Info("coordinator stopped")
}
