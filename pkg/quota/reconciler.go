package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"porthaul/controlplane/pkg/cache"
	"porthaul/controlplane/pkg/store"
	"porthaul/controlplane/pkg/telemetry/metrics"
)

var tracer = otel.Tracer("porthaul/controlplane/quota")

// SyncRequester queues a config sync. configsync.Syncer implements it.
type SyncRequester interface {
	Enqueue(trigger string, force bool, priority int)
}

// ChangeNotifier is told when a user's rule provenance changed so shared
// caches can be refreshed. The coordinator implements it.
type ChangeNotifier interface {
	RulesChanged(ctx context.Context, userID int64)
}

// ReconcileReport summarizes one reconcile pass.
type ReconcileReport struct {
	Users         int       `json:"users"`
	Disabled      int       `json:"disabled"`
	Restored      int       `json:"restored"`
	Unchanged     int       `json:"unchanged"`
	SyncRequested int       `json:"syncRequested"`
	Decision      *Decision `json:"decision,omitempty"`
}

func (r *ReconcileReport) add(o ReconcileReport) {
	r.Users += o.Users
	r.Disabled += o.Disabled
	r.Restored += o.Restored
	r.Unchanged += o.Unchanged
	r.SyncRequested += o.SyncRequested
}

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	// SyncPriority is the priority of requested syncs.
	SyncPriority int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Reconciler tags and clears automatic disable provenance.
type Reconciler struct {
	engine   *Engine
	store    store.Store
	syncer   SyncRequester
	priority int
	now      func() time.Time
	metrics  *metrics.Collector
	logger   *slog.Logger

	notifierMu sync.RWMutex
	notifier   ChangeNotifier

	userLocks sync.Map // int64 -> *sync.Mutex
}

// NewReconciler creates a reconciler. syncer may be nil when no engine is
// attached.
func NewReconciler(engine *Engine, st store.Store, syncer SyncRequester, cfg ReconcilerConfig, m *metrics.Collector) *Reconciler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reconciler{
		engine:   engine,
		store:    st,
		syncer:   syncer,
		priority: cfg.SyncPriority,
		now:      cfg.Now,
		metrics:  m,
		logger:   slog.Default().With("component", "quota.reconciler"),
	}
}

// SetNotifier attaches the change notifier. The coordinator is built after
// the reconciler, so it is attached late.
func (r *Reconciler) SetNotifier(n ChangeNotifier) {
	r.notifierMu.Lock()
	r.notifier = n
	r.notifierMu.Unlock()
}

// SyncTrigger is the trigger used for syncs requested on behalf of userID.
func SyncTrigger(userID int64) string {
	return fmt.Sprintf("quota:%d", userID)
}

// ReconcileUser reconciles the quota provenance of every rule owned by
// userID.
func (r *Reconciler) ReconcileUser(ctx context.Context, userID int64) (ReconcileReport, error) {
	return r.reconcile(ctx, userID, false)
}

// ReconcileAll reconciles every user and sweeps expiry and port-range
// provenance. Per-user failures do not stop the pass; they are joined into
// the returned error.
func (r *Reconciler) ReconcileAll(ctx context.Context) (ReconcileReport, error) {
	ctx, span := tracer.Start(ctx, "quota.ReconcileAll")
	defer span.End()

	users, err := r.store.FindAllUsers(ctx, store.UserFilter{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list users")
		return ReconcileReport{}, fmt.Errorf("list users: %w", err)
	}

	var (
		total ReconcileReport
		errs  []error
	)
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		rep, err := r.reconcile(ctx, u.ID, true)
		if err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", u.ID, err))
			continue
		}
		total.add(rep)
	}

	span.SetAttributes(
		attribute.Int("users", total.Users),
		attribute.Int("disabled", total.Disabled),
		attribute.Int("restored", total.Restored),
	)
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		return total, err
	}
	return total, nil
}

func (r *Reconciler) lockUser(userID int64) func() {
	v, _ := r.userLocks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (r *Reconciler) reconcile(ctx context.Context, userID int64, sweep bool) (ReconcileReport, error) {
	ctx, span := tracer.Start(ctx, "quota.ReconcileUser")
	defer span.End()
	span.SetAttributes(attribute.Int64("user.id", userID), attribute.Bool("sweep", sweep))

	unlock := r.lockUser(userID)
	defer unlock()

	report := ReconcileReport{Users: 1}

	d, err := r.engine.DecideForce(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUnknownUser) {
			// rules of a deleted user are left for the CRUD layer
			return report, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "decide")
		return report, err
	}
	report.Decision = &d

	var entry cache.UserEntry
	if sweep {
		entry, err = r.engine.Lookup(ctx, userID)
		if err != nil {
			return report, err
		}
	}

	rules, err := r.store.FindRulesByOwner(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list rules")
		return report, fmt.Errorf("list rules: %w", err)
	}

	now := r.now()
	var errs []error
	for _, rule := range rules {
		target := r.targetProvenance(rule, d, entry, sweep, now)
		if target == rule.DisableProvenance {
			report.Unchanged++
			continue
		}
		if err := r.store.UpdateRule(ctx, rule.ID, store.RuleUpdate{DisableProvenance: &target}); err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", rule.ID, err))
			continue
		}
		if target == store.ProvenanceNone {
			report.Restored++
		} else {
			report.Disabled++
		}
		r.logger.Info("rule provenance changed",
			"user_id", userID,
			"rule_id", rule.ID,
			"source_port", rule.SourcePort,
			"from", rule.DisableProvenance,
			"to", target,
			"usage_percentage", d.UsagePercentage,
		)
	}

	r.metrics.RecordReconcile("disabled", report.Disabled)
	r.metrics.RecordReconcile("restored", report.Restored)
	r.metrics.RecordReconcile("unchanged", report.Unchanged)

	if report.Disabled+report.Restored > 0 {
		if r.syncer != nil {
			r.syncer.Enqueue(SyncTrigger(userID), true, r.priority)
			report.SyncRequested = 1
		}
		r.notifierMu.RLock()
		n := r.notifier
		r.notifierMu.RUnlock()
		if n != nil {
			n.RulesChanged(ctx, userID)
		}
	}

	span.SetAttributes(
		attribute.Bool("allowed", d.Allowed),
		attribute.Int("disabled", report.Disabled),
		attribute.Int("restored", report.Restored),
	)
	return report, errors.Join(errs...)
}

// targetProvenance returns the provenance rule should carry. The quota path
// only moves between none and quota_exceeded; the sweep only moves between
// none and expired or out_of_range. Operator-disabled rules are fixed.
func (r *Reconciler) targetProvenance(rule store.ForwardRule, d Decision, owner cache.UserEntry, sweep bool, now time.Time) store.Provenance {
	current := rule.DisableProvenance
	if current == "" {
		current = store.ProvenanceNone
	}
	if !rule.OperatorEnabled || current == store.ProvenanceOperator {
		return current
	}

	switch current {
	case store.ProvenanceNone:
		if !d.Allowed {
			return store.ProvenanceQuotaExceeded
		}
		if sweep && !owner.IsAdmin() {
			if ownerExpired(owner, now) {
				return store.ProvenanceExpired
			}
			if !owner.PortInRange(rule.SourcePort) {
				return store.ProvenanceOutOfRange
			}
		}
	case store.ProvenanceQuotaExceeded:
		if d.Allowed {
			return store.ProvenanceNone
		}
	case store.ProvenanceExpired:
		if sweep && (owner.IsAdmin() || !ownerExpired(owner, now)) {
			return store.ProvenanceNone
		}
	case store.ProvenanceOutOfRange:
		if sweep && (owner.IsAdmin() || owner.PortInRange(rule.SourcePort)) {
			return store.ProvenanceNone
		}
	}
	return current
}

func ownerExpired(e cache.UserEntry, now time.Time) bool {
	return e.Status == store.StatusExpired || e.Expired(now)
}
