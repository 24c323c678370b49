package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"porthaul/controlplane/pkg/cache"
	"porthaul/controlplane/pkg/callback"
	"porthaul/controlplane/pkg/configsync"
	"porthaul/controlplane/pkg/quota"
	"porthaul/controlplane/pkg/snapshot"
	"porthaul/controlplane/pkg/store"
)

const mb = int64(1024 * 1024)

func float64Ptr(v float64) *float64 { return &v }

type syncCall struct {
	trigger  string
	force    bool
	priority int
}

// fakeSyncer records sync requests and answers RequestSync with a fixed
// outcome.
type fakeSyncer struct {
	mu      sync.Mutex
	calls   []syncCall
	outcome configsync.Outcome
}

func (f *fakeSyncer) Enqueue(trigger string, force bool, priority int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, syncCall{trigger, force, priority})
}

func (f *fakeSyncer) RequestSync(_ context.Context, trigger string, force bool, priority int) configsync.Outcome {
	f.Enqueue(trigger, force, priority)
	f.mu.Lock()
	out := f.outcome
	f.mu.Unlock()
	out.Trigger = trigger
	out.Force = force
	return out
}

func (f *fakeSyncer) History() []configsync.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]configsync.Outcome, 0, len(f.calls))
	for i := len(f.calls) - 1; i >= 0; i-- {
		out = append(out, configsync.Outcome{Trigger: f.calls[i].trigger, Force: f.calls[i].force, Status: f.outcome.Status})
	}
	return out
}

func (f *fakeSyncer) setOutcome(out configsync.Outcome) {
	f.mu.Lock()
	f.outcome = out
	f.mu.Unlock()
}

func (f *fakeSyncer) has(call syncCall) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

type fixture struct {
	st       *store.MemoryStore
	cache    *cache.Cache
	snap     *snapshot.Synchronizer
	engine   *quota.Engine
	counters *callback.CounterTracker
	syncer   *fakeSyncer
	co       *Coordinator
	tenant   *store.User
	rule     *store.ForwardRule
}

func newFixture(t *testing.T, used int64, provenance store.Provenance) *fixture {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	st := store.NewMemoryStore()
	tenant := &store.User{Username: "tenant", TrafficQuotaGB: float64Ptr(1), UsedTrafficBytes: used}
	if err := st.CreateUser(ctx, tenant); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	rule := &store.ForwardRule{
		Name:              "web",
		SourcePort:        10001,
		TargetAddress:     "10.0.0.1:80",
		OwnerUserID:       tenant.ID,
		OperatorEnabled:   true,
		DisableProvenance: provenance,
	}
	if err := st.CreateRule(ctx, rule); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}

	c := cache.New(cache.Config{TTL: time.Minute, Now: clock})
	snap, err := snapshot.New(snapshot.Config{Dir: t.TempDir(), Now: clock}, st, c, nil, nil)
	if err != nil {
		t.Fatalf("snapshot.New failed: %v", err)
	}
	engine := quota.NewEngine(c, st, quota.EngineConfig{MemoTTL: time.Second, Now: clock}, nil)
	syncer := &fakeSyncer{outcome: configsync.Outcome{Status: configsync.StatusApplied}}
	rec := quota.NewReconciler(engine, st, syncer, quota.ReconcilerConfig{SyncPriority: 5, Now: clock}, nil)
	counters := callback.NewCounterTracker(callback.PolicyBaseline)

	co := New(Config{
		ResyncSchedule: "@every 1h",
		HealthSchedule: "@every 1h",
		StaleAfter:     time.Minute,
		SyncPriority:   5,
		Now:            clock,
	}, st, c, snap, engine, rec, counters, syncer, nil)

	return &fixture{
		st:       st,
		cache:    c,
		snap:     snap,
		engine:   engine,
		counters: counters,
		syncer:   syncer,
		co:       co,
		tenant:   tenant,
		rule:     rule,
	}
}

func (f *fixture) provenance(t *testing.T) store.Provenance {
	t.Helper()
	r, err := f.st.FindRule(context.Background(), f.rule.SourcePort)
	if err != nil {
		t.Fatalf("FindRule failed: %v", err)
	}
	return r.DisableProvenance
}

func TestResetTraffic_RestoresQuotaDisabledRules(t *testing.T) {
	f := newFixture(t, 2*store.BytesPerGB, store.ProvenanceQuotaExceeded)
	ctx := context.Background()
	f.counters.Delta(10001, 100, 100)

	report, err := f.co.ResetTraffic(ctx, f.tenant.ID)
	if err != nil {
		t.Fatalf("ResetTraffic failed: %v", err)
	}
	if report.Restored != 1 {
		t.Errorf("restored = %d, want 1", report.Restored)
	}

	u, _ := f.st.FindUser(ctx, f.tenant.ID)
	if u.UsedTrafficBytes != 0 {
		t.Errorf("used = %d, want 0", u.UsedTrafficBytes)
	}
	if got := f.provenance(t); got != store.ProvenanceNone {
		t.Errorf("provenance = %s, want none", got)
	}
	if f.counters.Len() != 0 {
		t.Error("counter state of the user's ports should be cleared")
	}
	if !f.syncer.has(syncCall{quota.SyncTrigger(f.tenant.ID), true, 5}) {
		t.Errorf("expected a forced sync, got %+v", f.syncer.calls)
	}

	d, err := f.engine.Decide(ctx, f.tenant.ID)
	if err != nil || !d.Allowed || d.UsedBytes != 0 {
		t.Errorf("decision after reset = %+v, %v", d, err)
	}
}

func TestResetTraffic_UnknownUser(t *testing.T) {
	f := newFixture(t, 0, store.ProvenanceNone)
	if _, err := f.co.ResetTraffic(context.Background(), 999); !errors.Is(err, quota.ErrUnknownUser) {
		t.Errorf("error = %v, want ErrUnknownUser", err)
	}
}

func TestUpdateQuota(t *testing.T) {
	f := newFixture(t, 900*mb, store.ProvenanceNone)
	ctx := context.Background()

	report, err := f.co.UpdateQuota(ctx, f.tenant.ID, 0.5)
	if err != nil {
		t.Fatalf("UpdateQuota failed: %v", err)
	}
	if report.Disabled != 1 || f.provenance(t) != store.ProvenanceQuotaExceeded {
		t.Errorf("lowering the quota should disable the rule, report %+v", report)
	}

	report, err = f.co.UpdateQuota(ctx, f.tenant.ID, 0)
	if err != nil {
		t.Fatalf("UpdateQuota failed: %v", err)
	}
	if report.Restored != 1 || f.provenance(t) != store.ProvenanceNone {
		t.Errorf("removing the quota should restore the rule, report %+v", report)
	}
	d, _ := f.engine.Decide(ctx, f.tenant.ID)
	if d.Reason != quota.ReasonUnlimited {
		t.Errorf("reason = %s, want unlimited", d.Reason)
	}
}

func TestInvalidatePort(t *testing.T) {
	f := newFixture(t, 0, store.ProvenanceNone)
	ctx := context.Background()
	if _, err := f.snap.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if _, err := f.snap.Read(ctx); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if _, ok := f.cache.Mapping(10001); !ok {
		t.Fatal("expected mapping after read")
	}
	f.counters.Delta(10001, 10, 10)
	f.counters.Delta(10002, 10, 10)

	f.co.InvalidatePort(ctx, 10001, ReasonAdmin)

	if _, ok := f.cache.Mapping(10001); ok {
		t.Error("mapping should be dropped")
	}
	if f.counters.Len() != 1 {
		t.Errorf("only port 10001 should be reset, tracker has %d", f.counters.Len())
	}
}

func TestInvalidateUser(t *testing.T) {
	f := newFixture(t, 0, store.ProvenanceNone)
	ctx := context.Background()
	if _, err := f.engine.Decide(ctx, f.tenant.ID); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if f.engine.MemoSize() != 1 {
		t.Fatal("expected a memoized decision")
	}

	f.co.InvalidateUser(ctx, f.tenant.ID, ReasonAdmin)

	if _, ok := f.cache.Get(f.tenant.ID); ok {
		t.Error("cache entry should be dropped")
	}
	if f.engine.MemoSize() != 0 {
		t.Error("memo should be dropped")
	}
}

func TestGetQuotaStatus(t *testing.T) {
	f := newFixture(t, 900*mb, store.ProvenanceNone)
	status, err := f.co.GetQuotaStatus(context.Background(), f.tenant.ID)
	if err != nil {
		t.Fatalf("GetQuotaStatus failed: %v", err)
	}
	if !status.Decision.Allowed || status.Decision.Level != quota.LevelCaution {
		t.Errorf("decision = %+v", status.Decision)
	}
	if len(status.Rules) != 1 || status.Rules[0].SourcePort != 10001 || status.Rules[0].Mapped {
		t.Errorf("rules = %+v", status.Rules)
	}
}

func TestResync(t *testing.T) {
	f := newFixture(t, 2*store.BytesPerGB, store.ProvenanceNone)
	ctx := context.Background()

	report, err := f.co.Resync(ctx)
	if err != nil {
		t.Fatalf("Resync failed: %v", err)
	}
	if report.Reconcile.Disabled != 1 {
		t.Errorf("disabled = %d, want 1", report.Reconcile.Disabled)
	}
	if f.provenance(t) != store.ProvenanceQuotaExceeded {
		t.Error("over-quota rule should be tagged")
	}
	if f.snap.Current() == nil {
		t.Error("resync should install a snapshot")
	}
	if !f.syncer.has(syncCall{triggerResync, false, 0}) {
		t.Errorf("expected non-forced resync sync, got %+v", f.syncer.calls)
	}
}

func TestCheckHealth(t *testing.T) {
	f := newFixture(t, 0, store.ProvenanceNone)
	ctx := context.Background()

	report, err := f.co.CheckHealth(ctx)
	if err != nil {
		t.Fatalf("CheckHealth failed: %v", err)
	}
	if !report.Stale || !report.Empty || !report.Repaired {
		t.Errorf("first check = %+v, want stale and empty, repaired", report)
	}
	if _, ok := f.cache.Mapping(10001); !ok {
		t.Error("repair should install the mapping")
	}
	if !f.syncer.has(syncCall{triggerHealthRepair, true, 5}) {
		t.Errorf("expected forced repair sync, got %+v", f.syncer.calls)
	}

	report, err = f.co.CheckHealth(ctx)
	if err != nil || !report.Healthy() {
		t.Errorf("second check = %+v, %v, want healthy", report, err)
	}

	f.cache.InvalidatePort(10001)
	report, _ = f.co.CheckHealth(ctx)
	if !report.Diverged || !report.Repaired {
		t.Errorf("check after losing a mapping = %+v", report)
	}
	if _, ok := f.cache.Mapping(10001); !ok {
		t.Error("repair should reinstall the mapping")
	}
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, 0, store.ProvenanceNone)
	ctx := context.Background()
	if err := f.co.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := f.co.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}

	f.co.RulesChanged(ctx, f.tenant.ID)
	deadline := time.Now().Add(2 * time.Second)
	for f.snap.Current() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.snap.Current() == nil {
		t.Error("rules change should trigger a background refresh")
	}

	f.co.Stop()
	f.co.Stop()
}

func TestStart_InvalidSchedule(t *testing.T) {
	f := newFixture(t, 0, store.ProvenanceNone)
	f.co.cfg.ResyncSchedule = "not a schedule"
	if err := f.co.Start(context.Background()); err == nil {
		f.co.Stop()
		t.Fatal("expected invalid schedule error")
	}
}
