package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"porthaul/controlplane/pkg/cache"
	"porthaul/controlplane/pkg/store"
)

type syncCall struct {
	trigger  string
	force    bool
	priority int
}

type fakeSyncer struct {
	mu    sync.Mutex
	calls []syncCall
}

func (f *fakeSyncer) Enqueue(trigger string, force bool, priority int) {
	f.mu.Lock()
	f.calls = append(f.calls, syncCall{trigger, force, priority})
	f.mu.Unlock()
}

func (f *fakeSyncer) Calls() []syncCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]syncCall(nil), f.calls...)
}

type fakeNotifier struct {
	mu    sync.Mutex
	users []int64
}

func (f *fakeNotifier) RulesChanged(_ context.Context, userID int64) {
	f.mu.Lock()
	f.users = append(f.users, userID)
	f.mu.Unlock()
}

type reconcileFixture struct {
	store      *store.MemoryStore
	engine     *Engine
	reconciler *Reconciler
	syncer     *fakeSyncer
	notifier   *fakeNotifier
	now        time.Time
}

func newReconcileFixture(t *testing.T) *reconcileFixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	st := store.NewMemoryStore()
	c := cache.New(cache.Config{TTL: time.Minute, Now: clock})
	engine := NewEngine(c, st, EngineConfig{MemoTTL: time.Second, Now: clock}, nil)
	syncer := &fakeSyncer{}
	r := NewReconciler(engine, st, syncer, ReconcilerConfig{SyncPriority: 5, Now: clock}, nil)
	n := &fakeNotifier{}
	r.SetNotifier(n)

	return &reconcileFixture{store: st, engine: engine, reconciler: r, syncer: syncer, notifier: n, now: now}
}

func (f *reconcileFixture) user(t *testing.T, u *store.User) *store.User {
	t.Helper()
	if err := f.store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	return u
}

func (f *reconcileFixture) rule(t *testing.T, owner int64, port int, enabled bool, prov store.Provenance) *store.ForwardRule {
	t.Helper()
	r := &store.ForwardRule{
		Name:              "rule",
		SourcePort:        port,
		TargetAddress:     "10.0.0.1:80",
		OwnerUserID:       owner,
		OperatorEnabled:   enabled,
		DisableProvenance: prov,
	}
	if err := f.store.CreateRule(context.Background(), r); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	return r
}

func (f *reconcileFixture) provenance(t *testing.T, port int) store.Provenance {
	t.Helper()
	r, err := f.store.FindRule(context.Background(), port)
	if err != nil {
		t.Fatalf("FindRule(%d) failed: %v", port, err)
	}
	return r.DisableProvenance
}

func TestReconciler_QuotaExceededAndReset(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()

	u := f.user(t, &store.User{Username: "tenant", TrafficQuotaGB: float64Ptr(1), UsedTrafficBytes: 900 * mb})
	r := f.rule(t, u.ID, 10001, true, store.ProvenanceNone)

	rep, err := f.reconciler.ReconcileUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("ReconcileUser failed: %v", err)
	}
	if rep.Disabled != 0 || rep.Unchanged != 1 || len(f.syncer.Calls()) != 0 {
		t.Fatalf("expected no change under quota, got %+v", rep)
	}

	if err := f.store.AddTraffic(ctx, u.ID, r.ID, 150*mb); err != nil {
		t.Fatalf("AddTraffic failed: %v", err)
	}
	rep, err = f.reconciler.ReconcileUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("ReconcileUser failed: %v", err)
	}
	if rep.Disabled != 1 || rep.SyncRequested != 1 {
		t.Errorf("expected one disabled rule and a sync, got %+v", rep)
	}
	if rep.Decision == nil || rep.Decision.Allowed || rep.Decision.Level != LevelExceeded {
		t.Errorf("expected exceeded decision, got %+v", rep.Decision)
	}
	if got := f.provenance(t, 10001); got != store.ProvenanceQuotaExceeded {
		t.Errorf("provenance = %s, want quota_exceeded", got)
	}

	calls := f.syncer.Calls()
	want := syncCall{trigger: SyncTrigger(u.ID), force: true, priority: 5}
	if len(calls) != 1 || calls[0] != want {
		t.Fatalf("sync calls = %+v, want [%+v]", calls, want)
	}

	// the decision is memoized with the new state
	if d, _ := f.engine.Decide(ctx, u.ID); d.Allowed {
		t.Error("expected disallowed decision after reconcile")
	}

	zero := int64(0)
	if err := f.store.UpdateUser(ctx, u.ID, store.UserUpdate{UsedTrafficBytes: &zero}); err != nil {
		t.Fatalf("UpdateUser failed: %v", err)
	}
	rep, err = f.reconciler.ReconcileUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("ReconcileUser failed: %v", err)
	}
	if rep.Restored != 1 {
		t.Errorf("expected one restored rule, got %+v", rep)
	}
	if got := f.provenance(t, 10001); got != store.ProvenanceNone {
		t.Errorf("provenance = %s, want none", got)
	}
	if got := len(f.syncer.Calls()); got != 2 {
		t.Errorf("expected a second sync, got %d calls", got)
	}
	if len(f.notifier.users) != 2 {
		t.Errorf("expected two change notifications, got %v", f.notifier.users)
	}
}

func TestReconciler_LeavesForeignProvenanceAlone(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()

	u := f.user(t, &store.User{Username: "over", TrafficQuotaGB: float64Ptr(1), UsedTrafficBytes: 2 * store.BytesPerGB})
	f.rule(t, u.ID, 10001, false, store.ProvenanceNone)
	f.rule(t, u.ID, 10002, true, store.ProvenanceOperator)
	f.rule(t, u.ID, 10003, true, store.ProvenanceExpired)
	f.rule(t, u.ID, 10004, true, store.ProvenanceOutOfRange)
	f.rule(t, u.ID, 10005, true, store.ProvenanceNone)

	rep, err := f.reconciler.ReconcileUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("ReconcileUser failed: %v", err)
	}
	if rep.Disabled != 1 || rep.Unchanged != 4 {
		t.Errorf("expected only the active rule to change, got %+v", rep)
	}

	want := map[int]store.Provenance{
		10001: store.ProvenanceNone,
		10002: store.ProvenanceOperator,
		10003: store.ProvenanceExpired,
		10004: store.ProvenanceOutOfRange,
		10005: store.ProvenanceQuotaExceeded,
	}
	for port, prov := range want {
		if got := f.provenance(t, port); got != prov {
			t.Errorf("port %d: provenance = %s, want %s", port, got, prov)
		}
	}
}

func TestReconciler_AdminNeverDisabled(t *testing.T) {
	f := newReconcileFixture(t)

	admin := f.user(t, &store.User{
		Username:         "root",
		Role:             store.RoleAdmin,
		TrafficQuotaGB:   float64Ptr(1),
		UsedTrafficBytes: 10 * store.BytesPerGB,
	})
	f.rule(t, admin.ID, 443, true, store.ProvenanceNone)

	rep, err := f.reconciler.ReconcileAll(context.Background())
	if err != nil {
		t.Fatalf("ReconcileAll failed: %v", err)
	}
	if rep.Disabled != 0 {
		t.Errorf("admin rules must stay enabled, got %+v", rep)
	}
	if got := f.provenance(t, 443); got != store.ProvenanceNone {
		t.Errorf("provenance = %s, want none", got)
	}
	if len(f.syncer.Calls()) != 0 {
		t.Error("no sync expected when nothing changed")
	}
}

func TestReconciler_SweepTagsExpiryAndRange(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()

	past := f.now.Add(-time.Hour)
	start, end := 20000, 20010

	expired := f.user(t, &store.User{Username: "gone", ExpiresAt: &past})
	ranged := f.user(t, &store.User{Username: "ranged", PortRangeStart: &start, PortRangeEnd: &end})

	f.rule(t, expired.ID, 15000, true, store.ProvenanceNone)
	f.rule(t, ranged.ID, 20005, true, store.ProvenanceNone)
	f.rule(t, ranged.ID, 30000, true, store.ProvenanceNone)

	// the quota path does not touch expiry or range
	if rep, err := f.reconciler.ReconcileUser(ctx, expired.ID); err != nil || rep.Disabled != 0 {
		t.Fatalf("ReconcileUser = %+v, %v", rep, err)
	}

	rep, err := f.reconciler.ReconcileAll(ctx)
	if err != nil {
		t.Fatalf("ReconcileAll failed: %v", err)
	}
	if rep.Users != 2 || rep.Disabled != 2 {
		t.Errorf("expected two disabled rules across two users, got %+v", rep)
	}
	if got := f.provenance(t, 15000); got != store.ProvenanceExpired {
		t.Errorf("15000: provenance = %s, want expired", got)
	}
	if got := f.provenance(t, 20005); got != store.ProvenanceNone {
		t.Errorf("20005: provenance = %s, want none", got)
	}
	if got := f.provenance(t, 30000); got != store.ProvenanceOutOfRange {
		t.Errorf("30000: provenance = %s, want out_of_range", got)
	}
}

func TestReconciler_SweepRestoresWhenBackInRange(t *testing.T) {
	f := newReconcileFixture(t)
	start, end := 20000, 40000
	future := f.now.Add(24 * time.Hour)

	u := f.user(t, &store.User{Username: "renewed", ExpiresAt: &future, PortRangeStart: &start, PortRangeEnd: &end})
	f.rule(t, u.ID, 30000, true, store.ProvenanceOutOfRange)
	f.rule(t, u.ID, 30001, true, store.ProvenanceExpired)

	rep, err := f.reconciler.ReconcileAll(context.Background())
	if err != nil {
		t.Fatalf("ReconcileAll failed: %v", err)
	}
	if rep.Restored != 2 {
		t.Errorf("expected two restored rules, got %+v", rep)
	}
	for _, port := range []int{30000, 30001} {
		if got := f.provenance(t, port); got != store.ProvenanceNone {
			t.Errorf("%d: provenance = %s, want none", port, got)
		}
	}
}

func TestReconciler_UnknownUserIsNoop(t *testing.T) {
	f := newReconcileFixture(t)

	rep, err := f.reconciler.ReconcileUser(context.Background(), 999)
	if err != nil {
		t.Fatalf("ReconcileUser failed: %v", err)
	}
	if rep.Decision != nil || rep.Disabled+rep.Restored != 0 {
		t.Errorf("expected empty report, got %+v", rep)
	}
}
