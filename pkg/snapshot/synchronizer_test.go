package snapshot

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"porthaul/controlplane/pkg/cache"
	"porthaul/controlplane/pkg/store"
)

func seedStore(t *testing.T) (*store.MemoryStore, *store.User, *store.User) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()

	alice := &store.User{Username: "alice", TrafficQuotaGB: float64Ptr(1)}
	bob := &store.User{Username: "bob", TrafficQuotaGB: float64Ptr(1), UsedTrafficBytes: 2 * store.BytesPerGB}
	for _, u := range []*store.User{alice, bob} {
		if err := st.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser failed: %v", err)
		}
	}
	rules := []*store.ForwardRule{
		{Name: "web", SourcePort: 10001, TargetAddress: "10.0.0.1:80", OwnerUserID: alice.ID, OperatorEnabled: true},
		{Name: "off", SourcePort: 10002, TargetAddress: "10.0.0.1:81", OwnerUserID: alice.ID, OperatorEnabled: false},
		{Name: "over", SourcePort: 10003, TargetAddress: "10.0.0.2:22", OwnerUserID: bob.ID, OperatorEnabled: true},
	}
	for _, r := range rules {
		if err := st.CreateRule(ctx, r); err != nil {
			t.Fatalf("CreateRule failed: %v", err)
		}
	}
	return st, alice, bob
}

func newTestSynchronizer(t *testing.T, dir string, st store.Store, c *cache.Cache, clock *testClock, minAge time.Duration) *Synchronizer {
	t.Helper()
	s, err := New(Config{Dir: dir, MinRefreshAge: minAge, Now: clock.Now}, st, c, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestSynchronizer_RefreshAndRead(t *testing.T) {
	clock := newTestClock()
	st, alice, _ := seedStore(t)
	c := cache.New(cache.Config{Now: clock.Now})
	s := newTestSynchronizer(t, t.TempDir(), st, c, clock, 0)
	ctx := context.Background()

	result, err := s.Refresh(ctx)
	if err != nil || result != ResultWritten {
		t.Fatalf("Refresh = %s, %v; want written", result, err)
	}

	snap, err := s.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if snap.Writer != s.Writer() || snap.Version != Version {
		t.Errorf("unexpected snapshot header: %+v", snap)
	}
	if len(snap.Rules) != 3 || len(snap.Ports) != 1 {
		t.Fatalf("expected 3 rules and 1 active port, got %d and %d", len(snap.Rules), len(snap.Ports))
	}
	if active := snap.ActiveRules(); len(active) != 1 || active[0].SourcePort != 10001 {
		t.Errorf("ActiveRules = %+v", active)
	}
	for _, r := range snap.Rules {
		if r.SourcePort == 10003 && r.InactiveReason != ReasonQuota {
			t.Errorf("10003 reason = %q, want quota_exceeded", r.InactiveReason)
		}
	}

	m, ok := c.Mapping(10001)
	if !ok || m.UserID != alice.ID {
		t.Fatalf("expected mapping for 10001 to alice, got %+v, %v", m, ok)
	}
	if _, ok := c.Mapping(10003); ok {
		t.Error("inactive rule must not be mapped")
	}
	if !c.Generation().Equal(snap.GeneratedAt) {
		t.Errorf("cache generation = %v, want %v", c.Generation(), snap.GeneratedAt)
	}
	if age, ok := s.Age(); !ok || age != 0 {
		t.Errorf("Age = %v, %v", age, ok)
	}

	// same generation is a no-op
	c.SetUsage(alice.ID, 12345)
	if _, err := s.Read(ctx); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if e, _ := c.Get(alice.ID); e.UsedTraffic != 12345 {
		t.Errorf("re-reading the same generation must not reinstall, used = %d", e.UsedTraffic)
	}

	// invalidating the user resets the generation so the next read installs
	c.InvalidateUser(alice.ID)
	if _, err := s.Read(ctx); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if e, ok := c.Get(alice.ID); !ok || e.UsedTraffic != 0 {
		t.Errorf("expected reinstalled entry, got %+v, %v", e, ok)
	}
}

func TestSynchronizer_ReadWithoutSnapshot(t *testing.T) {
	clock := newTestClock()
	s := newTestSynchronizer(t, t.TempDir(), store.NewMemoryStore(), cache.New(cache.Config{}), clock, 0)

	if _, err := s.Read(context.Background()); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}
	if _, ok := s.Age(); ok {
		t.Error("Age should be unknown before the first read")
	}
}

func TestSynchronizer_FreshnessAndInvalidate(t *testing.T) {
	clock := newTestClock()
	st, _, _ := seedStore(t)
	s := newTestSynchronizer(t, t.TempDir(), st, cache.New(cache.Config{}), clock, 10*time.Second)
	ctx := context.Background()

	if r, err := s.Refresh(ctx); err != nil || r != ResultWritten {
		t.Fatalf("first Refresh = %s, %v", r, err)
	}

	clock.Advance(time.Second)
	if r, _ := s.Refresh(ctx); r != ResultFresh {
		t.Errorf("young snapshot should be fresh, got %s", r)
	}

	if err := s.Invalidate(); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if r, _ := s.Refresh(ctx); r != ResultWritten {
		t.Errorf("invalidated snapshot should be rewritten, got %s", r)
	}

	clock.Advance(time.Second)
	if r, _ := s.Refresh(ctx); r != ResultFresh {
		t.Errorf("marker older than snapshot should not force a refresh, got %s", r)
	}
	if r, _ := s.ForceRefresh(ctx); r != ResultWritten {
		t.Errorf("ForceRefresh = %s, want written", r)
	}

	clock.Advance(10 * time.Second)
	if r, _ := s.Refresh(ctx); r != ResultWritten {
		t.Errorf("old snapshot should be rewritten, got %s", r)
	}
}

func TestSynchronizer_MarkerAtGenerationInstantIsCovered(t *testing.T) {
	clock := newTestClock()
	st, _, _ := seedStore(t)
	s := newTestSynchronizer(t, t.TempDir(), st, cache.New(cache.Config{}), clock, 10*time.Second)
	ctx := context.Background()

	if err := s.Invalidate(); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if r, err := s.Refresh(ctx); err != nil || r != ResultWritten {
		t.Fatalf("Refresh = %s, %v", r, err)
	}
	if r, _ := s.Refresh(ctx); r != ResultFresh {
		t.Errorf("snapshot stamped at the invalidation instant should be fresh, got %s", r)
	}

	clock.Advance(time.Millisecond)
	if err := s.Invalidate(); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if r, _ := s.Refresh(ctx); r != ResultWritten {
		t.Errorf("invalidation after generation should force a rewrite, got %s", r)
	}
}

func TestSynchronizer_StaleOnStoreFailure(t *testing.T) {
	clock := newTestClock()
	st, _, _ := seedStore(t)
	dir := t.TempDir()
	s := newTestSynchronizer(t, dir, st, cache.New(cache.Config{}), clock, 0)
	ctx := context.Background()

	if _, err := s.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	before, err := ReadFile(dir)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	clock.Advance(time.Minute)
	st.FailNext(1, errors.New("database is locked"))
	result, err := s.Refresh(ctx)
	if result != ResultStale || err == nil {
		t.Fatalf("Refresh = %s, %v; want stale with error", result, err)
	}

	after, err := ReadFile(dir)
	if err != nil {
		t.Fatalf("previous snapshot must survive, got %v", err)
	}
	if !after.GeneratedAt.Equal(before.GeneratedAt) {
		t.Error("previous snapshot was replaced")
	}
	if _, err := os.Stat(LockPath(dir)); !os.IsNotExist(err) {
		t.Error("lock must be released after a failed refresh")
	}
}

// countingLocker counts successful acquisitions.
type countingLocker struct {
	Locker
	acquired *atomic.Int64
}

func (c countingLocker) Acquire(ctx context.Context) (Lease, error) {
	lease, err := c.Locker.Acquire(ctx)
	if err == nil {
		c.acquired.Add(1)
	}
	return lease, err
}

func TestSynchronizer_ConcurrentWorkers(t *testing.T) {
	st, _, _ := seedStore(t)
	dir := t.TempDir()
	ctx := context.Background()

	const workers = 8
	var acquired atomic.Int64
	syncs := make([]*Synchronizer, workers)
	for i := range syncs {
		locker := countingLocker{
			Locker:   NewLeaseLock(LeaseLockConfig{Path: LockPath(dir), Retries: 2, RetryDelay: time.Millisecond}),
			acquired: &acquired,
		}
		s, err := New(Config{Dir: dir}, st, cache.New(cache.Config{}), locker, nil)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		syncs[i] = s
	}

	// a reader polls the file the whole time and must never see a torn write
	stop := make(chan struct{})
	var readerErr atomic.Value
	var readerWG sync.WaitGroup
	readerWG.Add(1)
	go func() {
		defer readerWG.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := ReadFile(dir); err != nil && !errors.Is(err, ErrNoSnapshot) {
				readerErr.Store(err)
				return
			}
		}
	}()

	var written atomic.Int64
	var wg sync.WaitGroup
	for round := 0; round < 5; round++ {
		for _, s := range syncs {
			wg.Add(1)
			go func(s *Synchronizer) {
				defer wg.Done()
				r, err := s.Refresh(ctx)
				if err != nil {
					t.Errorf("Refresh failed: %v", err)
					return
				}
				if r == ResultWritten {
					written.Add(1)
				}
			}(s)
		}
		wg.Wait()
	}
	close(stop)
	readerWG.Wait()

	if v := readerErr.Load(); v != nil {
		t.Fatalf("reader observed a partial snapshot: %v", v)
	}
	if written.Load() == 0 {
		t.Fatal("expected at least one snapshot write")
	}
	if written.Load() != acquired.Load() {
		t.Errorf("writes = %d, lock acquisitions = %d; want one write per acquisition", written.Load(), acquired.Load())
	}
	if _, err := os.Stat(LockPath(dir)); !os.IsNotExist(err) {
		t.Error("lock file left behind")
	}
}

func TestSynchronizer_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	st, alice, _ := seedStore(t)
	dir := t.TempDir()
	c := cache.New(cache.Config{})
	s, err := New(Config{
		Dir:              dir,
		RefreshInterval:  time.Hour,
		ReadInterval:     time.Hour,
		Watch:            true,
		DebounceInterval: 5 * time.Millisecond,
	}, st, c, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
	if _, ok := c.Mapping(10001); !ok {
		t.Fatal("initial refresh and read should populate the cache")
	}

	// another worker writes; the watcher installs it without waiting for
	// the hour-long read timer
	other, err := New(Config{Dir: dir}, st, cache.New(cache.Config{}), nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	zero := int64(0)
	if err := st.UpdateUser(context.Background(), 2, store.UserUpdate{UsedTrafficBytes: &zero}); err != nil {
		t.Fatalf("UpdateUser failed: %v", err)
	}
	if _, err := other.ForceRefresh(context.Background()); err != nil {
		t.Fatalf("ForceRefresh failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := c.Mapping(10003); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher did not install the new snapshot")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if e, ok := c.Get(alice.ID); !ok || e.UserID != alice.ID {
		t.Errorf("alice missing after reinstall")
	}

	s.Stop()
	s.Stop()
}
