package cache

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"porthaul/controlplane/pkg/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(ttl time.Duration) (*Cache, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(Config{TTL: ttl, Now: clk.Now}), clk
}

func TestCache_ReplaceAndLookup(t *testing.T) {
	c, clk := newTestCache(time.Minute)
	gen := clk.Now()

	c.Replace(
		[]UserEntry{{UserID: 1, Role: store.RoleUser, Status: store.StatusActive, QuotaBytes: 100}},
		[]PortMapping{{Port: 10001, UserID: 1, RuleID: 7}},
		gen,
	)

	e, ok := c.Get(1)
	if !ok {
		t.Fatal("Expected user 1 to be cached")
	}
	if e.QuotaBytes != 100 || !e.LastRefreshed.Equal(gen) {
		t.Errorf("Unexpected entry %+v", e)
	}
	m, ok := c.Mapping(10001)
	if !ok || m.RuleID != 7 {
		t.Errorf("Expected mapping to rule 7, got %+v (ok=%v)", m, ok)
	}
	if _, ok := c.Mapping(10002); ok {
		t.Error("Expected no mapping for unknown port")
	}
	if !c.Generation().Equal(gen) {
		t.Errorf("Expected generation %v, got %v", gen, c.Generation())
	}
}

func TestCache_TTLExpiresIndependently(t *testing.T) {
	c, clk := newTestCache(30 * time.Second)
	c.Put(UserEntry{UserID: 5, Status: store.StatusActive})

	clk.Advance(29 * time.Second)
	if _, ok := c.Get(5); !ok {
		t.Fatal("Expected entry before TTL")
	}
	clk.Advance(time.Second)
	if _, ok := c.Get(5); ok {
		t.Fatal("Expected entry to expire at TTL")
	}
	if n := c.RemoveExpired(); n != 1 {
		t.Errorf("Expected 1 removed, got %d", n)
	}
	if s := c.Stats(); s.Users != 0 || s.Expired != 1 {
		t.Errorf("Unexpected stats %+v", s)
	}
}

func TestCache_UsageAndInvalidation(t *testing.T) {
	c, clk := newTestCache(0)
	c.Replace(
		[]UserEntry{{UserID: 1, UsedTraffic: 10}, {UserID: 2}},
		[]PortMapping{{Port: 1, UserID: 1, RuleID: 1}, {Port: 3, UserID: 1, RuleID: 3}, {Port: 2, UserID: 2, RuleID: 2}},
		clk.Now(),
	)

	if !c.AddUsage(1, 5) {
		t.Fatal("AddUsage should find user 1")
	}
	if e, _ := c.Get(1); e.UsedTraffic != 15 {
		t.Errorf("Expected 15, got %d", e.UsedTraffic)
	}
	if c.AddUsage(99, 5) {
		t.Error("AddUsage should report false for unknown user")
	}

	ports := c.PortsForUser(1)
	if len(ports) != 2 || ports[0] != 1 || ports[1] != 3 {
		t.Errorf("Expected [1 3], got %v", ports)
	}

	c.InvalidateUser(1)
	if _, ok := c.Get(1); ok {
		t.Error("Expected user 1 to be invalidated")
	}
	if !c.Generation().IsZero() {
		t.Error("Expected generation reset after invalidation")
	}
	if _, ok := c.InvalidatePort(2); !ok {
		t.Error("Expected port 2 mapping to be removed")
	}
	if _, ok := c.Mapping(2); ok {
		t.Error("Expected port 2 mapping to be gone")
	}
}

func TestEntry_Predicates(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	lo, hi := 100, 200
	e := UserEntry{Role: store.RoleUser, Status: store.StatusActive, ExpiresAt: &past, PortRangeStart: &lo, PortRangeEnd: &hi}

	if !e.Expired(now) {
		t.Error("Expected expired")
	}
	if e.PortInRange(99) || !e.PortInRange(100) || !e.PortInRange(200) || e.PortInRange(201) {
		t.Error("Port range bounds are inclusive")
	}
	if !InRange(5, nil, nil) {
		t.Error("Missing range is unrestricted")
	}
}

func TestCache_CleanupLoopStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := New(Config{TTL: time.Millisecond, CleanupInterval: time.Millisecond})
	c.Start()
	c.Put(UserEntry{UserID: 1})
	time.Sleep(10 * time.Millisecond)
	c.Close()
	c.Wait()
	c.Close()
}
