package cache

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"porthaul/controlplane/pkg/store"
)

// UserEntry is the cached quota state of one user.
type UserEntry struct {
	UserID         int64            `json:"userId"`
	Role           store.Role       `json:"role"`
	Status         store.UserStatus `json:"status"`
	QuotaBytes     int64            `json:"quotaBytes"`
	UsedTraffic    int64            `json:"usedTraffic"`
	PortRangeStart *int             `json:"portRangeStart,omitempty"`
	PortRangeEnd   *int             `json:"portRangeEnd,omitempty"`
	ExpiresAt      *time.Time       `json:"expiresAt,omitempty"`
	LastRefreshed  time.Time        `json:"lastRefreshed"`
}

// EntryFromUser builds a cache entry from a store row.
func EntryFromUser(u *store.User, refreshed time.Time) UserEntry {
	e := UserEntry{
		UserID:         u.ID,
		Role:           u.Role,
		Status:         u.Status,
		QuotaBytes:     u.QuotaBytes(),
		UsedTraffic:    u.UsedTrafficBytes,
		PortRangeStart: u.PortRangeStart,
		PortRangeEnd:   u.PortRangeEnd,
		LastRefreshed:  refreshed,
	}
	if u.ExpiresAt != nil {
		t := *u.ExpiresAt
		e.ExpiresAt = &t
	}
	return e
}

// IsAdmin reports whether the user bypasses quota, expiry and range checks.
func (e UserEntry) IsAdmin() bool { return e.Role == store.RoleAdmin }

// IsActive reports whether the account status is active.
func (e UserEntry) IsActive() bool { return e.Status == store.StatusActive }

// Expired reports whether the account expiry lies before now.
func (e UserEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// PortInRange reports whether port lies within the user's allowed range.
// Users without a range may use any port.
func (e UserEntry) PortInRange(port int) bool {
	return InRange(port, e.PortRangeStart, e.PortRangeEnd)
}

// InRange reports whether port lies within [start, end]. A missing bound is
// unrestricted on that side.
func InRange(port int, start, end *int) bool {
	if start != nil && port < *start {
		return false
	}
	if end != nil && port > *end {
		return false
	}
	return true
}

// PortMapping resolves a listening port to the rule and user behind it.
type PortMapping struct {
	Port     int    `json:"port"`
	UserID   int64  `json:"userId"`
	RuleID   int64  `json:"ruleId"`
	Protocol string `json:"protocol,omitempty"`
}

// Config configures a Cache.
type Config struct {
	// TTL is how long a user entry is served after it was refreshed.
	// Zero disables expiry.
	// Default: 60s (applied by the config package)
	TTL time.Duration

	// CleanupInterval is how often expired entries are purged.
	// Default: TTL, or one minute when TTL is zero.
	CleanupInterval time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Stats reports cache activity.
type Stats struct {
	Users      int       `json:"users"`
	Ports      int       `json:"ports"`
	Hits       uint64    `json:"hits"`
	Misses     uint64    `json:"misses"`
	Expired    uint64    `json:"expired"`
	Generation time.Time `json:"generation"`
}

// Cache is the process-local cache.
type Cache struct {
	mu         sync.RWMutex
	users      map[int64]*UserEntry
	ports      map[int]PortMapping
	generation time.Time

	ttl             time.Duration
	cleanupInterval time.Duration
	now             func() time.Time

	hits    atomic.Uint64
	misses  atomic.Uint64
	expired atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a cache. Call Start to run background expiry and Close to
// stop it.
func New(cfg Config) *Cache {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = cfg.TTL
		if cfg.CleanupInterval <= 0 {
			cfg.CleanupInterval = time.Minute
		}
	}
	return &Cache{
		users:           make(map[int64]*UserEntry),
		ports:           make(map[int]PortMapping),
		ttl:             cfg.TTL,
		cleanupInterval: cfg.CleanupInterval,
		now:             cfg.Now,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// Start launches the expiry loop.
func (c *Cache) Start() {
	go c.cleanupLoop()
}

// Close stops the expiry loop. It is safe to call more than once, and safe
// to call when Start was never called.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

func (c *Cache) cleanupLoop() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.RemoveExpired()
		case <-c.stopCh:
			return
		}
	}
}

// Wait blocks until the expiry loop started by Start has exited.
func (c *Cache) Wait() {
	<-c.doneCh
}

func (c *Cache) expiredAt(e *UserEntry, now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.LastRefreshed) >= c.ttl
}

// Get returns the user's entry. Missing or TTL-expired entries report false.
func (c *Cache) Get(userID int64) (UserEntry, bool) {
	c.mu.RLock()
	e, ok := c.users[userID]
	if ok && c.expiredAt(e, c.now()) {
		ok = false
	}
	var out UserEntry
	if ok {
		out = *e
	}
	c.mu.RUnlock()

	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return out, ok
}

// Put stores a single entry, stamping LastRefreshed when unset.
func (c *Cache) Put(e UserEntry) {
	if e.LastRefreshed.IsZero() {
		e.LastRefreshed = c.now()
	}
	c.mu.Lock()
	c.users[e.UserID] = &e
	c.mu.Unlock()
}

// Mapping returns the active mapping for port.
func (c *Cache) Mapping(port int) (PortMapping, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.ports[port]
	return m, ok
}

// PortsForUser returns the mapped ports owned by userID, sorted.
func (c *Cache) PortsForUser(userID int64) []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ports []int
	for port, m := range c.ports {
		if m.UserID == userID {
			ports = append(ports, port)
		}
	}
	sort.Ints(ports)
	return ports
}

// Replace installs a complete snapshot. Entries are stamped with the
// snapshot's generation time so TTL counts from when the data was read from
// the store, not from when this worker loaded it.
func (c *Cache) Replace(users []UserEntry, ports []PortMapping, generatedAt time.Time) {
	nu := make(map[int64]*UserEntry, len(users))
	for i := range users {
		e := users[i]
		if e.LastRefreshed.IsZero() || e.LastRefreshed.After(generatedAt) {
			e.LastRefreshed = generatedAt
		}
		nu[e.UserID] = &e
	}
	np := make(map[int]PortMapping, len(ports))
	for _, m := range ports {
		np[m.Port] = m
	}

	c.mu.Lock()
	c.users = nu
	c.ports = np
	c.generation = generatedAt
	c.mu.Unlock()
}

// Generation returns the GeneratedAt of the last installed snapshot. It is
// zero after Clear or an invalidation.
func (c *Cache) Generation() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// AddUsage adds bytes to a cached user's usage in place. It reports false
// when the user is not cached.
func (c *Cache) AddUsage(userID int64, bytes int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.users[userID]
	if !ok {
		return false
	}
	e.UsedTraffic += bytes
	return true
}

// SetUsage overwrites a cached user's usage. It reports false when the user
// is not cached.
func (c *Cache) SetUsage(userID int64, bytes int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.users[userID]
	if !ok {
		return false
	}
	e.UsedTraffic = bytes
	return true
}

// InvalidateUser drops the user's entry and forgets the snapshot generation
// so the next snapshot read is installed even if unchanged.
func (c *Cache) InvalidateUser(userID int64) {
	c.mu.Lock()
	delete(c.users, userID)
	c.generation = time.Time{}
	c.mu.Unlock()
}

// InvalidatePort drops the mapping for port. Admission on the port is
// refused until a snapshot reinstalls it.
func (c *Cache) InvalidatePort(port int) (PortMapping, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.ports[port]
	delete(c.ports, port)
	c.generation = time.Time{}
	return m, ok
}

// RemoveExpired purges TTL-expired user entries and returns how many were
// removed.
func (c *Cache) RemoveExpired() int {
	if c.ttl <= 0 {
		return 0
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, e := range c.users {
		if c.expiredAt(e, now) {
			delete(c.users, id)
			removed++
		}
	}
	c.expired.Add(uint64(removed))
	return removed
}

// Clear removes everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users = make(map[int64]*UserEntry)
	c.ports = make(map[int]PortMapping)
	c.generation = time.Time{}
}

// Stats returns counters and sizes.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Users:      len(c.users),
		Ports:      len(c.ports),
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Expired:    c.expired.Load(),
		Generation: c.generation,
	}
}
