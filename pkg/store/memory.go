package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory. It is safe for concurrent use and
// returns copies, so callers cannot mutate stored rows.
//
// FailNext makes the next n calls fail with the given error, which tests use
// to exercise retry and stale-snapshot paths.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[int64]*User
	rules  map[int64]*ForwardRule
	nextID int64

	failErr   error
	failCount int
	calls     int
	closed    bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[int64]*User),
		rules: make(map[int64]*ForwardRule),
	}
}

// FailNext makes the next n operations return err.
func (m *MemoryStore) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCount = n
	m.failErr = err
}

// Calls returns the number of operations attempted so far.
func (m *MemoryStore) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

// enter must be called with mu held for writing.
func (m *MemoryStore) enter(ctx context.Context) error {
	m.calls++
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return ErrClosed
	}
	if m.failCount > 0 {
		m.failCount--
		return m.failErr
	}
	return nil
}

// CreateUser adds a user, assigning an ID when none is set.
func (m *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx); err != nil {
		return err
	}
	if u.ID == 0 {
		m.nextID++
		u.ID = m.nextID
	} else if u.ID > m.nextID {
		m.nextID = u.ID
	}
	if u.Role == "" {
		u.Role = RoleUser
	}
	if u.Status == "" {
		u.Status = StatusActive
	}
	now := time.Now()
	u.CreatedAt, u.UpdatedAt = now, now
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

// CreateRule adds a rule. It fails with ErrDuplicatePort when another rule
// already listens on the source port.
func (m *MemoryStore) CreateRule(ctx context.Context, r *ForwardRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx); err != nil {
		return err
	}
	for _, existing := range m.rules {
		if existing.SourcePort == r.SourcePort {
			return ErrDuplicatePort
		}
	}
	if r.ID == 0 {
		m.nextID++
		r.ID = m.nextID
	} else if r.ID > m.nextID {
		m.nextID = r.ID
	}
	if r.DisableProvenance == "" {
		r.DisableProvenance = ProvenanceNone
	}
	if r.Protocol == "" {
		r.Protocol = "tcp"
	}
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	cp := *r
	cp.Owner = nil
	m.rules[r.ID] = &cp
	return nil
}

// FindUser implements Store.
func (m *MemoryStore) FindUser(ctx context.Context, id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

// FindAllUsers implements Store.
func (m *MemoryStore) FindAllUsers(ctx context.Context, filter UserFilter) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	users := make([]User, 0, len(m.users))
	for _, u := range m.users {
		if filter.Status != "" && u.Status != filter.Status {
			continue
		}
		if filter.Role != "" && u.Role != filter.Role {
			continue
		}
		users = append(users, *copyUser(u))
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// FindRule implements Store.
func (m *MemoryStore) FindRule(ctx context.Context, sourcePort int) (*ForwardRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	for _, r := range m.rules {
		if r.SourcePort == sourcePort {
			return m.withOwner(r), nil
		}
	}
	return nil, ErrNotFound
}

// FindAllRules implements Store.
func (m *MemoryStore) FindAllRules(ctx context.Context, withOwner bool) ([]ForwardRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	rules := make([]ForwardRule, 0, len(m.rules))
	for _, r := range m.rules {
		if withOwner {
			rules = append(rules, *m.withOwner(r))
		} else {
			cp := *r
			rules = append(rules, cp)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].SourcePort < rules[j].SourcePort })
	return rules, nil
}

// FindRulesByOwner implements Store.
func (m *MemoryStore) FindRulesByOwner(ctx context.Context, userID int64) ([]ForwardRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	rules := make([]ForwardRule, 0)
	for _, r := range m.rules {
		if r.OwnerUserID == userID {
			cp := *r
			rules = append(rules, cp)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].SourcePort < rules[j].SourcePort })
	return rules, nil
}

// UpdateUser implements Store.
func (m *MemoryStore) UpdateUser(ctx context.Context, id int64, update UserUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx); err != nil {
		return err
	}
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	if update.Status != nil {
		u.Status = *update.Status
	}
	if update.ClearQuota {
		u.TrafficQuotaGB = nil
	} else if update.TrafficQuotaGB != nil {
		q := *update.TrafficQuotaGB
		u.TrafficQuotaGB = &q
	}
	if update.UsedTrafficBytes != nil {
		u.UsedTrafficBytes = *update.UsedTrafficBytes
	}
	u.UpdatedAt = time.Now()
	return nil
}

// UpdateRule implements Store.
func (m *MemoryStore) UpdateRule(ctx context.Context, id int64, update RuleUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx); err != nil {
		return err
	}
	r, ok := m.rules[id]
	if !ok {
		return ErrNotFound
	}
	if update.OperatorEnabled != nil {
		r.OperatorEnabled = *update.OperatorEnabled
	}
	if update.DisableProvenance != nil {
		r.DisableProvenance = *update.DisableProvenance
	}
	if update.UsedTrafficBytes != nil {
		r.UsedTrafficBytes = *update.UsedTrafficBytes
	}
	r.UpdatedAt = time.Now()
	return nil
}

// AddTraffic implements Store.
func (m *MemoryStore) AddTraffic(ctx context.Context, userID, ruleID int64, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx); err != nil {
		return err
	}
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.UsedTrafficBytes += bytes
	if r, ok := m.rules[ruleID]; ok {
		r.UsedTrafficBytes += bytes
	}
	return nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter(ctx)
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStore) withOwner(r *ForwardRule) *ForwardRule {
	cp := *r
	if u, ok := m.users[r.OwnerUserID]; ok {
		cp.Owner = copyUser(u)
	} else {
		cp.Owner = nil
	}
	return &cp
}

func copyUser(u *User) *User {
	cp := *u
	if u.TrafficQuotaGB != nil {
		q := *u.TrafficQuotaGB
		cp.TrafficQuotaGB = &q
	}
	if u.PortRangeStart != nil {
		v := *u.PortRangeStart
		cp.PortRangeStart = &v
	}
	if u.PortRangeEnd != nil {
		v := *u.PortRangeEnd
		cp.PortRangeEnd = &v
	}
	if u.ExpiresAt != nil {
		t := *u.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}
