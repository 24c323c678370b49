package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"porthaul/controlplane/pkg/cache"
	"porthaul/controlplane/pkg/store"
	"porthaul/controlplane/pkg/telemetry/metrics"
)

// Level is the usage band a decision falls in.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelCaution  Level = "caution"
	LevelWarning  Level = "warning"
	LevelExceeded Level = "exceeded"
)

// Reason explains a decision.
type Reason string

const (
	// ReasonUnlimited: admin, or no quota configured.
	ReasonUnlimited Reason = "unlimited"

	// ReasonWithinQuota: quota configured and not yet reached.
	ReasonWithinQuota Reason = "within_quota"

	// ReasonQuotaExceeded: usage reached the quota.
	ReasonQuotaExceeded Reason = "quota_exceeded"

	// ReasonUserNotFound: the user does not exist in the store.
	ReasonUserNotFound Reason = "user_not_found"
)

// ErrUnknownUser is returned when a user cannot be found in the cache or
// the store.
var ErrUnknownUser = errors.New("unknown user")

// Decision is the outcome of a quota evaluation.
type Decision struct {
	UserID          int64     `json:"userId"`
	Allowed         bool      `json:"allowed"`
	Reason          Reason    `json:"reason"`
	Level           Level     `json:"level"`
	UsagePercentage float64   `json:"usagePercentage"`
	UsedBytes       int64     `json:"usedBytes"`
	QuotaBytes      int64     `json:"quotaBytes"`
	EvaluatedAt     time.Time `json:"evaluatedAt"`
}

// LevelFor maps a usage percentage to its band.
func LevelFor(pct float64) Level {
	switch {
	case pct >= 100:
		return LevelExceeded
	case pct >= 90:
		return LevelWarning
	case pct >= 80:
		return LevelCaution
	default:
		return LevelNormal
	}
}

// Evaluate is the pure decision over one cached entry.
func Evaluate(e cache.UserEntry) Decision {
	d := Decision{
		UserID:     e.UserID,
		UsedBytes:  e.UsedTraffic,
		QuotaBytes: e.QuotaBytes,
		Level:      LevelNormal,
	}
	if e.IsAdmin() || e.QuotaBytes <= 0 {
		d.Allowed = true
		d.Reason = ReasonUnlimited
		return d
	}

	d.UsagePercentage = float64(e.UsedTraffic) * 100 / float64(e.QuotaBytes)
	if e.UsedTraffic >= e.QuotaBytes {
		d.Allowed = false
		d.Reason = ReasonQuotaExceeded
		d.Level = LevelExceeded
		return d
	}
	d.Allowed = true
	d.Reason = ReasonWithinQuota
	d.Level = LevelFor(d.UsagePercentage)
	if d.Level == LevelExceeded {
		// float rounding just below the quota
		d.Level = LevelWarning
	}
	return d
}

// Allows reports whether a store row would be allowed. It is Evaluate over
// the row's current facts.
func Allows(u *store.User) bool {
	if u == nil {
		return false
	}
	return Evaluate(cache.EntryFromUser(u, time.Time{})).Allowed
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	// MemoTTL is how long a decision is reused. Zero disables the memo.
	MemoTTL time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

type memoEntry struct {
	decision Decision
	at       time.Time
}

// Engine is the quota decision engine.
type Engine struct {
	cache   *cache.Cache
	store   store.Store
	memoTTL time.Duration
	now     func() time.Time
	metrics *metrics.Collector
	logger  *slog.Logger

	mu    sync.Mutex
	memo  map[int64]memoEntry
	group singleflight.Group
}

// NewEngine creates an engine reading c and falling back to st on a miss.
func NewEngine(c *cache.Cache, st store.Store, cfg EngineConfig, m *metrics.Collector) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		cache:   c,
		store:   st,
		memoTTL: cfg.MemoTTL,
		now:     cfg.Now,
		metrics: m,
		logger:  slog.Default().With("component", "quota.engine"),
		memo:    make(map[int64]memoEntry),
	}
}

// Decide returns the memoized or freshly computed decision for userID. An
// unknown user yields a disallowed decision with reason user_not_found and
// ErrUnknownUser; other errors are infrastructure failures.
func (e *Engine) Decide(ctx context.Context, userID int64) (Decision, error) {
	if d, ok := e.memoGet(userID); ok {
		e.metrics.RecordDecision(string(d.Reason), string(d.Level), true)
		return d, nil
	}

	v, err, _ := e.group.Do(strconv.FormatInt(userID, 10), func() (interface{}, error) {
		entry, err := e.Lookup(context.WithoutCancel(ctx), userID)
		if err != nil {
			return nil, err
		}
		return e.record(entry), nil
	})
	if err != nil {
		return e.failed(userID, err)
	}
	d := v.(Decision)
	e.metrics.RecordDecision(string(d.Reason), string(d.Level), false)
	return d, nil
}

// DecideForce recomputes the decision from the store, bypassing the memo
// and the cache, and memoizes the result.
func (e *Engine) DecideForce(ctx context.Context, userID int64) (Decision, error) {
	e.Forget(userID)
	v, err, _ := e.group.Do("force:"+strconv.FormatInt(userID, 10), func() (interface{}, error) {
		entry, err := e.Refresh(context.WithoutCancel(ctx), userID)
		if err != nil {
			return nil, err
		}
		return e.record(entry), nil
	})
	if err != nil {
		return e.failed(userID, err)
	}
	d := v.(Decision)
	e.metrics.RecordDecision(string(d.Reason), string(d.Level), false)
	return d, nil
}

func (e *Engine) record(entry cache.UserEntry) Decision {
	d := Evaluate(entry)
	d.EvaluatedAt = e.now()
	if e.memoTTL > 0 {
		e.mu.Lock()
		e.memo[entry.UserID] = memoEntry{decision: d, at: d.EvaluatedAt}
		e.mu.Unlock()
	}
	return d
}

func (e *Engine) failed(userID int64, err error) (Decision, error) {
	if errors.Is(err, ErrUnknownUser) {
		d := Decision{
			UserID:      userID,
			Allowed:     false,
			Reason:      ReasonUserNotFound,
			Level:       LevelNormal,
			EvaluatedAt: e.now(),
		}
		e.metrics.RecordDecision(string(d.Reason), string(d.Level), false)
		return d, err
	}
	return Decision{UserID: userID}, fmt.Errorf("decide user %d: %w", userID, err)
}

func (e *Engine) memoGet(userID int64) (Decision, bool) {
	if e.memoTTL <= 0 {
		return Decision{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.memo[userID]
	if !ok {
		return Decision{}, false
	}
	if e.now().Sub(m.at) >= e.memoTTL {
		delete(e.memo, userID)
		return Decision{}, false
	}
	return m.decision, true
}

// Lookup returns the cached entry for userID, loading it from the store on
// a miss or TTL expiry.
func (e *Engine) Lookup(ctx context.Context, userID int64) (cache.UserEntry, error) {
	if entry, ok := e.cache.Get(userID); ok {
		e.metrics.RecordCacheHit("users")
		return entry, nil
	}
	e.metrics.RecordCacheMiss("users")
	return e.Refresh(ctx, userID)
}

// Refresh reloads userID from the store into the cache.
func (e *Engine) Refresh(ctx context.Context, userID int64) (cache.UserEntry, error) {
	u, err := e.store.FindUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.cache.InvalidateUser(userID)
			return cache.UserEntry{}, fmt.Errorf("%w: %d", ErrUnknownUser, userID)
		}
		return cache.UserEntry{}, err
	}
	entry := cache.EntryFromUser(u, e.now())
	e.cache.Put(entry)
	return entry, nil
}

// Forget drops the memoized decision for userID.
func (e *Engine) Forget(userID int64) {
	e.mu.Lock()
	delete(e.memo, userID)
	e.mu.Unlock()
}

// ForgetAll drops every memoized decision.
func (e *Engine) ForgetAll() {
	e.mu.Lock()
	e.memo = make(map[int64]memoEntry)
	e.mu.Unlock()
}

// MemoSize returns the number of memoized decisions.
func (e *Engine) MemoSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.memo)
}
