package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"porthaul/controlplane/pkg/cache"
	"porthaul/controlplane/pkg/store"
	"porthaul/controlplane/pkg/telemetry/metrics"
)

var tracer = otel.Tracer("porthaul/controlplane/snapshot")

// Result is the outcome of a refresh attempt.
type Result string

const (
	// ResultWritten means this worker wrote a new snapshot.
	ResultWritten Result = "written"

	// ResultSkipped means another worker holds the lock.
	ResultSkipped Result = "skipped"

	// ResultFresh means the current snapshot is recent and not invalidated.
	ResultFresh Result = "fresh"

	// ResultStale means the store could not be read; the previous snapshot
	// stays in place.
	ResultStale Result = "stale"
)

// Config configures a Synchronizer.
type Config struct {
	Dir              string
	RefreshInterval  time.Duration
	ReadInterval     time.Duration
	MinRefreshAge    time.Duration
	Watch            bool
	DebounceInterval time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Synchronizer refreshes the shared snapshot and installs it into the
// process-local cache.
type Synchronizer struct {
	cfg     Config
	store   store.Store
	cache   *cache.Cache
	locker  Locker
	metrics *metrics.Collector
	logger  *slog.Logger
	writer  string

	mu      sync.RWMutex
	current *Snapshot

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a synchronizer for cfg.Dir, creating the directory when
// needed. A nil locker uses a LeaseLock in the same directory.
func New(cfg Config, st store.Store, c *cache.Cache, locker Locker, m *metrics.Collector) (*Synchronizer, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("snapshot dir cannot be empty")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.ReadInterval <= 0 {
		cfg.ReadInterval = 5 * time.Second
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = 50 * time.Millisecond
	}
	if locker == nil {
		locker = NewLeaseLock(LeaseLockConfig{Path: LockPath(cfg.Dir), Now: cfg.Now})
	}
	return &Synchronizer{
		cfg:     cfg,
		store:   st,
		cache:   c,
		locker:  locker,
		metrics: m,
		logger:  slog.Default().With("component", "snapshot"),
		writer:  uuid.NewString(),
	}, nil
}

// Writer is the id this worker stamps into snapshots it writes.
func (s *Synchronizer) Writer() string { return s.writer }

// Dir is the shared snapshot directory.
func (s *Synchronizer) Dir() string { return s.cfg.Dir }

// Refresh rebuilds the shared snapshot unless it is fresh or another worker
// holds the lock.
func (s *Synchronizer) Refresh(ctx context.Context) (Result, error) {
	return s.refresh(ctx, false)
}

// ForceRefresh rebuilds the shared snapshot regardless of its age. It still
// honors the lock.
func (s *Synchronizer) ForceRefresh(ctx context.Context) (Result, error) {
	return s.refresh(ctx, true)
}

func (s *Synchronizer) refresh(ctx context.Context, force bool) (Result, error) {
	ctx, span := tracer.Start(ctx, "snapshot.Refresh")
	defer span.End()

	start := time.Now()
	result, err := s.doRefresh(ctx, force)
	s.metrics.RecordSnapshotRefresh(string(result), time.Since(start))

	span.SetAttributes(attribute.String("result", string(result)), attribute.Bool("force", force))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(result))
	}
	return result, err
}

func (s *Synchronizer) doRefresh(ctx context.Context, force bool) (Result, error) {
	if !force && s.isFresh() {
		return ResultFresh, nil
	}

	lease, err := s.locker.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			s.metrics.RecordLock("held")
			s.logger.Debug("snapshot refresh skipped, lock held elsewhere")
			return ResultSkipped, nil
		}
		s.metrics.RecordLock("error")
		return ResultSkipped, fmt.Errorf("acquire snapshot lock: %w", err)
	}
	s.metrics.RecordLock("acquired")
	defer func() {
		if err := lease.Release(); err != nil {
			s.logger.Warn("failed to release snapshot lock", "owner", lease.Owner(), "error", err)
		}
	}()

	// another worker may have written while we waited for the lock
	if !force && s.isFresh() {
		return ResultFresh, nil
	}

	snap, err := Build(ctx, s.store, s.cfg.Now(), s.writer)
	if err != nil {
		s.logger.Warn("snapshot refresh failed, keeping previous snapshot", "error", err)
		return ResultStale, err
	}
	if err := WriteFile(s.cfg.Dir, snap); err != nil {
		s.logger.Error("failed to write snapshot", "error", err)
		return ResultStale, err
	}

	s.logger.Debug("snapshot written",
		"generated_at", snap.GeneratedAt,
		"users", len(snap.Users),
		"rules", len(snap.Rules),
		"ports", len(snap.Ports),
	)
	return ResultWritten, nil
}

// isFresh reports whether the snapshot on disk is younger than
// MinRefreshAge and was not invalidated after it was generated.
func (s *Synchronizer) isFresh() bool {
	if s.cfg.MinRefreshAge <= 0 {
		return false
	}
	snap, err := ReadFile(s.cfg.Dir)
	if err != nil {
		return false
	}
	if s.cfg.Now().Sub(snap.GeneratedAt) >= s.cfg.MinRefreshAge {
		return false
	}
	marker, err := readMarker(s.cfg.Dir)
	if err != nil {
		return false
	}
	// GeneratedAt is sampled before the store is read, so a snapshot stamped
	// at the marker's instant already reflects that invalidation.
	return marker.IsZero() || !marker.After(snap.GeneratedAt)
}

// Build loads users and rules from st and derives the snapshot at now.
func Build(ctx context.Context, st store.Store, now time.Time, writer string) (*Snapshot, error) {
	users, err := st.FindAllUsers(ctx, store.UserFilter{})
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	rules, err := st.FindAllRules(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	generatedAt := now.UTC()
	snap := &Snapshot{
		Version:     Version,
		GeneratedAt: generatedAt,
		Writer:      writer,
		Users:       make([]cache.UserEntry, 0, len(users)),
		Rules:       make([]RuleState, 0, len(rules)),
		Ports:       make([]cache.PortMapping, 0, len(rules)),
	}

	byID := make(map[int64]*store.User, len(users))
	for i := range users {
		u := &users[i]
		byID[u.ID] = u
		snap.Users = append(snap.Users, cache.EntryFromUser(u, generatedAt))
	}

	for i := range rules {
		r := &rules[i]
		owner := r.Owner
		if owner == nil {
			owner = byID[r.OwnerUserID]
		}
		active, reason := ComputeActive(r, owner, now)
		snap.Rules = append(snap.Rules, RuleState{
			ID:                r.ID,
			Name:              r.Name,
			SourcePort:        r.SourcePort,
			TargetAddress:     r.TargetAddress,
			Protocol:          r.Protocol,
			OwnerUserID:       r.OwnerUserID,
			OperatorEnabled:   r.OperatorEnabled,
			DisableProvenance: r.DisableProvenance,
			Active:            active,
			InactiveReason:    reason,
		})
		if active {
			snap.Ports = append(snap.Ports, cache.PortMapping{
				Port:     r.SourcePort,
				UserID:   r.OwnerUserID,
				RuleID:   r.ID,
				Protocol: r.Protocol,
			})
		}
	}
	return snap, nil
}

// Read loads the latest snapshot and installs it into the cache. A snapshot
// with the generation already installed is not installed again.
func (s *Synchronizer) Read(ctx context.Context) (*Snapshot, error) {
	_, span := tracer.Start(ctx, "snapshot.Read")
	defer span.End()

	snap, err := ReadFile(s.cfg.Dir)
	if err != nil {
		if errors.Is(err, ErrNoSnapshot) {
			s.metrics.RecordSnapshotRead("missing")
		} else {
			s.metrics.RecordSnapshotRead("error")
			span.RecordError(err)
			span.SetStatus(codes.Error, "read")
		}
		return nil, err
	}

	if s.cache.Generation().Equal(snap.GeneratedAt) {
		s.setCurrent(snap)
		s.metrics.RecordSnapshotRead("unchanged")
		return snap, nil
	}

	s.cache.Replace(snap.Users, snap.Ports, snap.GeneratedAt)
	s.setCurrent(snap)

	s.metrics.RecordSnapshotRead("installed")
	s.metrics.SetSnapshotGeneration(snap.GeneratedAt)
	s.metrics.UpdateCacheSize("users", len(snap.Users))
	s.metrics.UpdateCacheSize("ports", len(snap.Ports))
	span.SetAttributes(
		attribute.String("writer", snap.Writer),
		attribute.Int("ports", len(snap.Ports)),
	)
	return snap, nil
}

// Invalidate marks the shared snapshot stale so the next refresh by any
// worker rebuilds it.
func (s *Synchronizer) Invalidate() error {
	if err := writeMarker(s.cfg.Dir, s.cfg.Now()); err != nil {
		return fmt.Errorf("write invalidation marker: %w", err)
	}
	return nil
}

func (s *Synchronizer) setCurrent(snap *Snapshot) {
	s.mu.Lock()
	s.current = snap
	s.mu.Unlock()
}

// Current returns the last snapshot read by this worker, or nil.
func (s *Synchronizer) Current() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Age returns how old the installed snapshot is.
func (s *Synchronizer) Age() (time.Duration, bool) {
	snap := s.Current()
	if snap == nil {
		return 0, false
	}
	return s.cfg.Now().Sub(snap.GeneratedAt), true
}

// Start performs an initial refresh and read, then runs the refresh and
// read loops and, when enabled, the file watcher until Stop is called or
// ctx is cancelled.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("synchronizer already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if _, err := s.Refresh(ctx); err != nil {
		s.logger.Warn("initial snapshot refresh failed", "error", err)
	}
	if _, err := s.Read(ctx); err != nil && !errors.Is(err, ErrNoSnapshot) {
		s.logger.Warn("initial snapshot read failed", "error", err)
	}

	s.wg.Add(2)
	go s.loop(ctx, s.cfg.RefreshInterval, func() {
		if _, err := s.Refresh(ctx); err != nil {
			s.logger.Warn("snapshot refresh failed", "error", err)
		}
	})
	go s.loop(ctx, s.cfg.ReadInterval, s.readQuietly(ctx))

	if s.cfg.Watch {
		w, err := NewWatcher(s.cfg.Dir, s.cfg.DebounceInterval, s.logger)
		if err != nil {
			s.logger.Warn("snapshot watcher unavailable, relying on read timer", "error", err)
		} else {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := w.Run(ctx, s.readQuietly(ctx)); err != nil {
					s.logger.Warn("snapshot watcher stopped", "error", err)
				}
			}()
		}
	}

	s.logger.Info("snapshot synchronizer started",
		"dir", s.cfg.Dir,
		"writer", s.writer,
		"refresh_interval", s.cfg.RefreshInterval,
		"read_interval", s.cfg.ReadInterval,
		"watch", s.cfg.Watch,
	)
	return nil
}

func (s *Synchronizer) readQuietly(ctx context.Context) func() {
	return func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Read(ctx); err != nil && !errors.Is(err, ErrNoSnapshot) {
			s.logger.Warn("snapshot read failed", "error", err)
		}
	}
}

func (s *Synchronizer) loop(ctx context.Context, interval time.Duration, fn func()) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop ends the loops started by Start and waits for them.
func (s *Synchronizer) Stop() {
	s.runMu.Lock()
	cancel := s.cancel
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}
