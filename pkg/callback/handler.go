package callback

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"porthaul/controlplane/pkg/cache"
	"porthaul/controlplane/pkg/quota"
	"porthaul/controlplane/pkg/store"
	"porthaul/controlplane/pkg/telemetry/metrics"
)

// Config configures the handlers.
type Config struct {
	// NoiseThresholdBytes is the per-user delta in one observer batch that
	// triggers an immediate reconcile.
	NoiseThresholdBytes int64

	// BlockedRate is returned by the limiter for blocked users. It must be
	// positive so it cannot be mistaken for UnlimitedRate.
	BlockedRate int64

	// AuthSecret is echoed to the engine on successful admission.
	AuthSecret string

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// UserReconciler reconciles one user's rules. quota.Reconciler implements it.
type UserReconciler interface {
	ReconcileUser(ctx context.Context, userID int64) (quota.ReconcileReport, error)
}

// Handlers serves the auth, limiter and observer callbacks.
type Handlers struct {
	cfg        Config
	engine     *quota.Engine
	reconciler UserReconciler
	cache      *cache.Cache
	store      store.Store
	counters   *CounterTracker
	metrics    *metrics.Collector
	logger     *slog.Logger
}

// New creates the callback handlers. reconciler may be nil, in which case
// enforcement waits for the periodic resync.
func New(cfg Config, engine *quota.Engine, reconciler UserReconciler, c *cache.Cache, st store.Store, counters *CounterTracker, m *metrics.Collector) *Handlers {
	if cfg.BlockedRate <= 0 {
		cfg.BlockedRate = 1
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if counters == nil {
		counters = NewCounterTracker(PolicyBaseline)
	}
	return &Handlers{
		cfg:        cfg,
		engine:     engine,
		reconciler: reconciler,
		cache:      c,
		store:      st,
		counters:   counters,
		metrics:    m,
		logger:     slog.Default().With("component", "callback"),
	}
}

// Counters returns the tracker shared with traffic resets.
func (h *Handlers) Counters() *CounterTracker { return h.counters }

// Register mounts the callbacks on mux. wrap, when not nil, is applied to
// each handler.
func (h *Handlers) Register(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(next http.Handler) http.Handler { return next }
	}
	mux.Handle("POST /auth", wrap(http.HandlerFunc(h.Auth)))
	mux.Handle("POST /limiter", wrap(http.HandlerFunc(h.Limiter)))
	mux.Handle("POST /observer", wrap(http.HandlerFunc(h.Observer)))
}

// Auth admits a connection when the port maps to an active rule whose owner
// is active, not expired and within quota. Every doubt denies.
func (h *Handlers) Auth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req AuthRequest
	if err := h.decode(w, r, &req); err != nil {
		h.metrics.RecordCallback("auth", "bad_request", time.Since(start))
		writeJSON(w, http.StatusBadRequest, AuthResponse{OK: false})
		return
	}

	resp, reason := h.authorize(r.Context(), req)
	result := "allowed"
	if !resp.OK {
		result = "denied"
		h.logger.Debug("admission denied",
			"service", req.Service,
			"src", req.Src,
			"reason", reason,
		)
	}
	h.metrics.RecordCallback("auth", result, time.Since(start))
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) authorize(ctx context.Context, req AuthRequest) (AuthResponse, string) {
	deny := AuthResponse{OK: false}

	proto, port, err := ParseServiceName(req.Service)
	if err != nil {
		return deny, "malformed_service"
	}
	mapping, ok := h.cache.Mapping(port)
	if !ok {
		return deny, "no_active_rule"
	}
	if mapping.Protocol != "" && mapping.Protocol != proto {
		return deny, "protocol_mismatch"
	}

	entry, err := h.engine.Lookup(ctx, mapping.UserID)
	if err != nil {
		if !errors.Is(err, quota.ErrUnknownUser) {
			h.logger.Warn("admission lookup failed", "user_id", mapping.UserID, "error", err)
			return deny, "lookup_failed"
		}
		return deny, "unknown_user"
	}
	if !entry.IsActive() {
		return deny, "owner_inactive"
	}
	if !entry.IsAdmin() {
		if entry.Expired(h.cfg.Now()) {
			return deny, "owner_expired"
		}
		if !entry.PortInRange(port) {
			return deny, "out_of_range"
		}
	}

	d, err := h.engine.Decide(ctx, mapping.UserID)
	if err != nil {
		h.logger.Warn("admission decision failed", "user_id", mapping.UserID, "error", err)
		return deny, "decision_failed"
	}
	if !d.Allowed {
		return deny, string(d.Reason)
	}

	return AuthResponse{
		OK:     true,
		ID:     EncodeClientID(mapping.UserID, mapping.RuleID),
		Secret: h.cfg.AuthSecret,
	}, ""
}

// Limiter returns UnlimitedRate for allowed users and BlockedRate for users
// the quota engine disallows. Failures to resolve or decide are logged and
// answered with UnlimitedRate; admission is the primary gate.
func (h *Handlers) Limiter(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	unlimited := LimiterResponse{In: UnlimitedRate, Out: UnlimitedRate}

	var req LimiterRequest
	if err := h.decode(w, r, &req); err != nil {
		h.metrics.RecordCallback("limiter", "bad_request", time.Since(start))
		writeJSON(w, http.StatusBadRequest, unlimited)
		return
	}

	userID, ok := h.resolveLimiterUser(req)
	if !ok {
		h.logger.Warn("limiter could not resolve user", "client", req.Client, "service", req.Service)
		h.metrics.RecordCallback("limiter", "unresolved", time.Since(start))
		writeJSON(w, http.StatusOK, unlimited)
		return
	}

	d, err := h.engine.Decide(r.Context(), userID)
	if err != nil {
		h.logger.Warn("limiter decision failed", "user_id", userID, "error", err)
		h.metrics.RecordCallback("limiter", "error", time.Since(start))
		writeJSON(w, http.StatusOK, unlimited)
		return
	}
	if !d.Allowed {
		h.metrics.RecordCallback("limiter", "blocked", time.Since(start))
		writeJSON(w, http.StatusOK, LimiterResponse{In: h.cfg.BlockedRate, Out: h.cfg.BlockedRate})
		return
	}
	h.metrics.RecordCallback("limiter", "unlimited", time.Since(start))
	writeJSON(w, http.StatusOK, unlimited)
}

func (h *Handlers) resolveLimiterUser(req LimiterRequest) (int64, bool) {
	if req.Client != "" {
		if userID, _, err := ParseClientID(req.Client); err == nil {
			return userID, true
		}
	}
	_, port, err := ParseServiceName(req.Service)
	if err != nil {
		return 0, false
	}
	m, ok := h.cache.Mapping(port)
	if !ok {
		return 0, false
	}
	return m.UserID, true
}

type owner struct {
	userID int64
	ruleID int64
}

// Observer charges traffic deltas to users and rules. Events are processed
// in order; an event that cannot be attributed is logged and dropped.
func (h *Handlers) Observer(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req ObserverRequest
	if err := h.decode(w, r, &req); err != nil {
		h.metrics.RecordCallback("observer", "bad_request", time.Since(start))
		writeJSON(w, http.StatusBadRequest, ObserverResponse{OK: false})
		return
	}

	ctx := r.Context()
	charged := make(map[int64]int64)
	for _, ev := range req.Events {
		userID, delta := h.observe(ctx, ev)
		if delta > 0 {
			charged[userID] += delta
		}
	}

	users := make([]int64, 0, len(charged))
	for id := range charged {
		users = append(users, id)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	for _, userID := range users {
		if h.reconciler == nil || charged[userID] < h.cfg.NoiseThresholdBytes {
			continue
		}
		if _, err := h.reconciler.ReconcileUser(ctx, userID); err != nil {
			h.logger.Warn("immediate reconcile failed", "user_id", userID, "error", err)
		}
	}

	h.metrics.RecordCallback("observer", "ok", time.Since(start))
	writeJSON(w, http.StatusOK, ObserverResponse{OK: true})
}

// observe handles one event and returns the user charged and the bytes.
func (h *Handlers) observe(ctx context.Context, ev ObserverEvent) (int64, int64) {
	if ev.Type != eventTypeStats || ev.Stats == nil {
		return 0, 0
	}
	_, port, err := ParseServiceName(ev.Service)
	if err != nil {
		h.logger.Warn("dropping observer event", "service", ev.Service, "error", err)
		h.metrics.RecordObserverDrop("malformed_service")
		return 0, 0
	}

	o, ok := h.resolvePort(ctx, port)
	if !ok {
		h.logger.Warn("dropping observer event, port has no owner", "service", ev.Service, "port", port)
		h.metrics.RecordObserverDrop("unresolved")
		return 0, 0
	}

	deltaIn, deltaOut, reset := h.counters.Delta(port, ev.Stats.InputBytes, ev.Stats.OutputBytes)
	if reset {
		h.metrics.RecordCounterReset()
		h.logger.Info("engine counter reset detected", "service", ev.Service)
	}
	delta := deltaIn + deltaOut
	if delta <= 0 {
		return o.userID, 0
	}

	if err := h.store.AddTraffic(ctx, o.userID, o.ruleID, delta); err != nil {
		h.logger.Error("failed to record traffic",
			"service", ev.Service,
			"user_id", o.userID,
			"rule_id", o.ruleID,
			"bytes", delta,
			"error", err,
		)
		h.metrics.RecordObserverDrop("store_error")
		return o.userID, 0
	}
	h.cache.AddUsage(o.userID, delta)
	h.metrics.RecordTraffic(ev.Service, "in", deltaIn)
	h.metrics.RecordTraffic(ev.Service, "out", deltaOut)
	return o.userID, delta
}

// resolvePort finds the owner of port through the cache, falling back to
// the store for rules deactivated since the last snapshot.
func (h *Handlers) resolvePort(ctx context.Context, port int) (owner, bool) {
	if m, ok := h.cache.Mapping(port); ok {
		return owner{userID: m.UserID, ruleID: m.RuleID}, true
	}
	rule, err := h.store.FindRule(ctx, port)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Warn("rule lookup failed", "port", port, "error", err)
		}
		return owner{}, false
	}
	return owner{userID: rule.OwnerUserID, ruleID: rule.ID}, true
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.Debug("invalid callback body", "path", r.URL.Path, "error", err)
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
