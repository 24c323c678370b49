package metrics

import (
	"sync"
	"time"

	"porthaul/controlplane/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Collector is the main orchestrator for all Prometheus metrics in the
// control plane. It manages metric registration and provides a unified
// interface for recording metrics across all components.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry

	callbackMetrics *CallbackMetrics
	quotaMetrics    *QuotaMetrics
	snapshotMetrics *SnapshotMetrics
	syncMetrics     *SyncMetrics
	cacheMetrics    *CacheMetrics

	cardinalityLimiter *CardinalityLimiter
}

// NewCollector creates a new metrics collector with the specified configuration
// and Prometheus registry. If registry is nil, a fresh registry is created.
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if cfg == nil {
		cfg = &config.MetricsConfig{Enabled: true}
	}
	if cfg.Namespace == "" {
		cfg.Namespace = config.DefaultMetricsNamespace
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = config.DefaultMetricsSubsystem
	}
	if cfg.MaxServiceLabels == 0 {
		cfg.MaxServiceLabels = config.DefaultMaxServiceLabels
	}

	c := &Collector{
		config:             cfg,
		registry:           registry,
		cardinalityLimiter: NewCardinalityLimiter(cfg.MaxServiceLabels),
	}

	c.callbackMetrics = NewCallbackMetrics(cfg, registry)
	c.quotaMetrics = NewQuotaMetrics(cfg, registry)
	c.snapshotMetrics = NewSnapshotMetrics(cfg, registry)
	c.syncMetrics = NewSyncMetrics(cfg, registry)
	c.cacheMetrics = NewCacheMetrics(cfg, registry)

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

func (c *Collector) enabled() bool {
	return c != nil && c.config.Enabled
}

// RecordCallback records one engine callback.
//
// Parameters:
//   - kind: "auth", "limiter" or "observer"
//   - result: outcome label, e.g. "allow", "deny", "unlimited", "blocked", "ok"
//   - duration: handler latency
func (c *Collector) RecordCallback(kind, result string, duration time.Duration) {
	if !c.enabled() {
		return
	}
	c.callbackMetrics.RecordCallback(kind, result, duration)
}

// RecordTraffic records bytes attributed to a service.
func (c *Collector) RecordTraffic(service, direction string, bytes int64) {
	if !c.enabled() || bytes <= 0 {
		return
	}
	if !c.cardinalityLimiter.Allow(service) {
		service = "other"
	}
	c.callbackMetrics.RecordTraffic(service, direction, bytes)
}

// RecordObserverDrop records an observer event that could not be attributed.
func (c *Collector) RecordObserverDrop(reason string) {
	if !c.enabled() {
		return
	}
	c.callbackMetrics.RecordDrop(reason)
}

// RecordCounterReset records a cumulative counter that went backwards.
func (c *Collector) RecordCounterReset() {
	if !c.enabled() {
		return
	}
	c.callbackMetrics.RecordCounterReset()
}

// RecordDecision records a quota decision.
func (c *Collector) RecordDecision(reason, level string, memoHit bool) {
	if !c.enabled() {
		return
	}
	c.quotaMetrics.RecordDecision(reason, level, memoHit)
}

// RecordReconcile records reconcile actions.
//
// Parameters:
//   - action: "disabled", "restored" or "unchanged"
//   - count: number of rules
func (c *Collector) RecordReconcile(action string, count int) {
	if !c.enabled() || count <= 0 {
		return
	}
	c.quotaMetrics.RecordReconcile(action, count)
}

// RecordSnapshotRefresh records a refresh attempt and its outcome.
func (c *Collector) RecordSnapshotRefresh(result string, duration time.Duration) {
	if !c.enabled() {
		return
	}
	c.snapshotMetrics.RecordRefresh(result, duration)
}

// RecordSnapshotRead records a snapshot read outcome.
func (c *Collector) RecordSnapshotRead(result string) {
	if !c.enabled() {
		return
	}
	c.snapshotMetrics.RecordRead(result)
}

// RecordLock records a lease lock outcome ("acquired", "held", "broken").
func (c *Collector) RecordLock(outcome string) {
	if !c.enabled() {
		return
	}
	c.snapshotMetrics.RecordLock(outcome)
}

// SetSnapshotGeneration records when the installed snapshot was generated.
func (c *Collector) SetSnapshotGeneration(generatedAt time.Time) {
	if !c.enabled() {
		return
	}
	c.snapshotMetrics.SetGeneration(generatedAt)
}

// RecordSync records a config sync outcome.
//
// Parameters:
//   - status: "applied", "skipped" or "failed"
//   - reason: skip or failure reason, empty when applied
//   - duration: time spent rendering and applying
func (c *Collector) RecordSync(status, reason string, duration time.Duration) {
	if !c.enabled() {
		return
	}
	c.syncMetrics.RecordSync(status, reason, duration)
}

// SetSyncQueueDepth records the number of queued sync triggers.
func (c *Collector) SetSyncQueueDepth(depth int) {
	if !c.enabled() {
		return
	}
	c.syncMetrics.SetQueueDepth(depth)
}

// RecordCacheHit records a cache hit.
func (c *Collector) RecordCacheHit(cacheName string) {
	if !c.enabled() {
		return
	}
	c.cacheMetrics.RecordHit(cacheName)
}

// RecordCacheMiss records a cache miss.
func (c *Collector) RecordCacheMiss(cacheName string) {
	if !c.enabled() {
		return
	}
	c.cacheMetrics.RecordMiss(cacheName)
}

// UpdateCacheSize updates the current size of a cache.
func (c *Collector) UpdateCacheSize(cacheName string, size int) {
	if !c.enabled() {
		return
	}
	c.cacheMetrics.UpdateSize(cacheName, size)
}

// RecordInvalidation records a targeted invalidation ("user" or "port").
func (c *Collector) RecordInvalidation(target, reason string) {
	if !c.enabled() {
		return
	}
	c.cacheMetrics.RecordInvalidation(target, reason)
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// CardinalityLimiter prevents metric cardinality explosion by limiting
// the number of unique label values.
type CardinalityLimiter struct {
	maxCardinality int
	current        map[string]struct{}
	mu             sync.RWMutex
}

// NewCardinalityLimiter creates a new cardinality limiter with the specified
// maximum cardinality.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow checks if a label value is allowed. Returns true if the value
// already exists or if the limit has not been reached yet.
func (cl *CardinalityLimiter) Allow(labelSet string) bool {
	cl.mu.RLock()
	if _, exists := cl.current[labelSet]; exists {
		cl.mu.RUnlock()
		return true
	}
	cl.mu.RUnlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, exists := cl.current[labelSet]; exists {
		return true
	}
	if len(cl.current) >= cl.maxCardinality {
		return false
	}

	cl.current[labelSet] = struct{}{}
	return true
}

// Count returns the current cardinality.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}
