package metrics

import (
	"porthaul/controlplane/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// CacheMetrics covers the in-process user and port caches.
//
// Metrics:
//   - porthaul_controlplane_cache_hits_total{cache}
//   - porthaul_controlplane_cache_misses_total{cache}
//   - porthaul_controlplane_cache_entries{cache}
//   - porthaul_controlplane_cache_invalidations_total{target,reason}
type CacheMetrics struct {
	hits          *prometheus.CounterVec
	misses        *prometheus.CounterVec
	entries       *prometheus.GaugeVec
	invalidations *prometheus.CounterVec
}

// NewCacheMetrics registers the cache series on registry.
func NewCacheMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *CacheMetrics {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	cm := &CacheMetrics{
		hits:    counter("cache_hits_total", "User and port cache hits", "cache"),
		misses:  counter("cache_misses_total", "User and port cache misses that fell through to the store", "cache"),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "cache_entries",
			Help:      "Entries installed by the last snapshot read",
		}, []string{"cache"}),
		invalidations: counter("cache_invalidations_total", "Targeted invalidations by target and reason", "target", "reason"),
	}
	registry.MustRegister(cm.hits, cm.misses, cm.entries, cm.invalidations)
	return cm
}

func (cm *CacheMetrics) RecordHit(cache string)  { cm.hits.WithLabelValues(cache).Inc() }
func (cm *CacheMetrics) RecordMiss(cache string) { cm.misses.WithLabelValues(cache).Inc() }

// UpdateSize sets the entry gauge for cache.
func (cm *CacheMetrics) UpdateSize(cache string, size int) {
	cm.entries.WithLabelValues(cache).Set(float64(size))
}

// RecordInvalidation counts one invalidation. reason comes from the
// coordinator's fixed Reason* constants.
func (cm *CacheMetrics) RecordInvalidation(target, reason string) {
	cm.invalidations.WithLabelValues(target, reason).Inc()
}
