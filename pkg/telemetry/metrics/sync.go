package metrics

import (
	"time"

	"porthaul/controlplane/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics tracks proxy engine config synchronization.
//
// Metrics:
//   - porthaul_controlplane_config_syncs_total: sync outcomes by status and reason
//   - porthaul_controlplane_config_sync_duration_seconds: render and apply latency
//   - porthaul_controlplane_config_sync_queue_depth: pending sync triggers
type SyncMetrics struct {
	syncsTotal   *prometheus.CounterVec
	syncDuration *prometheus.HistogramVec
	queueDepth   prometheus.Gauge
}

// NewSyncMetrics creates and registers sync metrics with the provided registry.
func NewSyncMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *SyncMetrics {
	sm := &SyncMetrics{
		syncsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "config_syncs_total",
				Help:      "Config sync outcomes",
			},
			[]string{"status", "reason"},
		),

		syncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "config_sync_duration_seconds",
				Help:      "Duration of config syncs in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"status"},
		),

		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "config_sync_queue_depth",
				Help:      "Number of distinct sync triggers waiting",
			},
		),
	}

	registry.MustRegister(sm.syncsTotal, sm.syncDuration, sm.queueDepth)

	return sm
}

// RecordSync records one sync outcome.
func (sm *SyncMetrics) RecordSync(status, reason string, duration time.Duration) {
	sm.syncsTotal.WithLabelValues(status, reason).Inc()
	sm.syncDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// SetQueueDepth records the queue depth.
func (sm *SyncMetrics) SetQueueDepth(depth int) {
	sm.queueDepth.Set(float64(depth))
}
