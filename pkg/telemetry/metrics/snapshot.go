package metrics

import (
	"time"

	"porthaul/controlplane/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// SnapshotMetrics tracks the cross-process snapshot.
//
// Metrics:
//   - porthaul_controlplane_snapshot_refreshes_total: refresh attempts by result
//   - porthaul_controlplane_snapshot_refresh_duration_seconds: refresh latency
//   - porthaul_controlplane_snapshot_reads_total: reads by result
//   - porthaul_controlplane_snapshot_lock_total: lease lock outcomes
//   - porthaul_controlplane_snapshot_generated_timestamp_seconds: generation time of the installed snapshot
type SnapshotMetrics struct {
	refreshesTotal  *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	readsTotal      *prometheus.CounterVec
	lockTotal       *prometheus.CounterVec
	generated       prometheus.Gauge
}

// NewSnapshotMetrics creates and registers snapshot metrics with the provided registry.
func NewSnapshotMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *SnapshotMetrics {
	sm := &SnapshotMetrics{
		refreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "snapshot_refreshes_total",
				Help:      "Snapshot refresh attempts by result",
			},
			[]string{"result"},
		),

		refreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "snapshot_refresh_duration_seconds",
				Help:      "Duration of snapshot refreshes in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),

		readsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "snapshot_reads_total",
				Help:      "Snapshot reads by result",
			},
			[]string{"result"},
		),

		lockTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "snapshot_lock_total",
				Help:      "Snapshot lease lock outcomes",
			},
			[]string{"outcome"},
		),

		generated: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "snapshot_generated_timestamp_seconds",
				Help:      "Unix time at which the installed snapshot was generated",
			},
		),
	}

	registry.MustRegister(sm.refreshesTotal, sm.refreshDuration, sm.readsTotal, sm.lockTotal, sm.generated)

	return sm
}

// RecordRefresh records a refresh outcome.
func (sm *SnapshotMetrics) RecordRefresh(result string, duration time.Duration) {
	sm.refreshesTotal.WithLabelValues(result).Inc()
	sm.refreshDuration.Observe(duration.Seconds())
}

// RecordRead records a read outcome.
func (sm *SnapshotMetrics) RecordRead(result string) {
	sm.readsTotal.WithLabelValues(result).Inc()
}

// RecordLock records a lock outcome.
func (sm *SnapshotMetrics) RecordLock(outcome string) {
	sm.lockTotal.WithLabelValues(outcome).Inc()
}

// SetGeneration records the installed snapshot's generation time.
func (sm *SnapshotMetrics) SetGeneration(t time.Time) {
	sm.generated.Set(float64(t.UnixNano()) / 1e9)
}
