package metrics

import (
	"time"

	"porthaul/controlplane/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// CallbackMetrics tracks engine callback handling.
//
// Metrics:
//   - porthaul_controlplane_callbacks_total: callbacks by kind and result
//   - porthaul_controlplane_callback_duration_seconds: handler latency
//   - porthaul_controlplane_traffic_bytes_total: attributed bytes by service and direction
//   - porthaul_controlplane_observer_dropped_total: unattributed observer events
//   - porthaul_controlplane_counter_resets_total: cumulative counters seen going backwards
type CallbackMetrics struct {
	callbacksTotal   *prometheus.CounterVec
	callbackDuration *prometheus.HistogramVec
	trafficBytes     *prometheus.CounterVec
	droppedTotal     *prometheus.CounterVec
	counterResets    prometheus.Counter
}

// NewCallbackMetrics creates and registers callback metrics with the provided registry.
func NewCallbackMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *CallbackMetrics {
	cm := &CallbackMetrics{
		callbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "callbacks_total",
				Help:      "Total number of engine callbacks handled",
			},
			[]string{"kind", "result"},
		),

		callbackDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "callback_duration_seconds",
				Help:      "Duration of engine callback handling in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"kind"},
		),

		trafficBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "traffic_bytes_total",
				Help:      "Traffic bytes attributed to users from observer events",
			},
			[]string{"service", "direction"},
		),

		droppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "observer_dropped_total",
				Help:      "Observer events dropped because they could not be attributed",
			},
			[]string{"reason"},
		),

		counterResets: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "counter_resets_total",
				Help:      "Cumulative engine counters observed going backwards",
			},
		),
	}

	registry.MustRegister(
		cm.callbacksTotal,
		cm.callbackDuration,
		cm.trafficBytes,
		cm.droppedTotal,
		cm.counterResets,
	)

	return cm
}

// RecordCallback records one callback and its latency.
func (cm *CallbackMetrics) RecordCallback(kind, result string, duration time.Duration) {
	cm.callbacksTotal.WithLabelValues(kind, result).Inc()
	cm.callbackDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordTraffic adds attributed bytes.
func (cm *CallbackMetrics) RecordTraffic(service, direction string, bytes int64) {
	cm.trafficBytes.WithLabelValues(service, direction).Add(float64(bytes))
}

// RecordDrop records a dropped observer event.
func (cm *CallbackMetrics) RecordDrop(reason string) {
	cm.droppedTotal.WithLabelValues(reason).Inc()
}

// RecordCounterReset records a counter rollback.
func (cm *CallbackMetrics) RecordCounterReset() {
	cm.counterResets.Inc()
}
