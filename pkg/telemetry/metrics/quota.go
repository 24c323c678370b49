package metrics

import (
	"porthaul/controlplane/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// QuotaMetrics tracks quota decisions and enforcement.
//
// Metrics:
//   - porthaul_controlplane_quota_decisions_total: decisions by reason and level
//   - porthaul_controlplane_quota_memo_total: memo hits and misses
//   - porthaul_controlplane_reconcile_rules_total: rules touched by the reconciler
type QuotaMetrics struct {
	decisionsTotal *prometheus.CounterVec
	memoTotal      *prometheus.CounterVec
	reconcileRules *prometheus.CounterVec
}

// NewQuotaMetrics creates and registers quota metrics with the provided registry.
func NewQuotaMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *QuotaMetrics {
	qm := &QuotaMetrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "quota_decisions_total",
				Help:      "Total number of quota decisions",
			},
			[]string{"reason", "level"},
		),

		memoTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "quota_memo_total",
				Help:      "Quota decision memo lookups",
			},
			[]string{"result"},
		),

		reconcileRules: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "reconcile_rules_total",
				Help:      "Rules examined by the quota reconciler by action",
			},
			[]string{"action"},
		),
	}

	registry.MustRegister(qm.decisionsTotal, qm.memoTotal, qm.reconcileRules)

	return qm
}

// RecordDecision records a decision and whether it came from the memo.
func (qm *QuotaMetrics) RecordDecision(reason, level string, memoHit bool) {
	qm.decisionsTotal.WithLabelValues(reason, level).Inc()
	if memoHit {
		qm.memoTotal.WithLabelValues("hit").Inc()
	} else {
		qm.memoTotal.WithLabelValues("miss").Inc()
	}
}

// RecordReconcile records reconcile actions.
func (qm *QuotaMetrics) RecordReconcile(action string, count int) {
	qm.reconcileRules.WithLabelValues(action).Add(float64(count))
}
