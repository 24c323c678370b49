// Package metrics provides Prometheus metrics collection for the porthaul
// control plane.
//
// # Metrics Categories
//
//   - Callback Metrics: auth, limiter and observer decisions and latency,
//     attributed traffic bytes, dropped observer events
//   - Quota Metrics: decisions by reason and level, memo hits, reconcile
//     actions
//   - Snapshot Metrics: refresh outcomes, lease contention, snapshot age
//   - Sync Metrics: config sync outcomes, apply latency, queue depth
//   - Cache Metrics: process-local cache hits, misses, sizes, invalidations
//
// # Usage
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	mux.Handle("/metrics", collector.Handler())
//
//	collector.RecordCallback("auth", "allow", 300*time.Microsecond)
//	collector.RecordSync("applied", "", 120*time.Millisecond)
//
// A nil *Collector is valid and records nothing, so components can be built
// without metrics in tests.
//
// # Cardinality Management
//
// Per-service labels on observer traffic are capped by a CardinalityLimiter;
// services beyond the cap are aggregated into "other". User IDs are never
// used as label values.
package metrics
