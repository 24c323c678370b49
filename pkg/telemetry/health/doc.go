// Package health serves the liveness, readiness and version probes.
//
// Liveness answers 200 while the process can serve HTTP. Readiness runs the
// registered component checks concurrently, each bounded by the configured
// timeout, and answers 503 when any of them fails:
//
//	checker := health.New(cfg.Telemetry.Health.CheckTimeout)
//	checker.RegisterCheck("store", health.StoreCheck(st))
//	checker.RegisterCheck("snapshot", health.SnapshotCheck(snap, cfg.Telemetry.Health.MaxSnapshotAge))
//	checker.Register(mux, cfg.Telemetry.Health, version, commit)
//
// Readiness response:
//
//	{
//	    "status": "degraded",
//	    "checks": {
//	        "store": {"status": "ok", "duration_ms": 0.4},
//	        "snapshot": {"status": "unhealthy", "message": "no snapshot installed", "duration_ms": 0}
//	    },
//	    "timestamp": "2026-03-01T10:30:00Z"
//	}
package health
