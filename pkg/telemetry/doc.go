// Package telemetry groups the control plane's observability packages.
//
//   - logging: log/slog setup with request and trace IDs and credential masking
//   - metrics: Prometheus collectors for auth, quota, snapshot and sync
//   - tracing: OpenTelemetry provider, OTLP export and HTTP span middleware
//   - health: liveness, readiness and version probes
//
// Each subpackage is configured from the telemetry section of the config
// file and wired together by the app package.
package telemetry
