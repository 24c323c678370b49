// Package tracing wires OpenTelemetry tracing for the control plane.
//
// New installs an OTLP/gRPC exporter behind a parent-based ratio sampler and
// registers the W3C trace context and baggage propagators globally. Packages
// that trace their work declare a package-level tracer with otel.Tracer, so
// they export once New has run and stay noop otherwise.
//
// Configuration:
//
//	telemetry:
//	  tracing:
//	    enabled: true
//	    endpoint: localhost:4317
//	    insecure: true
//	    sample_ratio: 0.1
//	    service_name: porthaul-controlplane
//
// HTTPMiddleware continues an incoming traceparent and opens one server span
// per request, named after the matched route pattern:
//
//	handler = tracing.HTTPMiddleware(provider.Tracer("porthaul/controlplane/http"))(mux)
package tracing
