package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecorder() (*tracetest.SpanRecorder, trace.Tracer) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(rec),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	return rec, tp.Tracer("test")
}

func TestHTTPMiddleware_ContinuesRemoteTrace(t *testing.T) {
	rec, tracer := newRecorder()
	prop := propagation.TraceContext{}

	mux := http.NewServeMux()
	var inner string
	mux.HandleFunc("POST /auth", func(w http.ResponseWriter, r *http.Request) {
		inner = trace.SpanContextFromContext(r.Context()).TraceID().String()
		w.WriteHeader(http.StatusNoContent)
	})

	const traceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	req := httptest.NewRequest(http.MethodPost, "/auth", nil)
	req.Header.Set("traceparent", traceparent)

	// Extract uses the global propagator; decode through an explicit one
	// so the test does not depend on process-wide state.
	parentCtx := prop.Extract(context.Background(), propagation.HeaderCarrier(req.Header))
	req = req.WithContext(parentCtx)

	w := httptest.NewRecorder()
	HTTPMiddleware(tracer)(mux).ServeHTTP(w, req)

	if inner != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("handler trace ID = %q", inner)
	}
	if got := w.Header().Get(TraceIDHeader); got != inner {
		t.Errorf("%s = %q, want %q", TraceIDHeader, got, inner)
	}

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Name() != "POST /auth" {
		t.Errorf("span name = %q, want route pattern", s.Name())
	}
	if s.SpanKind() != trace.SpanKindServer {
		t.Errorf("span kind = %v", s.SpanKind())
	}
	if !hasIntAttr(s.Attributes(), "http.status_code", http.StatusNoContent) {
		t.Errorf("attributes = %v, want http.status_code=204", s.Attributes())
	}
}

func TestHTTPMiddleware_ServerErrorMarksSpan(t *testing.T) {
	rec, tracer := newRecorder()
	h := HTTPMiddleware(tracer)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status().Code)
	}
	if spans[0].Name() != http.MethodGet {
		t.Errorf("unrouted span name = %q, want method", spans[0].Name())
	}
}

func TestTraceID(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Errorf("TraceID(empty) = %q", got)
	}
	_, tracer := newRecorder()
	ctx, span := tracer.Start(context.Background(), "op")
	defer span.End()
	if got := TraceID(ctx); got != span.SpanContext().TraceID().String() {
		t.Errorf("TraceID = %q", got)
	}
}

func hasIntAttr(attrs []attribute.KeyValue, key string, want int) bool {
	for _, kv := range attrs {
		if string(kv.Key) == key && kv.Value.AsInt64() == int64(want) {
			return true
		}
	}
	return false
}
