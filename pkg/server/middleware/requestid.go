package middleware

import (
	"context"
	"net/http"

	"porthaul/controlplane/pkg/telemetry/logging"

	"github.com/google/uuid"
)

// RequestIDHeader carries the correlation id in both directions.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLen = 128

// RequestID tags the request with an id, echoing the caller's when it is
// present and at most 128 bytes.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

// GetRequestID is logging.GetRequestID, re-exported for handlers that only
// import this package.
func GetRequestID(ctx context.Context) string {
	return logging.GetRequestID(ctx)
}
