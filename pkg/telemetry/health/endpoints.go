package health

import (
	"encoding/json"
	"net/http"
	"runtime"

	"porthaul/controlplane/pkg/config"

	"golang.org/x/time/rate"
)

// VersionInfo is the body of the version endpoint.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if r.Method != http.MethodHead {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// LivenessHandler answers 200 while the process can serve HTTP.
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, c.CheckLiveness(r.Context()))
	}
}

// ReadinessHandler answers 200 when every check passes and 503 otherwise.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := c.CheckReadiness(r.Context())
		code := http.StatusOK
		if !status.Ready() {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, r, code, status)
	}
}

// VersionHandler reports build information.
func VersionHandler(version, commit string) http.HandlerFunc {
	info := VersionInfo{Version: version, Commit: commit, GoVersion: runtime.Version()}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, info)
	}
}

// Register mounts the liveness, readiness and version endpoints on mux at
// the configured paths. Readiness runs real checks and is rate limited.
func (c *Checker) Register(mux *http.ServeMux, cfg config.HealthConfig, version, commit string) {
	live := cfg.LivenessPath
	if live == "" {
		live = "/health"
	}
	ready := cfg.ReadinessPath
	if ready == "" {
		ready = "/ready"
	}
	mux.Handle("GET "+live, c.LivenessHandler())
	mux.Handle("GET "+ready, RateLimitedHandler(c.ReadinessHandler(), 10))
	mux.Handle("GET /version", VersionHandler(version, commit))
}

// RateLimitedHandler answers 429 once requests exceed requestsPerSecond,
// with a burst of the same size. A non-positive limit disables limiting.
func RateLimitedHandler(handler http.Handler, requestsPerSecond int) http.Handler {
	if requestsPerSecond <= 0 {
		return handler
	}
	limiter := rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "too many health check requests", http.StatusTooManyRequests)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
