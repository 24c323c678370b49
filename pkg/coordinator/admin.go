package coordinator

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"porthaul/controlplane/pkg/configsync"
	"porthaul/controlplane/pkg/quota"
)

// Admin error types.
const (
	ErrorTypeInvalidRequest = "invalid_request_error"
	ErrorTypeNotFound       = "not_found"
	ErrorTypeServerError    = "server_error"
)

// ErrorResponse is the body of every failed admin request.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes an admin error.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// SyncRequest is the optional body of POST /internal/sync.
type SyncRequest struct {
	Trigger  string `json:"trigger"`
	Force    bool   `json:"force"`
	Priority int    `json:"priority"`
}

// QuotaUpdateRequest is the body of PUT /internal/users/{userID}/quota.
// A missing or non-positive quota removes it.
type QuotaUpdateRequest struct {
	TrafficQuotaGB float64 `json:"trafficQuotaGB"`
}

// Admin serves the operator routes under /internal.
type Admin struct {
	co     *Coordinator
	logger *slog.Logger
}

// NewAdmin creates the admin handlers.
func NewAdmin(co *Coordinator) *Admin {
	return &Admin{co: co, logger: slog.Default().With("component", "coordinator.admin")}
}

// Register mounts the admin routes on mux. wrap, when not nil, is applied
// to each handler.
func (a *Admin) Register(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(next http.Handler) http.Handler { return next }
	}
	mux.Handle("GET /internal/quota/{userID}", wrap(http.HandlerFunc(a.QuotaStatus)))
	mux.Handle("POST /internal/users/{userID}/reset-traffic", wrap(http.HandlerFunc(a.ResetTraffic)))
	mux.Handle("POST /internal/users/{userID}/invalidate", wrap(http.HandlerFunc(a.InvalidateUser)))
	mux.Handle("PUT /internal/users/{userID}/quota", wrap(http.HandlerFunc(a.UpdateQuota)))
	mux.Handle("POST /internal/ports/{port}/invalidate", wrap(http.HandlerFunc(a.InvalidatePort)))
	mux.Handle("POST /internal/sync", wrap(http.HandlerFunc(a.Sync)))
	mux.Handle("GET /internal/sync", wrap(http.HandlerFunc(a.SyncHistory)))
	mux.Handle("POST /internal/health", wrap(http.HandlerFunc(a.Health)))
}

// QuotaStatus handles GET /internal/quota/{userID}.
func (a *Admin) QuotaStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r)
	if !ok {
		return
	}
	status, err := a.co.GetQuotaStatus(r.Context(), id)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ResetTraffic handles POST /internal/users/{userID}/reset-traffic.
func (a *Admin) ResetTraffic(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r)
	if !ok {
		return
	}
	report, err := a.co.ResetTraffic(r.Context(), id)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// InvalidateUser handles POST /internal/users/{userID}/invalidate.
func (a *Admin) InvalidateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r)
	if !ok {
		return
	}
	a.co.InvalidateUser(r.Context(), id, ReasonAdmin)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"invalidated": true, "userId": id})
}

// UpdateQuota handles PUT /internal/users/{userID}/quota.
func (a *Admin) UpdateQuota(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r)
	if !ok {
		return
	}
	var req QuotaUpdateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorTypeInvalidRequest, "invalid JSON body")
		return
	}
	report, err := a.co.UpdateQuota(r.Context(), id, req.TrafficQuotaGB)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// InvalidatePort handles POST /internal/ports/{port}/invalidate.
func (a *Admin) InvalidatePort(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil || port < 1 || port > 65535 {
		writeError(w, http.StatusBadRequest, ErrorTypeInvalidRequest, "invalid port")
		return
	}
	a.co.InvalidatePort(r.Context(), port, ReasonAdmin)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"invalidated": true, "port": port})
}

// Sync handles POST /internal/sync. The body is optional; an empty one
// requests a non-forced sync.
func (a *Admin) Sync(w http.ResponseWriter, r *http.Request) {
	req := SyncRequest{Trigger: triggerAdmin}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, ErrorTypeInvalidRequest, "invalid JSON body")
		return
	}
	if req.Trigger == "" {
		req.Trigger = triggerAdmin
	}
	out, err := a.co.RequestSync(r.Context(), req.Trigger, req.Force, req.Priority)
	if err != nil && out.Status != configsync.StatusSkipped {
		a.logger.Warn("admin sync failed", "trigger", req.Trigger, "error", err)
		writeJSON(w, http.StatusBadGateway, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// SyncHistory handles GET /internal/sync.
func (a *Admin) SyncHistory(w http.ResponseWriter, r *http.Request) {
	history := a.co.SyncHistory()
	if history == nil {
		history = []configsync.Outcome{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": history})
}

// Health handles POST /internal/health by running the health job now.
func (a *Admin) Health(w http.ResponseWriter, r *http.Request) {
	report, err := a.co.CheckHealth(r.Context())
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *Admin) writeErr(w http.ResponseWriter, err error) {
	if errors.Is(err, quota.ErrUnknownUser) {
		writeError(w, http.StatusNotFound, ErrorTypeNotFound, err.Error())
		return
	}
	a.logger.Error("admin request failed", "error", err)
	writeError(w, http.StatusInternalServerError, ErrorTypeServerError, err.Error())
}

func pathUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("userID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, ErrorTypeInvalidRequest, "invalid user id")
		return 0, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Message: msg, Type: errType}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
