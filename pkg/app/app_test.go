package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"porthaul/controlplane/pkg/callback"
	"porthaul/controlplane/pkg/config"
	"porthaul/controlplane/pkg/coordinator"
	"porthaul/controlplane/pkg/store"
)

func float64Ptr(v float64) *float64 { return &v }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Server.ListenAddress = "127.0.0.1:0"
	cfg.Snapshot.Dir = filepath.Join(dir, "snapshot")
	cfg.Snapshot.MinRefreshAge = 0
	cfg.Sync.Mode = "file"
	cfg.Sync.OutputPath = filepath.Join(dir, "gost.yaml")
	cfg.Sync.MinInterval = 0
	cfg.Callback.Token = "cb-token"
	cfg.Admin.Enabled = true
	cfg.Admin.Token = "admin-token"
	cfg.Coordinator.ResyncSchedule = ""
	cfg.Coordinator.HealthSchedule = ""
	return cfg
}

func seed(t *testing.T) (*store.MemoryStore, *store.User) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	tenant := &store.User{Username: "tenant", TrafficQuotaGB: float64Ptr(1)}
	if err := st.CreateUser(ctx, tenant); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	rule := &store.ForwardRule{Name: "web", SourcePort: 10001, TargetAddress: "10.0.0.1:80", Protocol: "tcp", OwnerUserID: tenant.ID, OperatorEnabled: true}
	if err := st.CreateRule(ctx, rule); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	return st, tenant
}

func request(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestApp_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	st, tenant := seed(t)

	a, err := New(context.Background(), cfg, Options{Version: "test", Store: st})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	}()
	h := a.Handler()

	// Startup installs the snapshot and renders the engine config.
	if _, ok := a.Cache.Mapping(10001); !ok {
		t.Fatal("port 10001 not mapped after Start")
	}
	waitFor(t, "engine config file", func() bool {
		data, err := os.ReadFile(cfg.Sync.OutputPath)
		return err == nil && strings.Contains(string(data), "forward-tcp-10001")
	})

	// Callbacks require the callback token.
	auth := callback.AuthRequest{Service: "forward-tcp-10001", Network: "tcp", Addr: "1.2.3.4:5"}
	if w := request(t, h, http.MethodPost, "/auth", "", auth); w.Code != http.StatusUnauthorized {
		t.Fatalf("/auth without token = %d, want 401", w.Code)
	}
	w := request(t, h, http.MethodPost, "/auth", "cb-token", auth)
	var authResp callback.AuthResponse
	if err := json.NewDecoder(w.Body).Decode(&authResp); err != nil {
		t.Fatalf("decode /auth: %v", err)
	}
	if w.Code != http.StatusOK || !authResp.OK {
		t.Fatalf("/auth = %d %+v, want admitted", w.Code, authResp)
	}

	// Usage past a lowered quota disables the rule; a traffic reset
	// restores it.
	if err := st.AddTraffic(context.Background(), tenant.ID, 0, 1<<20); err != nil {
		t.Fatalf("AddTraffic failed: %v", err)
	}
	w = request(t, h, http.MethodPut, "/internal/users/1/quota", "admin-token", coordinator.QuotaUpdateRequest{TrafficQuotaGB: 0.0005})
	if w.Code != http.StatusOK {
		t.Fatalf("quota update = %d: %s", w.Code, w.Body.String())
	}
	rule, err := st.FindRule(context.Background(), 10001)
	if err != nil {
		t.Fatalf("FindRule failed: %v", err)
	}
	if rule.DisableProvenance != store.ProvenanceQuotaExceeded {
		t.Fatalf("provenance after quota update = %q, want quota_exceeded", rule.DisableProvenance)
	}

	w = request(t, h, http.MethodPost, "/internal/users/1/reset-traffic", "admin-token", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reset-traffic = %d: %s", w.Code, w.Body.String())
	}
	rule, _ = st.FindRule(context.Background(), 10001)
	if rule.DisableProvenance != store.ProvenanceNone {
		t.Fatalf("provenance after reset = %q, want none", rule.DisableProvenance)
	}

	// Admin routes require the admin token.
	if w := request(t, h, http.MethodGet, "/internal/quota/1", "cb-token", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("/internal with callback token = %d, want 401", w.Code)
	}
	w = request(t, h, http.MethodGet, "/internal/quota/1", "admin-token", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("/internal/quota/1 = %d: %s", w.Code, w.Body.String())
	}

	// Probes and metrics are open.
	if w := request(t, h, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("/health = %d", w.Code)
	}
	if w := request(t, h, http.MethodGet, "/ready", "", nil); w.Code != http.StatusOK {
		t.Errorf("/ready = %d: %s", w.Code, w.Body.String())
	}
	w = request(t, h, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "porthaul_controlplane_") {
		t.Errorf("/metrics = %d, body missing namespace", w.Code)
	}
}

func TestApp_AdminDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admin.Enabled = false
	cfg.Telemetry.Metrics.Enabled = false
	st, _ := seed(t)

	a, err := New(context.Background(), cfg, Options{Store: st})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close(context.Background())

	if w := request(t, a.Handler(), http.MethodGet, "/internal/quota/1", "admin-token", nil); w.Code != http.StatusNotFound {
		t.Errorf("/internal with admin disabled = %d, want 404", w.Code)
	}
	if w := request(t, a.Handler(), http.MethodGet, "/metrics", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("/metrics with metrics disabled = %d, want 404", w.Code)
	}
}

func TestApp_ReadinessFailsWithoutSnapshot(t *testing.T) {
	cfg := testConfig(t)
	st, _ := seed(t)

	a, err := New(context.Background(), cfg, Options{Store: st})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close(context.Background())

	w := request(t, a.Handler(), http.MethodGet, "/ready", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("/ready before Start = %d, want 503", w.Code)
	}
}

func TestNewApplier(t *testing.T) {
	tests := []struct {
		mode    string
		name    string
		wantErr bool
	}{
		{"file", "file", false},
		{"http", "http", false},
		{"none", "none", false},
		{"", "none", false},
		{"ftp", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			ap, err := newApplier(config.SyncConfig{Mode: tt.mode, OutputPath: "x.yaml", EngineURL: "http://engine"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("newApplier() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && ap.Name() != tt.name {
				t.Errorf("Name() = %q, want %q", ap.Name(), tt.name)
			}
		})
	}
}

func TestNew_RejectsBadFirstEventPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Callback.FirstEventPolicy = "guess"
	st, _ := seed(t)
	if _, err := New(context.Background(), cfg, Options{Store: st}); err == nil {
		t.Fatal("New() should reject an unknown first event policy")
	}
}
