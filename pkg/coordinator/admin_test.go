package coordinator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"porthaul/controlplane/pkg/configsync"
	"porthaul/controlplane/pkg/store"
)

func newAdminServer(t *testing.T, f *fixture) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewAdmin(f.co).Register(mux, nil)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	// plain-text mux errors leave out nil
	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestAdmin_QuotaStatus(t *testing.T) {
	f := newFixture(t, 900*mb, store.ProvenanceNone)
	srv := newAdminServer(t, f)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"known user", "/internal/quota/" + strconv.FormatInt(f.tenant.ID, 10), http.StatusOK},
		{"unknown user", "/internal/quota/999", http.StatusNotFound},
		{"bad id", "/internal/quota/abc", http.StatusBadRequest},
		{"negative id", "/internal/quota/-1", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodGet, srv.URL+tt.path, "")
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d (%v)", resp.StatusCode, tt.want, body)
			}
			if tt.want == http.StatusOK {
				d := body["decision"].(map[string]interface{})
				if d["level"] != "caution" || d["allowed"] != true {
					t.Errorf("decision = %v", d)
				}
			} else if _, ok := body["error"]; !ok {
				t.Errorf("expected error envelope, got %v", body)
			}
		})
	}
}

func TestAdmin_ResetTraffic(t *testing.T) {
	f := newFixture(t, 2*store.BytesPerGB, store.ProvenanceQuotaExceeded)
	srv := newAdminServer(t, f)

	resp, body := do(t, http.MethodPost, srv.URL+"/internal/users/"+strconv.FormatInt(f.tenant.ID, 10)+"/reset-traffic", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%v)", resp.StatusCode, body)
	}
	if body["restored"] != float64(1) {
		t.Errorf("report = %v", body)
	}

	resp, _ = do(t, http.MethodGet, srv.URL+"/internal/users/1/reset-traffic", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", resp.StatusCode)
	}
}

func TestAdmin_UpdateQuota(t *testing.T) {
	f := newFixture(t, 900*mb, store.ProvenanceNone)
	srv := newAdminServer(t, f)
	path := srv.URL + "/internal/users/" + strconv.FormatInt(f.tenant.ID, 10) + "/quota"

	resp, body := do(t, http.MethodPut, path, `{"trafficQuotaGB": 0.5}`)
	if resp.StatusCode != http.StatusOK || body["disabled"] != float64(1) {
		t.Errorf("status = %d body = %v", resp.StatusCode, body)
	}
	resp, _ = do(t, http.MethodPut, path, `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAdmin_Invalidate(t *testing.T) {
	f := newFixture(t, 0, store.ProvenanceNone)
	srv := newAdminServer(t, f)

	resp, body := do(t, http.MethodPost, srv.URL+"/internal/users/"+strconv.FormatInt(f.tenant.ID, 10)+"/invalidate", "")
	if resp.StatusCode != http.StatusAccepted || body["invalidated"] != true {
		t.Errorf("status = %d body = %v", resp.StatusCode, body)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/internal/ports/70000/invalidate", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/internal/ports/10001/invalidate", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
}

func TestAdmin_Sync(t *testing.T) {
	f := newFixture(t, 0, store.ProvenanceNone)
	srv := newAdminServer(t, f)

	resp, body := do(t, http.MethodPost, srv.URL+"/internal/sync", "")
	if resp.StatusCode != http.StatusOK || body["trigger"] != "admin" || body["status"] != "applied" {
		t.Errorf("empty body sync: status = %d body = %v", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, srv.URL+"/internal/sync", `{"trigger":"deploy","force":true,"priority":3}`)
	if resp.StatusCode != http.StatusOK || body["trigger"] != "deploy" || body["force"] != true {
		t.Errorf("sync: status = %d body = %v", resp.StatusCode, body)
	}
	if !f.syncer.has(syncCall{"deploy", true, 3}) {
		t.Errorf("calls = %+v", f.syncer.calls)
	}

	f.syncer.setOutcome(configsync.Outcome{Status: configsync.StatusFailed, Err: configsync.ErrApplyFailed, Error: "apply failed"})
	resp, _ = do(t, http.MethodPost, srv.URL+"/internal/sync", `{"force":true}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("failed sync status = %d, want 502", resp.StatusCode)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/internal/sync", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", resp.StatusCode)
	}
	history := body["history"].([]interface{})
	if len(history) != 3 {
		t.Errorf("history has %d entries, want 3", len(history))
	}
}

func TestAdmin_Health(t *testing.T) {
	f := newFixture(t, 0, store.ProvenanceNone)
	srv := newAdminServer(t, f)

	resp, body := do(t, http.MethodPost, srv.URL+"/internal/health", "")
	if resp.StatusCode != http.StatusOK || body["repaired"] != true {
		t.Errorf("status = %d body = %v", resp.StatusCode, body)
	}
}
