package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"porthaul/controlplane/pkg/config"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fixedAge struct {
	age time.Duration
	ok  bool
}

func (a fixedAge) Age() (time.Duration, bool) { return a.age, a.ok }

func TestCheckReadiness(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]CheckFunc
		want   string
		failed []string
	}{
		{
			name:   "no checks",
			checks: nil,
			want:   StatusReady,
		},
		{
			name: "all healthy",
			checks: map[string]CheckFunc{
				"store":    StoreCheck(pingFunc(func(context.Context) error { return nil })),
				"snapshot": SnapshotCheck(fixedAge{age: time.Second, ok: true}, time.Minute),
			},
			want: StatusReady,
		},
		{
			name: "store down",
			checks: map[string]CheckFunc{
				"store":    StoreCheck(pingFunc(func(context.Context) error { return errors.New("refused") })),
				"snapshot": SnapshotCheck(fixedAge{age: time.Second, ok: true}, time.Minute),
			},
			want:   StatusDegraded,
			failed: []string{"store"},
		},
		{
			name: "snapshot missing and stale",
			checks: map[string]CheckFunc{
				"missing": SnapshotCheck(fixedAge{}, time.Minute),
				"stale":   SnapshotCheck(fixedAge{age: time.Hour, ok: true}, time.Minute),
				"nolimit": SnapshotCheck(fixedAge{age: time.Hour, ok: true}, 0),
			},
			want:   StatusDegraded,
			failed: []string{"missing", "stale"},
		},
		{
			name: "panicking check",
			checks: map[string]CheckFunc{
				"bad": func(context.Context) error { panic("boom") },
			},
			want:   StatusDegraded,
			failed: []string{"bad"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(time.Second)
			for name, fn := range tt.checks {
				c.RegisterCheck(name, fn)
			}
			got := c.CheckReadiness(context.Background())
			if got.Status != tt.want {
				t.Errorf("Status = %q, want %q (checks %+v)", got.Status, tt.want, got.Checks)
			}
			for _, name := range tt.failed {
				if got.Checks[name].Status != StatusUnhealthy {
					t.Errorf("check %q = %+v, want unhealthy", name, got.Checks[name])
				}
			}
			if len(got.Checks) != len(tt.checks) {
				t.Errorf("len(Checks) = %d, want %d", len(got.Checks), len(tt.checks))
			}
		})
	}
}

func TestCheckReadiness_Timeout(t *testing.T) {
	c := New(20 * time.Millisecond)
	c.RegisterCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	got := c.CheckReadiness(context.Background())
	if got.Checks["slow"].Status != StatusUnhealthy {
		t.Errorf("slow check = %+v, want unhealthy", got.Checks["slow"])
	}
}

func TestRegisterAndUnregister(t *testing.T) {
	c := New(0)
	c.RegisterCheck("b", func(context.Context) error { return nil })
	c.RegisterCheck("a", func(context.Context) error { return nil })
	if got := c.ListChecks(); len(got) != 2 || got[0] != "a" {
		t.Errorf("ListChecks() = %v", got)
	}
	c.UnregisterCheck("a")
	if got := c.ListChecks(); len(got) != 1 || got[0] != "b" {
		t.Errorf("ListChecks() = %v", got)
	}
}

func TestRegister_Endpoints(t *testing.T) {
	c := New(time.Second)
	healthy := true
	c.RegisterCheck("store", StoreCheck(pingFunc(func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("down")
	})))

	mux := http.NewServeMux()
	c.Register(mux, config.HealthConfig{LivenessPath: "/livez", ReadinessPath: "/readyz"}, "1.2.3", "abc")

	tests := []struct {
		path    string
		healthy bool
		code    int
		status  string
	}{
		{"/livez", false, http.StatusOK, StatusOK},
		{"/readyz", true, http.StatusOK, StatusReady},
		{"/readyz", false, http.StatusServiceUnavailable, StatusDegraded},
	}
	for _, tt := range tests {
		healthy = tt.healthy
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if w.Code != tt.code {
			t.Errorf("%s (healthy=%v) code = %d, want %d", tt.path, tt.healthy, w.Code, tt.code)
		}
		var body HealthStatus
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode %s: %v", tt.path, err)
		}
		if body.Status != tt.status {
			t.Errorf("%s status = %q, want %q", tt.path, body.Status, tt.status)
		}
	}

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/version", nil))
	var info VersionInfo
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if info.Version != "1.2.3" || info.Commit != "abc" || info.GoVersion == "" {
		t.Errorf("version = %+v", info)
	}
}

func TestRateLimitedHandler(t *testing.T) {
	h := RateLimitedHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), 2)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}

	unlimited := RateLimitedHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), 0)
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		unlimited.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("unlimited request %d code = %d", i, w.Code)
		}
	}
}
