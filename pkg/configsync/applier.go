package configsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Applier delivers a rendered config to the engine.
type Applier interface {
	// Apply installs the config. data is the canonical YAML of cfg.
	Apply(ctx context.Context, cfg *EngineConfig, data []byte) error

	// Name identifies the applier in logs.
	Name() string
}

// HashReader is implemented by appliers that can report the hash of the
// config the engine currently runs, so a restart does not re-apply it.
type HashReader interface {
	CurrentHash() (string, error)
}

// NopApplier discards every config.
type NopApplier struct{}

func (NopApplier) Apply(context.Context, *EngineConfig, []byte) error { return nil }
func (NopApplier) Name() string                                        { return "none" }

// FileApplier writes the YAML atomically and optionally asks the engine to
// reload it.
type FileApplier struct {
	Path      string
	ReloadURL string
	Client    *http.Client
}

// NewFileApplier creates a file applier.
func NewFileApplier(path, reloadURL string, timeout time.Duration) *FileApplier {
	return &FileApplier{
		Path:      path,
		ReloadURL: reloadURL,
		Client:    &http.Client{Timeout: timeout},
	}
}

// Name implements Applier.
func (a *FileApplier) Name() string { return "file" }

// Apply implements Applier.
func (a *FileApplier) Apply(ctx context.Context, _ *EngineConfig, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(a.Path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(a.Path), "."+filepath.Base(a.Path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close config: %w", err)
	}
	if err := os.Rename(tmpName, a.Path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename config: %w", err)
	}

	if a.ReloadURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.ReloadURL, nil)
	if err != nil {
		return fmt.Errorf("build reload request: %w", err)
	}
	return do(a.Client, req)
}

// CurrentHash implements HashReader.
func (a *FileApplier) CurrentHash() (string, error) {
	data, err := os.ReadFile(a.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return Hash(data), nil
}

// HTTPApplier PUTs the config as JSON to the engine's config API.
type HTTPApplier struct {
	URL      string
	Username string
	Password string
	Client   *http.Client
}

// NewHTTPApplier creates an HTTP applier.
func NewHTTPApplier(url, username, password string, timeout time.Duration) *HTTPApplier {
	return &HTTPApplier{
		URL:      url,
		Username: username,
		Password: password,
		Client:   &http.Client{Timeout: timeout},
	}
}

// Name implements Applier.
func (a *HTTPApplier) Name() string { return "http" }

// Apply implements Applier.
func (a *HTTPApplier) Apply(ctx context.Context, cfg *EngineConfig, _ []byte) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode engine config: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, a.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build apply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.Username != "" {
		req.SetBasicAuth(a.Username, a.Password)
	}
	return do(a.Client, req)
}

func do(client *http.Client, req *http.Request) error {
	if client == nil {
		client = http.DefaultClient
	}
	otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL, resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
