package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"porthaul/controlplane/pkg/config"
)

// refPattern matches ${secret:name}.
var refPattern = regexp.MustCompile(`\$\{secret:([^}]+)\}`)

// Manager tries providers in order until one returns the secret.
type Manager struct {
	providers []Provider
	logger    *slog.Logger
}

// NewManager creates a manager over providers.
func NewManager(providers ...Provider) *Manager {
	return &Manager{
		providers: providers,
		logger:    slog.Default().With("component", "secrets"),
	}
}

// FromConfig builds the file provider (when a directory is configured)
// followed by the environment provider.
func FromConfig(cfg config.SecretsConfig) (*Manager, error) {
	var providers []Provider
	if cfg.Dir != "" {
		fp, err := NewFileProvider(cfg.Dir)
		if err != nil {
			return nil, err
		}
		providers = append(providers, fp)
	}
	providers = append(providers, NewEnvProvider(cfg.EnvPrefix))
	return NewManager(providers...), nil
}

// GetSecret returns the value from the first provider that has name.
func (m *Manager) GetSecret(ctx context.Context, name string) (string, error) {
	var lastErr error
	for _, p := range m.providers {
		if !p.Supports(name) {
			continue
		}
		value, err := p.GetSecret(ctx, name)
		if err != nil {
			m.logger.Debug("provider failed to get secret",
				"provider", p.Name(),
				"name", redactName(name),
				"error", err,
			)
			lastErr = err
			continue
		}
		return value, nil
	}
	if lastErr != nil {
		return "", fmt.Errorf("failed to get secret %q: %w", name, lastErr)
	}
	return "", fmt.Errorf("%w: %q (no provider supports it)", ErrNotFound, name)
}

// Resolve replaces every ${secret:name} in input. References that cannot
// be resolved are left as they are and reported in the joined error.
func (m *Manager) Resolve(ctx context.Context, input string) (string, error) {
	var errs []error
	out := refPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := refPattern.FindStringSubmatch(match)[1]
		value, err := m.GetSecret(ctx, name)
		if err != nil {
			errs = append(errs, err)
			return match
		}
		return value
	})
	return out, errors.Join(errs...)
}

// HasReference reports whether s contains a ${secret:...} reference.
func HasReference(s string) bool {
	return refPattern.MatchString(s)
}

// ResolveConfig resolves references in every secret-bearing field of cfg
// in place. Each failure names the config field it came from.
func (m *Manager) ResolveConfig(ctx context.Context, cfg *config.Config) error {
	fields := []struct {
		name string
		dst  *string
	}{
		{"database.dsn", &cfg.Database.DSN},
		{"callback.auth_secret", &cfg.Callback.AuthSecret},
		{"callback.token", &cfg.Callback.Token},
		{"admin.token", &cfg.Admin.Token},
		{"sync.engine_username", &cfg.Sync.EngineUsername},
		{"sync.engine_password", &cfg.Sync.EnginePassword},
	}

	var errs []error
	resolved := 0
	for _, f := range fields {
		if !HasReference(*f.dst) {
			continue
		}
		value, err := m.Resolve(ctx, *f.dst)
		if err != nil {
			errs = append(errs, &FieldError{Field: f.name, Err: err})
			continue
		}
		*f.dst = value
		resolved++
	}
	if resolved > 0 {
		m.logger.Debug("resolved secret references", "fields", resolved)
	}
	return errors.Join(errs...)
}

// FieldError ties a resolution failure to its config field.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Err.Error() }

func (e *FieldError) Unwrap() error { return e.Err }

// redactName keeps the first and last two characters of a secret name.
func redactName(name string) string {
	if len(name) <= 4 {
		return "***"
	}
	return name[:2] + "..." + name[len(name)-2:]
}
