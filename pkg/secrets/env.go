package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider loads secrets from environment variables.
//
// The secret "db-password" with prefix "PORTHAUL_SECRET_" is read from
// PORTHAUL_SECRET_DB_PASSWORD.
type EnvProvider struct {
	Prefix string

	getenv func(string) string
}

// NewEnvProvider creates an environment provider reading prefix-ed variables.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{Prefix: prefix, getenv: os.Getenv}
}

// GetSecret implements Provider.
func (p *EnvProvider) GetSecret(ctx context.Context, name string) (string, error) {
	envVar := p.envVar(name)
	value := p.getenv(envVar)
	if value == "" {
		return "", fmt.Errorf("%w in environment: %s (env var: %s)", ErrNotFound, name, envVar)
	}
	return value, nil
}

// Name implements Provider.
func (p *EnvProvider) Name() string { return "env" }

// Supports implements Provider. Any name may be set in the environment.
func (p *EnvProvider) Supports(name string) bool { return true }

func (p *EnvProvider) envVar(name string) string {
	return p.Prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}
