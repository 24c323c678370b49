package secrets

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a provider does not hold the secret.
var ErrNotFound = errors.New("secret not found")

// Provider retrieves secrets from one backend.
type Provider interface {
	// GetSecret returns the value of name, or an error wrapping ErrNotFound.
	GetSecret(ctx context.Context, name string) (string, error)

	// Name identifies the backend in logs ("env", "file").
	Name() string

	// Supports reports whether the provider may hold name.
	Supports(name string) bool
}
