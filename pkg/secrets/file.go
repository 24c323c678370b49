package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// FileProvider loads secrets from individual files in a directory. Each
// file holds one secret; surrounding whitespace is trimmed.
type FileProvider struct {
	BasePath string
}

// NewFileProvider creates a provider over basePath, which must be a
// directory.
func NewFileProvider(basePath string) (*FileProvider, error) {
	info, err := os.Stat(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("secrets path is not a directory: %s", basePath)
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve secrets dir: %w", err)
	}
	return &FileProvider{BasePath: abs}, nil
}

// GetSecret implements Provider. The file must be a regular file inside
// BasePath with mode 0600 or 0400.
func (p *FileProvider) GetSecret(ctx context.Context, name string) (string, error) {
	path, err := p.path(name)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: no file for %s", ErrNotFound, name)
		}
		return "", fmt.Errorf("failed to stat secret file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("secret path is not a regular file: %s", name)
	}
	if mode := info.Mode().Perm(); mode != 0o600 && mode != 0o400 {
		return "", fmt.Errorf("insecure permissions on %s: %o (expected 0600 or 0400)", path, mode)
	}

	// #nosec G304 - path is confined to BasePath above
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Name implements Provider.
func (p *FileProvider) Name() string { return "file" }

// Supports implements Provider. Only names with a file present are
// supported, so lookups fall through to the next provider.
func (p *FileProvider) Supports(name string) bool {
	path, err := p.path(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// path resolves name inside BasePath. Symlinks and ".." components are
// evaluated as if BasePath were the filesystem root, so the result never
// leaves it.
func (p *FileProvider) path(name string) (string, error) {
	path, err := securejoin.SecureJoin(p.BasePath, name)
	if err != nil {
		return "", fmt.Errorf("invalid secret name %q: %w", name, err)
	}
	if path == p.BasePath {
		return "", fmt.Errorf("invalid secret name %q", name)
	}
	return path, nil
}
