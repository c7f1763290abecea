// Package secrets resolves secret:// references in step parameters at
// execution time. Resolved material is handed to the invoker and never
// persisted; run snapshots keep the unresolved reference.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// SecretPrefix is the URI scheme used in parameter values to reference
// secrets.
const SecretPrefix = "secret://"

// Common errors.
var (
	ErrNotFound     = errors.New("secrets: secret not found")
	ErrInvalidKey   = errors.New("secrets: invalid key")
	ErrProviderInit = errors.New("secrets: provider initialization failed")
)

// Provider is a read-only secret backend.
type Provider interface {
	// Name returns the provider identifier.
	Name() string
	// Get retrieves a secret value by key.
	Get(ctx context.Context, key string) (string, error)
}

// --- Environment Variable Provider ---

// EnvProvider reads secrets from environment variables. Keys are uppercased
// with dots replaced by underscores: "slack.token" becomes "SLACK_TOKEN".
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates an environment variable secret provider. A non-empty
// prefix is prepended to every lookup.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	if p.prefix != "" {
		envKey = strings.ToUpper(p.prefix) + envKey
	}
	val, ok := os.LookupEnv(envKey)
	if !ok {
		return "", fmt.Errorf("%w: env var %s", ErrNotFound, envKey)
	}
	return val, nil
}

// --- File Provider ---

// FileProvider reads secrets from files in a directory: the file name is the
// key, the content the value. Compatible with Kubernetes secret volume
// mounts.
type FileProvider struct {
	dir string
}

// NewFileProvider creates a file-based secret provider rooted at dir.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Get(_ context.Context, key string) (string, error) {
	if key == "" || strings.Contains(key, "/") || strings.Contains(key, "..") {
		return "", ErrInvalidKey
	}
	data, err := os.ReadFile(p.dir + "/" + key)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", fmt.Errorf("secrets: failed to read %s: %w", key, err)
	}
	return strings.TrimRight(string(data), "\n\r"), nil
}

// --- Resolver ---

// Resolver resolves secret:// references and logs every access with the
// purpose it was requested for. Values are never logged.
type Resolver struct {
	provider Provider
	logger   *slog.Logger
}

// NewResolver creates a resolver backed by the given provider.
func NewResolver(provider Provider, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{provider: provider, logger: logger}
}

// Resolve replaces a secret:// value with the secret material. Values without
// the prefix pass through unchanged. The purpose identifies the accessor, for
// example "run 7f3a step notify".
func (r *Resolver) Resolve(ctx context.Context, value, purpose string) (string, error) {
	if !strings.HasPrefix(value, SecretPrefix) {
		return value, nil
	}
	key := strings.TrimPrefix(value, SecretPrefix)

	secret, err := r.provider.Get(ctx, key)
	if err != nil {
		r.logger.Warn("secret access failed",
			"provider", r.provider.Name(), "key", key, "purpose", purpose, "error", err)
		return "", err
	}
	r.logger.Info("secret accessed",
		"provider", r.provider.Name(), "key", key, "purpose", purpose)
	return secret, nil
}

// ResolveParams resolves secret:// references in resolved step parameters,
// descending into nested maps. The input is not mutated.
func (r *Resolver) ResolveParams(ctx context.Context, params map[string]any, purpose string) (map[string]any, error) {
	result := make(map[string]any, len(params))
	for k, v := range params {
		switch val := v.(type) {
		case string:
			resolved, err := r.Resolve(ctx, val, purpose)
			if err != nil {
				return nil, fmt.Errorf("secrets: resolving %q: %w", k, err)
			}
			result[k] = resolved
		case map[string]any:
			resolved, err := r.ResolveParams(ctx, val, purpose)
			if err != nil {
				return nil, err
			}
			result[k] = resolved
		default:
			result[k] = v
		}
	}
	return result, nil
}
