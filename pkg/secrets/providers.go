package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvProvider reads secrets from environment variables.
type EnvProvider struct {
	prefix   string
	fallback map[string]string
}

// NewEnvProvider creates an env provider.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

// NewEnvProviderWithPrefix creates an env provider that tries prefix+KEY
// before KEY.
func NewEnvProviderWithPrefix(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

// NewEnvProviderWithFallback creates an env provider that consults vars,
// typically loaded from dotenv files, when the process environment has no
// value.
func NewEnvProviderWithFallback(vars map[string]string) *EnvProvider {
	return &EnvProvider{fallback: vars}
}

func (p *EnvProvider) Name() string {
	return "env"
}

// Get looks up key as given and in upper snake case (deployer-key becomes
// DEPLOYER_KEY).
func (p *EnvProvider) Get(ctx context.Context, key string) (string, error) {
	candidates := []string{key, envName(key)}
	if p.prefix != "" {
		candidates = append([]string{p.prefix + key, p.prefix + envName(key)}, candidates...)
	}
	for _, name := range candidates {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v, nil
		}
	}
	for _, name := range candidates {
		if v := p.fallback[name]; v != "" {
			return v, nil
		}
	}
	return "", ErrSecretNotFound
}

func envName(key string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(key))
}

// FileProvider reads a secret from a file, trimmed of surrounding
// whitespace. This is the .secret file convention of Hardhat projects.
type FileProvider struct {
	baseDir string
}

// NewFileProvider creates a file provider resolving relative paths against
// baseDir.
func NewFileProvider(baseDir string) *FileProvider {
	return &FileProvider{baseDir: baseDir}
}

func (p *FileProvider) Name() string {
	return "file"
}

func (p *FileProvider) Get(ctx context.Context, key string) (string, error) {
	path := key
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if !filepath.IsAbs(path) && p.baseDir != "" {
		path = filepath.Join(p.baseDir, path)
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, path)
	}
	if err != nil {
		return "", err
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", fmt.Errorf("%s is empty", path)
	}
	return value, nil
}
