// Package secrets resolves signer key references such as env:DEPLOYER_KEY,
// file:.secret or awssm:prod/deployer#private_key.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrSecretNotFound is returned when a provider has no value for a key.
var ErrSecretNotFound = errors.New("secret not found")

// Provider looks up secret values by key.
type Provider interface {
	// Name is the scheme used in references, e.g. "env".
	Name() string
	Get(ctx context.Context, key string) (string, error)
}

// Manager dispatches references to providers by scheme and caches results.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
	cache     *secretCache
}

// NewManager creates a manager with no providers.
func NewManager() *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		cache:     newSecretCache(),
	}
}

// DefaultManager creates a manager with the env, file and awssm providers.
// File references are resolved relative to baseDir.
func DefaultManager(baseDir string) *Manager {
	m := NewManager()
	m.RegisterProvider(NewEnvProvider())
	m.RegisterProvider(NewFileProvider(baseDir))
	m.RegisterProvider(NewAWSSecretsManagerProvider(AWSOptions{}))
	return m
}

// RegisterProvider adds p, replacing any provider with the same name.
func (m *Manager) RegisterProvider(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.Name()] = p
}

// Providers returns the registered scheme names in sorted order.
func (m *Manager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the value ref points to. A reference is <scheme>:<key>
// where scheme names a registered provider; anything else is returned as
// given, so an inline key still works.
func (m *Manager) Resolve(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty secret reference")
	}

	scheme, key, ok := strings.Cut(ref, ":")
	if !ok {
		return ref, nil
	}
	m.mu.RLock()
	p, known := m.providers[scheme]
	m.mu.RUnlock()
	if !known {
		return ref, nil
	}
	if key == "" {
		return "", fmt.Errorf("secret reference %q has no key", ref)
	}

	if v, ok := m.cache.get(ref); ok {
		return v, nil
	}
	v, err := p.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%s secret %q: %w", scheme, key, err)
	}
	m.cache.set(ref, v)
	return v, nil
}

// ClearCache drops every cached value.
func (m *Manager) ClearCache() {
	m.cache.clear()
}

type secretCache struct {
	mu     sync.RWMutex
	values map[string]string
}

func newSecretCache() *secretCache {
	return &secretCache{values: make(map[string]string)}
}

func (c *secretCache) get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

func (c *secretCache) set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

func (c *secretCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = make(map[string]string)
}
