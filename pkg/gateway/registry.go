package gateway

import (
	"fmt"
	"sort"
	"sync"
)

// Factory creates a gateway from configuration.
type Factory func(cfg Config) (Gateway, error)

// Registry holds the known gateway factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// DefaultRegistry is the process-wide registry gateways register with from init().
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name, replacing any existing one.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates the gateway registered under name.
func (r *Registry) Create(name string, cfg Config) (Gateway, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown gateway: %s", name)
	}
	return factory(cfg)
}

// List returns the registered gateway names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds a factory to the default registry.
func Register(name string, factory Factory) {
	DefaultRegistry.Register(name, factory)
}

// Create instantiates a gateway from the default registry.
func Create(name string, cfg Config) (Gateway, error) {
	return DefaultRegistry.Create(name, cfg)
}
