package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry faults.
var (
	// ErrDuplicateExecutor indicates a second registration under one type name.
	ErrDuplicateExecutor = errors.New("executor type already registered")

	// ErrUnknownExecutor indicates a Create call for an unregistered type.
	ErrUnknownExecutor = errors.New("unknown executor type")
)

// Factory builds an executor from a node's raw configuration. The factory is
// called once per node, so expensive work like script compilation happens
// there rather than on every window.
type Factory func(config json.RawMessage) (Executor, error)

// Registry maps executor type names to factories. It is safe for concurrent
// use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under a type name.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return errors.New("executor type name is empty")
	}
	if factory == nil {
		return fmt.Errorf("executor %q has a nil factory", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateExecutor, name)
	}
	r.factories[name] = factory
	return nil
}

// Create builds an executor of the named type from config.
func (r *Registry) Create(name string, config json.RawMessage) (Executor, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExecutor, name)
	}

	executor, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("creating executor %q: %w", name, err)
	}
	return executor, nil
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
