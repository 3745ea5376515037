package config

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/toolrun/internal/analytics"
)

// ErrBackendNotRegistered is returned by [Registry.CreateBackend] when no
// factory has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: analytics backend not registered")

// BackendFactory builds an analytics backend from its configuration block.
type BackendFactory func(ctx context.Context, cfg AnalyticsConfig) (analytics.Backend, error)

// Registry maps analytics backend names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]BackendFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]BackendFactory)}
}

// DefaultRegistry returns a [Registry] with the memory, file and postgres
// backends registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterBackend(BackendMemory, func(context.Context, AnalyticsConfig) (analytics.Backend, error) {
		return analytics.NewMemoryBackend(), nil
	})
	r.RegisterBackend(BackendFile, func(_ context.Context, cfg AnalyticsConfig) (analytics.Backend, error) {
		return analytics.NewFileBackend(cfg.Dir)
	})
	r.RegisterBackend(BackendPostgres, func(ctx context.Context, cfg AnalyticsConfig) (analytics.Backend, error) {
		return analytics.NewPostgresBackend(ctx, cfg.PostgresDSN)
	})
	return r
}

// RegisterBackend registers an analytics backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterBackend(name string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = factory
}

// Backends returns the registered backend names in sorted order.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.backends))
}

// CreateBackend instantiates the backend registered under cfg.Backend.
// Returns [ErrBackendNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateBackend(ctx context.Context, cfg AnalyticsConfig) (analytics.Backend, error) {
	r.mu.RLock()
	factory, ok := r.backends[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, cfg.Backend)
	}
	b, err := factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create analytics backend %q: %w", cfg.Backend, err)
	}
	return b, nil
}
