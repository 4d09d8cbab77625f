package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/fulgencio/kiosk/pkg/store"
)

// ErrBackendNotRegistered is returned by [Registry.CreateStore] when no
// factory has been registered for the configured backend.
var ErrBackendNotRegistered = errors.New("config: storage backend not registered")

// StoreFactory builds a storage collaborator from its configuration.
type StoreFactory func(ctx context.Context, cfg StorageConfig) (store.Store, error)

// Registry maps storage backend names to constructors. It is safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	stores map[StorageBackend]StoreFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{stores: make(map[StorageBackend]StoreFactory)}
}

// RegisterStore registers factory under backend, replacing any previous one.
func (r *Registry) RegisterStore(backend StorageBackend, factory StoreFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[backend] = factory
}

// CreateStore builds the backend selected by cfg.Backend.
func (r *Registry) CreateStore(ctx context.Context, cfg StorageConfig) (store.Store, error) {
	r.mu.RLock()
	factory, ok := r.stores[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, cfg.Backend)
	}
	s, err := factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create %s store: %w", cfg.Backend, err)
	}
	return s, nil
}

// Backends lists the registered backend names in sorted order.
func (r *Registry) Backends() []StorageBackend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]StorageBackend, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
