package provider

import (
	"fmt"
	"sync"
)

// Registry manages registered dynamic secret providers keyed by type
// name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider under typeName.
func (r *Registry) Register(typeName string, p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[typeName]; exists {
		return fmt.Errorf("%w: %s", ErrProviderAlreadyRegistered, typeName)
	}

	r.providers[typeName] = p
	return nil
}

// GetByType retrieves a provider by its type name.
func (r *Registry) GetByType(typeName string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.providers[typeName]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, typeName)
	}

	return p, nil
}

// ListTypes returns all registered provider type names.
func (r *Registry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// HasType checks if a provider is registered with the given type name.
func (r *Registry) HasType(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.providers[typeName]
	return exists
}

// FactoryRegistry manages registered rotation factories keyed by type
// name.
type FactoryRegistry struct {
	mu        sync.RWMutex
	factories map[string]RotationFactory
}

// NewFactoryRegistry creates an empty rotation factory registry.
func NewFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{
		factories: make(map[string]RotationFactory),
	}
}

// Register adds a rotation factory under typeName.
func (r *FactoryRegistry) Register(typeName string, f RotationFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typeName]; exists {
		return fmt.Errorf("%w: %s", ErrFactoryAlreadyRegistered, typeName)
	}

	r.factories[typeName] = f
	return nil
}

// GetByType retrieves a rotation factory by its type name.
func (r *FactoryRegistry) GetByType(typeName string) (RotationFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, exists := r.factories[typeName]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrFactoryNotFound, typeName)
	}

	return f, nil
}

// ListTypes returns all registered factory type names.
func (r *FactoryRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// HasType checks if a factory is registered with the given type name.
func (r *FactoryRegistry) HasType(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.factories[typeName]
	return exists
}
