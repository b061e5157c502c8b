package provider

import (
	"errors"
	"fmt"
	"sync"
)

// Registry holds provider instances keyed by descriptor name. It is read
// mostly after startup.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register validates p's configuration and adds it. An invalid provider is
// never added.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return errors.New("provider cannot be nil")
	}
	if err := p.ValidateConfig(); err != nil {
		if errors.Is(err, ErrConfigurationInvalid) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", ErrConfigurationInvalid, p.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("%w: %s", ErrProviderExists, name)
	}
	r.providers[name] = p
	r.order = append(r.order, name)
	return nil
}

// Replace swaps the whole provider set, used on reconfiguration. Nothing
// changes if any provider is invalid or names collide.
func (r *Registry) Replace(providers []Provider) error {
	next := NewRegistry()
	for _, p := range providers {
		if err := next.Register(p); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = next.providers
	r.order = next.order
	return nil
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return p, nil
}

// List returns the providers in registration order.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.providers[name])
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
