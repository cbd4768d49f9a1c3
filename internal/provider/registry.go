package provider

import (
	"sort"
	"sync"

	"github.com/bedah-kym/flowcore/pkg/schema"
)

// Registry is a thread-safe name-keyed set of capability providers,
// populated at startup and injected into the engine and router.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider to the registry. Returns error on duplicate name.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return schema.NewError(schema.ErrCodeValidation, "provider is nil")
	}
	name := p.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "provider name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "provider %q already registered", name)
	}

	r.providers[name] = p
	return nil
}

// Get retrieves a provider by capability name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "capability %q not registered", name)
	}
	return p, nil
}

// Has checks if a capability is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// Sensitive reports whether (capability, action) requires a policy check.
// Unknown capabilities are treated as sensitive so validation, not the
// engine, is the place that rejects them.
func (r *Registry) Sensitive(capability, action string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[capability]
	if !ok {
		return true
	}
	return p.Sensitive(action)
}

// List returns the registered capability names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
