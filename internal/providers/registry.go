package providers

import (
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/agentcore/internal/apperr"
)

// Registry holds the configured set of providers, keyed by name, plus
// which one is the default (§6: llm.default_provider).
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]Provider
	defaultP string
}

// NewRegistry builds an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Provider)}
}

// Register installs p under p.ID(). The first provider registered
// becomes the default unless SetDefault is called explicitly.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[p.ID()] = p
	if r.defaultP == "" {
		r.defaultP = p.ID()
	}
}

// SetDefault designates the default provider by name.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; !ok {
		return fmt.Errorf("%w: provider %q not registered", apperr.ErrNotFound, name)
	}
	r.defaultP = name
	return nil
}

// Get returns the named provider, or the default if name is empty.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultP
	}
	p, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q not registered", apperr.ErrNotFound, name)
	}
	return p, nil
}
