package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/lingorelay/internal/usage"
	"github.com/MrWong99/lingorelay/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps names to constructor functions for upstream providers and
// usage stores. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	s2s    map[string]func(ProviderEntry) (s2s.Provider, error)
	stores map[UsageStore]func(UsageConfig) (usage.Store, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		s2s:    make(map[string]func(ProviderEntry) (s2s.Provider, error)),
		stores: make(map[UsageStore]func(UsageConfig) (usage.Store, error)),
	}
}

// RegisterS2S registers an upstream provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterS2S(name string, factory func(ProviderEntry) (s2s.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = factory
}

// RegisterUsageStore registers a usage store factory under name.
func (r *Registry) RegisterUsageStore(name UsageStore, factory func(UsageConfig) (usage.Store, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[name] = factory
}

// CreateS2S instantiates an upstream provider using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if there is none.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.s2s[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: s2s/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateUsageStore instantiates the usage store selected by cfg.Store.
func (r *Registry) CreateUsageStore(cfg UsageConfig) (usage.Store, error) {
	r.mu.RLock()
	factory, ok := r.stores[cfg.Store]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: usage/%q", ErrProviderNotRegistered, cfg.Store)
	}
	return factory(cfg)
}

// Names returns the sorted registered names per kind ("s2s", "usage").
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string][]string{}
	for name := range r.s2s {
		out["s2s"] = append(out["s2s"], name)
	}
	for name := range r.stores {
		out["usage"] = append(out["usage"], string(name))
	}
	for k := range out {
		slices.Sort(out[k])
	}
	return out
}
