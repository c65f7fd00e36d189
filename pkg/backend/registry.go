// Package backend provides a registry of named exchange backends so the
// CLI can pick one by configuration without knowing how it is built.
package backend

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/chriscow/voice-session-go/pkg/config"
	"github.com/chriscow/voice-session-go/pkg/exchange"
)

// Backend is a constructed exchange backend.
type Backend struct {
	Name      string
	Exchanger exchange.Exchanger
	// Alarms is nil when the backend has no alarm endpoint.
	Alarms exchange.AlarmSource
}

// Factory builds a backend from configuration.
type Factory func(cfg *config.Config, logger *slog.Logger) (*Backend, error)

// Entry is a registered backend.
type Entry struct {
	Name        string
	Description string
	Factory     Factory
}

// Registry maps names to factories.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

var defaultRegistry = NewRegistry()

// Register adds a backend to the default registry. It panics on an empty
// name, a nil factory or a duplicate name.
func Register(name, description string, factory Factory) {
	defaultRegistry.Register(name, description, factory)
}

// Get looks up a factory in the default registry.
func Get(name string) (Factory, bool) {
	return defaultRegistry.Get(name)
}

// List returns the default registry's entries sorted by name.
func List() []*Entry {
	return defaultRegistry.List()
}

// Open builds the named backend from the default registry.
func Open(name string, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	return defaultRegistry.Open(name, cfg, logger)
}

// Register adds a backend to r.
func (r *Registry) Register(name, description string, factory Factory) {
	if name == "" {
		panic("backend name cannot be empty")
	}
	if factory == nil {
		panic("backend factory cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		panic(fmt.Sprintf("backend %s already registered", name))
	}
	r.entries[name] = &Entry{Name: name, Description: description, Factory: factory}
}

// Get returns the factory registered under name.
func (r *Registry) Get(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.Factory, true
}

// List returns all entries sorted by name.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Open builds the named backend.
func (r *Registry) Open(name string, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	factory, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (available: %s)", name, strings.Join(r.names(), ", "))
	}
	if logger == nil {
		logger = slog.Default()
	}
	b, err := factory(cfg, logger.With("backend", name))
	if err != nil {
		return nil, fmt.Errorf("create backend %s: %w", name, err)
	}
	b.Name = name
	return b, nil
}

func (r *Registry) names() []string {
	var names []string
	for _, e := range r.List() {
		names = append(names, e.Name)
	}
	return names
}
