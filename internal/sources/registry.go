package sources

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"mobility_hub/internal/config"
)

// Factory builds a pull adapter from its source configuration.
type Factory func(cfg config.Source, log zerolog.Logger) (Adapter, error)

// PushFactory builds a push source from its source configuration.
type PushFactory func(cfg config.Source, log zerolog.Logger) (Pusher, error)

// Registry maps source names to adapter factories. Adapters register
// during init; the crawler binary selects the enabled ones from config.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	push      map[string]PushFactory
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		push:      make(map[string]PushFactory),
	}
}

var defaultRegistry = New()

// Default returns the global registry instance.
func Default() *Registry {
	return defaultRegistry
}

// Register adds a pull adapter factory to the default registry.
// Called during init() in each adapter package.
func Register(name string, f Factory) {
	defaultRegistry.Register(name, f)
}

// RegisterPush adds a push source factory to the default registry.
func RegisterPush(name string, f PushFactory) {
	defaultRegistry.RegisterPush(name, f)
}

// Register adds a pull adapter factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		panic(fmt.Sprintf("sources: duplicate adapter %q", name))
	}
	r.factories[name] = f
}

// RegisterPush adds a push source factory.
func (r *Registry) RegisterPush(name string, f PushFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.push[name]; dup {
		panic(fmt.Sprintf("sources: duplicate push source %q", name))
	}
	r.push[name] = f
}

// Build instantiates the named pull adapter.
func (r *Registry) Build(name string, cfg config.Source, log zerolog.Logger) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sources: unknown adapter %q", name)
	}
	return f(cfg, log)
}

// BuildPush instantiates the named push source.
func (r *Registry) BuildPush(name string, cfg config.Source, log zerolog.Logger) (Pusher, error) {
	r.mu.RLock()
	f, ok := r.push[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sources: unknown push source %q", name)
	}
	return f(cfg, log)
}

// Has reports whether name is registered, as either kind.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, pull := r.factories[name]
	_, push := r.push[name]
	return pull || push
}

// IsPush reports whether name is registered as a push source.
func (r *Registry) IsPush(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.push[name]
	return ok
}

// Names returns all registered source names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories)+len(r.push))
	for name := range r.factories {
		names = append(names, name)
	}
	for name := range r.push {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
