package storage

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/ctgov-loader/pkg/config"
	"github.com/ajitpratap0/ctgov-loader/pkg/loadererrors"
	"github.com/ajitpratap0/ctgov-loader/pkg/logger"
)

// Factory opens a connector for cfg.
type Factory func(ctx context.Context, cfg config.DBConfig) (Connector, error)

// Registry maps engine names to factories.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

var globalRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering a name twice is an error.
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return loadererrors.Newf(loadererrors.ErrorTypeConfig, "connector %s already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Open creates the connector named by cfg.Connector.
func (r *Registry) Open(ctx context.Context, cfg config.DBConfig) (Connector, error) {
	r.mu.RLock()
	factory, exists := r.factories[cfg.Connector]
	r.mu.RUnlock()

	if !exists {
		return nil, loadererrors.Newf(loadererrors.ErrorTypeConfig,
			"connector %q not found (available: %v)", cfg.Connector, r.Names())
	}

	conn, err := factory(ctx, cfg)
	if err != nil {
		return nil, loadererrors.Wrapf(err, loadererrors.ErrorTypeConnection, "failed to open connector %s", cfg.Connector)
	}
	logger.Get().Debug("connector_opened", zap.String("connector", cfg.Connector))
	return conn, nil
}

// Names returns the registered engine names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[name]
	return exists
}

// Register adds a factory to the global registry. Engines call it from init.
func Register(name string, factory Factory) {
	if err := globalRegistry.Register(name, factory); err != nil {
		panic(err)
	}
}

// Open creates a connector from the global registry.
func Open(ctx context.Context, cfg config.DBConfig) (Connector, error) {
	return globalRegistry.Open(ctx, cfg)
}

// Names lists engines in the global registry.
func Names() []string {
	return globalRegistry.Names()
}
