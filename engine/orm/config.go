package orm

import (
	"context"
	"fmt"
	"io/fs"
	"reflect"
)

// Engine is the storage backend boundary. Engines turn a built configuration
// into a session factory; everything below that call (pooling, SQL,
// scanning) is the engine's concern.
type Engine interface {
	Name() string
	NewSessionFactory(ctx context.Context, cfg *Configuration) (SessionFactory, error)
}

// Configuration bundles entity mappings, lifecycle listeners, named factory
// functions and schema migrations for one storage engine instance. It is
// immutable once registered; one configuration may map many entity types
// (multi-database support comes from registering several configurations).
type Configuration struct {
	name       string
	engine     Engine
	mappings   []*Mapping
	byType     map[reflect.Type]*Mapping
	listeners  map[EventKind][]Listener
	factories  map[string]func() any
	migrations fs.FS
	migDir     string
}

type ConfigOption func(*Configuration)

// WithListener registers a lifecycle listener for the given event kind.
// Listener registration is explicit; there is no scanning or discovery.
func WithListener(kind EventKind, l Listener) ConfigOption {
	return func(c *Configuration) {
		c.listeners[kind] = append(c.listeners[kind], l)
	}
}

// WithFactory registers a named constructor. Components configured by name
// (interceptors, listeners from config files) are resolved through this
// table instead of dynamic type activation.
func WithFactory(key string, fn func() any) ConfigOption {
	return func(c *Configuration) { c.factories[key] = fn }
}

// WithMigrations attaches a goose migration filesystem applied by the engine
// when the session factory is built.
func WithMigrations(fsys fs.FS, dir string) ConfigOption {
	return func(c *Configuration) {
		c.migrations = fsys
		c.migDir = dir
	}
}

// NewConfiguration builds a configuration for the given engine and mappings.
func NewConfiguration(name string, engine Engine, mappings []*Mapping, opts ...ConfigOption) (*Configuration, error) {
	if engine == nil {
		return nil, fmt.Errorf("orm: configuration %q requires an engine", name)
	}
	if len(mappings) == 0 {
		return nil, fmt.Errorf("orm: configuration %q requires at least one mapping", name)
	}
	c := &Configuration{
		name:      name,
		engine:    engine,
		byType:    make(map[reflect.Type]*Mapping, len(mappings)),
		listeners: make(map[EventKind][]Listener),
		factories: make(map[string]func() any),
	}
	for _, m := range mappings {
		if _, dup := c.byType[m.Type()]; dup {
			return nil, fmt.Errorf("orm: configuration %q maps %s twice", name, m.Type())
		}
		c.mappings = append(c.mappings, m)
		c.byType[m.Type()] = m
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name returns the configuration name.
func (c *Configuration) Name() string { return c.name }

// Engine returns the storage engine backing this configuration.
func (c *Configuration) Engine() Engine { return c.engine }

// Mappings returns all entity mappings.
func (c *Configuration) Mappings() []*Mapping {
	return append([]*Mapping(nil), c.mappings...)
}

// MappingFor returns the mapping for an entity type.
func (c *Configuration) MappingFor(t reflect.Type) (*Mapping, bool) {
	m, ok := c.byType[t]
	return m, ok
}

// Factory returns the named constructor registered with WithFactory.
func (c *Configuration) Factory(key string) (func() any, bool) {
	fn, ok := c.factories[key]
	return fn, ok
}

// Migrations returns the attached migration filesystem, or nil.
func (c *Configuration) Migrations() (fs.FS, string) {
	return c.migrations, c.migDir
}

// Notify dispatches a lifecycle event to every listener registered for it.
func (c *Configuration) Notify(ctx context.Context, kind EventKind, ch Change) error {
	for _, l := range c.listeners[kind] {
		if err := l(ctx, ch); err != nil {
			return fmt.Errorf("%s listener for %s: %w", kind, ch.Mapping.EntityName(), err)
		}
	}
	return nil
}

// Build asks the engine for this configuration's session factory. Expensive;
// the registry guarantees it runs at most once per configuration.
func (c *Configuration) Build(ctx context.Context) (SessionFactory, error) {
	return c.engine.NewSessionFactory(ctx, c)
}
