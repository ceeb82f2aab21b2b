package registry

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/quiverdb/quiver/engine/core"
	"github.com/quiverdb/quiver/engine/orm"
	"github.com/quiverdb/quiver/pkg/logger"
)

type entry struct {
	cfg     *orm.Configuration
	factory orm.SessionFactory
}

// Registry maps entity types to their owning configuration and lazily-built
// session factory. Registration and first-time factory builds are serialized
// behind one mutex; reads after population are safe concurrently.
//
// Registries are plain injectable objects so tests can run isolated
// instances side by side.
type Registry struct {
	mu      sync.RWMutex
	byType  map[reflect.Type]*entry
	sources map[string]string // mapping source -> configuration name
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byType:  make(map[reflect.Type]*entry),
		sources: make(map[string]string),
	}
}

// Register inserts one entry per entity type mapped by the configuration.
// A mapping source already contributed to a different configuration fails
// with core.DuplicateSourceError; re-registering under the same
// configuration overwrites the type entries.
func (r *Registry) Register(cfg *orm.Configuration) error {
	if cfg == nil {
		return fmt.Errorf("registry: nil configuration")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range cfg.Mappings() {
		if owner, seen := r.sources[m.Source()]; seen && owner != cfg.Name() {
			return &core.DuplicateSourceError{
				Source:   m.Source(),
				Existing: owner,
				Incoming: cfg.Name(),
			}
		}
	}
	for _, m := range cfg.Mappings() {
		r.sources[m.Source()] = cfg.Name()
		r.byType[m.Type()] = &entry{cfg: cfg}
	}
	return nil
}

// Resolve returns the configuration owning the given entity type. When the
// exact type is not registered, anonymous embedded struct fields are walked
// recursively so a mapped base struct covers the types embedding it.
func (r *Registry) Resolve(t reflect.Type) (*orm.Configuration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.lookup(t)
	if e == nil {
		return nil, &core.NotConfiguredError{Type: t}
	}
	return e.cfg, nil
}

func (r *Registry) lookup(t reflect.Type) *entry {
	if e, ok := r.byType[t]; ok {
		return e
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.Anonymous {
			continue
		}
		ft := f.Type
		if ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
		}
		if e := r.lookup(ft); e != nil {
			return e
		}
	}
	return nil
}

// SessionFactory resolves the configuration for the type and returns its
// session factory, building it on first use. One build serves every entity
// type mapped by the configuration: the built factory is cached under all of
// them atomically, so concurrent first accesses for sibling types never
// build twice.
func (r *Registry) SessionFactory(ctx context.Context, t reflect.Type) (orm.SessionFactory, error) {
	r.mu.RLock()
	e := r.lookup(t)
	if e != nil && e.factory != nil {
		f := e.factory
		r.mu.RUnlock()
		return f, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	e = r.lookup(t)
	if e == nil {
		return nil, &core.NotConfiguredError{Type: t}
	}
	if e.factory != nil {
		return e.factory, nil
	}
	factory, err := e.cfg.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("building session factory for configuration %q: %w", e.cfg.Name(), err)
	}
	for _, mapped := range factory.Mapped() {
		if existing, ok := r.byType[mapped]; ok && existing.cfg == e.cfg {
			existing.factory = factory
			continue
		}
		r.byType[mapped] = &entry{cfg: e.cfg, factory: factory}
	}
	logger.FromContext(ctx).With(
		"configuration", e.cfg.Name(),
		"engine", e.cfg.Engine().Name(),
		"mapped_types", len(factory.Mapped()),
	).Info("Session factory built")
	return factory, nil
}

// Mapping returns the column mapping for an entity type. Types resolved
// through an embedded base struct return the base mapping.
func (r *Registry) Mapping(t reflect.Type) (*orm.Mapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.lookupMapping(t)
	if m == nil {
		return nil, &core.NotConfiguredError{Type: t}
	}
	return m, nil
}

func (r *Registry) lookupMapping(t reflect.Type) *orm.Mapping {
	if e, ok := r.byType[t]; ok {
		if m, ok := e.cfg.MappingFor(t); ok {
			return m
		}
		return nil
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.Anonymous {
			continue
		}
		ft := f.Type
		if ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
		}
		if m := r.lookupMapping(ft); m != nil {
			return m
		}
	}
	return nil
}

// Reset closes every built factory and clears the registry. Intended for
// test isolation; best effort, the first close error is returned after all
// factories have been attempted.
func (r *Registry) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	closed := make(map[orm.SessionFactory]bool)
	var firstErr error
	for _, e := range r.byType {
		if e.factory == nil || closed[e.factory] {
			continue
		}
		closed[e.factory] = true
		if err := e.factory.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing session factory for %q: %w", e.cfg.Name(), err)
		}
	}
	r.byType = make(map[reflect.Type]*entry)
	r.sources = make(map[string]string)
	return firstErr
}
