package memory

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/quiverdb/quiver/engine/core"
	"github.com/quiverdb/quiver/engine/orm"
	"github.com/quiverdb/quiver/pkg/logger"
)

// Engine is the in-memory storage engine. Every session factory built from
// it owns an independent map-backed store, which makes it the engine of
// choice for unit tests and multi-database scenarios without I/O.
type Engine struct{}

// NewEngine returns the in-memory engine.
func NewEngine() *Engine { return &Engine{} }

func (e *Engine) Name() string { return "memory" }

// NewSessionFactory builds a factory with a fresh, empty store covering the
// configuration's mapped tables.
func (e *Engine) NewSessionFactory(ctx context.Context, cfg *orm.Configuration) (orm.SessionFactory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("memory: nil configuration")
	}
	f := &factory{
		cfg:    cfg,
		tables: make(map[string]map[any]any),
	}
	for _, m := range cfg.Mappings() {
		f.tables[m.Table()] = make(map[any]any)
	}
	logger.FromContext(ctx).With("configuration", cfg.Name(), "tables", len(f.tables)).
		Debug("Memory session factory built")
	return f, nil
}

type factory struct {
	cfg    *orm.Configuration
	mu     sync.RWMutex
	tables map[string]map[any]any
	closed bool
}

func (f *factory) Configuration() *orm.Configuration { return f.cfg }

func (f *factory) Mapped() []reflect.Type {
	mappings := f.cfg.Mappings()
	out := make([]reflect.Type, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, m.Type())
	}
	return out
}

func (f *factory) OpenSession(ctx context.Context, opts ...orm.SessionOption) (orm.Session, error) {
	f.mu.RLock()
	closed := f.closed
	f.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("memory: session factory is closed")
	}
	o := orm.NewSessionOptions(opts...)
	s := &session{
		id:        core.MustNewID().String(),
		factory:   f,
		stateless: o.Stateless,
		icpt:      o.Interceptor,
	}
	if s.icpt != nil {
		s.icpt.SessionOpened(ctx, s)
	}
	return s, nil
}

func (f *factory) Close(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.tables = nil
	return nil
}

func (f *factory) mappingFor(t reflect.Type) (*orm.Mapping, error) {
	m, ok := f.cfg.MappingFor(t)
	if !ok {
		return nil, fmt.Errorf("memory: type %s is not mapped by configuration %q", t, f.cfg.Name())
	}
	return m, nil
}

func (f *factory) snapshot(table string) ([]any, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rows, ok := f.tables[table]
	if !ok {
		return nil, fmt.Errorf("memory: unknown table %q", table)
	}
	out := make([]any, 0, len(rows))
	for _, v := range rows {
		out = append(out, v)
	}
	return out, nil
}
