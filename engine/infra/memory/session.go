package memory

import (
	"context"
	"fmt"
	"reflect"

	"github.com/quiverdb/quiver/engine/orm"
)

type session struct {
	id        string
	factory   *factory
	stateless bool
	icpt      orm.Interceptor
	log       orm.ChangeLog
	closed    bool
}

func (s *session) ID() string                  { return s.id }
func (s *session) Factory() orm.SessionFactory { return s.factory }

func (s *session) Get(_ context.Context, dest any, id any) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Ptr || dv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("memory: Get requires a pointer to a mapped struct, got %T", dest)
	}
	m, err := s.factory.mappingFor(dv.Elem().Type())
	if err != nil {
		return err
	}
	s.factory.mu.RLock()
	stored, ok := s.factory.tables[m.Table()][id]
	s.factory.mu.RUnlock()
	if !ok {
		return orm.NotFound(id)
	}
	return m.CopyInto(dest, stored)
}

func (s *session) Select(_ context.Context, dest any, m *orm.Mapping, c *orm.Criteria) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Ptr || dv.Elem().Kind() != reflect.Slice {
		return fmt.Errorf("memory: Select requires a pointer to a slice, got %T", dest)
	}
	rows, err := s.factory.snapshot(m.Table())
	if err != nil {
		return err
	}
	matched, err := c.Apply(m, rows)
	if err != nil {
		return err
	}
	slice := dv.Elem()
	elem := slice.Type().Elem()
	out := reflect.MakeSlice(slice.Type(), 0, len(matched))
	for _, row := range matched {
		rv := reflect.ValueOf(row)
		if elem.Kind() == reflect.Ptr {
			p := reflect.New(rv.Type())
			p.Elem().Set(rv)
			out = reflect.Append(out, p)
		} else {
			out = reflect.Append(out, rv)
		}
	}
	slice.Set(out)
	return nil
}

func (s *session) Count(_ context.Context, m *orm.Mapping, c *orm.Criteria) (int64, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	rows, err := s.factory.snapshot(m.Table())
	if err != nil {
		return 0, err
	}
	matched, err := c.Apply(m, rows)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

func (s *session) Insert(ctx context.Context, entity any) error {
	return s.mutate(ctx, orm.ChangeInsert, entity)
}

func (s *session) Update(ctx context.Context, entity any) error {
	return s.mutate(ctx, orm.ChangeUpdate, entity)
}

func (s *session) Delete(ctx context.Context, entity any) error {
	return s.mutate(ctx, orm.ChangeDelete, entity)
}

func (s *session) mutate(ctx context.Context, kind orm.ChangeKind, entity any) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	m, err := s.factory.mappingFor(entityType(entity))
	if err != nil {
		return err
	}
	ch := orm.Change{Kind: kind, Entity: entity, Mapping: m}
	if s.stateless {
		return s.apply(ctx, ch)
	}
	s.log.Add(ch)
	return nil
}

func (s *session) DeleteAll(_ context.Context, m *orm.Mapping, c *orm.Criteria) (int64, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	rows, ok := s.factory.tables[m.Table()]
	if !ok {
		return 0, fmt.Errorf("memory: unknown table %q", m.Table())
	}
	var removed int64
	for id, row := range rows {
		match, err := c.Matches(m, row)
		if err != nil {
			return removed, err
		}
		if match {
			delete(rows, id)
			removed++
		}
	}
	return removed, nil
}

func (s *session) Refresh(ctx context.Context, entity any) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	m, err := s.factory.mappingFor(entityType(entity))
	if err != nil {
		return err
	}
	id, err := m.ID(entity)
	if err != nil {
		return err
	}
	return s.Get(ctx, entity, id)
}

func (s *session) Evict(entity any) {
	s.log.DropEntity(entity)
}

func (s *session) Flush(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	changes := s.log.Drain()
	if len(changes) == 0 {
		return nil
	}
	if s.icpt != nil {
		s.icpt.Flushing(ctx, s, changes)
	}
	for _, ch := range changes {
		if err := s.apply(ctx, ch); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) apply(ctx context.Context, ch orm.Change) error {
	return orm.ApplyWithListeners(ctx, s.factory.cfg, ch, s.applyChange)
}

func (s *session) applyChange(ch orm.Change) error {
	m := ch.Mapping
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	rows, ok := s.factory.tables[m.Table()]
	if !ok {
		return fmt.Errorf("memory: unknown table %q", m.Table())
	}
	switch ch.Kind {
	case orm.ChangeInsert:
		if err := orm.EnsureID(m, ch.Entity); err != nil {
			return err
		}
		id, err := m.ID(ch.Entity)
		if err != nil {
			return err
		}
		if _, exists := rows[id]; exists {
			return fmt.Errorf("memory: %s %v already exists", m.EntityName(), id)
		}
		stored, err := storedValue(m, ch.Entity)
		if err != nil {
			return err
		}
		rows[id] = stored
		return nil
	case orm.ChangeUpdate:
		id, err := m.ID(ch.Entity)
		if err != nil {
			return err
		}
		if _, exists := rows[id]; !exists {
			return orm.NotFound(id)
		}
		stored, err := storedValue(m, ch.Entity)
		if err != nil {
			return err
		}
		rows[id] = stored
		return nil
	case orm.ChangeDelete:
		id, err := m.ID(ch.Entity)
		if err != nil {
			return err
		}
		if _, exists := rows[id]; !exists {
			return orm.NotFound(id)
		}
		delete(rows, id)
		return nil
	default:
		return fmt.Errorf("memory: unknown change kind %d", ch.Kind)
	}
}

func (s *session) Clear() {
	s.log.Clear()
}

func (s *session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.log.Clear()
	if s.icpt != nil {
		s.icpt.SessionClosed(ctx, s)
	}
	return nil
}

func (s *session) ensureOpen() error {
	if s.closed {
		return fmt.Errorf("memory: session is closed")
	}
	return nil
}

func storedValue(m *orm.Mapping, entity any) (any, error) {
	v := reflect.ValueOf(entity)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, fmt.Errorf("memory: nil entity for %s", m.EntityName())
		}
		v = v.Elem()
	}
	return v.Interface(), nil
}

func entityType(entity any) reflect.Type {
	t := reflect.TypeOf(entity)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}
