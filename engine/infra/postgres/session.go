package postgres

import (
	"context"
	"fmt"
	"reflect"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/quiverdb/quiver/engine/orm"
)

// execer abstracts *pgxpool.Pool and pgx.Tx so change application can run
// either immediately (stateless) or inside the flush transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

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

func (s *session) Get(ctx context.Context, dest any, id any) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Ptr || dv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("postgres: Get requires a pointer to a mapped struct, got %T", dest)
	}
	m, err := s.factory.mappingFor(dv.Elem().Type())
	if err != nil {
		return err
	}
	query, args, err := s.factory.builder.
		Select(m.Columns()...).
		From(m.Table()).
		Where(squirrel.Eq{m.IDColumn(): id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("postgres: build get query for %s: %w", m.EntityName(), err)
	}
	if err := pgxscan.Get(ctx, s.factory.pool, dest, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return orm.NotFound(id)
		}
		return fmt.Errorf("postgres: get %s %v: %w", m.EntityName(), id, err)
	}
	return nil
}

func (s *session) Select(ctx context.Context, dest any, m *orm.Mapping, c *orm.Criteria) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	builder := s.factory.builder.Select(m.Columns()...).From(m.Table())
	builder, err := applyCriteria(builder, c)
	if err != nil {
		return err
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("postgres: build select query for %s: %w", m.EntityName(), err)
	}
	if err := pgxscan.Select(ctx, s.factory.pool, dest, query, args...); err != nil {
		return fmt.Errorf("postgres: select %s: %w", m.EntityName(), err)
	}
	return nil
}

func (s *session) Count(ctx context.Context, m *orm.Mapping, c *orm.Criteria) (int64, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	builder := s.factory.builder.Select("COUNT(*)").From(m.Table())
	if sq, err := c.Sqlizer(); err != nil {
		return 0, err
	} else if sq != nil {
		builder = builder.Where(sq)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("postgres: build count query for %s: %w", m.EntityName(), err)
	}
	var count int64
	if err := s.factory.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count %s: %w", m.EntityName(), err)
	}
	return count, nil
}

func applyCriteria(builder squirrel.SelectBuilder, c *orm.Criteria) (squirrel.SelectBuilder, error) {
	sq, err := c.Sqlizer()
	if err != nil {
		return builder, err
	}
	if sq != nil {
		builder = builder.Where(sq)
	}
	if orders := c.OrderClauses(); len(orders) > 0 {
		builder = builder.OrderBy(orders...)
	}
	limit, offset := c.Slicing()
	if limit != nil {
		builder = builder.Limit(*limit)
	}
	if offset != nil {
		builder = builder.Offset(*offset)
	}
	return builder, nil
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
		return orm.ApplyWithListeners(ctx, s.factory.cfg, ch, func(ch orm.Change) error {
			return s.applyChange(ctx, s.factory.pool, ch)
		})
	}
	s.log.Add(ch)
	return nil
}

func (s *session) DeleteAll(ctx context.Context, m *orm.Mapping, c *orm.Criteria) (int64, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	builder := s.factory.builder.Delete(m.Table())
	if sq, err := c.Sqlizer(); err != nil {
		return 0, err
	} else if sq != nil {
		builder = builder.Where(sq)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("postgres: build delete query for %s: %w", m.EntityName(), err)
	}
	tag, err := s.factory.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete %s rows: %w", m.EntityName(), err)
	}
	return tag.RowsAffected(), nil
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

// Flush applies all pending changes inside a single transaction. A failed
// change rolls back the whole batch.
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
	tx, err := s.factory.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin flush transaction: %w", err)
	}
	for _, ch := range changes {
		err := orm.ApplyWithListeners(ctx, s.factory.cfg, ch, func(ch orm.Change) error {
			return s.applyChange(ctx, tx, ch)
		})
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				return fmt.Errorf("postgres: rollback after flush failure: %v (original: %w)", rbErr, err)
			}
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit flush transaction: %w", err)
	}
	return nil
}

func (s *session) applyChange(ctx context.Context, ex execer, ch orm.Change) error {
	m := ch.Mapping
	switch ch.Kind {
	case orm.ChangeInsert:
		if err := orm.EnsureID(m, ch.Entity); err != nil {
			return err
		}
		values, err := m.Values(ch.Entity)
		if err != nil {
			return err
		}
		query, args, err := s.factory.builder.
			Insert(m.Table()).
			Columns(m.Columns()...).
			Values(values...).
			ToSql()
		if err != nil {
			return fmt.Errorf("postgres: build insert for %s: %w", m.EntityName(), err)
		}
		if _, err := ex.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("postgres: insert %s: %w", m.EntityName(), err)
		}
		return nil
	case orm.ChangeUpdate:
		id, err := m.ID(ch.Entity)
		if err != nil {
			return err
		}
		assignments, err := m.NonIDAssignments(ch.Entity)
		if err != nil {
			return err
		}
		query, args, err := s.factory.builder.
			Update(m.Table()).
			SetMap(assignments).
			Where(squirrel.Eq{m.IDColumn(): id}).
			ToSql()
		if err != nil {
			return fmt.Errorf("postgres: build update for %s: %w", m.EntityName(), err)
		}
		tag, err := ex.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("postgres: update %s %v: %w", m.EntityName(), id, err)
		}
		if tag.RowsAffected() == 0 {
			return orm.NotFound(id)
		}
		return nil
	case orm.ChangeDelete:
		id, err := m.ID(ch.Entity)
		if err != nil {
			return err
		}
		query, args, err := s.factory.builder.
			Delete(m.Table()).
			Where(squirrel.Eq{m.IDColumn(): id}).
			ToSql()
		if err != nil {
			return fmt.Errorf("postgres: build delete for %s: %w", m.EntityName(), err)
		}
		tag, err := ex.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("postgres: delete %s %v: %w", m.EntityName(), id, err)
		}
		if tag.RowsAffected() == 0 {
			return orm.NotFound(id)
		}
		return nil
	default:
		return fmt.Errorf("postgres: unknown change kind %d", ch.Kind)
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
		return fmt.Errorf("postgres: session is closed")
	}
	return nil
}

func entityType(entity any) reflect.Type {
	t := reflect.TypeOf(entity)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}
