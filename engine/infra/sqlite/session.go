package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/quiverdb/quiver/engine/orm"
)

// execer abstracts *sql.DB and *sql.Tx so change application can run either
// immediately (stateless) or inside the flush transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
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
		return fmt.Errorf("sqlite: Get requires a pointer to a mapped struct, got %T", dest)
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
		return fmt.Errorf("sqlite: build get query for %s: %w", m.EntityName(), err)
	}
	if err := sqlscan.Get(ctx, s.factory.db, dest, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return orm.NotFound(id)
		}
		return fmt.Errorf("sqlite: get %s %v: %w", m.EntityName(), id, err)
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
		return fmt.Errorf("sqlite: build select query for %s: %w", m.EntityName(), err)
	}
	if err := sqlscan.Select(ctx, s.factory.db, dest, query, args...); err != nil {
		return fmt.Errorf("sqlite: select %s: %w", m.EntityName(), err)
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
		return 0, fmt.Errorf("sqlite: build count query for %s: %w", m.EntityName(), err)
	}
	var count int64
	if err := s.factory.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlite: count %s: %w", m.EntityName(), err)
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
			return s.applyChange(ctx, s.factory.db, ch)
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
		return 0, fmt.Errorf("sqlite: build delete query for %s: %w", m.EntityName(), err)
	}
	res, err := s.factory.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete %s rows: %w", m.EntityName(), err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: rows affected for %s delete: %w", m.EntityName(), err)
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

// Flush applies all pending changes inside a single transaction. A failed
// change rolls back the whole batch; pending changes are already drained, so
// the caller decides whether to retry or clear.
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
	tx, err := s.factory.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin flush transaction: %w", err)
	}
	for _, ch := range changes {
		err := orm.ApplyWithListeners(ctx, s.factory.cfg, ch, func(ch orm.Change) error {
			return s.applyChange(ctx, tx, ch)
		})
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return fmt.Errorf("sqlite: rollback after flush failure: %v (original: %w)", rbErr, err)
			}
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit flush transaction: %w", err)
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
			return fmt.Errorf("sqlite: build insert for %s: %w", m.EntityName(), err)
		}
		if _, err := ex.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("sqlite: insert %s: %w", m.EntityName(), err)
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
			return fmt.Errorf("sqlite: build update for %s: %w", m.EntityName(), err)
		}
		res, err := ex.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("sqlite: update %s %v: %w", m.EntityName(), id, err)
		}
		return requireAffected(res, id)
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
			return fmt.Errorf("sqlite: build delete for %s: %w", m.EntityName(), err)
		}
		res, err := ex.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("sqlite: delete %s %v: %w", m.EntityName(), id, err)
		}
		return requireAffected(res, id)
	default:
		return fmt.Errorf("sqlite: unknown change kind %d", ch.Kind)
	}
}

// requireAffected turns a zero-row update or delete into a not-found error so
// stale entities surface instead of silently doing nothing.
func requireAffected(res sql.Result, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return orm.NotFound(id)
	}
	return nil
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
		return fmt.Errorf("sqlite: session is closed")
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
