// Package quiver is an ActiveRecord-style convenience layer: entity struct
// types are registered against named persistence configurations, sessions are
// managed per configuration (standalone or shared through a context scope),
// and a generic API covers the common CRUD and query operations. Storage is
// pluggable: in-memory, SQLite and PostgreSQL engines ship built in.
package quiver

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/quiverdb/quiver/engine/core"
	"github.com/quiverdb/quiver/engine/orm"
)

func typeFor[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Find loads the entity with the given primary key. A missing row fails with
// *core.NotFoundError.
func Find[T any](ctx context.Context, id any) (*T, error) {
	rt := RuntimeFromContext(ctx)
	out := new(T)
	err := rt.holder.Execute(ctx, typeFor[T](), "find", func(ctx context.Context, sess orm.Session) error {
		return sess.Get(ctx, out, id)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Peek loads the entity with the given primary key, returning nil (and no
// error) when it does not exist.
func Peek[T any](ctx context.Context, id any) (*T, error) {
	out, err := Find[T](ctx, id)
	if err != nil {
		var nf *core.NotFoundError
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// Exists reports whether any entity matches the conditions.
func Exists[T any](ctx context.Context, conds ...orm.Cond) (bool, error) {
	n, err := Count[T](ctx, conds...)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Count returns the number of entities matching the conditions.
func Count[T any](ctx context.Context, conds ...orm.Cond) (int64, error) {
	rt := RuntimeFromContext(ctx)
	t := typeFor[T]()
	m, err := rt.registry.Mapping(t)
	if err != nil {
		return 0, err
	}
	var count int64
	err = rt.holder.Execute(ctx, t, "count", func(ctx context.Context, sess orm.Session) error {
		var err error
		count, err = sess.Count(ctx, m, orm.NewCriteria(conds...))
		return err
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// FindAll returns every entity matching the conditions.
func FindAll[T any](ctx context.Context, conds ...orm.Cond) ([]*T, error) {
	return SlicedFindAll[T](ctx, orm.NewCriteria(conds...))
}

// SlicedFindAll returns the entities matching the criteria, honoring its
// ordering, limit and offset.
func SlicedFindAll[T any](ctx context.Context, c *orm.Criteria) ([]*T, error) {
	rt := RuntimeFromContext(ctx)
	t := typeFor[T]()
	m, err := rt.registry.Mapping(t)
	if err != nil {
		return nil, err
	}
	var out []*T
	err = rt.holder.Execute(ctx, t, "select", func(ctx context.Context, sess orm.Session) error {
		return sess.Select(ctx, &out, m, c)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindFirst returns the first entity matching the criteria, or nil when
// nothing matches.
func FindFirst[T any](ctx context.Context, c *orm.Criteria) (*T, error) {
	rows, err := SlicedFindAll[T](ctx, c.Clone().Limit(1))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// FindOne returns the single entity matching the conditions, nil when none
// does, and *core.AmbiguousResultError when more than one does.
func FindOne[T any](ctx context.Context, conds ...orm.Cond) (*T, error) {
	rows, err := SlicedFindAll[T](ctx, orm.NewCriteria(conds...).Limit(2))
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return rows[0], nil
	default:
		return nil, &core.AmbiguousResultError{Entity: typeFor[T]().Name()}
	}
}

// Save inserts the entity when its primary key is zero-valued, updates it
// otherwise.
func Save[T any](ctx context.Context, entity *T) error {
	rt := RuntimeFromContext(ctx)
	t := typeFor[T]()
	m, err := rt.registry.Mapping(t)
	if err != nil {
		return err
	}
	zero, err := m.HasZeroID(entity)
	if err != nil {
		return err
	}
	if zero {
		return Create(ctx, entity)
	}
	return Update(ctx, entity)
}

// SaveAndFlush saves the entity and flushes the session immediately,
// regardless of scope flush mode.
func SaveAndFlush[T any](ctx context.Context, entity *T) error {
	rt := RuntimeFromContext(ctx)
	m, err := rt.registry.Mapping(typeFor[T]())
	if err != nil {
		return err
	}
	zero, err := m.HasZeroID(entity)
	if err != nil {
		return err
	}
	if zero {
		return CreateAndFlush(ctx, entity)
	}
	return UpdateAndFlush(ctx, entity)
}

// Create inserts the entity.
func Create[T any](ctx context.Context, entity *T) error {
	rt := RuntimeFromContext(ctx)
	return rt.holder.Execute(ctx, typeFor[T](), "create", func(ctx context.Context, sess orm.Session) error {
		return sess.Insert(ctx, entity)
	})
}

// CreateAndFlush inserts the entity and flushes the session immediately,
// regardless of scope flush mode.
func CreateAndFlush[T any](ctx context.Context, entity *T) error {
	rt := RuntimeFromContext(ctx)
	return rt.holder.Execute(ctx, typeFor[T](), "create", func(ctx context.Context, sess orm.Session) error {
		if err := sess.Insert(ctx, entity); err != nil {
			return err
		}
		return sess.Flush(ctx)
	})
}

// Update updates the entity by primary key.
func Update[T any](ctx context.Context, entity *T) error {
	rt := RuntimeFromContext(ctx)
	return rt.holder.Execute(ctx, typeFor[T](), "update", func(ctx context.Context, sess orm.Session) error {
		return sess.Update(ctx, entity)
	})
}

// UpdateAndFlush updates the entity and flushes the session immediately.
func UpdateAndFlush[T any](ctx context.Context, entity *T) error {
	rt := RuntimeFromContext(ctx)
	return rt.holder.Execute(ctx, typeFor[T](), "update", func(ctx context.Context, sess orm.Session) error {
		if err := sess.Update(ctx, entity); err != nil {
			return err
		}
		return sess.Flush(ctx)
	})
}

// Delete deletes the entity by primary key.
func Delete[T any](ctx context.Context, entity *T) error {
	rt := RuntimeFromContext(ctx)
	return rt.holder.Execute(ctx, typeFor[T](), "delete", func(ctx context.Context, sess orm.Session) error {
		return sess.Delete(ctx, entity)
	})
}

// DeleteAndFlush deletes the entity and flushes the session immediately.
func DeleteAndFlush[T any](ctx context.Context, entity *T) error {
	rt := RuntimeFromContext(ctx)
	return rt.holder.Execute(ctx, typeFor[T](), "delete", func(ctx context.Context, sess orm.Session) error {
		if err := sess.Delete(ctx, entity); err != nil {
			return err
		}
		return sess.Flush(ctx)
	})
}

// DeleteAll immediately deletes every entity matching the conditions and
// returns the number of rows removed. Nothing is queued; the delete bypasses
// the change log.
func DeleteAll[T any](ctx context.Context, conds ...orm.Cond) (int64, error) {
	rt := RuntimeFromContext(ctx)
	t := typeFor[T]()
	m, err := rt.registry.Mapping(t)
	if err != nil {
		return 0, err
	}
	var removed int64
	err = rt.holder.Execute(ctx, t, "delete_all", func(ctx context.Context, sess orm.Session) error {
		var err error
		removed, err = sess.DeleteAll(ctx, m, orm.NewCriteria(conds...))
		return err
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Merge copies the detached entity's state onto the stored row with the same
// primary key and returns the managed copy the session tracks. The given
// instance stays detached; later edits to it are not picked up.
func Merge[T any](ctx context.Context, entity *T) (*T, error) {
	rt := RuntimeFromContext(ctx)
	t := typeFor[T]()
	m, err := rt.registry.Mapping(t)
	if err != nil {
		return nil, err
	}
	managed := new(T)
	if err := m.CopyInto(managed, entity); err != nil {
		return nil, err
	}
	err = rt.holder.Execute(ctx, t, "merge", func(ctx context.Context, sess orm.Session) error {
		return sess.Update(ctx, managed)
	})
	if err != nil {
		return nil, err
	}
	return managed, nil
}

// Replicate inserts the entity exactly as given, preserving its primary key.
// Unlike Create, a zero-valued key is an error rather than a cue to generate
// one. Used to copy rows between configurations with stable identifiers.
func Replicate[T any](ctx context.Context, entity *T) error {
	rt := RuntimeFromContext(ctx)
	t := typeFor[T]()
	m, err := rt.registry.Mapping(t)
	if err != nil {
		return err
	}
	zero, err := m.HasZeroID(entity)
	if err != nil {
		return err
	}
	if zero {
		return fmt.Errorf("quiver: replicating %s requires a populated primary key", t.Name())
	}
	return rt.holder.Execute(ctx, t, "replicate", func(ctx context.Context, sess orm.Session) error {
		return sess.Insert(ctx, entity)
	})
}

// Refresh reloads the entity's stored state by primary key.
func Refresh[T any](ctx context.Context, entity *T) error {
	rt := RuntimeFromContext(ctx)
	return rt.holder.Execute(ctx, typeFor[T](), "refresh", func(ctx context.Context, sess orm.Session) error {
		return sess.Refresh(ctx, entity)
	})
}

// Evict drops any queued changes referring to the entity instance.
func Evict[T any](ctx context.Context, entity *T) error {
	rt := RuntimeFromContext(ctx)
	return rt.holder.Execute(ctx, typeFor[T](), "evict", func(_ context.Context, sess orm.Session) error {
		sess.Evict(entity)
		return nil
	})
}

// Execute runs fn against a session for the entity type, with the holder's
// uniform error translation and scope integration. Escape hatch for
// operations the generic API does not cover.
func Execute[T any](ctx context.Context, op string, fn func(context.Context, orm.Session) error) error {
	rt := RuntimeFromContext(ctx)
	return rt.holder.Execute(ctx, typeFor[T](), op, fn)
}

// ExecuteStateless runs fn against a stateless session: mutations apply
// immediately and the session never joins a scope.
func ExecuteStateless[T any](ctx context.Context, op string, fn func(context.Context, orm.Session) error) error {
	rt := RuntimeFromContext(ctx)
	return rt.holder.ExecuteStateless(ctx, typeFor[T](), op, fn)
}
