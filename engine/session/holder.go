package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/quiverdb/quiver/engine/core"
	"github.com/quiverdb/quiver/engine/orm"
	"github.com/quiverdb/quiver/engine/registry"
	"github.com/quiverdb/quiver/engine/scope"
	"github.com/quiverdb/quiver/pkg/logger"
)

// Holder orchestrates session acquisition for entity types. Outside a scope
// it hands out standalone single-use sessions the caller releases; inside a
// scope it delegates acquisition and caching to the scope, which owns the
// session lifecycle until disposal.
type Holder struct {
	registry *registry.Registry
}

// NewHolder builds a holder over the given registry.
func NewHolder(reg *registry.Registry) *Holder {
	return &Holder{registry: reg}
}

// Registry returns the backing type registry.
func (h *Holder) Registry() *registry.Registry { return h.registry }

// CreateSession returns a session for the entity type and reports whether an
// active scope owns it. Within a scope, repeated calls for types sharing one
// factory return the same session.
func (h *Holder) CreateSession(ctx context.Context, t reflect.Type) (orm.Session, bool, error) {
	factory, err := h.registry.SessionFactory(ctx, t)
	if err != nil {
		return nil, false, err
	}
	sc, active := scope.From(ctx)
	if !active {
		sess, err := factory.OpenSession(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("opening session for %s: %w", t, err)
		}
		return sess, false, nil
	}
	if sess, err := sc.Session(factory); err == nil {
		return sess, true, nil
	}
	if sc.WantsToCreateSession() {
		sess, err := sc.OpenSession(ctx, factory)
		if err != nil {
			return nil, false, err
		}
		return sess, true, nil
	}
	// Nested scope with no ancestor session for this factory: open a plain
	// session and let the scope adopt it.
	sess, err := factory.OpenSession(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("opening session for %s: %w", t, err)
	}
	if err := sc.RegisterSession(factory, sess); err != nil {
		if closeErr := sess.Close(ctx); closeErr != nil {
			logger.FromContext(ctx).Error("Failed to close unadopted session", "error", closeErr)
		}
		return nil, false, err
	}
	return sess, true, nil
}

// ReleaseSession finishes a standalone session: flush, then close. Under an
// active scope it is a no-op; the scope owns the lifecycle.
func (h *Holder) ReleaseSession(ctx context.Context, sess orm.Session) error {
	if scope.HasActiveScope(ctx) {
		return nil
	}
	flushErr := sess.Flush(ctx)
	if closeErr := sess.Close(ctx); closeErr != nil && flushErr == nil {
		return fmt.Errorf("closing session: %w", closeErr)
	}
	if flushErr != nil {
		return fmt.Errorf("flushing session: %w", flushErr)
	}
	return nil
}

// FailSession marks a scoped session failed (it will be cleared, not
// flushed, at scope disposal) or clears a standalone session in place. The
// standalone caller remains responsible for releasing it.
func (h *Holder) FailSession(ctx context.Context, sess orm.Session) {
	if sc, ok := scope.From(ctx); ok {
		sc.FailSession(sess)
		return
	}
	sess.Clear()
}

// Execute runs fn against a session for the entity type with uniform error
// handling: the engine's missing-row signal becomes core.NotFoundError, any
// other failure becomes core.OperationError, and the session is failed
// (scoped) or cleared and released (standalone) exactly once.
func (h *Holder) Execute(ctx context.Context, t reflect.Type, op string, fn func(context.Context, orm.Session) error) error {
	sess, scoped, err := h.CreateSession(ctx, t)
	if err != nil {
		return err
	}
	if err := fn(ctx, sess); err != nil {
		// A missing row is an expected outcome, not a session failure.
		if !errors.Is(err, orm.ErrNotFound) {
			h.FailSession(ctx, sess)
		}
		if !scoped {
			if closeErr := sess.Close(ctx); closeErr != nil {
				logger.FromContext(ctx).Error("Failed to close session after error", "error", closeErr)
			}
		}
		return translate(t, op, err)
	}
	if scoped {
		if sc, ok := scope.From(ctx); ok && sc.Mode() == scope.FlushAuto {
			if err := sess.Flush(ctx); err != nil {
				sc.FailSession(sess)
				return translate(t, op, err)
			}
		}
		return nil
	}
	if err := h.ReleaseSession(ctx, sess); err != nil {
		return translate(t, op, err)
	}
	return nil
}

// ExecuteStateless runs fn against a stateless session (mutations applied
// immediately, nothing queued). The session never joins a scope.
func (h *Holder) ExecuteStateless(ctx context.Context, t reflect.Type, op string, fn func(context.Context, orm.Session) error) error {
	factory, err := h.registry.SessionFactory(ctx, t)
	if err != nil {
		return err
	}
	sess, err := factory.OpenSession(ctx, orm.Stateless())
	if err != nil {
		return fmt.Errorf("opening stateless session for %s: %w", t, err)
	}
	defer func() {
		if closeErr := sess.Close(ctx); closeErr != nil {
			logger.FromContext(ctx).Error("Failed to close stateless session", "error", closeErr)
		}
	}()
	if err := fn(ctx, sess); err != nil {
		return translate(t, op, err)
	}
	return nil
}

func translate(t reflect.Type, op string, err error) error {
	if errors.Is(err, orm.ErrNotFound) {
		key, _ := orm.NotFoundID(err)
		return &core.NotFoundError{Entity: t.Name(), Key: key}
	}
	return &core.OperationError{Entity: t.Name(), Op: op, Err: err}
}
