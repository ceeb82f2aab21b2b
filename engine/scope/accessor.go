package scope

import (
	"context"

	"github.com/quiverdb/quiver/engine/core"
)

type ctxKey struct{}

// Accessor locates the active scope for a call chain. The default accessor
// carries scopes on the context; SetAccessor can install an alternative at
// process start (initialization is expected to be single-threaded).
type Accessor interface {
	Active(ctx context.Context) (*Scope, bool)
	Attach(ctx context.Context, s *Scope) context.Context
}

type contextAccessor struct{}

func (contextAccessor) Active(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(ctxKey{}).(*Scope)
	return s, ok && s != nil && !s.isDisposed()
}

func (contextAccessor) Attach(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

var accessor Accessor = contextAccessor{}

// SetAccessor installs the process-wide scope accessor, replacing the
// previous one. Initialization-time only; not safe to call concurrently
// with scope use.
func SetAccessor(a Accessor) {
	if a == nil {
		a = contextAccessor{}
	}
	accessor = a
}

// Begin pushes a new scope. When a scope is already active the new scope
// nests inside it and adopts its sessions unless WithOwnSessions is given.
// The returned context carries the new scope; dispose with Scope.Dispose.
func Begin(ctx context.Context, opts ...Option) (context.Context, *Scope) {
	parent, _ := accessor.Active(ctx)
	s := newScope(parent, opts...)
	if parent != nil {
		parent.mu.Lock()
		parent.activeChildren++
		parent.mu.Unlock()
	}
	return accessor.Attach(ctx, s), s
}

// From returns the active scope, if any.
func From(ctx context.Context) (*Scope, bool) {
	return accessor.Active(ctx)
}

// HasActiveScope reports whether a scope is active in the context.
func HasActiveScope(ctx context.Context) bool {
	_, ok := accessor.Active(ctx)
	return ok
}

// Active returns the active scope or core.NoActiveScopeError.
func Active(ctx context.Context) (*Scope, error) {
	s, ok := accessor.Active(ctx)
	if !ok {
		return nil, &core.NoActiveScopeError{}
	}
	return s, nil
}
