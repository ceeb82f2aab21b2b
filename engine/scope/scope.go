package scope

import (
	"context"
	"fmt"
	"sync"

	"github.com/quiverdb/quiver/engine/core"
	"github.com/quiverdb/quiver/engine/orm"
	"github.com/quiverdb/quiver/pkg/logger"
)

// FlushMode controls when a scope's sessions synchronize pending changes.
type FlushMode int

const (
	// FlushAuto flushes after every mutating operation and at disposal.
	FlushAuto FlushMode = iota
	// FlushLeave flushes only when the scope is disposed.
	FlushLeave
	// FlushTransaction never auto-flushes; flushing happens inside explicit
	// transaction boundaries owned by the caller.
	FlushTransaction
)

func (m FlushMode) String() string {
	switch m {
	case FlushAuto:
		return "auto"
	case FlushLeave:
		return "leave"
	case FlushTransaction:
		return "transaction"
	default:
		return "unknown"
	}
}

// Scope is a nestable unit of work owning at most one open session per
// session factory. A nested scope reuses its parent's sessions unless opened
// with WithOwnSessions. Disposal flushes (per mode) and closes every owned
// session; disposal order must be strictly nested.
type Scope struct {
	parent      *Scope
	mode        FlushMode
	ownSessions bool
	interceptor orm.Interceptor

	mu             sync.Mutex
	order          []orm.SessionFactory
	sessions       map[orm.SessionFactory]orm.Session
	failed         map[string]bool
	activeChildren int
	disposed       bool
}

type Option func(*Scope)

// WithFlushMode sets the scope's flush timing. Nested scopes inherit the
// parent mode by default.
func WithFlushMode(m FlushMode) Option {
	return func(s *Scope) { s.mode = m }
}

// WithOwnSessions makes a nested scope open and own its own sessions instead
// of adopting the parent's. Used for isolated transactional sub-units.
func WithOwnSessions() Option {
	return func(s *Scope) { s.ownSessions = true }
}

// WithInterceptor wraps every session the scope creates with the given
// interceptor.
func WithInterceptor(i orm.Interceptor) Option {
	return func(s *Scope) { s.interceptor = i }
}

func newScope(parent *Scope, opts ...Option) *Scope {
	s := &Scope{
		parent:   parent,
		sessions: make(map[orm.SessionFactory]orm.Session),
		failed:   make(map[string]bool),
	}
	if parent != nil {
		s.mode = parent.mode
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mode returns the scope's flush mode.
func (s *Scope) Mode() FlushMode { return s.mode }

// WantsToCreateSession reports whether this scope opens its own sessions.
// True for a root scope; false for a nested scope that adopts its parent's.
func (s *Scope) WantsToCreateSession() bool {
	return s.parent == nil || s.ownSessions
}

// IsKnown reports whether this scope (or, for an adopting nested scope, an
// ancestor) already holds an open session for the factory.
func (s *Scope) IsKnown(f orm.SessionFactory) bool {
	_, err := s.Session(f)
	return err == nil
}

// Session returns the session held for the factory, consulting ancestors
// when the scope adopts parent sessions. Fails with core.NotRegisteredError
// when none is held.
func (s *Scope) Session(f orm.SessionFactory) (orm.Session, error) {
	for cur := s; cur != nil; {
		cur.mu.Lock()
		sess, ok := cur.sessions[f]
		cur.mu.Unlock()
		if ok {
			return sess, nil
		}
		if cur.ownSessions {
			break
		}
		cur = cur.parent
	}
	return nil, &core.NotRegisteredError{Factory: factoryName(f)}
}

// RegisterSession caches a session under the factory key. At most one
// session per factory per scope; a second registration fails with
// core.AlreadyRegisteredError.
func (s *Scope) RegisterSession(f orm.SessionFactory, sess orm.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return fmt.Errorf("scope: registering session on a disposed scope")
	}
	if _, dup := s.sessions[f]; dup {
		return &core.AlreadyRegisteredError{Factory: factoryName(f)}
	}
	s.sessions[f] = sess
	s.order = append(s.order, f)
	return nil
}

// OpenSession opens a session through the scope, wrapping it with the
// scope's interceptor, and registers it.
func (s *Scope) OpenSession(ctx context.Context, f orm.SessionFactory) (orm.Session, error) {
	var opts []orm.SessionOption
	if s.interceptor != nil {
		opts = append(opts, orm.WithInterceptor(s.interceptor))
	}
	sess, err := f.OpenSession(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("scope: opening session for %q: %w", factoryName(f), err)
	}
	if err := s.RegisterSession(f, sess); err != nil {
		if closeErr := sess.Close(ctx); closeErr != nil {
			logger.FromContext(ctx).Error("Failed to close orphaned session", "error", closeErr)
		}
		return nil, err
	}
	return sess, nil
}

// FailSession marks a session as failed in the scope that owns it. Failed
// sessions are cleared instead of flushed at disposal.
func (s *Scope) FailSession(sess orm.Session) {
	for cur := s; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		owned := false
		for _, held := range cur.sessions {
			if held == sess {
				owned = true
				break
			}
		}
		if owned {
			cur.failed[sess.ID()] = true
			cur.mu.Unlock()
			return
		}
		cur.mu.Unlock()
	}
	s.mu.Lock()
	s.failed[sess.ID()] = true
	s.mu.Unlock()
}

// Dispose flushes and closes every session the scope owns, in registration
// order. Failed sessions are cleared, not flushed. Cleanup is best effort:
// every session's close is attempted and the first error is returned.
// Disposing while a nested scope is still active is a programming error.
func (s *Scope) Dispose(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return fmt.Errorf("scope: already disposed")
	}
	if s.activeChildren > 0 {
		s.mu.Unlock()
		return &core.InnerScopeActiveError{}
	}
	s.disposed = true
	order := s.order
	sessions := s.sessions
	failed := s.failed
	s.mu.Unlock()

	log := logger.FromContext(ctx)
	var firstErr error
	for _, f := range order {
		sess := sessions[f]
		if failed[sess.ID()] {
			sess.Clear()
		} else if s.mode != FlushTransaction {
			if err := sess.Flush(ctx); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("scope: flushing session for %q: %w", factoryName(f), err)
				} else {
					log.Error("Additional flush failure during scope disposal", "factory", factoryName(f), "error", err)
				}
			}
		}
		if err := sess.Close(ctx); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("scope: closing session for %q: %w", factoryName(f), err)
			} else {
				log.Error("Additional close failure during scope disposal", "factory", factoryName(f), "error", err)
			}
		}
	}
	if s.parent != nil {
		s.parent.mu.Lock()
		s.parent.activeChildren--
		s.parent.mu.Unlock()
	}
	return firstErr
}

func (s *Scope) isDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

func factoryName(f orm.SessionFactory) string {
	if f == nil || f.Configuration() == nil {
		return "<unknown>"
	}
	return f.Configuration().Name()
}
