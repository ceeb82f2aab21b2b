package orm

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// ErrNotFound is the engine-level missing-row signal. The session holder
// translates it into core.NotFoundError before it reaches callers.
var ErrNotFound = errors.New("orm: record not found")

// NotFound wraps ErrNotFound with the identifier that missed, so the holder
// can surface it without depending on engine error types.
func NotFound(id any) error { return &notFoundError{id: id} }

type notFoundError struct{ id any }

func (e *notFoundError) Error() string {
	return fmt.Sprintf("orm: record with id %v not found", e.id)
}

func (e *notFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFoundID extracts the identifier from a NotFound error.
func NotFoundID(err error) (any, bool) {
	var nf *notFoundError
	if errors.As(err, &nf) {
		return nf.id, true
	}
	return nil, false
}

// SessionFactory opens sessions against one built configuration. Factories
// are expensive to build, cached by the registry, and safe for concurrent
// use once constructed.
type SessionFactory interface {
	// Configuration returns the configuration this factory was built from.
	Configuration() *Configuration

	// Mapped reports every entity type this factory can persist.
	Mapped() []reflect.Type

	// OpenSession opens a new unit of work.
	OpenSession(ctx context.Context, opts ...SessionOption) (Session, error)

	// Close tears down the factory and its connection pool.
	Close(ctx context.Context) error
}

// Session is a unit of work. Insert, Update and Delete queue changes that
// are applied on Flush; a stateless session applies them immediately and
// treats Flush as a no-op. Reads always hit the store directly.
type Session interface {
	// ID uniquely identifies this session (and its backing connection
	// identity for engines that pin one).
	ID() string

	// Factory returns the owning session factory.
	Factory() SessionFactory

	// Get loads the entity with the given primary key into dest, which must
	// be a pointer to a mapped struct. Returns ErrNotFound when absent.
	Get(ctx context.Context, dest any, id any) error

	// Select loads all entities matching the criteria into dest, which must
	// be a pointer to a slice of mapped structs or struct pointers.
	Select(ctx context.Context, dest any, m *Mapping, c *Criteria) error

	// Count returns the number of rows matching the criteria.
	Count(ctx context.Context, m *Mapping, c *Criteria) (int64, error)

	// Insert queues (or, stateless, applies) an insert of the entity.
	Insert(ctx context.Context, entity any) error

	// Update queues (or applies) an update of the entity by primary key.
	Update(ctx context.Context, entity any) error

	// Delete queues (or applies) a delete of the entity by primary key.
	Delete(ctx context.Context, entity any) error

	// DeleteAll immediately deletes every row matching the criteria and
	// returns the number of rows removed.
	DeleteAll(ctx context.Context, m *Mapping, c *Criteria) (int64, error)

	// Refresh reloads the entity's current stored state by primary key.
	Refresh(ctx context.Context, entity any) error

	// Evict drops any pending changes referring to the entity instance.
	Evict(entity any)

	// Flush applies all pending changes in registration order.
	Flush(ctx context.Context) error

	// Clear discards all pending changes without applying them.
	Clear()

	// Close releases the session. Pending changes are discarded.
	Close(ctx context.Context) error
}

// SessionOptions carries per-session knobs passed through OpenSession.
type SessionOptions struct {
	Interceptor Interceptor
	Stateless   bool
}

type SessionOption func(*SessionOptions)

// WithInterceptor wraps the session with a lifecycle interceptor.
func WithInterceptor(i Interceptor) SessionOption {
	return func(o *SessionOptions) { o.Interceptor = i }
}

// Stateless opens a session that applies every mutation immediately instead
// of queueing it for flush.
func Stateless() SessionOption {
	return func(o *SessionOptions) { o.Stateless = true }
}

// NewSessionOptions folds option functions into a SessionOptions value.
func NewSessionOptions(opts ...SessionOption) *SessionOptions {
	o := &SessionOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
