package orm

import "context"

// EventKind identifies a persistence lifecycle event.
type EventKind int

const (
	PreInsert EventKind = iota
	PostInsert
	PreUpdate
	PostUpdate
	PreDelete
	PostDelete
)

func (k EventKind) String() string {
	switch k {
	case PreInsert:
		return "pre-insert"
	case PostInsert:
		return "post-insert"
	case PreUpdate:
		return "pre-update"
	case PostUpdate:
		return "post-update"
	case PreDelete:
		return "pre-delete"
	case PostDelete:
		return "post-delete"
	default:
		return "unknown"
	}
}

// Listener observes persistence lifecycle events. A non-nil error from a
// pre-event listener aborts the change being flushed; errors from post-event
// listeners propagate as flush failures.
type Listener func(ctx context.Context, change Change) error

// Interceptor hooks session lifecycle. A scope configured with an
// interceptor wraps every session it creates with it.
type Interceptor interface {
	SessionOpened(ctx context.Context, session Session)
	Flushing(ctx context.Context, session Session, changes []Change)
	SessionClosed(ctx context.Context, session Session)
}
