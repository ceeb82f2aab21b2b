package orm

import (
	"context"
	"sync"
)

// ChangeKind discriminates queued unit-of-work mutations.
type ChangeKind int

const (
	ChangeInsert ChangeKind = iota
	ChangeUpdate
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change is one pending mutation held by a session until flush.
type Change struct {
	Kind    ChangeKind
	Entity  any
	Mapping *Mapping
}

// ChangeLog is the ordered queue of pending mutations shared by every
// engine's session implementation.
type ChangeLog struct {
	mu      sync.Mutex
	pending []Change
}

// Add appends a pending change.
func (l *ChangeLog) Add(ch Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, ch)
}

// Drain removes and returns all pending changes in order.
func (l *ChangeLog) Drain() []Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.pending
	l.pending = nil
	return out
}

// Clear discards all pending changes.
func (l *ChangeLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = nil
}

// Len reports the number of pending changes.
func (l *ChangeLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// EventsFor maps a change kind to its pre and post lifecycle events.
func EventsFor(kind ChangeKind) (pre, post EventKind) {
	switch kind {
	case ChangeInsert:
		return PreInsert, PostInsert
	case ChangeUpdate:
		return PreUpdate, PostUpdate
	default:
		return PreDelete, PostDelete
	}
}

// ApplyWithListeners runs a change through the configuration's pre listener,
// the engine-specific apply function, then the post listener.
func ApplyWithListeners(ctx context.Context, cfg *Configuration, ch Change, apply func(Change) error) error {
	pre, post := EventsFor(ch.Kind)
	if err := cfg.Notify(ctx, pre, ch); err != nil {
		return err
	}
	if err := apply(ch); err != nil {
		return err
	}
	return cfg.Notify(ctx, post, ch)
}

// DropEntity removes pending changes referring to the given entity instance.
// Used for evict semantics.
func (l *ChangeLog) DropEntity(entity any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.pending[:0]
	for _, ch := range l.pending {
		if ch.Entity != entity {
			kept = append(kept, ch)
		}
	}
	l.pending = kept
}
