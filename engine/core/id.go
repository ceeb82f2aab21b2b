package core

import (
	"fmt"

	"github.com/segmentio/ksuid"
)

// ID is a sortable unique identifier used for entities and sessions.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool { return id == "" }

// NewID generates a new random ID.
func NewID() (ID, error) {
	kid, err := ksuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generating id: %w", err)
	}
	return ID(kid.String()), nil
}

// MustNewID generates a new ID and panics on failure. Entropy exhaustion is
// not a recoverable condition for callers.
func MustNewID() ID {
	id, err := NewID()
	if err != nil {
		panic(err)
	}
	return id
}

// ParseID validates the textual form of an ID.
func ParseID(s string) (ID, error) {
	kid, err := ksuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parsing id %q: %w", s, err)
	}
	return ID(kid.String()), nil
}
