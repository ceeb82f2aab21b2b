package core

import (
	"fmt"
	"reflect"
)

// NotConfiguredError is returned when an entity type is used before any
// configuration mapping it was registered.
type NotConfiguredError struct {
	Type reflect.Type
}

func (e *NotConfiguredError) Error() string {
	return fmt.Sprintf("type %s is not configured; register a configuration mapping it first", typeName(e.Type))
}

// DuplicateSourceError is returned when a mapping source (the package that
// contributed a set of entity types) is registered again under a different
// configuration. Fatal at startup.
type DuplicateSourceError struct {
	Source   string
	Existing string
	Incoming string
}

func (e *DuplicateSourceError) Error() string {
	return fmt.Sprintf(
		"source %q already registered under configuration %q; cannot re-register under %q",
		e.Source, e.Existing, e.Incoming,
	)
}

// AlreadyRegisteredError indicates a scope already holds a session for a
// factory. This is a bookkeeping bug in the session layer, not bad user data.
type AlreadyRegisteredError struct {
	Factory string
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("a session for factory %q is already registered in this scope", e.Factory)
}

// NotRegisteredError indicates a scope was asked for a session it never
// registered.
type NotRegisteredError struct {
	Factory string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("no session for factory %q is registered in this scope", e.Factory)
}

// NoActiveScopeError is returned when the active scope is requested outside
// of any scope.
type NoActiveScopeError struct{}

func (e *NoActiveScopeError) Error() string {
	return "no session scope is active in the current context"
}

// NotFoundError is the translated form of the storage engine's missing-row
// signal. Callers can match it to distinguish a missing record from an
// infrastructure failure.
type NotFoundError struct {
	Entity string
	Key    any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with id %v not found", e.Entity, e.Key)
}

// AmbiguousResultError is returned when an operation that expects at most one
// row matches more than one.
type AmbiguousResultError struct {
	Entity string
}

func (e *AmbiguousResultError) Error() string {
	return fmt.Sprintf("query for %s matched more than one row", e.Entity)
}

// OperationError wraps any other failure raised by the storage engine during
// a unit of work.
type OperationError struct {
	Entity string
	Op     string
	Err    error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Entity, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// InnerScopeActiveError is returned when an outer scope is disposed while a
// nested scope is still active.
type InnerScopeActiveError struct{}

func (e *InnerScopeActiveError) Error() string {
	return "cannot dispose a scope while a nested scope is still active"
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}
