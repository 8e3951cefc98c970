package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals an unknown workspace or user id.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateName signals a workspace name collision at creation.
	ErrDuplicateName = errors.New("workspace name already taken")

	// ErrConflict signals a failed compare-and-swap precondition: a
	// concurrent mutation won the transition, or the record is not in the
	// expected state. Safe to retry after re-reading.
	ErrConflict = errors.New("conflicting workspace state")

	// ErrNotOwner signals a mutation attempted by someone other than the
	// current owner.
	ErrNotOwner = errors.New("workspace not owned by caller")
)

// ValidationError reports malformed client input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RuntimeError wraps a container runtime failure. The workspace record is
// parked in the error status before this is surfaced; the true container
// state after a failed call is unknown and is never guessed.
type RuntimeError struct {
	Op  string
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime %s: %v", e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }
