package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when the target task does not exist, typically
// because another actor deleted it.
var ErrNotFound = errors.New("task not found")

// ErrNoUsers is returned by smart assignment when nobody can take the task.
var ErrNoUsers = errors.New("no users available for assignment")

// ErrEditInFlight rejects a second edit of a task whose previous edit has not
// settled yet.
var ErrEditInFlight = errors.New("an edit for this task is already in flight")

// ValidationError describes a field the caller must fix. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// VersionConflictError is the data-bearing rejection of a conditional write
// whose expected version no longer matches. Server holds the current task so
// the caller can reconcile.
type VersionConflictError struct {
	Expected Version
	Server   Task
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on task %s: expected %d, stored %d", e.Server.ID, e.Expected, e.Server.Version)
}

// UniquenessConflictError rejects a forced write whose title is already held by
// another task. The user has to decide again.
type UniquenessConflictError struct {
	Title    string
	HolderID string
	Server   Task
}

func (e *UniquenessConflictError) Error() string {
	return fmt.Sprintf("title %q is already used by task %s", e.Title, e.HolderID)
}

// TransportError wraps failures unrelated to business rules: network errors
// and unexpected server responses.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: unexpected status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// AsVersionConflict extracts a VersionConflictError from err.
func AsVersionConflict(err error) (*VersionConflictError, bool) {
	var c *VersionConflictError
	ok := errors.As(err, &c)
	return c, ok
}

// AsUniquenessConflict extracts a UniquenessConflictError from err.
func AsUniquenessConflict(err error) (*UniquenessConflictError, bool) {
	var c *UniquenessConflictError
	ok := errors.As(err, &c)
	return c, ok
}
