package storage

import (
	"context"
	"errors"
	"fmt"

	"taskboard/domain"
)

// TaskStore is the durable record of tasks. It is the single source of truth
// for the board.
type TaskStore interface {
	List(ctx context.Context) ([]domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	// Insert stores a new task. It fails with *TitleTakenError when another
	// task already holds the title.
	Insert(ctx context.Context, t domain.Task) error
	// Replace swaps the stored task for next if the stored version still equals
	// expected. It fails with *VersionMismatchError otherwise, with
	// domain.ErrNotFound when the task is gone and with *TitleTakenError when
	// next.Title belongs to another task.
	Replace(ctx context.Context, next domain.Task, expected domain.Version) error
	// Delete removes the task and returns what was stored.
	Delete(ctx context.Context, id string) (domain.Task, error)
}

// ActionLog is the append-only audit trail.
type ActionLog interface {
	Append(ctx context.Context, e domain.ActionLogEntry) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]domain.ActionLogEntry, error)
}

// UserDirectory resolves users owned by the external account service.
type UserDirectory interface {
	ListUsers(ctx context.Context) ([]domain.User, error)
	GetUser(ctx context.Context, id string) (domain.User, error)
}

// ErrUserNotFound is returned by UserDirectory.GetUser.
var ErrUserNotFound = errors.New("user not found")

// VersionMismatchError reports a failed compare-and-swap together with the
// currently stored task.
type VersionMismatchError struct {
	Current domain.Task
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("task %s is at version %d", e.Current.ID, e.Current.Version)
}

// TitleTakenError reports that a title is held by another task.
type TitleTakenError struct {
	Title    string
	HolderID string
}

func (e *TitleTakenError) Error() string {
	return fmt.Sprintf("title %q is held by task %s", e.Title, e.HolderID)
}
