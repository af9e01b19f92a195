package api

import (
	"context"

	"taskboard/board"
	"taskboard/domain"
)

// Board is the write service behind the HTTP surface. *board.Service
// implements it.
type Board interface {
	BoardID() string
	ListTasks(ctx context.Context) ([]domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	Create(ctx context.Context, actor string, in domain.NewTask) (domain.Task, error)
	Update(ctx context.Context, actor, id string, p domain.Patch, opts board.UpdateOptions) (domain.Task, error)
	Delete(ctx context.Context, actor, id string) (domain.Task, error)
	SmartAssign(ctx context.Context, actor, id string) (domain.Task, error)
	UserLoad(ctx context.Context) ([]domain.UserLoad, error)
	RecentActions(ctx context.Context, n int) ([]domain.ActionView, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper remembers idempotency keys of create requests so a retried create
// returns the task made by the first attempt.
type Deduper interface {
	// Claim records the key and returns true if it was newly added.
	Claim(ctx context.Context, userID, key string) (bool, error)
	// Complete stores the task created for a claimed key.
	Complete(ctx context.Context, userID, key, taskID string) error
	// Lookup returns the task id stored for the key, empty while the first
	// attempt is still running.
	Lookup(ctx context.Context, userID, key string) (string, error)
	// Remove releases a claim whose request failed so it may be retried.
	Remove(ctx context.Context, userID, key string) error
}
