package board

import (
	"context"

	"taskboard/domain"
)

// DefaultActionsLimit is the size of the activity feed when the caller does
// not ask for one.
const DefaultActionsLimit = 20

// RecentActions returns the newest n audit entries, newest first, with actor
// and task resolved for display. Tasks that no longer exist keep the title
// recorded in the entry.
func (s *Service) RecentActions(ctx context.Context, n int) ([]domain.ActionView, error) {
	if n <= 0 {
		n = DefaultActionsLimit
	}
	entries, err := s.actions.Recent(ctx, n)
	if err != nil {
		return nil, err
	}
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	tasks, err := s.tasks.List(ctx)
	if err != nil {
		return nil, err
	}

	userByID := make(map[string]domain.User, len(users))
	for _, u := range users {
		userByID[u.ID] = u
	}
	titleByID := make(map[string]string, len(tasks))
	for _, t := range tasks {
		titleByID[t.ID] = t.Title
	}

	out := make([]domain.ActionView, 0, len(entries))
	for _, e := range entries {
		actor, ok := userByID[e.Actor]
		if !ok {
			actor = domain.User{ID: e.Actor, Username: e.Actor}
		}
		ref := domain.TaskRef{ID: e.TaskID, Title: e.TaskTitle}
		if title, live := titleByID[e.TaskID]; live {
			ref.Title = title
		} else {
			ref.Deleted = true
		}
		out = append(out, domain.ActionView{
			ID:        e.ID,
			Verb:      e.Verb,
			Detail:    e.Detail,
			Timestamp: e.Timestamp,
			Actor:     actor,
			Task:      ref,
		})
	}
	return out, nil
}
