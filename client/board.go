package client

import (
	"context"
	"sort"
	"sync"

	"taskboard/domain"
)

// Board is the local copy of a shared board. It is a cache: the server is
// always authoritative, and Refresh replaces everything except tasks whose
// edit is still in flight.
type Board struct {
	transport Transport

	mu       sync.RWMutex
	tasks    map[string]domain.Task
	inFlight map[string]struct{}
}

func NewBoard(t Transport) *Board {
	return &Board{transport: t, tasks: make(map[string]domain.Task), inFlight: make(map[string]struct{})}
}

// Refresh re-pulls the task list. Tasks with an edit in flight keep their
// local value, including being absent while a delete runs; the edit itself
// settles them.
func (b *Board) Refresh(ctx context.Context) error {
	tasks, err := b.transport.List(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	next := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		next[t.ID] = t
	}
	for id := range b.inFlight {
		if cur, ok := b.tasks[id]; ok {
			next[id] = cur
		} else {
			delete(next, id)
		}
	}
	b.tasks = next
	return nil
}

// Tasks returns every task ordered by creation.
func (b *Board) Tasks() []domain.Task {
	b.mu.RLock()
	out := make([]domain.Task, 0, len(b.tasks))
	for _, t := range b.tasks {
		out = append(out, t)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Column returns the tasks in one status column.
func (b *Board) Column(s domain.Status) []domain.Task {
	var out []domain.Task
	for _, t := range b.Tasks() {
		if t.Status == s {
			out = append(out, t)
		}
	}
	return out
}

// Task returns the local copy of a task.
func (b *Board) Task(id string) (domain.Task, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tasks[id]
	return t, ok
}

// InFlight reports whether the task has an unsettled edit.
func (b *Board) InFlight(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.inFlight[id]
	return ok
}

func (b *Board) put(t domain.Task) {
	b.mu.Lock()
	b.tasks[t.ID] = t
	b.mu.Unlock()
}

func (b *Board) remove(id string) {
	b.mu.Lock()
	delete(b.tasks, id)
	b.mu.Unlock()
}

// begin marks id as in flight and returns its current local value. It fails
// with domain.ErrEditInFlight when an edit is already pending.
func (b *Board) begin(id string) (domain.Task, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, busy := b.inFlight[id]; busy {
		return domain.Task{}, false, domain.ErrEditInFlight
	}
	b.inFlight[id] = struct{}{}
	t, ok := b.tasks[id]
	return t, ok, nil
}

func (b *Board) end(id string) {
	b.mu.Lock()
	delete(b.inFlight, id)
	b.mu.Unlock()
}
