package storage

import (
	"context"
	"sort"
	"sync"

	"taskboard/domain"
)

// MemoryStore keeps tasks in process memory. Every operation runs under one
// lock, so version checks and title checks are atomic with the write.
type MemoryStore struct {
	mu     sync.RWMutex
	tasks  map[string]domain.Task
	titles map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]domain.Task), titles: make(map[string]string)}
}

func (m *MemoryStore) List(ctx context.Context) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	sortTasks(out)
	return out, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) Insert(ctx context.Context, t domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := domain.TitleKey(t.Title)
	if holder, ok := m.titles[key]; ok {
		return &TitleTakenError{Title: t.Title, HolderID: holder}
	}
	m.tasks[t.ID] = t
	m.titles[key] = t.ID
	return nil
}

func (m *MemoryStore) Replace(ctx context.Context, next domain.Task, expected domain.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[next.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != expected || next.Version <= cur.Version {
		return &VersionMismatchError{Current: cur}
	}
	oldKey := domain.TitleKey(cur.Title)
	newKey := domain.TitleKey(next.Title)
	if newKey != oldKey {
		if holder, taken := m.titles[newKey]; taken && holder != next.ID {
			return &TitleTakenError{Title: next.Title, HolderID: holder}
		}
		delete(m.titles, oldKey)
		m.titles[newKey] = next.ID
	}
	m.tasks[next.ID] = next
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	delete(m.tasks, id)
	delete(m.titles, domain.TitleKey(cur.Title))
	return cur, nil
}

// sortTasks orders tasks by creation time so listings are stable.
func sortTasks(tasks []domain.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// MemoryActionLog keeps the audit trail in memory.
type MemoryActionLog struct {
	mu      sync.RWMutex
	entries []domain.ActionLogEntry
}

func NewMemoryActionLog() *MemoryActionLog { return &MemoryActionLog{} }

func (l *MemoryActionLog) Append(ctx context.Context, e domain.ActionLogEntry) error {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
	return nil
}

func (l *MemoryActionLog) Recent(ctx context.Context, limit int) ([]domain.ActionLogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > len(l.entries) {
		limit = len(l.entries)
	}
	out := make([]domain.ActionLogEntry, 0, limit)
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.entries[i])
	}
	return out, nil
}

// MemoryUsers is a fixed user directory, seeded from configuration.
type MemoryUsers struct {
	users []domain.User
}

func NewMemoryUsers(users ...domain.User) *MemoryUsers {
	cp := append([]domain.User(nil), users...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].ID < cp[j].ID })
	return &MemoryUsers{users: cp}
}

func (u *MemoryUsers) ListUsers(ctx context.Context) ([]domain.User, error) {
	return append([]domain.User(nil), u.users...), nil
}

func (u *MemoryUsers) GetUser(ctx context.Context, id string) (domain.User, error) {
	for _, usr := range u.users {
		if usr.ID == id {
			return usr, nil
		}
	}
	return domain.User{}, ErrUserNotFound
}
