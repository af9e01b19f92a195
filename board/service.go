package board

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/notify"
	"taskboard/storage"
)

// forcedWriteAttempts bounds the compare-and-swap retries of a write that has
// no expected version.
const forcedWriteAttempts = 5

// Announcer fans out change signals. notify.Hub implements it.
type Announcer interface {
	Announce(boardID string, kind notify.Kind, origin string) error
}

// Options configures a Service.
type Options struct {
	BoardID string
	// Announcer is used after writes when set; clients announce on their own
	// otherwise.
	Announcer Announcer
	Logger    log.FieldLogger
}

// Service guards every mutation of the board. Conditional writes are checked
// against the stored version and applied with a compare-and-swap, so of two
// racing writers holding the same version exactly one wins.
type Service struct {
	tasks   storage.TaskStore
	actions storage.ActionLog
	users   storage.UserDirectory
	board   string
	notify  Announcer
	log     log.FieldLogger
}

func NewService(tasks storage.TaskStore, actions storage.ActionLog, users storage.UserDirectory, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	board := opts.BoardID
	if board == "" {
		board = "main-board"
	}
	return &Service{tasks: tasks, actions: actions, users: users, board: board, notify: opts.Announcer, log: logger}
}

// BoardID returns the board this service writes to.
func (s *Service) BoardID() string { return s.board }

// UpdateOptions carries the concurrency controls of an update.
type UpdateOptions struct {
	// ExpectedVersion is the version the caller last read. Nil skips the check.
	ExpectedVersion *domain.Version
	// Force skips the version check. Title rules still apply.
	Force bool
}

func (s *Service) ListTasks(ctx context.Context) ([]domain.Task, error) {
	return s.tasks.List(ctx)
}

func (s *Service) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return s.tasks.Get(ctx, id)
}

func (s *Service) ListUsers(ctx context.Context) ([]domain.User, error) {
	return s.users.ListUsers(ctx)
}

// Create validates and stores a new task.
func (s *Service) Create(ctx context.Context, actor string, in domain.NewTask) (domain.Task, error) {
	v := domain.NextVersion()
	t := domain.Task{
		ID:           uuid.NewString(),
		Title:        strings.TrimSpace(in.Title),
		Description:  in.Description,
		Status:       in.Status,
		Priority:     in.Priority,
		AssignedUser: in.AssignedUser,
		Version:      v,
		CreatedAt:    v.Time(),
		UpdatedAt:    v.Time(),
	}
	if t.Status == "" {
		t.Status = domain.StatusTodo
	}
	if t.Priority == "" {
		t.Priority = domain.PriorityMedium
	}
	if err := domain.ValidateTask(t); err != nil {
		return domain.Task{}, err
	}
	if err := s.checkAssignee(ctx, t.AssignedUser); err != nil {
		return domain.Task{}, err
	}

	if err := s.tasks.Insert(ctx, t); err != nil {
		var taken *storage.TitleTakenError
		if errors.As(err, &taken) {
			s.logWrite(actor, domain.VerbCreate, t.ID, false, "title_taken")
			return domain.Task{}, duplicateTitle()
		}
		return domain.Task{}, fmt.Errorf("create task: %w", err)
	}
	s.record(ctx, actor, domain.VerbCreate, t, "Created task")
	s.logWrite(actor, domain.VerbCreate, t.ID, false, "ok")
	return t, nil
}

// Update applies p to the task. Without Force and with an ExpectedVersion that
// no longer matches the stored one it fails with *domain.VersionConflictError
// carrying the stored task. With Force a title held by another task fails with
// *domain.UniquenessConflictError instead of being written.
func (s *Service) Update(ctx context.Context, actor, id string, p domain.Patch, opts UpdateOptions) (domain.Task, error) {
	if err := s.validatePatch(ctx, p); err != nil {
		return domain.Task{}, err
	}
	next, err := s.replace(ctx, id, opts, func(cur domain.Task) domain.Task { return p.Apply(cur) })
	if err != nil {
		s.logWrite(actor, domain.VerbUpdate, id, opts.Force, outcome(err))
		return domain.Task{}, err
	}
	s.record(ctx, actor, domain.VerbUpdate, next, "Updated task")
	s.logWrite(actor, domain.VerbUpdate, id, opts.Force, "ok")
	return next, nil
}

// Delete removes the task. The audit entry keeps its title.
func (s *Service) Delete(ctx context.Context, actor, id string) (domain.Task, error) {
	t, err := s.tasks.Delete(ctx, id)
	if err != nil {
		s.logWrite(actor, domain.VerbDelete, id, false, outcome(err))
		return domain.Task{}, err
	}
	s.record(ctx, actor, domain.VerbDelete, t, "Deleted task")
	s.logWrite(actor, domain.VerbDelete, id, false, "ok")
	return t, nil
}

// SmartAssign gives the task to the user with the fewest tasks that are not
// done. Ties go to the lowest user id. The write is conditional on the stored
// version read before the count, so a concurrent edit surfaces as a conflict.
// The list only feeds the count and may come from a cache.
func (s *Service) SmartAssign(ctx context.Context, actor, id string) (domain.Task, error) {
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	if len(users) == 0 {
		return domain.Task{}, domain.ErrNoUsers
	}
	cur, err := s.tasks.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	tasks, err := s.tasks.List(ctx)
	if err != nil {
		return domain.Task{}, err
	}

	target := leastLoaded(users, tasks)
	expected := cur.Version
	next, err := s.replace(ctx, id, UpdateOptions{ExpectedVersion: &expected}, func(t domain.Task) domain.Task {
		t.AssignedUser = target.ID
		return t
	})
	if err != nil {
		s.logWrite(actor, domain.VerbSmartAssign, id, false, outcome(err))
		return domain.Task{}, err
	}
	s.record(ctx, actor, domain.VerbSmartAssign, next, "Smart assigned to "+target.Username)
	s.logWrite(actor, domain.VerbSmartAssign, id, false, "ok")
	return next, nil
}

// UserLoad reports how many tasks each user holds.
func (s *Service) UserLoad(ctx context.Context) ([]domain.UserLoad, error) {
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	tasks, err := s.tasks.List(ctx)
	if err != nil {
		return nil, err
	}
	byUser := make(map[string]*domain.UserLoad, len(users))
	out := make([]domain.UserLoad, len(users))
	for i, u := range users {
		out[i] = domain.UserLoad{UserID: u.ID, Username: u.Username}
		byUser[u.ID] = &out[i]
	}
	for _, t := range tasks {
		l, ok := byUser[t.AssignedUser]
		if !ok {
			continue
		}
		l.TotalTasks++
		if t.Status == domain.StatusDone {
			l.DoneTasks++
		} else {
			l.ActiveTasks++
		}
	}
	return out, nil
}

func leastLoaded(users []domain.User, tasks []domain.Task) domain.User {
	active := make(map[string]int, len(users))
	for _, t := range tasks {
		if t.AssignedUser != "" && t.Status != domain.StatusDone {
			active[t.AssignedUser]++
		}
	}
	best := users[0]
	for _, u := range users[1:] {
		if active[u.ID] < active[best.ID] || (active[u.ID] == active[best.ID] && u.ID < best.ID) {
			best = u
		}
	}
	return best
}

// replace reads the task, checks the version and swaps in mutate(current).
// Writes without an expected version retry against a fresh read when they lose
// a race.
func (s *Service) replace(ctx context.Context, id string, opts UpdateOptions, mutate func(domain.Task) domain.Task) (domain.Task, error) {
	checked := !opts.Force && opts.ExpectedVersion != nil
	for attempt := 1; ; attempt++ {
		cur, err := s.tasks.Get(ctx, id)
		if err != nil {
			return domain.Task{}, err
		}
		if checked && *opts.ExpectedVersion != cur.Version {
			return domain.Task{}, &domain.VersionConflictError{Expected: *opts.ExpectedVersion, Server: cur}
		}

		next := mutate(cur)
		next.ID = cur.ID
		next.CreatedAt = cur.CreatedAt
		next.Version = domain.NextVersionAfter(cur.Version)
		next.UpdatedAt = next.Version.Time()

		err = s.tasks.Replace(ctx, next, cur.Version)
		if err == nil {
			return next, nil
		}

		var mismatch *storage.VersionMismatchError
		var taken *storage.TitleTakenError
		switch {
		case errors.As(err, &mismatch):
			if checked {
				return domain.Task{}, &domain.VersionConflictError{Expected: *opts.ExpectedVersion, Server: mismatch.Current}
			}
			if attempt >= forcedWriteAttempts {
				return domain.Task{}, fmt.Errorf("update task %s: gave up after %d attempts: %w", id, attempt, err)
			}
			s.log.WithFields(log.Fields{"task": id, "attempt": attempt}).Debug("write lost a race, retrying")
		case errors.As(err, &taken):
			if opts.Force {
				return domain.Task{}, &domain.UniquenessConflictError{Title: next.Title, HolderID: taken.HolderID, Server: cur}
			}
			return domain.Task{}, duplicateTitle()
		default:
			return domain.Task{}, err
		}
	}
}

func (s *Service) validatePatch(ctx context.Context, p domain.Patch) error {
	if p.Empty() {
		return &domain.ValidationError{Reason: "no fields to update"}
	}
	if p.Title != nil {
		if err := domain.ValidateTitle(*p.Title); err != nil {
			return err
		}
	}
	if p.Status != nil && !p.Status.Valid() {
		return &domain.ValidationError{Field: "status", Reason: "unknown status " + string(*p.Status)}
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return &domain.ValidationError{Field: "priority", Reason: "unknown priority " + string(*p.Priority)}
	}
	if p.AssignedUser.Set {
		return s.checkAssignee(ctx, p.AssignedUser.UserID)
	}
	return nil
}

func (s *Service) checkAssignee(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	if _, err := s.users.GetUser(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return &domain.ValidationError{Field: "assignedUser", Reason: "unknown user " + userID}
		}
		return err
	}
	return nil
}

func duplicateTitle() error {
	return &domain.ValidationError{Field: "title", Reason: "task title must be unique"}
}

// record appends the audit entry for a successful write. The write already
// happened, so a failed append is only logged.
func (s *Service) record(ctx context.Context, actor string, verb domain.Verb, t domain.Task, detail string) {
	entry := domain.ActionLogEntry{
		ID:        uuid.NewString(),
		Actor:     actor,
		Verb:      verb,
		TaskID:    t.ID,
		TaskTitle: t.Title,
		Detail:    detail,
		Timestamp: t.UpdatedAt,
	}
	if verb == domain.VerbDelete {
		entry.Timestamp = domain.NextVersion().Time()
	}
	if err := s.actions.Append(ctx, entry); err != nil {
		s.log.WithFields(log.Fields{"task": t.ID, "verb": verb}).WithError(err).Error("append action log entry")
	}
	if s.notify == nil {
		return
	}
	for _, kind := range []notify.Kind{notify.TaskChanged, notify.ActionChanged} {
		if err := s.notify.Announce(s.board, kind, ""); err != nil {
			s.log.WithField("kind", kind).WithError(err).Warn("announce change")
		}
	}
}

func (s *Service) logWrite(actor string, verb domain.Verb, id string, force bool, result string) {
	entry := s.log.WithFields(log.Fields{
		"task":    id,
		"verb":    verb,
		"actor":   actor,
		"force":   force,
		"outcome": result,
	})
	if result == "ok" {
		entry.Info("board.write")
		return
	}
	entry.Warn("board.write")
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case domain.IsValidation(err):
		return "invalid"
	}
	if _, ok := domain.AsVersionConflict(err); ok {
		return "version_conflict"
	}
	if _, ok := domain.AsUniquenessConflict(err); ok {
		return "title_conflict"
	}
	return "error"
}
