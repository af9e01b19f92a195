package client

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/notify"
)

// State is the phase of one edit.
type State int

const (
	Idle State = iota
	Optimistic
	Committed
	Conflicted
)

func (s State) String() string {
	switch s {
	case Optimistic:
		return "optimistic"
	case Committed:
		return "committed"
	case Conflicted:
		return "conflicted"
	}
	return "idle"
}

// ErrNotConflicted is returned by resolution calls on an edit that is not
// waiting for a decision.
var ErrNotConflicted = errors.New("edit is not conflicted")

// provisionalPrefix marks the local id of a task whose create is in flight.
const provisionalPrefix = "pending-"

// Reconciler applies user changes to the local board optimistically and
// settles them against the server. Each task has at most one edit in flight;
// edits of different tasks are independent.
type Reconciler struct {
	board     *Board
	transport Transport
	log       log.FieldLogger
}

func NewReconciler(b *Board, t Transport, logger log.FieldLogger) *Reconciler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Reconciler{board: b, transport: t, log: logger}
}

// Board returns the local board the reconciler writes to.
func (r *Reconciler) Board() *Board { return r.board }

// Edit is one change to a task. After the initial write it is either
// Committed or Conflicted; a conflicted edit holds the task until it is
// resolved or cancelled.
type Edit struct {
	r  *Reconciler
	id string

	mu     sync.Mutex
	state  State
	before domain.Task
	local  domain.Task
	server domain.Task
	result domain.Task
}

func (e *Edit) ID() string { return e.id }

func (e *Edit) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Result returns the committed task.
func (e *Edit) Result() domain.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

// Conflict returns the attempted local snapshot and the server's task.
func (e *Edit) Conflict() (local, server domain.Task, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local, e.server, e.state == Conflicted
}

// Edit applies p locally and writes it conditionally on the version the
// local copy was read at.
func (r *Reconciler) Edit(ctx context.Context, id string, p domain.Patch) (*Edit, error) {
	before, ok, err := r.board.begin(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		r.board.end(id)
		return nil, domain.ErrNotFound
	}
	e := &Edit{r: r, id: id, state: Optimistic, before: before, local: p.Apply(before)}
	r.board.put(e.local)

	expected := before.Version
	task, err := r.transport.Update(ctx, id, p, WriteOptions{ExpectedVersion: &expected})
	if err == nil {
		e.commit(ctx, task)
		return e, nil
	}
	if vc, ok := domain.AsVersionConflict(err); ok {
		r.board.put(before)
		e.state = Conflicted
		e.server = vc.Server
		r.log.WithFields(log.Fields{"task": id, "expected": expected, "server": vc.Server.Version}).Info("edit conflicted")
		return e, nil
	}
	e.fail(err, before)
	return nil, err
}

// Move changes the status column of a task.
func (r *Reconciler) Move(ctx context.Context, id string, to domain.Status) (*Edit, error) {
	return r.Edit(ctx, id, domain.Patch{Status: &to})
}

// Assign sets the assignee of a task; an empty userID unassigns it.
func (r *Reconciler) Assign(ctx context.Context, id, userID string) (*Edit, error) {
	return r.Edit(ctx, id, domain.Patch{AssignedUser: domain.AssignTo(userID)})
}

// Overwrite resubmits the local snapshot as a forced write.
func (e *Edit) Overwrite(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Conflicted {
		return ErrNotConflicted
	}
	return e.submit(ctx, e.local)
}

// Merge combines both snapshots with opts and submits the result as a forced
// write.
func (e *Edit) Merge(ctx context.Context, opts MergeOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Conflicted {
		return ErrNotConflicted
	}
	merged, err := Merge(e.local, e.server, opts)
	if err != nil {
		return err
	}
	return e.submit(ctx, merged)
}

// Resolve submits a snapshot the user assembled by hand as a forced write.
func (e *Edit) Resolve(ctx context.Context, snapshot domain.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Conflicted {
		return ErrNotConflicted
	}
	snapshot.ID = e.id
	return e.submit(ctx, snapshot)
}

// Cancel drops the local change and keeps the server's task.
func (e *Edit) Cancel() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Conflicted {
		return ErrNotConflicted
	}
	e.r.board.put(e.server)
	e.state = Idle
	e.r.board.end(e.id)
	return nil
}

// submit writes snap with the version check skipped. A title collision
// keeps the edit conflicted with the refreshed server task so the user can
// decide again.
func (e *Edit) submit(ctx context.Context, snap domain.Task) error {
	r := e.r
	optimistic := snap
	optimistic.ID, optimistic.Version, optimistic.CreatedAt = e.server.ID, e.server.Version, e.server.CreatedAt
	r.board.put(optimistic)

	task, err := r.transport.Update(ctx, e.id, domain.PatchFrom(snap), WriteOptions{Force: true})
	if err == nil {
		e.commit(ctx, task)
		return nil
	}
	if uc, ok := domain.AsUniquenessConflict(err); ok {
		e.server = uc.Server
		e.local = snap
		r.board.put(uc.Server)
		return err
	}
	if domain.IsValidation(err) {
		r.board.put(e.server)
		return err
	}
	e.fail(err, e.server)
	return err
}

func (e *Edit) commit(ctx context.Context, task domain.Task) {
	e.result = task
	e.state = Committed
	e.r.board.put(task)
	e.r.board.end(e.id)
	e.r.announce(ctx)
}

// fail settles an edit that cannot go on. A vanished task is purged, anything
// else is rolled back to restore.
func (e *Edit) fail(err error, restore domain.Task) {
	if errors.Is(err, domain.ErrNotFound) {
		e.r.board.remove(e.id)
	} else {
		e.r.board.put(restore)
	}
	e.state = Idle
	e.r.board.end(e.id)
	e.r.log.WithField("task", e.id).WithError(err).Warn("edit failed")
}

// Create adds a provisional task right away and replaces it with the
// server's task once stored.
func (r *Reconciler) Create(ctx context.Context, in domain.NewTask) (domain.Task, error) {
	key := uuid.NewString()
	provisional := provisionalPrefix + key
	if _, _, err := r.board.begin(provisional); err != nil {
		return domain.Task{}, err
	}
	defer r.board.end(provisional)
	local := domain.Task{
		ID:           provisional,
		Title:        in.Title,
		Description:  in.Description,
		Status:       in.Status,
		Priority:     in.Priority,
		AssignedUser: in.AssignedUser,
	}
	if local.Status == "" {
		local.Status = domain.StatusTodo
	}
	if local.Priority == "" {
		local.Priority = domain.PriorityMedium
	}
	r.board.put(local)

	task, err := r.transport.Create(ctx, in, key)
	r.board.remove(provisional)
	if err != nil {
		return domain.Task{}, err
	}
	r.board.put(task)
	r.announce(ctx)
	return task, nil
}

// Delete removes the task locally and on the server. The task comes back
// when the server refuses.
func (r *Reconciler) Delete(ctx context.Context, id string) error {
	before, ok, err := r.board.begin(id)
	if err != nil {
		return err
	}
	defer r.board.end(id)
	r.board.remove(id)

	if _, err := r.transport.Delete(ctx, id); err != nil {
		if ok && !errors.Is(err, domain.ErrNotFound) {
			r.board.put(before)
		}
		return err
	}
	r.announce(ctx)
	return nil
}

// SmartAssign lets the server pick the assignee. There is no optimistic value
// because the choice depends on state only the server has.
func (r *Reconciler) SmartAssign(ctx context.Context, id string) (domain.Task, error) {
	if _, _, err := r.board.begin(id); err != nil {
		return domain.Task{}, err
	}
	defer r.board.end(id)

	task, err := r.transport.SmartAssign(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			r.board.remove(id)
		} else if vc, ok := domain.AsVersionConflict(err); ok {
			r.board.put(vc.Server)
		}
		return domain.Task{}, err
	}
	r.board.put(task)
	r.announce(ctx)
	return task, nil
}

// announce tells the other clients to pull. Failures only cost them a
// refresh, so they are logged.
func (r *Reconciler) announce(ctx context.Context) {
	for _, kind := range []notify.Kind{notify.TaskChanged, notify.ActionChanged} {
		if err := r.transport.Announce(ctx, kind); err != nil {
			r.log.WithField("kind", kind).WithError(err).Warn("announce change")
		}
	}
}
