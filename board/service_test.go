package board

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/domain"
	"taskboard/notify"
	"taskboard/storage"
)

var testUsers = []domain.User{
	{ID: "u1", Username: "alice", Email: "alice@example.com"},
	{ID: "u2", Username: "bob", Email: "bob@example.com"},
}

type fixture struct {
	svc     *Service
	store   *storage.MemoryStore
	actions *storage.MemoryActionLog
	hook    *test.Hook
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	opts.Logger = logger
	store := storage.NewMemoryStore()
	actions := storage.NewMemoryActionLog()
	svc := NewService(store, actions, storage.NewMemoryUsers(testUsers...), opts)
	return fixture{svc: svc, store: store, actions: actions, hook: hook}
}

func (f fixture) create(t *testing.T, title string) domain.Task {
	t.Helper()
	task, err := f.svc.Create(context.Background(), "u1", domain.NewTask{Title: title})
	if err != nil {
		t.Fatalf("create %q: %v", title, err)
	}
	return task
}

func strPtr(s string) *string { return &s }

func statusPtr(s domain.Status) *domain.Status { return &s }

func prioPtr(p domain.Priority) *domain.Priority { return &p }

func versionPtr(v domain.Version) *domain.Version { return &v }

func TestCreateDefaultsAndAudit(t *testing.T) {
	f := newFixture(t, Options{})
	task := f.create(t, "  Write docs ")
	if task.Title != "Write docs" || task.Status != domain.StatusTodo || task.Priority != domain.PriorityMedium {
		t.Fatalf("unexpected task: %#v", task)
	}
	if task.ID == "" || task.Version == 0 {
		t.Fatalf("expected id and version: %#v", task)
	}
	entries, _ := f.actions.Recent(context.Background(), 0)
	if len(entries) != 1 || entries[0].Verb != domain.VerbCreate || entries[0].Actor != "u1" || entries[0].TaskID != task.ID {
		t.Fatalf("unexpected audit: %#v", entries)
	}
}

func TestCreateTitleRules(t *testing.T) {
	f := newFixture(t, Options{})
	f.create(t, "Write docs")
	for _, title := range []string{"write DOCS", "Todo", "in progress", "Done", " "} {
		if _, err := f.svc.Create(context.Background(), "u1", domain.NewTask{Title: title}); !domain.IsValidation(err) {
			t.Fatalf("expected validation error for %q, got %v", title, err)
		}
	}
}

func TestCreateRejectsUnknownEnumsAndUsers(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	cases := []domain.NewTask{
		{Title: "a", Status: "Blocked"},
		{Title: "b", Priority: "Urgent"},
		{Title: "c", AssignedUser: "nobody"},
	}
	for _, in := range cases {
		if _, err := f.svc.Create(ctx, "u1", in); !domain.IsValidation(err) {
			t.Fatalf("expected validation error for %#v, got %v", in, err)
		}
	}
}

func TestUpdateVersionIncreases(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	task := f.create(t, "a")
	prev := task.Version
	for i := 0; i < 50; i++ {
		next, err := f.svc.Update(ctx, "u1", task.ID, domain.Patch{Description: strPtr("x")}, UpdateOptions{ExpectedVersion: versionPtr(prev)})
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		if next.Version <= prev {
			t.Fatalf("version did not advance: %d -> %d", prev, next.Version)
		}
		prev = next.Version
	}
}

func TestUpdateConflictCarriesServerTask(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	task := f.create(t, "a")
	if _, err := f.svc.Update(ctx, "u1", task.ID, domain.Patch{Priority: prioPtr(domain.PriorityHigh)}, UpdateOptions{ExpectedVersion: versionPtr(task.Version)}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	_, err := f.svc.Update(ctx, "u2", task.ID, domain.Patch{Status: statusPtr(domain.StatusDone)}, UpdateOptions{ExpectedVersion: versionPtr(task.Version)})
	conflict, ok := domain.AsVersionConflict(err)
	if !ok {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if conflict.Server.Priority != domain.PriorityHigh || conflict.Expected != task.Version {
		t.Fatalf("unexpected conflict payload: %#v", conflict)
	}
	stored, _ := f.store.Get(ctx, task.ID)
	if stored.Status != domain.StatusTodo {
		t.Fatalf("rejected write must not change the task: %#v", stored)
	}
	entries, _ := f.actions.Recent(ctx, 0)
	if len(entries) != 2 {
		t.Fatalf("expected audit entries only for successful writes, got %d", len(entries))
	}
}

func TestUpdateAnyOtherVersionConflicts(t *testing.T) {
	f := newFixture(t, Options{})
	task := f.create(t, "a")
	for _, v := range []domain.Version{0, task.Version - 1, task.Version + 1} {
		_, err := f.svc.Update(context.Background(), "u1", task.ID, domain.Patch{Description: strPtr("x")}, UpdateOptions{ExpectedVersion: versionPtr(v)})
		if _, ok := domain.AsVersionConflict(err); !ok {
			t.Fatalf("expected conflict for version %d, got %v", v, err)
		}
	}
}

func TestRacingConditionalUpdatesOneWins(t *testing.T) {
	f := newFixture(t, Options{})
	task := f.create(t, "a")
	const n = 12
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Update(context.Background(), "u1", task.ID, domain.Patch{Description: strPtr("x")}, UpdateOptions{ExpectedVersion: versionPtr(task.Version)})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if _, ok := domain.AsVersionConflict(err); ok {
				conflicts++
			}
		}()
	}
	wg.Wait()
	if wins != 1 || conflicts != n-1 {
		t.Fatalf("wins=%d conflicts=%d", wins, conflicts)
	}
}

func TestForcedWriteNeverConflicts(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	task := f.create(t, "a")
	_, _ = f.svc.Update(ctx, "u1", task.ID, domain.Patch{Description: strPtr("moved on")}, UpdateOptions{})
	got, err := f.svc.Update(ctx, "u2", task.ID, domain.Patch{Description: strPtr("mine")}, UpdateOptions{ExpectedVersion: versionPtr(task.Version), Force: true})
	if err != nil {
		t.Fatalf("forced write: %v", err)
	}
	if got.Description != "mine" {
		t.Fatalf("unexpected task: %#v", got)
	}
}

// seedAhead stores t as if last written by a host whose clock runs two
// seconds ahead.
func seedAhead(t *testing.T, f fixture, task domain.Task) domain.Task {
	t.Helper()
	ahead := task
	ahead.Version = domain.Version(time.Now().Add(2 * time.Second).UnixMicro())
	if err := f.store.Replace(context.Background(), ahead, task.Version); err != nil {
		t.Fatalf("seed ahead version: %v", err)
	}
	return ahead
}

func TestUpdateAfterWriterWithFastClock(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	ahead := seedAhead(t, f, f.create(t, "a"))

	got, err := f.svc.Update(ctx, "u1", ahead.ID, domain.Patch{Description: strPtr("mine")}, UpdateOptions{ExpectedVersion: versionPtr(ahead.Version)})
	if err != nil {
		t.Fatalf("conditional write with the stored version: %v", err)
	}
	if got.Version <= ahead.Version {
		t.Fatalf("version did not advance: %d after %d", got.Version, ahead.Version)
	}
}

func TestForcedWriteAfterWriterWithFastClock(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	ahead := seedAhead(t, f, f.create(t, "a"))

	got, err := f.svc.Update(ctx, "u2", ahead.ID, domain.Patch{Description: strPtr("forced")}, UpdateOptions{Force: true})
	if err != nil {
		t.Fatalf("forced write: %v", err)
	}
	if got.Version <= ahead.Version || got.Description != "forced" {
		t.Fatalf("unexpected task: %#v", got)
	}
}

func TestForcedWriteTitleCollision(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	holder := f.create(t, "Taken")
	task := f.create(t, "free")
	_, err := f.svc.Update(ctx, "u1", task.ID, domain.Patch{Title: strPtr("taken")}, UpdateOptions{Force: true})
	uc, ok := domain.AsUniquenessConflict(err)
	if !ok {
		t.Fatalf("expected uniqueness conflict, got %v", err)
	}
	if uc.HolderID != holder.ID || uc.Server.ID != task.ID {
		t.Fatalf("unexpected conflict: %#v", uc)
	}

	// the conditional path reports the same collision as a validation error
	_, err = f.svc.Update(ctx, "u1", task.ID, domain.Patch{Title: strPtr("TAKEN")}, UpdateOptions{})
	if !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestForcedWriteStillChecksReservedTitles(t *testing.T) {
	f := newFixture(t, Options{})
	task := f.create(t, "a")
	_, err := f.svc.Update(context.Background(), "u1", task.ID, domain.Patch{Title: strPtr("Done")}, UpdateOptions{Force: true})
	if !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUpdateRejectsEmptyPatch(t *testing.T) {
	f := newFixture(t, Options{})
	task := f.create(t, "a")
	if _, err := f.svc.Update(context.Background(), "u1", task.ID, domain.Patch{}, UpdateOptions{}); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUpdateAssigneeTriState(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	task := f.create(t, "a")
	got, err := f.svc.Update(ctx, "u1", task.ID, domain.Patch{AssignedUser: domain.AssignTo("u2")}, UpdateOptions{})
	if err != nil || got.AssignedUser != "u2" {
		t.Fatalf("assign: %v %#v", err, got)
	}
	got, err = f.svc.Update(ctx, "u1", task.ID, domain.Patch{Description: strPtr("d")}, UpdateOptions{})
	if err != nil || got.AssignedUser != "u2" {
		t.Fatalf("absent assignee must keep the assignment: %v %#v", err, got)
	}
	got, err = f.svc.Update(ctx, "u1", task.ID, domain.Patch{AssignedUser: domain.Unassign()}, UpdateOptions{})
	if err != nil || got.AssignedUser != "" {
		t.Fatalf("unassign: %v %#v", err, got)
	}
}

// Two clients read the task; A raises the priority, B's stale status change
// conflicts and B overwrites with its whole snapshot.
func TestOverwriteIsLastWriterWins(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	t0 := f.create(t, "T")

	a, err := f.svc.Update(ctx, "u1", t0.ID, domain.Patch{Priority: prioPtr(domain.PriorityHigh)}, UpdateOptions{ExpectedVersion: versionPtr(t0.Version)})
	if err != nil {
		t.Fatalf("A update: %v", err)
	}
	if a.Version <= t0.Version {
		t.Fatalf("expected new version")
	}

	bLocal := t0
	bLocal.Status = domain.StatusDone
	_, err = f.svc.Update(ctx, "u2", t0.ID, domain.Patch{Status: statusPtr(domain.StatusDone)}, UpdateOptions{ExpectedVersion: versionPtr(t0.Version)})
	conflict, ok := domain.AsVersionConflict(err)
	if !ok || conflict.Server.Priority != domain.PriorityHigh {
		t.Fatalf("expected conflict showing A's priority, got %v", err)
	}

	final, err := f.svc.Update(ctx, "u2", t0.ID, domain.PatchFrom(bLocal), UpdateOptions{Force: true})
	if err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if final.Status != domain.StatusDone || final.Priority != t0.Priority {
		t.Fatalf("expected B's snapshot including its stale priority, got %#v", final)
	}
}

func TestUpdateAfterDeleteIsNotFound(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	task := f.create(t, "T")
	if _, err := f.svc.Delete(ctx, "u1", task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, opts := range []UpdateOptions{{ExpectedVersion: versionPtr(task.Version)}, {Force: true}} {
		_, err := f.svc.Update(ctx, "u2", task.ID, domain.Patch{Status: statusPtr(domain.StatusDone)}, opts)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	}
	if _, err := f.svc.Delete(ctx, "u1", task.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestSmartAssignPicksLeastLoaded(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	for _, title := range []string{"a1", "a2"} {
		task := f.create(t, title)
		_, _ = f.svc.Update(ctx, "u1", task.ID, domain.Patch{AssignedUser: domain.AssignTo("u1")}, UpdateOptions{})
	}
	done := f.create(t, "b-done")
	_, _ = f.svc.Update(ctx, "u1", done.ID, domain.Patch{AssignedUser: domain.AssignTo("u2"), Status: statusPtr(domain.StatusDone)}, UpdateOptions{})
	target := f.create(t, "target")

	got, err := f.svc.SmartAssign(ctx, "u1", target.ID)
	if err != nil {
		t.Fatalf("smart assign: %v", err)
	}
	if got.AssignedUser != "u2" {
		t.Fatalf("expected bob (done tasks do not count), got %q", got.AssignedUser)
	}
	entries, _ := f.actions.Recent(ctx, 1)
	if entries[0].Verb != domain.VerbSmartAssign || entries[0].Detail != "Smart assigned to bob" {
		t.Fatalf("unexpected audit entry: %#v", entries[0])
	}
}

// staleList serves List from a snapshot, the way a lagging cache would.
type staleList struct {
	storage.TaskStore
	snapshot []domain.Task
}

func (s *staleList) List(ctx context.Context) ([]domain.Task, error) {
	return s.snapshot, nil
}

func TestSmartAssignUsesStoredVersion(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	store := &staleList{TaskStore: mem}
	svc := NewService(store, storage.NewMemoryActionLog(), storage.NewMemoryUsers(testUsers...), Options{Logger: logger})
	task, err := svc.Create(ctx, "u1", domain.NewTask{Title: "a"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	store.snapshot = []domain.Task{task}
	if _, err := svc.Update(ctx, "u1", task.ID, domain.Patch{Description: strPtr("newer")}, UpdateOptions{}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := svc.SmartAssign(ctx, "u1", task.ID)
	if err != nil {
		t.Fatalf("smart assign against a stale list: %v", err)
	}
	if got.AssignedUser != "u1" || got.Description != "newer" {
		t.Fatalf("unexpected task: %#v", got)
	}
}

func TestSmartAssignTieGoesToLowestID(t *testing.T) {
	f := newFixture(t, Options{})
	task := f.create(t, "a")
	got, err := f.svc.SmartAssign(context.Background(), "u2", task.ID)
	if err != nil || got.AssignedUser != "u1" {
		t.Fatalf("expected u1, got %v %#v", err, got)
	}
}

func TestSmartAssignErrors(t *testing.T) {
	f := newFixture(t, Options{})
	if _, err := f.svc.SmartAssign(context.Background(), "u1", "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	empty := NewService(storage.NewMemoryStore(), storage.NewMemoryActionLog(), storage.NewMemoryUsers(), Options{})
	if _, err := empty.SmartAssign(context.Background(), "u1", "x"); !errors.Is(err, domain.ErrNoUsers) {
		t.Fatalf("expected no users, got %v", err)
	}
}

func TestUserLoad(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.create(t, "a")
	b := f.create(t, "b")
	_, _ = f.svc.Update(ctx, "u1", a.ID, domain.Patch{AssignedUser: domain.AssignTo("u1")}, UpdateOptions{})
	_, _ = f.svc.Update(ctx, "u1", b.ID, domain.Patch{AssignedUser: domain.AssignTo("u1"), Status: statusPtr(domain.StatusDone)}, UpdateOptions{})
	load, err := f.svc.UserLoad(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(load) != 2 {
		t.Fatalf("unexpected load: %#v", load)
	}
	if l := load[0]; l.UserID != "u1" || l.TotalTasks != 2 || l.ActiveTasks != 1 || l.DoneTasks != 1 {
		t.Fatalf("unexpected u1 load: %#v", l)
	}
	if l := load[1]; l.TotalTasks != 0 {
		t.Fatalf("unexpected u2 load: %#v", l)
	}
}

type failingLog struct{}

func (failingLog) Append(context.Context, domain.ActionLogEntry) error { return errors.New("log down") }

func (failingLog) Recent(context.Context, int) ([]domain.ActionLogEntry, error) { return nil, nil }

func TestAuditFailureDoesNotUndoWrite(t *testing.T) {
	logger, hook := test.NewNullLogger()
	store := storage.NewMemoryStore()
	svc := NewService(store, failingLog{}, storage.NewMemoryUsers(testUsers...), Options{Logger: logger})
	task, err := svc.Create(context.Background(), "u1", domain.NewTask{Title: "a"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Get(context.Background(), task.ID); err != nil {
		t.Fatalf("task should be stored: %v", err)
	}
	var logged bool
	for _, e := range hook.AllEntries() {
		if e.Level == log.ErrorLevel && e.Message == "append action log entry" {
			logged = true
		}
	}
	if !logged {
		t.Fatalf("expected audit failure to be logged")
	}
}

func TestWriteLogEntries(t *testing.T) {
	f := newFixture(t, Options{})
	task := f.create(t, "a")
	_, _ = f.svc.Update(context.Background(), "u2", task.ID, domain.Patch{Description: strPtr("x")}, UpdateOptions{ExpectedVersion: versionPtr(1)})
	entry := f.hook.LastEntry()
	if entry == nil || entry.Message != "board.write" {
		t.Fatalf("expected board.write entry, got %#v", entry)
	}
	if entry.Data["outcome"] != "version_conflict" || entry.Data["actor"] != "u2" || entry.Level != log.WarnLevel {
		t.Fatalf("unexpected fields: %#v", entry.Data)
	}
}

type recordingAnnouncer struct {
	mu    sync.Mutex
	kinds []notify.Kind
}

func (r *recordingAnnouncer) Announce(boardID string, kind notify.Kind, origin string) error {
	r.mu.Lock()
	r.kinds = append(r.kinds, kind)
	r.mu.Unlock()
	return nil
}

func TestAnnounceOnWrite(t *testing.T) {
	ann := &recordingAnnouncer{}
	f := newFixture(t, Options{Announcer: ann})
	task := f.create(t, "a")
	_, _ = f.svc.Delete(context.Background(), "u1", task.ID)
	if len(ann.kinds) != 4 || ann.kinds[0] != notify.TaskChanged || ann.kinds[1] != notify.ActionChanged {
		t.Fatalf("unexpected announces: %v", ann.kinds)
	}
}

func TestRecentActionsResolvesEntries(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	kept := f.create(t, "kept")
	gone := f.create(t, "gone")
	_, _ = f.svc.Update(ctx, "u2", kept.ID, domain.Patch{Title: strPtr("renamed")}, UpdateOptions{})
	_, _ = f.svc.Delete(ctx, "ghost", gone.ID)

	views, err := f.svc.RecentActions(ctx, 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(views) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(views))
	}
	del := views[0]
	if del.Verb != domain.VerbDelete || del.Task.Title != "gone" || !del.Task.Deleted {
		t.Fatalf("unexpected delete view: %#v", del)
	}
	if del.Actor.Username != "ghost" {
		t.Fatalf("unknown actors fall back to their id: %#v", del.Actor)
	}
	upd := views[1]
	if upd.Actor.Username != "bob" || upd.Task.Title != "renamed" || upd.Task.Deleted {
		t.Fatalf("unexpected update view: %#v", upd)
	}
	if views[3].Task.Title != "renamed" {
		t.Fatalf("live tasks resolve to their current title: %#v", views[3])
	}

	limited, _ := f.svc.RecentActions(ctx, 2)
	if len(limited) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}
