package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/api"
	"taskboard/board"
	"taskboard/client"
	"taskboard/domain"
	"taskboard/notify"
	"taskboard/storage"
)

func newServer(t *testing.T) (*httptest.Server, *board.Service) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	users := storage.NewMemoryUsers(domain.User{ID: "u1", Username: "alice"}, domain.User{ID: "u2", Username: "bob"})
	svc := board.NewService(storage.NewMemoryStore(), storage.NewMemoryActionLog(), users, board.Options{Logger: logger})
	auth, err := api.NewAuth(api.AuthConfig{Mode: api.AuthNone})
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	e := echo.New()
	api.Register(e, svc, notify.NewHub(), auth, logger, api.Options{Heartbeat: time.Hour})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv, svc
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(strings.NewReader(""), &out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", srv.URL, "--token", "u1"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func newApp(srv *httptest.Server, input, onConflict string) (*app, *bytes.Buffer) {
	var out bytes.Buffer
	logger, _ := test.NewNullLogger()
	return &app{
		server:     srv.URL,
		token:      "u1",
		board:      "main-board",
		onConflict: onConflict,
		strategy:   string(client.ConcatenateText),
		in:         strings.NewReader(input),
		out:        &out,
		log:        logger,
	}, &out
}

func TestCreateListMove(t *testing.T) {
	srv, svc := newServer(t)
	out, err := run(t, srv, "create", "--title", "Alpha", "--priority", "high")
	if err != nil {
		t.Fatalf("create: %v\n%s", err, out)
	}
	tasks, _ := svc.ListTasks(context.Background())
	if len(tasks) != 1 || tasks[0].Priority != domain.PriorityHigh {
		t.Fatalf("unexpected tasks %+v", tasks)
	}
	id := tasks[0].ID

	out, err = run(t, srv, "list")
	if err != nil || !strings.Contains(out, "Todo (1)") || !strings.Contains(out, "Alpha") {
		t.Fatalf("list: %v\n%s", err, out)
	}

	out, err = run(t, srv, "move", id, "in-progress")
	if err != nil || !strings.Contains(out, "status: In Progress") {
		t.Fatalf("move: %v\n%s", err, out)
	}

	out, err = run(t, srv, "edit", id, "--assignee", "u2", "--description", "details")
	if err != nil || !strings.Contains(out, "assignee: u2") {
		t.Fatalf("edit: %v\n%s", err, out)
	}

	out, err = run(t, srv, "actions", "-n", "1")
	if err != nil || !strings.Contains(out, "update") || !strings.Contains(out, "alice") {
		t.Fatalf("actions: %v\n%s", err, out)
	}

	if out, err = run(t, srv, "delete", id); err != nil {
		t.Fatalf("delete: %v\n%s", err, out)
	}
	if _, err := svc.GetTask(context.Background(), id); err == nil {
		t.Fatalf("task still stored")
	}
}

func TestEditRejectsBadInput(t *testing.T) {
	srv, _ := newServer(t)
	if _, err := run(t, srv, "edit", "t1"); err == nil || !strings.Contains(err.Error(), "nothing to change") {
		t.Fatalf("expected empty edit error, got %v", err)
	}
	if _, err := run(t, srv, "edit", "t1", "--assignee", "u2", "--unassign"); err == nil {
		t.Fatalf("expected exclusive flag error")
	}
	if _, err := run(t, srv, "--on-conflict", "shrug", "list"); err == nil {
		t.Fatalf("expected bad --on-conflict error")
	}
	if _, err := run(t, srv, "move", "t1", "Someday"); err == nil {
		t.Fatalf("expected bad status error")
	}
}

// conflicted loads the board as u1, lets u2 retitle the task and then edits
// the stale copy.
func conflicted(t *testing.T, a *app, svc *board.Service, task domain.Task, title string) *client.Edit {
	t.Helper()
	ctx := context.Background()
	rec, _, err := a.session(ctx)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	v := task.Version
	remote := "Beta"
	if _, err := svc.Update(ctx, "u2", task.ID, domain.Patch{Title: &remote}, board.UpdateOptions{ExpectedVersion: &v}); err != nil {
		t.Fatalf("remote update: %v", err)
	}
	e, err := rec.Edit(ctx, task.ID, domain.Patch{Title: &title})
	if err != nil || e.State() != client.Conflicted {
		t.Fatalf("expected conflict, got %v", err)
	}
	return e
}

func TestResolvePromptMerge(t *testing.T) {
	srv, svc := newServer(t)
	ctx := context.Background()
	task, _ := svc.Create(ctx, "u1", domain.NewTask{Title: "Alpha"})
	a, out := newApp(srv, "maybe\nm\n", "prompt")

	e := conflicted(t, a, svc, task, "Gamma")
	if err := a.resolve(ctx, e); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, _ := svc.GetTask(ctx, task.ID)
	if got.Title != "Gamma Beta" || e.State() != client.Committed {
		t.Fatalf("unexpected merge result %+v\n%s", got, out)
	}
	if strings.Count(out.String(), "[o]verwrite") != 2 {
		t.Fatalf("expected the prompt to repeat after bad input:\n%s", out)
	}
}

func TestResolvePromptEOFCancels(t *testing.T) {
	srv, svc := newServer(t)
	ctx := context.Background()
	task, _ := svc.Create(ctx, "u1", domain.NewTask{Title: "Alpha"})
	a, _ := newApp(srv, "", "prompt")

	e := conflicted(t, a, svc, task, "Gamma")
	if err := a.resolve(ctx, e); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if e.State() != client.Idle {
		t.Fatalf("expected cancelled edit, got %v", e.State())
	}
	got, _ := svc.GetTask(ctx, task.ID)
	if got.Title != "Beta" {
		t.Fatalf("server task changed: %+v", got)
	}
}

func TestResolveOverwriteGivesUpOnTitleConflict(t *testing.T) {
	srv, svc := newServer(t)
	ctx := context.Background()
	task, _ := svc.Create(ctx, "u1", domain.NewTask{Title: "Alpha"})
	other, _ := svc.Create(ctx, "u2", domain.NewTask{Title: "Other"})
	a, _ := newApp(srv, "", "overwrite")

	e := conflicted(t, a, svc, task, "Gamma")
	taken := "Gamma"
	if _, err := svc.Update(ctx, "u2", other.ID, domain.Patch{Title: &taken}, board.UpdateOptions{}); err != nil {
		t.Fatalf("take title: %v", err)
	}
	err := a.resolve(ctx, e)
	if _, ok := domain.AsUniquenessConflict(err); !ok {
		t.Fatalf("expected uniqueness conflict, got %v", err)
	}
	if e.State() != client.Idle {
		t.Fatalf("expected the edit to be cancelled, got %v", e.State())
	}
}

func TestResolveManualPicks(t *testing.T) {
	srv, svc := newServer(t)
	ctx := context.Background()
	task, _ := svc.Create(ctx, "u1", domain.NewTask{Title: "Alpha"})
	a, _ := newApp(srv, "", "merge")
	a.strategy = string(client.ManualFieldPicker)
	a.picks = []string{"title=local"}

	e := conflicted(t, a, svc, task, "Gamma")
	if err := a.resolve(ctx, e); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got, _ := svc.GetTask(ctx, task.ID); got.Title != "Gamma" {
		t.Fatalf("expected the local title, got %+v", got)
	}
}

func TestParsePicks(t *testing.T) {
	picks, err := parsePicks([]string{"Title=local", "assignee=server", "status = LOCAL"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if picks[client.FieldTitle] != client.SideLocal || picks[client.FieldAssignee] != client.SideServer || picks[client.FieldStatus] != client.SideLocal {
		t.Fatalf("unexpected picks %v", picks)
	}
	for _, bad := range []string{"title", "color=local", "title=both"} {
		if _, err := parsePicks([]string{bad}); err == nil {
			t.Fatalf("expected %q to fail", bad)
		}
	}
}

func TestParseStatus(t *testing.T) {
	tests := map[string]domain.Status{
		"todo":        domain.StatusTodo,
		"In Progress": domain.StatusInProgress,
		"in-progress": domain.StatusInProgress,
		"in_progress": domain.StatusInProgress,
		"DONE":        domain.StatusDone,
	}
	for in, want := range tests {
		got, err := parseStatus(in)
		if err != nil || got != want {
			t.Fatalf("parseStatus(%q) = %q, %v", in, got, err)
		}
	}
}

func TestTokenAcceptedByHS256Auth(t *testing.T) {
	secret := []byte("local-secret")
	tok, err := signToken("u2", secret, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	auth, err := api.NewAuth(api.AuthConfig{Mode: api.AuthHS256, Secret: secret})
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	if id, err := auth.UserIDFromAuthHeader("Bearer " + tok); err != nil || id != "u2" {
		t.Fatalf("token rejected: %q %v", id, err)
	}
	if _, err := signToken("u2", nil, time.Hour, time.Now()); err == nil {
		t.Fatalf("expected missing secret error")
	}
}
