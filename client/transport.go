package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"taskboard/domain"
	"taskboard/notify"
)

// WriteOptions carries the concurrency controls of an update.
type WriteOptions struct {
	ExpectedVersion *domain.Version
	Force           bool
}

// Transport talks to the board server. Errors follow the domain taxonomy:
// *domain.ValidationError, domain.ErrNotFound, domain.ErrNoUsers,
// *domain.VersionConflictError, *domain.UniquenessConflictError and
// *domain.TransportError for everything else.
type Transport interface {
	List(ctx context.Context) ([]domain.Task, error)
	Create(ctx context.Context, in domain.NewTask, idempotencyKey string) (domain.Task, error)
	Update(ctx context.Context, id string, p domain.Patch, opts WriteOptions) (domain.Task, error)
	Delete(ctx context.Context, id string) (domain.Task, error)
	SmartAssign(ctx context.Context, id string) (domain.Task, error)
	Actions(ctx context.Context, limit int) ([]domain.ActionView, error)
	Users(ctx context.Context) ([]domain.User, error)
	Announce(ctx context.Context, kind notify.Kind) error
}

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	BaseURL string
	// Token is sent as a bearer token. With AUTH_MODE=none it is the user id.
	Token   string
	BoardID string
	// ClientID identifies this client on the signal stream so its own
	// announces are not echoed back. A random id is used when empty.
	ClientID string
	Client   *http.Client
	Logger   log.FieldLogger
}

// HTTPTransport implements Transport over the JSON API. A circuit breaker
// fails fast while the server keeps failing; nothing is retried.
type HTTPTransport struct {
	base     string
	token    string
	board    string
	clientID string
	http     *http.Client
	cb       *gobreaker.CircuitBreaker
	log      log.FieldLogger
}

type apiError struct {
	Message    string       `json:"message"`
	Code       string       `json:"code"`
	Field      string       `json:"field"`
	ServerTask *domain.Task `json:"serverTask"`
	HolderID   string       `json:"holderId"`
}

func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	t := &HTTPTransport{
		base:     strings.TrimRight(cfg.BaseURL, "/"),
		token:    cfg.Token,
		board:    cfg.BoardID,
		clientID: cfg.ClientID,
		http:     cfg.Client,
		log:      cfg.Logger,
	}
	if t.board == "" {
		t.board = "main-board"
	}
	if t.clientID == "" {
		t.clientID = uuid.NewString()
	}
	if t.http == nil {
		t.http = &http.Client{Timeout: 10 * time.Second}
	}
	if t.log == nil {
		t.log = log.StandardLogger()
	}
	t.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "board-api",
		MaxRequests: 1,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		// business outcomes such as conflicts are answers, not failures
		IsSuccessful: func(err error) bool {
			var te *domain.TransportError
			return err == nil || !errors.As(err, &te)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.log.WithFields(log.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
		},
	})
	return t
}

// ClientID returns the id this transport announces and subscribes with.
func (t *HTTPTransport) ClientID() string { return t.clientID }

// BoardID returns the board the transport talks to.
func (t *HTTPTransport) BoardID() string { return t.board }

func (t *HTTPTransport) List(ctx context.Context) ([]domain.Task, error) {
	var out []domain.Task
	err := t.call(ctx, "list tasks", http.MethodGet, "/api/tasks", nil, nil, &out)
	return out, err
}

func (t *HTTPTransport) Create(ctx context.Context, in domain.NewTask, idempotencyKey string) (domain.Task, error) {
	var out domain.Task
	var hdr http.Header
	if idempotencyKey != "" {
		hdr = http.Header{"Idempotency-Key": []string{idempotencyKey}}
	}
	err := t.call(ctx, "create task", http.MethodPost, "/api/tasks", hdr, in, &out)
	return out, err
}

func (t *HTTPTransport) Update(ctx context.Context, id string, p domain.Patch, opts WriteOptions) (domain.Task, error) {
	var out domain.Task
	err := t.call(ctx, "update task", http.MethodPut, "/api/tasks/"+url.PathEscape(id), nil, updateBody(p, opts), &out)
	if vc, ok := domain.AsVersionConflict(err); ok && opts.ExpectedVersion != nil {
		vc.Expected = *opts.ExpectedVersion
	}
	return out, err
}

func (t *HTTPTransport) Delete(ctx context.Context, id string) (domain.Task, error) {
	var out struct {
		Task domain.Task `json:"task"`
	}
	err := t.call(ctx, "delete task", http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, nil, &out)
	return out.Task, err
}

func (t *HTTPTransport) SmartAssign(ctx context.Context, id string) (domain.Task, error) {
	var out domain.Task
	err := t.call(ctx, "smart assign", http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/smart-assign", nil, nil, &out)
	return out, err
}

func (t *HTTPTransport) Actions(ctx context.Context, limit int) ([]domain.ActionView, error) {
	path := "/api/actions"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []domain.ActionView
	err := t.call(ctx, "list actions", http.MethodGet, path, nil, nil, &out)
	return out, err
}

func (t *HTTPTransport) Users(ctx context.Context) ([]domain.User, error) {
	var out []domain.User
	err := t.call(ctx, "list users", http.MethodGet, "/api/users", nil, nil, &out)
	return out, err
}

// Announce tells the other clients of the board that kind changed.
func (t *HTTPTransport) Announce(ctx context.Context, kind notify.Kind) error {
	body := map[string]string{"kind": string(kind), "clientId": t.clientID}
	return t.call(ctx, "announce", http.MethodPost, "/api/boards/"+url.PathEscape(t.board)+"/signals", nil, body, nil)
}

// OpenStream opens the board signal stream. The caller closes the body.
func (t *HTTPTransport) OpenStream(ctx context.Context) (io.ReadCloser, error) {
	u := t.base + "/api/boards/" + url.PathEscape(t.board) + "/stream?clientId=" + url.QueryEscape(t.clientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &domain.TransportError{Op: "open stream", Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	t.authorize(req)
	// the stream outlives any request timeout
	streamClient := *t.http
	streamClient.Timeout = 0
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, &domain.TransportError{Op: "open stream", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &domain.TransportError{Op: "open stream", Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}
	return resp.Body, nil
}

func (t *HTTPTransport) authorize(req *http.Request) {
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
}

func (t *HTTPTransport) call(ctx context.Context, op, method, path string, hdr http.Header, in, out any) error {
	_, err := t.cb.Execute(func() (any, error) {
		return nil, t.do(ctx, op, method, path, hdr, in, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &domain.TransportError{Op: op, Err: err}
	}
	return err
}

func (t *HTTPTransport) do(ctx context.Context, op, method, path string, hdr http.Header, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := sonic.ConfigStd.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.base+path, body)
	if err != nil {
		return &domain.TransportError{Op: op, Err: err}
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	t.authorize(req)

	resp, err := t.http.Do(req)
	if err != nil {
		return &domain.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &domain.TransportError{Op: op, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := sonic.ConfigStd.Unmarshal(data, out); err != nil {
			return &domain.TransportError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	}
	return decodeError(op, resp.StatusCode, data)
}

// decodeError maps an error response onto the domain taxonomy.
func decodeError(op string, status int, data []byte) error {
	var body apiError
	_ = sonic.ConfigStd.Unmarshal(data, &body)
	switch status {
	case http.StatusBadRequest:
		reason := body.Message
		if reason == "" {
			reason = "invalid request"
		}
		return &domain.ValidationError{Field: body.Field, Reason: reason}
	case http.StatusNotFound:
		if body.Code == "no_users" {
			return domain.ErrNoUsers
		}
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	case http.StatusConflict:
		switch {
		case body.Code == "title_conflict" && body.ServerTask != nil:
			return &domain.UniquenessConflictError{Title: body.ServerTask.Title, HolderID: body.HolderID, Server: *body.ServerTask}
		case body.ServerTask != nil:
			return &domain.VersionConflictError{Server: *body.ServerTask}
		}
	}
	msg := body.Message
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	return &domain.TransportError{Op: op, Status: status, Err: errors.New(msg)}
}

func updateBody(p domain.Patch, opts WriteOptions) map[string]any {
	body := make(map[string]any, 7)
	if p.Title != nil {
		body["title"] = *p.Title
	}
	if p.Description != nil {
		body["description"] = *p.Description
	}
	if p.Status != nil {
		body["status"] = *p.Status
	}
	if p.Priority != nil {
		body["priority"] = *p.Priority
	}
	if p.AssignedUser.Set {
		if p.AssignedUser.UserID == "" {
			body["assignedUser"] = nil
		} else {
			body["assignedUser"] = p.AssignedUser.UserID
		}
	}
	if opts.ExpectedVersion != nil {
		body["expectedVersion"] = *opts.ExpectedVersion
	}
	if opts.Force {
		body["force"] = true
	}
	return body
}
