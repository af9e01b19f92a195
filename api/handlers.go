package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/bytedance/sonic/ast"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/board"
	"taskboard/domain"
	"taskboard/notify"
)

const (
	maxBodySize       = 64 << 10
	idempotencyHeader = "Idempotency-Key"
	defaultHeartbeat  = 25 * time.Second
)

// Options tunes the HTTP surface.
type Options struct {
	// Deduper enables Idempotency-Key handling on task creation.
	Deduper      Deduper
	ActionsLimit int
	Heartbeat    time.Duration
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, svc Board, hub *notify.Hub, auth Authenticator, logger *log.Logger, opts Options) {
	if opts.ActionsLimit <= 0 {
		opts.ActionsLimit = board.DefaultActionsLimit
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}

	g := e.Group("/api", requestMetricsMiddleware(logger))
	g.GET("/tasks", getTasks(svc, auth))
	g.POST("/tasks", createTask(svc, auth, opts.Deduper))
	g.GET("/tasks/load", getUserLoad(svc, auth))
	g.PUT("/tasks/:id", updateTask(svc, auth))
	g.DELETE("/tasks/:id", deleteTask(svc, auth))
	g.POST("/tasks/:id/smart-assign", smartAssign(svc, auth))
	g.GET("/actions", getActions(svc, auth, opts.ActionsLimit))
	g.GET("/users", getUsers(svc, auth))
	g.POST("/boards/:board/signals", postSignal(svc, hub, auth))

	// long lived, so kept out of the request span middleware
	e.GET("/api/boards/:board/stream", streamSignals(svc, hub, auth, opts.Heartbeat))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}

// decodeBody decodes a JSON body, rejecting fields v does not declare.
func decodeBody(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func getTasks(svc Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		metricsFrom(c).SetOp("list")
		if _, err := auth.UserIDFromAuthHeader(authHeader(c)); err != nil {
			return unauthorized(c, err)
		}
		tasks, err := svc.ListTasks(c.Request().Context())
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, tasks)
	}
}

func createTask(svc Board, auth Authenticator, dedup Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := metricsFrom(c)
		m.SetOp(string(domain.VerbCreate))
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(authHeader(c))
		if err != nil {
			return unauthorized(c, err)
		}
		var in domain.NewTask
		if err := decodeBody(c, &in); err != nil {
			return badRequest(c, "decode", "invalid body")
		}

		key := strings.TrimSpace(c.Request().Header.Get(idempotencyHeader))
		if dedup != nil && key != "" {
			fresh, err := dedup.Claim(ctx, userID, key)
			if err != nil {
				m.SetErrorStage("idempotency")
				c.Logger().Warnf("idempotency claim failed: %v", err)
			} else if !fresh {
				return replayCreate(c, svc, dedup, userID, key)
			} else {
				defer func() {
					if c.Response().Status != http.StatusCreated {
						_ = dedup.Remove(ctx, userID, key)
					}
				}()
			}
		}

		task, err := svc.Create(ctx, userID, in)
		if err != nil {
			return writeError(c, err)
		}
		if dedup != nil && key != "" {
			if err := dedup.Complete(ctx, userID, key, task.ID); err != nil {
				c.Logger().Warnf("idempotency complete failed: %v", err)
			}
		}
		m.SetTask(task.ID)
		m.SetOutcome("ok")
		return c.JSON(http.StatusCreated, task)
	}
}

// replayCreate answers a repeated create with the task of the first attempt.
func replayCreate(c echo.Context, svc Board, dedup Deduper, userID, key string) error {
	m := metricsFrom(c)
	ctx := c.Request().Context()
	id, err := dedup.Lookup(ctx, userID, key)
	if err != nil {
		return writeError(c, err)
	}
	if id == "" {
		m.SetOutcome(codeInProgress)
		return c.JSON(http.StatusConflict, errorResponse{Message: "A request with this idempotency key is in progress.", Code: codeInProgress})
	}
	task, err := svc.GetTask(ctx, id)
	if err != nil {
		return writeError(c, err)
	}
	m.SetTask(id)
	m.SetOutcome("replayed")
	return c.JSON(http.StatusOK, task)
}

type updateRequest struct {
	Title           *string          `json:"title"`
	Description     *string          `json:"description"`
	Status          *domain.Status   `json:"status"`
	Priority        *domain.Priority `json:"priority"`
	ExpectedVersion *domain.Version  `json:"expectedVersion"`
	Force           bool             `json:"force"`
	// ForceOverwrite and UpdatedAt are the older spellings of Force and
	// ExpectedVersion. UpdatedAt is the updatedAt the client last read.
	ForceOverwrite bool       `json:"forceOverwrite"`
	UpdatedAt      *time.Time `json:"updatedAt"`
}

func (r updateRequest) expectedVersion() *domain.Version {
	if r.ExpectedVersion != nil || r.UpdatedAt == nil {
		return r.ExpectedVersion
	}
	v := domain.VersionAt(*r.UpdatedAt)
	return &v
}

// decodeUpdate reads an update body. assignedUser is looked up in the raw
// document because absent and null mean different things.
func decodeUpdate(body []byte) (updateRequest, domain.Patch, error) {
	var r updateRequest
	if err := sonic.ConfigStd.Unmarshal(body, &r); err != nil {
		return r, domain.Patch{}, errors.New("invalid body")
	}
	p := domain.Patch{Title: r.Title, Description: r.Description, Status: r.Status, Priority: r.Priority}
	node, err := sonic.Get(body, "assignedUser")
	if err != nil {
		return r, p, nil
	}
	switch node.TypeSafe() {
	case ast.V_NULL:
		p.AssignedUser = domain.Unassign()
	case ast.V_STRING:
		id, _ := node.String()
		p.AssignedUser = domain.AssignTo(strings.TrimSpace(id))
	default:
		return r, domain.Patch{}, errors.New("assignedUser must be a user id or null")
	}
	return r, p, nil
}

func updateTask(svc Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := metricsFrom(c)
		m.SetOp(string(domain.VerbUpdate))
		id := c.Param("id")
		m.SetTask(id)
		userID, err := auth.UserIDFromAuthHeader(authHeader(c))
		if err != nil {
			return unauthorized(c, err)
		}
		body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize))
		if err != nil {
			return badRequest(c, "decode", "invalid body")
		}
		req, p, err := decodeUpdate(body)
		if err != nil {
			return badRequest(c, "decode", err.Error())
		}
		opts := board.UpdateOptions{ExpectedVersion: req.expectedVersion(), Force: req.Force || req.ForceOverwrite}
		m.SetForce(opts.Force)

		task, err := svc.Update(c.Request().Context(), userID, id, p, opts)
		if err != nil {
			return writeError(c, err)
		}
		m.SetOutcome("ok")
		return c.JSON(http.StatusOK, task)
	}
}

func deleteTask(svc Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := metricsFrom(c)
		m.SetOp(string(domain.VerbDelete))
		id := c.Param("id")
		m.SetTask(id)
		userID, err := auth.UserIDFromAuthHeader(authHeader(c))
		if err != nil {
			return unauthorized(c, err)
		}
		task, err := svc.Delete(c.Request().Context(), userID, id)
		if err != nil {
			return writeError(c, err)
		}
		m.SetOutcome("ok")
		return c.JSON(http.StatusOK, map[string]any{"message": "Task deleted.", "task": task})
	}
}

func smartAssign(svc Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := metricsFrom(c)
		m.SetOp(string(domain.VerbSmartAssign))
		id := c.Param("id")
		m.SetTask(id)
		userID, err := auth.UserIDFromAuthHeader(authHeader(c))
		if err != nil {
			return unauthorized(c, err)
		}
		task, err := svc.SmartAssign(c.Request().Context(), userID, id)
		if err != nil {
			return writeError(c, err)
		}
		m.SetOutcome("ok")
		return c.JSON(http.StatusOK, task)
	}
}

func getUserLoad(svc Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		metricsFrom(c).SetOp("load")
		if _, err := auth.UserIDFromAuthHeader(authHeader(c)); err != nil {
			return unauthorized(c, err)
		}
		load, err := svc.UserLoad(c.Request().Context())
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, load)
	}
}

func getActions(svc Board, auth Authenticator, defaultLimit int) echo.HandlerFunc {
	return func(c echo.Context) error {
		metricsFrom(c).SetOp("actions")
		if _, err := auth.UserIDFromAuthHeader(authHeader(c)); err != nil {
			return unauthorized(c, err)
		}
		limit := defaultLimit
		if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				return badRequest(c, "invalid_limit", "invalid limit")
			}
			limit = n
		}
		views, err := svc.RecentActions(c.Request().Context(), limit)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, views)
	}
}

func getUsers(svc Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		metricsFrom(c).SetOp("users")
		if _, err := auth.UserIDFromAuthHeader(authHeader(c)); err != nil {
			return unauthorized(c, err)
		}
		users, err := svc.ListUsers(c.Request().Context())
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, users)
	}
}
