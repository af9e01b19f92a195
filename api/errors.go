package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"taskboard/domain"
)

// Error codes let clients tell apart responses that share a status.
const (
	codeVersionConflict = "version_conflict"
	codeTitleConflict   = "title_conflict"
	codeNotFound        = "not_found"
	codeNoUsers         = "no_users"
	codeInProgress      = "in_progress"
)

type errorResponse struct {
	Message    string       `json:"message"`
	Code       string       `json:"code,omitempty"`
	Field      string       `json:"field,omitempty"`
	ServerTask *domain.Task `json:"serverTask,omitempty"`
	HolderID   string       `json:"holderId,omitempty"`
}

// writeError maps the error taxonomy onto HTTP responses.
func writeError(c echo.Context, err error) error {
	m := metricsFrom(c)
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		m.SetOutcome("invalid")
		return c.JSON(http.StatusBadRequest, errorResponse{Message: verr.Reason, Field: verr.Field})
	case errors.Is(err, domain.ErrNotFound):
		m.SetOutcome("not_found")
		return c.JSON(http.StatusNotFound, errorResponse{Message: "Task not found.", Code: codeNotFound})
	case errors.Is(err, domain.ErrNoUsers):
		m.SetOutcome("no_users")
		return c.JSON(http.StatusNotFound, errorResponse{Message: "No users available for assignment.", Code: codeNoUsers})
	}
	if vc, ok := domain.AsVersionConflict(err); ok {
		m.SetOutcome(codeVersionConflict)
		server := vc.Server
		return c.JSON(http.StatusConflict, errorResponse{Message: "Conflict detected.", Code: codeVersionConflict, ServerTask: &server})
	}
	if uc, ok := domain.AsUniquenessConflict(err); ok {
		m.SetOutcome(codeTitleConflict)
		server := uc.Server
		return c.JSON(http.StatusConflict, errorResponse{Message: "Task title must be unique.", Code: codeTitleConflict, ServerTask: &server, HolderID: uc.HolderID})
	}
	m.SetOutcome("error")
	m.SetErrorStage("board")
	m.SetError(err)
	c.Logger().Error(err)
	return c.JSON(http.StatusInternalServerError, errorResponse{Message: "Server error."})
}

func unauthorized(c echo.Context, err error) error {
	m := metricsFrom(c)
	m.SetErrorStage("auth")
	m.SetOutcome("unauthorized")
	return c.JSON(http.StatusUnauthorized, errorResponse{Message: err.Error()})
}

func badRequest(c echo.Context, stage, msg string) error {
	m := metricsFrom(c)
	m.SetErrorStage(stage)
	m.SetOutcome("invalid")
	return c.JSON(http.StatusBadRequest, errorResponse{Message: msg})
}
