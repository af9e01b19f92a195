package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"taskboard/notify"
)

type signalRequest struct {
	Kind     notify.Kind `json:"kind"`
	ClientID string      `json:"clientId"`
}

func postSignal(svc Board, hub *notify.Hub, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := metricsFrom(c)
		m.SetOp("signal")
		if _, err := auth.UserIDFromAuthHeader(authHeader(c)); err != nil {
			return unauthorized(c, err)
		}
		boardID := c.Param("board")
		if boardID != svc.BoardID() {
			m.SetOutcome("not_found")
			return c.JSON(http.StatusNotFound, errorResponse{Message: "Board not found."})
		}
		var req signalRequest
		if err := decodeBody(c, &req); err != nil {
			return badRequest(c, "decode", "invalid body")
		}
		if !req.Kind.Valid() {
			return badRequest(c, "kind", fmt.Sprintf("unknown signal kind %q", req.Kind))
		}
		if err := hub.Announce(boardID, req.Kind, strings.TrimSpace(req.ClientID)); err != nil {
			// local delivery already happened; only the relay failed
			c.Logger().Warnf("relay signal: %v", err)
		}
		m.SetOutcome("ok")
		return c.NoContent(http.StatusAccepted)
	}
}

func writeEvent(c echo.Context, kind notify.Kind, boardID string) error {
	_, err := fmt.Fprintf(c.Response(), "event: %s\ndata: {\"board\":%q,\"kind\":%q}\n\n", kind, boardID, kind)
	return err
}

// streamSignals holds an SSE connection open and writes one event per pending
// signal kind. Clients pull state themselves after each event.
func streamSignals(svc Board, hub *notify.Hub, auth Authenticator, heartbeat time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(authHeader(c)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		boardID := c.Param("board")
		if boardID != svc.BoardID() {
			return c.JSON(http.StatusNotFound, errorResponse{Message: "Board not found."})
		}
		clientID := strings.TrimSpace(c.QueryParam("clientId"))
		if clientID == "" {
			clientID = uuid.NewString()
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		sub := hub.Subscribe(boardID, clientID)
		defer sub.Close()

		c.Response().WriteHeader(http.StatusOK)
		if _, err := fmt.Fprintf(c.Response(), ": subscribed %s\n\n", clientID); err != nil {
			return nil
		}
		flusher.Flush()

		ctx := c.Request().Context()
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := c.Response().Write([]byte(": heartbeat\n\n")); err != nil {
					return nil
				}
			case <-sub.Ready():
				for _, kind := range sub.Drain() {
					if err := writeEvent(c, kind, boardID); err != nil {
						return nil
					}
				}
			}
			flusher.Flush()
		}
	}
}
