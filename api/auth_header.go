package api

import (
	"errors"
	"strings"

	"github.com/labstack/echo/v4"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

const bearerPrefix = "Bearer "

func bearerToken(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errMissingAuthorization
	}
	if len(trimmed) <= len(bearerPrefix) || !strings.HasPrefix(trimmed, bearerPrefix) {
		return "", errBadAuthorization
	}
	token := strings.TrimSpace(trimmed[len(bearerPrefix):])
	if token == "" {
		return "", errBadAuthorization
	}
	return token, nil
}

// authHeader returns the Authorization header, falling back to a token query
// parameter for EventSource clients that cannot set headers.
func authHeader(c echo.Context) string {
	h := c.Request().Header.Get(echo.HeaderAuthorization)
	if h == "" {
		if token := c.QueryParam("token"); token != "" {
			h = bearerPrefix + token
		}
	}
	return h
}
