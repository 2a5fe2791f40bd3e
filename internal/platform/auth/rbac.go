package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireScope returns middleware that lets the request through when the
// caller holds at least one of the given scopes.
// Scopes have the form "action:resource" (e.g. "read:location_all").
func RequireScope(scopes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			granted := ScopesFromContext(c.Request().Context())
			for _, required := range scopes {
				for _, g := range granted {
					if matchScope(g, required) {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required scope: %s", strings.Join(scopes, " or ")))
		}
	}
}

// matchScope checks if a granted scope covers the required scope.
// "*" matches everything and "read:*" matches any read scope.
func matchScope(granted, required string) bool {
	if granted == required || granted == "*" {
		return true
	}

	gAction, gRes, ok := strings.Cut(granted, ":")
	if !ok {
		return false
	}
	rAction, _, ok := strings.Cut(required, ":")
	if !ok {
		return false
	}
	return gRes == "*" && gAction == rAction
}
