package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// AccessDenied is the only detail a caller learns about a failed
// capability check.
func AccessDenied() *echo.HTTPError {
	return echo.NewHTTPError(http.StatusForbidden, "access denied")
}

// RequireRole returns middleware that admits callers holding at least one of
// roles. No role bypasses the check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, ok := PrincipalFromContext(c.Request().Context())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			for _, required := range roles {
				if p.HasRole(required) {
					return next(c)
				}
			}
			return AccessDenied()
		}
	}
}
