package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/stefke3210-cmd/agrimods/internal/client"

	"github.com/labstack/echo/v4"
)

// Auth resolves the bearer token through the session service and stores the
// buyer id on the request context.
func Auth(sessions client.SessionVerifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}

			userID, err := sessions.VerifySession(c.Request().Context(), token)
			if err != nil {
				if errors.Is(err, client.ErrSessionInvalid) {
					return echo.NewHTTPError(http.StatusUnauthorized, "invalid session")
				}
				return echo.NewHTTPError(http.StatusServiceUnavailable, "session service unavailable")
			}

			c.Set("user_id", userID)
			return next(c)
		}
	}
}

// UserID reads the authenticated buyer id set by Auth.
func UserID(c echo.Context) string {
	userID, _ := c.Get("user_id").(string)
	return userID
}
