package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout bounds the request context. Routes listed in longer, keyed
// by route template, get their own budget; the AI review route waits on an
// outside service and needs more than a plain read. A handler error wrapping
// context.DeadlineExceeded is answered with 504.
func RequestTimeout(timeout time.Duration, longer map[string]time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			budget := timeout
			if d, ok := longer[c.Path()]; ok && d > budget {
				budget = d
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), budget)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil && errors.Is(err, context.DeadlineExceeded) {
				return echo.NewHTTPError(http.StatusGatewayTimeout, "request timed out")
			}
			return err
		}
	}
}
