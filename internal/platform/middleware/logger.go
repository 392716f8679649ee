package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const healthRoute = "/health"

// Logger writes one line per API request. It logs the matched route template
// rather than the raw path, so patient and plan ids never reach the log.
// Load balancer health checks are logged at debug level.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				// Let echo write the response so the logged status is final.
				c.Error(err)
			}

			status := c.Response().Status
			var evt *zerolog.Event
			switch {
			case status >= 500:
				evt = logger.Error().Err(err)
			case status >= 400:
				evt = logger.Warn()
			case c.Path() == healthRoute:
				evt = logger.Debug()
			default:
				evt = logger.Info()
			}
			withRequest(evt, c).
				Int("status", status).
				Int64("duration_ms", time.Since(start).Milliseconds()).
				Str("client_ip", c.RealIP()).
				Msg("api request")
			return nil
		}
	}
}

// withRequest adds the request id, the tenant and the matched route.
func withRequest(evt *zerolog.Event, c echo.Context) *zerolog.Event {
	rid, _ := c.Get("request_id").(string)
	org, _ := c.Get("organization_id").(string)
	route := c.Path()
	if route == "" {
		route = "unmatched"
	}
	return evt.
		Str("request_id", rid).
		Str("organization_id", org).
		Str("method", c.Request().Method).
		Str("route", route)
}
