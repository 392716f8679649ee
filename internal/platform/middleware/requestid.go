package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/planflow/internal/platform/hipaa"
)

const RequestIDHeader = "X-Request-ID"

// RequestID propagates or assigns a request id. The id and the client address
// are also attached to the request context so audit entries pick them up.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			rid := req.Header.Get(RequestIDHeader)
			if rid == "" || len(rid) > 128 {
				rid = uuid.NewString()
			}

			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			c.SetRequest(req.WithContext(hipaa.WithRequestMeta(req.Context(), c.RealIP(), rid)))
			return next(c)
		}
	}
}
