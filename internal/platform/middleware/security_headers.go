package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets response headers for the planflow JSON API. Responses
// may carry decrypted PHI, so nothing is cached, framed or indexed.
// Strict-Transport-Security is sent only when hsts is set: the server
// terminates TLS itself or sits behind a TLS proxy in production.
func SecurityHeaders(hsts bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "no-store")
			h.Set("X-Robots-Tag", "noindex, nofollow")
			if hsts {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			return next(c)
		}
	}
}
