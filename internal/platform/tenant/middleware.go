package tenant

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/auth"
)

// SubdomainHeader lets non-browser clients name the tenant explicitly.
const SubdomainHeader = "X-Tenant-Subdomain"

// Resolver turns an authenticated identity and a subdomain into a Context.
type Resolver interface {
	Resolve(ctx context.Context, id auth.Identity, subdomain string) (Context, error)
}

// Middleware resolves the tenant for every request behind it. It must run
// after auth.IdentityMiddleware.
func Middleware(r Resolver, baseDomain string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			id, ok := auth.IdentityFromContext(ctx)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}

			subdomain := extractSubdomain(c, baseDomain)
			if subdomain == "" {
				return echo.NewHTTPError(http.StatusBadRequest, "tenant subdomain required")
			}

			tc, err := r.Resolve(ctx, id, subdomain)
			if err != nil {
				if errors.Is(err, ErrNonTenantSurface) {
					return echo.NewHTTPError(http.StatusNotFound, "not found")
				}
				return apperror.HTTPError(err)
			}

			c.SetRequest(c.Request().WithContext(WithContext(ctx, tc)))
			c.Set("organization_id", tc.OrganizationID().String())
			return next(c)
		}
	}
}

func extractSubdomain(c echo.Context, baseDomain string) string {
	// 1. Host relative to the base domain
	if sub := SubdomainFromHost(c.Request().Host, baseDomain); sub != "" {
		return sub
	}
	// 2. Explicit header
	return Normalize(c.Request().Header.Get(SubdomainHeader))
}

// SubdomainFromHost returns the left-most label of host when host is a direct
// child of baseDomain, or "" otherwise.
func SubdomainFromHost(host, baseDomain string) string {
	if baseDomain == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = Normalize(host)
	base := "." + Normalize(baseDomain)
	if !strings.HasSuffix(host, base) {
		return ""
	}
	sub := strings.TrimSuffix(host, base)
	if sub == "" || strings.Contains(sub, ".") {
		return ""
	}
	return sub
}

// Normalize lower-cases and trims a subdomain.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Require returns the request's tenant or an error for handlers mounted
// outside Middleware by mistake.
func Require(ctx context.Context) (Context, error) {
	tc, ok := FromContext(ctx)
	if !ok {
		return Context{}, ErrNoTenant
	}
	return tc, nil
}
