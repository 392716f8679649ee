package tenant

import (
	"errors"
	"fmt"

	"github.com/ehr/planflow/internal/platform/apperror"
)

var (
	// ErrNotFound means the subdomain maps to no live organization.
	ErrNotFound = fmt.Errorf("%w: organization", apperror.ErrNotFound)
	// ErrNoAccess means the caller holds no active membership in the
	// organization. It unwraps to apperror.ErrNotFound so the two cases
	// answer identically.
	ErrNoAccess = fmt.Errorf("%w: organization", apperror.ErrNotFound)
	// ErrSuspended means the organization is suspended or cancelled.
	ErrSuspended = fmt.Errorf("%w", apperror.ErrSuspended)
	// ErrNonTenantSurface means the subdomain is reserved and carries no
	// tenant.
	ErrNonTenantSurface = errors.New("reserved subdomain is not a tenant surface")
	// ErrNoTenant means a handler ran without a resolved tenant.
	ErrNoTenant = errors.New("no tenant context")
)
