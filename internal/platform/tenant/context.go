// Package tenant carries the resolved organization boundary through a
// request. Every repository that touches tenant data takes a Context as a
// mandatory argument and filters on its organization id.
package tenant

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/planflow/internal/platform/auth"
)

// Context is the resolved tenant for one request. Its fields are unexported
// so that a Context can only come from New, which the resolver calls after
// validating the organization and the caller's membership.
type Context struct {
	orgID     uuid.UUID
	subdomain string
	userID    uuid.UUID
	userName  string
	role      auth.Role
	features  map[string]bool
}

// Params are the validated inputs to New.
type Params struct {
	OrganizationID uuid.UUID
	Subdomain      string
	UserID         uuid.UUID
	UserName       string
	Role           auth.Role
	Features       map[string]bool
}

func New(p Params) Context {
	features := make(map[string]bool, len(p.Features))
	for k, v := range p.Features {
		features[k] = v
	}
	return Context{
		orgID:     p.OrganizationID,
		subdomain: p.Subdomain,
		userID:    p.UserID,
		userName:  p.UserName,
		role:      p.Role,
		features:  features,
	}
}

func (c Context) OrganizationID() uuid.UUID { return c.orgID }
func (c Context) Subdomain() string         { return c.subdomain }
func (c Context) UserID() uuid.UUID         { return c.userID }
func (c Context) UserName() string          { return c.userName }
func (c Context) Role() auth.Role           { return c.role }

// Valid reports whether c was produced by New with an organization and user.
func (c Context) Valid() bool {
	return c.orgID != uuid.Nil && c.userID != uuid.Nil && c.role.Valid()
}

// HasFeature reports whether the organization has the named feature flag on.
func (c Context) HasFeature(name string) bool { return c.features[name] }

// Can is shorthand for auth.Can with the caller's role and id.
func (c Context) Can(action auth.Action, res auth.Resource) error {
	return auth.Can(c.role, action, res, c.userID)
}

// Scope is shorthand for auth.Scope with the caller's role and id.
func (c Context) Scope(action auth.Action) auth.Predicate {
	return auth.Scope(c.role, c.userID, action)
}

type contextKey struct{}

func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(contextKey{}).(Context)
	return tc, ok && tc.Valid()
}
