package organization

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/auth"
	"github.com/ehr/planflow/internal/platform/tenant"
)

// DefaultReservedSubdomains never resolve to a tenant.
var DefaultReservedSubdomains = []string{
	"www", "app", "api", "admin", "auth", "login", "signup",
	"static", "assets", "mail", "status", "docs",
}

const DefaultCacheTTL = 30 * time.Second

type ResolverConfig struct {
	TTL      time.Duration
	Reserved []string
	// Now is the clock used for cache expiry. Defaults to time.Now.
	Now    func() time.Time
	Logger zerolog.Logger
}

type cacheEntry struct {
	org     *Organization
	expires time.Time
}

// Resolver maps (identity, subdomain) to a tenant.Context. Organization
// lookups are cached per subdomain for TTL; membership is checked on every
// call so a deactivated member loses access immediately.
type Resolver struct {
	orgs     OrganizationRepository
	members  MembershipRepository
	ttl      time.Duration
	now      func() time.Time
	reserved map[string]bool
	logger   zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
	// gen counts invalidations. A load started under an older generation
	// returns its result but does not cache it.
	gen   uint64
	group singleflight.Group
}

func NewResolver(orgs OrganizationRepository, members MembershipRepository, cfg ResolverConfig) *Resolver {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Reserved == nil {
		cfg.Reserved = DefaultReservedSubdomains
	}
	reserved := make(map[string]bool, len(cfg.Reserved))
	for _, s := range cfg.Reserved {
		reserved[tenant.Normalize(s)] = true
	}
	return &Resolver{
		orgs:     orgs,
		members:  members,
		ttl:      cfg.TTL,
		now:      cfg.Now,
		reserved: reserved,
		logger:   cfg.Logger.With().Str("component", "tenant_resolver").Logger(),
		cache:    make(map[string]cacheEntry),
	}
}

// Reserved reports whether subdomain is a non-tenant surface.
func (r *Resolver) Reserved(subdomain string) bool {
	return r.reserved[tenant.Normalize(subdomain)]
}

func (r *Resolver) Resolve(ctx context.Context, id auth.Identity, subdomain string) (tenant.Context, error) {
	sub := tenant.Normalize(subdomain)
	if sub == "" {
		return tenant.Context{}, tenant.ErrNotFound
	}
	if r.reserved[sub] {
		return tenant.Context{}, tenant.ErrNonTenantSurface
	}

	org, err := r.organization(ctx, sub)
	if err != nil {
		return tenant.Context{}, err
	}
	if !org.Status.Serving() {
		return tenant.Context{}, tenant.ErrSuspended
	}

	m, err := r.members.Get(ctx, org.ID, id.UserID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return tenant.Context{}, tenant.ErrNoAccess
		}
		return tenant.Context{}, fmt.Errorf("resolve membership: %w", err)
	}
	if m.Status != MembershipActive || !m.Role.Valid() {
		return tenant.Context{}, tenant.ErrNoAccess
	}

	return tenant.New(tenant.Params{
		OrganizationID: org.ID,
		Subdomain:      org.Subdomain,
		UserID:         id.UserID,
		UserName:       id.Name,
		Role:           m.Role,
		Features:       org.Features,
	}), nil
}

// organization returns the cached organization for sub, loading it on a
// miss. Concurrent misses for one subdomain share a single lookup, and a
// missing organization is never cached. The shared lookup runs detached from
// the first caller's cancellation; each caller still stops waiting when its
// own ctx ends.
func (r *Resolver) organization(ctx context.Context, sub string) (*Organization, error) {
	now := r.now()
	r.mu.RLock()
	e, ok := r.cache[sub]
	gen := r.gen
	r.mu.RUnlock()
	if ok && now.Before(e.expires) {
		return e.org, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(sub, func() (any, error) {
		org, err := r.orgs.GetBySubdomain(loadCtx, sub)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if r.gen == gen {
			r.cache[sub] = cacheEntry{org: org.clone(), expires: r.now().Add(r.ttl)}
		}
		r.mu.Unlock()
		return org, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		if errors.Is(res.Err, apperror.ErrNotFound) {
			return nil, tenant.ErrNotFound
		}
		r.logger.Error().Err(res.Err).Str("subdomain", sub).Msg("organization lookup failed")
		return nil, fmt.Errorf("resolve organization: %w", res.Err)
	}
	return res.Val.(*Organization).clone(), nil
}

// Invalidate drops the cached organization for subdomain. A lookup already
// in flight is detached so the next caller reloads.
func (r *Resolver) Invalidate(subdomain string) {
	sub := tenant.Normalize(subdomain)
	r.mu.Lock()
	r.gen++
	delete(r.cache, sub)
	r.group.Forget(sub)
	r.mu.Unlock()
}

// InvalidateOrganization drops every cache entry for the organization.
func (r *Resolver) InvalidateOrganization(id uuid.UUID) {
	r.mu.Lock()
	r.gen++
	for sub, e := range r.cache {
		if e.org.ID == id {
			delete(r.cache, sub)
			r.group.Forget(sub)
		}
	}
	r.mu.Unlock()
}

// Purge drops every cached organization. The change feed calls it after a
// reconnect, when notifications may have been missed.
func (r *Resolver) Purge() {
	r.mu.Lock()
	r.gen++
	for sub := range r.cache {
		r.group.Forget(sub)
	}
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()
}
