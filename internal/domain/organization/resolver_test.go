package organization_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/planflow/internal/domain/organization"
	"github.com/ehr/planflow/internal/domain/organization/orgtest"
	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/auth"
	"github.com/ehr/planflow/internal/platform/tenant"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newResolver(store *orgtest.Store, clock *fakeClock) *organization.Resolver {
	return organization.NewResolver(store.Orgs(), store.Members(), organization.ResolverConfig{
		TTL:    30 * time.Second,
		Now:    clock.Now,
		Logger: zerolog.Nop(),
	})
}

func TestResolver_ResolvesActiveMember(t *testing.T) {
	store := orgtest.New()
	org := store.AddOrg("sunrise", organization.StatusActive)
	require.NoError(t, store.Orgs().SetFeature(context.Background(), org.ID, organization.FeatureAIReview, true))
	userID := store.AddMember(org.ID, auth.RoleBCBA, "Bea")

	r := newResolver(store, newFakeClock())
	tc, err := r.Resolve(context.Background(), auth.Identity{UserID: userID, Name: "Bea"}, "  SunRise ")
	require.NoError(t, err)

	assert.Equal(t, org.ID, tc.OrganizationID())
	assert.Equal(t, userID, tc.UserID())
	assert.Equal(t, auth.RoleBCBA, tc.Role())
	assert.Equal(t, "Bea", tc.UserName())
	assert.Equal(t, "sunrise", tc.Subdomain())
	assert.True(t, tc.HasFeature(organization.FeatureAIReview))
}

func TestResolver_Errors(t *testing.T) {
	store := orgtest.New()
	active := store.AddOrg("active", organization.StatusActive)
	trial := store.AddOrg("trial", organization.StatusTrial)
	suspended := store.AddOrg("suspended", organization.StatusSuspended)
	cancelled := store.AddOrg("cancelled", organization.StatusCancelled)
	other := store.AddOrg("other", organization.StatusActive)

	member := store.AddMember(active.ID, auth.RoleRBT, "Rae")
	trialMember := store.AddMember(trial.ID, auth.RoleRBT, "Tia")
	suspendedMember := store.AddMember(suspended.ID, auth.RoleOrgAdmin, "Sam")
	cancelledMember := store.AddMember(cancelled.ID, auth.RoleOrgAdmin, "Cal")
	outsider := store.AddMember(other.ID, auth.RoleOrgAdmin, "Oz")
	deactivated := store.AddMember(active.ID, auth.RoleBT, "Dee")
	require.NoError(t, store.Members().SetStatus(context.Background(), active.ID, deactivated, organization.MembershipDeactivated))
	invited := store.AddMember(active.ID, auth.RoleBT, "Ivy")
	require.NoError(t, store.Members().SetStatus(context.Background(), active.ID, invited, organization.MembershipInvited))

	r := newResolver(store, newFakeClock())

	tests := []struct {
		name      string
		user      uuid.UUID
		subdomain string
		want      error
	}{
		{"active member", member, "active", nil},
		{"trial is serving", trialMember, "trial", nil},
		{"reserved subdomain", member, "www", tenant.ErrNonTenantSurface},
		{"reserved is case-insensitive", member, "API", tenant.ErrNonTenantSurface},
		{"unknown subdomain", member, "nowhere", tenant.ErrNotFound},
		{"suspended", suspendedMember, "suspended", tenant.ErrSuspended},
		{"cancelled", cancelledMember, "cancelled", tenant.ErrSuspended},
		{"member of another org", outsider, "active", tenant.ErrNoAccess},
		{"deactivated membership", deactivated, "active", tenant.ErrNoAccess},
		{"invited membership", invited, "active", tenant.ErrNoAccess},
		{"unknown user", uuid.New(), "active", tenant.ErrNoAccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), auth.Identity{UserID: tt.user}, tt.subdomain)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestResolver_NoAccessIndistinguishableFromNotFound(t *testing.T) {
	store := orgtest.New()
	org := store.AddOrg("acme", organization.StatusActive)
	other := store.AddOrg("other", organization.StatusActive)
	outsider := store.AddMember(other.ID, auth.RoleOrgAdmin, "Oz")
	_ = org

	r := newResolver(store, newFakeClock())
	_, noAccess := r.Resolve(context.Background(), auth.Identity{UserID: outsider}, "acme")
	_, notFound := r.Resolve(context.Background(), auth.Identity{UserID: outsider}, "missing")

	require.Error(t, noAccess)
	require.Error(t, notFound)
	assert.ErrorIs(t, noAccess, apperror.ErrNotFound)
	assert.ErrorIs(t, notFound, apperror.ErrNotFound)
	assert.Equal(t, notFound.Error(), noAccess.Error())
	assert.Equal(t, apperror.HTTPError(notFound).Code, apperror.HTTPError(noAccess).Code)
}

func TestResolver_SuspensionSeenAfterTTL(t *testing.T) {
	store := orgtest.New()
	org := store.AddOrg("acme", organization.StatusActive)
	user := store.AddMember(org.ID, auth.RoleOrgAdmin, "Ada")
	clock := newFakeClock()
	r := newResolver(store, clock)
	id := auth.Identity{UserID: user}

	_, err := r.Resolve(context.Background(), id, "acme")
	require.NoError(t, err)

	// Suspended behind the resolver's back: the cached entry still serves.
	store.SetOrgStatus(org.ID, organization.StatusSuspended)
	clock.Advance(10 * time.Second)
	_, err = r.Resolve(context.Background(), id, "acme")
	require.NoError(t, err)

	clock.Advance(21 * time.Second)
	_, err = r.Resolve(context.Background(), id, "acme")
	assert.ErrorIs(t, err, tenant.ErrSuspended)
}

func TestResolver_InvalidateOrganization(t *testing.T) {
	store := orgtest.New()
	org := store.AddOrg("acme", organization.StatusActive)
	user := store.AddMember(org.ID, auth.RoleOrgAdmin, "Ada")
	r := newResolver(store, newFakeClock())
	id := auth.Identity{UserID: user}

	_, err := r.Resolve(context.Background(), id, "acme")
	require.NoError(t, err)

	store.SetOrgStatus(org.ID, organization.StatusSuspended)
	r.InvalidateOrganization(org.ID)
	_, err = r.Resolve(context.Background(), id, "acme")
	assert.ErrorIs(t, err, tenant.ErrSuspended)

	store.SetOrgStatus(org.ID, organization.StatusActive)
	r.Invalidate("ACME")
	_, err = r.Resolve(context.Background(), id, "acme")
	assert.NoError(t, err)
}

func TestResolver_NegativeResultsNotCached(t *testing.T) {
	store := orgtest.New()
	r := newResolver(store, newFakeClock())

	_, err := r.Resolve(context.Background(), auth.Identity{UserID: uuid.New()}, "late")
	require.ErrorIs(t, err, tenant.ErrNotFound)

	org := store.AddOrg("late", organization.StatusTrial)
	user := store.AddMember(org.ID, auth.RoleOrgAdmin, "Lee")
	_, err = r.Resolve(context.Background(), auth.Identity{UserID: user}, "late")
	assert.NoError(t, err)
}

func TestResolver_ConcurrentMissesShareOneLookup(t *testing.T) {
	store := orgtest.New()
	org := store.AddOrg("busy", organization.StatusActive)
	user := store.AddMember(org.ID, auth.RoleOrgAdmin, "Bo")

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	store.OnLookup = func() {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	}
	r := newResolver(store, newFakeClock())

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(context.Background(), auth.Identity{UserID: user}, "busy")
			errs <- err
		}()
	}

	<-started
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), store.Lookups.Load())
}

func TestResolver_InvalidationDuringLoadIsNotCached(t *testing.T) {
	store := orgtest.New()
	org := store.AddOrg("acme", organization.StatusActive)
	user := store.AddMember(org.ID, auth.RoleOrgAdmin, "Ada")

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	store.OnLookup = func() {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	}
	r := newResolver(store, newFakeClock())
	id := auth.Identity{UserID: user}

	done := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), id, "acme")
		done <- err
	}()
	<-started

	// A load in flight when the organization changes is not cached, so the
	// next caller reloads.
	store.SetOrgStatus(org.ID, organization.StatusSuspended)
	r.InvalidateOrganization(org.ID)
	close(release)
	<-done

	_, err := r.Resolve(context.Background(), id, "acme")
	assert.ErrorIs(t, err, tenant.ErrSuspended)
	assert.Equal(t, int32(2), store.Lookups.Load())
}

func TestResolver_CancelledCallerDoesNotFailSharedLookup(t *testing.T) {
	store := orgtest.New()
	org := store.AddOrg("busy", organization.StatusActive)
	user := store.AddMember(org.ID, auth.RoleOrgAdmin, "Bo")

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	store.OnLookup = func() {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	}
	r := newResolver(store, newFakeClock())
	id := auth.Identity{UserID: user}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Resolve(first, id, "busy")
		firstErr <- err
	}()
	<-started

	secondErr := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), id, "busy")
		secondErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	close(release)
	assert.NoError(t, <-secondErr)
	assert.Equal(t, int32(1), store.Lookups.Load())
}
