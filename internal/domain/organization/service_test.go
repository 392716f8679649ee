package organization_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/planflow/internal/domain/organization"
	"github.com/ehr/planflow/internal/domain/organization/orgtest"
	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/auth"
	"github.com/ehr/planflow/internal/platform/db"
	"github.com/ehr/planflow/internal/platform/hipaa"
	"github.com/ehr/planflow/internal/platform/tenant"
)

type plainHasher struct{}

func (plainHasher) Hash(p string) (string, error) {
	if len(p) < 12 {
		return "", apperror.Invalid("password", "too short")
	}
	return "hashed:" + p, nil
}

type auditLog struct {
	mu      sync.Mutex
	entries []hipaa.AuditEntry
}

func (a *auditLog) Record(_ context.Context, e hipaa.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *auditLog) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Action + ":" + e.Outcome
	}
	return out
}

type fixture struct {
	store    *orgtest.Store
	resolver *organization.Resolver
	audit    *auditLog
	svc      *organization.Service
	clock    *fakeClock
}

func newFixture() *fixture {
	store := orgtest.New()
	clock := newFakeClock()
	resolver := newResolver(store, clock)
	audit := &auditLog{}
	svc := organization.NewService(store.Orgs(), store.Users(), store.Members(),
		db.Passthrough{}, plainHasher{}, resolver, audit)
	return &fixture{store: store, resolver: resolver, audit: audit, svc: svc, clock: clock}
}

func validSignup() organization.SignupRequest {
	return organization.SignupRequest{
		OrganizationName: "Sunrise ABA",
		Subdomain:        "Sunrise",
		AdminEmail:       "Owner@Sunrise.example",
		AdminName:        "Olivia Owner",
		AdminPassword:    "correct horse battery",
	}
}

func TestSignup_CreatesTrialOrgWithAdmin(t *testing.T) {
	f := newFixture()
	res, err := f.svc.Signup(context.Background(), validSignup())
	require.NoError(t, err)

	assert.Equal(t, organization.StatusTrial, res.Organization.Status)
	assert.Equal(t, "sunrise", res.Organization.Subdomain)

	user, ok := f.store.User(res.AdminUserID)
	require.True(t, ok)
	assert.Equal(t, "owner@sunrise.example", user.Email)
	assert.Equal(t, "hashed:correct horse battery", user.PasswordHash)

	m, ok := f.store.Membership(res.Organization.ID, res.AdminUserID)
	require.True(t, ok)
	assert.Equal(t, auth.RoleOrgAdmin, m.Role)
	assert.Equal(t, organization.MembershipActive, m.Status)

	// The new admin can immediately resolve the tenant.
	tc, err := f.resolver.Resolve(context.Background(), auth.Identity{UserID: res.AdminUserID}, "sunrise")
	require.NoError(t, err)
	assert.Equal(t, auth.RoleOrgAdmin, tc.Role())

	assert.Equal(t, []string{"organization.signup:success"}, f.audit.actions())
}

func TestSignup_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*organization.SignupRequest)
		field  string
	}{
		{"empty name", func(r *organization.SignupRequest) { r.OrganizationName = " " }, "organization_name"},
		{"bad subdomain", func(r *organization.SignupRequest) { r.Subdomain = "bad_sub!" }, "subdomain"},
		{"leading hyphen", func(r *organization.SignupRequest) { r.Subdomain = "-acme" }, "subdomain"},
		{"reserved subdomain", func(r *organization.SignupRequest) { r.Subdomain = "admin" }, "subdomain"},
		{"bad email", func(r *organization.SignupRequest) { r.AdminEmail = "nope" }, "admin_email"},
		{"missing admin name", func(r *organization.SignupRequest) { r.AdminName = "" }, "admin_name"},
		{"weak password", func(r *organization.SignupRequest) { r.AdminPassword = "short" }, "password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			req := validSignup()
			tt.mutate(&req)
			_, err := f.svc.Signup(context.Background(), req)
			require.ErrorIs(t, err, apperror.ErrValidation)
			assert.Contains(t, apperror.SortedFields(err), tt.field)
		})
	}
}

func TestSignup_DuplicateSubdomain(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Signup(context.Background(), validSignup())
	require.NoError(t, err)

	again := validSignup()
	again.AdminEmail = "second@sunrise.example"
	_, err = f.svc.Signup(context.Background(), again)
	require.ErrorIs(t, err, apperror.ErrValidation)
	assert.Equal(t, []string{"subdomain"}, apperror.SortedFields(err))
}

func TestSetStatus_InvalidatesResolverImmediately(t *testing.T) {
	f := newFixture()
	org := f.store.AddOrg("acme", organization.StatusActive)
	user := f.store.AddMember(org.ID, auth.RoleOrgAdmin, "Ada")
	id := auth.Identity{UserID: user}

	_, err := f.resolver.Resolve(context.Background(), id, "acme")
	require.NoError(t, err)

	updated, err := f.svc.SetStatus(context.Background(), "acme", organization.StatusSuspended)
	require.NoError(t, err)
	assert.Equal(t, organization.StatusSuspended, updated.Status)

	// No clock advance: invalidation alone makes the change visible.
	_, err = f.resolver.Resolve(context.Background(), id, "acme")
	assert.ErrorIs(t, err, tenant.ErrSuspended)

	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, "suspended", f.audit.entries[0].Detail["to"])
	assert.Equal(t, "active", f.audit.entries[0].Detail["from"])
}

func TestSetFeature(t *testing.T) {
	f := newFixture()
	org := f.store.AddOrg("acme", organization.StatusActive)
	admin := f.store.AddMember(org.ID, auth.RoleOrgAdmin, "Ada")
	director := f.store.AddMember(org.ID, auth.RoleClinicalDirector, "Dan")

	resolve := func(u uuid.UUID) tenant.Context {
		tc, err := f.resolver.Resolve(context.Background(), auth.Identity{UserID: u}, "acme")
		require.NoError(t, err)
		return tc
	}

	err := f.svc.SetFeature(context.Background(), resolve(director), organization.FeatureAIReview, true)
	var denied *auth.PermissionDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "org.manage.role", denied.Rule)

	err = f.svc.SetFeature(context.Background(), resolve(admin), "teleport", true)
	assert.ErrorIs(t, err, apperror.ErrValidation)

	require.False(t, resolve(admin).HasFeature(organization.FeatureAIReview))
	require.NoError(t, f.svc.SetFeature(context.Background(), resolve(admin), organization.FeatureAIReview, true))
	assert.True(t, resolve(admin).HasFeature(organization.FeatureAIReview), "feature change must invalidate the cache")

	assert.Equal(t, []string{"organization.feature:denied", "organization.feature:success"}, f.audit.actions())
}

func TestEnsureCapacity(t *testing.T) {
	f := newFixture()
	org := f.store.AddOrg("acme", organization.StatusActive)
	f.store.SetLimits(org.ID, 3, 0)
	ctx := context.Background()

	assert.NoError(t, f.svc.EnsureCapacity(ctx, org.ID, organization.QuotaStaff, 2))
	err := f.svc.EnsureCapacity(ctx, org.ID, organization.QuotaStaff, 3)
	require.ErrorIs(t, err, apperror.ErrValidation)
	assert.Equal(t, []string{"staff"}, apperror.SortedFields(err))

	assert.NoError(t, f.svc.EnsureCapacity(ctx, org.ID, organization.QuotaPatients, 10000), "0 means unlimited")
	assert.ErrorIs(t, f.svc.EnsureCapacity(ctx, uuid.New(), organization.QuotaStaff, 0), apperror.ErrNotFound)
}

func TestHandler_SignupAndCurrent(t *testing.T) {
	f := newFixture()
	h := organization.NewHandler(f.svc)
	e := echo.New()

	body := `{"organization_name":"Acme","subdomain":"acme","admin_email":"a@acme.example","admin_name":"Ada","admin_password":"long enough password"}`
	req := httptest.NewRequest(http.MethodPost, "/signup", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	require.NoError(t, h.Signup(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"subdomain":"acme"`)

	req = httptest.NewRequest(http.MethodPost, "/signup", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	err := h.Signup(e.NewContext(req, httptest.NewRecorder()))
	var he *echo.HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusUnprocessableEntity, he.Code)

	org, err := f.store.Orgs().GetBySubdomain(context.Background(), "acme")
	require.NoError(t, err)
	tc := tenant.New(tenant.Params{OrganizationID: org.ID, UserID: uuid.New(), Role: auth.RoleRBT})
	req = httptest.NewRequest(http.MethodGet, "/organization", nil)
	req = req.WithContext(tenant.WithContext(req.Context(), tc))
	rec = httptest.NewRecorder()
	require.NoError(t, h.GetCurrent(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), org.ID.String())
}

func TestParseStatus(t *testing.T) {
	st, err := organization.ParseStatus(" Suspended ")
	require.NoError(t, err)
	assert.Equal(t, organization.StatusSuspended, st)
	assert.False(t, st.Serving())

	_, err = organization.ParseStatus("paused")
	assert.Error(t, err)

	u := organization.User{}
	future := time.Now().Add(time.Minute)
	u.LockedUntil = &future
	assert.True(t, u.Locked(time.Now()))
	assert.False(t, u.Locked(future.Add(time.Second)))
}

type publisher struct {
	mu   sync.Mutex
	subs []string
	err  error
}

func (p *publisher) Publish(_ context.Context, subdomain string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subs = append(p.subs, subdomain)
	return nil
}

func TestSetStatus_PublishesChangeToOtherProcesses(t *testing.T) {
	f := newFixture()
	pub := &publisher{}
	svc := organization.NewService(f.store.Orgs(), f.store.Users(), f.store.Members(),
		db.Passthrough{}, plainHasher{}, f.resolver, f.audit, organization.WithChangePublisher(pub))
	org := f.store.AddOrg("acme", organization.StatusActive)
	admin := f.store.AddMember(org.ID, auth.RoleOrgAdmin, "Ada")

	_, err := svc.SetStatus(context.Background(), "ACME", organization.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, pub.subs)

	require.NoError(t, f.store.Orgs().SetStatus(context.Background(), org.ID, organization.StatusActive))
	f.resolver.Invalidate("acme")
	tc, err := f.resolver.Resolve(context.Background(), auth.Identity{UserID: admin}, "acme")
	require.NoError(t, err)
	require.NoError(t, svc.SetFeature(context.Background(), tc, organization.FeatureAIReview, true))
	assert.Equal(t, []string{"acme", "acme"}, pub.subs)
}

func TestSetStatus_PublishFailureIsReturned(t *testing.T) {
	f := newFixture()
	pub := &publisher{err: errors.New("notify failed")}
	svc := organization.NewService(f.store.Orgs(), f.store.Users(), f.store.Members(),
		db.Passthrough{}, plainHasher{}, f.resolver, f.audit, organization.WithChangePublisher(pub))
	f.store.AddOrg("acme", organization.StatusActive)

	_, err := svc.SetStatus(context.Background(), "acme", organization.StatusSuspended)
	assert.ErrorContains(t, err, "notify failed")
	assert.Empty(t, f.audit.entries, "no success is recorded for an unannounced change")
}

func TestOperatorContext_ActsAsActiveAdministrator(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	org := f.store.AddOrg("acme", organization.StatusActive)
	admin := f.store.AddMember(org.ID, auth.RoleOrgAdmin, "Ada")
	f.store.AddMember(org.ID, auth.RoleBCBA, "Bo")

	tc, err := f.svc.OperatorContext(ctx, " ACME ")
	require.NoError(t, err)
	assert.Equal(t, org.ID, tc.OrganizationID())
	assert.Equal(t, admin, tc.UserID())
	assert.Equal(t, auth.RoleOrgAdmin, tc.Role())
	assert.True(t, tc.Valid())

	empty := f.store.AddOrg("empty", organization.StatusActive)
	f.store.AddMember(empty.ID, auth.RoleBCBA, "Cy")
	_, err = f.svc.OperatorContext(ctx, "empty")
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	_, err = f.svc.OperatorContext(ctx, "ghost")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}
