package patient_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/planflow/internal/domain/organization"
	"github.com/ehr/planflow/internal/domain/organization/orgtest"
	"github.com/ehr/planflow/internal/domain/patient"
	"github.com/ehr/planflow/internal/domain/patient/patienttest"
	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/auth"
	"github.com/ehr/planflow/internal/platform/hipaa"
	"github.com/ehr/planflow/internal/platform/tenant"
)

type auditLog struct {
	mu      sync.Mutex
	entries []hipaa.AuditEntry
}

func (a *auditLog) Record(_ context.Context, e hipaa.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *auditLog) last() hipaa.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entries[len(a.entries)-1]
}

type capacity struct{ max int }

func (c capacity) EnsureCapacity(_ context.Context, _ uuid.UUID, q organization.Quota, current int) error {
	if c.max > 0 && current >= c.max {
		return apperror.Invalid(string(q), "limit reached")
	}
	return nil
}

func newBox(t *testing.T, fill byte) *hipaa.FieldBox {
	t.Helper()
	enc, err := hipaa.NewPHIEncryptor(bytes.Repeat([]byte{fill}, 32))
	require.NoError(t, err)
	return hipaa.NewFieldBox(enc)
}

type fixture struct {
	store *orgtest.Store
	repo  *patienttest.Repo
	audit *auditLog
	svc   *patient.Service
	org   uuid.UUID
	ids   map[auth.Role]uuid.UUID
}

func newFixture(t *testing.T, maxPatients int) *fixture {
	t.Helper()
	store := orgtest.New()
	org := store.AddOrg("acme", organization.StatusActive)
	ids := map[auth.Role]uuid.UUID{}
	for _, r := range auth.Roles() {
		ids[r] = store.AddMember(org.ID, r, r.String())
	}
	idx, err := hipaa.NewBlindIndexer(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	repo := patienttest.New()
	audit := &auditLog{}
	svc := patient.NewService(repo, newBox(t, 1), idx, capacity{max: maxPatients}, store.Members(), audit)
	return &fixture{store: store, repo: repo, audit: audit, svc: svc, org: org.ID, ids: ids}
}

func (f *fixture) as(role auth.Role) tenant.Context {
	return tenant.New(tenant.Params{OrganizationID: f.org, UserID: f.ids[role], Role: role})
}

func str(s string) *string { return &s }

func sample() patient.Input {
	return patient.Input{
		FirstName:   "Maya",
		LastName:    "Okafor",
		DateOfBirth: "2018-03-14",
		SSN:         str("123-45-6789"),
		Phone:       str(""),
	}
}

func TestCreate_EncryptsAtRestAndRoundTrips(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, f.as(auth.RoleBCBA), sample())
	require.NoError(t, err)
	assert.Equal(t, f.ids[auth.RoleBCBA], created.CreatedByID)

	raw, deleted, ok := f.repo.Raw(created.ID)
	require.True(t, ok)
	assert.False(t, deleted)
	require.NotNil(t, raw.Fields[hipaa.FieldSSN])
	assert.True(t, strings.HasPrefix(*raw.Fields[hipaa.FieldSSN], "v1:"))
	assert.NotContains(t, *raw.Fields[hipaa.FieldLastName], "Okafor")
	assert.Nil(t, raw.Fields[hipaa.FieldAddress], "absent fields stay absent")
	assert.Len(t, raw.NameDOBIndex, 64)

	got, err := f.svc.Get(ctx, f.as(auth.RoleBCBA), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Okafor", got.LastName)
	assert.Equal(t, "123-45-6789", *got.SSN)
	require.NotNil(t, got.Phone)
	assert.Equal(t, "", *got.Phone)
	assert.Nil(t, got.Address)

	e := f.audit.last()
	assert.Equal(t, "patient.view", e.Action)
	assert.True(t, e.PHIAccessed)
	assert.Equal(t, hipaa.OutcomeSuccess, e.Outcome)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t, 0)
	rbt := f.ids[auth.RoleRBT]
	tests := []struct {
		name   string
		mutate func(*patient.Input)
		field  string
	}{
		{"missing first name", func(in *patient.Input) { in.FirstName = " " }, "first_name"},
		{"bad date", func(in *patient.Input) { in.DateOfBirth = "14/03/2018" }, "date_of_birth"},
		{"future date", func(in *patient.Input) { in.DateOfBirth = "2999-01-01" }, "date_of_birth"},
		{"bad ssn", func(in *patient.Input) { in.SSN = str("12-34") }, "ssn"},
		{"bcba slot holds an rbt", func(in *patient.Input) { in.AssignedBCBAID = &rbt }, "assigned_bcba_id"},
		{"unknown rbt", func(in *patient.Input) { id := uuid.New(); in.AssignedRBTID = &id }, "assigned_rbt_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := sample()
			tt.mutate(&in)
			_, err := f.svc.Create(context.Background(), f.as(auth.RoleBCBA), in)
			require.ErrorIs(t, err, apperror.ErrValidation)
			assert.Contains(t, apperror.SortedFields(err), tt.field)
		})
	}
}

func TestCreate_DeniedRolesAreAudited(t *testing.T) {
	f := newFixture(t, 0)
	for _, role := range []auth.Role{auth.RoleRBT, auth.RoleBT, auth.RoleHR} {
		_, err := f.svc.Create(context.Background(), f.as(role), sample())
		var denied *auth.PermissionDeniedError
		require.True(t, errors.As(err, &denied), role)
		e := f.audit.last()
		assert.Equal(t, hipaa.OutcomeDenied, e.Outcome)
		assert.Equal(t, "patient.create.role", e.Rule)
	}
}

func TestCreate_PatientLimit(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.svc.Create(context.Background(), f.as(auth.RoleBCBA), sample())
	require.NoError(t, err)
	_, err = f.svc.Create(context.Background(), f.as(auth.RoleBCBA), sample())
	require.ErrorIs(t, err, apperror.ErrValidation)
	assert.Equal(t, []string{"patients"}, apperror.SortedFields(err))
}

func TestVisibility_AssignedClinicianOrCreator(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	rbt := f.ids[auth.RoleRBT]

	in := sample()
	in.AssignedRBTID = &rbt
	mine, err := f.svc.Create(ctx, f.as(auth.RoleBCBA), in)
	require.NoError(t, err)
	other, err := f.svc.Create(ctx, f.as(auth.RoleClinicalManager), sample())
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, f.as(auth.RoleRBT), mine.ID)
	assert.NoError(t, err)

	_, err = f.svc.Get(ctx, f.as(auth.RoleRBT), other.ID)
	var denied *auth.PermissionDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "patient.view.ownership", denied.Rule)

	list, total, err := f.svc.List(ctx, f.as(auth.RoleRBT), 20, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, mine.ID, list[0].ID)

	_, total, err = f.svc.List(ctx, f.as(auth.RoleClinicalDirector), 20, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	_, _, err = f.svc.List(ctx, f.as(auth.RoleHR), 20, 0)
	assert.ErrorIs(t, err, apperror.ErrPermissionDenied)
}

func TestGet_OtherTenantIsNotFound(t *testing.T) {
	f := newFixture(t, 0)
	created, err := f.svc.Create(context.Background(), f.as(auth.RoleOrgAdmin), sample())
	require.NoError(t, err)

	foreign := tenant.New(tenant.Params{OrganizationID: uuid.New(), UserID: uuid.New(), Role: auth.RoleOrgAdmin})
	_, err = f.svc.Get(context.Background(), foreign, created.ID)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestSearch_ByLastNameAndDOB(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	created, err := f.svc.Create(ctx, f.as(auth.RoleBCBA), sample())
	require.NoError(t, err)
	other := sample()
	other.DateOfBirth = "2017-03-14"
	_, err = f.svc.Create(ctx, f.as(auth.RoleBCBA), other)
	require.NoError(t, err)

	found, err := f.svc.Search(ctx, f.as(auth.RoleBCBA), "  OKAFOR ", "2018-03-14")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, created.ID, found[0].ID)

	_, err = f.svc.Search(ctx, f.as(auth.RoleBCBA), "", "nope")
	require.ErrorIs(t, err, apperror.ErrValidation)
	assert.Equal(t, []string{"date_of_birth", "last_name"}, apperror.SortedFields(err))
}

func TestGet_WrongKeyIsFatal(t *testing.T) {
	f := newFixture(t, 0)
	created, err := f.svc.Create(context.Background(), f.as(auth.RoleBCBA), sample())
	require.NoError(t, err)

	idx, err := hipaa.NewBlindIndexer(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	rotated := patient.NewService(f.repo, newBox(t, 2), idx, capacity{}, f.store.Members(), f.audit)

	_, err = rotated.Get(context.Background(), f.as(auth.RoleBCBA), created.ID)
	var de *hipaa.DecryptionError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, hipaa.OutcomeFailure, f.audit.last().Outcome)
}

func TestUpdateAndDelete(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	created, err := f.svc.Create(ctx, f.as(auth.RoleBCBA), sample())
	require.NoError(t, err)

	in := sample()
	in.Address = str("12 Elm St")
	_, err = f.svc.Update(ctx, f.as(auth.RoleBCBA), created.ID, in)
	require.NoError(t, err)
	got, err := f.svc.Get(ctx, f.as(auth.RoleBCBA), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "12 Elm St", *got.Address)

	_, err = f.svc.Update(ctx, f.as(auth.RoleRBT), created.ID, in)
	assert.ErrorIs(t, err, apperror.ErrPermissionDenied)

	assert.ErrorIs(t, f.svc.Delete(ctx, f.as(auth.RoleBCBA), created.ID), apperror.ErrPermissionDenied)
	require.NoError(t, f.svc.Delete(ctx, f.as(auth.RoleClinicalManager), created.ID))

	_, deleted, ok := f.repo.Raw(created.ID)
	require.True(t, ok, "soft delete keeps the row")
	assert.True(t, deleted)
	_, err = f.svc.Get(ctx, f.as(auth.RoleClinicalManager), created.ID)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestHandler_CreateAndGet(t *testing.T) {
	f := newFixture(t, 0)
	h := patient.NewHandler(f.svc)
	e := echo.New()
	tc := f.as(auth.RoleBCBA)

	body := `{"first_name":"Maya","last_name":"Okafor","date_of_birth":"2018-03-14"}`
	req := httptest.NewRequest(http.MethodPost, "/patients", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(tenant.WithContext(req.Context(), tc))
	rec := httptest.NewRecorder()
	require.NoError(t, h.Create(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusCreated, rec.Code)

	list, _, err := f.svc.List(context.Background(), tc, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)

	req = httptest.NewRequest(http.MethodGet, "/patients/"+list[0].ID.String(), nil)
	req = req.WithContext(tenant.WithContext(req.Context(), tc))
	rec = httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(list[0].ID.String())
	require.NoError(t, h.Get(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"last_name":"Okafor"`)

	req = httptest.NewRequest(http.MethodGet, "/patients/nope", nil)
	req = req.WithContext(tenant.WithContext(req.Context(), tc))
	c = e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("nope")
	var he *echo.HTTPError
	require.True(t, errors.As(h.Get(c), &he))
	assert.Equal(t, http.StatusBadRequest, he.Code)
}

func TestRekey_MovesRetiredRowsToCurrentKey(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	oldKey, newKey := bytes.Repeat([]byte{1}, 32), bytes.Repeat([]byte{2}, 32)
	idx, err := hipaa.NewBlindIndexer(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	withKeys := func(current []byte, retired ...[]byte) *patient.Service {
		ring, err := hipaa.NewKeyRing(current, retired...)
		require.NoError(t, err)
		return patient.NewService(f.repo, hipaa.NewFieldBox(ring), idx, capacity{}, f.store.Members(), f.audit)
	}

	legacy := withKeys(oldKey)
	var ids []uuid.UUID
	for _, name := range []string{"Okafor", "Lindqvist", "Abara"} {
		in := sample()
		in.LastName = name
		p, err := legacy.Create(ctx, f.as(auth.RoleBCBA), in)
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}

	rotated := withKeys(newKey, oldKey)
	_, err = rotated.Rekey(ctx, f.as(auth.RoleClinicalDirector))
	assert.ErrorAs(t, err, new(*auth.PermissionDeniedError))
	assert.Equal(t, hipaa.OutcomeDenied, f.audit.last().Outcome)

	n, err := rotated.Rekey(ctx, f.as(auth.RoleOrgAdmin))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	last := f.audit.last()
	assert.Equal(t, "patient.rekey", last.Action)
	assert.True(t, last.PHIAccessed)
	assert.Equal(t, "3", last.Detail["rewritten"])

	currentOnly := withKeys(newKey)
	for i, id := range ids {
		p, err := currentOnly.Get(ctx, f.as(auth.RoleOrgAdmin), id)
		require.NoError(t, err, "row %d unreadable without the retired key", i)
		assert.Equal(t, "123-45-6789", *p.SSN)
	}

	n, err = rotated.Rekey(ctx, f.as(auth.RoleOrgAdmin))
	require.NoError(t, err)
	assert.Zero(t, n, "a second pass finds nothing to do")
}

func TestRekey_UnreadableRowStopsAndIsAudited(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	_, err := f.svc.Create(ctx, f.as(auth.RoleBCBA), sample())
	require.NoError(t, err)

	idx, err := hipaa.NewBlindIndexer(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	ring, err := hipaa.NewKeyRing(bytes.Repeat([]byte{3}, 32), bytes.Repeat([]byte{4}, 32))
	require.NoError(t, err)
	svc := patient.NewService(f.repo, hipaa.NewFieldBox(ring), idx, capacity{}, f.store.Members(), f.audit)

	n, err := svc.Rekey(ctx, f.as(auth.RoleOrgAdmin))
	var de *hipaa.DecryptionError
	require.ErrorAs(t, err, &de)
	assert.Zero(t, n)
	assert.Equal(t, hipaa.OutcomeFailure, f.audit.last().Outcome)
}
