package hipaa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/planflow/internal/platform/auth"
	"github.com/ehr/planflow/internal/platform/tenant"
)

func seedStore(t *testing.T, orgID, actor uuid.UUID) *MemoryAuditStore {
	t.Helper()
	store := NewMemoryAuditStore()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	add := func(org uuid.UUID, action, outcome string, offset time.Duration) {
		require.NoError(t, store.WriteAudit(context.Background(), AuditEntry{
			ID:             uuid.New(),
			OrganizationID: org,
			ActorID:        actor,
			Action:         action,
			ResourceType:   "treatment_plan",
			Outcome:        outcome,
			OccurredAt:     base.Add(offset),
		}))
	}
	add(orgID, "plan.create", OutcomeSuccess, 0)
	add(orgID, "plan.submit", OutcomeSuccess, time.Minute)
	add(orgID, "plan.approve", OutcomeDenied, 2*time.Minute)
	add(uuid.New(), "plan.create", OutcomeSuccess, 3*time.Minute)
	return store
}

func TestMemoryAuditStore_SearchIsTenantScoped(t *testing.T) {
	orgID, actor := uuid.New(), uuid.New()
	store := seedStore(t, orgID, actor)

	res, err := store.SearchAudit(context.Background(), orgID, AuditSearchParams{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, "plan.approve", res.Entries[0].Action, "newest first")
	for _, e := range res.Entries {
		assert.Equal(t, orgID, e.OrganizationID)
	}
}

func TestMemoryAuditStore_Filters(t *testing.T) {
	orgID, actor := uuid.New(), uuid.New()
	store := seedStore(t, orgID, actor)
	start := time.Date(2026, 5, 1, 9, 0, 30, 0, time.UTC)

	tests := []struct {
		name   string
		params AuditSearchParams
		want   int
	}{
		{"by outcome", AuditSearchParams{Outcome: OutcomeDenied}, 1},
		{"by action", AuditSearchParams{Action: "plan.create"}, 1},
		{"by actor", AuditSearchParams{ActorID: actor}, 3},
		{"by other actor", AuditSearchParams{ActorID: uuid.New()}, 0},
		{"since", AuditSearchParams{StartTime: &start}, 2},
		{"paged", AuditSearchParams{Limit: 2, Offset: 2}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := store.SearchAudit(context.Background(), orgID, tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Total)
		})
	}

	paged, _ := store.SearchAudit(context.Background(), orgID, AuditSearchParams{Limit: 2, Offset: 2})
	assert.Len(t, paged.Entries, 1)
}

func searchRequest(t *testing.T, tc tenant.Context, query string, h *AuditSearchHandler) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit"+query, nil)
	req = req.WithContext(tenant.WithContext(req.Context(), tc))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.HandleSearch(c); err != nil {
		he, ok := err.(*echo.HTTPError)
		require.True(t, ok, "unexpected error type %T", err)
		rec.Code = he.Code
	}
	return rec
}

func TestAuditSearchHandler(t *testing.T) {
	orgID, actor := uuid.New(), uuid.New()
	store := seedStore(t, orgID, actor)
	sink := NewMemoryAuditStore()
	r := NewRecorder(sink, zerolog.Nop(), 8)
	h := NewAuditSearchHandler(store, r)

	admin := tenant.New(tenant.Params{OrganizationID: orgID, UserID: uuid.New(), Role: auth.RoleOrgAdmin})
	director := tenant.New(tenant.Params{OrganizationID: orgID, UserID: uuid.New(), Role: auth.RoleClinicalDirector})

	rec := searchRequest(t, admin, "?outcome=denied", h)
	require.Equal(t, http.StatusOK, rec.Code)
	var body AuditSearchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Total)

	rec = searchRequest(t, director, "", h)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = searchRequest(t, admin, "?actor_id=nope", h)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	closeRecorder(t, r)
	logged := sink.Entries()
	require.Len(t, logged, 2)
	assert.Equal(t, OutcomeSuccess, logged[0].Outcome)
	assert.Equal(t, OutcomeDenied, logged[1].Outcome)
	assert.Equal(t, "audit.view.role", logged[1].Rule)
}
