package hipaa

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/auth"
	"github.com/ehr/planflow/internal/platform/db"
	"github.com/ehr/planflow/internal/platform/tenant"
)

// AuditSearchParams holds filter and pagination parameters. The organization
// is not a parameter: it always comes from the caller's tenant.
type AuditSearchParams struct {
	ActorID      uuid.UUID
	Action       string
	ResourceType string
	ResourceID   string
	Outcome      string
	StartTime    *time.Time
	EndTime      *time.Time
	Limit        int
	Offset       int
}

// AuditSearchResult contains paginated search results.
type AuditSearchResult struct {
	Entries []AuditEntry `json:"entries"`
	Total   int          `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

// AuditSearcher lists one organization's audit entries, newest first.
type AuditSearcher interface {
	SearchAudit(ctx context.Context, orgID uuid.UUID, params AuditSearchParams) (*AuditSearchResult, error)
}

// applyDefaults normalizes search params, applying defaults for limit and offset.
func applyDefaults(params *AuditSearchParams) {
	if params.Limit <= 0 {
		params.Limit = 100
	}
	if params.Limit > 1000 {
		params.Limit = 1000
	}
	if params.Offset < 0 {
		params.Offset = 0
	}
}

// matchEntry returns true if the entry matches all non-zero filter criteria.
func matchEntry(e AuditEntry, orgID uuid.UUID, p AuditSearchParams) bool {
	if e.OrganizationID != orgID {
		return false
	}
	if p.ActorID != uuid.Nil && e.ActorID != p.ActorID {
		return false
	}
	if p.Action != "" && e.Action != p.Action {
		return false
	}
	if p.ResourceType != "" && e.ResourceType != p.ResourceType {
		return false
	}
	if p.ResourceID != "" && e.ResourceID != p.ResourceID {
		return false
	}
	if p.Outcome != "" && e.Outcome != p.Outcome {
		return false
	}
	if p.StartTime != nil && e.OccurredAt.Before(*p.StartTime) {
		return false
	}
	if p.EndTime != nil && e.OccurredAt.After(*p.EndTime) {
		return false
	}
	return true
}

// MemoryAuditStore is an in-memory AuditSink and AuditSearcher for tests and
// local development.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []AuditEntry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) WriteAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

// Entries returns a copy of everything written so far, in write order.
func (s *MemoryAuditStore) Entries() []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]AuditEntry(nil), s.entries...)
}

// Actions returns the action of every entry, in write order.
func (s *MemoryAuditStore) Actions() []string {
	entries := s.Entries()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

func (s *MemoryAuditStore) SearchAudit(_ context.Context, orgID uuid.UUID, params AuditSearchParams) (*AuditSearchResult, error) {
	applyDefaults(&params)

	s.mu.RLock()
	var filtered []AuditEntry
	for _, e := range s.entries {
		if matchEntry(e, orgID, params) {
			filtered = append(filtered, e)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].OccurredAt.After(filtered[j].OccurredAt)
	})

	total := len(filtered)
	start := min(params.Offset, total)
	end := min(start+params.Limit, total)

	page := filtered[start:end]
	if page == nil {
		page = []AuditEntry{}
	}
	return &AuditSearchResult{Entries: page, Total: total, Limit: params.Limit, Offset: params.Offset}, nil
}

// SearchAudit queries audit_log for one organization.
func (s *PGAuditSink) SearchAudit(ctx context.Context, orgID uuid.UUID, params AuditSearchParams) (*AuditSearchResult, error) {
	applyDefaults(&params)

	where := []string{"organization_id = $1"}
	args := []any{orgID}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if params.ActorID != uuid.Nil {
		add("actor_id = $%d", params.ActorID)
	}
	if params.Action != "" {
		add("action = $%d", params.Action)
	}
	if params.ResourceType != "" {
		add("resource_type = $%d", params.ResourceType)
	}
	if params.ResourceID != "" {
		add("resource_id = $%d", params.ResourceID)
	}
	if params.Outcome != "" {
		add("outcome = $%d", params.Outcome)
	}
	if params.StartTime != nil {
		add("occurred_at >= $%d", *params.StartTime)
	}
	if params.EndTime != nil {
		add("occurred_at <= $%d", *params.EndTime)
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM audit_log WHERE "+clause, args...).Scan(&total); err != nil {
		return nil, db.MapError(err)
	}

	query := fmt.Sprintf(`
		SELECT id, organization_id, actor_id, COALESCE(actor_role, ''), action, resource_type,
			COALESCE(resource_id, ''), phi_accessed, outcome, COALESCE(rule, ''), detail,
			COALESCE(ip_address, ''), COALESCE(request_id, ''), occurred_at
		FROM audit_log WHERE %s
		ORDER BY occurred_at DESC
		LIMIT %d OFFSET %d`, clause, params.Limit, params.Offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, db.MapError(err)
	}
	defer rows.Close()

	entries := []AuditEntry{}
	for rows.Next() {
		var (
			e          AuditEntry
			org, actor *uuid.UUID
			detail     []byte
		)
		if err := rows.Scan(&e.ID, &org, &actor, &e.ActorRole, &e.Action, &e.ResourceType,
			&e.ResourceID, &e.PHIAccessed, &e.Outcome, &e.Rule, &detail,
			&e.IPAddress, &e.RequestID, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if org != nil {
			e.OrganizationID = *org
		}
		if actor != nil {
			e.ActorID = *actor
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, db.MapError(err)
	}

	return &AuditSearchResult{Entries: entries, Total: total, Limit: params.Limit, Offset: params.Offset}, nil
}

// AuditSearchHandler exposes audit search to organization administrators.
type AuditSearchHandler struct {
	searcher AuditSearcher
	recorder *Recorder
}

func NewAuditSearchHandler(searcher AuditSearcher, recorder *Recorder) *AuditSearchHandler {
	return &AuditSearchHandler{searcher: searcher, recorder: recorder}
}

// RegisterRoutes registers the audit routes on a tenant-scoped group.
func (h *AuditSearchHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/audit", h.HandleSearch)
}

// parseSearchParams extracts AuditSearchParams from Echo query parameters.
func parseSearchParams(c echo.Context) (AuditSearchParams, error) {
	params := AuditSearchParams{
		Action:       c.QueryParam("action"),
		ResourceType: c.QueryParam("resource_type"),
		ResourceID:   c.QueryParam("resource_id"),
		Outcome:      c.QueryParam("outcome"),
	}

	if v := c.QueryParam("actor_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return params, apperror.Invalid("actor_id", "must be a UUID")
		}
		params.ActorID = id
	}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.Offset = n
		}
	}
	for name, dst := range map[string]**time.Time{"start_time": &params.StartTime, "end_time": &params.EndTime} {
		v := c.QueryParam(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return params, apperror.Invalid(name, "must be RFC 3339")
		}
		*dst = &t
	}
	return params, nil
}

// HandleSearch handles GET /audit.
func (h *AuditSearchHandler) HandleSearch(c echo.Context) error {
	ctx := c.Request().Context()
	tc, err := tenant.Require(ctx)
	if err != nil {
		return apperror.HTTPError(err)
	}

	entry := EntryFor(tc, "audit.search", "audit_log", "")
	if err := tc.Can(auth.ActionAuditView, auth.Resource{}); err != nil {
		h.recorder.Record(ctx, entry.WithError(err))
		return apperror.HTTPError(err)
	}

	params, err := parseSearchParams(c)
	if err != nil {
		return apperror.HTTPError(err)
	}
	result, err := h.searcher.SearchAudit(ctx, tc.OrganizationID(), params)
	if err != nil {
		return apperror.HTTPError(err)
	}
	h.recorder.Record(ctx, entry)
	return c.JSON(http.StatusOK, result)
}
