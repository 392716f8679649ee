package treatmentplan

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/planflow/internal/platform/aireview"
	"github.com/ehr/planflow/internal/platform/auth"
	"github.com/ehr/planflow/internal/platform/tenant"
	"github.com/ehr/planflow/internal/platform/workflow"
)

// Repository stores plans. All methods are bound to the caller's tenant and
// skip soft-deleted rows.
type Repository interface {
	// Create allocates the next version for the patient and inserts p. A
	// concurrent allocation of the same version fails with
	// db.ErrUniqueViolation; callers retry.
	Create(ctx context.Context, tc tenant.Context, p *Plan) error
	Get(ctx context.Context, tc tenant.Context, id uuid.UUID) (*Plan, error)
	List(ctx context.Context, tc tenant.Context, scope auth.Predicate, f ListFilter, limit, offset int) ([]*Plan, int, error)
	// Transition writes status and stamps of p and appends its last history
	// entry, only if the stored status still equals from. It reports whether
	// a row was updated.
	Transition(ctx context.Context, tc tenant.Context, p *Plan, from workflow.Status) (bool, error)
	// UpdateDraft writes title and content only while the plan is DRAFT.
	UpdateDraft(ctx context.Context, tc tenant.Context, p *Plan) (bool, error)
	SetAIReview(ctx context.Context, tc tenant.Context, id uuid.UUID, r aireview.Result) error
	SoftDelete(ctx context.Context, tc tenant.Context, id uuid.UUID, at time.Time) error
}
