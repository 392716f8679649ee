package patient

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/planflow/internal/platform/auth"
	"github.com/ehr/planflow/internal/platform/tenant"
)

// Repository stores patients. Every method is bound to the caller's tenant
// and never returns soft-deleted rows.
type Repository interface {
	Create(ctx context.Context, tc tenant.Context, r *Row) error
	Get(ctx context.Context, tc tenant.Context, id uuid.UUID) (*Row, error)
	List(ctx context.Context, tc tenant.Context, scope auth.Predicate, limit, offset int) ([]*Row, int, error)
	FindByIndex(ctx context.Context, tc tenant.Context, scope auth.Predicate, index string) ([]*Row, error)
	Update(ctx context.Context, tc tenant.Context, r *Row) error
	SoftDelete(ctx context.Context, tc tenant.Context, id uuid.UUID, at time.Time) error
	Count(ctx context.Context, tc tenant.Context) (int, error)
}
