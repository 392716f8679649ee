package organization

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/planflow/internal/platform/auth"
)

type OrganizationRepository interface {
	Create(ctx context.Context, o *Organization) error
	GetByID(ctx context.Context, id uuid.UUID) (*Organization, error)
	// GetBySubdomain returns apperror.ErrNotFound for unknown and deleted
	// organizations alike.
	GetBySubdomain(ctx context.Context, subdomain string) (*Organization, error)
	SetStatus(ctx context.Context, id uuid.UUID, status Status) error
	SetFeature(ctx context.Context, id uuid.UUID, name string, enabled bool) error
}

type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	// SetPassword stores a new hash and clears lockout state.
	SetPassword(ctx context.Context, id uuid.UUID, hash string) error
	RecordLoginFailure(ctx context.Context, id uuid.UUID, maxAttempts int, lockFor time.Duration, now time.Time) (*User, error)
	RecordLoginSuccess(ctx context.Context, id uuid.UUID, now time.Time) error
}

type MembershipRepository interface {
	Create(ctx context.Context, m *Membership) error
	Get(ctx context.Context, orgID, userID uuid.UUID) (*Membership, error)
	List(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*StaffMember, int, error)
	UpdateRole(ctx context.Context, orgID, userID uuid.UUID, role auth.Role) error
	SetStatus(ctx context.Context, orgID, userID uuid.UUID, status MembershipStatus) error
	// ActivateInvited moves every invited membership of the user to active.
	ActivateInvited(ctx context.Context, userID uuid.UUID, now time.Time) error
	// CountSeats counts invited and active memberships.
	CountSeats(ctx context.Context, orgID uuid.UUID) (int, error)
	ActiveUserIDsByRole(ctx context.Context, orgID uuid.UUID, roles ...auth.Role) ([]uuid.UUID, error)
}
