package organization

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/auth"
	"github.com/ehr/planflow/internal/platform/db"
)

// =========== Organization Repository ===========

type orgRepoPG struct{ db db.Querier }

func NewOrganizationRepoPG(q db.Querier) OrganizationRepository {
	return &orgRepoPG{db: q}
}

const orgCols = `id, name, subdomain, status, features, max_staff, max_patients, deleted_at, created_at, updated_at`

func scanOrg(row pgx.Row) (*Organization, error) {
	var (
		o      Organization
		status string
	)
	if err := row.Scan(&o.ID, &o.Name, &o.Subdomain, &status, &o.Features,
		&o.MaxStaff, &o.MaxPatients, &o.DeletedAt, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, db.MapError(err)
	}
	o.Status = Status(status)
	if o.Features == nil {
		o.Features = map[string]bool{}
	}
	return &o, nil
}

func (r *orgRepoPG) Create(ctx context.Context, o *Organization) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Features == nil {
		o.Features = map[string]bool{}
	}
	err := db.Conn(ctx, r.db).QueryRow(ctx, `
		INSERT INTO organization (id, name, subdomain, status, features, max_staff, max_patients)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		o.ID, o.Name, o.Subdomain, string(o.Status), o.Features, o.MaxStaff, o.MaxPatients,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, "organization_subdomain_key") {
			return apperror.Invalid("subdomain", "subdomain is already taken")
		}
		return fmt.Errorf("insert organization: %w", db.MapError(err))
	}
	return nil
}

func (r *orgRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Organization, error) {
	return scanOrg(db.Conn(ctx, r.db).QueryRow(ctx,
		`SELECT `+orgCols+` FROM organization WHERE id = $1 AND deleted_at IS NULL`, id))
}

func (r *orgRepoPG) GetBySubdomain(ctx context.Context, subdomain string) (*Organization, error) {
	return scanOrg(db.Conn(ctx, r.db).QueryRow(ctx,
		`SELECT `+orgCols+` FROM organization WHERE subdomain = $1 AND deleted_at IS NULL`, subdomain))
}

func (r *orgRepoPG) SetStatus(ctx context.Context, id uuid.UUID, status Status) error {
	tag, err := db.Conn(ctx, r.db).Exec(ctx, `
		UPDATE organization SET status = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, id, string(status))
	if err != nil {
		return fmt.Errorf("update organization status: %w", db.MapError(err))
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFoundf("organization %s", id)
	}
	return nil
}

func (r *orgRepoPG) SetFeature(ctx context.Context, id uuid.UUID, name string, enabled bool) error {
	tag, err := db.Conn(ctx, r.db).Exec(ctx, `
		UPDATE organization SET features = features || jsonb_build_object($2::text, $3::boolean), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, id, name, enabled)
	if err != nil {
		return fmt.Errorf("update organization features: %w", db.MapError(err))
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFoundf("organization %s", id)
	}
	return nil
}

// =========== User Repository ===========

type userRepoPG struct{ db db.Querier }

func NewUserRepoPG(q db.Querier) UserRepository {
	return &userRepoPG{db: q}
}

const userCols = `id, email, name, COALESCE(password_hash, ''), status, failed_login_attempts, locked_until, last_login_at, created_at`

func scanUser(row pgx.Row) (*User, error) {
	var (
		u      User
		status string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &status,
		&u.FailedLoginAttempts, &u.LockedUntil, &u.LastLoginAt, &u.CreatedAt); err != nil {
		return nil, db.MapError(err)
	}
	u.Status = UserStatus(status)
	return &u, nil
}

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Status == "" {
		u.Status = UserActive
	}
	var hash *string
	if u.PasswordHash != "" {
		hash = &u.PasswordHash
	}
	err := db.Conn(ctx, r.db).QueryRow(ctx, `
		INSERT INTO app_user (id, email, name, password_hash, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		u.ID, NormalizeEmail(u.Email), u.Name, hash, string(u.Status),
	).Scan(&u.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, "app_user_email_key") {
			return apperror.Invalid("email", "email is already registered")
		}
		return fmt.Errorf("insert user: %w", db.MapError(err))
	}
	return nil
}

func (r *userRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(db.Conn(ctx, r.db).QueryRow(ctx, `SELECT `+userCols+` FROM app_user WHERE id = $1`, id))
}

func (r *userRepoPG) GetByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(db.Conn(ctx, r.db).QueryRow(ctx,
		`SELECT `+userCols+` FROM app_user WHERE email = $1`, NormalizeEmail(email)))
}

func (r *userRepoPG) SetPassword(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := db.Conn(ctx, r.db).Exec(ctx, `
		UPDATE app_user SET password_hash = $2, failed_login_attempts = 0, locked_until = NULL, updated_at = NOW()
		WHERE id = $1`, id, hash)
	if err != nil {
		return fmt.Errorf("update password: %w", db.MapError(err))
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFoundf("user %s", id)
	}
	return nil
}

// RecordLoginFailure increments the failure counter and sets locked_until
// once it reaches maxAttempts, in one statement so concurrent attempts
// cannot both slip under the threshold.
func (r *userRepoPG) RecordLoginFailure(ctx context.Context, id uuid.UUID, maxAttempts int, lockFor time.Duration, now time.Time) (*User, error) {
	return scanUser(db.Conn(ctx, r.db).QueryRow(ctx, `
		UPDATE app_user SET
			failed_login_attempts = failed_login_attempts + 1,
			locked_until = CASE WHEN failed_login_attempts + 1 >= $2 THEN $3::timestamptz ELSE locked_until END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+userCols,
		id, maxAttempts, now.Add(lockFor)))
}

func (r *userRepoPG) RecordLoginSuccess(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := db.Conn(ctx, r.db).Exec(ctx, `
		UPDATE app_user SET failed_login_attempts = 0, locked_until = NULL, last_login_at = $2, updated_at = NOW()
		WHERE id = $1`, id, now)
	if err != nil {
		return fmt.Errorf("record login: %w", db.MapError(err))
	}
	return nil
}

// =========== Membership Repository ===========

type membershipRepoPG struct{ db db.Querier }

func NewMembershipRepoPG(q db.Querier) MembershipRepository {
	return &membershipRepoPG{db: q}
}

func (r *membershipRepoPG) Create(ctx context.Context, m *Membership) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	err := db.Conn(ctx, r.db).QueryRow(ctx, `
		INSERT INTO membership (id, organization_id, user_id, role, status, invited_by_id, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING invited_at`,
		m.ID, m.OrganizationID, m.UserID, string(m.Role), string(m.Status), m.InvitedByID, m.JoinedAt,
	).Scan(&m.InvitedAt)
	if err != nil {
		if db.IsUniqueViolation(err, "membership_org_user_key") {
			return apperror.Invalid("email", "user is already a member of this organization")
		}
		return fmt.Errorf("insert membership: %w", db.MapError(err))
	}
	return nil
}

func (r *membershipRepoPG) Get(ctx context.Context, orgID, userID uuid.UUID) (*Membership, error) {
	var (
		m            Membership
		role, status string
	)
	err := db.Conn(ctx, r.db).QueryRow(ctx, `
		SELECT m.id, m.organization_id, m.user_id, m.role, m.status, m.invited_by_id, m.invited_at, m.joined_at
		FROM membership m
		JOIN app_user u ON u.id = m.user_id
		WHERE m.organization_id = $1 AND m.user_id = $2 AND u.status = 'active'`,
		orgID, userID,
	).Scan(&m.ID, &m.OrganizationID, &m.UserID, &role, &status, &m.InvitedByID, &m.InvitedAt, &m.JoinedAt)
	if err != nil {
		return nil, db.MapError(err)
	}
	m.Role = auth.Role(role)
	m.Status = MembershipStatus(status)
	return &m, nil
}

func (r *membershipRepoPG) List(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*StaffMember, int, error) {
	q := db.Conn(ctx, r.db)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM membership WHERE organization_id = $1`, orgID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count staff: %w", db.MapError(err))
	}

	rows, err := q.Query(ctx, `
		SELECT u.id, u.email, u.name, m.role, m.status, m.invited_at, m.joined_at
		FROM membership m
		JOIN app_user u ON u.id = m.user_id
		WHERE m.organization_id = $1
		ORDER BY u.name, u.id
		LIMIT $2 OFFSET $3`, orgID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list staff: %w", db.MapError(err))
	}
	defer rows.Close()

	var out []*StaffMember
	for rows.Next() {
		var (
			s            StaffMember
			role, status string
		)
		if err := rows.Scan(&s.UserID, &s.Email, &s.Name, &role, &status, &s.InvitedAt, &s.JoinedAt); err != nil {
			return nil, 0, fmt.Errorf("scan staff: %w", err)
		}
		s.Role = auth.Role(role)
		s.Status = MembershipStatus(status)
		out = append(out, &s)
	}
	return out, total, rows.Err()
}

func (r *membershipRepoPG) UpdateRole(ctx context.Context, orgID, userID uuid.UUID, role auth.Role) error {
	tag, err := db.Conn(ctx, r.db).Exec(ctx, `
		UPDATE membership SET role = $3, updated_at = NOW()
		WHERE organization_id = $1 AND user_id = $2`, orgID, userID, string(role))
	if err != nil {
		return fmt.Errorf("update role: %w", db.MapError(err))
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFoundf("membership")
	}
	return nil
}

func (r *membershipRepoPG) SetStatus(ctx context.Context, orgID, userID uuid.UUID, status MembershipStatus) error {
	tag, err := db.Conn(ctx, r.db).Exec(ctx, `
		UPDATE membership SET status = $3, updated_at = NOW()
		WHERE organization_id = $1 AND user_id = $2`, orgID, userID, string(status))
	if err != nil {
		return fmt.Errorf("update membership status: %w", db.MapError(err))
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFoundf("membership")
	}
	return nil
}

func (r *membershipRepoPG) ActivateInvited(ctx context.Context, userID uuid.UUID, now time.Time) error {
	_, err := db.Conn(ctx, r.db).Exec(ctx, `
		UPDATE membership SET status = 'active', joined_at = $2, updated_at = NOW()
		WHERE user_id = $1 AND status = 'invited'`, userID, now)
	if err != nil {
		return fmt.Errorf("activate memberships: %w", db.MapError(err))
	}
	return nil
}

func (r *membershipRepoPG) CountSeats(ctx context.Context, orgID uuid.UUID) (int, error) {
	var n int
	err := db.Conn(ctx, r.db).QueryRow(ctx, `
		SELECT COUNT(*) FROM membership WHERE organization_id = $1 AND status <> 'deactivated'`, orgID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count seats: %w", db.MapError(err))
	}
	return n, nil
}

func (r *membershipRepoPG) ActiveUserIDsByRole(ctx context.Context, orgID uuid.UUID, roles ...auth.Role) ([]uuid.UUID, error) {
	names := make([]string, len(roles))
	for i, role := range roles {
		names[i] = string(role)
	}
	rows, err := db.Conn(ctx, r.db).Query(ctx, `
		SELECT m.user_id
		FROM membership m
		JOIN app_user u ON u.id = m.user_id
		WHERE m.organization_id = $1 AND m.status = 'active' AND u.status = 'active' AND m.role = ANY($2)
		ORDER BY m.user_id`, orgID, names)
	if err != nil {
		return nil, fmt.Errorf("list members by role: %w", db.MapError(err))
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
