package organization

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"

	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/auth"
	"github.com/ehr/planflow/internal/platform/db"
	"github.com/ehr/planflow/internal/platform/hipaa"
	"github.com/ehr/planflow/internal/platform/tenant"
)

// PasswordHasher hashes a new password, rejecting ones that fail policy.
type PasswordHasher interface {
	Hash(password string) (string, error)
}

// TenantCache is the part of the Resolver the service keeps consistent.
type TenantCache interface {
	Reserved(subdomain string) bool
	InvalidateOrganization(id uuid.UUID)
}

// Auditor records compliance events. *hipaa.Recorder satisfies it.
type Auditor interface {
	Record(ctx context.Context, e hipaa.AuditEntry)
}

var subdomainPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?$`)

type Service struct {
	orgs    OrganizationRepository
	users   UserRepository
	members MembershipRepository
	tx      db.Transactor
	hasher  PasswordHasher
	cache   TenantCache
	changes ChangePublisher
	audit   Auditor
	now     func() time.Time
}

type ServiceOption func(*Service)

// WithChangePublisher announces status and feature changes to other
// processes sharing the database.
func WithChangePublisher(p ChangePublisher) ServiceOption {
	return func(s *Service) { s.changes = p }
}

func NewService(orgs OrganizationRepository, users UserRepository, members MembershipRepository,
	tx db.Transactor, hasher PasswordHasher, cache TenantCache, audit Auditor, opts ...ServiceOption) *Service {
	s := &Service{
		orgs:    orgs,
		users:   users,
		members: members,
		tx:      tx,
		hasher:  hasher,
		cache:   cache,
		audit:   audit,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// changed writes fn and the change notice in one transaction, then drops
// this process's cached copy.
func (s *Service) changed(ctx context.Context, org uuid.UUID, subdomain string, fn func(ctx context.Context) error) error {
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return err
		}
		if s.changes == nil {
			return nil
		}
		return s.changes.Publish(ctx, subdomain)
	})
	if err != nil {
		return err
	}
	s.cache.InvalidateOrganization(org)
	return nil
}

type SignupRequest struct {
	OrganizationName string `json:"organization_name"`
	Subdomain        string `json:"subdomain"`
	AdminEmail       string `json:"admin_email"`
	AdminName        string `json:"admin_name"`
	AdminPassword    string `json:"admin_password"`
}

type SignupResult struct {
	Organization *Organization `json:"organization"`
	AdminUserID  uuid.UUID     `json:"admin_user_id"`
}

func (s *Service) validateSignup(req *SignupRequest) error {
	req.OrganizationName = strings.TrimSpace(req.OrganizationName)
	req.Subdomain = tenant.Normalize(req.Subdomain)
	req.AdminEmail = NormalizeEmail(req.AdminEmail)
	req.AdminName = strings.TrimSpace(req.AdminName)

	var errs errsx.Map
	if req.OrganizationName == "" || len(req.OrganizationName) > 200 {
		errs.Set("organization_name", "must be 1 to 200 characters")
	}
	switch {
	case !subdomainPattern.MatchString(req.Subdomain):
		errs.Set("subdomain", "must be lower-case letters, digits and hyphens")
	case s.cache != nil && s.cache.Reserved(req.Subdomain):
		errs.Set("subdomain", "subdomain is reserved")
	}
	if !strings.Contains(req.AdminEmail, "@") {
		errs.Set("admin_email", "must be a valid email address")
	}
	if req.AdminName == "" {
		errs.Set("admin_name", "is required")
	}
	return apperror.NewValidationError(errs)
}

// Signup creates a trial organization and its first user, who becomes the
// active org_admin. All three rows are written in one transaction.
func (s *Service) Signup(ctx context.Context, req SignupRequest) (*SignupResult, error) {
	if err := s.validateSignup(&req); err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(req.AdminPassword)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	org := &Organization{
		Name:      req.OrganizationName,
		Subdomain: req.Subdomain,
		Status:    StatusTrial,
		Features:  map[string]bool{},
	}
	user := &User{Email: req.AdminEmail, Name: req.AdminName, PasswordHash: hash, Status: UserActive}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.orgs.Create(ctx, org); err != nil {
			return err
		}
		if err := s.users.Create(ctx, user); err != nil {
			return err
		}
		return s.members.Create(ctx, &Membership{
			OrganizationID: org.ID,
			UserID:         user.ID,
			Role:           auth.RoleOrgAdmin,
			Status:         MembershipActive,
			JoinedAt:       &now,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("signup: %w", err)
	}

	s.audit.Record(ctx, hipaa.AuditEntry{
		OrganizationID: org.ID,
		ActorID:        user.ID,
		ActorRole:      auth.RoleOrgAdmin.String(),
		Action:         "organization.signup",
		ResourceType:   "organization",
		ResourceID:     org.ID.String(),
		Outcome:        hipaa.OutcomeSuccess,
	}.WithDetail("subdomain", org.Subdomain))

	return &SignupResult{Organization: org, AdminUserID: user.ID}, nil
}

// Current returns the caller's organization.
func (s *Service) Current(ctx context.Context, tc tenant.Context) (*Organization, error) {
	return s.orgs.GetByID(ctx, tc.OrganizationID())
}

// SetStatus changes an organization's lifecycle status. It is an operator
// action with no tenant caller.
func (s *Service) SetStatus(ctx context.Context, subdomain string, status Status) (*Organization, error) {
	org, err := s.orgs.GetBySubdomain(ctx, tenant.Normalize(subdomain))
	if err != nil {
		return nil, err
	}
	err = s.changed(ctx, org.ID, org.Subdomain, func(ctx context.Context) error {
		return s.orgs.SetStatus(ctx, org.ID, status)
	})
	if err != nil {
		return nil, err
	}

	prev := org.Status
	org.Status = status
	s.audit.Record(ctx, hipaa.AuditEntry{
		OrganizationID: org.ID,
		Action:         "organization.status",
		ResourceType:   "organization",
		ResourceID:     org.ID.String(),
		Outcome:        hipaa.OutcomeSuccess,
	}.WithDetail("from", string(prev)).WithDetail("to", string(status)))
	return org, nil
}

func (s *Service) SetFeature(ctx context.Context, tc tenant.Context, name string, enabled bool) error {
	entry := hipaa.EntryFor(tc, "organization.feature", "organization", tc.OrganizationID().String()).
		WithDetail("feature", name)

	if err := tc.Can(auth.ActionOrgManage, auth.Resource{}); err != nil {
		s.audit.Record(ctx, entry.WithError(err))
		return err
	}
	if !knownFeatures[name] {
		return apperror.Invalid("feature", fmt.Sprintf("unknown feature %q", name))
	}
	err := s.changed(ctx, tc.OrganizationID(), tc.Subdomain(), func(ctx context.Context) error {
		return s.orgs.SetFeature(ctx, tc.OrganizationID(), name, enabled)
	})
	if err != nil {
		s.audit.Record(ctx, entry.WithError(err))
		return err
	}
	s.audit.Record(ctx, entry.WithDetail("enabled", fmt.Sprint(enabled)))
	return nil
}

// OperatorContext returns a tenant context for maintenance run from the
// command line. It acts as the organization's first active administrator so
// audit entries name a real member.
func (s *Service) OperatorContext(ctx context.Context, subdomain string) (tenant.Context, error) {
	org, err := s.orgs.GetBySubdomain(ctx, tenant.Normalize(subdomain))
	if err != nil {
		return tenant.Context{}, err
	}
	admins, err := s.members.ActiveUserIDsByRole(ctx, org.ID, auth.RoleOrgAdmin)
	if err != nil {
		return tenant.Context{}, fmt.Errorf("find administrator: %w", err)
	}
	if len(admins) == 0 {
		return tenant.Context{}, apperror.NotFoundf("active administrator of %s", org.Subdomain)
	}
	return tenant.New(tenant.Params{
		OrganizationID: org.ID,
		Subdomain:      org.Subdomain,
		UserID:         admins[0],
		UserName:       "operator",
		Role:           auth.RoleOrgAdmin,
		Features:       org.Features,
	}), nil
}

// EnsureCapacity fails with a validation error when adding one more of quota
// would exceed the organization's limit. A limit of 0 means unlimited.
func (s *Service) EnsureCapacity(ctx context.Context, orgID uuid.UUID, quota Quota, current int) error {
	org, err := s.orgs.GetByID(ctx, orgID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return tenant.ErrNotFound
		}
		return err
	}
	limit := org.MaxStaff
	if quota == QuotaPatients {
		limit = org.MaxPatients
	}
	if limit > 0 && current >= limit {
		return apperror.Invalid(string(quota), fmt.Sprintf("organization %s limit of %d reached", quota, limit))
	}
	return nil
}
