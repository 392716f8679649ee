// Package credential manages how people sign in: password hashing and
// policy, login with lockout, bearer token issue and revocation, staff
// provisioning inside an organization, and the password-reset flow.
package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"
	"github.com/rs/zerolog"

	"github.com/ehr/planflow/internal/domain/organization"
	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/auth"
	"github.com/ehr/planflow/internal/platform/db"
	"github.com/ehr/planflow/internal/platform/hipaa"
	"github.com/ehr/planflow/internal/platform/notification"
	"github.com/ehr/planflow/internal/platform/tenant"
)

var (
	// ErrInvalidCredentials is returned for an unknown email, a wrong
	// password and a disabled account alike.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrAccountLocked is returned while a lockout is in force.
	ErrAccountLocked = errors.New("account is temporarily locked")
)

// Auditor records compliance events. *hipaa.Recorder satisfies it.
type Auditor interface {
	Record(ctx context.Context, e hipaa.AuditEntry)
}

// Capacity enforces organization quotas. *organization.Service satisfies it.
type Capacity interface {
	EnsureCapacity(ctx context.Context, orgID uuid.UUID, quota organization.Quota, current int) error
}

// Revoker withdraws issued bearer tokens. *auth.Revocations satisfies it.
type Revoker interface {
	RevokeToken(tokenID string, expiresAt time.Time)
	RevokeUser(userID uuid.UUID, at time.Time)
}

type Config struct {
	JWT auth.JWTConfig
	// ResetURL is the page that accepts a reset token; the token is appended
	// as the "token" query parameter.
	ResetURL        string
	MaxAttempts     int
	LockoutDuration time.Duration
	ResetTokenTTL   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = 15 * time.Minute
	}
	if c.ResetTokenTTL <= 0 {
		c.ResetTokenTTL = time.Hour
	}
	return c
}

// Stores groups the repositories the service reads and writes.
type Stores struct {
	Orgs    organization.OrganizationRepository
	Users   organization.UserRepository
	Members organization.MembershipRepository
	Tokens  TokenRepository
}

type Service struct {
	cfg       Config
	orgs      organization.OrganizationRepository
	users     organization.UserRepository
	members   organization.MembershipRepository
	tokens    TokenRepository
	tx        db.Transactor
	hasher    *Hasher
	capacity  Capacity
	mailer    notification.EmailSender
	notify    notification.Dispatcher
	templates *notification.TemplateEngine
	revoker   Revoker
	audit     Auditor
	logger    zerolog.Logger
	now       func() time.Time

	// background tracks reset mails sent after the request has returned.
	background sync.WaitGroup
}

type Option func(*Service)

// WithRevoker enables token revocation on logout and password change.
func WithRevoker(r Revoker) Option {
	return func(s *Service) { s.revoker = r }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(cfg Config, stores Stores, tx db.Transactor, hasher *Hasher, capacity Capacity,
	mailer notification.EmailSender, notify notification.Dispatcher, audit Auditor, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		cfg:       cfg.withDefaults(),
		orgs:      stores.Orgs,
		users:     stores.Users,
		members:   stores.Members,
		tokens:    stores.Tokens,
		tx:        tx,
		hasher:    hasher,
		capacity:  capacity,
		mailer:    mailer,
		notify:    notify,
		templates: notification.NewTemplateEngine(),
		audit:     audit,
		logger:    logger.With().Str("component", "credential").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// userEntry starts an audit entry for an event with no tenant caller.
func userEntry(action string, userID uuid.UUID) hipaa.AuditEntry {
	e := hipaa.AuditEntry{
		ActorID:      userID,
		Action:       action,
		ResourceType: "user",
		Outcome:      hipaa.OutcomeSuccess,
	}
	if userID != uuid.Nil {
		e.ResourceID = userID.String()
	}
	return e
}

func failed(e hipaa.AuditEntry, reason string) hipaa.AuditEntry {
	e.Outcome = hipaa.OutcomeFailure
	return e.WithDetail("reason", reason)
}

// -- login --

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResult struct {
	Token     string             `json:"token"`
	TokenType string             `json:"token_type"`
	ExpiresAt time.Time          `json:"expires_at"`
	User      *organization.User `json:"user"`
}

// Authenticate verifies a password and issues a bearer token. After
// MaxAttempts consecutive failures the account is locked for
// LockoutDuration; a successful login or password reset clears the count.
func (s *Service) Authenticate(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	now := s.now().UTC()
	u, err := s.users.GetByEmail(ctx, organization.NormalizeEmail(req.Email))
	if errors.Is(err, apperror.ErrNotFound) {
		s.hasher.Verify("", req.Password)
		s.audit.Record(ctx, failed(userEntry("auth.login", uuid.Nil), "unknown_email"))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	entry := userEntry("auth.login", u.ID)
	if u.Status != organization.UserActive {
		s.hasher.Verify("", req.Password)
		s.audit.Record(ctx, failed(entry, "user_disabled"))
		return nil, ErrInvalidCredentials
	}
	if u.Locked(now) {
		s.audit.Record(ctx, failed(entry, "locked"))
		return nil, ErrAccountLocked
	}

	if !s.hasher.Verify(u.PasswordHash, req.Password) {
		updated, err := s.users.RecordLoginFailure(ctx, u.ID, s.cfg.MaxAttempts, s.cfg.LockoutDuration, now)
		if err != nil {
			return nil, fmt.Errorf("record login failure: %w", err)
		}
		s.audit.Record(ctx, failed(entry, "bad_password").
			WithDetail("attempts", fmt.Sprint(updated.FailedLoginAttempts)))
		if updated.Locked(now) {
			s.audit.Record(ctx, userEntry("auth.lockout", u.ID).
				WithDetail("until", updated.LockedUntil.Format(time.RFC3339)))
			s.logger.Warn().Str("user_id", u.ID.String()).Msg("account locked after repeated login failures")
		}
		return nil, ErrInvalidCredentials
	}

	if err := s.users.RecordLoginSuccess(ctx, u.ID, now); err != nil {
		return nil, fmt.Errorf("record login: %w", err)
	}
	token, err := auth.IssueToken(s.cfg.JWT, auth.Identity{UserID: u.ID, Email: u.Email, Name: u.Name}, now)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	s.audit.Record(ctx, entry)

	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	u.LastLoginAt = &now
	return &LoginResult{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: now.Add(s.cfg.JWT.TokenTTL()),
		User:      u,
	}, nil
}

// Logout revokes the token the caller authenticated with.
func (s *Service) Logout(ctx context.Context, id auth.Identity) {
	if s.revoker != nil {
		s.revoker.RevokeToken(id.TokenID, id.ExpiresAt)
	}
	s.audit.Record(ctx, userEntry("auth.logout", id.UserID))
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ChangePassword replaces the caller's password after checking the current
// one. Every token issued before the change stops working.
func (s *Service) ChangePassword(ctx context.Context, id auth.Identity, req ChangePasswordRequest) error {
	entry := userEntry("auth.password_change", id.UserID)
	u, err := s.users.GetByID(ctx, id.UserID)
	if err != nil {
		return err
	}
	if !s.hasher.Verify(u.PasswordHash, req.CurrentPassword) {
		s.audit.Record(ctx, failed(entry, "bad_password"))
		return apperror.Invalid("current_password", "is incorrect")
	}
	if msg := policyViolation(req.NewPassword); msg != "" {
		return apperror.Invalid("new_password", msg)
	}
	hash, err := s.hasher.Hash(req.NewPassword)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if err := s.users.SetPassword(ctx, u.ID, hash); err != nil {
		return fmt.Errorf("set password: %w", err)
	}
	if s.revoker != nil {
		s.revoker.RevokeUser(u.ID, now)
	}
	s.audit.Record(ctx, entry)
	return nil
}

// -- password reset --

// issueResetToken expires the user's outstanding tokens and stores a new
// one. It returns the raw token to mail.
func (s *Service) issueResetToken(ctx context.Context, userID uuid.UUID, now time.Time) (string, error) {
	raw, hash, err := newRawToken()
	if err != nil {
		return "", err
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.tokens.Expire(ctx, userID, now); err != nil {
			return err
		}
		return s.tokens.Create(ctx, &ResetToken{
			UserID:    userID,
			TokenHash: hash,
			ExpiresAt: now.Add(s.cfg.ResetTokenTTL),
		})
	})
	if err != nil {
		return "", fmt.Errorf("store reset token: %w", err)
	}
	return raw, nil
}

// decoyResetToken does the work of issueResetToken without storing a token,
// so a request for an unknown address takes as long as one for a known one.
func (s *Service) decoyResetToken(ctx context.Context, now time.Time) {
	raw, _, err := newRawToken()
	if err != nil {
		return
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		return s.tokens.Expire(ctx, uuid.Nil, now)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("password reset decoy failed")
	}
	_, _, _ = s.templates.Render(notification.TemplatePasswordReset, map[string]string{
		"reset_link": s.resetLink(raw),
	})
}

func (s *Service) resetLink(raw string) string {
	sep := "?"
	if strings.Contains(s.cfg.ResetURL, "?") {
		sep = "&"
	}
	return s.cfg.ResetURL + sep + "token=" + raw
}

func (s *Service) deliver(ctx context.Context, to, templateID string, data map[string]string) error {
	subject, body, err := s.templates.Render(templateID, data)
	if err != nil {
		return err
	}
	return s.mailer.SendEmail(ctx, to, subject, body)
}

// sendEmail renders and sends a template. Delivery failures are logged and
// never fail the calling operation.
func (s *Service) sendEmail(ctx context.Context, to, templateID string, data map[string]string) {
	if err := s.deliver(ctx, to, templateID, data); err != nil {
		s.logger.Error().Err(err).Str("template", templateID).Msg("email delivery failed")
	}
}

// sendEmailLater is sendEmail off the request path. Wait blocks until every
// such mail has been handed to the mailer.
func (s *Service) sendEmailLater(ctx context.Context, to, templateID string, data map[string]string) {
	ctx = context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		s.sendEmail(ctx, to, templateID, data)
	}()
}

// Wait blocks until background mail has been handed off.
func (s *Service) Wait() {
	s.background.Wait()
}

// RequestPasswordReset mails a single-use reset link when email belongs to
// an active user. It reports nothing back: callers answer every request the
// same way, and only the audit trail tells the cases apart. Unknown and
// disabled addresses get decoy work of the same shape, and the mail itself
// leaves after the call returns, so timing does not tell them apart either.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) {
	now := s.now().UTC()
	u, err := s.users.GetByEmail(ctx, organization.NormalizeEmail(email))
	if err != nil {
		if !errors.Is(err, apperror.ErrNotFound) {
			s.logger.Error().Err(err).Msg("password reset lookup failed")
		}
		s.decoyResetToken(ctx, now)
		s.audit.Record(ctx, userEntry("password_reset.unknown_email", uuid.Nil))
		return
	}

	entry := userEntry("password_reset.requested", u.ID)
	if u.Status != organization.UserActive {
		s.decoyResetToken(ctx, now)
		s.audit.Record(ctx, failed(entry, "user_disabled"))
		return
	}
	raw, err := s.issueResetToken(ctx, u.ID, now)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", u.ID.String()).Msg("password reset token not issued")
		s.audit.Record(ctx, entry.WithError(err))
		return
	}
	s.sendEmailLater(ctx, u.Email, notification.TemplatePasswordReset, map[string]string{
		"reset_link": s.resetLink(raw),
	})
	s.audit.Record(ctx, entry)
}

// SendPasswordSetup mails an active user a link to choose a password. It
// serves operators rather than anonymous callers, so unlike
// RequestPasswordReset it reports every failure, delivery included.
func (s *Service) SendPasswordSetup(ctx context.Context, email string) error {
	u, err := s.users.GetByEmail(ctx, organization.NormalizeEmail(email))
	if err != nil {
		return fmt.Errorf("look up %s: %w", email, err)
	}
	entry := userEntry("password_setup.sent", u.ID)
	if u.Status != organization.UserActive {
		return apperror.Invalid("email", "user is not active")
	}
	raw, err := s.issueResetToken(ctx, u.ID, s.now().UTC())
	if err != nil {
		s.audit.Record(ctx, entry.WithError(err))
		return err
	}
	err = s.deliver(ctx, u.Email, notification.TemplatePasswordReset, map[string]string{
		"reset_link": s.resetLink(raw),
	})
	if err != nil {
		s.audit.Record(ctx, entry.WithError(err))
		return fmt.Errorf("send password link: %w", err)
	}
	s.audit.Record(ctx, entry)
	return nil
}

type CompleteResetRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

// CompletePasswordReset consumes a reset token and sets the new password.
// Setting a password also clears any lockout and activates the user's
// pending invitations.
func (s *Service) CompletePasswordReset(ctx context.Context, req CompleteResetRequest) error {
	raw := strings.TrimSpace(req.Token)
	var errs errsx.Map
	if raw == "" {
		errs.Set("token", "is required")
	}
	if msg := policyViolation(req.NewPassword); msg != "" {
		errs.Set("new_password", msg)
	}
	if err := apperror.NewValidationError(errs); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(req.NewPassword)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	var userID uuid.UUID
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		t, err := s.tokens.Consume(ctx, HashToken(raw), now)
		if err != nil {
			return err
		}
		userID = t.UserID
		if err := s.users.SetPassword(ctx, t.UserID, hash); err != nil {
			return err
		}
		if err := s.members.ActivateInvited(ctx, t.UserID, now); err != nil {
			return err
		}
		return s.tokens.Expire(ctx, t.UserID, now)
	})
	if errors.Is(err, apperror.ErrNotFound) && userID == uuid.Nil {
		s.audit.Record(ctx, failed(userEntry("password_reset.completed", uuid.Nil), "invalid_token"))
		return apperror.Invalid("token", "is invalid or has expired")
	}
	if err != nil {
		return fmt.Errorf("complete password reset: %w", err)
	}

	if s.revoker != nil {
		s.revoker.RevokeUser(userID, now)
	}
	s.audit.Record(ctx, userEntry("password_reset.completed", userID))
	return nil
}

// -- staff --

type CreateStaffRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

func (r *CreateStaffRequest) validate() (auth.Role, error) {
	r.Email = organization.NormalizeEmail(r.Email)
	r.Name = strings.TrimSpace(r.Name)

	var errs errsx.Map
	if !strings.Contains(r.Email, "@") || len(r.Email) > 254 {
		errs.Set("email", "must be a valid email address")
	}
	if r.Name == "" || len(r.Name) > 200 {
		errs.Set("name", "must be 1 to 200 characters")
	}
	role, err := auth.ParseRole(strings.TrimSpace(r.Role))
	if err != nil {
		errs.Set("role", err)
	}
	return role, apperror.NewValidationError(errs)
}

// ListStaff returns the organization's memberships with their users.
func (s *Service) ListStaff(ctx context.Context, tc tenant.Context, limit, offset int) ([]*organization.StaffMember, int, error) {
	if err := tc.Can(auth.ActionStaffView, auth.Resource{}); err != nil {
		s.audit.Record(ctx, hipaa.EntryFor(tc, string(auth.ActionStaffView), "user", "").WithError(err))
		return nil, 0, err
	}
	return s.members.List(ctx, tc.OrganizationID(), limit, offset)
}

// CreateStaff adds a person to the caller's organization with an invited
// membership and mails them a link to set their password. An email that
// already has an account gains a membership instead of a second account.
func (s *Service) CreateStaff(ctx context.Context, tc tenant.Context, req CreateStaffRequest) (*organization.StaffMember, error) {
	entry := hipaa.EntryFor(tc, string(auth.ActionStaffCreate), "user", "")
	role, err := req.validate()
	if err != nil {
		return nil, err
	}
	entry = entry.WithDetail("role", role.String())
	if err := tc.Can(auth.ActionStaffCreate, auth.Resource{TargetRole: role}); err != nil {
		s.audit.Record(ctx, entry.WithError(err))
		return nil, err
	}

	orgID := tc.OrganizationID()
	seats, err := s.members.CountSeats(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("count seats: %w", err)
	}
	if err := s.capacity.EnsureCapacity(ctx, orgID, organization.QuotaStaff, seats); err != nil {
		return nil, err
	}

	actor := tc.UserID()
	var (
		user *organization.User
		m    *organization.Membership
	)
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		existing, err := s.users.GetByEmail(ctx, req.Email)
		switch {
		case err == nil:
			user = existing
		case errors.Is(err, apperror.ErrNotFound):
			user = &organization.User{Email: req.Email, Name: req.Name, Status: organization.UserActive}
			if err := s.users.Create(ctx, user); err != nil {
				return err
			}
		default:
			return err
		}
		m = &organization.Membership{
			OrganizationID: orgID,
			UserID:         user.ID,
			Role:           role,
			Status:         organization.MembershipInvited,
			InvitedByID:    &actor,
		}
		return s.members.Create(ctx, m)
	})
	if err != nil {
		if !errors.Is(err, apperror.ErrValidation) {
			s.audit.Record(ctx, entry.WithError(err))
		}
		return nil, fmt.Errorf("create staff: %w", err)
	}

	now := s.now().UTC()
	orgName := tc.Subdomain()
	if org, err := s.orgs.GetByID(ctx, orgID); err == nil {
		orgName = org.Name
	}
	if raw, err := s.issueResetToken(ctx, user.ID, now); err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID.String()).Msg("welcome token not issued")
	} else {
		s.sendEmail(ctx, user.Email, notification.TemplateStaffWelcome, map[string]string{
			"organization": orgName,
			"inviter":      tc.UserName(),
			"role":         role.String(),
			"reset_link":   s.resetLink(raw),
		})
	}

	entry.ResourceID = user.ID.String()
	s.audit.Record(ctx, entry)
	s.notifyAdmins(ctx, tc, user, role)

	return &organization.StaffMember{
		UserID:    user.ID,
		Email:     user.Email,
		Name:      user.Name,
		Role:      role,
		Status:    m.Status,
		InvitedAt: m.InvitedAt,
	}, nil
}

func (s *Service) notifyAdmins(ctx context.Context, tc tenant.Context, user *organization.User, role auth.Role) {
	admins, err := s.members.ActiveUserIDsByRole(ctx, tc.OrganizationID(), auth.RoleOrgAdmin)
	if err != nil {
		s.logger.Error().Err(err).Msg("admin lookup failed")
		return
	}
	notification.Fanout(ctx, s.notify, notification.Notification{
		OrganizationID: tc.OrganizationID(),
		Type:           notification.TypeStaffInvited,
		Title:          "New staff member invited",
		Message:        fmt.Sprintf("%s invited %s as %s.", tc.UserName(), user.Name, role),
		Link:           "/staff/" + user.ID.String(),
	}, admins, tc.UserID())
}

// target loads the membership a staff operation acts on.
func (s *Service) target(ctx context.Context, tc tenant.Context, userID uuid.UUID) (*organization.Membership, error) {
	m, err := s.members.Get(ctx, tc.OrganizationID(), userID)
	if errors.Is(err, apperror.ErrNotFound) {
		return nil, apperror.NotFoundf("staff member %s", userID)
	}
	return m, err
}

type ModifyStaffRequest struct {
	Role string `json:"role"`
}

// ModifyStaff changes a member's role. The caller must outrank both the
// current and the requested role.
func (s *Service) ModifyStaff(ctx context.Context, tc tenant.Context, userID uuid.UUID, req ModifyStaffRequest) error {
	entry := hipaa.EntryFor(tc, string(auth.ActionStaffModify), "user", userID.String())
	role, err := auth.ParseRole(strings.TrimSpace(req.Role))
	if err != nil {
		return apperror.Invalid("role", err.Error())
	}
	m, err := s.target(ctx, tc, userID)
	if err != nil {
		return err
	}
	res := auth.Resource{TargetUserID: userID, TargetRole: m.Role, RequestedRole: role}
	if err := tc.Can(auth.ActionStaffModify, res); err != nil {
		s.audit.Record(ctx, entry.WithError(err))
		return err
	}
	if role == m.Role {
		return nil
	}
	if err := s.members.UpdateRole(ctx, tc.OrganizationID(), userID, role); err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	s.audit.Record(ctx, entry.WithDetail("from", m.Role.String()).WithDetail("to", role.String()))
	return nil
}

// DeactivateStaff ends a membership. The user keeps their account and any
// memberships in other organizations.
func (s *Service) DeactivateStaff(ctx context.Context, tc tenant.Context, userID uuid.UUID) error {
	entry := hipaa.EntryFor(tc, string(auth.ActionStaffDeactivate), "user", userID.String())
	m, err := s.target(ctx, tc, userID)
	if err != nil {
		return err
	}
	if err := tc.Can(auth.ActionStaffDeactivate, auth.Resource{TargetUserID: userID, TargetRole: m.Role}); err != nil {
		s.audit.Record(ctx, entry.WithError(err))
		return err
	}
	if m.Status == organization.MembershipDeactivated {
		return nil
	}
	if err := s.members.SetStatus(ctx, tc.OrganizationID(), userID, organization.MembershipDeactivated); err != nil {
		return fmt.Errorf("deactivate membership: %w", err)
	}
	s.audit.Record(ctx, entry.WithDetail("role", m.Role.String()))
	return nil
}

// ResetPassword mails a staff member a reset link on an administrator's
// behalf. The current password keeps working until the link is used.
func (s *Service) ResetPassword(ctx context.Context, tc tenant.Context, userID uuid.UUID) error {
	entry := hipaa.EntryFor(tc, string(auth.ActionStaffResetPassword), "user", userID.String())
	m, err := s.target(ctx, tc, userID)
	if err != nil {
		return err
	}
	if err := tc.Can(auth.ActionStaffResetPassword, auth.Resource{TargetUserID: userID, TargetRole: m.Role}); err != nil {
		s.audit.Record(ctx, entry.WithError(err))
		return err
	}
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	raw, err := s.issueResetToken(ctx, u.ID, s.now().UTC())
	if err != nil {
		s.audit.Record(ctx, entry.WithError(err))
		return err
	}
	s.sendEmail(ctx, u.Email, notification.TemplatePasswordReset, map[string]string{
		"reset_link": s.resetLink(raw),
	})
	s.audit.Record(ctx, entry)
	return nil
}
