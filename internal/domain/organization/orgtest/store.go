// Package orgtest provides in-memory organization repositories for tests.
package orgtest

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/planflow/internal/domain/organization"
	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/auth"
)

// Store backs all three repositories so joins behave like the SQL ones.
type Store struct {
	mu      sync.Mutex
	orgs    map[uuid.UUID]*organization.Organization
	users   map[uuid.UUID]*organization.User
	members []*organization.Membership

	// OnLookup runs before every GetBySubdomain, outside the lock.
	OnLookup func()
	// Lookups counts GetBySubdomain calls.
	Lookups atomic.Int32
}

func New() *Store {
	return &Store{
		orgs:  make(map[uuid.UUID]*organization.Organization),
		users: make(map[uuid.UUID]*organization.User),
	}
}

func (s *Store) Orgs() organization.OrganizationRepository  { return orgRepo{s} }
func (s *Store) Users() organization.UserRepository         { return userRepo{s} }
func (s *Store) Members() organization.MembershipRepository { return memberRepo{s} }

// AddOrg seeds an organization.
func (s *Store) AddOrg(subdomain string, status organization.Status) *organization.Organization {
	o := &organization.Organization{
		ID:        uuid.New(),
		Name:      subdomain,
		Subdomain: subdomain,
		Status:    status,
		Features:  map[string]bool{},
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.orgs[o.ID] = o
	s.mu.Unlock()
	return o
}

// AddMember seeds an active user with an active membership in orgID.
func (s *Store) AddMember(orgID uuid.UUID, role auth.Role, name string) uuid.UUID {
	now := time.Now().UTC()
	u := &organization.User{
		ID:        uuid.New(),
		Email:     organization.NormalizeEmail(uuid.NewString()[:8] + "@example.com"),
		Name:      name,
		Status:    organization.UserActive,
		CreatedAt: now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	s.members = append(s.members, &organization.Membership{
		ID:             uuid.New(),
		OrganizationID: orgID,
		UserID:         u.ID,
		Role:           role,
		Status:         organization.MembershipActive,
		InvitedAt:      now,
		JoinedAt:       &now,
	})
	return u.ID
}

// User returns a copy of the stored user.
func (s *Store) User(id uuid.UUID) (organization.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return organization.User{}, false
	}
	return *u, true
}

// Membership returns a copy of the stored membership.
func (s *Store) Membership(orgID, userID uuid.UUID) (organization.Membership, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.findMember(orgID, userID); m != nil {
		return *m, true
	}
	return organization.Membership{}, false
}

// SetOrgStatus changes status directly, bypassing any cache.
func (s *Store) SetOrgStatus(id uuid.UUID, status organization.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orgs[id]; ok {
		o.Status = status
	}
}

// SetUserStatus changes a user's account status.
func (s *Store) SetUserStatus(id uuid.UUID, status organization.UserStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		u.Status = status
	}
}

// SetLimits sets the organization's quotas.
func (s *Store) SetLimits(id uuid.UUID, maxStaff, maxPatients int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orgs[id]; ok {
		o.MaxStaff, o.MaxPatients = maxStaff, maxPatients
	}
}

func (s *Store) findMember(orgID, userID uuid.UUID) *organization.Membership {
	for _, m := range s.members {
		if m.OrganizationID == orgID && m.UserID == userID {
			return m
		}
	}
	return nil
}

func cloneOrg(o *organization.Organization) *organization.Organization {
	c := *o
	c.Features = make(map[string]bool, len(o.Features))
	for k, v := range o.Features {
		c.Features[k] = v
	}
	return &c
}

// -- organizations --

type orgRepo struct{ s *Store }

func (r orgRepo) Create(_ context.Context, o *organization.Organization) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.orgs {
		if existing.Subdomain == o.Subdomain {
			return apperror.Invalid("subdomain", "subdomain is already taken")
		}
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	o.CreatedAt = time.Now().UTC()
	o.UpdatedAt = o.CreatedAt
	r.s.orgs[o.ID] = cloneOrg(o)
	return nil
}

func (r orgRepo) GetByID(_ context.Context, id uuid.UUID) (*organization.Organization, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orgs[id]
	if !ok || o.DeletedAt != nil {
		return nil, apperror.NotFoundf("organization %s", id)
	}
	return cloneOrg(o), nil
}

func (r orgRepo) GetBySubdomain(_ context.Context, subdomain string) (*organization.Organization, error) {
	r.s.Lookups.Add(1)
	if r.s.OnLookup != nil {
		r.s.OnLookup()
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, o := range r.s.orgs {
		if o.Subdomain == subdomain && o.DeletedAt == nil {
			return cloneOrg(o), nil
		}
	}
	return nil, apperror.NotFoundf("organization %s", subdomain)
}

func (r orgRepo) SetStatus(_ context.Context, id uuid.UUID, status organization.Status) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orgs[id]
	if !ok {
		return apperror.NotFoundf("organization %s", id)
	}
	o.Status = status
	return nil
}

func (r orgRepo) SetFeature(_ context.Context, id uuid.UUID, name string, enabled bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orgs[id]
	if !ok {
		return apperror.NotFoundf("organization %s", id)
	}
	o.Features[name] = enabled
	return nil
}

// -- users --

type userRepo struct{ s *Store }

func (r userRepo) Create(_ context.Context, u *organization.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	email := organization.NormalizeEmail(u.Email)
	for _, existing := range r.s.users {
		if existing.Email == email {
			return apperror.Invalid("email", "email is already registered")
		}
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Status == "" {
		u.Status = organization.UserActive
	}
	u.Email = email
	u.CreatedAt = time.Now().UTC()
	c := *u
	r.s.users[u.ID] = &c
	return nil
}

func (r userRepo) GetByID(_ context.Context, id uuid.UUID) (*organization.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, apperror.NotFoundf("user %s", id)
	}
	c := *u
	return &c, nil
}

func (r userRepo) GetByEmail(_ context.Context, email string) (*organization.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	email = organization.NormalizeEmail(email)
	for _, u := range r.s.users {
		if u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, apperror.NotFoundf("user")
}

func (r userRepo) SetPassword(_ context.Context, id uuid.UUID, hash string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return apperror.NotFoundf("user %s", id)
	}
	u.PasswordHash = hash
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	return nil
}

func (r userRepo) RecordLoginFailure(_ context.Context, id uuid.UUID, maxAttempts int, lockFor time.Duration, now time.Time) (*organization.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, apperror.NotFoundf("user %s", id)
	}
	u.FailedLoginAttempts++
	if u.FailedLoginAttempts >= maxAttempts {
		until := now.Add(lockFor)
		u.LockedUntil = &until
	}
	c := *u
	return &c, nil
}

func (r userRepo) RecordLoginSuccess(_ context.Context, id uuid.UUID, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return apperror.NotFoundf("user %s", id)
	}
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	u.LastLoginAt = &now
	return nil
}

// -- memberships --

type memberRepo struct{ s *Store }

func (r memberRepo) Create(_ context.Context, m *organization.Membership) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.findMember(m.OrganizationID, m.UserID) != nil {
		return apperror.Invalid("email", "user is already a member of this organization")
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.InvitedAt = time.Now().UTC()
	c := *m
	r.s.members = append(r.s.members, &c)
	return nil
}

func (r memberRepo) Get(_ context.Context, orgID, userID uuid.UUID) (*organization.Membership, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m := r.s.findMember(orgID, userID)
	u, ok := r.s.users[userID]
	if m == nil || !ok || u.Status != organization.UserActive {
		return nil, apperror.NotFoundf("membership")
	}
	c := *m
	return &c, nil
}

func (r memberRepo) List(_ context.Context, orgID uuid.UUID, limit, offset int) ([]*organization.StaffMember, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []*organization.StaffMember
	for _, m := range r.s.members {
		if m.OrganizationID != orgID {
			continue
		}
		u := r.s.users[m.UserID]
		all = append(all, &organization.StaffMember{
			UserID: u.ID, Email: u.Email, Name: u.Name,
			Role: m.Role, Status: m.Status, InvitedAt: m.InvitedAt, JoinedAt: m.JoinedAt,
		})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r memberRepo) UpdateRole(_ context.Context, orgID, userID uuid.UUID, role auth.Role) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m := r.s.findMember(orgID, userID)
	if m == nil {
		return apperror.NotFoundf("membership")
	}
	m.Role = role
	return nil
}

func (r memberRepo) SetStatus(_ context.Context, orgID, userID uuid.UUID, status organization.MembershipStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m := r.s.findMember(orgID, userID)
	if m == nil {
		return apperror.NotFoundf("membership")
	}
	m.Status = status
	return nil
}

func (r memberRepo) ActivateInvited(_ context.Context, userID uuid.UUID, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, m := range r.s.members {
		if m.UserID == userID && m.Status == organization.MembershipInvited {
			m.Status = organization.MembershipActive
			t := now
			m.JoinedAt = &t
		}
	}
	return nil
}

func (r memberRepo) CountSeats(_ context.Context, orgID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, m := range r.s.members {
		if m.OrganizationID == orgID && m.Status != organization.MembershipDeactivated {
			n++
		}
	}
	return n, nil
}

func (r memberRepo) ActiveUserIDsByRole(_ context.Context, orgID uuid.UUID, roles ...auth.Role) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	want := make(map[auth.Role]bool, len(roles))
	for _, role := range roles {
		want[role] = true
	}
	var ids []uuid.UUID
	for _, m := range r.s.members {
		u := r.s.users[m.UserID]
		if m.OrganizationID == orgID && m.Status == organization.MembershipActive && want[m.Role] && u.Status == organization.UserActive {
			ids = append(ids, m.UserID)
		}
	}
	return ids, nil
}
