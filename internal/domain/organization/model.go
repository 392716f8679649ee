// Package organization owns tenancy: organizations, the users who sign in,
// and the memberships that give a user a role inside one organization. It
// also provides the Resolver that turns a request into a tenant.Context.
package organization

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/planflow/internal/platform/auth"
)

type Status string

const (
	StatusTrial     Status = "trial"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
)

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusTrial, StatusActive, StatusSuspended, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown organization status %q", s)
}

// Serving reports whether requests may be served for the organization.
func (s Status) Serving() bool {
	return s == StatusTrial || s == StatusActive
}

// Feature flags.
const (
	FeatureAIReview = "ai_review"
)

var knownFeatures = map[string]bool{
	FeatureAIReview: true,
}

type Organization struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Subdomain   string          `json:"subdomain"`
	Status      Status          `json:"status"`
	Features    map[string]bool `json:"features"`
	MaxStaff    int             `json:"max_staff"`
	MaxPatients int             `json:"max_patients"`
	DeletedAt   *time.Time      `json:"-"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (o *Organization) clone() *Organization {
	c := *o
	c.Features = make(map[string]bool, len(o.Features))
	for k, v := range o.Features {
		c.Features[k] = v
	}
	return &c
}

type UserStatus string

const (
	UserActive   UserStatus = "active"
	UserDisabled UserStatus = "disabled"
)

// User is a global sign-in identity. It carries no permissions; those come
// from a Membership.
type User struct {
	ID                  uuid.UUID  `json:"id"`
	Email               string     `json:"email"`
	Name                string     `json:"name"`
	PasswordHash        string     `json:"-"`
	Status              UserStatus `json:"status"`
	FailedLoginAttempts int        `json:"-"`
	LockedUntil         *time.Time `json:"-"`
	LastLoginAt         *time.Time `json:"last_login_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// Locked reports whether sign-in is blocked at now.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// NormalizeEmail lower-cases and trims an address.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

type MembershipStatus string

const (
	MembershipInvited     MembershipStatus = "invited"
	MembershipActive      MembershipStatus = "active"
	MembershipDeactivated MembershipStatus = "deactivated"
)

type Membership struct {
	ID             uuid.UUID        `json:"id"`
	OrganizationID uuid.UUID        `json:"organization_id"`
	UserID         uuid.UUID        `json:"user_id"`
	Role           auth.Role        `json:"role"`
	Status         MembershipStatus `json:"status"`
	InvitedByID    *uuid.UUID       `json:"invited_by_id,omitempty"`
	InvitedAt      time.Time        `json:"invited_at"`
	JoinedAt       *time.Time       `json:"joined_at,omitempty"`
}

// StaffMember is a membership joined with its user for staff listings.
type StaffMember struct {
	UserID    uuid.UUID        `json:"user_id"`
	Email     string           `json:"email"`
	Name      string           `json:"name"`
	Role      auth.Role        `json:"role"`
	Status    MembershipStatus `json:"status"`
	InvitedAt time.Time        `json:"invited_at"`
	JoinedAt  *time.Time       `json:"joined_at,omitempty"`
}

// Quota names a per-organization limit.
type Quota string

const (
	QuotaStaff    Quota = "staff"
	QuotaPatients Quota = "patients"
)
