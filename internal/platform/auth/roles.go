package auth

import "fmt"

// Role is a tenant-scoped role held through a membership.
type Role string

const (
	RoleOrgAdmin         Role = "org_admin"
	RoleClinicalDirector Role = "clinical_director"
	RoleClinicalManager  Role = "clinical_manager"
	RoleBCBA             Role = "bcba"
	RoleRBT              Role = "rbt"
	RoleBT               Role = "bt"
	RoleHR               Role = "hr"
)

// tiers orders roles by clinical authority. HR sits outside the clinical
// ladder at tier 0.
var tiers = map[Role]int{
	RoleOrgAdmin:         4,
	RoleClinicalDirector: 3,
	RoleClinicalManager:  3,
	RoleBCBA:             2,
	RoleRBT:              1,
	RoleBT:               1,
	RoleHR:               0,
}

// Roles returns every role, highest tier first.
func Roles() []Role {
	return []Role{
		RoleOrgAdmin,
		RoleClinicalDirector,
		RoleClinicalManager,
		RoleBCBA,
		RoleRBT,
		RoleBT,
		RoleHR,
	}
}

// ParseRole validates a role read from storage or a request body.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

func (r Role) Valid() bool {
	_, ok := tiers[r]
	return ok
}

func (r Role) String() string { return string(r) }

// Tier returns the role's position on the clinical ladder, or -1 for an
// unknown role.
func (r Role) Tier() int {
	t, ok := tiers[r]
	if !ok {
		return -1
	}
	return t
}

// IsManagerial reports whether r sees and manages every record in its
// organization.
func (r Role) IsManagerial() bool {
	return r == RoleOrgAdmin || r == RoleClinicalDirector || r == RoleClinicalManager
}

// IsClinical reports whether r has any clinical rights at all.
func (r Role) IsClinical() bool {
	return r.Valid() && r != RoleHR
}
