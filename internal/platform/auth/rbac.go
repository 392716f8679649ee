package auth

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/workflow"
)

// Action names an operation subject to access control.
type Action string

const (
	ActionPatientCreate Action = "patient.create"
	ActionPatientView   Action = "patient.view"
	ActionPatientList   Action = "patient.list"
	ActionPatientEdit   Action = "patient.edit"
	ActionPatientDelete Action = "patient.delete"

	ActionPlanCreate   Action = "plan.create"
	ActionPlanView     Action = "plan.view"
	ActionPlanList     Action = "plan.list"
	ActionPlanEdit     Action = "plan.edit"
	ActionPlanDelete   Action = "plan.delete"
	ActionPlanSubmit   Action = "plan.submit"
	ActionPlanApprove  Action = "plan.approve"
	ActionPlanReject   Action = "plan.reject"
	ActionPlanActivate Action = "plan.activate"
	ActionPlanRevise   Action = "plan.revise"
	ActionPlanAIReview Action = "plan.ai_review"

	ActionStaffView          Action = "staff.view"
	ActionStaffCreate        Action = "staff.create"
	ActionStaffModify        Action = "staff.modify"
	ActionStaffDeactivate    Action = "staff.deactivate"
	ActionStaffResetPassword Action = "staff.reset_password"

	ActionAuditView Action = "audit.view"
	ActionOrgManage Action = "org.manage"
)

// Resource is the state of the record an action targets. Only the fields
// relevant to the action are consulted.
type Resource struct {
	// CreatedBy is the user who created the patient or plan.
	CreatedBy uuid.UUID
	// AssignedClinicians are the patient's assigned BCBA and RBT.
	AssignedClinicians []uuid.UUID
	// Status is the plan's current workflow status.
	Status workflow.Status

	// TargetUserID is the staff member being acted upon.
	TargetUserID uuid.UUID
	// TargetRole is the target's current role, or the role being granted on
	// create.
	TargetRole Role
	// RequestedRole is the new role on staff.modify; empty when unchanged.
	RequestedRole Role
}

// PermissionDeniedError names the rule that refused an action.
type PermissionDeniedError struct {
	Rule   string
	Role   Role
	Action Action
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s may not %s (rule %s)", e.Role, e.Action, e.Rule)
}

func (e *PermissionDeniedError) DeniedRule() string { return e.Rule }

func (e *PermissionDeniedError) Unwrap() error { return apperror.ErrPermissionDenied }

// check returns the name of the failed rule, or "" when the predicate holds.
type check func(role Role, res Resource, actor uuid.UUID) string

type policy struct {
	roles  []Role
	checks []check
}

var (
	managers  = []Role{RoleOrgAdmin, RoleClinicalDirector, RoleClinicalManager}
	authors   = []Role{RoleOrgAdmin, RoleClinicalDirector, RoleClinicalManager, RoleBCBA}
	clinical  = []Role{RoleOrgAdmin, RoleClinicalDirector, RoleClinicalManager, RoleBCBA, RoleRBT, RoleBT}
	reviewers = []Role{RoleClinicalDirector, RoleClinicalManager, RoleBCBA}
)

// staffTargets lists the roles each provisioning role may act upon. Admins
// reach every role; directors and managers reach the clinical roles strictly
// below their own tier.
var staffTargets = map[Role][]Role{
	RoleOrgAdmin:         Roles(),
	RoleClinicalDirector: clinicalBelow(RoleClinicalDirector),
	RoleClinicalManager:  clinicalBelow(RoleClinicalManager),
}

func clinicalBelow(r Role) []Role {
	var out []Role
	for _, x := range Roles() {
		if x.IsClinical() && x.Tier() < r.Tier() {
			out = append(out, x)
		}
	}
	return out
}

// policies is the complete rule table. An action missing from it, or a role
// missing from an action's list, is denied with rule "<action>.role".
var policies = map[Action]policy{
	ActionPatientCreate: {roles: authors},
	ActionPatientView:   {roles: clinical, checks: []check{ownership("patient.view.ownership")}},
	ActionPatientList:   {roles: clinical},
	ActionPatientEdit:   {roles: authors, checks: []check{authorship("patient.edit.ownership")}},
	ActionPatientDelete: {roles: managers},

	ActionPlanCreate: {roles: authors},
	ActionPlanView:   {roles: clinical, checks: []check{ownership("plan.view.ownership")}},
	ActionPlanList:   {roles: clinical},
	ActionPlanEdit: {roles: authors, checks: []check{
		authorship("plan.edit.ownership"),
		status("plan.edit.status", workflow.StatusDraft),
	}},
	ActionPlanDelete: {roles: managers},
	ActionPlanSubmit: {roles: authors, checks: []check{
		status("plan.submit.status", workflow.StatusDraft),
		creatorOnly("plan.submit.creator"),
	}},
	ActionPlanApprove:  {roles: reviewers, checks: []check{stage("plan.approve.stage")}},
	ActionPlanReject:   {roles: reviewers, checks: []check{stage("plan.reject.stage")}},
	ActionPlanActivate: {roles: managers, checks: []check{status("plan.activate.status", workflow.StatusApproved)}},
	ActionPlanRevise: {roles: authors, checks: []check{
		authorship("plan.revise.ownership"),
		revisable("plan.revise.status"),
	}},
	ActionPlanAIReview: {roles: authors, checks: []check{authorship("plan.ai_review.ownership")}},

	ActionStaffView:          {roles: append(append([]Role{}, managers...), RoleHR)},
	ActionStaffCreate:        {roles: managers, checks: []check{notSelf, ceiling}},
	ActionStaffModify:        {roles: managers, checks: []check{notSelf, ceiling}},
	ActionStaffDeactivate:    {roles: managers, checks: []check{notSelf, ceiling}},
	ActionStaffResetPassword: {roles: managers, checks: []check{notSelf, ceiling}},

	ActionAuditView: {roles: []Role{RoleOrgAdmin}},
	ActionOrgManage: {roles: []Role{RoleOrgAdmin}},
}

// Can decides whether role may perform action on res as actor. It reads only
// its arguments and the static rule table.
func Can(role Role, action Action, res Resource, actor uuid.UUID) error {
	p, ok := policies[action]
	if !ok || !hasRole(p.roles, role) {
		return deny(role, action, string(action)+".role")
	}
	for _, c := range p.checks {
		if rule := c(role, res, actor); rule != "" {
			return deny(role, action, rule)
		}
	}
	return nil
}

func deny(role Role, action Action, rule string) error {
	return &PermissionDeniedError{Rule: rule, Role: role, Action: action}
}

func hasRole(roles []Role, r Role) bool {
	for _, x := range roles {
		if x == r {
			return true
		}
	}
	return false
}

func ownsRecord(res Resource, actor uuid.UUID) bool {
	if actor == uuid.Nil {
		return false
	}
	if res.CreatedBy == actor {
		return true
	}
	for _, id := range res.AssignedClinicians {
		if id == actor {
			return true
		}
	}
	return false
}

// ownership lets managers through and limits everyone else to records they
// created or are assigned to.
func ownership(rule string) check {
	return func(role Role, res Resource, actor uuid.UUID) string {
		if role.IsManagerial() || ownsRecord(res, actor) {
			return ""
		}
		return rule
	}
}

// authorship lets managers through and limits everyone else to records they
// created.
func authorship(rule string) check {
	return func(role Role, res Resource, actor uuid.UUID) string {
		if role.IsManagerial() || (actor != uuid.Nil && res.CreatedBy == actor) {
			return ""
		}
		return rule
	}
}

func creatorOnly(rule string) check {
	return func(_ Role, res Resource, actor uuid.UUID) string {
		if actor != uuid.Nil && res.CreatedBy == actor {
			return ""
		}
		return rule
	}
}

func status(rule string, want workflow.Status) check {
	return func(_ Role, res Resource, _ uuid.UUID) string {
		if res.Status == want {
			return ""
		}
		return rule
	}
}

func revisable(rule string) check {
	return func(_ Role, res Resource, _ uuid.UUID) string {
		if res.Status.IsRevisable() {
			return ""
		}
		return rule
	}
}

// stage binds each pending status to the roles allowed to decide it.
func stage(rule string) check {
	return func(role Role, res Resource, _ uuid.UUID) string {
		if !res.Status.IsPending() {
			return rule
		}
		switch res.Status {
		case workflow.StatusPendingBCBAReview:
			if role == RoleBCBA {
				return ""
			}
		case workflow.StatusPendingClinicalDirector:
			if role == RoleClinicalDirector || role == RoleClinicalManager {
				return ""
			}
		}
		return rule
	}
}

func notSelf(_ Role, res Resource, actor uuid.UUID) string {
	if res.TargetUserID != uuid.Nil && res.TargetUserID == actor {
		return "staff.self"
	}
	return ""
}

// ceiling requires every role the target holds or would hold to be within
// the actor's reach.
func ceiling(role Role, res Resource, _ uuid.UUID) string {
	allowed := staffTargets[role]
	if !hasRole(allowed, res.TargetRole) {
		return "staff.ceiling"
	}
	if res.RequestedRole != "" && !hasRole(allowed, res.RequestedRole) {
		return "staff.ceiling"
	}
	return ""
}
