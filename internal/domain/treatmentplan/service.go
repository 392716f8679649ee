package treatmentplan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/planflow/internal/domain/organization"
	"github.com/ehr/planflow/internal/domain/patient"
	"github.com/ehr/planflow/internal/platform/aireview"
	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/auth"
	"github.com/ehr/planflow/internal/platform/db"
	"github.com/ehr/planflow/internal/platform/hipaa"
	"github.com/ehr/planflow/internal/platform/notification"
	"github.com/ehr/planflow/internal/platform/tenant"
	"github.com/ehr/planflow/internal/platform/workflow"
)

const resourceType = "treatment_plan"

// Patients resolves the patient a plan belongs to. patient.Repository
// satisfies it.
type Patients interface {
	Get(ctx context.Context, tc tenant.Context, id uuid.UUID) (*patient.Row, error)
}

// Staff lists reviewers to notify. organization.MembershipRepository
// satisfies it.
type Staff interface {
	ActiveUserIDsByRole(ctx context.Context, orgID uuid.UUID, roles ...auth.Role) ([]uuid.UUID, error)
}

type Auditor interface {
	Record(ctx context.Context, e hipaa.AuditEntry)
}

type Option func(*Service)

// WithVersionRetry bounds the retries after a version collision.
func WithVersionRetry(maxTries uint, initial time.Duration) Option {
	return func(s *Service) {
		s.maxTries = maxTries
		s.retryInterval = initial
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

type Service struct {
	repo      Repository
	patients  Patients
	staff     Staff
	notify    notification.Dispatcher
	templates *notification.TemplateEngine
	reviewer  aireview.Reviewer
	audit     Auditor
	logger    zerolog.Logger
	now       func() time.Time

	maxTries      uint
	retryInterval time.Duration
}

func NewService(repo Repository, patients Patients, staff Staff, notify notification.Dispatcher,
	reviewer aireview.Reviewer, audit Auditor, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:          repo,
		patients:      patients,
		staff:         staff,
		notify:        notify,
		templates:     notification.NewTemplateEngine(),
		reviewer:      reviewer,
		audit:         audit,
		logger:        logger.With().Str("component", "treatmentplan").Logger(),
		now:           time.Now,
		maxTries:      5,
		retryInterval: 20 * time.Millisecond,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) authorize(ctx context.Context, tc tenant.Context, action auth.Action, res auth.Resource, id string) error {
	if err := tc.Can(action, res); err != nil {
		s.audit.Record(ctx, hipaa.EntryFor(tc, string(action), resourceType, id).WithError(err))
		return err
	}
	return nil
}

func (s *Service) load(ctx context.Context, tc tenant.Context, id uuid.UUID) (*Plan, error) {
	p, err := s.repo.Get(ctx, tc, id)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.NotFoundf("treatment plan %s", id)
		}
		return nil, err
	}
	return p, nil
}

// CreatePlan starts a DRAFT plan at the patient's next version.
func (s *Service) CreatePlan(ctx context.Context, tc tenant.Context, req CreateRequest) (*Plan, error) {
	if err := s.authorize(ctx, tc, auth.ActionPlanCreate, auth.Resource{}, ""); err != nil {
		return nil, err
	}
	if err := validateDocument(req.Title, req.Content); err != nil {
		return nil, err
	}
	pt, err := s.patients.Get(ctx, tc, req.PatientID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.NotFoundf("patient %s", req.PatientID)
		}
		return nil, err
	}
	// A plan can only be written for a patient the caller can open.
	if err := s.authorize(ctx, tc, auth.ActionPatientView, pt.Resource(), ""); err != nil {
		return nil, err
	}
	p, err := s.insert(ctx, tc, req.PatientID, strings.TrimSpace(req.Title), req.Content, workflow.EventCreate, nil)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, hipaa.EntryFor(tc, "plan.create", resourceType, p.ID.String()).
		WithPHI().
		WithDetail("patient_id", req.PatientID.String()).
		WithDetail("version", fmt.Sprint(p.Version)))
	return p, nil
}

// insert writes a new DRAFT, retrying when a concurrent writer took the
// same version.
func (s *Service) insert(ctx context.Context, tc tenant.Context, patientID uuid.UUID, title, content string,
	ev workflow.Event, revisionOf *uuid.UUID) (*Plan, error) {
	var history workflow.History
	if err := history.Append(workflow.Entry{
		Status:    workflow.StatusDraft,
		Timestamp: s.now().UTC(),
		ActorID:   tc.UserID(),
		ActorName: tc.UserName(),
		Action:    ev,
	}); err != nil {
		return nil, err
	}

	op := func() (*Plan, error) {
		p := &Plan{
			PatientID:     patientID,
			Title:         title,
			Content:       content,
			Status:        workflow.StatusDraft,
			History:       history,
			CreatedByID:   tc.UserID(),
			CreatedByName: tc.UserName(),
			RevisionOfID:  revisionOf,
		}
		err := s.repo.Create(ctx, tc, p)
		if err == nil {
			return p, nil
		}
		if errors.Is(err, db.ErrUniqueViolation) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryInterval
	p, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(s.maxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			s.logger.Debug().Err(err).Str("patient_id", patientID.String()).
				Dur("retry_in", d).Msg("plan version collision")
		}),
	)
	if err != nil {
		if errors.Is(err, db.ErrUniqueViolation) {
			return nil, apperror.Conflictf("could not allocate a version for patient %s", patientID)
		}
		return nil, err
	}
	return p, nil
}

func (s *Service) GetPlan(ctx context.Context, tc tenant.Context, id uuid.UUID) (*Plan, error) {
	p, err := s.load(ctx, tc, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, tc, auth.ActionPlanView, p.Resource(), id.String()); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, hipaa.EntryFor(tc, "plan.view", resourceType, id.String()).WithPHI())
	return p, nil
}

func (s *Service) ListPlans(ctx context.Context, tc tenant.Context, f ListFilter, limit, offset int) ([]*Plan, int, error) {
	if err := s.authorize(ctx, tc, auth.ActionPlanList, auth.Resource{}, ""); err != nil {
		return nil, 0, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperror.Invalid("status", "unknown workflow status")
	}
	plans, total, err := s.repo.List(ctx, tc, tc.Scope(auth.ActionPlanList), f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	s.audit.Record(ctx, hipaa.EntryFor(tc, "plan.list", resourceType, "").
		WithPHI().
		WithDetail("count", fmt.Sprint(len(plans))))
	return plans, total, nil
}

// History returns the plan's workflow log, oldest first.
func (s *Service) History(ctx context.Context, tc tenant.Context, id uuid.UUID) ([]workflow.Entry, error) {
	p, err := s.load(ctx, tc, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, tc, auth.ActionPlanView, p.Resource(), id.String()); err != nil {
		return nil, err
	}
	entries := p.History.Entries()
	s.audit.Record(ctx, hipaa.EntryFor(tc, "plan.history.view", resourceType, id.String()).
		WithPHI().
		WithDetail("entries", fmt.Sprint(len(entries))))
	return entries, nil
}

// UpdatePlan edits title and content of a DRAFT.
func (s *Service) UpdatePlan(ctx context.Context, tc tenant.Context, id uuid.UUID, req UpdateRequest) (*Plan, error) {
	p, err := s.load(ctx, tc, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, tc, auth.ActionPlanEdit, p.Resource(), id.String()); err != nil {
		return nil, err
	}
	if err := validateDocument(req.Title, req.Content); err != nil {
		return nil, err
	}
	next := p.clone()
	next.Title = strings.TrimSpace(req.Title)
	next.Content = req.Content
	ok, err := s.repo.UpdateDraft(ctx, tc, next)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.stale(ctx, tc, id, workflow.StatusDraft)
	}
	s.audit.Record(ctx, hipaa.EntryFor(tc, "plan.edit", resourceType, id.String()).WithPHI())
	return s.load(ctx, tc, id)
}

// stale explains a conditional write that matched no row.
func (s *Service) stale(ctx context.Context, tc tenant.Context, id uuid.UUID, expected workflow.Status) error {
	if _, err := s.load(ctx, tc, id); err != nil {
		return err
	}
	return apperror.Conflictf("treatment plan %s is no longer %s", id, expected)
}

// transition moves a plan along one workflow edge. stamp sets the fields the
// edge records; it runs on a copy before the conditional write.
func (s *Service) transition(ctx context.Context, tc tenant.Context, id uuid.UUID, action auth.Action,
	ev workflow.Event, reason string, stamp func(p *Plan, now time.Time)) (*Plan, workflow.Status, error) {
	p, err := s.load(ctx, tc, id)
	if err != nil {
		return nil, "", err
	}
	if err := s.authorize(ctx, tc, action, p.Resource(), id.String()); err != nil {
		return nil, "", err
	}
	from := p.Status
	if !workflow.CanApply(from, ev) {
		err := fmt.Errorf("%s plan %s in %s: %w", ev, id, from, workflow.ErrInvalidTransition)
		s.audit.Record(ctx, hipaa.EntryFor(tc, string(action), resourceType, id.String()).WithError(err))
		return nil, "", err
	}
	if ev == workflow.EventReject {
		if err := validateReason(reason); err != nil {
			return nil, "", err
		}
	}
	to, err := workflow.Next(from, ev)
	if err != nil {
		return nil, "", err
	}

	now := s.now().UTC()
	next := p.clone()
	next.Status = to
	if err := next.History.Append(workflow.Entry{
		Status:    to,
		Timestamp: now,
		ActorID:   tc.UserID(),
		ActorName: tc.UserName(),
		Action:    ev,
		Reason:    reason,
	}); err != nil {
		return nil, "", err
	}
	if stamp != nil {
		stamp(next, now)
	}

	ok, err := s.repo.Transition(ctx, tc, next, from)
	if err != nil {
		s.audit.Record(ctx, hipaa.EntryFor(tc, string(action), resourceType, id.String()).WithError(err))
		return nil, "", err
	}
	if !ok {
		err := s.stale(ctx, tc, id, from)
		s.audit.Record(ctx, hipaa.EntryFor(tc, string(action), resourceType, id.String()).WithError(err))
		return nil, "", err
	}
	s.audit.Record(ctx, hipaa.EntryFor(tc, string(action), resourceType, id.String()).
		WithDetail("from", string(from)).
		WithDetail("to", string(to)))
	return next, from, nil
}

func validateReason(reason string) error {
	switch r := strings.TrimSpace(reason); {
	case r == "":
		return apperror.Invalid("reason", "a rejection reason is required")
	case len(r) > maxReasonLen:
		return apperror.Invalid("reason", "must be at most 2000 characters")
	}
	return nil
}

// SubmitForReview sends the creator's DRAFT to BCBA review.
func (s *Service) SubmitForReview(ctx context.Context, tc tenant.Context, id uuid.UUID) (*Plan, error) {
	p, _, err := s.transition(ctx, tc, id, auth.ActionPlanSubmit, workflow.EventSubmit, "",
		func(p *Plan, now time.Time) { p.SubmittedAt = &now })
	if err != nil {
		return nil, err
	}
	s.notifyReviewers(ctx, tc, p, notification.TypePlanSubmitted, notification.TemplatePlanSubmitted,
		auth.RoleBCBA)
	return p, nil
}

// Approve completes the current review stage: BCBA review moves the plan to
// the director, director approval makes it APPROVED.
func (s *Service) Approve(ctx context.Context, tc tenant.Context, id uuid.UUID) (*Plan, error) {
	p, from, err := s.transition(ctx, tc, id, auth.ActionPlanApprove, workflow.EventApprove, "",
		func(p *Plan, now time.Time) {
			actor := tc.UserID()
			if p.Status == workflow.StatusPendingClinicalDirector {
				p.BCBAReviewedByID = &actor
				p.BCBAReviewedAt = &now
				return
			}
			p.ApprovedByID = &actor
			p.ApprovedAt = &now
		})
	if err != nil {
		return nil, err
	}
	if from == workflow.StatusPendingBCBAReview {
		s.notifyReviewers(ctx, tc, p, notification.TypePlanAwaitsDirector, notification.TemplatePlanNeedsCD,
			auth.RoleClinicalDirector, auth.RoleClinicalManager)
	} else {
		s.notifyUsers(ctx, tc, p, notification.TypePlanApproved, notification.TemplatePlanApproved, "",
			p.CreatedByID)
	}
	return p, nil
}

// Reject ends review of a pending plan. The reason is required and recorded.
func (s *Service) Reject(ctx context.Context, tc tenant.Context, id uuid.UUID, reason string) (*Plan, error) {
	reason = strings.TrimSpace(reason)
	p, _, err := s.transition(ctx, tc, id, auth.ActionPlanReject, workflow.EventReject, reason,
		func(p *Plan, now time.Time) {
			actor := tc.UserID()
			p.RejectedByID = &actor
			p.RejectedAt = &now
			p.RejectionReason = &reason
		})
	if err != nil {
		return nil, err
	}
	s.notifyUsers(ctx, tc, p, notification.TypePlanRejected, notification.TemplatePlanRejected, reason,
		p.CreatedByID)
	return p, nil
}

// ActivatePlan puts an APPROVED plan into effect.
func (s *Service) ActivatePlan(ctx context.Context, tc tenant.Context, id uuid.UUID) (*Plan, error) {
	p, _, err := s.transition(ctx, tc, id, auth.ActionPlanActivate, workflow.EventActivate, "",
		func(p *Plan, now time.Time) {
			actor := tc.UserID()
			p.ActivatedByID = &actor
			p.ActivatedAt = &now
		})
	if err != nil {
		return nil, err
	}
	s.notifyUsers(ctx, tc, p, notification.TypePlanActivated, notification.TemplatePlanActivated, "",
		append([]uuid.UUID{p.CreatedByID}, p.Assigned...)...)
	return p, nil
}

// CreateRevision opens a new DRAFT from a rejected, approved or active plan.
// The source plan is left untouched.
func (s *Service) CreateRevision(ctx context.Context, tc tenant.Context, id uuid.UUID) (*Plan, error) {
	src, err := s.load(ctx, tc, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, tc, auth.ActionPlanRevise, src.Resource(), id.String()); err != nil {
		return nil, err
	}
	srcID := src.ID
	p, err := s.insert(ctx, tc, src.PatientID, src.Title, src.Content, workflow.EventRevise, &srcID)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, hipaa.EntryFor(tc, "plan.revise", resourceType, p.ID.String()).
		WithPHI().
		WithDetail("revision_of", id.String()).
		WithDetail("version", fmt.Sprint(p.Version)))
	return p, nil
}

func (s *Service) DeletePlan(ctx context.Context, tc tenant.Context, id uuid.UUID) error {
	p, err := s.load(ctx, tc, id)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, tc, auth.ActionPlanDelete, p.Resource(), id.String()); err != nil {
		return err
	}
	if err := s.repo.SoftDelete(ctx, tc, id, s.now().UTC()); err != nil {
		return err
	}
	s.audit.Record(ctx, hipaa.EntryFor(tc, "plan.delete", resourceType, id.String()))
	return nil
}

// RequestAIReview stores an advisory review next to the plan. Content and
// status are never changed by it.
func (s *Service) RequestAIReview(ctx context.Context, tc tenant.Context, id uuid.UUID) (*aireview.Result, error) {
	p, err := s.load(ctx, tc, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, tc, auth.ActionPlanAIReview, p.Resource(), id.String()); err != nil {
		return nil, err
	}
	if !tc.HasFeature(organization.FeatureAIReview) {
		return nil, apperror.Invalid("feature", "ai review is not enabled for this organization")
	}

	res, err := s.reviewer.Review(ctx, aireview.Request{
		PlanID:  p.ID.String(),
		Version: p.Version,
		Title:   p.Title,
		Content: p.Content,
	})
	if err != nil {
		s.audit.Record(ctx, hipaa.EntryFor(tc, "plan.ai_review", resourceType, id.String()).WithPHI().WithError(err))
		if errors.Is(err, aireview.ErrDisabled) {
			return nil, apperror.Invalid("feature", "ai review is not configured")
		}
		return nil, fmt.Errorf("ai review: %w", err)
	}
	if err := s.repo.SetAIReview(ctx, tc, id, res); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, hipaa.EntryFor(tc, "plan.ai_review", resourceType, id.String()).
		WithPHI().
		WithDetail("score", fmt.Sprintf("%.2f", res.Score)))
	return &res, nil
}

func (s *Service) render(tc tenant.Context, p *Plan, tmpl, reason string) (string, string) {
	title, msg, err := s.templates.Render(tmpl, map[string]string{
		"actor":   tc.UserName(),
		"title":   p.Title,
		"version": fmt.Sprint(p.Version),
		"reason":  reason,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("template", tmpl).Msg("render notification")
		return p.Title, ""
	}
	return title, msg
}

func (s *Service) notifyUsers(ctx context.Context, tc tenant.Context, p *Plan, typ notification.Type, tmpl, reason string, targets ...uuid.UUID) {
	title, msg := s.render(tc, p, tmpl, reason)
	notification.Fanout(ctx, s.notify, notification.Notification{
		OrganizationID: tc.OrganizationID(),
		Type:           typ,
		Title:          title,
		Message:        msg,
		Link:           "/treatment-plans/" + p.ID.String(),
	}, targets, tc.UserID())
}

// notifyReviewers notifies the active members holding one of roles who can
// open p. A lookup failure is logged; the transition has already committed.
func (s *Service) notifyReviewers(ctx context.Context, tc tenant.Context, p *Plan, typ notification.Type, tmpl string, roles ...auth.Role) {
	var ids []uuid.UUID
	for _, role := range roles {
		members, err := s.staff.ActiveUserIDsByRole(ctx, tc.OrganizationID(), role)
		if err != nil {
			s.logger.Error().Err(err).
				Str("plan_id", p.ID.String()).
				Str("type", string(typ)).
				Msg("resolve notification targets")
			return
		}
		for _, id := range members {
			if auth.Scope(role, id, auth.ActionPlanView).Matches(p.Resource()) {
				ids = append(ids, id)
			}
		}
	}
	s.notifyUsers(ctx, tc, p, typ, tmpl, "", ids...)
}
