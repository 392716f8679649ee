package treatmentplan

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"

	"github.com/ehr/planflow/internal/platform/aireview"
	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/auth"
	"github.com/ehr/planflow/internal/platform/workflow"
)

const (
	maxTitleLen   = 300
	maxContentLen = 1 << 20
	maxReasonLen  = 2000
)

// Plan is one version of a patient's treatment plan.
type Plan struct {
	ID             uuid.UUID        `json:"id"`
	OrganizationID uuid.UUID        `json:"organization_id"`
	PatientID      uuid.UUID        `json:"patient_id"`
	Version        int              `json:"version"`
	Title          string           `json:"title"`
	Content        string           `json:"content"`
	Status         workflow.Status  `json:"status"`
	History        workflow.History `json:"workflow_history"`
	CreatedByID    uuid.UUID        `json:"created_by_id"`
	CreatedByName  string           `json:"created_by_name"`

	SubmittedAt      *time.Time `json:"submitted_at,omitempty"`
	BCBAReviewedByID *uuid.UUID `json:"bcba_reviewed_by_id,omitempty"`
	BCBAReviewedAt   *time.Time `json:"bcba_reviewed_at,omitempty"`
	ApprovedByID     *uuid.UUID `json:"approved_by_id,omitempty"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`
	RejectedByID     *uuid.UUID `json:"rejected_by_id,omitempty"`
	RejectedAt       *time.Time `json:"rejected_at,omitempty"`
	RejectionReason  *string    `json:"rejection_reason,omitempty"`
	ActivatedByID    *uuid.UUID `json:"activated_by_id,omitempty"`
	ActivatedAt      *time.Time `json:"activated_at,omitempty"`

	RevisionOfID *uuid.UUID      `json:"revision_of_id,omitempty"`
	AIReview     *aireview.Result `json:"ai_review,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Assigned holds the patient's assigned clinicians. It is loaded with the
	// plan for access decisions and not serialized.
	Assigned []uuid.UUID `json:"-"`
}

// Resource describes the plan to the access-control engine.
func (p *Plan) Resource() auth.Resource {
	return auth.Resource{
		CreatedBy:          p.CreatedByID,
		AssignedClinicians: p.Assigned,
		Status:             p.Status,
	}
}

func (p *Plan) clone() *Plan {
	cp := *p
	cp.History = workflow.NewHistory(p.History.Entries()...)
	cp.Assigned = append([]uuid.UUID(nil), p.Assigned...)
	return &cp
}

// CreateRequest starts a new plan for a patient.
type CreateRequest struct {
	PatientID uuid.UUID `json:"patient_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
}

// UpdateRequest edits a draft.
type UpdateRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func validateDocument(title, content string) error {
	var errs errsx.Map
	if strings.TrimSpace(title) == "" {
		errs.Set("title", "is required")
	} else if len(title) > maxTitleLen {
		errs.Set("title", "must be at most 300 characters")
	}
	if len(content) > maxContentLen {
		errs.Set("content", "is too large")
	}
	return apperror.NewValidationError(errs)
}

// ListFilter narrows ListPlans. Zero values match everything.
type ListFilter struct {
	PatientID *uuid.UUID
	Status    workflow.Status
}
