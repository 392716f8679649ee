package treatmentplan

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/planflow/internal/platform/aireview"
	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/auth"
	"github.com/ehr/planflow/internal/platform/db"
	"github.com/ehr/planflow/internal/platform/tenant"
	"github.com/ehr/planflow/internal/platform/workflow"
)

var scopeColumns = auth.Columns{
	Creator:  "tp.created_by_id",
	Assigned: []string{"p.assigned_bcba_id", "p.assigned_rbt_id"},
}

type repoPG struct{ db db.Querier }

func NewRepoPG(q db.Querier) Repository {
	return &repoPG{db: q}
}

const planCols = `tp.id, tp.organization_id, tp.patient_id, tp.version, tp.title, tp.content,
	tp.status, tp.workflow_history, tp.created_by_id, tp.created_by_name,
	tp.submitted_at, tp.bcba_reviewed_by_id, tp.bcba_reviewed_at, tp.approved_by_id, tp.approved_at,
	tp.rejected_by_id, tp.rejected_at, tp.rejection_reason, tp.activated_by_id, tp.activated_at,
	tp.revision_of_id, tp.ai_review, tp.created_at, tp.updated_at,
	p.assigned_bcba_id, p.assigned_rbt_id`

const planFrom = `treatment_plan tp
	LEFT JOIN patient p ON p.organization_id = tp.organization_id AND p.id = tp.patient_id`

func scanPlan(row pgx.Row) (*Plan, error) {
	var (
		p         Plan
		status    string
		review    *aireview.Result
		bcba, rbt *uuid.UUID
	)
	err := row.Scan(&p.ID, &p.OrganizationID, &p.PatientID, &p.Version, &p.Title, &p.Content,
		&status, &p.History, &p.CreatedByID, &p.CreatedByName,
		&p.SubmittedAt, &p.BCBAReviewedByID, &p.BCBAReviewedAt, &p.ApprovedByID, &p.ApprovedAt,
		&p.RejectedByID, &p.RejectedAt, &p.RejectionReason, &p.ActivatedByID, &p.ActivatedAt,
		&p.RevisionOfID, &review, &p.CreatedAt, &p.UpdatedAt,
		&bcba, &rbt)
	if err != nil {
		return nil, db.MapError(err)
	}
	p.Status = workflow.Status(status)
	p.AIReview = review
	for _, id := range []*uuid.UUID{bcba, rbt} {
		if id != nil {
			p.Assigned = append(p.Assigned, *id)
		}
	}
	return &p, nil
}

// Create computes the version inside the INSERT so two writers racing for
// the same patient collide on treatment_plan_patient_version_key.
func (r *repoPG) Create(ctx context.Context, tc tenant.Context, p *Plan) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.OrganizationID = tc.OrganizationID()
	err := db.Conn(ctx, r.db).QueryRow(ctx, `
		INSERT INTO treatment_plan (id, organization_id, patient_id, version, title, content,
			status, workflow_history, created_by_id, created_by_name, revision_of_id)
		SELECT $1::uuid, $2::uuid, $3::uuid, COALESCE(MAX(version), 0) + 1, $4::text, $5::text,
			$6::text, $7::jsonb, $8::uuid, $9::text, $10::uuid
		FROM treatment_plan
		WHERE organization_id = $2::uuid AND patient_id = $3::uuid
		RETURNING version, created_at, updated_at`,
		p.ID, p.OrganizationID, p.PatientID, p.Title, p.Content,
		string(p.Status), p.History, p.CreatedByID, p.CreatedByName, p.RevisionOfID,
	).Scan(&p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert treatment plan: %w", db.MapError(err))
	}
	return nil
}

func (r *repoPG) Get(ctx context.Context, tc tenant.Context, id uuid.UUID) (*Plan, error) {
	return scanPlan(db.Conn(ctx, r.db).QueryRow(ctx, `
		SELECT `+planCols+` FROM `+planFrom+`
		WHERE tp.organization_id = $1 AND tp.id = $2 AND tp.deleted_at IS NULL`,
		tc.OrganizationID(), id))
}

func (r *repoPG) List(ctx context.Context, tc tenant.Context, scope auth.Predicate, f ListFilter, limit, offset int) ([]*Plan, int, error) {
	args := []any{tc.OrganizationID()}
	where := `tp.organization_id = $1 AND tp.deleted_at IS NULL`
	if f.PatientID != nil {
		args = append(args, *f.PatientID)
		where += fmt.Sprintf(" AND tp.patient_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where += fmt.Sprintf(" AND tp.status = $%d", len(args))
	}
	clause, scopeArgs := scope.SQL(scopeColumns, len(args)+1)
	where += " AND " + clause
	args = append(args, scopeArgs...)

	var total int
	if err := db.Conn(ctx, r.db).QueryRow(ctx,
		`SELECT COUNT(*) FROM `+planFrom+` WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count treatment plans: %w", db.MapError(err))
	}

	n := len(args)
	rows, err := db.Conn(ctx, r.db).Query(ctx, `
		SELECT `+planCols+` FROM `+planFrom+` WHERE `+where+`
		ORDER BY tp.updated_at DESC, tp.id
		LIMIT $`+fmt.Sprint(n+1)+` OFFSET $`+fmt.Sprint(n+2),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list treatment plans: %w", db.MapError(err))
	}
	defer rows.Close()

	var out []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, db.MapError(err)
	}
	return out, total, nil
}

// Transition appends the new history entry to the stored array rather than
// rewriting it, so earlier entries are never touched by the UPDATE.
func (r *repoPG) Transition(ctx context.Context, tc tenant.Context, p *Plan, from workflow.Status) (bool, error) {
	appended := p.History.Since(p.History.Len() - 1)
	tag, err := db.Conn(ctx, r.db).Exec(ctx, `
		UPDATE treatment_plan SET
			status = $4, workflow_history = workflow_history || $5::jsonb,
			submitted_at = $6, bcba_reviewed_by_id = $7, bcba_reviewed_at = $8,
			approved_by_id = $9, approved_at = $10,
			rejected_by_id = $11, rejected_at = $12, rejection_reason = $13,
			activated_by_id = $14, activated_at = $15,
			updated_at = NOW()
		WHERE organization_id = $1 AND id = $2 AND status = $3 AND deleted_at IS NULL`,
		tc.OrganizationID(), p.ID, string(from),
		string(p.Status), appended,
		p.SubmittedAt, p.BCBAReviewedByID, p.BCBAReviewedAt,
		p.ApprovedByID, p.ApprovedAt,
		p.RejectedByID, p.RejectedAt, p.RejectionReason,
		p.ActivatedByID, p.ActivatedAt)
	if err != nil {
		return false, fmt.Errorf("transition treatment plan: %w", db.MapError(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) UpdateDraft(ctx context.Context, tc tenant.Context, p *Plan) (bool, error) {
	tag, err := db.Conn(ctx, r.db).Exec(ctx, `
		UPDATE treatment_plan SET title = $4, content = $5, updated_at = NOW()
		WHERE organization_id = $1 AND id = $2 AND status = $3 AND deleted_at IS NULL`,
		tc.OrganizationID(), p.ID, string(workflow.StatusDraft), p.Title, p.Content)
	if err != nil {
		return false, fmt.Errorf("update treatment plan: %w", db.MapError(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) SetAIReview(ctx context.Context, tc tenant.Context, id uuid.UUID, res aireview.Result) error {
	tag, err := db.Conn(ctx, r.db).Exec(ctx, `
		UPDATE treatment_plan SET ai_review = $3
		WHERE organization_id = $1 AND id = $2 AND deleted_at IS NULL`,
		tc.OrganizationID(), id, res)
	if err != nil {
		return fmt.Errorf("store ai review: %w", db.MapError(err))
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFoundf("treatment plan %s", id)
	}
	return nil
}

func (r *repoPG) SoftDelete(ctx context.Context, tc tenant.Context, id uuid.UUID, at time.Time) error {
	tag, err := db.Conn(ctx, r.db).Exec(ctx, `
		UPDATE treatment_plan SET deleted_at = $3, updated_at = $3
		WHERE organization_id = $1 AND id = $2 AND deleted_at IS NULL`,
		tc.OrganizationID(), id, at)
	if err != nil {
		return fmt.Errorf("delete treatment plan: %w", db.MapError(err))
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFoundf("treatment plan %s", id)
	}
	return nil
}
