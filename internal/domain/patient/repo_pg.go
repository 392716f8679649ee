package patient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/auth"
	"github.com/ehr/planflow/internal/platform/db"
	"github.com/ehr/planflow/internal/platform/hipaa"
	"github.com/ehr/planflow/internal/platform/tenant"
)

// phiFields is the sorted encrypted field set; column names add "_enc".
var phiFields = hipaa.PHIFields("patient")

var scopeColumns = auth.Columns{
	Creator:  "created_by_id",
	Assigned: []string{"assigned_bcba_id", "assigned_rbt_id"},
}

type repoPG struct{ db db.Querier }

func NewRepoPG(q db.Querier) Repository {
	return &repoPG{db: q}
}

func encColumns() string {
	cols := make([]string, len(phiFields))
	for i, f := range phiFields {
		cols[i] = f + "_enc"
	}
	return strings.Join(cols, ", ")
}

var patientCols = `id, organization_id, ` + encColumns() +
	`, name_dob_index, assigned_bcba_id, assigned_rbt_id, created_by_id, created_at, updated_at`

func scanRow(row pgx.Row) (*Row, error) {
	var r Row
	enc := make([]*string, len(phiFields))
	dest := []any{&r.ID, &r.OrganizationID}
	for i := range enc {
		dest = append(dest, &enc[i])
	}
	dest = append(dest, &r.NameDOBIndex, &r.AssignedBCBAID, &r.AssignedRBTID,
		&r.CreatedByID, &r.CreatedAt, &r.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, db.MapError(err)
	}
	r.Fields = make(hipaa.Record, len(phiFields))
	for i, f := range phiFields {
		r.Fields[f] = enc[i]
	}
	return &r, nil
}

func collect(rows pgx.Rows) ([]*Row, error) {
	defer rows.Close()
	var out []*Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, db.MapError(rows.Err())
}

func (r *repoPG) Create(ctx context.Context, tc tenant.Context, p *Row) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.OrganizationID = tc.OrganizationID()

	args := []any{p.ID, p.OrganizationID}
	placeholders := []string{"$1", "$2"}
	for _, f := range phiFields {
		args = append(args, p.Fields[f])
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	args = append(args, p.NameDOBIndex, p.AssignedBCBAID, p.AssignedRBTID, p.CreatedByID)
	for i := len(placeholders); i < len(args); i++ {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
	}

	err := db.Conn(ctx, r.db).QueryRow(ctx, `
		INSERT INTO patient (id, organization_id, `+encColumns()+`,
			name_dob_index, assigned_bcba_id, assigned_rbt_id, created_by_id)
		VALUES (`+strings.Join(placeholders, ", ")+`)
		RETURNING created_at, updated_at`, args...,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert patient: %w", db.MapError(err))
	}
	return nil
}

func (r *repoPG) Get(ctx context.Context, tc tenant.Context, id uuid.UUID) (*Row, error) {
	return scanRow(db.Conn(ctx, r.db).QueryRow(ctx, `
		SELECT `+patientCols+` FROM patient
		WHERE organization_id = $1 AND id = $2 AND deleted_at IS NULL`,
		tc.OrganizationID(), id))
}

func (r *repoPG) List(ctx context.Context, tc tenant.Context, scope auth.Predicate, limit, offset int) ([]*Row, int, error) {
	clause, scopeArgs := scope.SQL(scopeColumns, 2)
	where := `organization_id = $1 AND deleted_at IS NULL AND ` + clause
	args := append([]any{tc.OrganizationID()}, scopeArgs...)

	var total int
	if err := db.Conn(ctx, r.db).QueryRow(ctx,
		`SELECT COUNT(*) FROM patient WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patients: %w", db.MapError(err))
	}

	n := len(args)
	rows, err := db.Conn(ctx, r.db).Query(ctx, `
		SELECT `+patientCols+` FROM patient WHERE `+where+`
		ORDER BY created_at DESC, id
		LIMIT $`+fmt.Sprint(n+1)+` OFFSET $`+fmt.Sprint(n+2),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list patients: %w", db.MapError(err))
	}
	out, err := collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *repoPG) FindByIndex(ctx context.Context, tc tenant.Context, scope auth.Predicate, index string) ([]*Row, error) {
	clause, scopeArgs := scope.SQL(scopeColumns, 3)
	args := append([]any{tc.OrganizationID(), index}, scopeArgs...)
	rows, err := db.Conn(ctx, r.db).Query(ctx, `
		SELECT `+patientCols+` FROM patient
		WHERE organization_id = $1 AND name_dob_index = $2 AND deleted_at IS NULL AND `+clause+`
		ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("search patients: %w", db.MapError(err))
	}
	return collect(rows)
}

func (r *repoPG) Update(ctx context.Context, tc tenant.Context, p *Row) error {
	args := []any{tc.OrganizationID(), p.ID}
	sets := make([]string, 0, len(phiFields)+3)
	for _, f := range phiFields {
		args = append(args, p.Fields[f])
		sets = append(sets, fmt.Sprintf("%s_enc = $%d", f, len(args)))
	}
	args = append(args, p.NameDOBIndex)
	sets = append(sets, fmt.Sprintf("name_dob_index = $%d", len(args)))
	args = append(args, p.AssignedBCBAID)
	sets = append(sets, fmt.Sprintf("assigned_bcba_id = $%d", len(args)))
	args = append(args, p.AssignedRBTID)
	sets = append(sets, fmt.Sprintf("assigned_rbt_id = $%d", len(args)))

	err := db.Conn(ctx, r.db).QueryRow(ctx, `
		UPDATE patient SET `+strings.Join(sets, ", ")+`, updated_at = NOW()
		WHERE organization_id = $1 AND id = $2 AND deleted_at IS NULL
		RETURNING updated_at`, args...).Scan(&p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update patient: %w", db.MapError(err))
	}
	return nil
}

func (r *repoPG) SoftDelete(ctx context.Context, tc tenant.Context, id uuid.UUID, at time.Time) error {
	tag, err := db.Conn(ctx, r.db).Exec(ctx, `
		UPDATE patient SET deleted_at = $3, updated_at = $3
		WHERE organization_id = $1 AND id = $2 AND deleted_at IS NULL`,
		tc.OrganizationID(), id, at)
	if err != nil {
		return fmt.Errorf("delete patient: %w", db.MapError(err))
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFoundf("patient %s", id)
	}
	return nil
}

func (r *repoPG) Count(ctx context.Context, tc tenant.Context) (int, error) {
	var n int
	err := db.Conn(ctx, r.db).QueryRow(ctx,
		`SELECT COUNT(*) FROM patient WHERE organization_id = $1 AND deleted_at IS NULL`,
		tc.OrganizationID()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count patients: %w", db.MapError(err))
	}
	return n, nil
}
