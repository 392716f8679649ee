// Package patienttest provides an in-memory patient.Repository for tests in
// this and dependent packages.
package patienttest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/planflow/internal/domain/patient"
	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/auth"
	"github.com/ehr/planflow/internal/platform/hipaa"
	"github.com/ehr/planflow/internal/platform/tenant"
)

type stored struct {
	row     patient.Row
	deleted bool
}

type Repo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*stored
	seq  time.Time
}

func New() *Repo {
	return &Repo{
		rows: make(map[uuid.UUID]*stored),
		seq:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Add stores a minimal row directly, bypassing encryption. Useful when only
// ownership matters.
func (r *Repo) Add(orgID, createdBy uuid.UUID, bcba, rbt *uuid.UUID) uuid.UUID {
	row := &patient.Row{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Fields:         hipaa.Record{},
		AssignedBCBAID: bcba,
		AssignedRBTID:  rbt,
		CreatedByID:    createdBy,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stamp(row)
	r.rows[row.ID] = &stored{row: *row}
	return row.ID
}

// Raw returns the stored row, ciphertext included, even when soft-deleted.
func (r *Repo) Raw(id uuid.UUID) (patient.Row, bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return patient.Row{}, false, false
	}
	return copyRow(&s.row), s.deleted, true
}

func (r *Repo) stamp(row *patient.Row) {
	r.seq = r.seq.Add(time.Second)
	row.CreatedAt = r.seq
	row.UpdatedAt = r.seq
}

func copyRow(row *patient.Row) patient.Row {
	cp := *row
	cp.Fields = make(hipaa.Record, len(row.Fields))
	for k, v := range row.Fields {
		cp.Fields[k] = v
	}
	return cp
}

func (r *Repo) live(tc tenant.Context, id uuid.UUID) (*stored, error) {
	s, ok := r.rows[id]
	if !ok || s.deleted || s.row.OrganizationID != tc.OrganizationID() {
		return nil, apperror.ErrNotFound
	}
	return s, nil
}

func (r *Repo) Create(_ context.Context, tc tenant.Context, p *patient.Row) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.OrganizationID = tc.OrganizationID()
	r.stamp(p)
	r.rows[p.ID] = &stored{row: copyRow(p)}
	return nil
}

func (r *Repo) Get(_ context.Context, tc tenant.Context, id uuid.UUID) (*patient.Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.live(tc, id)
	if err != nil {
		return nil, err
	}
	cp := copyRow(&s.row)
	return &cp, nil
}

func (r *Repo) visible(tc tenant.Context, scope auth.Predicate, match func(*patient.Row) bool) []*patient.Row {
	var out []*patient.Row
	for _, s := range r.rows {
		if s.deleted || s.row.OrganizationID != tc.OrganizationID() {
			continue
		}
		if !scope.Matches(s.row.Resource()) || !match(&s.row) {
			continue
		}
		cp := copyRow(&s.row)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r *Repo) List(_ context.Context, tc tenant.Context, scope auth.Predicate, limit, offset int) ([]*patient.Row, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.visible(tc, scope, func(*patient.Row) bool { return true })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *Repo) FindByIndex(_ context.Context, tc tenant.Context, scope auth.Predicate, index string) ([]*patient.Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.visible(tc, scope, func(p *patient.Row) bool { return p.NameDOBIndex == index }), nil
}

func (r *Repo) Update(_ context.Context, tc tenant.Context, p *patient.Row) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.live(tc, p.ID)
	if err != nil {
		return err
	}
	created := s.row.CreatedAt
	r.stamp(p)
	p.CreatedAt = created
	s.row = copyRow(p)
	return nil
}

func (r *Repo) SoftDelete(_ context.Context, tc tenant.Context, id uuid.UUID, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.live(tc, id)
	if err != nil {
		return err
	}
	s.deleted = true
	return nil
}

func (r *Repo) Count(_ context.Context, tc tenant.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.rows {
		if !s.deleted && s.row.OrganizationID == tc.OrganizationID() {
			n++
		}
	}
	return n, nil
}
