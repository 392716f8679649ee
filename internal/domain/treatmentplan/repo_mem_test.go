package treatmentplan_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/planflow/internal/domain/patient/patienttest"
	"github.com/ehr/planflow/internal/domain/treatmentplan"
	"github.com/ehr/planflow/internal/platform/aireview"
	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/auth"
	"github.com/ehr/planflow/internal/platform/db"
	"github.com/ehr/planflow/internal/platform/tenant"
	"github.com/ehr/planflow/internal/platform/workflow"
)

type memPlan struct {
	plan    *treatmentplan.Plan
	deleted bool
}

// memRepo mirrors the conditional-write semantics of the PostgreSQL
// repository.
type memRepo struct {
	mu       sync.Mutex
	plans    map[uuid.UUID]*memPlan
	patients *patienttest.Repo
	clock    time.Time

	// collisions makes the next n Create calls fail as if another writer
	// took the version first.
	collisions  int
	createCalls int
	beforeWrite func(id uuid.UUID)
}

func newMemRepo(patients *patienttest.Repo) *memRepo {
	return &memRepo{
		plans:    make(map[uuid.UUID]*memPlan),
		patients: patients,
		clock:    time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (r *memRepo) tick() time.Time {
	r.clock = r.clock.Add(time.Second)
	return r.clock
}

func clonePlan(p *treatmentplan.Plan) *treatmentplan.Plan {
	cp := *p
	cp.History = workflow.NewHistory(p.History.Entries()...)
	return &cp
}

func (r *memRepo) withAssigned(p *treatmentplan.Plan) *treatmentplan.Plan {
	cp := clonePlan(p)
	cp.Assigned = nil
	if row, _, ok := r.patients.Raw(p.PatientID); ok {
		cp.Assigned = row.Resource().AssignedClinicians
	}
	return cp
}

func (r *memRepo) Create(_ context.Context, tc tenant.Context, p *treatmentplan.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createCalls++
	if r.collisions > 0 {
		r.collisions--
		return &db.ConstraintError{Constraint: "treatment_plan_patient_version_key", Err: db.ErrUniqueViolation}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.OrganizationID = tc.OrganizationID()
	top := 0
	for _, s := range r.plans {
		if s.plan.OrganizationID == p.OrganizationID && s.plan.PatientID == p.PatientID && s.plan.Version > top {
			top = s.plan.Version
		}
	}
	p.Version = top + 1
	now := r.tick()
	p.CreatedAt, p.UpdatedAt = now, now
	r.plans[p.ID] = &memPlan{plan: clonePlan(p)}
	return nil
}

func (r *memRepo) live(tc tenant.Context, id uuid.UUID) (*memPlan, error) {
	s, ok := r.plans[id]
	if !ok || s.deleted || s.plan.OrganizationID != tc.OrganizationID() {
		return nil, apperror.ErrNotFound
	}
	return s, nil
}

func (r *memRepo) Get(_ context.Context, tc tenant.Context, id uuid.UUID) (*treatmentplan.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.live(tc, id)
	if err != nil {
		return nil, err
	}
	return r.withAssigned(s.plan), nil
}

func (r *memRepo) List(_ context.Context, tc tenant.Context, scope auth.Predicate, f treatmentplan.ListFilter, limit, offset int) ([]*treatmentplan.Plan, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*treatmentplan.Plan
	for _, s := range r.plans {
		if s.deleted || s.plan.OrganizationID != tc.OrganizationID() {
			continue
		}
		if f.PatientID != nil && s.plan.PatientID != *f.PatientID {
			continue
		}
		if f.Status != "" && s.plan.Status != f.Status {
			continue
		}
		p := r.withAssigned(s.plan)
		if !scope.Matches(p.Resource()) {
			continue
		}
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
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

func (r *memRepo) runHook(id uuid.UUID) {
	r.mu.Lock()
	hook := r.beforeWrite
	r.beforeWrite = nil
	r.mu.Unlock()
	if hook != nil {
		hook(id)
	}
}

func (r *memRepo) Transition(_ context.Context, tc tenant.Context, p *treatmentplan.Plan, from workflow.Status) (bool, error) {
	r.runHook(p.ID)
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.live(tc, p.ID)
	if err != nil || s.plan.Status != from {
		return false, nil
	}
	next := clonePlan(p)
	next.UpdatedAt = r.tick()
	s.plan = next
	return true, nil
}

func (r *memRepo) UpdateDraft(_ context.Context, tc tenant.Context, p *treatmentplan.Plan) (bool, error) {
	r.runHook(p.ID)
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.live(tc, p.ID)
	if err != nil || s.plan.Status != workflow.StatusDraft {
		return false, nil
	}
	s.plan.Title = p.Title
	s.plan.Content = p.Content
	s.plan.UpdatedAt = r.tick()
	return true, nil
}

func (r *memRepo) SetAIReview(_ context.Context, tc tenant.Context, id uuid.UUID, res aireview.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.live(tc, id)
	if err != nil {
		return err
	}
	s.plan.AIReview = &res
	return nil
}

func (r *memRepo) SoftDelete(_ context.Context, tc tenant.Context, id uuid.UUID, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.live(tc, id)
	if err != nil {
		return err
	}
	s.deleted = true
	return nil
}

// setStatus changes a stored plan behind the service's back.
func (r *memRepo) setStatus(id uuid.UUID, st workflow.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[id].plan.Status = st
}

func (r *memRepo) stored(id uuid.UUID) *treatmentplan.Plan {
	r.mu.Lock()
	defer r.mu.Unlock()
	return clonePlan(r.plans[id].plan)
}

func (r *memRepo) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createCalls
}
