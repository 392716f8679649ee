package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"

	"github.com/ehr/planflow/internal/domain/organization"
	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/auth"
	"github.com/ehr/planflow/internal/platform/hipaa"
	"github.com/ehr/planflow/internal/platform/tenant"
)

const resourceType = "patient"

// Capacity enforces the organization's patient limit.
type Capacity interface {
	EnsureCapacity(ctx context.Context, orgID uuid.UUID, quota organization.Quota, current int) error
}

// Members looks up active memberships for clinician assignment.
type Members interface {
	Get(ctx context.Context, orgID, userID uuid.UUID) (*organization.Membership, error)
}

type Auditor interface {
	Record(ctx context.Context, e hipaa.AuditEntry)
}

type Service struct {
	repo     Repository
	box      *hipaa.FieldBox
	index    *hipaa.BlindIndexer
	capacity Capacity
	members  Members
	audit    Auditor
	now      func() time.Time
}

func NewService(repo Repository, box *hipaa.FieldBox, index *hipaa.BlindIndexer,
	capacity Capacity, members Members, audit Auditor) *Service {
	return &Service{
		repo:     repo,
		box:      box,
		index:    index,
		capacity: capacity,
		members:  members,
		audit:    audit,
		now:      time.Now,
	}
}

// authorize checks action and records the denial.
func (s *Service) authorize(ctx context.Context, tc tenant.Context, action auth.Action, res auth.Resource, id string) error {
	if err := tc.Can(action, res); err != nil {
		s.audit.Record(ctx, hipaa.EntryFor(tc, string(action), resourceType, id).WithError(err))
		return err
	}
	return nil
}

func (s *Service) decrypt(ctx context.Context, tc tenant.Context, action string, r *Row) (*Patient, error) {
	plain, err := s.box.DecryptRecord(r.Fields)
	if err != nil {
		s.audit.Record(ctx, hipaa.EntryFor(tc, action, resourceType, r.ID.String()).WithPHI().WithError(err))
		return nil, fmt.Errorf("read patient %s: %w", r.ID, err)
	}
	return fromRow(r, plain), nil
}

// checkAssignments verifies assigned clinicians are active members holding
// a matching role.
func (s *Service) checkAssignments(ctx context.Context, tc tenant.Context, in *Input) error {
	var errs errsx.Map
	check := func(field string, id *uuid.UUID, roles ...auth.Role) error {
		if id == nil {
			return nil
		}
		m, err := s.members.Get(ctx, tc.OrganizationID(), *id)
		if errors.Is(err, apperror.ErrNotFound) {
			errs.Set(field, "is not an active member of this organization")
			return nil
		}
		if err != nil {
			return err
		}
		for _, r := range roles {
			if m.Role == r {
				return nil
			}
		}
		errs.Set(field, "member does not hold a "+roles[0].String()+" role")
		return nil
	}
	if err := check("assigned_bcba_id", in.AssignedBCBAID, auth.RoleBCBA); err != nil {
		return err
	}
	if err := check("assigned_rbt_id", in.AssignedRBTID, auth.RoleRBT, auth.RoleBT); err != nil {
		return err
	}
	return apperror.NewValidationError(errs)
}

func (s *Service) prepare(ctx context.Context, tc tenant.Context, in *Input) (hipaa.Record, string, error) {
	in.normalize()
	if err := in.validate(s.now()); err != nil {
		return nil, "", err
	}
	if err := s.checkAssignments(ctx, tc, in); err != nil {
		return nil, "", err
	}
	enc, err := s.box.EncryptRecord(in.record())
	if err != nil {
		return nil, "", fmt.Errorf("encrypt patient: %w", err)
	}
	return enc, s.index.Index(in.LastName, in.DateOfBirth), nil
}

func (s *Service) Create(ctx context.Context, tc tenant.Context, in Input) (*Patient, error) {
	if err := s.authorize(ctx, tc, auth.ActionPatientCreate, auth.Resource{}, ""); err != nil {
		return nil, err
	}
	enc, idx, err := s.prepare(ctx, tc, &in)
	if err != nil {
		return nil, err
	}
	current, err := s.repo.Count(ctx, tc)
	if err != nil {
		return nil, err
	}
	if err := s.capacity.EnsureCapacity(ctx, tc.OrganizationID(), organization.QuotaPatients, current); err != nil {
		return nil, err
	}

	row := &Row{
		Fields:         enc,
		NameDOBIndex:   idx,
		AssignedBCBAID: in.AssignedBCBAID,
		AssignedRBTID:  in.AssignedRBTID,
		CreatedByID:    tc.UserID(),
	}
	if err := s.repo.Create(ctx, tc, row); err != nil {
		s.audit.Record(ctx, hipaa.EntryFor(tc, "patient.create", resourceType, "").WithPHI().WithError(err))
		return nil, err
	}
	s.audit.Record(ctx, hipaa.EntryFor(tc, "patient.create", resourceType, row.ID.String()).WithPHI())
	return fromRow(row, in.record()), nil
}

// load fetches the row and authorizes action against it. Rows of other
// tenants are indistinguishable from missing ones.
func (s *Service) load(ctx context.Context, tc tenant.Context, action auth.Action, id uuid.UUID) (*Row, error) {
	row, err := s.repo.Get(ctx, tc, id)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.NotFoundf("patient %s", id)
		}
		return nil, err
	}
	if err := s.authorize(ctx, tc, action, row.Resource(), id.String()); err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Service) Get(ctx context.Context, tc tenant.Context, id uuid.UUID) (*Patient, error) {
	row, err := s.load(ctx, tc, auth.ActionPatientView, id)
	if err != nil {
		return nil, err
	}
	p, err := s.decrypt(ctx, tc, "patient.view", row)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, hipaa.EntryFor(tc, "patient.view", resourceType, id.String()).WithPHI())
	return p, nil
}

// List returns the caller's visible patients, newest first.
func (s *Service) List(ctx context.Context, tc tenant.Context, limit, offset int) ([]*Patient, int, error) {
	if err := s.authorize(ctx, tc, auth.ActionPatientList, auth.Resource{}, ""); err != nil {
		return nil, 0, err
	}
	rows, total, err := s.repo.List(ctx, tc, tc.Scope(auth.ActionPatientList), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	out, err := s.decryptAll(ctx, tc, "patient.list", rows)
	if err != nil {
		return nil, 0, err
	}
	s.audit.Record(ctx, hipaa.EntryFor(tc, "patient.list", resourceType, "").
		WithPHI().WithDetail("count", fmt.Sprint(len(out))))
	return out, total, nil
}

// Search finds visible patients by exact last name and date of birth.
func (s *Service) Search(ctx context.Context, tc tenant.Context, lastName, dateOfBirth string) ([]*Patient, error) {
	if err := s.authorize(ctx, tc, auth.ActionPatientList, auth.Resource{}, ""); err != nil {
		return nil, err
	}
	var errs errsx.Map
	if strings.TrimSpace(lastName) == "" {
		errs.Set("last_name", "is required")
	}
	if _, err := time.Parse(dateLayout, strings.TrimSpace(dateOfBirth)); err != nil {
		errs.Set("date_of_birth", "must be a date in YYYY-MM-DD format")
	}
	if err := apperror.NewValidationError(errs); err != nil {
		return nil, err
	}

	rows, err := s.repo.FindByIndex(ctx, tc, tc.Scope(auth.ActionPatientList), s.index.Index(lastName, dateOfBirth))
	if err != nil {
		return nil, err
	}
	out, err := s.decryptAll(ctx, tc, "patient.search", rows)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, hipaa.EntryFor(tc, "patient.search", resourceType, "").
		WithPHI().WithDetail("count", fmt.Sprint(len(out))))
	return out, nil
}

func (s *Service) decryptAll(ctx context.Context, tc tenant.Context, action string, rows []*Row) ([]*Patient, error) {
	out := make([]*Patient, 0, len(rows))
	for _, r := range rows {
		p, err := s.decrypt(ctx, tc, action, r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Update replaces the writable fields of a patient.
func (s *Service) Update(ctx context.Context, tc tenant.Context, id uuid.UUID, in Input) (*Patient, error) {
	row, err := s.load(ctx, tc, auth.ActionPatientEdit, id)
	if err != nil {
		return nil, err
	}
	enc, idx, err := s.prepare(ctx, tc, &in)
	if err != nil {
		return nil, err
	}
	row.Fields = enc
	row.NameDOBIndex = idx
	row.AssignedBCBAID = in.AssignedBCBAID
	row.AssignedRBTID = in.AssignedRBTID
	if err := s.repo.Update(ctx, tc, row); err != nil {
		s.audit.Record(ctx, hipaa.EntryFor(tc, "patient.edit", resourceType, id.String()).WithPHI().WithError(err))
		return nil, err
	}
	s.audit.Record(ctx, hipaa.EntryFor(tc, "patient.edit", resourceType, id.String()).WithPHI())
	return fromRow(row, in.record()), nil
}

const rekeyBatch = 200

// Rekey rewrites every patient of the caller's organization still encrypted
// under a retired key so the key can be dropped from configuration. It
// returns how many rows were rewritten. Only administrators may run it.
func (s *Service) Rekey(ctx context.Context, tc tenant.Context) (int, error) {
	if err := s.authorize(ctx, tc, auth.ActionOrgManage, auth.Resource{}, ""); err != nil {
		return 0, err
	}
	scope := tc.Scope(auth.ActionPatientList)
	rewritten := 0
	fail := func(id string, err error) (int, error) {
		s.audit.Record(ctx, hipaa.EntryFor(tc, "patient.rekey", resourceType, id).
			WithPHI().WithDetail("rewritten", fmt.Sprint(rewritten)).WithError(err))
		return rewritten, err
	}
	for offset := 0; ; offset += rekeyBatch {
		rows, total, err := s.repo.List(ctx, tc, scope, rekeyBatch, offset)
		if err != nil {
			return fail("", err)
		}
		for _, r := range rows {
			fields, changed, err := s.box.Rekey(r.Fields)
			if err != nil {
				return fail(r.ID.String(), fmt.Errorf("rekey patient %s: %w", r.ID, err))
			}
			if !changed {
				continue
			}
			r.Fields = fields
			if err := s.repo.Update(ctx, tc, r); err != nil {
				return fail(r.ID.String(), err)
			}
			rewritten++
		}
		if len(rows) == 0 || offset+len(rows) >= total {
			break
		}
	}
	s.audit.Record(ctx, hipaa.EntryFor(tc, "patient.rekey", resourceType, "").
		WithPHI().WithDetail("rewritten", fmt.Sprint(rewritten)))
	return rewritten, nil
}

// Delete soft-deletes a patient. Their plans stay in storage.
func (s *Service) Delete(ctx context.Context, tc tenant.Context, id uuid.UUID) error {
	if _, err := s.load(ctx, tc, auth.ActionPatientDelete, id); err != nil {
		return err
	}
	if err := s.repo.SoftDelete(ctx, tc, id, s.now()); err != nil {
		return err
	}
	s.audit.Record(ctx, hipaa.EntryFor(tc, "patient.delete", resourceType, id.String()))
	return nil
}
