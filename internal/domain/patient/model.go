package patient

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"

	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/auth"
	"github.com/ehr/planflow/internal/platform/hipaa"
)

const dateLayout = "2006-01-02"

// Patient is the decrypted view returned to callers.
type Patient struct {
	ID                uuid.UUID  `json:"id"`
	OrganizationID    uuid.UUID  `json:"organization_id"`
	FirstName         string     `json:"first_name"`
	LastName          string     `json:"last_name"`
	DateOfBirth       string     `json:"date_of_birth"`
	SSN               *string    `json:"ssn,omitempty"`
	Address           *string    `json:"address,omitempty"`
	Phone             *string    `json:"phone,omitempty"`
	Email             *string    `json:"email,omitempty"`
	EmergencyContact  *string    `json:"emergency_contact,omitempty"`
	InsuranceProvider *string    `json:"insurance_provider,omitempty"`
	InsuranceMemberID *string    `json:"insurance_member_id,omitempty"`
	AssignedBCBAID    *uuid.UUID `json:"assigned_bcba_id,omitempty"`
	AssignedRBTID     *uuid.UUID `json:"assigned_rbt_id,omitempty"`
	CreatedByID       uuid.UUID  `json:"created_by_id"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Input carries the writable fields for create and update.
type Input struct {
	FirstName         string     `json:"first_name"`
	LastName          string     `json:"last_name"`
	DateOfBirth       string     `json:"date_of_birth"`
	SSN               *string    `json:"ssn,omitempty"`
	Address           *string    `json:"address,omitempty"`
	Phone             *string    `json:"phone,omitempty"`
	Email             *string    `json:"email,omitempty"`
	EmergencyContact  *string    `json:"emergency_contact,omitempty"`
	InsuranceProvider *string    `json:"insurance_provider,omitempty"`
	InsuranceMemberID *string    `json:"insurance_member_id,omitempty"`
	AssignedBCBAID    *uuid.UUID `json:"assigned_bcba_id,omitempty"`
	AssignedRBTID     *uuid.UUID `json:"assigned_rbt_id,omitempty"`
}

func (in *Input) normalize() {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.DateOfBirth = strings.TrimSpace(in.DateOfBirth)
}

func (in *Input) validate(now time.Time) error {
	var errs errsx.Map
	if in.FirstName == "" || len(in.FirstName) > 100 {
		errs.Set("first_name", "must be 1 to 100 characters")
	}
	if in.LastName == "" || len(in.LastName) > 100 {
		errs.Set("last_name", "must be 1 to 100 characters")
	}
	dob, err := time.Parse(dateLayout, in.DateOfBirth)
	switch {
	case err != nil:
		errs.Set("date_of_birth", "must be a date in YYYY-MM-DD format")
	case dob.After(now):
		errs.Set("date_of_birth", "must not be in the future")
	}
	if in.Email != nil && *in.Email != "" && !strings.Contains(*in.Email, "@") {
		errs.Set("email", "must be a valid email address")
	}
	if in.SSN != nil && *in.SSN != "" && len(strings.Map(keepDigits, *in.SSN)) != 9 {
		errs.Set("ssn", "must contain 9 digits")
	}
	return apperror.NewValidationError(errs)
}

func keepDigits(r rune) rune {
	if r >= '0' && r <= '9' {
		return r
	}
	return -1
}

func (in *Input) record() hipaa.Record {
	first, last, dob := in.FirstName, in.LastName, in.DateOfBirth
	return hipaa.Record{
		hipaa.FieldFirstName:         &first,
		hipaa.FieldLastName:          &last,
		hipaa.FieldDateOfBirth:       &dob,
		hipaa.FieldSSN:               in.SSN,
		hipaa.FieldAddress:           in.Address,
		hipaa.FieldPhone:             in.Phone,
		hipaa.FieldEmail:             in.Email,
		hipaa.FieldEmergencyContact:  in.EmergencyContact,
		hipaa.FieldInsuranceProvider: in.InsuranceProvider,
		hipaa.FieldInsuranceMemberID: in.InsuranceMemberID,
	}
}

// Row is the stored form: PHI fields hold ciphertext.
type Row struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Fields         hipaa.Record
	NameDOBIndex   string
	AssignedBCBAID *uuid.UUID
	AssignedRBTID  *uuid.UUID
	CreatedByID    uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Resource describes the row to the access-control engine.
func (r *Row) Resource() auth.Resource {
	var assigned []uuid.UUID
	if r.AssignedBCBAID != nil {
		assigned = append(assigned, *r.AssignedBCBAID)
	}
	if r.AssignedRBTID != nil {
		assigned = append(assigned, *r.AssignedRBTID)
	}
	return auth.Resource{CreatedBy: r.CreatedByID, AssignedClinicians: assigned}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func fromRow(r *Row, plain hipaa.Record) *Patient {
	return &Patient{
		ID:                r.ID,
		OrganizationID:    r.OrganizationID,
		FirstName:         deref(plain[hipaa.FieldFirstName]),
		LastName:          deref(plain[hipaa.FieldLastName]),
		DateOfBirth:       deref(plain[hipaa.FieldDateOfBirth]),
		SSN:               plain[hipaa.FieldSSN],
		Address:           plain[hipaa.FieldAddress],
		Phone:             plain[hipaa.FieldPhone],
		Email:             plain[hipaa.FieldEmail],
		EmergencyContact:  plain[hipaa.FieldEmergencyContact],
		InsuranceProvider: plain[hipaa.FieldInsuranceProvider],
		InsuranceMemberID: plain[hipaa.FieldInsuranceMemberID],
		AssignedBCBAID:    r.AssignedBCBAID,
		AssignedRBTID:     r.AssignedRBTID,
		CreatedByID:       r.CreatedByID,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}
