package hipaa

import "sort"

// PHIFieldConfig lists the fields of one record type that are encrypted at
// rest. Field names match the storage column names without the _enc suffix.
type PHIFieldConfig struct {
	ResourceType string
	Fields       []string
}

// Patient field names.
const (
	FieldFirstName         = "first_name"
	FieldLastName          = "last_name"
	FieldDateOfBirth       = "date_of_birth"
	FieldSSN               = "ssn"
	FieldAddress           = "address"
	FieldPhone             = "phone"
	FieldEmail             = "email"
	FieldEmergencyContact  = "emergency_contact"
	FieldInsuranceProvider = "insurance_provider"
	FieldInsuranceMemberID = "insurance_member_id"
)

// DefaultPHIFields returns the encrypted field set for every record type
// that carries direct patient identifiers. Treatment-plan content is
// protected by row-level access control instead and is not listed.
func DefaultPHIFields() []PHIFieldConfig {
	return []PHIFieldConfig{
		{
			ResourceType: "patient",
			Fields: []string{
				FieldFirstName,
				FieldLastName,
				FieldDateOfBirth,
				FieldSSN,
				FieldAddress,
				FieldPhone,
				FieldEmail,
				FieldEmergencyContact,
				FieldInsuranceProvider,
				FieldInsuranceMemberID,
			},
		},
	}
}

// PHIFields returns the sorted encrypted field names for resourceType.
func PHIFields(resourceType string) []string {
	for _, c := range DefaultPHIFields() {
		if c.ResourceType == resourceType {
			out := append([]string(nil), c.Fields...)
			sort.Strings(out)
			return out
		}
	}
	return nil
}

// IsPHIField reports whether field of resourceType is encrypted at rest.
func IsPHIField(resourceType, field string) bool {
	for _, f := range PHIFields(resourceType) {
		if f == field {
			return true
		}
	}
	return false
}
