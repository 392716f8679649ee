package hipaa

import "testing"

func TestPHIFields_Patient(t *testing.T) {
	fields := PHIFields("patient")
	if len(fields) != 10 {
		t.Fatalf("expected 10 patient PHI fields, got %d", len(fields))
	}
	for i := 1; i < len(fields); i++ {
		if fields[i-1] >= fields[i] {
			t.Fatalf("fields not sorted: %v", fields)
		}
	}
	for _, f := range []string{FieldFirstName, FieldLastName, FieldDateOfBirth, FieldSSN, FieldInsuranceMemberID} {
		if !IsPHIField("patient", f) {
			t.Errorf("%s should be PHI", f)
		}
	}
	if IsPHIField("patient", "assigned_bcba_id") {
		t.Error("assignment references are not PHI")
	}
	if PHIFields("treatment_plan") != nil {
		t.Error("treatment plans carry no field-encrypted PHI")
	}
}

func TestPHIFields_ReturnsCopy(t *testing.T) {
	a := PHIFields("patient")
	a[0] = "mutated"
	if PHIFields("patient")[0] == "mutated" {
		t.Error("PHIFields must return a fresh slice")
	}
}
