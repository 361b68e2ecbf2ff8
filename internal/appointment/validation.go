package appointment

import (
	"strings"

	"github.com/google/uuid"
)

const maxSlotMinutes = 8 * 60

// ValidateDetails checks the fields a caller supplies at the confirmation step.
func ValidateDetails(t ConsultationType, reason, notes string) error {
	ve := &ValidationError{}
	collectDetails(ve, t, reason, notes)
	return ve.OrNil()
}

func collectDetails(ve *ValidationError, t ConsultationType, reason, notes string) {
	if !t.Valid() {
		ve.Add("type", "must be one of in_person, teleconsultation, home_visit")
	}
	reason = strings.TrimSpace(reason)
	switch {
	case reason == "":
		ve.Add("reason", "is required")
	case len(reason) > MaxReasonLength:
		ve.Add("reason", "is too long")
	}
	if len(notes) > MaxNotesLength {
		ve.Add("notes", "is too long")
	}
}

// ValidateAttempt checks a whole booking attempt before it reaches the store.
func ValidateAttempt(a BookingAttempt) error {
	ve := &ValidationError{}

	if a.AttemptID == uuid.Nil {
		ve.Add("attempt_id", "is required")
	}
	if a.DoctorID == uuid.Nil {
		ve.Add("doctor_id", "is required")
	}
	if a.PatientID == uuid.Nil {
		ve.Add("patient_id", "is required")
	}
	validateSlotShape(ve, a.DoctorID, a.Slot)
	collectDetails(ve, a.Type, a.Reason, a.Notes)

	return ve.OrNil()
}

func validateSlotShape(ve *ValidationError, doctorID uuid.UUID, s TimeSlot) {
	switch {
	case s.Date.IsZero():
		ve.Add("slot", "date is required")
	case s.DoctorID != doctorID:
		ve.Add("slot", "belongs to a different doctor")
	case !s.Start.Valid():
		ve.Add("slot", "start time is out of range")
	case s.DurationMinutes <= 0 || s.DurationMinutes > maxSlotMinutes:
		ve.Add("slot", "duration is out of range")
	case s.End() > Clock(24, 0):
		ve.Add("slot", "must end on the same day")
	}
}
