package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/doctor-appointment-booking/internal/appointment"
	"github.com/hackgods/doctor-appointment-booking/internal/booking"
)

type StartBookingRequest struct {
	PatientID string `json:"patient_id,omitempty"`
}

type SelectDoctorRequest struct {
	DoctorID string `json:"doctor_id"`
}

type SelectDateRequest struct {
	Date string `json:"date"`
}

type SelectSlotRequest struct {
	Start string `json:"start"`
}

type ConfirmBookingRequest struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
	Notes  string `json:"notes,omitempty"`
}

type CancelAppointmentRequest struct {
	Reason string `json:"reason"`
}

type RateAppointmentRequest struct {
	Rating   int    `json:"rating"`
	Feedback string `json:"feedback,omitempty"`
}

type DoctorResponse struct {
	ID                uuid.UUID `json:"id"`
	Name              string    `json:"name"`
	Specialty         string    `json:"specialty"`
	ConsultationPrice string    `json:"consultation_price"`
	SlotMinutes       int       `json:"slot_minutes"`
}

type SlotResponse struct {
	Start           string    `json:"start"`
	End             string    `json:"end"`
	StartsAt        time.Time `json:"starts_at"`
	DurationMinutes int       `json:"duration_minutes"`
}

type AvailabilityResponse struct {
	DoctorID   uuid.UUID      `json:"doctor_id"`
	Date       string         `json:"date"`
	Source     string         `json:"source"`
	Slots      []SlotResponse `json:"slots"`
	ResolvedAt time.Time      `json:"resolved_at"`
}

type BookableDate struct {
	Date      string `json:"date"`
	Available int    `json:"available"`
}

type OutcomeResponse struct {
	Kind      string            `json:"kind"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	Retryable bool              `json:"retryable"`
	At        time.Time         `json:"at"`
}

type SessionResponse struct {
	ID          uuid.UUID            `json:"id"`
	PatientID   uuid.UUID            `json:"patient_id"`
	State       string               `json:"state"`
	Doctor      *DoctorResponse      `json:"doctor,omitempty"`
	Date        string               `json:"date,omitempty"`
	Source      string               `json:"source,omitempty"`
	Available   []SlotResponse       `json:"available,omitempty"`
	Slot        *SlotResponse        `json:"slot,omitempty"`
	AttemptID   *uuid.UUID           `json:"attempt_id,omitempty"`
	Appointment *AppointmentResponse `json:"appointment,omitempty"`
	Retryable   bool                 `json:"retryable"`
	Outcome     *OutcomeResponse     `json:"outcome,omitempty"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

type AppointmentResponse struct {
	ID              uuid.UUID  `json:"id"`
	DoctorID        uuid.UUID  `json:"doctor_id"`
	PatientID       uuid.UUID  `json:"patient_id"`
	ScheduledAt     time.Time  `json:"scheduled_at"`
	DurationMinutes int        `json:"duration_minutes"`
	Status          string     `json:"status"`
	StatusLabel     string     `json:"status_label"`
	Type            string     `json:"type"`
	TypeLabel       string     `json:"type_label"`
	Reason          string     `json:"reason"`
	Notes           *string    `json:"notes,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ConfirmedAt     *time.Time `json:"confirmed_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	CancelledReason *string    `json:"cancelled_reason,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Rating          *int       `json:"rating,omitempty"`
	Feedback        *string    `json:"feedback,omitempty"`
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func toDoctorResponse(d *appointment.Doctor) DoctorResponse {
	return DoctorResponse{
		ID:                d.ID,
		Name:              d.Name,
		Specialty:         d.Specialty,
		ConsultationPrice: d.ConsultationPrice.StringFixed(2),
		SlotMinutes:       d.SlotMinutes,
	}
}

func toSlotResponse(s appointment.TimeSlot, loc *time.Location) SlotResponse {
	return SlotResponse{
		Start:           s.Start.String(),
		End:             s.End().String(),
		StartsAt:        s.StartsAt(loc),
		DurationMinutes: s.DurationMinutes,
	}
}

func toSlotResponses(slots []appointment.TimeSlot, loc *time.Location) []SlotResponse {
	out := make([]SlotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, toSlotResponse(s, loc))
	}
	return out
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	resp := AppointmentResponse{
		ID:              a.ID,
		DoctorID:        a.DoctorID,
		PatientID:       a.PatientID,
		ScheduledAt:     a.ScheduledAt,
		DurationMinutes: a.DurationMinutes,
		Status:          string(a.Status),
		Type:            string(a.Type),
		Reason:          a.Reason,
		Notes:           a.Notes,
		CreatedAt:       a.CreatedAt,
		ConfirmedAt:     a.ConfirmedAt,
		CancelledAt:     a.CancelledAt,
		CancelledReason: a.CancelledReason,
		CompletedAt:     a.CompletedAt,
		Rating:          a.Rating,
		Feedback:        a.Feedback,
	}
	if a.Status.Valid() {
		resp.StatusLabel = appointment.StatusLabel(a.Status)
	}
	if a.Type.Valid() {
		resp.TypeLabel = a.Type.Label()
	}
	return resp
}

func toOutcomeResponse(o booking.Outcome) *OutcomeResponse {
	return &OutcomeResponse{
		Kind:      string(o.Kind),
		Message:   o.Message(),
		Fields:    o.Fields,
		Retryable: o.Retryable,
		At:        o.At,
	}
}

func toSessionResponse(v booking.View, loc *time.Location) SessionResponse {
	resp := SessionResponse{
		ID:        v.ID,
		PatientID: v.PatientID,
		State:     string(v.State),
		AttemptID: v.AttemptID,
		Retryable: v.Retryable,
		UpdatedAt: v.UpdatedAt,
	}
	if v.Doctor != nil {
		d := toDoctorResponse(v.Doctor)
		resp.Doctor = &d
	}
	if !v.Date.IsZero() {
		resp.Date = v.Date.String()
	}
	if v.Source != "" {
		resp.Source = string(v.Source)
		resp.Available = toSlotResponses(v.Available, loc)
	}
	if v.Slot != nil {
		s := toSlotResponse(*v.Slot, loc)
		resp.Slot = &s
	}
	if v.Appointment != nil {
		a := toAppointmentResponse(v.Appointment)
		resp.Appointment = &a
	}
	if v.LastOutcome != nil {
		resp.Outcome = toOutcomeResponse(*v.LastOutcome)
	}
	return resp
}
