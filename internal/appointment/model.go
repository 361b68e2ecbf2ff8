package appointment

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	DefaultSlotMinutes = 30
	MaxReasonLength    = 500
	MaxNotesLength     = 500
	MinRating          = 1
	MaxRating          = 5
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusNoShow    AppointmentStatus = "no_show"
)

// AllStatuses lists every status an appointment can be in.
var AllStatuses = []AppointmentStatus{
	StatusPending,
	StatusConfirmed,
	StatusCompleted,
	StatusCancelled,
	StatusNoShow,
}

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Occupies reports whether an appointment in this status holds its slot.
func (s AppointmentStatus) Occupies() bool {
	return s == StatusPending || s == StatusConfirmed
}

// StatusLabel is the human readable name shown to patients and doctors.
func StatusLabel(s AppointmentStatus) string {
	switch s {
	case StatusPending:
		return "Awaiting confirmation"
	case StatusConfirmed:
		return "Confirmed"
	case StatusCompleted:
		return "Completed"
	case StatusCancelled:
		return "Cancelled"
	case StatusNoShow:
		return "No-show"
	}
	panic(fmt.Sprintf("appointment: unmapped status %q", string(s)))
}

type ConsultationType string

const (
	TypeInPerson         ConsultationType = "in_person"
	TypeTeleconsultation ConsultationType = "teleconsultation"
	TypeHomeVisit        ConsultationType = "home_visit"
)

var AllConsultationTypes = []ConsultationType{
	TypeInPerson,
	TypeTeleconsultation,
	TypeHomeVisit,
}

func (t ConsultationType) Valid() bool {
	switch t {
	case TypeInPerson, TypeTeleconsultation, TypeHomeVisit:
		return true
	}
	return false
}

func (t ConsultationType) Label() string {
	switch t {
	case TypeInPerson:
		return "In person"
	case TypeTeleconsultation:
		return "Teleconsultation"
	case TypeHomeVisit:
		return "Home visit"
	}
	panic(fmt.Sprintf("appointment: unmapped consultation type %q", string(t)))
}

type Doctor struct {
	ID                uuid.UUID
	Name              string
	Specialty         string
	ConsultationPrice decimal.Decimal
	SlotMinutes       int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TimeSlot is one bookable unit of a doctor's time. Two slots with equal fields
// are the same slot.
type TimeSlot struct {
	DoctorID        uuid.UUID
	Date            Date
	Start           ClockTime
	DurationMinutes int
}

func (s TimeSlot) End() ClockTime {
	return s.Start.Add(s.DurationMinutes)
}

func (s TimeSlot) StartsAt(loc *time.Location) time.Time {
	return s.Date.At(s.Start, loc)
}

// Overlaps reports whether both slots belong to the same doctor and day and
// their intervals intersect. Touching intervals do not overlap.
func (s TimeSlot) Overlaps(o TimeSlot) bool {
	if s.DoctorID != o.DoctorID || s.Date != o.Date {
		return false
	}
	return s.Start < o.End() && o.Start < s.End()
}

func (s TimeSlot) String() string {
	return fmt.Sprintf("%s %s+%dm", s.Date, s.Start, s.DurationMinutes)
}

// SlotAt projects an instant onto the doctor's slot grid in loc.
func SlotAt(doctorID uuid.UUID, at time.Time, durationMinutes int, loc *time.Location) TimeSlot {
	local := at.In(loc)
	return TimeSlot{
		DoctorID:        doctorID,
		Date:            DateOf(local),
		Start:           ClockOf(local),
		DurationMinutes: durationMinutes,
	}
}

// SortSlots orders slots by start time and drops exact duplicates.
func SortSlots(slots []TimeSlot) []TimeSlot {
	sort.SliceStable(slots, func(i, j int) bool {
		if slots[i].Date != slots[j].Date {
			return slots[i].Date.Before(slots[j].Date)
		}
		return slots[i].Start < slots[j].Start
	})
	out := slots[:0]
	for i, s := range slots {
		if i > 0 && s == slots[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}

// BookingAttempt is a caller's intent to book, alive only inside a workflow.
// AttemptID doubles as the idempotency reference for the commit.
type BookingAttempt struct {
	AttemptID uuid.UUID
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	Slot      TimeSlot
	Type      ConsultationType
	Reason    string
	Notes     string
}

type Appointment struct {
	ID              uuid.UUID
	AttemptID       *uuid.UUID
	DoctorID        uuid.UUID
	PatientID       uuid.UUID
	ScheduledAt     time.Time
	DurationMinutes int
	Status          AppointmentStatus
	Type            ConsultationType
	Reason          string
	Notes           *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ConfirmedAt     *time.Time
	CancelledAt     *time.Time
	CancelledReason *string
	CompletedAt     *time.Time
	Rating          *int
	Feedback        *string
}

func (a *Appointment) Slot(loc *time.Location) TimeSlot {
	return SlotAt(a.DoctorID, a.ScheduledAt, a.DurationMinutes, loc)
}

// NewAppointment carries the fields of a create request to the store.
type NewAppointment struct {
	AttemptID       uuid.UUID
	DoctorID        uuid.UUID
	PatientID       uuid.UUID
	ScheduledAt     time.Time
	DurationMinutes int
	Type            ConsultationType
	Reason          string
	Notes           *string
}

// StatusChange holds the side fields written with a status transition.
type StatusChange struct {
	At     time.Time
	Reason *string
}

type AppointmentFilter struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	Status    *AppointmentStatus
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// DoubleBooking is one (doctor, instant) pair held by more than one open
// appointment.
type DoubleBooking struct {
	DoctorID       uuid.UUID
	ScheduledAt    time.Time
	AppointmentIDs []uuid.UUID
}
