package appointment

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrNoProviderSchedule  = errors.New("doctor has no provider schedule")
)

// Repository is the authoritative appointment store. CreateAppointment must
// serialize concurrent writes so that at most one open appointment exists per
// doctor and instant; nothing else in this module can guarantee that.
type Repository interface {
	ListDoctors(ctx context.Context) ([]Doctor, error)
	GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)

	// BookedSlots returns the slots held by pending or confirmed appointments.
	BookedSlots(ctx context.Context, doctorID uuid.UUID, date Date) ([]TimeSlot, error)
	// ProviderAvailability returns ErrNoProviderSchedule when the doctor has no
	// schedule of their own. Any other error means the source is unavailable.
	ProviderAvailability(ctx context.Context, doctorID uuid.UUID, date Date) ([]TimeSlot, error)

	// CreateAppointment returns *ConflictError when the slot is already held and
	// the existing appointment when the attempt was already committed.
	CreateAppointment(ctx context.Context, in NewAppointment) (*Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentByAttempt(ctx context.Context, attemptID uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error)

	// UpdateStatus moves id from -> to, returning ErrStatusMismatch when the
	// stored status is no longer from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, change StatusChange) (*Appointment, error)
	SetRating(ctx context.Context, id uuid.UUID, rating int, feedback *string) (*Appointment, error)

	FindDoubleBookings(ctx context.Context) ([]DoubleBooking, error)
	InsertEvent(ctx context.Context, ev EventLog) error
}
