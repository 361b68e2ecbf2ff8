package appointment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	redisclient "github.com/hackgods/doctor-appointment-booking/internal/redis"
)

// 2024-03-04 is a Monday.
var monday = Date{Year: 2024, Month: time.March, Day: 4}

type fixture struct {
	repo    *MemoryRepository
	doctor  Doctor
	patient Patient
	other   Patient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := NewMemoryRepository(time.UTC)
	f := &fixture{
		repo: repo,
		doctor: Doctor{
			ID:                uuid.New(),
			Name:              "Dr. A",
			Specialty:         "General practice",
			ConsultationPrice: decimal.RequireFromString("45.00"),
			SlotMinutes:       30,
		},
		patient: Patient{ID: uuid.New(), Name: "Ana Patient"},
		other:   Patient{ID: uuid.New(), Name: "Ben Patient"},
	}
	repo.AddDoctor(f.doctor)
	repo.AddPatient(f.patient)
	repo.AddPatient(f.other)
	return f
}

func (f *fixture) attempt(patientID uuid.UUID, start ClockTime) BookingAttempt {
	return BookingAttempt{
		AttemptID: uuid.New(),
		DoctorID:  f.doctor.ID,
		PatientID: patientID,
		Slot: TimeSlot{
			DoctorID:        f.doctor.ID,
			Date:            monday,
			Start:           start,
			DurationMinutes: 30,
		},
		Type:   TypeInPerson,
		Reason: "Persistent cough",
	}
}

func (f *fixture) committer(locker redisclient.Locker) *Committer {
	return NewCommitter(f.repo, locker, time.UTC, zerolog.Nop(), nil)
}

// book commits an attempt and fails the test unless it is accepted.
func (f *fixture) book(t *testing.T, patientID uuid.UUID, start ClockTime) *Appointment {
	t.Helper()
	res := f.committer(nil).Commit(context.Background(), f.attempt(patientID, start))
	require.Equal(t, CommitAccepted, res.Status, "commit error: %v", res.Err)
	return res.Appointment
}

type stubLocker struct {
	err error
	run bool
}

func (s stubLocker) WithSlotLock(ctx context.Context, _ uuid.UUID, _ time.Time, fn func(ctx context.Context) error) error {
	if s.run {
		return fn(ctx)
	}
	return s.err
}

// flakyRepo fails every write with a network style error.
type flakyRepo struct {
	*MemoryRepository
}

func (flakyRepo) CreateAppointment(context.Context, NewAppointment) (*Appointment, error) {
	return nil, &TransientError{Op: "create appointment", Err: errors.New("connection reset by peer")}
}

// bareConflictRepo refuses every write with a conflict that carries no reason.
type bareConflictRepo struct {
	*MemoryRepository
}

func (bareConflictRepo) CreateAppointment(_ context.Context, in NewAppointment) (*Appointment, error) {
	return nil, &ConflictError{Slot: SlotAt(in.DoctorID, in.ScheduledAt, in.DurationMinutes, time.UTC)}
}
