package appointment

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycle_HappyPath(t *testing.T) {
	f := newFixture(t)
	lc := NewLifecycle(f.repo, zerolog.Nop())
	ctx := context.Background()
	doctor := Actor{Role: RoleDoctor, ID: f.doctor.ID}
	appt := f.book(t, f.patient.ID, Clock(9, 0))

	confirmed, err := lc.Confirm(ctx, doctor, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)
	assert.NotNil(t, confirmed.ConfirmedAt)

	completed, err := lc.Complete(ctx, doctor, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	assert.NotNil(t, completed.CompletedAt)

	rated, err := lc.Rate(ctx, Actor{Role: RolePatient, ID: f.patient.ID}, appt.ID, 5, "Very thorough")
	require.NoError(t, err)
	require.NotNil(t, rated.Rating)
	assert.Equal(t, 5, *rated.Rating)

	assert.Subset(t, eventTypes(f.repo), []string{
		EventAppointmentConfirmed,
		EventAppointmentCompleted,
		EventAppointmentRated,
	})
}

func TestLifecycle_ConfirmCancelledIsStateError(t *testing.T) {
	f := newFixture(t)
	lc := NewLifecycle(f.repo, zerolog.Nop())
	ctx := context.Background()
	appt := f.book(t, f.patient.ID, Clock(9, 0))

	_, err := lc.Cancel(ctx, Actor{Role: RolePatient, ID: f.patient.ID}, appt.ID, "Schedule clash")
	require.NoError(t, err)

	_, err = lc.Confirm(ctx, System, appt.ID)
	require.Error(t, err)

	var se *StateError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ActionConfirm, se.Action)
	assert.Equal(t, StatusCancelled, se.Status)

	stored, err := f.repo.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, stored.Status)
}

func TestLifecycle_IllegalTransitions(t *testing.T) {
	tests := []struct {
		name   string
		status AppointmentStatus
		action Action
		legal  bool
	}{
		{"confirm pending", StatusPending, ActionConfirm, true},
		{"confirm confirmed", StatusConfirmed, ActionConfirm, false},
		{"cancel pending", StatusPending, ActionCancel, true},
		{"cancel confirmed", StatusConfirmed, ActionCancel, true},
		{"cancel completed", StatusCompleted, ActionCancel, false},
		{"cancel no-show", StatusNoShow, ActionCancel, false},
		{"complete pending", StatusPending, ActionComplete, false},
		{"complete confirmed", StatusConfirmed, ActionComplete, true},
		{"no-show confirmed", StatusConfirmed, ActionNoShow, true},
		{"no-show cancelled", StatusCancelled, ActionNoShow, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.legal, CanTransition(tt.action, tt.status))
		})
	}
}

func TestLifecycle_CancelRequiresReason(t *testing.T) {
	f := newFixture(t)
	lc := NewLifecycle(f.repo, zerolog.Nop())
	appt := f.book(t, f.patient.ID, Clock(9, 0))

	_, err := lc.Cancel(context.Background(), System, appt.ID, " ")
	assert.True(t, IsValidation(err))

	stored, err := f.repo.GetAppointment(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
}

func TestLifecycle_CancelFreesSlot(t *testing.T) {
	f := newFixture(t)
	lc := NewLifecycle(f.repo, zerolog.Nop())
	ctx := context.Background()
	appt := f.book(t, f.patient.ID, Clock(9, 0))

	booked, err := f.repo.BookedSlots(ctx, f.doctor.ID, monday)
	require.NoError(t, err)
	require.Len(t, booked, 1)

	cancelled, err := lc.Cancel(ctx, System, appt.ID, "Travelling")
	require.NoError(t, err)
	require.NotNil(t, cancelled.CancelledReason)
	assert.Equal(t, "Travelling", *cancelled.CancelledReason)

	booked, err = f.repo.BookedSlots(ctx, f.doctor.ID, monday)
	require.NoError(t, err)
	assert.Empty(t, booked)
}

func TestLifecycle_Ownership(t *testing.T) {
	f := newFixture(t)
	lc := NewLifecycle(f.repo, zerolog.Nop())
	ctx := context.Background()
	appt := f.book(t, f.patient.ID, Clock(9, 0))

	_, err := lc.Cancel(ctx, Actor{Role: RolePatient, ID: f.other.ID}, appt.ID, "Not mine")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = lc.Confirm(ctx, Actor{Role: RolePatient, ID: f.patient.ID}, appt.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = lc.Confirm(ctx, Actor{Role: RoleDoctor, ID: uuid.New()}, appt.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestLifecycle_RateGuards(t *testing.T) {
	f := newFixture(t)
	lc := NewLifecycle(f.repo, zerolog.Nop())
	ctx := context.Background()
	appt := f.book(t, f.patient.ID, Clock(9, 0))
	patient := Actor{Role: RolePatient, ID: f.patient.ID}

	_, err := lc.Rate(ctx, patient, appt.ID, 6, "")
	assert.True(t, IsValidation(err))

	_, err = lc.Rate(ctx, patient, appt.ID, 4, "")
	assert.True(t, IsStateError(err))

	_, err = lc.Rate(ctx, Actor{Role: RoleDoctor, ID: f.doctor.ID}, appt.ID, 4, "")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestLifecycle_UnknownAppointment(t *testing.T) {
	f := newFixture(t)
	lc := NewLifecycle(f.repo, zerolog.Nop())

	_, err := lc.Complete(context.Background(), System, uuid.New())
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}
