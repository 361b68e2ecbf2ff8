package appointment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/doctor-appointment-booking/internal/metrics"
)

type corruptRepo struct {
	*MemoryRepository
	found []DoubleBooking
	err   error
}

func (c *corruptRepo) FindDoubleBookings(context.Context) ([]DoubleBooking, error) {
	return c.found, c.err
}

func TestAuditor_CleanStore(t *testing.T) {
	f := newFixture(t)
	f.book(t, f.patient.ID, Clock(9, 0))
	f.book(t, f.other.ID, Clock(9, 30))

	found, err := NewAuditor(f.repo, zerolog.Nop(), nil).RunOnce(context.Background())

	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestAuditor_ReportsViolations(t *testing.T) {
	f := newFixture(t)
	m := metrics.New("test")
	repo := &corruptRepo{
		MemoryRepository: f.repo,
		found: []DoubleBooking{{
			DoctorID:       f.doctor.ID,
			ScheduledAt:    monday.At(Clock(10, 0), time.UTC),
			AppointmentIDs: []uuid.UUID{uuid.New(), uuid.New()},
		}},
	}

	found, err := NewAuditor(repo, zerolog.Nop(), m).RunOnce(context.Background())

	require.NoError(t, err)
	assert.Len(t, found, 1)
	assert.Contains(t, eventTypes(f.repo), EventDoubleBooking)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var seen bool
	for _, mf := range families {
		if mf.GetName() == "test_double_bookings" {
			seen = true
			assert.Equal(t, 1.0, mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, seen)
}

func TestAuditor_StoreError(t *testing.T) {
	f := newFixture(t)
	repo := &corruptRepo{MemoryRepository: f.repo, err: errors.New("connection reset")}

	_, err := NewAuditor(repo, zerolog.Nop(), nil).RunOnce(context.Background())

	assert.Error(t, err)
}
