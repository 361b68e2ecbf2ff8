package appointment

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hackgods/doctor-appointment-booking/internal/metrics"
)

// Auditor scans the store for slots held by more than one open appointment.
// A healthy store never reports any.
type Auditor struct {
	repo    Repository
	log     zerolog.Logger
	metrics *metrics.Metrics
	events  eventRecorder
}

func NewAuditor(repo Repository, log zerolog.Logger, m *metrics.Metrics) *Auditor {
	log = log.With().Str("component", "auditor").Logger()
	return &Auditor{
		repo:    repo,
		log:     log,
		metrics: m,
		events:  eventRecorder{repo: repo, log: log},
	}
}

// RunOnce performs one scan and returns the violations it found.
func (a *Auditor) RunOnce(ctx context.Context) ([]DoubleBooking, error) {
	found, err := a.repo.FindDoubleBookings(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit open slots: %w", err)
	}
	a.metrics.SetDoubleBookings(len(found))

	for _, db := range found {
		ids := make([]string, 0, len(db.AppointmentIDs))
		for _, id := range db.AppointmentIDs {
			ids = append(ids, id.String())
		}
		a.log.Error().
			Str("doctor_id", db.DoctorID.String()).
			Time("scheduled_at", db.ScheduledAt).
			Strs("appointment_ids", ids).
			Msg("slot held by more than one open appointment")

		a.events.record(ctx, nil, EventDoubleBooking, map[string]any{
			"doctor_id":       db.DoctorID,
			"scheduled_at":    db.ScheduledAt,
			"appointment_ids": ids,
		})
	}
	return found, nil
}
