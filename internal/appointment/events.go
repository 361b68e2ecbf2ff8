package appointment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	EventAppointmentCreated   = "APPOINTMENT_CREATED"
	EventCommitConflict       = "COMMIT_CONFLICT"
	EventAppointmentConfirmed = "APPOINTMENT_CONFIRMED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventAppointmentCompleted = "APPOINTMENT_COMPLETED"
	EventAppointmentNoShow    = "APPOINTMENT_NO_SHOW"
	EventAppointmentRated     = "APPOINTMENT_RATED"
	EventDoubleBooking        = "DOUBLE_BOOKING_DETECTED"
)

// eventRecorder appends to the store's event log. Failures are logged and
// never fail the operation that produced the event.
type eventRecorder struct {
	repo Repository
	log  zerolog.Logger
}

func (e eventRecorder) record(ctx context.Context, appointmentID *uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.log.Warn().Err(err).Str("event", eventType).Msg("marshal event payload")
		data = nil
	}

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		Payload:       data,
		CreatedAt:     time.Now(),
	}

	if err := e.repo.InsertEvent(ctx, ev); err != nil {
		e.log.Warn().Err(err).Str("event", eventType).Msg("insert event log")
	}
}
