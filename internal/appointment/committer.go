package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/doctor-appointment-booking/internal/metrics"
	redisclient "github.com/hackgods/doctor-appointment-booking/internal/redis"
)

type CommitStatus string

const (
	CommitAccepted         CommitStatus = "accepted"
	CommitConflict         CommitStatus = "conflict"
	CommitValidationFailed CommitStatus = "validation_failed"
	CommitTransientFailure CommitStatus = "transient_failure"
	CommitRejected         CommitStatus = "rejected"
)

// CommitResult is the classified outcome of one commit call.
type CommitResult struct {
	Status      CommitStatus
	Appointment *Appointment
	// Fields is set for CommitValidationFailed.
	Fields map[string]string
	Err    error
}

// Retryable reports whether the caller may resubmit the same attempt.
func (r CommitResult) Retryable() bool {
	return r.Status == CommitTransientFailure
}

// Committer submits booking attempts to the store. Each Commit makes exactly
// one write attempt; retry policy belongs to the caller.
type Committer struct {
	repo    Repository
	locker  redisclient.Locker
	loc     *time.Location
	log     zerolog.Logger
	metrics *metrics.Metrics
	events  eventRecorder
}

// NewCommitter builds a committer. locker may be nil, in which case only the
// store serializes concurrent writes.
func NewCommitter(repo Repository, locker redisclient.Locker, loc *time.Location, log zerolog.Logger, m *metrics.Metrics) *Committer {
	if loc == nil {
		loc = time.UTC
	}
	log = log.With().Str("component", "committer").Logger()
	return &Committer{
		repo:    repo,
		locker:  locker,
		loc:     loc,
		log:     log,
		metrics: m,
		events:  eventRecorder{repo: repo, log: log},
	}
}

func (c *Committer) Commit(ctx context.Context, attempt BookingAttempt) CommitResult {
	result := c.commit(ctx, attempt)

	c.metrics.ObserveCommit(string(result.Status))
	evt := c.log.Info()
	if result.Status != CommitAccepted {
		evt = c.log.Warn().Err(result.Err)
	}
	evt.Str("attempt_id", attempt.AttemptID.String()).
		Str("doctor_id", attempt.DoctorID.String()).
		Str("patient_id", attempt.PatientID.String()).
		Stringer("slot", attempt.Slot).
		Str("result", string(result.Status)).
		Msg("reservation commit")

	return result
}

func (c *Committer) commit(ctx context.Context, attempt BookingAttempt) CommitResult {
	if err := ValidateAttempt(attempt); err != nil {
		var ve *ValidationError
		errors.As(err, &ve)
		return CommitResult{Status: CommitValidationFailed, Fields: ve.Fields, Err: err}
	}

	var notes *string
	if attempt.Notes != "" {
		notes = &attempt.Notes
	}
	in := NewAppointment{
		AttemptID:       attempt.AttemptID,
		DoctorID:        attempt.DoctorID,
		PatientID:       attempt.PatientID,
		ScheduledAt:     attempt.Slot.StartsAt(c.loc),
		DurationMinutes: attempt.Slot.DurationMinutes,
		Type:            attempt.Type,
		Reason:          attempt.Reason,
		Notes:           notes,
	}

	var created *Appointment
	err := c.withSlotLock(ctx, in, func(ctx context.Context) error {
		appt, err := c.repo.CreateAppointment(ctx, in)
		if err != nil {
			return err
		}
		created = appt
		return nil
	})

	if err == nil {
		c.events.record(ctx, &created.ID, EventAppointmentCreated, map[string]any{
			"attempt_id":   attempt.AttemptID.String(),
			"doctor_id":    attempt.DoctorID.String(),
			"patient_id":   attempt.PatientID.String(),
			"scheduled_at": in.ScheduledAt,
		})
		return CommitResult{Status: CommitAccepted, Appointment: created}
	}

	return c.classify(ctx, attempt, err)
}

func (c *Committer) withSlotLock(ctx context.Context, in NewAppointment, write func(ctx context.Context) error) error {
	if c.locker == nil {
		return write(ctx)
	}

	ran := false
	err := c.locker.WithSlotLock(ctx, in.DoctorID, in.ScheduledAt, func(lockCtx context.Context) error {
		ran = true
		return write(lockCtx)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		return &ConflictError{
			Slot:   SlotAt(in.DoctorID, in.ScheduledAt, in.DurationMinutes, c.loc),
			Reason: ErrSlotBeingBooked,
		}
	case !ran && errors.Is(err, redisclient.ErrLockUnavailable):
		// The unique index still protects the slot.
		c.log.Warn().Err(err).Msg("slot lock unavailable, writing without it")
		return write(ctx)
	}
	return err
}

func (c *Committer) classify(ctx context.Context, attempt BookingAttempt, err error) CommitResult {
	var ve *ValidationError
	switch {
	case IsConflict(err):
		// A previous submission of this same attempt may be the holder.
		if errors.Is(err, ErrSlotAlreadyBooked) {
			if appt, getErr := c.repo.GetAppointmentByAttempt(ctx, attempt.AttemptID); getErr == nil {
				return CommitResult{Status: CommitAccepted, Appointment: appt}
			}
		}
		c.events.record(ctx, nil, EventCommitConflict, map[string]any{
			"attempt_id": attempt.AttemptID.String(),
			"doctor_id":  attempt.DoctorID.String(),
			"slot":       attempt.Slot.String(),
			"reason":     conflictReason(err),
		})
		return CommitResult{Status: CommitConflict, Err: err}
	case errors.As(err, &ve):
		return CommitResult{Status: CommitValidationFailed, Fields: ve.Fields, Err: err}
	case IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return CommitResult{Status: CommitTransientFailure, Err: err}
	}
	return CommitResult{Status: CommitRejected, Err: err}
}

// conflictReason names why the slot was refused for the event log.
func conflictReason(err error) string {
	var ce *ConflictError
	if errors.As(err, &ce) && ce.Reason != nil {
		return ce.Reason.Error()
	}
	return err.Error()
}
