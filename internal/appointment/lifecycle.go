package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Action names a lifecycle operation in errors and events.
type Action string

const (
	ActionConfirm  Action = "confirm"
	ActionCancel   Action = "cancel"
	ActionComplete Action = "complete"
	ActionNoShow   Action = "mark no-show"
	ActionRate     Action = "rate"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleDoctor, RoleAdmin:
		return true
	}
	return false
}

// Actor is the authenticated caller of a lifecycle operation. ID is the
// patient or doctor id for those roles and ignored for admins.
type Actor struct {
	Role Role
	ID   uuid.UUID
}

// System acts with admin rights. Background jobs use it.
var System = Actor{Role: RoleAdmin}

// Owns reports whether appt is within the actor's reach.
func (a Actor) Owns(appt *Appointment) bool {
	switch a.Role {
	case RoleAdmin:
		return true
	case RolePatient:
		return appt.PatientID == a.ID
	case RoleDoctor:
		return appt.DoctorID == a.ID
	}
	return false
}

type transition struct {
	from    []AppointmentStatus
	to      AppointmentStatus
	roles   []Role
	eventID string
}

var transitions = map[Action]transition{
	ActionConfirm: {
		from:    []AppointmentStatus{StatusPending},
		to:      StatusConfirmed,
		roles:   []Role{RoleDoctor, RoleAdmin},
		eventID: EventAppointmentConfirmed,
	},
	ActionCancel: {
		from:    []AppointmentStatus{StatusPending, StatusConfirmed},
		to:      StatusCancelled,
		roles:   []Role{RolePatient, RoleDoctor, RoleAdmin},
		eventID: EventAppointmentCancelled,
	},
	ActionComplete: {
		from:    []AppointmentStatus{StatusConfirmed},
		to:      StatusCompleted,
		roles:   []Role{RoleDoctor, RoleAdmin},
		eventID: EventAppointmentCompleted,
	},
	ActionNoShow: {
		from:    []AppointmentStatus{StatusConfirmed},
		to:      StatusNoShow,
		roles:   []Role{RoleDoctor, RoleAdmin},
		eventID: EventAppointmentNoShow,
	},
}

func (t transition) allows(s AppointmentStatus) bool {
	for _, f := range t.from {
		if f == s {
			return true
		}
	}
	return false
}

func (t transition) permits(r Role) bool {
	for _, allowed := range t.roles {
		if allowed == r {
			return true
		}
	}
	return false
}

// CanTransition reports whether action is legal from status s.
func CanTransition(action Action, s AppointmentStatus) bool {
	t, ok := transitions[action]
	return ok && t.allows(s)
}

// Lifecycle moves existing appointments through their status machine. An
// illegal request fails with *StateError and leaves the stored status as is.
type Lifecycle struct {
	repo   Repository
	log    zerolog.Logger
	events eventRecorder
	now    func() time.Time
}

func NewLifecycle(repo Repository, log zerolog.Logger) *Lifecycle {
	log = log.With().Str("component", "lifecycle").Logger()
	return &Lifecycle{
		repo:   repo,
		log:    log,
		events: eventRecorder{repo: repo, log: log},
		now:    time.Now,
	}
}

func (l *Lifecycle) Confirm(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	return l.apply(ctx, actor, id, ActionConfirm, nil)
}

// Cancel frees the slot immediately. reason is required.
func (l *Lifecycle) Cancel(ctx context.Context, actor Actor, id uuid.UUID, reason string) (*Appointment, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		ve := &ValidationError{}
		ve.Add("reason", "is required")
		return nil, ve
	}
	if len(reason) > MaxReasonLength {
		ve := &ValidationError{}
		ve.Add("reason", "is too long")
		return nil, ve
	}
	return l.apply(ctx, actor, id, ActionCancel, &reason)
}

func (l *Lifecycle) Complete(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	return l.apply(ctx, actor, id, ActionComplete, nil)
}

func (l *Lifecycle) MarkNoShow(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	return l.apply(ctx, actor, id, ActionNoShow, nil)
}

func (l *Lifecycle) apply(ctx context.Context, actor Actor, id uuid.UUID, action Action, reason *string) (*Appointment, error) {
	t := transitions[action]

	current, err := l.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(current) || !t.permits(actor.Role) {
		return nil, ErrForbidden
	}
	if !t.allows(current.Status) {
		return nil, &StateError{AppointmentID: id, Action: action, Status: current.Status}
	}

	updated, err := l.repo.UpdateStatus(ctx, id, current.Status, t.to, StatusChange{At: l.now(), Reason: reason})
	if errors.Is(err, ErrStatusMismatch) {
		// Lost a race with another transition; report what is stored now.
		latest, getErr := l.repo.GetAppointment(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &StateError{AppointmentID: id, Action: action, Status: latest.Status}
	}
	if err != nil {
		return nil, fmt.Errorf("%s appointment: %w", action, err)
	}

	payload := map[string]any{
		"from":  string(current.Status),
		"to":    string(t.to),
		"actor": string(actor.Role),
	}
	if reason != nil {
		payload["reason"] = *reason
	}
	l.events.record(ctx, &id, t.eventID, payload)

	l.log.Info().
		Str("appointment_id", id.String()).
		Str("action", string(action)).
		Str("from", string(current.Status)).
		Str("to", string(t.to)).
		Msg("appointment transition")

	return updated, nil
}

// Rate attaches a 1..5 rating to a completed appointment. Only the patient who
// attended, or an admin, may rate.
func (l *Lifecycle) Rate(ctx context.Context, actor Actor, id uuid.UUID, rating int, feedback string) (*Appointment, error) {
	ve := &ValidationError{}
	if rating < MinRating || rating > MaxRating {
		ve.Add("rating", fmt.Sprintf("must be between %d and %d", MinRating, MaxRating))
	}
	if len(feedback) > MaxNotesLength {
		ve.Add("feedback", "is too long")
	}
	if err := ve.OrNil(); err != nil {
		return nil, err
	}

	current, err := l.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role == RoleDoctor || !actor.Owns(current) {
		return nil, ErrForbidden
	}
	if current.Status != StatusCompleted {
		return nil, &StateError{AppointmentID: id, Action: ActionRate, Status: current.Status}
	}

	var fb *string
	if strings.TrimSpace(feedback) != "" {
		fb = &feedback
	}
	updated, err := l.repo.SetRating(ctx, id, rating, fb)
	if errors.Is(err, ErrStatusMismatch) {
		latest, getErr := l.repo.GetAppointment(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &StateError{AppointmentID: id, Action: ActionRate, Status: latest.Status}
	}
	if err != nil {
		return nil, fmt.Errorf("rate appointment: %w", err)
	}

	l.events.record(ctx, &id, EventAppointmentRated, map[string]any{"rating": rating})
	return updated, nil
}
