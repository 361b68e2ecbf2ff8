// Package booking drives a patient through choosing a doctor, a date and a
// slot, and committing the reservation.
package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/doctor-appointment-booking/internal/appointment"
	"github.com/hackgods/doctor-appointment-booking/internal/availability"
	"github.com/hackgods/doctor-appointment-booking/internal/metrics"
)

type State string

const (
	StateSelectingDoctor State = "selecting_doctor"
	StateSelectingDate   State = "selecting_date"
	StateSelectingSlot   State = "selecting_slot"
	StateConfirming      State = "confirming"
	StateCommitting      State = "committing"
	StateCommitted       State = "committed"
	StateFailed          State = "failed"
	StateAbandoned       State = "abandoned"
)

func (s State) Terminal() bool {
	return s == StateCommitted || s == StateFailed || s == StateAbandoned
}

var (
	ErrWrongState     = errors.New("action not allowed in the current booking step")
	ErrNoAvailability = errors.New("no availability on the chosen date")
	ErrSlotJustTaken  = errors.New("slot just taken")
	ErrNotRetryable   = errors.New("booking failure is not retryable")
)

// StateError reports an action attempted in the wrong step.
type StateError struct {
	Action string
	State  State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s while %s", e.Action, e.State)
}

func (e *StateError) Unwrap() error {
	return ErrWrongState
}

type DoctorLookup interface {
	GetDoctor(ctx context.Context, id uuid.UUID) (*appointment.Doctor, error)
}

type AvailabilityResolver interface {
	Available(ctx context.Context, doctorID uuid.UUID, date appointment.Date) (availability.Snapshot, error)
}

type ReservationCommitter interface {
	Commit(ctx context.Context, attempt appointment.BookingAttempt) appointment.CommitResult
}

// Deps are the collaborators shared by every workflow.
type Deps struct {
	Doctors   DoctorLookup
	Resolver  AvailabilityResolver
	Committer ReservationCommitter
	Sink      OutcomeSink
	Log       zerolog.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Details are the fields a patient supplies at the confirmation step.
type Details struct {
	Type   appointment.ConsultationType
	Reason string
	Notes  string
}

// Workflow is one patient's booking session. Its methods are safe for
// concurrent use and serialize on the session. The configured sink is called
// after the session is unlocked, so it may read the session back.
type Workflow struct {
	mu      sync.Mutex
	pending []Outcome

	id        uuid.UUID
	patientID uuid.UUID
	deps      Deps
	recorder  *Recorder
	createdAt time.Time
	updatedAt atomic.Int64 // unix nanoseconds

	state       State
	doctor      *appointment.Doctor
	date        appointment.Date
	snapshot    *availability.Snapshot
	slot        *appointment.TimeSlot
	attempt     *appointment.BookingAttempt
	appointment *appointment.Appointment
	failure     *appointment.CommitResult
	// contested is the slot lost in the last conflict. It stays hidden until
	// another slot is chosen or the date changes.
	contested *appointment.TimeSlot
}

func NewWorkflow(patientID uuid.UUID, deps Deps) *Workflow {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	w := &Workflow{
		id:        uuid.New(),
		patientID: patientID,
		deps:      deps,
		recorder:  NewRecorder(0),
		state:     StateSelectingDoctor,
	}
	w.createdAt = deps.Now()
	w.updatedAt.Store(w.createdAt.UnixNano())
	w.deps.Log = deps.Log.With().
		Str("session_id", w.id.String()).
		Str("patient_id", patientID.String()).
		Logger()
	return w
}

func (w *Workflow) ID() uuid.UUID        { return w.id }
func (w *Workflow) PatientID() uuid.UUID { return w.patientID }
func (w *Workflow) Recorder() *Recorder  { return w.recorder }

func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// UpdatedAt does not wait for an in-flight step.
func (w *Workflow) UpdatedAt() time.Time {
	return time.Unix(0, w.updatedAt.Load())
}

// lock and unlock bracket every step that can emit. Outcomes queued while
// locked reach the sink once the lock is released.
func (w *Workflow) lock() {
	w.mu.Lock()
}

func (w *Workflow) unlock() {
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()

	if w.deps.Sink == nil {
		return
	}
	for _, o := range pending {
		w.deps.Sink.Emit(o)
	}
}

// SelectDoctor starts the session on doctorID.
func (w *Workflow) SelectDoctor(ctx context.Context, doctorID uuid.UUID) error {
	w.lock()
	defer w.unlock()

	if err := w.expect("select a doctor", StateSelectingDoctor); err != nil {
		return err
	}
	doc, err := w.deps.Doctors.GetDoctor(ctx, doctorID)
	if err != nil {
		return err
	}
	w.doctor = doc
	w.enter(StateSelectingDate)
	return nil
}

// SelectDate resolves availability for date. With no free slots the session
// stays on date selection and ErrNoAvailability is returned with the empty
// snapshot.
func (w *Workflow) SelectDate(ctx context.Context, date appointment.Date) (availability.Snapshot, error) {
	w.lock()
	defer w.unlock()

	if err := w.expect("select a date", StateSelectingDate); err != nil {
		return availability.Snapshot{}, err
	}
	snap, err := w.deps.Resolver.Available(ctx, w.doctor.ID, date)
	if err != nil {
		return availability.Snapshot{}, err
	}
	if snap.Empty() {
		w.emit(Outcome{Kind: OutcomeNoAvailability, Date: date})
		return snap, ErrNoAvailability
	}

	w.date = date
	w.snapshot = &snap
	w.contested = nil
	w.enter(StateSelectingSlot)
	return snap, nil
}

// SelectSlot picks the slot starting at start. Membership is checked against
// a fresh resolution, not the snapshot the patient was shown.
func (w *Workflow) SelectSlot(ctx context.Context, start appointment.ClockTime) (appointment.TimeSlot, error) {
	w.lock()
	defer w.unlock()

	if err := w.expect("select a slot", StateSelectingSlot); err != nil {
		return appointment.TimeSlot{}, err
	}
	snap, err := w.deps.Resolver.Available(ctx, w.doctor.ID, w.date)
	if err != nil {
		return appointment.TimeSlot{}, err
	}
	if w.contested != nil {
		// The winner of the last conflict may not have written yet.
		snap = snap.Without(*w.contested)
	}
	w.snapshot = &snap

	slot, ok := snap.Find(start)
	if !ok {
		requested := appointment.TimeSlot{DoctorID: w.doctor.ID, Date: w.date, Start: start}
		w.emit(Outcome{Kind: OutcomeSlotJustTaken, Slot: &requested})
		w.touch()
		return appointment.TimeSlot{}, ErrSlotJustTaken
	}

	w.slot = &slot
	w.contested = nil
	w.enter(StateConfirming)
	return slot, nil
}

// Confirm validates the details and commits the reservation. Invalid details
// keep the session at confirmation and return *appointment.ValidationError.
// Every commit result is reported through the returned Outcome.
func (w *Workflow) Confirm(ctx context.Context, d Details) (Outcome, error) {
	w.lock()
	defer w.unlock()

	if err := w.expect("confirm", StateConfirming); err != nil {
		return Outcome{}, err
	}
	if err := appointment.ValidateDetails(d.Type, d.Reason, d.Notes); err != nil {
		var ve *appointment.ValidationError
		errors.As(err, &ve)
		w.emit(Outcome{Kind: OutcomeValidationFailed, Slot: w.slot, Fields: ve.Fields, Err: err})
		return Outcome{}, err
	}

	// A fresh attempt per confirmation; retries reuse it.
	w.attempt = &appointment.BookingAttempt{
		AttemptID: uuid.New(),
		DoctorID:  w.doctor.ID,
		PatientID: w.patientID,
		Slot:      *w.slot,
		Type:      d.Type,
		Reason:    d.Reason,
		Notes:     d.Notes,
	}
	return w.commit(ctx), nil
}

// Retry resubmits the same attempt after a transient failure.
func (w *Workflow) Retry(ctx context.Context) (Outcome, error) {
	w.lock()
	defer w.unlock()

	if err := w.expect("retry", StateFailed); err != nil {
		return Outcome{}, err
	}
	if w.failure == nil || !w.failure.Retryable() || w.attempt == nil {
		return Outcome{}, ErrNotRetryable
	}
	return w.commit(ctx), nil
}

func (w *Workflow) commit(ctx context.Context) Outcome {
	w.enter(StateCommitting)
	res := w.deps.Committer.Commit(ctx, *w.attempt)

	slot := w.attempt.Slot
	out := Outcome{Slot: &slot, Err: res.Err}

	switch res.Status {
	case appointment.CommitAccepted:
		w.appointment = res.Appointment
		w.failure = nil
		out.Kind = OutcomeAccepted
		out.Appointment = res.Appointment
		w.enter(StateCommitted)

	case appointment.CommitConflict:
		// Refresh so the taken slot is not offered again. A conflict on the
		// slot lock comes before the winner's insert, so the fresh read can
		// still list the slot.
		snap, err := w.deps.Resolver.Available(ctx, w.doctor.ID, w.date)
		if err != nil {
			w.deps.Log.Warn().Err(err).Msg("refresh availability after conflict")
			snap = availability.Snapshot{DoctorID: w.doctor.ID, Date: w.date}
		}
		snap = snap.Without(slot)
		w.snapshot = &snap
		w.contested = &slot
		w.slot = nil
		w.attempt = nil
		out.Kind = OutcomeConflict
		w.enter(StateSelectingSlot)

	default:
		w.failure = &res
		out.Kind = commitFailureKind(res.Status)
		out.Fields = res.Fields
		out.Retryable = res.Retryable()
		w.enter(StateFailed)
	}

	w.emit(out)
	return out
}

func commitFailureKind(s appointment.CommitStatus) OutcomeKind {
	switch s {
	case appointment.CommitValidationFailed:
		return OutcomeValidationFailed
	case appointment.CommitTransientFailure:
		return OutcomeTransientFailure
	}
	return OutcomeRejected
}

// Back returns to the previous selection step.
func (w *Workflow) Back() error {
	w.lock()
	defer w.unlock()

	switch w.state {
	case StateSelectingDate:
		w.doctor = nil
		w.enter(StateSelectingDoctor)
	case StateSelectingSlot:
		w.snapshot = nil
		w.contested = nil
		w.date = appointment.Date{}
		w.enter(StateSelectingDate)
	case StateConfirming:
		w.slot = nil
		w.enter(StateSelectingSlot)
	default:
		return &StateError{Action: "go back", State: w.state}
	}
	return nil
}

// Abandon ends a non-terminal session without side effects.
func (w *Workflow) Abandon() error {
	w.lock()
	defer w.unlock()

	if w.state.Terminal() || w.state == StateCommitting {
		return &StateError{Action: "abandon", State: w.state}
	}
	w.attempt = nil
	w.enter(StateAbandoned)
	w.emit(Outcome{Kind: OutcomeAbandoned})
	return nil
}

func (w *Workflow) expect(action string, want State) error {
	if w.state != want {
		return &StateError{Action: action, State: w.state}
	}
	return nil
}

func (w *Workflow) enter(s State) {
	w.deps.Log.Debug().Str("from", string(w.state)).Str("to", string(s)).Msg("booking step")
	w.state = s
	w.touch()
}

func (w *Workflow) touch() {
	w.updatedAt.Store(w.deps.Now().UnixNano())
}

func (w *Workflow) emit(o Outcome) {
	o.SessionID = w.id
	if w.doctor != nil {
		o.DoctorID = w.doctor.ID
	}
	if o.Date.IsZero() {
		o.Date = w.date
	}
	o.At = w.deps.Now()

	w.deps.Metrics.ObserveOutcome(string(o.Kind))
	w.deps.Log.Info().Str("outcome", string(o.Kind)).Msg("booking outcome")
	w.recorder.Emit(o)
	w.pending = append(w.pending, o)
}

// View is a read-only copy of a session.
type View struct {
	ID          uuid.UUID
	PatientID   uuid.UUID
	State       State
	Doctor      *appointment.Doctor
	Date        appointment.Date
	Available   []appointment.TimeSlot
	Source      availability.Source
	Slot        *appointment.TimeSlot
	AttemptID   *uuid.UUID
	Appointment *appointment.Appointment
	Retryable   bool
	LastOutcome *Outcome
	UpdatedAt   time.Time
}

func (w *Workflow) View() View {
	w.mu.Lock()
	defer w.mu.Unlock()

	v := View{
		ID:          w.id,
		PatientID:   w.patientID,
		State:       w.state,
		Doctor:      w.doctor,
		Date:        w.date,
		Slot:        w.slot,
		Appointment: w.appointment,
		Retryable:   w.state == StateFailed && w.failure != nil && w.failure.Retryable(),
		UpdatedAt:   w.UpdatedAt(),
	}
	if w.snapshot != nil {
		v.Available = append([]appointment.TimeSlot(nil), w.snapshot.Slots...)
		v.Source = w.snapshot.Source
	}
	if w.attempt != nil {
		id := w.attempt.AttemptID
		v.AttemptID = &id
	}
	if last, ok := w.recorder.Last(); ok {
		v.LastOutcome = &last
	}
	return v
}
