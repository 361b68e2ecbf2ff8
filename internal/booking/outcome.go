package booking

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/doctor-appointment-booking/internal/appointment"
)

type OutcomeKind string

const (
	OutcomeNoAvailability   OutcomeKind = "no_availability"
	OutcomeSlotJustTaken    OutcomeKind = "slot_just_taken"
	OutcomeValidationFailed OutcomeKind = "validation_failed"
	OutcomeAccepted         OutcomeKind = "accepted"
	OutcomeConflict         OutcomeKind = "conflict"
	OutcomeTransientFailure OutcomeKind = "transient_failure"
	OutcomeRejected         OutcomeKind = "rejected"
	OutcomeAbandoned        OutcomeKind = "abandoned"
)

var AllOutcomeKinds = []OutcomeKind{
	OutcomeNoAvailability,
	OutcomeSlotJustTaken,
	OutcomeValidationFailed,
	OutcomeAccepted,
	OutcomeConflict,
	OutcomeTransientFailure,
	OutcomeRejected,
	OutcomeAbandoned,
}

// Message is the text shown to the patient for an outcome.
func (k OutcomeKind) Message() string {
	switch k {
	case OutcomeNoAvailability:
		return "No times are available on this date. Please choose another date."
	case OutcomeSlotJustTaken:
		return "That time was just taken. Please choose another time."
	case OutcomeValidationFailed:
		return "Some booking details are missing or invalid. Please correct them and confirm again."
	case OutcomeAccepted:
		return "Your appointment is booked and awaiting confirmation from the doctor."
	case OutcomeConflict:
		return "Another patient booked this time a moment ago. Availability has been refreshed, please pick a different time."
	case OutcomeTransientFailure:
		return "We could not reach the booking service. Your booking was not saved, you can retry."
	case OutcomeRejected:
		return "This booking could not be completed."
	case OutcomeAbandoned:
		return "Booking cancelled. Nothing was saved."
	}
	panic(fmt.Sprintf("booking: unmapped outcome %q", string(k)))
}

// Outcome is a typed event emitted by a workflow.
type Outcome struct {
	Kind        OutcomeKind
	SessionID   uuid.UUID
	DoctorID    uuid.UUID
	Date        appointment.Date
	Slot        *appointment.TimeSlot
	Appointment *appointment.Appointment
	Fields      map[string]string
	Retryable   bool
	Err         error
	At          time.Time
}

func (o Outcome) Message() string {
	return o.Kind.Message()
}

type OutcomeSink interface {
	Emit(Outcome)
}

type SinkFunc func(Outcome)

func (f SinkFunc) Emit(o Outcome) { f(o) }

// ChannelSink forwards outcomes to a channel without blocking. Outcomes are
// dropped when the channel is full.
type ChannelSink chan<- Outcome

func (c ChannelSink) Emit(o Outcome) {
	select {
	case c <- o:
	default:
	}
}

type MultiSink []OutcomeSink

func (m MultiSink) Emit(o Outcome) {
	for _, s := range m {
		if s != nil {
			s.Emit(o)
		}
	}
}

// Recorder keeps the most recent outcomes of one session.
type Recorder struct {
	mu       sync.Mutex
	limit    int
	outcomes []Outcome
}

func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = 16
	}
	return &Recorder{limit: limit}
}

func (r *Recorder) Emit(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	if len(r.outcomes) > r.limit {
		r.outcomes = r.outcomes[len(r.outcomes)-r.limit:]
	}
}

func (r *Recorder) Outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Outcome, len(r.outcomes))
	copy(out, r.outcomes)
	return out
}

// Last returns the latest outcome, if any.
func (r *Recorder) Last() (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outcomes) == 0 {
		return Outcome{}, false
	}
	return r.outcomes[len(r.outcomes)-1], true
}
