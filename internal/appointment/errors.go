package appointment

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrSlotAlreadyBooked = errors.New("slot already has an open appointment")
	ErrSlotBeingBooked   = errors.New("slot is currently being booked")
	ErrStatusMismatch    = errors.New("appointment status changed concurrently")
	ErrForbidden         = errors.New("actor may not act on this appointment")
)

// ValidationError is a caller-correctable problem with one or more fields.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a field problem. It is safe to call on a zero value.
func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = msg
}

// OrNil returns nil when no field problems were recorded.
func (e *ValidationError) OrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// ConflictError reports that the targeted slot was consumed between the
// availability snapshot and the write.
type ConflictError struct {
	Slot   TimeSlot
	Reason error
}

func (e *ConflictError) Error() string {
	if e.Reason == nil {
		return fmt.Sprintf("slot %s for doctor %s is taken", e.Slot, e.Slot.DoctorID)
	}
	return fmt.Sprintf("slot %s for doctor %s is taken: %v", e.Slot, e.Slot.DoctorID, e.Reason)
}

func (e *ConflictError) Unwrap() error {
	return e.Reason
}

// TransientError wraps a network or timeout failure talking to the store.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: store unavailable: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// StateError rejects a lifecycle transition the current status does not allow.
type StateError struct {
	AppointmentID uuid.UUID
	Action        Action
	Status        AppointmentStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s appointment %s in status %s", e.Action, e.AppointmentID, e.Status)
}

func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsStateError(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}
