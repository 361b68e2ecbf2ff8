package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type slotKey struct {
	doctorID uuid.UUID
	at       int64
}

// MemoryRepository is an in-process Repository. A single mutex serializes all
// writes, and the open-slot index plays the role of the Postgres partial unique
// index.
type MemoryRepository struct {
	mu           sync.RWMutex
	loc          *time.Location
	doctors      map[uuid.UUID]Doctor
	doctorOrder  []uuid.UUID
	patients     map[uuid.UUID]Patient
	schedules    map[uuid.UUID]map[time.Weekday][]Window
	timeOff      map[uuid.UUID]map[Date]bool
	appointments map[uuid.UUID]*Appointment
	byAttempt    map[uuid.UUID]uuid.UUID
	openSlots    map[slotKey]uuid.UUID
	events       []EventLog
}

func NewMemoryRepository(loc *time.Location) *MemoryRepository {
	if loc == nil {
		loc = time.UTC
	}
	return &MemoryRepository{
		loc:          loc,
		doctors:      make(map[uuid.UUID]Doctor),
		patients:     make(map[uuid.UUID]Patient),
		schedules:    make(map[uuid.UUID]map[time.Weekday][]Window),
		timeOff:      make(map[uuid.UUID]map[Date]bool),
		appointments: make(map[uuid.UUID]*Appointment),
		byAttempt:    make(map[uuid.UUID]uuid.UUID),
		openSlots:    make(map[slotKey]uuid.UUID),
	}
}

// AddDoctor registers a doctor for setup and seeding.
func (m *MemoryRepository) AddDoctor(d Doctor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.SlotMinutes == 0 {
		d.SlotMinutes = DefaultSlotMinutes
	}
	if _, ok := m.doctors[d.ID]; !ok {
		m.doctorOrder = append(m.doctorOrder, d.ID)
	}
	m.doctors[d.ID] = d
}

func (m *MemoryRepository) AddPatient(p Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = p
}

// SetWorkingHours gives a doctor a provider schedule of their own.
func (m *MemoryRepository) SetWorkingHours(doctorID uuid.UUID, day time.Weekday, windows ...Window) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.schedules[doctorID] == nil {
		m.schedules[doctorID] = make(map[time.Weekday][]Window)
	}
	m.schedules[doctorID][day] = append(m.schedules[doctorID][day], windows...)
}

func (m *MemoryRepository) AddTimeOff(doctorID uuid.UUID, date Date) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timeOff[doctorID] == nil {
		m.timeOff[doctorID] = make(map[Date]bool)
	}
	m.timeOff[doctorID][date] = true
}

// Events returns a copy of the recorded event log.
func (m *MemoryRepository) Events() []EventLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]EventLog, len(m.events))
	copy(out, m.events)
	return out
}

func (m *MemoryRepository) ListDoctors(_ context.Context) ([]Doctor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]Doctor, 0, len(m.doctorOrder))
	for _, id := range m.doctorOrder {
		result = append(result, m.doctors[id])
	}
	return result, nil
}

func (m *MemoryRepository) GetDoctor(_ context.Context, id uuid.UUID) (*Doctor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return &d, nil
}

func (m *MemoryRepository) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (m *MemoryRepository) BookedSlots(_ context.Context, doctorID uuid.UUID, date Date) ([]TimeSlot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []TimeSlot
	for _, a := range m.appointments {
		if a.DoctorID != doctorID || !a.Status.Occupies() {
			continue
		}
		slot := a.Slot(m.loc)
		if slot.Date == date {
			result = append(result, slot)
		}
	}
	return SortSlots(result), nil
}

func (m *MemoryRepository) ProviderAvailability(_ context.Context, doctorID uuid.UUID, date Date) ([]TimeSlot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.doctors[doctorID]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	schedule, ok := m.schedules[doctorID]
	if !ok {
		return nil, ErrNoProviderSchedule
	}
	if m.timeOff[doctorID][date] {
		return []TimeSlot{}, nil
	}
	return SlotsInWindows(doctorID, date, schedule[date.Weekday()], d.SlotMinutes), nil
}

func (m *MemoryRepository) CreateAppointment(_ context.Context, in NewAppointment) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byAttempt[in.AttemptID]; ok {
		existing := *m.appointments[id]
		return &existing, nil
	}

	ve := &ValidationError{}
	if _, ok := m.doctors[in.DoctorID]; !ok {
		ve.Add("doctor_id", "does not exist")
	}
	if _, ok := m.patients[in.PatientID]; !ok {
		ve.Add("patient_id", "does not exist")
	}
	if err := ve.OrNil(); err != nil {
		return nil, err
	}

	key := slotKey{doctorID: in.DoctorID, at: in.ScheduledAt.Unix()}
	if _, taken := m.openSlots[key]; taken {
		return nil, &ConflictError{
			Slot:   SlotAt(in.DoctorID, in.ScheduledAt, in.DurationMinutes, m.loc),
			Reason: ErrSlotAlreadyBooked,
		}
	}

	now := time.Now()
	attemptID := in.AttemptID
	appt := &Appointment{
		ID:              uuid.New(),
		AttemptID:       &attemptID,
		DoctorID:        in.DoctorID,
		PatientID:       in.PatientID,
		ScheduledAt:     in.ScheduledAt,
		DurationMinutes: in.DurationMinutes,
		Status:          StatusPending,
		Type:            in.Type,
		Reason:          in.Reason,
		Notes:           in.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.appointments[appt.ID] = appt
	m.byAttempt[attemptID] = appt.ID
	m.openSlots[key] = appt.ID

	out := *appt
	return &out, nil
}

func (m *MemoryRepository) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	out := *a
	return &out, nil
}

func (m *MemoryRepository) GetAppointmentByAttempt(_ context.Context, attemptID uuid.UUID) (*Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byAttempt[attemptID]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	out := *m.appointments[id]
	return &out, nil
}

func (m *MemoryRepository) ListAppointments(_ context.Context, f AppointmentFilter) ([]Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Appointment
	for _, a := range m.appointments {
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		if f.From != nil && a.ScheduledAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !a.ScheduledAt.Before(*f.To) {
			continue
		}
		result = append(result, *a)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].ScheduledAt.Equal(result[j].ScheduledAt) {
			return result[i].ScheduledAt.After(result[j].ScheduledAt)
		}
		return result[i].ID.String() < result[j].ID.String()
	})

	if f.Offset > 0 {
		if f.Offset >= len(result) {
			return nil, nil
		}
		result = result[f.Offset:]
	}
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryRepository) UpdateStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus, change StatusChange) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status != from {
		return nil, ErrStatusMismatch
	}

	at := change.At
	if at.IsZero() {
		at = time.Now()
	}
	key := slotKey{doctorID: a.DoctorID, at: a.ScheduledAt.Unix()}
	if !to.Occupies() && m.openSlots[key] == a.ID {
		delete(m.openSlots, key)
	}

	a.Status = to
	a.UpdatedAt = at
	switch to {
	case StatusConfirmed:
		a.ConfirmedAt = &at
	case StatusCancelled:
		a.CancelledAt = &at
		a.CancelledReason = change.Reason
	case StatusCompleted:
		a.CompletedAt = &at
	}

	out := *a
	return &out, nil
}

func (m *MemoryRepository) SetRating(_ context.Context, id uuid.UUID, rating int, feedback *string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status != StatusCompleted {
		return nil, ErrStatusMismatch
	}
	a.Rating = &rating
	a.Feedback = feedback
	a.UpdatedAt = time.Now()

	out := *a
	return &out, nil
}

func (m *MemoryRepository) FindDoubleBookings(_ context.Context) ([]DoubleBooking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	groups := make(map[slotKey][]*Appointment)
	for _, a := range m.appointments {
		if a.Status.Occupies() {
			key := slotKey{doctorID: a.DoctorID, at: a.ScheduledAt.Unix()}
			groups[key] = append(groups[key], a)
		}
	}

	var result []DoubleBooking
	for _, appts := range groups {
		if len(appts) < 2 {
			continue
		}
		db := DoubleBooking{DoctorID: appts[0].DoctorID, ScheduledAt: appts[0].ScheduledAt}
		for _, a := range appts {
			db.AppointmentIDs = append(db.AppointmentIDs, a.ID)
		}
		result = append(result, db)
	}
	return result, nil
}

func (m *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = int64(len(m.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	m.events = append(m.events, ev)
	return nil
}
