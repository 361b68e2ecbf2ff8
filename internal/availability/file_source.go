package availability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/hackgods/doctor-appointment-booking/internal/appointment"
)

// ProviderSource yields a doctor's own slots for a date. It returns
// appointment.ErrNoProviderSchedule when the doctor has none.
type ProviderSource interface {
	ProviderAvailability(ctx context.Context, doctorID uuid.UUID, date appointment.Date) ([]appointment.TimeSlot, error)
}

type scheduleFile struct {
	Doctors []doctorSchedule `toml:"doctor"`
}

type doctorSchedule struct {
	ID          string              `toml:"id"`
	SlotMinutes int                 `toml:"slot_minutes"`
	Hours       map[string][]string `toml:"hours"`
	TimeOff     []string            `toml:"time_off"`
}

type fileSchedule struct {
	slotMinutes int
	weekdays    map[time.Weekday][]appointment.Window
	timeOff     map[appointment.Date]bool
}

// FileSource serves provider schedules read from a TOML file:
//
//	[[doctor]]
//	id = "5f0c..."
//	slot_minutes = 20
//	time_off = ["2024-03-08"]
//	[doctor.hours]
//	monday = ["09:00-12:00", "14:00-17:00"]
type FileSource struct {
	schedules map[uuid.UUID]fileSchedule
}

func LoadFileSource(path string) (*FileSource, error) {
	var f scheduleFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("read provider schedules %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("provider schedules %s: unknown key %s", path, undecoded[0])
	}
	return newFileSource(f)
}

// ParseFileSource is LoadFileSource for an in-memory document.
func ParseFileSource(doc string) (*FileSource, error) {
	var f scheduleFile
	if _, err := toml.Decode(doc, &f); err != nil {
		return nil, fmt.Errorf("parse provider schedules: %w", err)
	}
	return newFileSource(f)
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func newFileSource(f scheduleFile) (*FileSource, error) {
	src := &FileSource{schedules: make(map[uuid.UUID]fileSchedule, len(f.Doctors))}

	for i, d := range f.Doctors {
		id, err := uuid.Parse(d.ID)
		if err != nil {
			return nil, fmt.Errorf("doctor[%d]: invalid id %q: %w", i, d.ID, err)
		}
		if _, dup := src.schedules[id]; dup {
			return nil, fmt.Errorf("doctor[%d]: duplicate schedule for %s", i, id)
		}

		s := fileSchedule{
			slotMinutes: d.SlotMinutes,
			weekdays:    make(map[time.Weekday][]appointment.Window),
			timeOff:     make(map[appointment.Date]bool),
		}
		if s.slotMinutes == 0 {
			s.slotMinutes = appointment.DefaultSlotMinutes
		}
		if s.slotMinutes < 0 {
			return nil, fmt.Errorf("doctor %s: slot_minutes must be positive", id)
		}

		for name, spans := range d.Hours {
			day, ok := weekdayNames[strings.ToLower(name)]
			if !ok {
				return nil, fmt.Errorf("doctor %s: unknown weekday %q", id, name)
			}
			for _, span := range spans {
				w, err := appointment.ParseWindow(span)
				if err != nil {
					return nil, fmt.Errorf("doctor %s %s: %w", id, name, err)
				}
				s.weekdays[day] = append(s.weekdays[day], w)
			}
		}
		for _, off := range d.TimeOff {
			date, err := appointment.ParseDate(off)
			if err != nil {
				return nil, fmt.Errorf("doctor %s time_off: %w", id, err)
			}
			s.timeOff[date] = true
		}

		src.schedules[id] = s
	}
	return src, nil
}

func (s *FileSource) ProviderAvailability(_ context.Context, doctorID uuid.UUID, date appointment.Date) ([]appointment.TimeSlot, error) {
	sched, ok := s.schedules[doctorID]
	if !ok {
		return nil, appointment.ErrNoProviderSchedule
	}
	if sched.timeOff[date] {
		return []appointment.TimeSlot{}, nil
	}
	return appointment.SlotsInWindows(doctorID, date, sched.weekdays[date.Weekday()], sched.slotMinutes), nil
}

// Doctors returns the ids with a schedule in the file.
func (s *FileSource) Doctors() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(s.schedules))
	for id := range s.schedules {
		ids = append(ids, id)
	}
	return ids
}

// FirstOf consults sources in order and answers with the first one that has
// a schedule for the doctor.
func FirstOf(sources ...ProviderSource) ProviderSource {
	return chain(sources)
}

type chain []ProviderSource

func (c chain) ProviderAvailability(ctx context.Context, doctorID uuid.UUID, date appointment.Date) ([]appointment.TimeSlot, error) {
	for _, src := range c {
		slots, err := src.ProviderAvailability(ctx, doctorID, date)
		if errors.Is(err, appointment.ErrNoProviderSchedule) {
			continue
		}
		return slots, err
	}
	return nil, appointment.ErrNoProviderSchedule
}
