// Package availability computes which slots a doctor can be booked for on a
// given date: the candidate slots from the catalog minus the slots held by
// open appointments.
package availability

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/doctor-appointment-booking/internal/appointment"
)

// Template is a weekly pattern of working windows. Weekdays missing from the
// map have no slots.
type Template struct {
	Weekdays    map[time.Weekday][]appointment.Window
	SlotMinutes int
}

// DefaultTemplate is the clinic-wide schedule used when a doctor has no
// provider schedule: half-hour slots from 08:00 to 17:30 on weekdays, with
// 12:00-13:00 kept free.
func DefaultTemplate() Template {
	day := []appointment.Window{
		{Start: appointment.Clock(8, 0), End: appointment.Clock(12, 0)},
		{Start: appointment.Clock(13, 0), End: appointment.Clock(18, 0)},
	}
	return Template{
		Weekdays: map[time.Weekday][]appointment.Window{
			time.Monday:    day,
			time.Tuesday:   day,
			time.Wednesday: day,
			time.Thursday:  day,
			time.Friday:    day,
		},
		SlotMinutes: appointment.DefaultSlotMinutes,
	}
}

// Slots returns the template's slots for doctorID on date, ascending.
func (t Template) Slots(doctorID uuid.UUID, date appointment.Date) []appointment.TimeSlot {
	windows := t.Weekdays[date.Weekday()]
	if len(windows) == 0 {
		return []appointment.TimeSlot{}
	}
	return appointment.SlotsInWindows(doctorID, date, windows, t.SlotMinutes)
}

// WorkingDays returns the first n weekdays on or after from.
func WorkingDays(from appointment.Date, n int) []appointment.Date {
	days := make([]appointment.Date, 0, n)
	for d := from; len(days) < n; d = d.AddDays(1) {
		switch d.Weekday() {
		case time.Saturday, time.Sunday:
			continue
		}
		days = append(days, d)
	}
	return days
}
