package appointment

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Window is a span of working time on one day. End is exclusive: a slot fits
// only if it finishes at or before End.
type Window struct {
	Start ClockTime
	End   ClockTime
}

// ParseWindow parses "HH:MM-HH:MM".
func ParseWindow(s string) (Window, error) {
	from, to, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return Window{}, fmt.Errorf("window %q: want HH:MM-HH:MM", s)
	}
	start, err := ParseClock(strings.TrimSpace(from))
	if err != nil {
		return Window{}, err
	}
	end, err := ParseClock(strings.TrimSpace(to))
	if err != nil {
		return Window{}, err
	}
	if end <= start {
		return Window{}, fmt.Errorf("window %q: end must be after start", s)
	}
	return Window{Start: start, End: end}, nil
}

func (w Window) String() string {
	return w.Start.String() + "-" + w.End.String()
}

// SlotsInWindows lays fixed-length slots back to back inside each window and
// returns them in ascending order.
func SlotsInWindows(doctorID uuid.UUID, date Date, windows []Window, slotMinutes int) []TimeSlot {
	if slotMinutes <= 0 {
		return nil
	}
	var slots []TimeSlot
	for _, w := range windows {
		for start := w.Start; start.Add(slotMinutes) <= w.End; start = start.Add(slotMinutes) {
			slots = append(slots, TimeSlot{
				DoctorID:        doctorID,
				Date:            date,
				Start:           start,
				DurationMinutes: slotMinutes,
			})
		}
	}
	return SortSlots(slots)
}
