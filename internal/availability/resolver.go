package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/doctor-appointment-booking/internal/appointment"
)

// ErrBookedUnavailable means occupied slots could not be read. The resolver
// offers nothing rather than risk offering a taken slot.
var ErrBookedUnavailable = errors.New("booked slots unavailable")

// Snapshot is the availability of one doctor on one date at ResolvedAt. It
// is stale as soon as it is returned.
type Snapshot struct {
	DoctorID   uuid.UUID
	Date       appointment.Date
	Slots      []appointment.TimeSlot
	Source     Source
	ResolvedAt time.Time
}

func (s Snapshot) Contains(slot appointment.TimeSlot) bool {
	for _, candidate := range s.Slots {
		if candidate == slot {
			return true
		}
	}
	return false
}

// Find returns the offered slot starting at start.
func (s Snapshot) Find(start appointment.ClockTime) (appointment.TimeSlot, bool) {
	for _, candidate := range s.Slots {
		if candidate.Start == start {
			return candidate, true
		}
	}
	return appointment.TimeSlot{}, false
}

// Without returns a copy of s that no longer offers the slot starting at
// slot.Start.
func (s Snapshot) Without(slot appointment.TimeSlot) Snapshot {
	kept := make([]appointment.TimeSlot, 0, len(s.Slots))
	for _, candidate := range s.Slots {
		if candidate.Start != slot.Start {
			kept = append(kept, candidate)
		}
	}
	s.Slots = kept
	return s
}

func (s Snapshot) Empty() bool {
	return len(s.Slots) == 0
}

// Resolver computes candidate slots minus booked slots. It keeps no state
// between calls.
type Resolver struct {
	catalog *Catalog
	booked  *BookedIndex
	log     zerolog.Logger

	now       func() time.Time
	loc       *time.Location
	minNotice time.Duration
}

type ResolverOption func(*Resolver)

// WithMinNotice drops slots starting sooner than notice after now(). Slots
// are placed on the clock in loc.
func WithMinNotice(now func() time.Time, loc *time.Location, notice time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.now = now
		r.loc = loc
		r.minNotice = notice
	}
}

func WithResolverLogger(log zerolog.Logger) ResolverOption {
	return func(r *Resolver) { r.log = log }
}

func NewResolver(catalog *Catalog, booked *BookedIndex, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		catalog: catalog,
		booked:  booked,
		log:     zerolog.Nop(),
		now:     time.Now,
		loc:     time.UTC,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) Available(ctx context.Context, doctorID uuid.UUID, date appointment.Date) (Snapshot, error) {
	candidates, source, err := r.catalog.CandidateSlots(ctx, doctorID, date)
	if err != nil {
		return Snapshot{}, err
	}

	booked, err := r.booked.BookedSlots(ctx, doctorID, date)
	if err != nil {
		r.log.Error().
			Err(err).
			Str("doctor_id", doctorID.String()).
			Str("date", date.String()).
			Msg("booked slot lookup failed, offering no slots")
		return Snapshot{}, fmt.Errorf("%w: %v", ErrBookedUnavailable, err)
	}

	now := r.now()
	free := Subtract(candidates, booked)
	if r.minNotice > 0 {
		free = r.afterNotice(free, now)
	}

	return Snapshot{
		DoctorID:   doctorID,
		Date:       date,
		Slots:      free,
		Source:     source,
		ResolvedAt: now,
	}, nil
}

func (r *Resolver) afterNotice(slots []appointment.TimeSlot, now time.Time) []appointment.TimeSlot {
	earliest := now.Add(r.minNotice)
	out := make([]appointment.TimeSlot, 0, len(slots))
	for _, s := range slots {
		if !s.StartsAt(r.loc).Before(earliest) {
			out = append(out, s)
		}
	}
	return out
}

// Subtract removes every candidate that overlaps a booked slot and keeps the
// candidates' order. For equal-length slots this is plain set difference.
func Subtract(candidates, booked []appointment.TimeSlot) []appointment.TimeSlot {
	out := make([]appointment.TimeSlot, 0, len(candidates))
	for _, c := range candidates {
		taken := false
		for _, b := range booked {
			if c.Overlaps(b) {
				taken = true
				break
			}
		}
		if !taken {
			out = append(out, c)
		}
	}
	return out
}
