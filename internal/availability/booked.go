package availability

import (
	"context"

	"github.com/google/uuid"

	"github.com/hackgods/doctor-appointment-booking/internal/appointment"
)

// BookedReader is the part of the store the booked index reads.
type BookedReader interface {
	BookedSlots(ctx context.Context, doctorID uuid.UUID, date appointment.Date) ([]appointment.TimeSlot, error)
}

// BookedIndex is the set of slots held by pending or confirmed appointments.
// Every call reads the store; nothing is cached between calls.
type BookedIndex struct {
	store BookedReader
}

func NewBookedIndex(store BookedReader) *BookedIndex {
	return &BookedIndex{store: store}
}

func (b *BookedIndex) BookedSlots(ctx context.Context, doctorID uuid.UUID, date appointment.Date) ([]appointment.TimeSlot, error) {
	return b.store.BookedSlots(ctx, doctorID, date)
}
