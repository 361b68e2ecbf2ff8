// Package seeddata generates the doctors and patients used by the seeder and
// by the in-memory demo store.
package seeddata

import (
	"fmt"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hackgods/doctor-appointment-booking/internal/appointment"
)

var Specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

// SlotLengths are the consultation lengths handed out, in minutes. 30 is
// listed twice to make it the common case.
var SlotLengths = []int{15, 20, 30, 30, 45}

// Doctor returns a doctor with a random name, specialty, price and slot length.
func Doctor(f *gofakeit.Faker) appointment.Doctor {
	now := time.Now()
	return appointment.Doctor{
		ID:                uuid.New(),
		Name:              "Dr. " + f.LastName(),
		Specialty:         Specialties[f.Number(0, len(Specialties)-1)],
		ConsultationPrice: decimal.NewFromFloat(f.Price(35, 180)).Round(2),
		SlotMinutes:       SlotLengths[f.Number(0, len(SlotLengths)-1)],
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Patient returns the n-th patient of a run. n keeps the email unique.
func Patient(f *gofakeit.Faker, n int) appointment.Patient {
	email := fmt.Sprintf("%s.%d@%s", strings.ToLower(f.Username()), n, f.DomainName())
	now := time.Now()
	return appointment.Patient{
		ID:        uuid.New(),
		Name:      f.Name(),
		Email:     &email,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
