package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/hackgods/doctor-appointment-booking/internal/appointment"
	"github.com/hackgods/doctor-appointment-booking/internal/booking"
	"github.com/hackgods/doctor-appointment-booking/internal/metrics"
)

type RouterConfig struct {
	Repo      appointment.Repository
	Resolver  booking.AvailabilityResolver
	Sessions  *booking.Sessions
	Lifecycle *appointment.Lifecycle
	Location  *time.Location
	Log       zerolog.Logger
	Metrics   *metrics.Metrics

	JWTSecret string
	// RateLimiter guards write routes; nil disables limiting.
	RateLimiter *RateLimiter

	StorePinger Pinger
	CachePinger Pinger
	Backend     string
	Env         string
	Version     string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))
	r.Use(RecoverMiddleware(cfg.Log))
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}

	health := NewHealthHandler(cfg.StorePinger, cfg.CachePinger, cfg.Backend, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	h := NewHandler(cfg.Repo, cfg.Resolver, cfg.Sessions, cfg.Lifecycle, cfg.Location, cfg.Log)
	writes := func(next http.Handler) http.Handler { return next }
	if cfg.RateLimiter != nil {
		writes = cfg.RateLimiter.Middleware
	}

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(cfg.JWTSecret))

		r.Get("/doctors", h.listDoctors)
		r.Get("/doctors/{id}/availability", h.doctorAvailability)
		r.Get("/doctors/{id}/dates", h.doctorDates)

		r.Route("/bookings", func(r chi.Router) {
			r.Use(RequireRole(appointment.RolePatient, appointment.RoleAdmin))
			r.With(writes).Post("/", h.startBooking)
			r.Get("/{sid}", h.getBooking)
			r.With(writes).Delete("/{sid}", h.abandonBooking)
			r.Group(func(r chi.Router) {
				r.Use(writes)
				r.Post("/{sid}/doctor", h.selectDoctor)
				r.Post("/{sid}/date", h.selectDate)
				r.Post("/{sid}/slot", h.selectSlot)
				r.Post("/{sid}/confirm", h.confirmBooking)
				r.Post("/{sid}/retry", h.retryBooking)
				r.Post("/{sid}/back", h.backBooking)
			})
		})

		r.Route("/appointments", func(r chi.Router) {
			r.Get("/", h.listAppointments)
			r.Get("/{id}", h.getAppointment)
			r.Group(func(r chi.Router) {
				r.Use(writes)
				r.Post("/{id}/confirm", h.transition(confirmAppointment))
				r.Post("/{id}/cancel", h.cancelAppointment)
				r.Post("/{id}/complete", h.transition(completeAppointment))
				r.Post("/{id}/no-show", h.transition(noShowAppointment))
				r.Post("/{id}/rate", h.rateAppointment)
			})
		})
	})

	return r
}
