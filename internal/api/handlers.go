package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/doctor-appointment-booking/internal/appointment"
	"github.com/hackgods/doctor-appointment-booking/internal/availability"
	"github.com/hackgods/doctor-appointment-booking/internal/booking"
)

const (
	defaultDateRange = 14
	maxDateRange     = 31
	defaultPageSize  = 50
	maxPageSize      = 200
	maxBodyBytes     = 1 << 20
)

// Handler serves the booking API on top of the core components.
type Handler struct {
	repo      appointment.Repository
	resolver  booking.AvailabilityResolver
	sessions  *booking.Sessions
	lifecycle *appointment.Lifecycle
	loc       *time.Location
	log       zerolog.Logger
	now       func() time.Time
}

func NewHandler(repo appointment.Repository, resolver booking.AvailabilityResolver, sessions *booking.Sessions, lifecycle *appointment.Lifecycle, loc *time.Location, log zerolog.Logger) *Handler {
	return &Handler{
		repo:      repo,
		resolver:  resolver,
		sessions:  sessions,
		lifecycle: lifecycle,
		loc:       loc,
		log:       log.With().Str("component", "api").Logger(),
		now:       time.Now,
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve  *appointment.ValidationError
		ase *appointment.StateError
		bse *booking.StateError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "validation_failed",
			Details: "please correct the highlighted fields",
			Fields:  ve.Fields,
		})
	case appointment.IsConflict(err):
		writeError(w, http.StatusConflict, "slot_taken", "that time was just booked by someone else")
	case errors.As(err, &ase):
		writeError(w, http.StatusConflict, "invalid_transition", ase.Error())
	case errors.As(err, &bse):
		writeError(w, http.StatusConflict, "invalid_step", bse.Error())
	case errors.Is(err, booking.ErrSlotJustTaken):
		writeError(w, http.StatusConflict, "slot_just_taken", "that time is no longer available, please pick another")
	case errors.Is(err, booking.ErrNotRetryable):
		writeError(w, http.StatusConflict, "not_retryable", err.Error())
	case errors.Is(err, appointment.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, appointment.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, booking.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", err.Error())
	case appointment.IsTransient(err), errors.Is(err, availability.ErrBookedUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "please try again shortly")
	default:
		h.log.Error().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("unhandled error")
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}

func (h *Handler) listDoctors(w http.ResponseWriter, r *http.Request) {
	doctors, err := h.repo.ListDoctors(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]DoctorResponse, 0, len(doctors))
	for i := range doctors {
		out = append(out, toDoctorResponse(&doctors[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) doctorAvailability(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	date, err := appointment.ParseDate(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return
	}
	if _, err := h.repo.GetDoctor(r.Context(), doctorID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	snap, err := h.resolver.Available(r.Context(), doctorID, date)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AvailabilityResponse{
		DoctorID:   doctorID,
		Date:       date.String(),
		Source:     string(snap.Source),
		Slots:      toSlotResponses(snap.Slots, h.loc),
		ResolvedAt: snap.ResolvedAt,
	})
}

// doctorDates lists upcoming working days with their free slot counts.
func (h *Handler) doctorDates(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	q := r.URL.Query()

	from := appointment.DateOf(h.now().In(h.loc))
	if raw := q.Get("from"); raw != "" {
		d, err := appointment.ParseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "from must be YYYY-MM-DD")
			return
		}
		from = d
	}
	days := defaultDateRange
	if raw := q.Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_days", "days must be a positive integer")
			return
		}
		days = min(n, maxDateRange)
	}
	if _, err := h.repo.GetDoctor(r.Context(), doctorID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	out := make([]BookableDate, 0, days)
	for _, d := range availability.WorkingDays(from, days) {
		snap, err := h.resolver.Available(r.Context(), doctorID, d)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		out = append(out, BookableDate{Date: d.String(), Available: len(snap.Slots)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) startBooking(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())

	patientID := actor.ID
	if actor.Role == appointment.RoleAdmin {
		var req StartBookingRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		id, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}
		patientID = id
	}
	if _, err := h.repo.GetPatientByID(r.Context(), patientID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	wf := h.sessions.Start(patientID)
	writeJSON(w, http.StatusCreated, toSessionResponse(wf.View(), h.loc))
}

// session loads the workflow named in the URL if the caller may drive it.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*booking.Workflow, bool) {
	id, ok := uuidParam(w, r, "sid")
	if !ok {
		return nil, false
	}
	wf, err := h.sessions.Get(id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return nil, false
	}
	actor, _ := ActorFrom(r.Context())
	if actor.Role != appointment.RoleAdmin && !(actor.Role == appointment.RolePatient && actor.ID == wf.PatientID()) {
		writeError(w, http.StatusForbidden, "forbidden", "not your booking session")
		return nil, false
	}
	return wf, true
}

func (h *Handler) getBooking(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(wf.View(), h.loc))
}

func (h *Handler) selectDoctor(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.session(w, r)
	if !ok {
		return
	}
	var req SelectDoctorRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	doctorID, err := uuid.Parse(req.DoctorID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
		return
	}
	if err := wf.SelectDoctor(r.Context(), doctorID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(wf.View(), h.loc))
}

func (h *Handler) selectDate(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.session(w, r)
	if !ok {
		return
	}
	var req SelectDateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	date, err := appointment.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return
	}
	// An empty day is an outcome the session reports, not a failed request.
	if _, err := wf.SelectDate(r.Context(), date); err != nil && !errors.Is(err, booking.ErrNoAvailability) {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(wf.View(), h.loc))
}

func (h *Handler) selectSlot(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.session(w, r)
	if !ok {
		return
	}
	var req SelectSlotRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	start, err := appointment.ParseClock(req.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_start", "start must be HH:MM")
		return
	}
	if _, err := wf.SelectSlot(r.Context(), start); err != nil {
		if errors.Is(err, booking.ErrSlotJustTaken) {
			writeJSON(w, http.StatusConflict, toSessionResponse(wf.View(), h.loc))
			return
		}
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(wf.View(), h.loc))
}

func outcomeStatus(k booking.OutcomeKind) int {
	switch k {
	case booking.OutcomeAccepted:
		return http.StatusCreated
	case booking.OutcomeConflict:
		return http.StatusConflict
	case booking.OutcomeTransientFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func (h *Handler) confirmBooking(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.session(w, r)
	if !ok {
		return
	}
	var req ConfirmBookingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	out, err := wf.Confirm(r.Context(), booking.Details{
		Type:   appointment.ConsultationType(req.Type),
		Reason: req.Reason,
		Notes:  req.Notes,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, outcomeStatus(out.Kind), toSessionResponse(wf.View(), h.loc))
}

func (h *Handler) retryBooking(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.session(w, r)
	if !ok {
		return
	}
	out, err := wf.Retry(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, outcomeStatus(out.Kind), toSessionResponse(wf.View(), h.loc))
}

func (h *Handler) backBooking(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := wf.Back(); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(wf.View(), h.loc))
}

func (h *Handler) abandonBooking(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := wf.Abandon(); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(wf.View(), h.loc))
}

func (h *Handler) listAppointments(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	q := r.URL.Query()
	var f appointment.AppointmentFilter

	for _, p := range []struct {
		name string
		dst  **uuid.UUID
	}{{"patient_id", &f.PatientID}, {"doctor_id", &f.DoctorID}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_"+p.name, p.name+" must be a valid UUID")
			return
		}
		*p.dst = &id
	}
	switch actor.Role {
	case appointment.RolePatient:
		f.PatientID = &actor.ID
	case appointment.RoleDoctor:
		f.DoctorID = &actor.ID
	}

	if raw := q.Get("status"); raw != "" {
		s := appointment.AppointmentStatus(raw)
		if !s.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_status", "unknown status "+raw)
			return
		}
		f.Status = &s
	}
	if raw := q.Get("from"); raw != "" {
		d, err := appointment.ParseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "from must be YYYY-MM-DD")
			return
		}
		at := d.At(0, h.loc)
		f.From = &at
	}
	if raw := q.Get("to"); raw != "" {
		d, err := appointment.ParseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "to must be YYYY-MM-DD")
			return
		}
		// inclusive day: stop at the next midnight
		at := d.AddDays(1).At(0, h.loc)
		f.To = &at
	}

	f.Limit = defaultPageSize
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		f.Limit = min(n, maxPageSize)
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_offset", "offset must be zero or more")
			return
		}
		f.Offset = n
	}

	appts, err := h.repo.ListAppointments(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]AppointmentResponse, 0, len(appts))
	for i := range appts {
		out = append(out, toAppointmentResponse(&appts[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	appt, err := h.repo.GetAppointment(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	actor, _ := ActorFrom(r.Context())
	if !actor.Owns(appt) {
		h.writeDomainError(w, r, appointment.ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

type transitionFunc func(h *Handler, r *http.Request, actor appointment.Actor, id uuid.UUID) (*appointment.Appointment, error)

func (h *Handler) transition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		actor, _ := ActorFrom(r.Context())
		appt, err := fn(h, r, actor, id)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func confirmAppointment(h *Handler, r *http.Request, actor appointment.Actor, id uuid.UUID) (*appointment.Appointment, error) {
	return h.lifecycle.Confirm(r.Context(), actor, id)
}

func completeAppointment(h *Handler, r *http.Request, actor appointment.Actor, id uuid.UUID) (*appointment.Appointment, error) {
	return h.lifecycle.Complete(r.Context(), actor, id)
}

func noShowAppointment(h *Handler, r *http.Request, actor appointment.Actor, id uuid.UUID) (*appointment.Appointment, error) {
	return h.lifecycle.MarkNoShow(r.Context(), actor, id)
}

func (h *Handler) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	var req CancelAppointmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.transition(func(h *Handler, r *http.Request, actor appointment.Actor, id uuid.UUID) (*appointment.Appointment, error) {
		return h.lifecycle.Cancel(r.Context(), actor, id, req.Reason)
	})(w, r)
}

func (h *Handler) rateAppointment(w http.ResponseWriter, r *http.Request) {
	var req RateAppointmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.transition(func(h *Handler, r *http.Request, actor appointment.Actor, id uuid.UUID) (*appointment.Appointment, error) {
		return h.lifecycle.Rate(r.Context(), actor, id, req.Rating, req.Feedback)
	})(w, r)
}
