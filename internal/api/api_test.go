package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/doctor-appointment-booking/internal/appointment"
	"github.com/hackgods/doctor-appointment-booking/internal/availability"
	"github.com/hackgods/doctor-appointment-booking/internal/booking"
	"github.com/hackgods/doctor-appointment-booking/internal/metrics"
)

const testSecret = "test-secret"

type server struct {
	handler http.Handler
	repo    *appointment.MemoryRepository
	doctor  appointment.Doctor
	patient appointment.Patient
	other   appointment.Patient
}

func newServer(t *testing.T) *server {
	t.Helper()
	repo := appointment.NewMemoryRepository(time.UTC)
	s := &server{
		repo:    repo,
		doctor:  appointment.Doctor{ID: uuid.New(), Name: "Dr. A", Specialty: "Cardiology", SlotMinutes: 30},
		patient: appointment.Patient{ID: uuid.New(), Name: "Ana"},
		other:   appointment.Patient{ID: uuid.New(), Name: "Ben"},
	}
	repo.AddDoctor(s.doctor)
	repo.AddPatient(s.patient)
	repo.AddPatient(s.other)

	log := zerolog.Nop()
	resolver := availability.NewResolver(availability.NewCatalog(repo), availability.NewBookedIndex(repo))
	sessions := booking.NewSessions(booking.Deps{
		Doctors:   repo,
		Resolver:  resolver,
		Committer: appointment.NewCommitter(repo, nil, time.UTC, log, nil),
		Log:       log,
	}, time.Hour)

	s.handler = NewRouter(RouterConfig{
		Repo:      repo,
		Resolver:  resolver,
		Sessions:  sessions,
		Lifecycle: appointment.NewLifecycle(repo, log),
		Location:  time.UTC,
		Log:       log,
		Metrics:   metrics.New("test"),
		JWTSecret: testSecret,
		Backend:   "memory",
		Env:       "test",
		Version:   "test",
	})
	return s
}

func token(t *testing.T, role appointment.Role, id uuid.UUID) string {
	t.Helper()
	tok, err := IssueToken(testSecret, appointment.Actor{Role: role, ID: id}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *server) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// sessionAtSlot walks a new session up to the confirmation step.
func (s *server) sessionAtSlot(t *testing.T, tok, start string) SessionResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/bookings", tok, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sess := decode[SessionResponse](t, rec)
	base := "/bookings/" + sess.ID.String()

	rec = s.do(t, http.MethodPost, base+"/doctor", tok, SelectDoctorRequest{DoctorID: s.doctor.ID.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.do(t, http.MethodPost, base+"/date", tok, SelectDateRequest{Date: "2024-03-04"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.do(t, http.MethodPost, base+"/slot", tok, SelectSlotRequest{Start: start})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	sess = decode[SessionResponse](t, rec)
	require.Equal(t, string(booking.StateConfirming), sess.State)
	return sess
}

var confirmBody = ConfirmBookingRequest{Type: "in_person", Reason: "Chest pain"}

func TestHealth(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = s.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	ready := decode[ReadinessResponse](t, rec)
	assert.Equal(t, "ok", ready.Status)
	assert.Equal(t, "disabled", ready.Dependencies["redis"])
}

func TestReadiness_Dependencies(t *testing.T) {
	up := PingFunc(func(context.Context) error { return nil })
	down := PingFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name       string
		store      Pinger
		cache      Pinger
		wantStatus string
		wantCode   int
	}{
		{"all up", up, up, "ok", http.StatusOK},
		{"redis down", up, down, "degraded", http.StatusOK},
		{"postgres down", down, up, "error", http.StatusServiceUnavailable},
		{"both down", down, down, "error", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.store, tt.cache, "postgres", "test", "v1")
			rec := httptest.NewRecorder()
			h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantStatus, decode[ReadinessResponse](t, rec).Status)
		})
	}
}

func TestAuthentication(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodGet, "/doctors", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/doctors", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	forged, err := IssueToken("other-secret", appointment.Actor{Role: appointment.RoleAdmin}, time.Hour)
	require.NoError(t, err)
	rec = s.do(t, http.MethodGet, "/doctors", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := IssueToken(testSecret, appointment.Actor{Role: appointment.RoleAdmin}, -time.Minute)
	require.NoError(t, err)
	rec = s.do(t, http.MethodGet, "/doctors", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/bookings", token(t, appointment.RoleDoctor, s.doctor.ID), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/doctors", token(t, appointment.RolePatient, s.patient.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	doctors := decode[[]DoctorResponse](t, rec)
	require.Len(t, doctors, 1)
	assert.Equal(t, "Dr. A", doctors[0].Name)
}

func TestDoctorAvailability(t *testing.T) {
	s := newServer(t)
	tok := token(t, appointment.RolePatient, s.patient.ID)

	rec := s.do(t, http.MethodGet, "/doctors/"+s.doctor.ID.String()+"/availability?date=2024-03-04", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	avail := decode[AvailabilityResponse](t, rec)
	assert.Equal(t, string(availability.SourceTemplate), avail.Source)
	require.Len(t, avail.Slots, 18)
	assert.Equal(t, "08:00", avail.Slots[0].Start)
	assert.Equal(t, "08:30", avail.Slots[0].End)

	rec = s.do(t, http.MethodGet, "/doctors/"+s.doctor.ID.String()+"/availability?date=04/03/2024", tok, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/doctors/"+uuid.NewString()+"/availability?date=2024-03-04", tok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDoctorDates(t *testing.T) {
	s := newServer(t)
	tok := token(t, appointment.RolePatient, s.patient.ID)

	rec := s.do(t, http.MethodGet, "/doctors/"+s.doctor.ID.String()+"/dates?from=2024-03-02&days=3", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dates := decode[[]BookableDate](t, rec)

	require.Len(t, dates, 3)
	assert.Equal(t, "2024-03-04", dates[0].Date)
	assert.Equal(t, "2024-03-06", dates[2].Date)
	assert.Equal(t, 18, dates[0].Available)

	rec = s.do(t, http.MethodGet, "/doctors/"+s.doctor.ID.String()+"/dates?days=0", tok, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBookingFlowAndLifecycle(t *testing.T) {
	s := newServer(t)
	patientTok := token(t, appointment.RolePatient, s.patient.ID)
	doctorTok := token(t, appointment.RoleDoctor, s.doctor.ID)

	sess := s.sessionAtSlot(t, patientTok, "10:00")
	require.NotNil(t, sess.Slot)
	assert.Equal(t, "10:30", sess.Slot.End)

	rec := s.do(t, http.MethodPost, "/bookings/"+sess.ID.String()+"/confirm", patientTok, confirmBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sess = decode[SessionResponse](t, rec)
	assert.Equal(t, string(booking.StateCommitted), sess.State)
	require.NotNil(t, sess.Outcome)
	assert.Equal(t, string(booking.OutcomeAccepted), sess.Outcome.Kind)
	require.NotNil(t, sess.Appointment)
	assert.Equal(t, "pending", sess.Appointment.Status)
	apptPath := "/appointments/" + sess.Appointment.ID.String()

	// The booked slot is gone from availability.
	rec = s.do(t, http.MethodGet, "/doctors/"+s.doctor.ID.String()+"/availability?date=2024-03-04", patientTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, slot := range decode[AvailabilityResponse](t, rec).Slots {
		assert.NotEqual(t, "10:00", slot.Start)
	}

	rec = s.do(t, http.MethodGet, "/appointments", patientTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]AppointmentResponse](t, rec), 1)

	rec = s.do(t, http.MethodGet, apptPath, token(t, appointment.RolePatient, s.other.ID), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, apptPath+"/confirm", patientTok, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, apptPath+"/confirm", doctorTok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "confirmed", decode[AppointmentResponse](t, rec).Status)

	rec = s.do(t, http.MethodPost, apptPath+"/confirm", doctorTok, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decode[ErrorResponse](t, rec).Error)

	rec = s.do(t, http.MethodPost, apptPath+"/cancel", patientTok, CancelAppointmentRequest{})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Fields, "reason")

	rec = s.do(t, http.MethodPost, apptPath+"/cancel", patientTok, CancelAppointmentRequest{Reason: "Feeling better"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cancelled := decode[AppointmentResponse](t, rec)
	assert.Equal(t, "cancelled", cancelled.Status)
	assert.Equal(t, "Cancelled", cancelled.StatusLabel)

	rec = s.do(t, http.MethodPost, apptPath+"/rate", patientTok, RateAppointmentRequest{Rating: 5})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestConfirm_LosingRaceReturnsToSlotSelection(t *testing.T) {
	s := newServer(t)
	anaTok := token(t, appointment.RolePatient, s.patient.ID)
	benTok := token(t, appointment.RolePatient, s.other.ID)

	ana := s.sessionAtSlot(t, anaTok, "11:00")
	ben := s.sessionAtSlot(t, benTok, "11:00")

	rec := s.do(t, http.MethodPost, "/bookings/"+ana.ID.String()+"/confirm", anaTok, confirmBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/bookings/"+ben.ID.String()+"/confirm", benTok, confirmBody)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	lost := decode[SessionResponse](t, rec)
	assert.Equal(t, string(booking.StateSelectingSlot), lost.State)
	require.NotNil(t, lost.Outcome)
	assert.Equal(t, string(booking.OutcomeConflict), lost.Outcome.Kind)
	assert.Nil(t, lost.Slot)
	for _, slot := range lost.Available {
		assert.NotEqual(t, "11:00", slot.Start)
	}
}

func TestSelectSlot_TakenSinceListing(t *testing.T) {
	s := newServer(t)
	anaTok := token(t, appointment.RolePatient, s.patient.ID)
	benTok := token(t, appointment.RolePatient, s.other.ID)

	rec := s.do(t, http.MethodPost, "/bookings", benTok, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	ben := decode[SessionResponse](t, rec)
	base := "/bookings/" + ben.ID.String()
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, base+"/doctor", benTok, SelectDoctorRequest{DoctorID: s.doctor.ID.String()}).Code)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, base+"/date", benTok, SelectDateRequest{Date: "2024-03-04"}).Code)

	ana := s.sessionAtSlot(t, anaTok, "09:00")
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/bookings/"+ana.ID.String()+"/confirm", anaTok, confirmBody).Code)

	rec = s.do(t, http.MethodPost, base+"/slot", benTok, SelectSlotRequest{Start: "09:00"})
	require.Equal(t, http.StatusConflict, rec.Code)
	view := decode[SessionResponse](t, rec)
	assert.Equal(t, string(booking.StateSelectingSlot), view.State)
	assert.Equal(t, string(booking.OutcomeSlotJustTaken), view.Outcome.Kind)
}

func TestConfirm_InvalidDetails(t *testing.T) {
	s := newServer(t)
	tok := token(t, appointment.RolePatient, s.patient.ID)
	sess := s.sessionAtSlot(t, tok, "14:00")

	rec := s.do(t, http.MethodPost, "/bookings/"+sess.ID.String()+"/confirm", tok, ConfirmBookingRequest{Type: "phone"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, "validation_failed", body.Error)
	assert.Contains(t, body.Fields, "type")
	assert.Contains(t, body.Fields, "reason")

	rec = s.do(t, http.MethodGet, "/bookings/"+sess.ID.String(), tok, nil)
	assert.Equal(t, string(booking.StateConfirming), decode[SessionResponse](t, rec).State)
}

func TestBookingSession_Access(t *testing.T) {
	s := newServer(t)
	tok := token(t, appointment.RolePatient, s.patient.ID)

	rec := s.do(t, http.MethodPost, "/bookings", tok, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	sess := decode[SessionResponse](t, rec)
	path := "/bookings/" + sess.ID.String()

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, path, token(t, appointment.RolePatient, s.other.ID), nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, path, token(t, appointment.RoleAdmin, uuid.Nil), nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/bookings/"+uuid.NewString(), tok, nil).Code)

	rec = s.do(t, http.MethodPost, path+"/slot", tok, SelectSlotRequest{Start: "09:00"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_step", decode[ErrorResponse](t, rec).Error)

	rec = s.do(t, http.MethodDelete, path, tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(booking.StateAbandoned), decode[SessionResponse](t, rec).State)
}

func TestAdminStartsBookingForPatient(t *testing.T) {
	s := newServer(t)
	admin := token(t, appointment.RoleAdmin, uuid.Nil)

	rec := s.do(t, http.MethodPost, "/bookings", admin, StartBookingRequest{PatientID: s.patient.ID.String()})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, s.patient.ID, decode[SessionResponse](t, rec).PatientID)

	rec = s.do(t, http.MethodPost, "/bookings", admin, StartBookingRequest{PatientID: uuid.NewString()})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAppointments_ScopedToCaller(t *testing.T) {
	s := newServer(t)
	anaTok := token(t, appointment.RolePatient, s.patient.ID)
	benTok := token(t, appointment.RolePatient, s.other.ID)

	for _, start := range []string{"08:00", "08:30"} {
		sess := s.sessionAtSlot(t, anaTok, start)
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/bookings/"+sess.ID.String()+"/confirm", anaTok, confirmBody).Code)
	}

	// Ben cannot widen his view with a filter.
	rec := s.do(t, http.MethodGet, "/appointments?patient_id="+s.patient.ID.String(), benTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]AppointmentResponse](t, rec))

	rec = s.do(t, http.MethodGet, "/appointments?limit=1", token(t, appointment.RoleDoctor, s.doctor.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]AppointmentResponse](t, rec), 1)

	rec = s.do(t, http.MethodGet, "/appointments?status=archived", anaTok, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/bookings", nil)
		req.RemoteAddr = "10.0.0.1:4000"
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/bookings", nil)
	req.RemoteAddr = "10.0.0.2:4000"
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRateLimiter_SweepForgetsIdleCallers(t *testing.T) {
	now := time.Date(2024, time.March, 4, 9, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(0.1, 2)
	rl.now = func() time.Time { return now }
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	hit := func(addr string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/bookings", nil)
		req.RemoteAddr = addr
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	start := now
	require.Equal(t, http.StatusNoContent, hit("10.0.0.1:4000"))
	require.Equal(t, http.StatusNoContent, hit("10.0.0.2:4000"))
	require.Equal(t, http.StatusNoContent, hit("10.0.0.2:4000"))
	now = start.Add(12 * time.Second)
	require.Equal(t, http.StatusNoContent, hit("10.0.0.3:4000"))
	require.Equal(t, 3, rl.Len())

	// .1 has refilled, .2 has not, .3 was seen recently.
	now = start.Add(15 * time.Second)
	assert.Equal(t, 1, rl.Sweep(10*time.Second))
	assert.Equal(t, 2, rl.Len())

	// .2 kept its partly drained bucket.
	assert.Equal(t, http.StatusNoContent, hit("10.0.0.2:4000"))
	assert.Equal(t, http.StatusTooManyRequests, hit("10.0.0.2:4000"))
}

func TestRecoverMiddleware(t *testing.T) {
	h := RecoverMiddleware(zerolog.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
