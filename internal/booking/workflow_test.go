package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/doctor-appointment-booking/internal/appointment"
	"github.com/hackgods/doctor-appointment-booking/internal/availability"
	redisclient "github.com/hackgods/doctor-appointment-booking/internal/redis"
)

var monday = appointment.Date{Year: 2024, Month: time.March, Day: 4}

type env struct {
	repo      *appointment.MemoryRepository
	committer *appointment.Committer
	resolver  *availability.Resolver
	doctor    appointment.Doctor
	patient   appointment.Patient
	rival     appointment.Patient
	outcomes  chan Outcome
}

func newEnv(t *testing.T) *env {
	t.Helper()
	repo := appointment.NewMemoryRepository(time.UTC)
	e := &env{
		repo:     repo,
		doctor:   appointment.Doctor{ID: uuid.New(), Name: "Dr. A", Specialty: "Dermatology", SlotMinutes: 30},
		patient:  appointment.Patient{ID: uuid.New(), Name: "Ana"},
		rival:    appointment.Patient{ID: uuid.New(), Name: "Ben"},
		outcomes: make(chan Outcome, 32),
	}
	repo.AddDoctor(e.doctor)
	repo.AddPatient(e.patient)
	repo.AddPatient(e.rival)
	e.committer = appointment.NewCommitter(repo, nil, time.UTC, zerolog.Nop(), nil)
	e.resolver = availability.NewResolver(availability.NewCatalog(repo), availability.NewBookedIndex(repo))
	return e
}

func (e *env) deps() Deps {
	return Deps{
		Doctors:   e.repo,
		Resolver:  e.resolver,
		Committer: e.committer,
		Sink:      ChannelSink(e.outcomes),
		Log:       zerolog.Nop(),
	}
}

func (e *env) workflowAtSlot(t *testing.T, deps Deps, start appointment.ClockTime) *Workflow {
	t.Helper()
	ctx := context.Background()
	w := NewWorkflow(e.patient.ID, deps)
	require.NoError(t, w.SelectDoctor(ctx, e.doctor.ID))
	_, err := w.SelectDate(ctx, monday)
	require.NoError(t, err)
	_, err = w.SelectSlot(ctx, start)
	require.NoError(t, err)
	require.Equal(t, StateConfirming, w.State())
	return w
}

func (e *env) rivalBooks(t *testing.T, start appointment.ClockTime) {
	t.Helper()
	res := e.committer.Commit(context.Background(), appointment.BookingAttempt{
		AttemptID: uuid.New(),
		DoctorID:  e.doctor.ID,
		PatientID: e.rival.ID,
		Slot:      appointment.TimeSlot{DoctorID: e.doctor.ID, Date: monday, Start: start, DurationMinutes: 30},
		Type:      appointment.TypeInPerson,
		Reason:    "Rash",
	})
	require.Equal(t, appointment.CommitAccepted, res.Status)
}

var validDetails = Details{Type: appointment.TypeInPerson, Reason: "Annual check"}

type stubCommitter struct {
	results []appointment.CommitResult
	seen    []appointment.BookingAttempt
}

func (s *stubCommitter) Commit(_ context.Context, a appointment.BookingAttempt) appointment.CommitResult {
	s.seen = append(s.seen, a)
	r := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return r
}

func TestWorkflow_HappyPath(t *testing.T) {
	e := newEnv(t)
	w := e.workflowAtSlot(t, e.deps(), appointment.Clock(10, 0))

	out, err := w.Confirm(context.Background(), validDetails)

	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, out.Kind)
	require.NotNil(t, out.Appointment)
	assert.Equal(t, e.patient.ID, out.Appointment.PatientID)
	assert.Equal(t, StateCommitted, w.State())
	assert.True(t, w.State().Terminal())

	got := <-e.outcomes
	assert.Equal(t, OutcomeAccepted, got.Kind)
	assert.Equal(t, w.ID(), got.SessionID)
}

func TestWorkflow_UnknownDoctor(t *testing.T) {
	e := newEnv(t)
	w := NewWorkflow(e.patient.ID, e.deps())

	err := w.SelectDoctor(context.Background(), uuid.New())

	assert.ErrorIs(t, err, appointment.ErrDoctorNotFound)
	assert.Equal(t, StateSelectingDoctor, w.State())
}

func TestWorkflow_NoAvailabilityStaysOnDate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	w := NewWorkflow(e.patient.ID, e.deps())
	require.NoError(t, w.SelectDoctor(ctx, e.doctor.ID))

	snap, err := w.SelectDate(ctx, monday.AddDays(5))

	assert.ErrorIs(t, err, ErrNoAvailability)
	assert.True(t, snap.Empty())
	assert.Equal(t, StateSelectingDate, w.State())
	assert.Equal(t, OutcomeNoAvailability, (<-e.outcomes).Kind)

	_, err = w.SelectDate(ctx, monday)
	require.NoError(t, err)
	assert.Equal(t, StateSelectingSlot, w.State())
}

func TestWorkflow_StaleSlotChoiceRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	w := NewWorkflow(e.patient.ID, e.deps())
	require.NoError(t, w.SelectDoctor(ctx, e.doctor.ID))
	snap, err := w.SelectDate(ctx, monday)
	require.NoError(t, err)
	_, shown := snap.Find(appointment.Clock(10, 0))
	require.True(t, shown)

	e.rivalBooks(t, appointment.Clock(10, 0))
	_, err = w.SelectSlot(ctx, appointment.Clock(10, 0))

	assert.ErrorIs(t, err, ErrSlotJustTaken)
	assert.Equal(t, StateSelectingSlot, w.State())
	assert.Equal(t, OutcomeSlotJustTaken, (<-e.outcomes).Kind)
	for _, s := range w.View().Available {
		assert.NotEqual(t, appointment.Clock(10, 0), s.Start)
	}
}

func TestWorkflow_ConflictReturnsToSlotSelection(t *testing.T) {
	e := newEnv(t)
	w := e.workflowAtSlot(t, e.deps(), appointment.Clock(10, 0))
	e.rivalBooks(t, appointment.Clock(10, 0))

	out, err := w.Confirm(context.Background(), validDetails)

	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, out.Kind)
	assert.NotEqual(t, out.Kind.Message(), OutcomeValidationFailed.Message())
	assert.Equal(t, StateSelectingSlot, w.State())

	view := w.View()
	assert.Nil(t, view.Slot)
	assert.NotEmpty(t, view.Available)
	for _, s := range view.Available {
		assert.NotEqual(t, appointment.Clock(10, 0), s.Start)
	}

	snap, err := e.resolver.Available(context.Background(), e.doctor.ID, monday)
	require.NoError(t, err)
	_, stillOffered := snap.Find(appointment.Clock(10, 0))
	assert.False(t, stillOffered)

	// The patient picks another time and succeeds.
	_, err = w.SelectSlot(context.Background(), appointment.Clock(10, 30))
	require.NoError(t, err)
	out, err = w.Confirm(context.Background(), validDetails)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, out.Kind)
}

// heldLocker behaves as if another commit holds every slot lock.
type heldLocker struct{}

func (heldLocker) WithSlotLock(context.Context, uuid.UUID, time.Time, func(context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

func TestWorkflow_LockConflictHidesContestedSlot(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	deps := e.deps()
	deps.Committer = appointment.NewCommitter(e.repo, heldLocker{}, time.UTC, zerolog.Nop(), nil)
	w := e.workflowAtSlot(t, deps, appointment.Clock(10, 0))

	out, err := w.Confirm(ctx, validDetails)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, out.Kind)
	assert.Equal(t, StateSelectingSlot, w.State())

	// The lock holder has not written yet, so the store still lists 10:00.
	snap, err := e.resolver.Available(ctx, e.doctor.ID, monday)
	require.NoError(t, err)
	_, listed := snap.Find(appointment.Clock(10, 0))
	require.True(t, listed)

	view := w.View()
	assert.NotEmpty(t, view.Available)
	for _, s := range view.Available {
		assert.NotEqual(t, appointment.Clock(10, 0), s.Start)
	}

	_, err = w.SelectSlot(ctx, appointment.Clock(10, 0))
	assert.ErrorIs(t, err, ErrSlotJustTaken)
	assert.Equal(t, StateSelectingSlot, w.State())

	_, err = w.SelectSlot(ctx, appointment.Clock(10, 30))
	require.NoError(t, err)
	assert.Equal(t, StateConfirming, w.State())

	// Once another slot has been chosen the old one is offered again.
	require.NoError(t, w.Back())
	_, err = w.SelectSlot(ctx, appointment.Clock(10, 0))
	require.NoError(t, err)
}

func TestWorkflow_SinkMayReadSession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	deps := e.deps()

	var (
		w     *Workflow
		seen  []State
		lasts []OutcomeKind
	)
	deps.Sink = SinkFunc(func(o Outcome) {
		v := w.View()
		seen = append(seen, v.State)
		if v.LastOutcome != nil {
			lasts = append(lasts, v.LastOutcome.Kind)
		}
	})
	w = NewWorkflow(e.patient.ID, deps)
	require.NoError(t, w.SelectDoctor(ctx, e.doctor.ID))

	done := make(chan error, 1)
	go func() {
		_, err := w.SelectDate(ctx, monday.AddDays(5))
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNoAvailability)
	case <-time.After(2 * time.Second):
		t.Fatal("SelectDate did not return while the sink read the session")
	}
	assert.Equal(t, []State{StateSelectingDate}, seen)
	assert.Equal(t, []OutcomeKind{OutcomeNoAvailability}, lasts)
}

func TestWorkflow_InvalidDetailsStayConfirming(t *testing.T) {
	e := newEnv(t)
	w := e.workflowAtSlot(t, e.deps(), appointment.Clock(10, 0))

	_, err := w.Confirm(context.Background(), Details{Type: "video", Reason: ""})

	require.Error(t, err)
	assert.True(t, appointment.IsValidation(err))
	assert.Equal(t, StateConfirming, w.State())

	got := <-e.outcomes
	assert.Equal(t, OutcomeValidationFailed, got.Kind)
	assert.Contains(t, got.Fields, "reason")
	assert.Contains(t, got.Fields, "type")
}

func TestWorkflow_TransientFailureThenRetry(t *testing.T) {
	e := newEnv(t)
	stub := &stubCommitter{results: []appointment.CommitResult{
		{Status: appointment.CommitTransientFailure, Err: errors.New("i/o timeout")},
		{Status: appointment.CommitAccepted, Appointment: &appointment.Appointment{ID: uuid.New()}},
	}}
	deps := e.deps()
	deps.Committer = stub
	w := e.workflowAtSlot(t, deps, appointment.Clock(10, 0))

	out, err := w.Confirm(context.Background(), validDetails)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransientFailure, out.Kind)
	assert.True(t, out.Retryable)
	assert.Equal(t, StateFailed, w.State())
	assert.True(t, w.View().Retryable)

	out, err = w.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, out.Kind)
	assert.Equal(t, StateCommitted, w.State())

	require.Len(t, stub.seen, 2)
	assert.Equal(t, stub.seen[0].AttemptID, stub.seen[1].AttemptID)
}

func TestWorkflow_RejectedIsNotRetryable(t *testing.T) {
	e := newEnv(t)
	deps := e.deps()
	deps.Committer = &stubCommitter{results: []appointment.CommitResult{
		{Status: appointment.CommitRejected, Err: errors.New("permission denied")},
	}}
	w := e.workflowAtSlot(t, deps, appointment.Clock(10, 0))

	out, err := w.Confirm(context.Background(), validDetails)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.False(t, out.Retryable)

	_, err = w.Retry(context.Background())
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestWorkflow_BackAndAbandon(t *testing.T) {
	e := newEnv(t)
	w := e.workflowAtSlot(t, e.deps(), appointment.Clock(10, 0))

	require.NoError(t, w.Back())
	assert.Equal(t, StateSelectingSlot, w.State())
	require.NoError(t, w.Back())
	assert.Equal(t, StateSelectingDate, w.State())

	require.NoError(t, w.Abandon())
	assert.Equal(t, StateAbandoned, w.State())

	err := w.Abandon()
	assert.ErrorIs(t, err, ErrWrongState)
	err = w.Back()
	assert.ErrorIs(t, err, ErrWrongState)

	all, err := e.repo.ListAppointments(context.Background(), appointment.AppointmentFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestWorkflow_WrongStep(t *testing.T) {
	e := newEnv(t)
	w := NewWorkflow(e.patient.ID, e.deps())

	_, err := w.SelectDate(context.Background(), monday)
	var se *StateError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StateSelectingDoctor, se.State)

	_, err = w.Confirm(context.Background(), validDetails)
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestOutcomeMessages(t *testing.T) {
	seen := map[string]OutcomeKind{}
	for _, k := range AllOutcomeKinds {
		msg := k.Message()
		assert.NotEmpty(t, msg)
		prev, dup := seen[msg]
		assert.False(t, dup, "%s and %s share a message", k, prev)
		seen[msg] = k
	}
	assert.Panics(t, func() { _ = OutcomeKind("mystery").Message() })
}

func TestSinks(t *testing.T) {
	var got []OutcomeKind
	rec := NewRecorder(2)
	full := make(chan Outcome)
	sink := MultiSink{SinkFunc(func(o Outcome) { got = append(got, o.Kind) }), rec, ChannelSink(full), nil}

	sink.Emit(Outcome{Kind: OutcomeAccepted})
	sink.Emit(Outcome{Kind: OutcomeConflict})
	sink.Emit(Outcome{Kind: OutcomeAbandoned})

	assert.Equal(t, []OutcomeKind{OutcomeAccepted, OutcomeConflict, OutcomeAbandoned}, got)
	require.Len(t, rec.Outcomes(), 2)
	last, ok := rec.Last()
	require.True(t, ok)
	assert.Equal(t, OutcomeAbandoned, last.Kind)
}

func TestSessionsSweep(t *testing.T) {
	e := newEnv(t)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	deps := e.deps()
	deps.Now = func() time.Time { return now }
	sessions := NewSessions(deps, 30*time.Minute)

	old := sessions.Start(e.patient.ID)
	now = now.Add(20 * time.Minute)
	fresh := sessions.Start(e.rival.ID)
	now = now.Add(15 * time.Minute)

	assert.Equal(t, 1, sessions.Sweep())
	_, err := sessions.Get(old.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	got, err := sessions.Get(fresh.ID())
	require.NoError(t, err)
	assert.Equal(t, e.rival.ID, got.PatientID())
	assert.Equal(t, 1, sessions.Len())
}

// blockingCommitter holds every commit until release is closed.
type blockingCommitter struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingCommitter) Commit(context.Context, appointment.BookingAttempt) appointment.CommitResult {
	close(b.entered)
	<-b.release
	return appointment.CommitResult{Status: appointment.CommitAccepted, Appointment: &appointment.Appointment{ID: uuid.New()}}
}

func TestSessionsSweep_DoesNotWaitOnCommitInProgress(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	committer := &blockingCommitter{entered: make(chan struct{}), release: make(chan struct{})}
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(committer.release) }) }
	t.Cleanup(release)

	deps := e.deps()
	deps.Committer = committer
	sessions := NewSessions(deps, time.Hour)

	busy := sessions.Start(e.patient.ID)
	require.NoError(t, busy.SelectDoctor(ctx, e.doctor.ID))
	_, err := busy.SelectDate(ctx, monday)
	require.NoError(t, err)
	_, err = busy.SelectSlot(ctx, appointment.Clock(10, 0))
	require.NoError(t, err)
	idle := sessions.Start(e.rival.ID)

	confirmed := make(chan Outcome, 1)
	go func() {
		out, _ := busy.Confirm(ctx, validDetails)
		confirmed <- out
	}()
	<-committer.entered

	swept := make(chan int, 1)
	go func() { swept <- sessions.Sweep() }()
	select {
	case n := <-swept:
		assert.Zero(t, n)
	case <-time.After(2 * time.Second):
		t.Fatal("Sweep waited on a session that is committing")
	}

	got := make(chan *Workflow, 1)
	go func() {
		w, _ := sessions.Get(idle.ID())
		got <- w
	}()
	select {
	case w := <-got:
		assert.Same(t, idle, w)
	case <-time.After(2 * time.Second):
		t.Fatal("Get blocked behind a session that is committing")
	}

	release()
	assert.Equal(t, OutcomeAccepted, (<-confirmed).Kind)
	assert.Equal(t, StateCommitted, busy.State())
}
