package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"

	openSlotConstraint = "appointments_open_slot_uidx"
	attemptConstraint  = "appointments_attempt_id_key"
)

const appointmentColumns = `id, attempt_id, doctor_id, patient_id, scheduled_at, duration_minutes,
	status, type, reason, notes, created_at, updated_at, confirmed_at, cancelled_at,
	cancelled_reason, completed_at, rating, feedback`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type PgRepository struct {
	pool *pgxpool.Pool
	loc  *time.Location
}

// NewPgRepository returns a store whose calendar days are interpreted in loc.
func NewPgRepository(pool *pgxpool.Pool, loc *time.Location) *PgRepository {
	if loc == nil {
		loc = time.UTC
	}
	return &PgRepository{pool: pool, loc: loc}
}

// Helpers

// classify marks driver-level failures (network, timeout) as transient and
// leaves server-side errors as they are.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &TransientError{Op: op, Err: err}
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	var price string

	err := row.Scan(
		&d.ID,
		&d.Name,
		&d.Specialty,
		&price,
		&d.SlotMinutes,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}

	d.ConsultationPrice, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("parse consultation price %q: %w", price, err)
	}
	return &d, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Email,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var rating *int16

	err := row.Scan(
		&a.ID,
		&a.AttemptID,
		&a.DoctorID,
		&a.PatientID,
		&a.ScheduledAt,
		&a.DurationMinutes,
		&a.Status,
		&a.Type,
		&a.Reason,
		&a.Notes,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.ConfirmedAt,
		&a.CancelledAt,
		&a.CancelledReason,
		&a.CompletedAt,
		&rating,
		&a.Feedback,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if rating != nil {
		r := int(*rating)
		a.Rating = &r
	}
	return &a, nil
}

func (r *PgRepository) dayBounds(date Date) (time.Time, time.Time) {
	start := date.At(0, r.loc)
	return start, date.AddDays(1).At(0, r.loc)
}

// Interface methods

const doctorColumns = `id, name, specialty, consultation_price::text, slot_minutes, created_at, updated_at`

func (r *PgRepository) ListDoctors(ctx context.Context) ([]Doctor, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+doctorColumns+` FROM doctors ORDER BY name`)
	if err != nil {
		return nil, classify("list doctors", err)
	}
	defer rows.Close()

	var result []Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list doctors", err)
	}
	return result, nil
}

func (r *PgRepository) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+doctorColumns+` FROM doctors WHERE id = $1`, id)
	d, err := scanDoctor(row)
	if err != nil && !errors.Is(err, ErrDoctorNotFound) {
		return nil, classify("get doctor", err)
	}
	return d, err
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	p, err := scanPatient(row)
	if err != nil && !errors.Is(err, ErrPatientNotFound) {
		return nil, classify("get patient", err)
	}
	return p, err
}

func (r *PgRepository) BookedSlots(ctx context.Context, doctorID uuid.UUID, date Date) ([]TimeSlot, error) {
	from, to := r.dayBounds(date)

	rows, err := r.pool.Query(ctx, `
		SELECT scheduled_at, duration_minutes
		FROM appointments
		WHERE doctor_id = $1
		  AND status IN ('pending', 'confirmed')
		  AND scheduled_at >= $2
		  AND scheduled_at < $3
		ORDER BY scheduled_at
	`, doctorID, from, to)
	if err != nil {
		return nil, classify("booked slots", err)
	}
	defer rows.Close()

	var result []TimeSlot
	for rows.Next() {
		var at time.Time
		var minutes int
		if err := rows.Scan(&at, &minutes); err != nil {
			return nil, err
		}
		result = append(result, SlotAt(doctorID, at, minutes, r.loc))
	}
	if err := rows.Err(); err != nil {
		return nil, classify("booked slots", err)
	}
	return result, nil
}

func (r *PgRepository) ProviderAvailability(ctx context.Context, doctorID uuid.UUID, date Date) ([]TimeSlot, error) {
	var slotMinutes int
	var dayOff bool
	err := r.pool.QueryRow(ctx, `
		SELECT d.slot_minutes,
		       EXISTS (SELECT 1 FROM doctor_time_off t WHERE t.doctor_id = d.id AND t.day = $2)
		FROM doctors d
		WHERE d.id = $1
	`, doctorID, date.String()).Scan(&slotMinutes, &dayOff)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, classify("provider availability", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT weekday, start_minute, end_minute
		FROM doctor_working_hours
		WHERE doctor_id = $1
		ORDER BY weekday, start_minute
	`, doctorID)
	if err != nil {
		return nil, classify("provider availability", err)
	}
	defer rows.Close()

	var (
		hasSchedule bool
		windows     []Window
	)
	for rows.Next() {
		var weekday, start, end int
		if err := rows.Scan(&weekday, &start, &end); err != nil {
			return nil, err
		}
		hasSchedule = true
		if time.Weekday(weekday) == date.Weekday() {
			windows = append(windows, Window{Start: ClockTime(start), End: ClockTime(end)})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classify("provider availability", err)
	}

	if !hasSchedule {
		return nil, ErrNoProviderSchedule
	}
	if dayOff {
		return []TimeSlot{}, nil
	}
	return SlotsInWindows(doctorID, date, windows, slotMinutes), nil
}

func (r *PgRepository) CreateAppointment(ctx context.Context, in NewAppointment) (*Appointment, error) {
	id := uuid.New()

	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, attempt_id, doctor_id, patient_id, scheduled_at, duration_minutes,
		                          status, type, reason, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $9, now(), now())
		RETURNING `+appointmentColumns, id, in.AttemptID, in.DoctorID, in.PatientID, in.ScheduledAt,
		in.DurationMinutes, in.Type, in.Reason, in.Notes)

	appt, err := scanAppointment(row)
	if err == nil {
		return appt, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == attemptConstraint:
			return r.GetAppointmentByAttempt(ctx, in.AttemptID)
		case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == openSlotConstraint:
			return nil, &ConflictError{
				Slot:   SlotAt(in.DoctorID, in.ScheduledAt, in.DurationMinutes, r.loc),
				Reason: ErrSlotAlreadyBooked,
			}
		case pgErr.Code == pgForeignKeyViolation:
			ve := &ValidationError{}
			ve.Add(foreignKeyField(pgErr.ConstraintName), "does not exist")
			return nil, ve
		case pgErr.Code == pgCheckViolation:
			ve := &ValidationError{}
			ve.Add(pgErr.ConstraintName, pgErr.Message)
			return nil, ve
		}
	}
	return nil, classify("create appointment", err)
}

func foreignKeyField(constraint string) string {
	switch constraint {
	case "appointments_doctor_id_fkey":
		return "doctor_id"
	case "appointments_patient_id_fkey":
		return "patient_id"
	}
	return constraint
}

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	a, err := scanAppointment(row)
	if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
		return nil, classify("get appointment", err)
	}
	return a, err
}

func (r *PgRepository) GetAppointmentByAttempt(ctx context.Context, attemptID uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE attempt_id = $1`, attemptID)
	a, err := scanAppointment(row)
	if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
		return nil, classify("get appointment by attempt", err)
	}
	return a, err
}

func (r *PgRepository) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	q := psql.Select(appointmentColumns).From("appointments").OrderBy("scheduled_at DESC", "id")
	if f.PatientID != nil {
		q = q.Where(sq.Eq{"patient_id": *f.PatientID})
	}
	if f.DoctorID != nil {
		q = q.Where(sq.Eq{"doctor_id": *f.DoctorID})
	}
	if f.Status != nil {
		q = q.Where(sq.Eq{"status": *f.Status})
	}
	if f.From != nil {
		q = q.Where(sq.GtOrEq{"scheduled_at": *f.From})
	}
	if f.To != nil {
		q = q.Where(sq.Lt{"scheduled_at": *f.To})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("list appointments", err)
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list appointments", err)
	}
	return result, nil
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, change StatusChange) (*Appointment, error) {
	at := change.At
	if at.IsZero() {
		at = time.Now()
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = $4,
		    confirmed_at = CASE WHEN $2 = 'confirmed' THEN $4 ELSE confirmed_at END,
		    cancelled_at = CASE WHEN $2 = 'cancelled' THEN $4 ELSE cancelled_at END,
		    cancelled_reason = CASE WHEN $2 = 'cancelled' THEN $5 ELSE cancelled_reason END,
		    completed_at = CASE WHEN $2 = 'completed' THEN $4 ELSE completed_at END
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns, id, to, from, at, change.Reason)

	appt, err := scanAppointment(row)
	if err == nil {
		return appt, nil
	}
	if !errors.Is(err, ErrAppointmentNotFound) {
		return nil, classify("update appointment status", err)
	}

	// Either the row is gone or its status moved under us.
	if _, getErr := r.GetAppointment(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrStatusMismatch
}

func (r *PgRepository) SetRating(ctx context.Context, id uuid.UUID, rating int, feedback *string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET rating = $2,
		    feedback = $3,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'completed'
		RETURNING `+appointmentColumns, id, rating, feedback)

	appt, err := scanAppointment(row)
	if err == nil {
		return appt, nil
	}
	if !errors.Is(err, ErrAppointmentNotFound) {
		return nil, classify("rate appointment", err)
	}
	if _, getErr := r.GetAppointment(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrStatusMismatch
}

func (r *PgRepository) FindDoubleBookings(ctx context.Context) ([]DoubleBooking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT doctor_id, scheduled_at, array_agg(id ORDER BY created_at)
		FROM appointments
		WHERE status IN ('pending', 'confirmed')
		GROUP BY doctor_id, scheduled_at
		HAVING count(*) > 1
	`)
	if err != nil {
		return nil, classify("find double bookings", err)
	}
	defer rows.Close()

	var result []DoubleBooking
	for rows.Next() {
		var db DoubleBooking
		if err := rows.Scan(&db.DoctorID, &db.ScheduledAt, &db.AppointmentIDs); err != nil {
			return nil, err
		}
		result = append(result, db)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("find double bookings", err)
	}
	return result, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
