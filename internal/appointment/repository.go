package appointment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carepoint/hospital/internal/payment"
	"github.com/carepoint/hospital/internal/shared/database"
	"github.com/carepoint/hospital/internal/shared/errors"
	"github.com/carepoint/hospital/internal/shared/types"
)

const constraintActiveSlot = "appointments_active_slot_key"

// ErrSlotBooked is returned when the slot already has an active booking
var ErrSlotBooked = errors.Validation("Time slot is already booked", nil)

// Repository handles appointment and schedule persistence
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new appointment repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// BookableDoctor loads an approved doctor whose account is active.
func (r *Repository) BookableDoctor(ctx context.Context, doctorID types.ID) (*Doctor, error) {
	var d Doctor
	err := r.pool.QueryRow(ctx, `
		SELECT d.user_id, u.name, d.consultation_fee
		FROM doctors d
		JOIN users u ON u.id = d.user_id
		WHERE d.user_id = $1 AND d.status = 'approved' AND u.status = 'active'`,
		doctorID,
	).Scan(&d.UserID, &d.Name, &d.ConsultationFee)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFound("Doctor", doctorID.String())
		}
		return nil, errors.Wrap(err, "failed to load doctor")
	}
	return &d, nil
}

// PatientExists reports whether userID has a patient profile
func (r *Repository) PatientExists(ctx context.Context, userID types.ID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM patients WHERE user_id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check patient")
	}
	return exists, nil
}

const selectSchedule = `
	SELECT id, doctor_id, day_of_week, to_char(start_time, 'HH24:MI'), to_char(end_time, 'HH24:MI'),
		slot_duration, break_time, is_available, created_at, updated_at
	FROM doctor_schedules`

const weekdayOrder = ` ORDER BY array_position(ARRAY['monday','tuesday','wednesday','thursday','friday','saturday','sunday'], day_of_week::text)`

func scanSchedule(row pgx.Row) (*Schedule, error) {
	var s Schedule
	err := row.Scan(&s.ID, &s.DoctorID, &s.DayOfWeek, &s.StartTime, &s.EndTime,
		&s.SlotDuration, &s.BreakTime, &s.IsAvailable, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// AvailableSchedule returns the doctor's available schedule for a weekday,
// or nil when the doctor does not work that day.
func (r *Repository) AvailableSchedule(ctx context.Context, doctorID types.ID, day string) (*Schedule, error) {
	s, err := scanSchedule(r.pool.QueryRow(ctx,
		selectSchedule+` WHERE doctor_id = $1 AND day_of_week = $2 AND is_available = TRUE`,
		doctorID, day,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to load schedule")
	}
	return s, nil
}

// Schedules lists a doctor's schedule rows from Monday to Sunday
func (r *Repository) Schedules(ctx context.Context, doctorID types.ID, availableOnly bool) ([]*Schedule, error) {
	query := selectSchedule + ` WHERE doctor_id = $1`
	if availableOnly {
		query += ` AND is_available = TRUE`
	}

	rows, err := r.pool.Query(ctx, query+weekdayOrder, doctorID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedules")
	}
	defer rows.Close()

	schedules := []*Schedule{}
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule")
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// ReplaceSchedules swaps all of a doctor's schedule rows for days
func (r *Repository) ReplaceSchedules(ctx context.Context, doctorID types.ID, days []*Schedule) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM doctor_schedules WHERE doctor_id = $1`, doctorID); err != nil {
		return errors.Wrap(err, "failed to clear schedule")
	}

	for _, s := range days {
		_, err := tx.Exec(ctx, `
			INSERT INTO doctor_schedules (id, doctor_id, day_of_week, start_time, end_time, slot_duration, break_time, is_available)
			VALUES ($1, $2, $3, $4::time, $5::time, $6, $7, $8)`,
			s.ID, doctorID, s.DayOfWeek, s.StartTime.String(), s.EndTime.String(), s.SlotDuration, s.BreakTime, s.IsAvailable,
		)
		if err != nil {
			return scheduleWriteError(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit schedule")
	}
	return nil
}

// UpsertSchedule sets the hours of one day, creating it with default
// durations when missing.
func (r *Repository) UpsertSchedule(ctx context.Context, s *Schedule) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO doctor_schedules (id, doctor_id, day_of_week, start_time, end_time, slot_duration, break_time, is_available)
		VALUES ($1, $2, $3, $4::time, $5::time, $6, $7, TRUE)
		ON CONFLICT (doctor_id, day_of_week)
		DO UPDATE SET start_time = EXCLUDED.start_time, end_time = EXCLUDED.end_time, updated_at = NOW()`,
		s.ID, s.DoctorID, s.DayOfWeek, s.StartTime.String(), s.EndTime.String(), s.SlotDuration, s.BreakTime,
	)
	if err != nil {
		return scheduleWriteError(err)
	}
	return nil
}

// DeleteSchedule removes one day from a doctor's schedule
func (r *Repository) DeleteSchedule(ctx context.Context, doctorID types.ID, day string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM doctor_schedules WHERE doctor_id = $1 AND day_of_week = $2`, doctorID, day)
	if err != nil {
		return errors.Wrap(err, "failed to delete schedule")
	}
	return nil
}

func scheduleWriteError(err error) error {
	if errors.IsForeignKeyViolation(err) {
		return errors.Validation("Doctor profile not found", nil)
	}
	if errors.IsUniqueViolation(err) {
		return errors.Validation("Each day may appear only once in a schedule", nil)
	}
	return errors.Wrap(err, "failed to save schedule")
}

// BookedTimes returns the start times of active bookings on a date
func (r *Repository) BookedTimes(ctx context.Context, doctorID types.ID, date types.Date) ([]types.Clock, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT to_char(appointment_time, 'HH24:MI')
		FROM appointments
		WHERE doctor_id = $1 AND appointment_date = $2::date AND status IN ('pending', 'confirmed')`,
		doctorID, date.String(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load booked times")
	}
	defer rows.Close()

	var booked []types.Clock
	for rows.Next() {
		var c types.Clock
		if err := rows.Scan(&c); err != nil {
			return nil, errors.Wrap(err, "failed to scan booked time")
		}
		booked = append(booked, c)
	}
	return booked, rows.Err()
}

// SlotTaken reports whether the slot already has an active booking
func (r *Repository) SlotTaken(ctx context.Context, doctorID types.ID, date types.Date, clock types.Clock) (bool, error) {
	var taken bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM appointments
			WHERE doctor_id = $1 AND appointment_date = $2::date AND appointment_time = $3::time
				AND status IN ('pending', 'confirmed'))`,
		doctorID, date.String(), clock.String(),
	).Scan(&taken)
	if err != nil {
		return false, errors.Wrap(err, "failed to check slot")
	}
	return taken, nil
}

// Book inserts the appointment and its pending payment in one transaction.
// Losing a race for the slot surfaces as ErrSlotBooked.
func (r *Repository) Book(ctx context.Context, a *Appointment, p *payment.Payment) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, appointment_date, appointment_time, status, reason, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4::date, $5::time, $6, $7, $8, $9, $10)`,
		a.ID, a.PatientID, a.DoctorID, a.AppointmentDate.String(), a.AppointmentTime.String(),
		a.Status, a.Reason, a.Notes, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if errors.IsUniqueViolation(err, constraintActiveSlot) {
			return ErrSlotBooked
		}
		return errors.Wrap(err, "failed to create appointment")
	}

	if err := payment.Insert(ctx, tx, p); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit appointment")
	}
	return nil
}

const selectAppointment = `
	SELECT a.id, a.patient_id, a.doctor_id,
		to_char(a.appointment_date, 'YYYY-MM-DD'), to_char(a.appointment_time, 'HH24:MI'),
		a.status, a.reason, a.notes, a.created_at, a.updated_at,
		du.name, du.email, pu.name, pu.email,
		COALESCE(d.specialty, ''), COALESCE(d.consultation_fee, 0),
		p.amount, p.status, p.transaction_id, p.payment_method
	FROM appointments a
	JOIN users du ON du.id = a.doctor_id
	JOIN users pu ON pu.id = a.patient_id
	LEFT JOIN doctors d ON d.user_id = a.doctor_id
	LEFT JOIN payments p ON p.appointment_id = a.id`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID, &a.PatientID, &a.DoctorID,
		&a.AppointmentDate, &a.AppointmentTime,
		&a.Status, &a.Reason, &a.Notes, &a.CreatedAt, &a.UpdatedAt,
		&a.DoctorName, &a.DoctorEmail, &a.PatientName, &a.PatientEmail,
		&a.Specialty, &a.ConsultationFee,
		&a.PaymentAmount, &a.PaymentStatus, &a.TransactionID, &a.PaymentMethod,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Get retrieves an appointment by ID
func (r *Repository) Get(ctx context.Context, id types.ID) (*Appointment, error) {
	a, err := scanAppointment(r.pool.QueryRow(ctx, selectAppointment+` WHERE a.id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFound("Appointment", id.String())
		}
		return nil, errors.Wrap(err, "failed to get appointment")
	}
	return a, nil
}

// List lists appointments with filters, latest slot first
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]*Appointment, int, error) {
	var conditions []string
	var args []interface{}
	argNum := 1

	if filter.DoctorID != nil {
		conditions = append(conditions, fmt.Sprintf("a.doctor_id = $%d", argNum))
		args = append(args, *filter.DoctorID)
		argNum++
	}

	if filter.PatientID != nil {
		conditions = append(conditions, fmt.Sprintf("a.patient_id = $%d", argNum))
		args = append(args, *filter.PatientID)
		argNum++
	}

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("a.status = $%d", argNum))
		args = append(args, filter.Status)
		argNum++
	}

	if filter.Date != "" {
		conditions = append(conditions, fmt.Sprintf("a.appointment_date = $%d::date", argNum))
		args = append(args, filter.Date)
		argNum++
	}

	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf(`(du.name ILIKE $%[1]d ESCAPE '\' OR pu.name ILIKE $%[1]d ESCAPE '\' OR a.reason ILIKE $%[1]d ESCAPE '\')`, argNum))
		args = append(args, database.Contains(filter.Search))
		argNum++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := `
		SELECT COUNT(*)
		FROM appointments a
		JOIN users du ON du.id = a.doctor_id
		JOIN users pu ON pu.id = a.patient_id` + whereClause
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count appointments")
	}

	query := fmt.Sprintf("%s%s ORDER BY a.appointment_date DESC, a.appointment_time DESC LIMIT $%d OFFSET $%d",
		selectAppointment, whereClause, argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list appointments")
	}
	defer rows.Close()

	appointments := []*Appointment{}
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan appointment")
		}
		appointments = append(appointments, a)
	}

	return appointments, total, rows.Err()
}

// UpdateDetails rewrites reason and notes of a pending appointment
func (r *Repository) UpdateDetails(ctx context.Context, id types.ID, reason, notes string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE appointments SET reason = $2, notes = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		id, reason, notes,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update appointment")
	}
	if result.RowsAffected() == 0 {
		return errors.Validation("Only pending appointments can be updated", nil)
	}
	return nil
}

// UpdateStatus moves an appointment from one of from to to. The row is only
// touched if its status is still one of from.
func (r *Repository) UpdateStatus(ctx context.Context, id types.ID, from []Status, to Status) error {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	result, err := r.pool.Exec(ctx, `
		UPDATE appointments SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3::text[])`,
		id, to, allowed,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update appointment status")
	}
	if result.RowsAffected() == 0 {
		return errors.Conflict("Appointment status has changed")
	}
	return nil
}

// ExpireStale cancels pending appointments dated before cutoff and fails
// their pending payments, all in one transaction.
func (r *Repository) ExpireStale(ctx context.Context, cutoff types.Date, note string) ([]Notice, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE appointments
		SET status = 'cancelled', notes = CASE WHEN notes = '' THEN $2 ELSE notes || E'\n' || $2 END, updated_at = NOW()
		WHERE status = 'pending' AND appointment_date < $1::date
		RETURNING id, patient_id, to_char(appointment_date, 'YYYY-MM-DD'), to_char(appointment_time, 'HH24:MI')`,
		cutoff.String(), note,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to expire appointments")
	}
	expired, err := collectNotices(rows)
	if err != nil {
		return nil, err
	}

	ids := make([]types.ID, len(expired))
	for i, n := range expired {
		ids[i] = n.ID
	}
	if _, err := payment.FailPendingForAppointments(ctx, tx, ids, note); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to commit expiry")
	}
	return expired, nil
}

// DueReminders lists confirmed appointments on date that have not been
// reminded yet.
func (r *Repository) DueReminders(ctx context.Context, date types.Date) ([]Notice, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, patient_id, to_char(appointment_date, 'YYYY-MM-DD'), to_char(appointment_time, 'HH24:MI')
		FROM appointments
		WHERE status = 'confirmed' AND appointment_date = $1::date AND reminder_sent_at IS NULL
		ORDER BY appointment_time`,
		date.String(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load reminders")
	}
	return collectNotices(rows)
}

// MarkReminded stamps reminder_sent_at on the given appointments
func (r *Repository) MarkReminded(ctx context.Context, ids []types.ID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}
	_, err := r.pool.Exec(ctx, `UPDATE appointments SET reminder_sent_at = $2 WHERE id = ANY($1::uuid[])`, raw, at)
	if err != nil {
		return errors.Wrap(err, "failed to mark reminders")
	}
	return nil
}

func collectNotices(rows pgx.Rows) ([]Notice, error) {
	defer rows.Close()
	var notices []Notice
	for rows.Next() {
		var n Notice
		if err := rows.Scan(&n.ID, &n.PatientID, &n.AppointmentDate, &n.AppointmentTime); err != nil {
			return nil, errors.Wrap(err, "failed to scan appointment")
		}
		notices = append(notices, n)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read appointments")
	}
	return notices, nil
}
