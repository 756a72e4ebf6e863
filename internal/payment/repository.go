package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carepoint/hospital/internal/shared/database"
	"github.com/carepoint/hospital/internal/shared/errors"
	"github.com/carepoint/hospital/internal/shared/types"
)

// Constraint names from the schema
const (
	constraintAppointment = "payments_appointment_id_key"
	constraintTransaction = "payments_transaction_id_key"
)

// Repository handles payment persistence
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new payment repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// insertAttempts bounds transaction id regeneration in Insert
const insertAttempts = 4

// Insert writes p through q, which may be a transaction. A colliding
// transaction id is skipped by ON CONFLICT and regenerated, so a collision
// never aborts an enclosing transaction. A second payment for the same
// appointment is reported as a validation error.
func Insert(ctx context.Context, q database.Querier, p *Payment) error {
	for attempt := 0; attempt < insertAttempts; attempt++ {
		if attempt > 0 {
			p.TransactionID = NewTransactionID(p.PaymentDate)
		}
		tag, err := q.Exec(ctx, `
			INSERT INTO payments (id, appointment_id, patient_id, amount, payment_method, status, transaction_id, payment_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT ON CONSTRAINT `+constraintTransaction+` DO NOTHING`,
			p.ID, p.AppointmentID, p.PatientID, p.Amount, p.PaymentMethod, p.Status, p.TransactionID, p.PaymentDate,
		)
		if err != nil {
			if errors.IsUniqueViolation(err, constraintAppointment) {
				return errors.Validation("Payment already exists for this appointment", nil)
			}
			return errors.Wrap(err, "failed to create payment")
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
	}
	return errors.Internal(fmt.Errorf("failed to allocate a transaction id after %d attempts", insertAttempts))
}

// Create inserts a payment outside any transaction
func (r *Repository) Create(ctx context.Context, p *Payment) error {
	return Insert(ctx, r.pool, p)
}

// Billable loads the appointment a patient wants to pay for.
func (r *Repository) Billable(ctx context.Context, appointmentID, patientID types.ID) (*Billable, error) {
	var b Billable
	err := r.pool.QueryRow(ctx, `
		SELECT a.id, a.patient_id, d.consultation_fee
		FROM appointments a
		JOIN doctors d ON d.user_id = a.doctor_id
		WHERE a.id = $1 AND a.patient_id = $2`,
		appointmentID, patientID,
	).Scan(&b.AppointmentID, &b.PatientID, &b.ConsultationFee)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFound("Appointment", appointmentID.String())
		}
		return nil, errors.Wrap(err, "failed to load appointment")
	}
	return &b, nil
}

// ExistsForAppointment reports whether the appointment already has a payment
func (r *Repository) ExistsForAppointment(ctx context.Context, appointmentID types.ID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM payments WHERE appointment_id = $1)`, appointmentID).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check payment")
	}
	return exists, nil
}

const selectPayment = `
	SELECT p.id, p.appointment_id, p.patient_id, p.amount, p.payment_method, p.status,
		p.transaction_id, p.payment_date, p.verified_by, p.verified_at, p.notes,
		u.name, u.email,
		to_char(a.appointment_date, 'YYYY-MM-DD'), to_char(a.appointment_time, 'HH24:MI'),
		du.name, COALESCE(d.specialty, '')
	FROM payments p
	JOIN users u ON u.id = p.patient_id
	JOIN appointments a ON a.id = p.appointment_id
	JOIN users du ON du.id = a.doctor_id
	LEFT JOIN doctors d ON d.user_id = a.doctor_id`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID, &p.AppointmentID, &p.PatientID, &p.Amount, &p.PaymentMethod, &p.Status,
		&p.TransactionID, &p.PaymentDate, &p.VerifiedBy, &p.VerifiedAt, &p.Notes,
		&p.PatientName, &p.PatientEmail,
		&p.AppointmentDate, &p.AppointmentTime,
		&p.DoctorName, &p.DoctorSpecialty,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Get retrieves a payment by ID
func (r *Repository) Get(ctx context.Context, id types.ID) (*Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx, selectPayment+` WHERE p.id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFound("Payment", id.String())
		}
		return nil, errors.Wrap(err, "failed to get payment")
	}
	return p, nil
}

// List lists payments with filters, newest first
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]*Payment, int, error) {
	var conditions []string
	var args []interface{}
	argNum := 1

	if filter.PatientID != nil {
		conditions = append(conditions, fmt.Sprintf("p.patient_id = $%d", argNum))
		args = append(args, *filter.PatientID)
		argNum++
	}

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("p.status = $%d", argNum))
		args = append(args, filter.Status)
		argNum++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM payments p"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count payments")
	}

	query := fmt.Sprintf("%s%s ORDER BY p.payment_date DESC LIMIT $%d OFFSET $%d", selectPayment, whereClause, argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list payments")
	}
	defer rows.Close()

	payments := []*Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan payment")
		}
		payments = append(payments, p)
	}

	return payments, total, rows.Err()
}

// Review moves a pending payment to status, stamping the reviewer. A payment
// that is no longer pending is left untouched.
func (r *Repository) Review(ctx context.Context, id types.ID, status Status, reviewer types.ID, notes string, at time.Time) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE payments
		SET status = $2, verified_by = $3, verified_at = $4,
			notes = CASE WHEN $5::text = '' THEN notes ELSE $5::text END
		WHERE id = $1 AND status = 'pending'`,
		id, status, reviewer, at, notes,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update payment")
	}
	if result.RowsAffected() == 0 {
		return errors.Conflict("Payment is no longer pending")
	}
	return nil
}

// FailPendingForAppointments marks the pending payments of the given
// appointments as failed. Used when stale bookings expire.
func FailPendingForAppointments(ctx context.Context, q database.Querier, appointmentIDs []types.ID, note string) (int64, error) {
	if len(appointmentIDs) == 0 {
		return 0, nil
	}
	ids := make([]string, len(appointmentIDs))
	for i, id := range appointmentIDs {
		ids[i] = id.String()
	}
	result, err := q.Exec(ctx, `
		UPDATE payments SET status = 'failed', notes = $2
		WHERE appointment_id = ANY($1::uuid[]) AND status = 'pending'`,
		ids, note,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to fail pending payments")
	}
	return result.RowsAffected(), nil
}
