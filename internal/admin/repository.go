package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carepoint/hospital/internal/account"
	"github.com/carepoint/hospital/internal/shared/auth"
	"github.com/carepoint/hospital/internal/shared/database"
	"github.com/carepoint/hospital/internal/shared/errors"
	"github.com/carepoint/hospital/internal/shared/types"
)

// Repository handles the admin queries
type Repository struct {
	pool     *pgxpool.Pool
	accounts *account.Repository
}

// NewRepository creates a new admin repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, accounts: account.NewRepository(pool)}
}

// PendingDoctors lists doctors awaiting review, oldest first
func (r *Repository) PendingDoctors(ctx context.Context) ([]*PendingDoctor, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT d.user_id, u.name, u.email, u.phone, d.specialty, d.license_number,
			d.experience_years, d.consultation_fee::float8, d.bio, d.photo_path, d.status,
			d.created_at, u.created_at,
			(SELECT COUNT(*) FROM certificates c WHERE c.doctor_id = d.user_id)
		FROM doctors d
		JOIN users u ON u.id = d.user_id
		WHERE d.status = 'pending'
		ORDER BY d.created_at ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending doctors")
	}
	defer rows.Close()

	doctors := []*PendingDoctor{}
	for rows.Next() {
		var d PendingDoctor
		if err := rows.Scan(&d.UserID, &d.Name, &d.Email, &d.Phone, &d.Specialty, &d.LicenseNumber,
			&d.ExperienceYears, &d.ConsultationFee, &d.Bio, &d.PhotoPath, &d.Status,
			&d.CreatedAt, &d.UserCreatedAt, &d.CertificateCount); err != nil {
			return nil, errors.Wrap(err, "failed to scan pending doctor")
		}
		doctors = append(doctors, &d)
	}
	return doctors, rows.Err()
}

// lockPendingDoctor checks inside tx that doctorID exists and is pending.
func lockPendingDoctor(ctx context.Context, tx pgx.Tx, doctorID types.ID, verb string) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM doctors WHERE user_id = $1 FOR UPDATE`, doctorID).Scan(&status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return errors.NotFound("Doctor", doctorID.String())
		}
		return errors.Wrap(err, "failed to load doctor")
	}
	if status != DoctorPending {
		return errors.Validation("Only pending doctors can be "+verb, map[string]string{"status": status})
	}
	return nil
}

// ApproveDoctor approves a pending doctor and verifies its pending certificates
func (r *Repository) ApproveDoctor(ctx context.Context, doctorID, adminID types.ID, at time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := lockPendingDoctor(ctx, tx, doctorID, "approved"); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE doctors SET status = 'approved', approved_by = $1, approved_at = $2, updated_at = $2
		WHERE user_id = $3`, adminID, at, doctorID); err != nil {
		return errors.Wrap(err, "failed to approve doctor")
	}

	if _, err := tx.Exec(ctx, `
		UPDATE certificates SET status = 'verified', verified_by = $1, verified_at = $2
		WHERE doctor_id = $3 AND status = 'pending'`, adminID, at, doctorID); err != nil {
		return errors.Wrap(err, "failed to verify certificates")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit doctor approval")
	}
	return nil
}

// RejectDoctor rejects a pending doctor and deactivates its account
func (r *Repository) RejectDoctor(ctx context.Context, doctorID, adminID types.ID, reason string, at time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := lockPendingDoctor(ctx, tx, doctorID, "rejected"); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE doctors SET status = 'rejected', rejected_by = $1, rejected_at = $2, rejection_reason = $3, updated_at = $2
		WHERE user_id = $4`, adminID, at, reason, doctorID); err != nil {
		return errors.Wrap(err, "failed to reject doctor")
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET status = 'inactive', updated_at = $1 WHERE id = $2`, at, doctorID); err != nil {
		return errors.Wrap(err, "failed to deactivate doctor account")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit doctor rejection")
	}
	return nil
}

// Users lists users joined with their profile columns, newest first
func (r *Repository) Users(ctx context.Context, filter UserFilter) ([]*UserSummary, int, error) {
	var conditions []string
	var args []any
	argNum := 1

	if filter.Role != "" {
		conditions = append(conditions, fmt.Sprintf("u.role = $%d", argNum))
		args = append(args, filter.Role)
		argNum++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("u.status = $%d", argNum))
		args = append(args, filter.Status)
		argNum++
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf(`(u.name ILIKE $%[1]d ESCAPE '\' OR u.email ILIKE $%[1]d ESCAPE '\' OR u.phone ILIKE $%[1]d ESCAPE '\')`, argNum))
		args = append(args, database.Contains(filter.Search))
		argNum++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM users u "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count users")
	}

	query := fmt.Sprintf(`
		SELECT u.id, u.name, u.email, u.phone, u.role, u.status, u.created_at, u.updated_at,
			d.specialty, d.license_number, d.status,
			to_char(p.date_of_birth, 'YYYY-MM-DD'), p.gender, p.nationality,
			m.department, m.position, m.employee_id
		FROM users u
		LEFT JOIN doctors d ON d.user_id = u.id
		LEFT JOIN patients p ON p.user_id = u.id
		LEFT JOIN managers m ON m.user_id = u.id
		%s
		ORDER BY u.created_at DESC
		LIMIT $%d OFFSET $%d`, whereClause, argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list users")
	}
	defer rows.Close()

	users := []*UserSummary{}
	for rows.Next() {
		var u UserSummary
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.Role, &u.Status, &u.CreatedAt, &u.UpdatedAt,
			&u.Specialty, &u.LicenseNumber, &u.DoctorStatus,
			&u.DateOfBirth, &u.Gender, &u.Nationality,
			&u.Department, &u.Position, &u.EmployeeID); err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan user")
		}
		users = append(users, &u)
	}
	return users, total, rows.Err()
}

// EmailExists reports whether email is registered
func (r *Repository) EmailExists(ctx context.Context, email string) (bool, error) {
	return r.accounts.EmailExists(ctx, email)
}

// CreateUser writes u with the profile of its role in one transaction.
// Doctors are not accepted here.
func (r *Repository) CreateUser(ctx context.Context, u *account.User, patient *account.PatientProfile, manager *account.ManagerProfile) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := account.InsertUser(ctx, tx, u); err != nil {
		return err
	}
	switch u.Role {
	case auth.RolePatient:
		if err := account.InsertPatient(ctx, tx, u.ID, patient); err != nil {
			return err
		}
	case auth.RoleManager:
		if err := account.InsertManager(ctx, tx, u.ID, manager); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit user")
	}
	return nil
}

// UpdateUserStatus sets the account status of a user
func (r *Repository) UpdateUserStatus(ctx context.Context, id types.ID, status string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET status = $1, updated_at = $2 WHERE id = $3`, status, at, id)
	if err != nil {
		return errors.Wrap(err, "failed to update user status")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("User", id.String())
	}
	return nil
}

// DeleteUser hard deletes a user. Profiles, schedules, bookings and
// certificates cascade.
func (r *Repository) DeleteUser(ctx context.Context, id types.ID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		if errors.IsForeignKeyViolation(err) {
			return errors.Validation("User is referenced by other records and cannot be deleted", nil)
		}
		return errors.Wrap(err, "failed to delete user")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("User", id.String())
	}
	return nil
}

// IsManager reports whether id belongs to a manager account
func (r *Repository) IsManager(ctx context.Context, id types.ID) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM managers m JOIN users u ON u.id = m.user_id WHERE m.user_id = $1 AND u.role = 'manager')`,
		id).Scan(&ok)
	if err != nil {
		return false, errors.Wrap(err, "failed to check manager")
	}
	return ok, nil
}

// UpdateManager writes the fields present in upd for a manager
func (r *Repository) UpdateManager(ctx context.Context, id types.ID, upd *account.ProfileUpdate, at time.Time) error {
	return r.accounts.UpdateProfile(ctx, id, auth.RoleManager, upd, at)
}

const selectCertificate = `
	SELECT c.id, c.doctor_id, c.certificate_name, c.issuing_authority,
		to_char(c.issue_date, 'YYYY-MM-DD'), to_char(c.expiry_date, 'YYYY-MM-DD'),
		c.file_path, c.file_name, c.file_size, c.file_type, c.status,
		c.verified_by, c.verified_at, c.rejected_by, c.rejected_at, c.rejection_reason, c.created_at,
		u.name, u.email, d.specialty
	FROM certificates c
	JOIN doctors d ON d.user_id = c.doctor_id
	JOIN users u ON u.id = c.doctor_id`

func scanCertificate(row pgx.Row) (*Certificate, error) {
	var c Certificate
	err := row.Scan(&c.ID, &c.DoctorID, &c.CertificateName, &c.IssuingAuthority,
		&c.IssueDate, &c.ExpiryDate,
		&c.FilePath, &c.FileName, &c.FileSize, &c.FileType, &c.Status,
		&c.VerifiedBy, &c.VerifiedAt, &c.RejectedBy, &c.RejectedAt, &c.RejectionReason, &c.CreatedAt,
		&c.DoctorName, &c.DoctorEmail, &c.Specialty)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Certificates lists certificates with their doctor, newest first
func (r *Repository) Certificates(ctx context.Context, filter CertificateFilter) ([]*Certificate, int, error) {
	whereClause := ""
	var args []any
	argNum := 1
	if filter.Status != "" {
		whereClause = fmt.Sprintf("WHERE c.status = $%d", argNum)
		args = append(args, filter.Status)
		argNum++
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM certificates c "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count certificates")
	}

	query := fmt.Sprintf("%s %s ORDER BY c.created_at DESC LIMIT $%d OFFSET $%d", selectCertificate, whereClause, argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list certificates")
	}
	defer rows.Close()

	certificates := []*Certificate{}
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan certificate")
		}
		certificates = append(certificates, c)
	}
	return certificates, total, rows.Err()
}

// Certificate loads one certificate
func (r *Repository) Certificate(ctx context.Context, id types.ID) (*Certificate, error) {
	c, err := scanCertificate(r.pool.QueryRow(ctx, selectCertificate+` WHERE c.id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFound("Certificate", id.String())
		}
		return nil, errors.Wrap(err, "failed to load certificate")
	}
	return c, nil
}

// VerifyCertificate marks a pending certificate verified. It reports false
// without writing when the certificate is already verified.
func (r *Repository) VerifyCertificate(ctx context.Context, id, adminID types.ID, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE certificates SET status = 'verified', verified_by = $1, verified_at = $2
		WHERE id = $3 AND status = 'pending'`, adminID, at, id)
	if err != nil {
		return false, errors.Wrap(err, "failed to verify certificate")
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, r.certificateGate(ctx, id, "verified", true)
}

// RejectCertificate marks a pending certificate rejected with reason
func (r *Repository) RejectCertificate(ctx context.Context, id, adminID types.ID, reason string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE certificates SET status = 'rejected', rejected_by = $1, rejected_at = $2, rejection_reason = $3
		WHERE id = $4 AND status = 'pending'`, adminID, at, reason, id)
	if err != nil {
		return errors.Wrap(err, "failed to reject certificate")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return r.certificateGate(ctx, id, "rejected", false)
}

// certificateGate explains why a pending-only update matched no row.
// allowVerified accepts an already verified certificate.
func (r *Repository) certificateGate(ctx context.Context, id types.ID, verb string, allowVerified bool) error {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT status FROM certificates WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return errors.NotFound("Certificate", id.String())
		}
		return errors.Wrap(err, "failed to load certificate")
	}
	if allowVerified && status == CertificateVerified {
		return nil
	}
	return errors.Validation("Only pending certificates can be "+verb, map[string]string{"status": status})
}

// Stats computes the dashboard counts for the day today. RecentActivity is
// left for the caller.
func (r *Repository) Stats(ctx context.Context, today types.Date) (*Stats, error) {
	stats := &Stats{UsersByRole: []RoleCount{}}

	rows, err := r.pool.Query(ctx, `
		SELECT role, COUNT(*) FROM users WHERE status = 'active' GROUP BY role ORDER BY role`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count users")
	}
	for rows.Next() {
		var rc RoleCount
		if err := rows.Scan(&rc.Role, &rc.Count); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan role count")
		}
		stats.UsersByRole = append(stats.UsersByRole, rc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to count users")
	}

	err = r.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM doctors WHERE status = 'pending'),
			(SELECT COUNT(*) FROM certificates WHERE status = 'pending'),
			(SELECT COUNT(*) FROM appointments WHERE appointment_date = $1::date),
			(SELECT COUNT(*) FROM payments WHERE status = 'pending')`,
		today.String(),
	).Scan(&stats.PendingDoctors, &stats.PendingCertificates, &stats.TodayAppointments, &stats.PendingPayments)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load dashboard counts")
	}
	return stats, nil
}
