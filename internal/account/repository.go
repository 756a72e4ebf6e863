package account

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carepoint/hospital/internal/shared/auth"
	"github.com/carepoint/hospital/internal/shared/database"
	"github.com/carepoint/hospital/internal/shared/errors"
	"github.com/carepoint/hospital/internal/shared/types"
)

// Constraint names from the schema
const (
	constraintEmail   = "users_email_key"
	constraintLicense = "doctors_license_number_key"
)

var (
	// ErrEmailTaken is returned when an email is already registered
	ErrEmailTaken = errors.Validation("Email already registered", map[string]string{"email": "taken"})
	// ErrLicenseTaken is returned when a license number is already registered
	ErrLicenseTaken = errors.Validation("License number already exists", map[string]string{"license_number": "taken"})
)

// Repository handles account persistence
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new account repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertUser writes u through q, which may be a transaction
func InsertUser(ctx context.Context, q database.Querier, u *User) error {
	_, err := q.Exec(ctx, `
		INSERT INTO users (id, name, email, phone, password_hash, role, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		u.ID, u.Name, u.Email, u.Phone, u.PasswordHash, u.Role, u.Status, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if errors.IsUniqueViolation(err, constraintEmail) {
			return ErrEmailTaken
		}
		return errors.Wrap(err, "failed to create user")
	}
	return nil
}

// InsertDoctor writes the doctor profile of userID through q
func InsertDoctor(ctx context.Context, q database.Querier, userID types.ID, d *DoctorProfile) error {
	_, err := q.Exec(ctx, `
		INSERT INTO doctors (user_id, specialty, license_number, experience_years, consultation_fee, bio,
			photo_path, photo_filename, photo_size, photo_type, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		userID, d.Specialty, d.LicenseNumber, d.ExperienceYears, d.ConsultationFee, d.Bio,
		d.PhotoPath, d.PhotoFilename, d.PhotoSize, d.PhotoType, d.Status,
	)
	if err != nil {
		if errors.IsUniqueViolation(err, constraintLicense) {
			return ErrLicenseTaken
		}
		return errors.Wrap(err, "failed to create doctor profile")
	}
	return nil
}

// InsertPatient writes the patient profile of userID through q
func InsertPatient(ctx context.Context, q database.Querier, userID types.ID, p *PatientProfile) error {
	_, err := q.Exec(ctx, `
		INSERT INTO patients (user_id, date_of_birth, gender, address, emergency_contact, medical_history,
			nationality, passport_number, passport_expiry, passport_path, passport_filename, photo_path, photo_filename)
		VALUES ($1, $2::date, $3, $4, $5, $6, $7, $8, $9::date, $10, $11, $12, $13)`,
		userID, dateArg(p.DateOfBirth), p.Gender, p.Address, p.EmergencyContact, p.MedicalHistory,
		p.Nationality, p.PassportNumber, dateArg(p.PassportExpiry), p.PassportPath, p.PassportFilename,
		p.PhotoPath, p.PhotoFilename,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create patient profile")
	}
	return nil
}

// InsertManager writes the manager profile of userID through q
func InsertManager(ctx context.Context, q database.Querier, userID types.ID, m *ManagerProfile) error {
	_, err := q.Exec(ctx, `
		INSERT INTO managers (user_id, department, position, employee_id, hire_date)
		VALUES ($1, $2, $3, $4, $5::date)`,
		userID, m.Department, m.Position, m.EmployeeID, m.HireDate.String(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create manager profile")
	}
	return nil
}

// InsertCertificate writes a pending certificate of doctorID through q
func InsertCertificate(ctx context.Context, q database.Querier, doctorID types.ID, c *Certificate) error {
	_, err := q.Exec(ctx, `
		INSERT INTO certificates (id, doctor_id, certificate_name, issuing_authority, issue_date, expiry_date,
			file_path, file_name, file_size, file_type)
		VALUES ($1, $2, $3, $4, $5::date, $6::date, $7, $8, $9, $10)`,
		c.ID, doctorID, c.Name, c.IssuingAuthority, c.IssueDate.String(), dateArg(c.ExpiryDate),
		c.File.Path, c.File.OriginalName, c.File.Size, c.File.ContentType,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create certificate")
	}
	return nil
}

func dateArg(d *types.Date) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func dateValue(s *string) *types.Date {
	if s == nil {
		return nil
	}
	d := types.Date(*s)
	return &d
}

// Register writes the user, its role profile and certificates in one
// transaction.
func (r *Repository) Register(ctx context.Context, reg *Registration) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := InsertUser(ctx, tx, reg.User); err != nil {
		return err
	}

	switch {
	case reg.Doctor != nil:
		if err := InsertDoctor(ctx, tx, reg.User.ID, reg.Doctor); err != nil {
			return err
		}
		for _, c := range reg.Certificates {
			if err := InsertCertificate(ctx, tx, reg.User.ID, c); err != nil {
				return err
			}
		}
	case reg.Patient != nil:
		if err := InsertPatient(ctx, tx, reg.User.ID, reg.Patient); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit registration")
	}
	return nil
}

// EmailExists reports whether email is registered
func (r *Repository) EmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE email = $1)`, email).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check email")
	}
	return exists, nil
}

// LicenseExists reports whether a doctor already holds license
func (r *Repository) LicenseExists(ctx context.Context, license string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM doctors WHERE license_number = $1)`, license).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check license number")
	}
	return exists, nil
}

const selectUser = `
	SELECT id, name, email, phone, role, status, password_hash, created_at, updated_at
	FROM users`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.Role, &u.Status, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ActiveByEmail loads an active user for login
func (r *Repository) ActiveByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, selectUser+` WHERE email = $1 AND status = 'active'`, email))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFound("User", email)
		}
		return nil, errors.Wrap(err, "failed to load user")
	}
	return u, nil
}

// GetUser loads a user by id
func (r *Repository) GetUser(ctx context.Context, id types.ID) (*User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, selectUser+` WHERE id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFound("User", id.String())
		}
		return nil, errors.Wrap(err, "failed to load user")
	}
	return u, nil
}

// Profile loads a user with the profile of its role
func (r *Repository) Profile(ctx context.Context, id types.ID) (*Profile, error) {
	u, err := r.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	p := &Profile{User: *u}

	switch u.Role {
	case auth.RoleDoctor:
		var d DoctorProfile
		err = r.pool.QueryRow(ctx, `
			SELECT specialty, license_number, experience_years, consultation_fee::float8, bio, status,
				photo_path, photo_filename, photo_size, photo_type
			FROM doctors WHERE user_id = $1`, id,
		).Scan(&d.Specialty, &d.LicenseNumber, &d.ExperienceYears, &d.ConsultationFee, &d.Bio, &d.Status,
			&d.PhotoPath, &d.PhotoFilename, &d.PhotoSize, &d.PhotoType)
		p.Doctor = &d
	case auth.RolePatient:
		var pp PatientProfile
		var dob, expiry *string
		err = r.pool.QueryRow(ctx, `
			SELECT to_char(date_of_birth, 'YYYY-MM-DD'), gender, address, emergency_contact, medical_history,
				nationality, passport_number, to_char(passport_expiry, 'YYYY-MM-DD'),
				passport_path, passport_filename, photo_path, photo_filename
			FROM patients WHERE user_id = $1`, id,
		).Scan(&dob, &pp.Gender, &pp.Address, &pp.EmergencyContact, &pp.MedicalHistory,
			&pp.Nationality, &pp.PassportNumber, &expiry,
			&pp.PassportPath, &pp.PassportFilename, &pp.PhotoPath, &pp.PhotoFilename)
		pp.DateOfBirth, pp.PassportExpiry = dateValue(dob), dateValue(expiry)
		p.Patient = &pp
	case auth.RoleManager:
		var m ManagerProfile
		err = r.pool.QueryRow(ctx, `
			SELECT department, position, employee_id, to_char(hire_date, 'YYYY-MM-DD')
			FROM managers WHERE user_id = $1`, id,
		).Scan(&m.Department, &m.Position, &m.EmployeeID, &m.HireDate)
		p.Manager = &m
	}

	// an account whose profile row is missing still has a profile
	if err != nil && err != pgx.ErrNoRows {
		return nil, errors.Wrap(err, "failed to load profile")
	}
	if err == pgx.ErrNoRows {
		p.Doctor, p.Patient, p.Manager = nil, nil, nil
	}
	return p, nil
}

// setClause accumulates "column = $n" assignments.
type setClause struct {
	sets []string
	args []any
}

func (s *setClause) add(column string, value any) {
	s.args = append(s.args, value)
	s.sets = append(s.sets, fmt.Sprintf("%s = $%d", column, len(s.args)))
}

func (s *setClause) exec(ctx context.Context, q database.Querier, table, keyColumn string, key types.ID, at time.Time) error {
	if len(s.sets) == 0 {
		return nil
	}
	s.add("updated_at", at)
	s.args = append(s.args, key)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d", table, strings.Join(s.sets, ", "), keyColumn, len(s.args))
	if _, err := q.Exec(ctx, query, s.args...); err != nil {
		return errors.Wrap(err, "failed to update "+table)
	}
	return nil
}

// UpdateProfile writes the fields present in upd for a user of role
func (r *Repository) UpdateProfile(ctx context.Context, id types.ID, role auth.Role, upd *ProfileUpdate, at time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	var user setClause
	if upd.Name != nil {
		user.add("name", strings.TrimSpace(*upd.Name))
	}
	if upd.Phone != nil {
		user.add("phone", strings.TrimSpace(*upd.Phone))
	}
	if err := user.exec(ctx, tx, "users", "id", id, at); err != nil {
		return err
	}

	var profile setClause
	table := ""
	switch role {
	case auth.RoleDoctor:
		table = "doctors"
		if upd.Specialty != nil {
			profile.add("specialty", *upd.Specialty)
		}
		if upd.Bio != nil {
			profile.add("bio", *upd.Bio)
		}
		if upd.fee != nil {
			profile.add("consultation_fee", *upd.fee)
		}
		if upd.photo != nil {
			profile.add("photo_path", upd.photo.Path)
			profile.add("photo_filename", upd.photo.OriginalName)
			profile.add("photo_size", upd.photo.Size)
			profile.add("photo_type", upd.photo.ContentType)
		}
	case auth.RolePatient:
		table = "patients"
		if upd.Address != nil {
			profile.add("address", *upd.Address)
		}
		if upd.EmergencyContact != nil {
			profile.add("emergency_contact", *upd.EmergencyContact)
		}
		if upd.MedicalHistory != nil {
			profile.add("medical_history", *upd.MedicalHistory)
		}
		if upd.photo != nil {
			profile.add("photo_path", upd.photo.Path)
			profile.add("photo_filename", upd.photo.OriginalName)
		}
	case auth.RoleManager:
		table = "managers"
		if upd.Department != nil {
			profile.add("department", *upd.Department)
		}
		if upd.Position != nil {
			profile.add("position", *upd.Position)
		}
		if upd.EmployeeID != nil {
			profile.add("employee_id", *upd.EmployeeID)
		}
	}
	if table != "" {
		if err := profile.exec(ctx, tx, table, "user_id", id, at); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit profile update")
	}
	return nil
}

// UpdatePassword stores a new password hash
func (r *Repository) UpdatePassword(ctx context.Context, id types.ID, hash string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET password_hash = $1, updated_at = $2 WHERE id = $3`, hash, at, id)
	if err != nil {
		return errors.Wrap(err, "failed to update password")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("User", id.String())
	}
	return nil
}
