package account

import (
	"encoding/json"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/carepoint/hospital/internal/files"
	"github.com/carepoint/hospital/internal/shared/auth"
	"github.com/carepoint/hospital/internal/shared/errors"
	"github.com/carepoint/hospital/internal/shared/httpx"
	"github.com/carepoint/hospital/internal/shared/types"
)

// Account statuses
const (
	StatusActive    = "active"
	StatusInactive  = "inactive"
	StatusSuspended = "suspended"
)

// Patient nationalities
const (
	NationalityLocal         = "local"
	NationalityInternational = "international"
)

// MinPasswordLength is the shortest password accepted
const MinPasswordLength = 6

var phonePattern = regexp.MustCompile(`^[+]?[0-9\s\-()]{10,}$`)

// User is an account of any role
type User struct {
	ID           types.ID  `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone"`
	Role         auth.Role `json:"role"`
	Status       string    `json:"status"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DoctorProfile holds the doctor-only columns
type DoctorProfile struct {
	Specialty       string  `json:"specialty"`
	LicenseNumber   string  `json:"license_number"`
	ExperienceYears int     `json:"experience_years"`
	ConsultationFee float64 `json:"consultation_fee"`
	Bio             string  `json:"bio"`
	Status          string  `json:"doctor_status"`
	PhotoPath       *string `json:"photo_path,omitempty"`
	PhotoFilename   *string `json:"photo_filename,omitempty"`
	PhotoSize       *int64  `json:"photo_size,omitempty"`
	PhotoType       *string `json:"photo_type,omitempty"`
}

// PatientProfile holds the patient-only columns
type PatientProfile struct {
	DateOfBirth      *types.Date `json:"date_of_birth"`
	Gender           string      `json:"gender"`
	Address          string      `json:"address"`
	EmergencyContact string      `json:"emergency_contact"`
	MedicalHistory   string      `json:"medical_history"`
	Nationality      string      `json:"nationality"`
	PassportNumber   string      `json:"passport_number"`
	PassportExpiry   *types.Date `json:"passport_expiry"`
	PassportPath     *string     `json:"passport_path,omitempty"`
	PassportFilename *string     `json:"passport_filename,omitempty"`
	PhotoPath        *string     `json:"photo_path,omitempty"`
	PhotoFilename    *string     `json:"photo_filename,omitempty"`
}

// ManagerProfile holds the manager-only columns
type ManagerProfile struct {
	Department string     `json:"department"`
	Position   string     `json:"position"`
	EmployeeID string     `json:"employee_id"`
	HireDate   types.Date `json:"hire_date"`
}

// Profile is a user with the profile of its role
type Profile struct {
	User
	Doctor  *DoctorProfile  `json:"doctor,omitempty"`
	Patient *PatientProfile `json:"patient,omitempty"`
	Manager *ManagerProfile `json:"manager,omitempty"`
}

// Certificate is a credential uploaded with a doctor registration
type Certificate struct {
	ID               types.ID
	Name             string
	IssuingAuthority string
	IssueDate        types.Date
	ExpiryDate       *types.Date
	File             *files.StoredFile
}

// Registration is everything written by one register call
type Registration struct {
	User         *User
	Doctor       *DoctorProfile
	Patient      *PatientProfile
	Certificates []*Certificate
}

// RegisterRequest is the body of register. Numeric fields accept JSON
// numbers or numeric strings so multipart forms decode the same way.
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Phone    string `json:"phone"`
	Role     string `json:"role"`

	Specialty       string      `json:"specialty"`
	LicenseNumber   string      `json:"license_number"`
	ExperienceYears json.Number `json:"experience_years"`
	ConsultationFee json.Number `json:"consultation_fee"`
	Bio             string      `json:"bio"`

	DateOfBirth      string `json:"date_of_birth"`
	Gender           string `json:"gender"`
	Address          string `json:"address"`
	EmergencyContact string `json:"emergency_contact"`
	Nationality      string `json:"nationality"`
	PassportNumber   string `json:"passport_number"`
	PassportExpiry   string `json:"passport_expiry"`

	CertificateNames       []string `json:"certificate_names"`
	CertificateAuthorities []string `json:"certificate_authorities"`
	CertificateIssueDates  []string `json:"certificate_issue_dates"`
	CertificateExpiryDates []string `json:"certificate_expiry_dates"`
}

// LoginRequest is the body of login
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ChangePasswordRequest is the body of change-password
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ProfileUpdate is the body of update-profile. Only fields present are
// written.
type ProfileUpdate struct {
	Name             *string      `json:"name"`
	Phone            *string      `json:"phone"`
	Specialty        *string      `json:"specialty"`
	Bio              *string      `json:"bio"`
	ConsultationFee  *json.Number `json:"consultation_fee"`
	Address          *string      `json:"address"`
	EmergencyContact *string      `json:"emergency_contact"`
	MedicalHistory   *string      `json:"medical_history"`
	Department       *string      `json:"department"`
	Position         *string      `json:"position"`
	EmployeeID       *string      `json:"employee_id"`

	fee   *float64
	photo *files.StoredFile
}

// ValidateIdentity checks the fields every account needs and returns the
// parsed role. Used by register and the admin user endpoints.
func ValidateIdentity(name, email, password, phone, role string) (auth.Role, error) {
	if err := httpx.RequireFields(map[string]string{
		"name":     name,
		"email":    email,
		"password": password,
		"phone":    phone,
		"role":     role,
	}); err != nil {
		return "", err
	}
	if !ValidEmail(email) {
		return "", errors.Validation("Invalid email format", map[string]string{"email": "invalid"})
	}
	if len(password) < MinPasswordLength {
		return "", errors.Validation("Password must be at least 6 characters long", map[string]string{"password": "too short"})
	}
	if !phonePattern.MatchString(strings.TrimSpace(phone)) {
		return "", errors.Validation("Invalid phone number format", map[string]string{"phone": "invalid"})
	}
	r, ok := auth.ParseRole(role)
	if !ok {
		return "", errors.Validation("Invalid role", map[string]string{"role": "expected admin, doctor, patient or manager"})
	}
	return r, nil
}

// ErrStaffRegistration is returned when register is called with a staff role
var ErrStaffRegistration = errors.Forbidden("Only patient and doctor accounts can be registered")

// SelfRegistrable reports whether role may be chosen on public registration.
// Admin and manager accounts are created by an administrator.
func SelfRegistrable(role auth.Role) bool {
	return role == auth.RolePatient || role == auth.RoleDoctor
}

// ValidEmail reports whether s is a bare email address
func ValidEmail(s string) bool {
	s = strings.TrimSpace(s)
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

// ValidPhone reports whether s looks like a phone number
func ValidPhone(s string) bool {
	return phonePattern.MatchString(strings.TrimSpace(s))
}

// NormalizeEmail trims and lowercases an email for storage and lookup
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// optionalDate parses s when set.
func optionalDate(field, s string) (*types.Date, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	d, err := types.ParseDate(s)
	if err != nil {
		return nil, errors.Validation("Invalid "+field, map[string]string{field: "expected YYYY-MM-DD"})
	}
	return &d, nil
}
