// Package admin serves the administrator back office: doctor approval,
// user and certificate management, manager accounts and the dashboard.
package admin

import (
	"time"

	"github.com/carepoint/hospital/internal/audit"
	"github.com/carepoint/hospital/internal/shared/auth"
	"github.com/carepoint/hospital/internal/shared/types"
)

// Doctor review states
const (
	DoctorPending  = "pending"
	DoctorApproved = "approved"
	DoctorRejected = "rejected"
)

// Certificate review states
const (
	CertificatePending  = "pending"
	CertificateVerified = "verified"
	CertificateRejected = "rejected"
)

// DefaultRejectionReason is recorded when an admin rejects a doctor without a reason
const DefaultRejectionReason = "Rejected by admin"

// Dashboard windows
const (
	RecentActivityDays  = 7
	RecentActivityLimit = 10
)

// PendingDoctor is a doctor registration awaiting review
type PendingDoctor struct {
	UserID           types.ID  `json:"user_id"`
	Name             string    `json:"name"`
	Email            string    `json:"email"`
	Phone            string    `json:"phone"`
	Specialty        string    `json:"specialty"`
	LicenseNumber    string    `json:"license_number"`
	ExperienceYears  int       `json:"experience_years"`
	ConsultationFee  float64   `json:"consultation_fee"`
	Bio              string    `json:"bio"`
	PhotoPath        *string   `json:"photo_path"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	UserCreatedAt    time.Time `json:"user_created_at"`
	CertificateCount int       `json:"certificate_count"`
}

// UserSummary is a user row joined with the headline fields of its profile
type UserSummary struct {
	ID            types.ID  `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	Phone         string    `json:"phone"`
	Role          auth.Role `json:"role"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Specialty     *string   `json:"specialty"`
	LicenseNumber *string   `json:"license_number"`
	DoctorStatus  *string   `json:"doctor_status"`
	DateOfBirth   *string   `json:"date_of_birth"`
	Gender        *string   `json:"gender"`
	Nationality   *string   `json:"nationality"`
	Department    *string   `json:"department"`
	Position      *string   `json:"position"`
	EmployeeID    *string   `json:"employee_id"`
}

// Certificate is an uploaded doctor certificate with its review state
type Certificate struct {
	ID               types.ID   `json:"id"`
	DoctorID         types.ID   `json:"doctor_id"`
	CertificateName  string     `json:"certificate_name"`
	IssuingAuthority string     `json:"issuing_authority"`
	IssueDate        string     `json:"issue_date"`
	ExpiryDate       *string    `json:"expiry_date"`
	FilePath         string     `json:"file_path"`
	FileName         string     `json:"file_name"`
	FileSize         int64      `json:"file_size"`
	FileType         string     `json:"file_type"`
	Status           string     `json:"status"`
	VerifiedBy       *types.ID  `json:"verified_by"`
	VerifiedAt       *time.Time `json:"verified_at"`
	RejectedBy       *types.ID  `json:"rejected_by"`
	RejectedAt       *time.Time `json:"rejected_at"`
	RejectionReason  *string    `json:"rejection_reason"`
	CreatedAt        time.Time  `json:"created_at"`
	DoctorName       string     `json:"doctor_name"`
	DoctorEmail      string     `json:"doctor_email"`
	Specialty        string     `json:"specialty"`
}

// RoleCount is the number of active users holding a role
type RoleCount struct {
	Role  auth.Role `json:"role"`
	Count int       `json:"count"`
}

// Stats is the admin dashboard summary
type Stats struct {
	UsersByRole         []RoleCount           `json:"users_by_role"`
	PendingDoctors      int                   `json:"pending_doctors"`
	PendingCertificates int                   `json:"pending_certificates"`
	TodayAppointments   int                   `json:"today_appointments"`
	PendingPayments     int                   `json:"pending_payments"`
	RecentActivity      []audit.ActivityCount `json:"recent_activity"`
}

// UserFilter filters the user listing
type UserFilter struct {
	Role   string
	Status string
	Search string
	Limit  int
	Offset int
}

// CertificateFilter filters the certificate listing
type CertificateFilter struct {
	Status string
	Limit  int
	Offset int
}

// CreateUserRequest is the body of create-user. The manager fields are
// read when role is manager.
type CreateUserRequest struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Password   string `json:"password"`
	Role       string `json:"role"`
	Status     string `json:"status"`
	Department string `json:"department"`
	Position   string `json:"position"`
	EmployeeID string `json:"employee_id"`
	HireDate   string `json:"hire_date"`
}

// CreateManagerRequest is the body of create-manager
type CreateManagerRequest struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Password   string `json:"password"`
	Department string `json:"department"`
	Position   string `json:"position"`
	EmployeeID string `json:"employee_id"`
	HireDate   string `json:"hire_date"`
}

// UpdateManagerRequest is the body of update-manager
type UpdateManagerRequest struct {
	Name       *string `json:"name"`
	Phone      *string `json:"phone"`
	Department *string `json:"department"`
	Position   *string `json:"position"`
	EmployeeID *string `json:"employee_id"`
}

// StatusRequest is the body of update-user-status
type StatusRequest struct {
	Status string `json:"status"`
}

// ReasonRequest carries an optional rejection reason
type ReasonRequest struct {
	Reason string `json:"reason"`
}
