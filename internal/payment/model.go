package payment

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/carepoint/hospital/internal/shared/types"
)

// Status represents a payment's review state
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// MethodOnline is the method recorded for payments created with a booking.
const MethodOnline = "online"

// Payment is the single payment owed for an appointment
type Payment struct {
	ID            types.ID   `json:"id"`
	AppointmentID types.ID   `json:"appointment_id"`
	PatientID     types.ID   `json:"patient_id"`
	Amount        float64    `json:"amount"`
	PaymentMethod string     `json:"payment_method"`
	Status        Status     `json:"status"`
	TransactionID string     `json:"transaction_id"`
	PaymentDate   time.Time  `json:"payment_date"`
	VerifiedBy    *types.ID  `json:"verified_by,omitempty"`
	VerifiedAt    *time.Time `json:"verified_at,omitempty"`
	Notes         string     `json:"notes"`

	// Joined for listings
	PatientName     string      `json:"patient_name,omitempty"`
	PatientEmail    string      `json:"patient_email,omitempty"`
	AppointmentDate types.Date  `json:"appointment_date,omitempty"`
	AppointmentTime types.Clock `json:"appointment_time,omitempty"`
	DoctorName      string      `json:"doctor_name,omitempty"`
	DoctorSpecialty string      `json:"doctor_specialty,omitempty"`
}

// New creates a pending payment for an appointment.
func New(appointmentID, patientID types.ID, amount float64, method string, now time.Time) *Payment {
	if method == "" {
		method = MethodOnline
	}
	return &Payment{
		ID:            types.NewID(),
		AppointmentID: appointmentID,
		PatientID:     patientID,
		Amount:        amount,
		PaymentMethod: method,
		Status:        StatusPending,
		TransactionID: NewTransactionID(now),
		PaymentDate:   now,
	}
}

// NewTransactionID returns TXN followed by the date as YYYYMMDD and six
// random digits.
func NewTransactionID(now time.Time) string {
	return fmt.Sprintf("TXN%s%06d", now.Format("20060102"), 100000+rand.Intn(900000))
}

// Billable is the appointment data a payment is created from.
type Billable struct {
	AppointmentID   types.ID
	PatientID       types.ID
	ConsultationFee float64
}

// ListFilter defines filters for listing payments
type ListFilter struct {
	PatientID *types.ID
	Status    string
	Limit     int
	Offset    int
}

// CreateRequest is the body of create-payment
type CreateRequest struct {
	AppointmentID string `json:"appointment_id"`
	PaymentMethod string `json:"payment_method"`
}

// ReviewRequest is the optional body of verify-payment and reject-payment
type ReviewRequest struct {
	Notes string `json:"notes"`
}
