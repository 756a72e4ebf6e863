package notification

import (
	"fmt"
	"time"

	"github.com/carepoint/hospital/internal/shared/types"
)

// Kind names what the notification is about
type Kind string

const (
	KindAppointmentConfirmed Kind = "appointment_confirmed"
	KindAppointmentRejected  Kind = "appointment_rejected"
	KindAppointmentCancelled Kind = "appointment_cancelled"
	KindAppointmentCompleted Kind = "appointment_completed"
	KindAppointmentExpired   Kind = "appointment_expired"
	KindAppointmentReminder  Kind = "appointment_reminder"
	KindPaymentVerified      Kind = "payment_verified"
	KindPaymentRejected      Kind = "payment_rejected"
	KindDoctorApproved       Kind = "doctor_approved"
	KindDoctorRejected       Kind = "doctor_rejected"
	KindPrescriptionIssued   Kind = "prescription_issued"
)

// Status represents notification delivery status
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Notification is a message to one user
type Notification struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	Status      Status         `json:"status"`
	RecipientID types.ID       `json:"recipient_id"`
	Subject     string         `json:"subject"`
	Body        string         `json:"body"`
	Data        map[string]any `json:"data,omitempty"`

	RetryCount   int        `json:"retry_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
}

// Stats represents delivery statistics
type Stats struct {
	TotalSent   int64          `json:"total_sent"`
	TotalFailed int64          `json:"total_failed"`
	ByKind      map[Kind]int64 `json:"by_kind"`
}

var appointmentSubjects = map[Kind]string{
	KindAppointmentConfirmed: "Appointment confirmed",
	KindAppointmentRejected:  "Appointment rejected",
	KindAppointmentCancelled: "Appointment cancelled",
	KindAppointmentCompleted: "Appointment completed",
	KindAppointmentExpired:   "Appointment request expired",
	KindAppointmentReminder:  "Appointment reminder",
}

// AppointmentUpdate builds the patient notification for an appointment event.
func AppointmentUpdate(kind Kind, patientID, appointmentID types.ID, date types.Date, clock types.Clock) *Notification {
	subject := appointmentSubjects[kind]
	if subject == "" {
		subject = "Appointment update"
	}
	return &Notification{
		Kind:        kind,
		RecipientID: patientID,
		Subject:     subject,
		Body:        fmt.Sprintf("%s for %s at %s.", subject, date, clock),
		Data: map[string]any{
			"appointment_id":   appointmentID,
			"appointment_date": date,
			"appointment_time": clock,
		},
	}
}

// PaymentUpdate builds the patient notification for a reviewed payment.
func PaymentUpdate(kind Kind, patientID, paymentID types.ID, transactionID string) *Notification {
	subject := "Payment verified"
	if kind == KindPaymentRejected {
		subject = "Payment rejected"
	}
	return &Notification{
		Kind:        kind,
		RecipientID: patientID,
		Subject:     subject,
		Body:        fmt.Sprintf("%s: transaction %s.", subject, transactionID),
		Data:        map[string]any{"payment_id": paymentID, "transaction_id": transactionID},
	}
}

// DoctorReview builds the notification sent to a doctor after admin review.
func DoctorReview(kind Kind, doctorID types.ID, reason string) *Notification {
	n := &Notification{
		Kind:        kind,
		RecipientID: doctorID,
		Subject:     "Registration approved",
		Body:        "Your doctor registration has been approved.",
	}
	if kind == KindDoctorRejected {
		n.Subject = "Registration rejected"
		n.Body = "Your doctor registration has been rejected: " + reason
	}
	return n
}

// PrescriptionIssued builds the patient notification for a new prescription.
func PrescriptionIssued(patientID, prescriptionID types.ID, number string) *Notification {
	return &Notification{
		Kind:        KindPrescriptionIssued,
		RecipientID: patientID,
		Subject:     "New prescription",
		Body:        fmt.Sprintf("Prescription %s has been issued.", number),
		Data:        map[string]any{"prescription_id": prescriptionID, "prescription_number": number},
	}
}
