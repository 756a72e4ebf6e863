package appointment

import (
	"fmt"
	"time"

	"github.com/carepoint/hospital/internal/shared/types"
)

// Status defines the lifecycle state of an appointment
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// Active reports whether the status holds its slot.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusRejected, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Appointment is a patient's booking with a doctor
type Appointment struct {
	ID              types.ID    `json:"id"`
	PatientID       types.ID    `json:"patient_id"`
	DoctorID        types.ID    `json:"doctor_id"`
	AppointmentDate types.Date  `json:"appointment_date"`
	AppointmentTime types.Clock `json:"appointment_time"`
	Status          Status      `json:"status"`
	Reason          string      `json:"reason"`
	Notes           string      `json:"notes"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`

	// Joined for listings
	DoctorName      string   `json:"doctor_name,omitempty"`
	DoctorEmail     string   `json:"doctor_email,omitempty"`
	PatientName     string   `json:"patient_name,omitempty"`
	PatientEmail    string   `json:"patient_email,omitempty"`
	Specialty       string   `json:"specialty,omitempty"`
	ConsultationFee float64  `json:"consultation_fee"`
	PaymentAmount   *float64 `json:"payment_amount"`
	PaymentStatus   *string  `json:"payment_status"`
	TransactionID   *string  `json:"transaction_id,omitempty"`
	PaymentMethod   *string  `json:"payment_method,omitempty"`
}

// NewAppointment creates a pending appointment
func NewAppointment(patientID, doctorID types.ID, date types.Date, clock types.Clock, reason, notes string, now time.Time) *Appointment {
	return &Appointment{
		ID:              types.NewID(),
		PatientID:       patientID,
		DoctorID:        doctorID,
		AppointmentDate: date,
		AppointmentTime: clock,
		Status:          StatusPending,
		Reason:          reason,
		Notes:           notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Transition moves the appointment to status to
func (a *Appointment) Transition(to Status) error {
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("cannot move appointment from %s to %s", a.Status, to)
	}
	a.Status = to
	a.UpdatedAt = time.Now()
	return nil
}

// Schedule is one weekday of a doctor's working hours
type Schedule struct {
	ID           types.ID    `json:"id"`
	DoctorID     types.ID    `json:"doctor_id"`
	DayOfWeek    string      `json:"day_of_week"`
	StartTime    types.Clock `json:"start_time"`
	EndTime      types.Clock `json:"end_time"`
	SlotDuration int         `json:"slot_duration"`
	BreakTime    int         `json:"break_time"`
	IsAvailable  bool        `json:"is_available"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Schedule defaults for days saved without explicit durations
const (
	DefaultSlotDuration = 30
	DefaultBreakTime    = 15
)

// Doctor is the booking-relevant view of a doctor
type Doctor struct {
	UserID          types.ID
	Name            string
	ConsultationFee float64
}

// Notice is the slice of an appointment the housekeeping jobs notify about
type Notice struct {
	ID              types.ID
	PatientID       types.ID
	AppointmentDate types.Date
	AppointmentTime types.Clock
}

// BookRequest is the body of create
type BookRequest struct {
	DoctorID        string `json:"doctor_id"`
	PatientID       string `json:"patient_id"`
	AppointmentDate string `json:"appointment_date"`
	AppointmentTime string `json:"appointment_time"`
	Reason          string `json:"reason"`
	Notes           string `json:"notes"`
}

// UpdateRequest is the body of update
type UpdateRequest struct {
	Reason *string `json:"reason"`
	Notes  *string `json:"notes"`
}

// ScheduleDay is one day in a schedule replacement
type ScheduleDay struct {
	DayOfWeek    string `json:"day_of_week"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	SlotDuration *int   `json:"slot_duration"`
	BreakTime    *int   `json:"break_time"`
	IsAvailable  *bool  `json:"is_available"`
}

// ReplaceScheduleRequest is the body of schedule POST
type ReplaceScheduleRequest struct {
	Schedule []ScheduleDay `json:"schedule"`
}

// UpsertScheduleRequest is the body of update-schedule
type UpsertScheduleRequest struct {
	Day       string `json:"day"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// ListFilter defines filters for listing appointments
type ListFilter struct {
	DoctorID  *types.ID
	PatientID *types.ID
	Status    string
	Date      string
	Search    string
	Limit     int
	Offset    int
}
