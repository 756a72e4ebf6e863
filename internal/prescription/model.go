package prescription

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/carepoint/hospital/internal/shared/errors"
	"github.com/carepoint/hospital/internal/shared/types"
)

// Status is the lifecycle state of a prescription
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Test urgencies
const (
	UrgencyRoutine = "routine"
	UrgencyUrgent  = "urgent"
	UrgencyStat    = "stat"
)

// Prescription is a prescription header with its joined names. Lines are
// loaded by Get only.
type Prescription struct {
	ID                 types.ID    `json:"id"`
	DoctorID           types.ID    `json:"doctor_id"`
	PatientID          types.ID    `json:"patient_id"`
	AppointmentID      *types.ID   `json:"appointment_id"`
	PrescriptionNumber string      `json:"prescription_number"`
	Diagnosis          string      `json:"diagnosis"`
	Symptoms           string      `json:"symptoms"`
	Notes              string      `json:"notes"`
	FollowUpDate       *types.Date `json:"follow_up_date"`
	PrescriptionDate   time.Time   `json:"prescription_date"`
	Status             Status      `json:"status"`
	DocumentPath       *string     `json:"document_path"`
	DocumentFilename   *string     `json:"document_filename"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`

	DoctorName      string `json:"doctor_name,omitempty"`
	DoctorEmail     string `json:"doctor_email,omitempty"`
	DoctorSpecialty string `json:"doctor_specialty,omitempty"`
	LicenseNumber   string `json:"license_number,omitempty"`
	PatientName     string `json:"patient_name,omitempty"`
	PatientEmail    string `json:"patient_email,omitempty"`
	MedicineCount   int    `json:"medicine_count"`
	TestCount       int    `json:"test_count"`

	Medicines []*MedicineLine `json:"medicines,omitempty"`
	Tests     []*TestLine     `json:"tests,omitempty"`
}

// MedicineLine is one prescribed medicine joined with its catalog entry
type MedicineLine struct {
	ID           types.ID `json:"id"`
	MedicineID   types.ID `json:"medicine_id"`
	MedicineName string   `json:"medicine_name"`
	Dosage       string   `json:"dosage"`
	Frequency    string   `json:"frequency"`
	Duration     string   `json:"duration"`
	Instructions string   `json:"instructions"`
	Quantity     int      `json:"quantity"`

	GenericName  *string  `json:"generic_name,omitempty"`
	Manufacturer *string  `json:"manufacturer,omitempty"`
	Category     *string  `json:"category,omitempty"`
	Price        *float64 `json:"price,omitempty"`
}

// TestLine is one prescribed pathology test joined with its catalog entry
type TestLine struct {
	ID           types.ID `json:"id"`
	TestID       types.ID `json:"test_id"`
	TestName     string   `json:"test_name"`
	Instructions string   `json:"instructions"`
	Urgency      string   `json:"urgency"`

	TestCode      *string  `json:"test_code,omitempty"`
	Category      *string  `json:"category,omitempty"`
	Price         *float64 `json:"price,omitempty"`
	DurationHours *int     `json:"duration_hours,omitempty"`
}

// Template is a reusable prescription skeleton owned by a doctor
type Template struct {
	ID           types.ID        `json:"id"`
	DoctorID     types.ID        `json:"doctor_id"`
	TemplateName string          `json:"template_name"`
	Diagnosis    string          `json:"diagnosis"`
	Symptoms     string          `json:"symptoms"`
	Notes        string          `json:"notes"`
	Medicines    json.RawMessage `json:"medicines"`
	Tests        json.RawMessage `json:"tests"`
	IsActive     bool            `json:"is_active"`
	CreatedAt    time.Time       `json:"created_at"`
}

// MedicineItem is a medicine line in a create or update request
type MedicineItem struct {
	MedicineID   string `json:"medicine_id"`
	MedicineName string `json:"medicine_name"`
	Dosage       string `json:"dosage"`
	Frequency    string `json:"frequency"`
	Duration     string `json:"duration"`
	Instructions string `json:"instructions"`
	Quantity     *int   `json:"quantity"`
}

// TestItem is a test line in a create or update request
type TestItem struct {
	TestID       string `json:"test_id"`
	TestName     string `json:"test_name"`
	Instructions string `json:"instructions"`
	Urgency      string `json:"urgency"`
}

// CreateRequest is the body of create
type CreateRequest struct {
	PatientID     string         `json:"patient_id"`
	AppointmentID string         `json:"appointment_id"`
	Diagnosis     string         `json:"diagnosis"`
	Symptoms      string         `json:"symptoms"`
	Notes         string         `json:"notes"`
	FollowUpDate  string         `json:"follow_up_date"`
	Medicines     []MedicineItem `json:"medicines"`
	Tests         []TestItem     `json:"tests"`
}

// UpdateRequest is the body of update. Present medicines or tests replace
// every existing line of that kind.
type UpdateRequest struct {
	Diagnosis    *string         `json:"diagnosis"`
	Symptoms     *string         `json:"symptoms"`
	Notes        *string         `json:"notes"`
	FollowUpDate *string         `json:"follow_up_date"`
	Medicines    *[]MedicineItem `json:"medicines"`
	Tests        *[]TestItem     `json:"tests"`
}

// SaveTemplateRequest is the body of save-template
type SaveTemplateRequest struct {
	TemplateName string          `json:"template_name"`
	Diagnosis    string          `json:"diagnosis"`
	Symptoms     string          `json:"symptoms"`
	Notes        string          `json:"notes"`
	Medicines    json.RawMessage `json:"medicines"`
	Tests        json.RawMessage `json:"tests"`
}

// ListFilter filters prescription listings
type ListFilter struct {
	DoctorID  *types.ID
	PatientID *types.ID
	Status    string
	Search    string
	Limit     int
	Offset    int
}

// NewNumber returns a prescription number RX<YYYYMMDD><4 digits>
func NewNumber(now time.Time) string {
	return fmt.Sprintf("RX%s%04d", now.Format("20060102"), 1000+rand.Intn(9000))
}

// DocumentName is the file name of the generated document for number
func DocumentName(number string) string {
	return "prescription_" + number + ".html"
}

// ParseMedicines validates request items into lines
func ParseMedicines(items []MedicineItem) ([]*MedicineLine, error) {
	lines := make([]*MedicineLine, 0, len(items))
	for i, item := range items {
		id, err := types.ParseID(item.MedicineID)
		if err != nil {
			return nil, errors.Validation(fmt.Sprintf("Invalid medicine_id in medicine line %d", i+1), map[string]string{"medicine_id": "must be a UUID"})
		}
		quantity := 1
		if item.Quantity != nil {
			quantity = *item.Quantity
		}
		if quantity < 1 {
			return nil, errors.Validation(fmt.Sprintf("Quantity must be at least 1 in medicine line %d", i+1), nil)
		}
		lines = append(lines, &MedicineLine{
			ID:           types.NewID(),
			MedicineID:   id,
			MedicineName: strings.TrimSpace(item.MedicineName),
			Dosage:       strings.TrimSpace(item.Dosage),
			Frequency:    strings.TrimSpace(item.Frequency),
			Duration:     strings.TrimSpace(item.Duration),
			Instructions: strings.TrimSpace(item.Instructions),
			Quantity:     quantity,
		})
	}
	return lines, nil
}

// ParseTests validates request items into lines
func ParseTests(items []TestItem) ([]*TestLine, error) {
	lines := make([]*TestLine, 0, len(items))
	for i, item := range items {
		id, err := types.ParseID(item.TestID)
		if err != nil {
			return nil, errors.Validation(fmt.Sprintf("Invalid test_id in test line %d", i+1), map[string]string{"test_id": "must be a UUID"})
		}
		urgency := strings.ToLower(strings.TrimSpace(item.Urgency))
		switch urgency {
		case "":
			urgency = UrgencyRoutine
		case UrgencyRoutine, UrgencyUrgent, UrgencyStat:
		default:
			return nil, errors.Validation(fmt.Sprintf("Invalid urgency in test line %d", i+1), map[string]string{"urgency": "expected routine, urgent or stat"})
		}
		lines = append(lines, &TestLine{
			ID:           types.NewID(),
			TestID:       id,
			TestName:     strings.TrimSpace(item.TestName),
			Instructions: strings.TrimSpace(item.Instructions),
			Urgency:      urgency,
		})
	}
	return lines, nil
}

// emptyArray replaces an absent JSON list with [].
func emptyArray(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage("[]")
	}
	return raw
}
