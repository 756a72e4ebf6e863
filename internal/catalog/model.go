// Package catalog manages the medicines and pathology tests that
// prescriptions refer to.
package catalog

import (
	"strings"
	"time"

	"github.com/carepoint/hospital/internal/shared/errors"
	"github.com/carepoint/hospital/internal/shared/httpx"
	"github.com/carepoint/hospital/internal/shared/types"
)

// Defaults for the catalog queries
const (
	DefaultSearchLimit    = 10
	DefaultStockThreshold = 50
	MinSearchLength       = 2
	DefaultDurationHours  = 1
)

// Medicine is a catalog medicine
type Medicine struct {
	ID                types.ID  `json:"id"`
	Name              string    `json:"name"`
	GenericName       string    `json:"generic_name"`
	Manufacturer      string    `json:"manufacturer"`
	DosageForm        string    `json:"dosage_form"`
	Strength          string    `json:"strength"`
	Category          string    `json:"category"`
	Description       string    `json:"description"`
	SideEffects       string    `json:"side_effects"`
	Contraindications string    `json:"contraindications"`
	Price             float64   `json:"price"`
	StockQuantity     int       `json:"stock_quantity"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Test is a catalog pathology test
type Test struct {
	ID                      types.ID  `json:"id"`
	TestName                string    `json:"test_name"`
	TestCode                string    `json:"test_code"`
	Category                string    `json:"category"`
	Description             string    `json:"description"`
	PreparationInstructions string    `json:"preparation_instructions"`
	NormalValues            string    `json:"normal_values"`
	Price                   float64   `json:"price"`
	DurationHours           int       `json:"duration_hours"`
	IsActive                bool      `json:"is_active"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// ListFilter filters medicine and test listings
type ListFilter struct {
	Category   string
	Search     string
	ActiveOnly bool
	Limit      int
	Offset     int
}

// MedicineInput is the body of medicine create and update. Absent fields
// keep their current value on update.
type MedicineInput struct {
	Name              *string  `json:"name"`
	GenericName       *string  `json:"generic_name"`
	Manufacturer      *string  `json:"manufacturer"`
	DosageForm        *string  `json:"dosage_form"`
	Strength          *string  `json:"strength"`
	Category          *string  `json:"category"`
	Description       *string  `json:"description"`
	SideEffects       *string  `json:"side_effects"`
	Contraindications *string  `json:"contraindications"`
	Price             *float64 `json:"price"`
	StockQuantity     *int     `json:"stock_quantity"`
	IsActive          *bool    `json:"is_active"`
}

// TestInput is the body of test create and update
type TestInput struct {
	TestName                *string  `json:"test_name"`
	TestCode                *string  `json:"test_code"`
	Category                *string  `json:"category"`
	Description             *string  `json:"description"`
	PreparationInstructions *string  `json:"preparation_instructions"`
	NormalValues            *string  `json:"normal_values"`
	Price                   *float64 `json:"price"`
	DurationHours           *int     `json:"duration_hours"`
	IsActive                *bool    `json:"is_active"`
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func set(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

// presence maps a numeric field to a non-blank marker when it was sent.
func presence[T any](p *T) string {
	if p == nil {
		return ""
	}
	return "set"
}

// Apply overlays the fields present in in onto m
func (in MedicineInput) Apply(m *Medicine) {
	set(&m.Name, in.Name)
	set(&m.GenericName, in.GenericName)
	set(&m.Manufacturer, in.Manufacturer)
	set(&m.DosageForm, in.DosageForm)
	set(&m.Strength, in.Strength)
	set(&m.Category, in.Category)
	set(&m.Description, in.Description)
	set(&m.SideEffects, in.SideEffects)
	set(&m.Contraindications, in.Contraindications)
	if in.Price != nil {
		m.Price = *in.Price
	}
	if in.StockQuantity != nil {
		m.StockQuantity = *in.StockQuantity
	}
	if in.IsActive != nil {
		m.IsActive = *in.IsActive
	}
}

// Validate checks a medicine before it is written
func (m *Medicine) Validate() error {
	if err := httpx.RequireFields(map[string]string{
		"name":         m.Name,
		"generic_name": m.GenericName,
		"manufacturer": m.Manufacturer,
		"dosage_form":  m.DosageForm,
		"strength":     m.Strength,
		"category":     m.Category,
	}); err != nil {
		return err
	}
	if m.Price < 0 {
		return errors.Validation("Price cannot be negative", map[string]string{"price": "negative"})
	}
	if m.StockQuantity < 0 {
		return errors.Validation("Stock quantity cannot be negative", map[string]string{"stock_quantity": "negative"})
	}
	return nil
}

// NewMedicine builds a medicine from a create request
func NewMedicine(in MedicineInput, now time.Time) (*Medicine, error) {
	if err := httpx.RequireFields(map[string]string{
		"name":         str(in.Name),
		"generic_name": str(in.GenericName),
		"manufacturer": str(in.Manufacturer),
		"dosage_form":  str(in.DosageForm),
		"strength":     str(in.Strength),
		"category":     str(in.Category),
		"price":        presence(in.Price),
	}); err != nil {
		return nil, err
	}

	m := &Medicine{ID: types.NewID(), IsActive: true, CreatedAt: now, UpdatedAt: now}
	in.Apply(m)
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Apply overlays the fields present in in onto t
func (in TestInput) Apply(t *Test) {
	set(&t.TestName, in.TestName)
	set(&t.TestCode, in.TestCode)
	set(&t.Category, in.Category)
	set(&t.Description, in.Description)
	set(&t.PreparationInstructions, in.PreparationInstructions)
	set(&t.NormalValues, in.NormalValues)
	if in.Price != nil {
		t.Price = *in.Price
	}
	if in.DurationHours != nil {
		t.DurationHours = *in.DurationHours
	}
	if in.IsActive != nil {
		t.IsActive = *in.IsActive
	}
}

// Validate checks a test before it is written
func (t *Test) Validate() error {
	if err := httpx.RequireFields(map[string]string{
		"test_name": t.TestName,
		"test_code": t.TestCode,
		"category":  t.Category,
	}); err != nil {
		return err
	}
	if t.Price < 0 {
		return errors.Validation("Price cannot be negative", map[string]string{"price": "negative"})
	}
	if t.DurationHours <= 0 {
		return errors.Validation("Duration must be at least one hour", map[string]string{"duration_hours": "not positive"})
	}
	return nil
}

// NewTest builds a test from a create request
func NewTest(in TestInput, now time.Time) (*Test, error) {
	if err := httpx.RequireFields(map[string]string{
		"test_name": str(in.TestName),
		"test_code": str(in.TestCode),
		"category":  str(in.Category),
		"price":     presence(in.Price),
	}); err != nil {
		return nil, err
	}

	t := &Test{ID: types.NewID(), DurationHours: DefaultDurationHours, IsActive: true, CreatedAt: now, UpdatedAt: now}
	in.Apply(t)
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}
