package prescription

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/carepoint/hospital/internal/shared/auth"
	"github.com/carepoint/hospital/internal/shared/errors"
	"github.com/carepoint/hospital/internal/shared/httpx"
	"github.com/carepoint/hospital/internal/shared/types"
)

// maxNumberAttempts bounds how often a colliding number is regenerated
const maxNumberAttempts = 5

// Store is the persistence the prescription service needs
type Store interface {
	ActivePatient(ctx context.Context, id types.ID) (bool, error)
	Create(ctx context.Context, p *Prescription, render RenderFunc) error
	Update(ctx context.Context, p *Prescription, replaceMedicines, replaceTests bool, render RenderFunc) error
	Delete(ctx context.Context, id types.ID) error
	Get(ctx context.Context, id types.ID) (*Prescription, error)
	List(ctx context.Context, filter ListFilter) ([]*Prescription, int, error)
	Templates(ctx context.Context, doctorID types.ID) ([]*Template, error)
	Template(ctx context.Context, doctorID, id types.ID) (*Template, error)
	SaveTemplate(ctx context.Context, t *Template) error
}

var _ Store = (*Repository)(nil)

// DocumentStore keeps generated prescription documents
type DocumentStore interface {
	WriteDocument(name string, content []byte) (string, error)
	Exists(path string) bool
	Remove(path string) error
}

// Service holds the prescription rules on top of a Store
type Service struct {
	store Store
	docs  DocumentStore
	now   func() time.Time
}

// NewService creates a new prescription service
func NewService(store Store, docs DocumentStore) *Service {
	return &Service{store: store, docs: docs, now: time.Now}
}

// render returns a RenderFunc that writes p's document through s.docs.
func (s *Service) render(written *string) RenderFunc {
	return func(p *Prescription) error {
		content, err := Render(p)
		if err != nil {
			return errors.Wrap(err, "failed to render prescription")
		}
		name := DocumentName(p.PrescriptionNumber)
		path, err := s.docs.WriteDocument(name, content)
		if err != nil {
			return err
		}
		if written != nil {
			*written = path
		}
		p.DocumentPath, p.DocumentFilename = &path, &name
		return nil
	}
}

// Create issues a prescription written by the doctor user
func (s *Service) Create(ctx context.Context, user *auth.User, req CreateRequest) (*Prescription, error) {
	if err := httpx.RequireFields(map[string]string{
		"patient_id": req.PatientID,
		"diagnosis":  req.Diagnosis,
	}); err != nil {
		return nil, err
	}

	patientID, err := types.ParseID(strings.TrimSpace(req.PatientID))
	if err != nil {
		return nil, errors.Validation("Invalid patient_id", map[string]string{"patient_id": "must be a UUID"})
	}

	var appointmentID *types.ID
	if raw := strings.TrimSpace(req.AppointmentID); raw != "" {
		id, err := types.ParseID(raw)
		if err != nil {
			return nil, errors.Validation("Invalid appointment_id", map[string]string{"appointment_id": "must be a UUID"})
		}
		appointmentID = &id
	}

	followUp, err := parseFollowUp(req.FollowUpDate)
	if err != nil {
		return nil, err
	}
	medicines, err := ParseMedicines(req.Medicines)
	if err != nil {
		return nil, err
	}
	tests, err := ParseTests(req.Tests)
	if err != nil {
		return nil, err
	}

	ok, err := s.store.ActivePatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NotFoundMessage("Patient not found")
	}

	now := s.now()
	p := &Prescription{
		ID:               types.NewID(),
		DoctorID:         user.ID,
		PatientID:        patientID,
		AppointmentID:    appointmentID,
		Diagnosis:        strings.TrimSpace(req.Diagnosis),
		Symptoms:         strings.TrimSpace(req.Symptoms),
		Notes:            strings.TrimSpace(req.Notes),
		FollowUpDate:     followUp,
		PrescriptionDate: now,
		Status:           StatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
		Medicines:        medicines,
		Tests:            tests,
	}

	for attempt := 1; ; attempt++ {
		p.PrescriptionNumber = NewNumber(now)

		var written string
		err = s.store.Create(ctx, p, s.render(&written))
		if err == nil {
			break
		}
		if written != "" {
			_ = s.docs.Remove(written)
		}
		if !errors.Is(err, ErrNumberTaken) || attempt == maxNumberAttempts {
			return nil, err
		}
	}

	p.MedicineCount, p.TestCount = len(p.Medicines), len(p.Tests)
	return p, nil
}

// Visible reports whether user may see p. Doctors and patients see their
// own prescriptions; admins and managers see all.
func Visible(user *auth.User, p *Prescription) bool {
	switch user.Role {
	case auth.RoleDoctor:
		return p.DoctorID == user.ID
	case auth.RolePatient:
		return p.PatientID == user.ID
	default:
		return user.Is(auth.RoleAdmin, auth.RoleManager)
	}
}

// Get loads a prescription user may see
func (s *Service) Get(ctx context.Context, user *auth.User, id types.ID) (*Prescription, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !Visible(user, p) {
		return nil, errors.NotFound("Prescription", id.String())
	}
	return p, nil
}

// List lists the prescriptions user may see
func (s *Service) List(ctx context.Context, user *auth.User, filter ListFilter) ([]*Prescription, int, error) {
	switch user.Role {
	case auth.RoleDoctor:
		filter.DoctorID = &user.ID
	case auth.RolePatient:
		filter.PatientID = &user.ID
	}
	return s.store.List(ctx, filter)
}

// Update changes a prescription owned by the doctor user and regenerates
// its document.
func (s *Service) Update(ctx context.Context, user *auth.User, id types.ID, req UpdateRequest) (*Prescription, error) {
	p, err := s.owned(ctx, user, id)
	if err != nil {
		return nil, err
	}

	if req.Diagnosis != nil {
		p.Diagnosis = strings.TrimSpace(*req.Diagnosis)
		if p.Diagnosis == "" {
			return nil, errors.Validation("Diagnosis cannot be empty", map[string]string{"diagnosis": "required"})
		}
	}
	if req.Symptoms != nil {
		p.Symptoms = strings.TrimSpace(*req.Symptoms)
	}
	if req.Notes != nil {
		p.Notes = strings.TrimSpace(*req.Notes)
	}
	if req.FollowUpDate != nil {
		if p.FollowUpDate, err = parseFollowUp(*req.FollowUpDate); err != nil {
			return nil, err
		}
	}
	if req.Medicines != nil {
		if p.Medicines, err = ParseMedicines(*req.Medicines); err != nil {
			return nil, err
		}
	}
	if req.Tests != nil {
		if p.Tests, err = ParseTests(*req.Tests); err != nil {
			return nil, err
		}
	}
	p.UpdatedAt = s.now()

	if err := s.store.Update(ctx, p, req.Medicines != nil, req.Tests != nil, s.render(nil)); err != nil {
		s.restore(ctx, id)
		return nil, err
	}

	p.MedicineCount, p.TestCount = len(p.Medicines), len(p.Tests)
	return p, nil
}

// restore rewrites the stored version of a document after a failed update
// may have overwritten it.
func (s *Service) restore(ctx context.Context, id types.ID) {
	p, err := s.store.Get(ctx, id)
	if err != nil || p.DocumentPath == nil {
		return
	}
	_ = s.render(nil)(p)
}

// owned loads a prescription written by the doctor user.
func (s *Service) owned(ctx context.Context, user *auth.User, id types.ID) (*Prescription, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.DoctorID != user.ID {
		return nil, errors.NotFound("Prescription", id.String())
	}
	return p, nil
}

// Delete removes a prescription. Doctors delete their own; admins any.
// The backing document is removed after the rows are gone.
func (s *Service) Delete(ctx context.Context, user *auth.User, id types.ID) (*Prescription, error) {
	var p *Prescription
	var err error
	if user.IsAdmin() {
		p, err = s.store.Get(ctx, id)
	} else {
		p, err = s.owned(ctx, user, id)
	}
	if err != nil {
		return nil, err
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return nil, err
	}
	if p.DocumentPath != nil {
		_ = s.docs.Remove(*p.DocumentPath)
	}
	return p, nil
}

// Print returns the path of the document of a prescription user may see
func (s *Service) Print(ctx context.Context, user *auth.User, id types.ID) (string, error) {
	p, err := s.Get(ctx, user, id)
	if err != nil {
		return "", err
	}
	if p.DocumentPath == nil || !s.docs.Exists(*p.DocumentPath) {
		return "", errors.NotFoundMessage("Prescription document not found")
	}
	return *p.DocumentPath, nil
}

// Templates lists the doctor's active templates
func (s *Service) Templates(ctx context.Context, doctorID types.ID) ([]*Template, error) {
	return s.store.Templates(ctx, doctorID)
}

// SaveTemplate stores a new template for the doctor
func (s *Service) SaveTemplate(ctx context.Context, doctorID types.ID, req SaveTemplateRequest) (*Template, error) {
	if err := httpx.RequireFields(map[string]string{
		"template_name": req.TemplateName,
		"diagnosis":     req.Diagnosis,
	}); err != nil {
		return nil, err
	}
	if !jsonArray(req.Medicines) {
		return nil, errors.Validation("Medicines must be a list", map[string]string{"medicines": "expected array"})
	}
	if !jsonArray(req.Tests) {
		return nil, errors.Validation("Tests must be a list", map[string]string{"tests": "expected array"})
	}

	t := &Template{
		ID:           types.NewID(),
		DoctorID:     doctorID,
		TemplateName: strings.TrimSpace(req.TemplateName),
		Diagnosis:    strings.TrimSpace(req.Diagnosis),
		Symptoms:     strings.TrimSpace(req.Symptoms),
		Notes:        strings.TrimSpace(req.Notes),
		Medicines:    emptyArray(req.Medicines),
		Tests:        emptyArray(req.Tests),
		IsActive:     true,
		CreatedAt:    s.now(),
	}
	if err := s.store.SaveTemplate(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// UseTemplate loads one of the doctor's templates
func (s *Service) UseTemplate(ctx context.Context, doctorID, id types.ID) (*Template, error) {
	return s.store.Template(ctx, doctorID, id)
}

func parseFollowUp(raw string) (*types.Date, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	d, err := types.ParseDate(raw)
	if err != nil {
		return nil, errors.Validation("Invalid follow_up_date", map[string]string{"follow_up_date": "expected YYYY-MM-DD"})
	}
	return &d, nil
}

// jsonArray reports whether raw is absent or a JSON array.
func jsonArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return true
	}
	var list []json.RawMessage
	return json.Unmarshal(trimmed, &list) == nil
}
