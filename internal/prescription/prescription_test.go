package prescription

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepoint/hospital/internal/files"
	"github.com/carepoint/hospital/internal/shared/auth"
	"github.com/carepoint/hospital/internal/shared/config"
	"github.com/carepoint/hospital/internal/shared/errors"
	"github.com/carepoint/hospital/internal/shared/types"
)

// memStore keeps prescriptions in memory and runs the render callback the
// way the repository does inside its transaction.
type memStore struct {
	patients      map[types.ID]bool
	medicines     map[types.ID]string
	tests         map[types.ID]string
	prescriptions map[types.ID]*Prescription
	templates     map[types.ID]*Template
	numbers       map[string]bool
	collisions    int
	failCommit    bool
}

func newMemStore() *memStore {
	return &memStore{
		patients:      map[types.ID]bool{},
		medicines:     map[types.ID]string{},
		tests:         map[types.ID]string{},
		prescriptions: map[types.ID]*Prescription{},
		templates:     map[types.ID]*Template{},
		numbers:       map[string]bool{},
	}
}

func (m *memStore) ActivePatient(ctx context.Context, id types.ID) (bool, error) {
	return m.patients[id], nil
}

func (m *memStore) fillNames(p *Prescription) error {
	for i, line := range p.Medicines {
		name, ok := m.medicines[line.MedicineID]
		if !ok {
			return errors.Validation(fmt.Sprintf("Medicine not found in medicine line %d", i+1), nil)
		}
		if line.MedicineName == "" {
			line.MedicineName = name
		}
	}
	for _, line := range p.Tests {
		if line.TestName == "" {
			line.TestName = m.tests[line.TestID]
		}
	}
	p.DoctorName, p.PatientName = "Dr. Vale", "Ann Patient"
	return nil
}

func (m *memStore) Create(ctx context.Context, p *Prescription, render RenderFunc) error {
	if m.collisions > 0 {
		m.collisions--
		return ErrNumberTaken
	}
	if m.numbers[p.PrescriptionNumber] {
		return ErrNumberTaken
	}
	if err := m.fillNames(p); err != nil {
		return err
	}
	if err := render(p); err != nil {
		return err
	}
	if m.failCommit {
		return errors.Wrap(os.ErrClosed, "failed to commit prescription")
	}
	m.numbers[p.PrescriptionNumber] = true
	stored := *p
	m.prescriptions[p.ID] = &stored
	return nil
}

func (m *memStore) Update(ctx context.Context, p *Prescription, replaceMedicines, replaceTests bool, render RenderFunc) error {
	if err := m.fillNames(p); err != nil {
		return err
	}
	if err := render(p); err != nil {
		return err
	}
	if m.failCommit {
		return errors.Wrap(os.ErrClosed, "failed to commit prescription")
	}
	stored := *p
	m.prescriptions[p.ID] = &stored
	return nil
}

func (m *memStore) Delete(ctx context.Context, id types.ID) error {
	if _, ok := m.prescriptions[id]; !ok {
		return errors.NotFound("Prescription", id.String())
	}
	delete(m.prescriptions, id)
	return nil
}

func (m *memStore) Get(ctx context.Context, id types.ID) (*Prescription, error) {
	p, ok := m.prescriptions[id]
	if !ok {
		return nil, errors.NotFound("Prescription", id.String())
	}
	copied := *p
	return &copied, nil
}

func (m *memStore) List(ctx context.Context, filter ListFilter) ([]*Prescription, int, error) {
	out := []*Prescription{}
	for _, p := range m.prescriptions {
		if filter.DoctorID != nil && p.DoctorID != *filter.DoctorID {
			continue
		}
		if filter.PatientID != nil && p.PatientID != *filter.PatientID {
			continue
		}
		out = append(out, p)
	}
	return out, len(out), nil
}

func (m *memStore) Templates(ctx context.Context, doctorID types.ID) ([]*Template, error) {
	out := []*Template{}
	for _, t := range m.templates {
		if t.DoctorID == doctorID && t.IsActive {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) Template(ctx context.Context, doctorID, id types.ID) (*Template, error) {
	t, ok := m.templates[id]
	if !ok || t.DoctorID != doctorID || !t.IsActive {
		return nil, errors.NotFoundMessage("Template not found")
	}
	return t, nil
}

func (m *memStore) SaveTemplate(ctx context.Context, t *Template) error {
	m.templates[t.ID] = t
	return nil
}

type fixture struct {
	store      *memStore
	service    *Service
	docs       *files.Storage
	docDir     string
	doctor     *auth.User
	other      *auth.User
	patient    *auth.User
	admin      *auth.User
	medicineID types.ID
	testID     types.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	docs := files.NewStorage(config.StorageConfig{
		UploadDir:       dir + "/uploads",
		PrescriptionDir: dir + "/prescriptions",
		MaxUploadBytes:  1 << 20,
	})

	store := newMemStore()
	svc := NewService(store, docs)
	svc.now = func() time.Time { return time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC) }

	f := &fixture{
		store:      store,
		service:    svc,
		docs:       docs,
		docDir:     dir + "/prescriptions",
		doctor:     &auth.User{ID: types.NewID(), Role: auth.RoleDoctor},
		other:      &auth.User{ID: types.NewID(), Role: auth.RoleDoctor},
		patient:    &auth.User{ID: types.NewID(), Role: auth.RolePatient},
		admin:      &auth.User{ID: types.NewID(), Role: auth.RoleAdmin},
		medicineID: types.NewID(),
		testID:     types.NewID(),
	}
	store.patients[f.patient.ID] = true
	store.medicines[f.medicineID] = "Paracetamol"
	store.tests[f.testID] = "Complete Blood Count"
	return f
}

func (f *fixture) request() CreateRequest {
	return CreateRequest{
		PatientID:    f.patient.ID.String(),
		Diagnosis:    "Influenza",
		Symptoms:     "Fever <38.5>",
		FollowUpDate: "2026-03-11",
		Medicines: []MedicineItem{
			{MedicineID: f.medicineID.String(), Dosage: "500mg", Frequency: "3x daily", Duration: "5 days"},
		},
		Tests: []TestItem{{TestID: f.testID.String()}},
	}
}

func appMessage(t *testing.T, err error) string {
	t.Helper()
	appErr, ok := errors.As(err)
	require.True(t, ok, "expected *AppError, got %v", err)
	return appErr.Message
}

func TestNewNumber(t *testing.T) {
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		assert.Regexp(t, `^RX20260304[1-9]\d{3}$`, NewNumber(now))
	}
	assert.Equal(t, "prescription_RX202603041234.html", DocumentName("RX202603041234"))
}

func TestParseLines(t *testing.T) {
	zero := 0
	_, err := ParseMedicines([]MedicineItem{{MedicineID: types.NewID().String(), Quantity: &zero}})
	assert.Equal(t, "Quantity must be at least 1 in medicine line 1", appMessage(t, err))

	_, err = ParseMedicines([]MedicineItem{{MedicineID: "nope"}})
	assert.Equal(t, "Invalid medicine_id in medicine line 1", appMessage(t, err))

	meds, err := ParseMedicines([]MedicineItem{{MedicineID: types.NewID().String()}})
	require.NoError(t, err)
	assert.Equal(t, 1, meds[0].Quantity)

	tests, err := ParseTests([]TestItem{{TestID: types.NewID().String()}, {TestID: types.NewID().String(), Urgency: "STAT"}})
	require.NoError(t, err)
	assert.Equal(t, UrgencyRoutine, tests[0].Urgency)
	assert.Equal(t, UrgencyStat, tests[1].Urgency)

	_, err = ParseTests([]TestItem{{TestID: types.NewID().String(), Urgency: "soon"}})
	assert.Equal(t, "Invalid urgency in test line 1", appMessage(t, err))
}

func TestRenderEscapesContent(t *testing.T) {
	follow := types.Date("2026-03-11")
	p := &Prescription{
		PrescriptionNumber: "RX202603041234",
		Diagnosis:          "<script>alert(1)</script>",
		Symptoms:           "Cough",
		FollowUpDate:       &follow,
		PrescriptionDate:   time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
		UpdatedAt:          time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
		DoctorName:         "Dr. Vale",
		DoctorSpecialty:    "General practice",
		PatientName:        "Ann Patient",
		Medicines:          []*MedicineLine{{MedicineName: "Paracetamol", Dosage: "500mg"}},
		Tests:              []*TestLine{{TestName: "Complete Blood Count", Urgency: UrgencyUrgent}},
	}

	out, err := Render(p)
	require.NoError(t, err)
	html := string(out)

	assert.Contains(t, html, "HOSPITAL PRESCRIPTION")
	assert.Contains(t, html, "Prescription #RX202603041234")
	assert.Contains(t, html, "&lt;script&gt;alert(1)&lt;/script&gt;")
	assert.NotContains(t, html, "<script>")
	assert.Contains(t, html, "<td>Paracetamol</td><td>500mg</td>")
	assert.Contains(t, html, "<td>Complete Blood Count</td><td>urgent</td>")
	assert.Contains(t, html, "2026-03-11")
	assert.Contains(t, html, "valid for 30 days")
	assert.NotContains(t, html, "Additional Notes")
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Create(ctx, f.doctor, CreateRequest{PatientID: f.patient.ID.String()})
	assert.Equal(t, "Missing required fields: diagnosis", appMessage(t, err))

	stranger := f.request()
	stranger.PatientID = types.NewID().String()
	_, err = f.service.Create(ctx, f.doctor, stranger)
	assert.Equal(t, "Patient not found", appMessage(t, err))

	badDate := f.request()
	badDate.FollowUpDate = "next week"
	_, err = f.service.Create(ctx, f.doctor, badDate)
	assert.Equal(t, "Invalid follow_up_date", appMessage(t, err))

	f.store.collisions = 2
	p, err := f.service.Create(ctx, f.doctor, f.request())
	require.NoError(t, err)

	assert.Equal(t, StatusActive, p.Status)
	assert.Equal(t, f.doctor.ID, p.DoctorID)
	assert.Regexp(t, `^RX20260304\d{4}$`, p.PrescriptionNumber)
	assert.Equal(t, "Paracetamol", p.Medicines[0].MedicineName)
	assert.Equal(t, "Complete Blood Count", p.Tests[0].TestName)
	assert.Equal(t, UrgencyRoutine, p.Tests[0].Urgency)
	assert.Equal(t, 1, p.MedicineCount)

	require.NotNil(t, p.DocumentPath)
	assert.Equal(t, DocumentName(p.PrescriptionNumber), *p.DocumentFilename)
	content, err := os.ReadFile(*p.DocumentPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "Fever &lt;38.5&gt;")
}

func TestCreateGivesUpAfterRepeatedCollisions(t *testing.T) {
	f := newFixture(t)
	f.store.collisions = maxNumberAttempts

	_, err := f.service.Create(context.Background(), f.doctor, f.request())
	assert.ErrorIs(t, err, ErrNumberTaken)
	assert.Empty(t, f.store.prescriptions)
}

func TestCreateRemovesDocumentWhenStoreFails(t *testing.T) {
	f := newFixture(t)
	f.store.failCommit = true

	_, err := f.service.Create(context.Background(), f.doctor, f.request())
	require.Error(t, err)

	entries, err := os.ReadDir(f.docDir)
	if err == nil {
		assert.Empty(t, entries)
	}
}

func TestVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.service.Create(ctx, f.doctor, f.request())
	require.NoError(t, err)

	for _, user := range []*auth.User{f.doctor, f.patient, f.admin, {ID: types.NewID(), Role: auth.RoleManager}} {
		_, err := f.service.Get(ctx, user, p.ID)
		assert.NoError(t, err, string(user.Role))
	}

	_, err = f.service.Get(ctx, f.other, p.ID)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	otherPatient := &auth.User{ID: types.NewID(), Role: auth.RolePatient}
	_, err = f.service.Get(ctx, otherPatient, p.ID)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	list, total, err := f.service.List(ctx, f.other, ListFilter{Limit: 20})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, list)

	_, total, err = f.service.List(ctx, f.patient, ListFilter{Limit: 20})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.service.Create(ctx, f.doctor, f.request())
	require.NoError(t, err)

	diagnosis := "Common cold"
	_, err = f.service.Update(ctx, f.other, p.ID, UpdateRequest{Diagnosis: &diagnosis})
	assert.ErrorIs(t, err, errors.ErrNotFound)

	empty := " "
	_, err = f.service.Update(ctx, f.doctor, p.ID, UpdateRequest{Diagnosis: &empty})
	assert.Equal(t, "Diagnosis cannot be empty", appMessage(t, err))

	noTests := []TestItem{}
	updated, err := f.service.Update(ctx, f.doctor, p.ID, UpdateRequest{Diagnosis: &diagnosis, Tests: &noTests})
	require.NoError(t, err)
	assert.Equal(t, "Common cold", updated.Diagnosis)
	assert.Len(t, updated.Medicines, 1)
	assert.Empty(t, updated.Tests)

	content, err := os.ReadFile(*updated.DocumentPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "Common cold")
	assert.NotContains(t, string(content), "Pathology Tests")
}

func TestDeleteAndPrint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.service.Create(ctx, f.doctor, f.request())
	require.NoError(t, err)

	path, err := f.service.Print(ctx, f.patient, p.ID)
	require.NoError(t, err)
	assert.Equal(t, *p.DocumentPath, path)

	_, err = f.service.Delete(ctx, f.other, p.ID)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, err = f.service.Delete(ctx, f.admin, p.ID)
	require.NoError(t, err)
	assert.False(t, f.docs.Exists(path))

	_, err = f.service.Print(ctx, f.patient, p.ID)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	q, err := f.service.Create(ctx, f.doctor, f.request())
	require.NoError(t, err)
	require.NoError(t, os.Remove(*q.DocumentPath))
	_, err = f.service.Print(ctx, f.doctor, q.ID)
	assert.Equal(t, "Prescription document not found", appMessage(t, err))
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func serve(t *testing.T, h http.Handler, method, target, body string, user *auth.User) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if user != nil {
		req = req.WithContext(auth.WithUser(req.Context(), user))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec, env
}

func testAuthenticator() *auth.Authenticator {
	return auth.NewAuthenticator(auth.NewIssuer(config.AuthConfig{TokenSecret: "test-secret-0123456789", TokenTTL: time.Hour}), nil)
}

func TestRoutes(t *testing.T) {
	f := newFixture(t)
	routes := NewHandler(f.service, nil, nil, nil).Routes(testAuthenticator())

	body, err := json.Marshal(f.request())
	require.NoError(t, err)

	rec, _ := serve(t, routes, http.MethodPost, "/", string(body), f.patient)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, env := serve(t, routes, http.MethodPost, "/?action=create", string(body), f.doctor)
	require.Equal(t, http.StatusOK, rec.Code, env.Message)
	assert.Equal(t, "Prescription created successfully", env.Message)

	var created struct {
		PrescriptionID     types.ID `json:"prescription_id"`
		PrescriptionNumber string   `json:"prescription_number"`
		DocumentPath       string   `json:"document_path"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.NotEmpty(t, created.DocumentPath)

	rec, env = serve(t, routes, http.MethodGet, "/"+created.PrescriptionID.String()+"/print", "", f.patient)
	require.Equal(t, http.StatusOK, rec.Code, env.Message)
	var printed map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &printed))
	assert.True(t, strings.HasPrefix(printed["download_url"], "/api/download?file="))

	rec, env = serve(t, routes, http.MethodGet, "/?action=list", "", f.doctor)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Prescriptions []*Prescription `json:"prescriptions"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &listed))
	assert.Len(t, listed.Prescriptions, 1)

	rec, _ = serve(t, routes, http.MethodGet, "/?action=delete&id="+created.PrescriptionID.String(), "", f.doctor)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec, env = serve(t, routes, http.MethodDelete, "/"+created.PrescriptionID.String(), "", f.doctor)
	require.Equal(t, http.StatusOK, rec.Code, env.Message)
	assert.Equal(t, "Prescription deleted successfully", env.Message)
}

func TestTemplates(t *testing.T) {
	f := newFixture(t)
	routes := NewHandler(f.service, nil, nil, nil).Routes(testAuthenticator())

	rec, env := serve(t, routes, http.MethodPost, "/templates", `{"template_name":"Flu"}`, f.doctor)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing required fields: diagnosis", env.Message)

	rec, env = serve(t, routes, http.MethodPost, "/?action=save-template", `{"template_name":"Flu","diagnosis":"Influenza","medicines":{"a":1}}`, f.doctor)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Medicines must be a list", env.Message)

	rec, env = serve(t, routes, http.MethodPost, "/?action=save-template",
		`{"template_name":"Flu","diagnosis":"Influenza","medicines":[{"medicine_id":"x","dosage":"500mg"}]}`, f.doctor)
	require.Equal(t, http.StatusOK, rec.Code, env.Message)
	assert.Equal(t, "Template saved successfully", env.Message)

	var saved struct {
		TemplateID types.ID `json:"template_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &saved))

	rec, env = serve(t, routes, http.MethodGet, "/templates", "", f.doctor)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []*Template
	require.NoError(t, json.Unmarshal(env.Data, &listed))
	require.Len(t, listed, 1)
	assert.JSONEq(t, `[]`, string(listed[0].Tests))

	rec, env = serve(t, routes, http.MethodPost, "/?action=use-template", `{"template_id":"`+saved.TemplateID.String()+`"}`, f.doctor)
	require.Equal(t, http.StatusOK, rec.Code, env.Message)
	var skeleton struct {
		Diagnosis string          `json:"diagnosis"`
		Medicines json.RawMessage `json:"medicines"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &skeleton))
	assert.Equal(t, "Influenza", skeleton.Diagnosis)
	assert.JSONEq(t, `[{"medicine_id":"x","dosage":"500mg"}]`, string(skeleton.Medicines))

	rec, env = serve(t, routes, http.MethodGet, "/templates/"+saved.TemplateID.String(), "", f.other)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Template not found", env.Message)
}
