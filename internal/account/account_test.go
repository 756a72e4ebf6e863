package account

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/carepoint/hospital/internal/files"
	"github.com/carepoint/hospital/internal/shared/auth"
	"github.com/carepoint/hospital/internal/shared/config"
	"github.com/carepoint/hospital/internal/shared/errors"
	"github.com/carepoint/hospital/internal/shared/types"
)

type memStore struct {
	users         map[types.ID]*User
	registrations []*Registration
	updates       []*ProfileUpdate
	licenses      map[string]bool
	failRegister  error
}

func newMemStore() *memStore {
	return &memStore{users: map[types.ID]*User{}, licenses: map[string]bool{}}
}

func (m *memStore) Register(ctx context.Context, reg *Registration) error {
	if m.failRegister != nil {
		return m.failRegister
	}
	m.registrations = append(m.registrations, reg)
	m.users[reg.User.ID] = reg.User
	if reg.Doctor != nil {
		m.licenses[reg.Doctor.LicenseNumber] = true
	}
	return nil
}

func (m *memStore) EmailExists(ctx context.Context, email string) (bool, error) {
	for _, u := range m.users {
		if u.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) LicenseExists(ctx context.Context, license string) (bool, error) {
	return m.licenses[license], nil
}

func (m *memStore) ActiveByEmail(ctx context.Context, email string) (*User, error) {
	for _, u := range m.users {
		if u.Email == email && u.Status == StatusActive {
			return u, nil
		}
	}
	return nil, errors.NotFound("User", email)
}

func (m *memStore) GetUser(ctx context.Context, id types.ID) (*User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, errors.NotFound("User", id.String())
	}
	return u, nil
}

func (m *memStore) Profile(ctx context.Context, id types.ID) (*Profile, error) {
	u, err := m.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Profile{User: *u}, nil
}

func (m *memStore) UpdateProfile(ctx context.Context, id types.ID, role auth.Role, upd *ProfileUpdate, at time.Time) error {
	u := m.users[id]
	if upd.Name != nil {
		u.Name = *upd.Name
	}
	if upd.Phone != nil {
		u.Phone = *upd.Phone
	}
	m.updates = append(m.updates, upd)
	return nil
}

func (m *memStore) UpdatePassword(ctx context.Context, id types.ID, hash string, at time.Time) error {
	m.users[id].PasswordHash = hash
	return nil
}

type memRevoker struct {
	revoked map[string]time.Time
}

func (r *memRevoker) Revoke(ctx context.Context, jti string, until time.Time) error {
	r.revoked[jti] = until
	return nil
}

func (r *memRevoker) IsRevoked(ctx context.Context, jti string) (bool, error) {
	_, ok := r.revoked[jti]
	return ok, nil
}

func testAuthenticator(revoker auth.Revoker) *auth.Authenticator {
	issuer := auth.NewIssuer(config.AuthConfig{TokenSecret: "test-secret-0123456789", TokenTTL: time.Hour, Issuer: "hospital"})
	return auth.NewAuthenticator(issuer, revoker)
}

func newTestHandler(t *testing.T, store Store, revoker auth.Revoker) (*Handler, string) {
	t.Helper()
	dir := t.TempDir()
	storage := files.NewStorage(config.StorageConfig{
		UploadDir:       filepath.Join(dir, "uploads"),
		PrescriptionDir: filepath.Join(dir, "prescriptions"),
		MaxUploadBytes:  1 << 20,
	})
	h := NewHandler(store, testAuthenticator(revoker), storage, nil)
	h.cost = bcrypt.MinCost
	return h, dir
}

func seedUser(t *testing.T, store *memStore, email, password string, role auth.Role) *User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	u := &User{ID: types.NewID(), Name: "Seeded", Email: email, Phone: "+1 555 0100 200", Role: role, Status: StatusActive, PasswordHash: string(hash)}
	store.users[u.ID] = u
	return u
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func do(t *testing.T, h http.HandlerFunc, req *http.Request, user *auth.User) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	if user != nil {
		req = req.WithContext(auth.WithUser(req.Context(), user))
	}
	rec := httptest.NewRecorder()
	h(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec, env
}

func jsonRequest(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestValidateIdentity(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		password string
		phone    string
		role     string
		want     string
	}{
		{"valid", "a@b.com", "secret1", "+1 (555) 010-0200", "patient", ""},
		{"missing", "", "", "+1 555 0100 200", "patient", "Missing required fields: email, password"},
		{"bad email", "not-an-email", "secret1", "+1 555 0100 200", "patient", "Invalid email format"},
		{"display name", "Ann <a@b.com>", "secret1", "+1 555 0100 200", "patient", "Invalid email format"},
		{"short password", "a@b.com", "12345", "+1 555 0100 200", "patient", "Password must be at least 6 characters long"},
		{"short phone", "a@b.com", "secret1", "555-01", "patient", "Invalid phone number format"},
		{"letters in phone", "a@b.com", "secret1", "555-0100-abcd", "patient", "Invalid phone number format"},
		{"bad role", "a@b.com", "secret1", "+1 555 0100 200", "nurse", "Invalid role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			role, err := ValidateIdentity("Ann", tt.email, tt.password, tt.phone, tt.role)
			if tt.want == "" {
				require.NoError(t, err)
				assert.Equal(t, auth.RolePatient, role)
				return
			}
			appErr, ok := errors.As(err)
			require.True(t, ok, "expected an AppError, got %v", err)
			assert.Equal(t, tt.want, appErr.Message)
			assert.Equal(t, http.StatusBadRequest, appErr.HTTPStatus)
		})
	}
}

func TestRegisterPatient(t *testing.T) {
	store := newMemStore()
	h, _ := newTestHandler(t, store, nil)

	body := `{"name":"Ann Lee","email":" Ann@Example.com ","password":"secret1","phone":"+1 555 0100 200","role":"patient","date_of_birth":"1990-04-01"}`
	rec, env := do(t, h.Register, jsonRequest(http.MethodPost, body), nil)
	require.Equal(t, http.StatusCreated, rec.Code, env.Message)
	assert.Equal(t, "Registration successful", env.Message)

	var data struct {
		UserID types.ID `json:"user_id"`
		Token  string   `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	claims, err := h.authn.Issuer().Verify(data.Token)
	require.NoError(t, err)
	assert.Equal(t, data.UserID.String(), claims.UserID)
	assert.Equal(t, auth.RolePatient, claims.Role)

	require.Len(t, store.registrations, 1)
	reg := store.registrations[0]
	assert.Equal(t, "ann@example.com", reg.User.Email)
	assert.Equal(t, StatusActive, reg.User.Status)
	assert.NotEqual(t, "secret1", reg.User.PasswordHash)
	require.NotNil(t, reg.Patient)
	assert.Equal(t, NationalityLocal, reg.Patient.Nationality)
	assert.Equal(t, types.Date("1990-04-01"), *reg.Patient.DateOfBirth)

	rec, env = do(t, h.Register, jsonRequest(http.MethodPost, body), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Email already registered", env.Message)
}

func TestRegisterDoctorFields(t *testing.T) {
	store := newMemStore()
	h, _ := newTestHandler(t, store, nil)

	body := `{"name":"Dr Who","email":"who@example.com","password":"secret1","phone":"+1 555 0100 200","role":"doctor","specialty":"Cardiology","experience_years":4}`
	rec, env := do(t, h.Register, jsonRequest(http.MethodPost, body), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing doctor fields: consultation_fee, license_number", env.Message)

	store.licenses["LIC-1"] = true
	body = `{"name":"Dr Who","email":"who@example.com","password":"secret1","phone":"+1 555 0100 200","role":"doctor","specialty":"Cardiology","experience_years":4,"consultation_fee":"80.50","license_number":"LIC-1"}`
	rec, env = do(t, h.Register, jsonRequest(http.MethodPost, body), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "License number already exists", env.Message)

	body = strings.Replace(body, "LIC-1", "LIC-2", 1)
	rec, env = do(t, h.Register, jsonRequest(http.MethodPost, body), nil)
	require.Equal(t, http.StatusCreated, rec.Code, env.Message)
	doctor := store.registrations[0].Doctor
	require.NotNil(t, doctor)
	assert.Equal(t, "pending", doctor.Status)
	assert.Equal(t, 80.5, doctor.ConsultationFee)
	assert.Equal(t, 4, doctor.ExperienceYears)
}

func TestRegisterStaffRolesRejected(t *testing.T) {
	store := newMemStore()
	h, _ := newTestHandler(t, store, nil)

	for _, role := range []string{"admin", "manager"} {
		t.Run(role, func(t *testing.T) {
			body := `{"name":"Mia","email":"mia@example.com","password":"secret1","phone":"+1 555 0100 200","role":"` + role + `","department":"Billing","position":"Lead"}`
			rec, env := do(t, h.Register, jsonRequest(http.MethodPost, body), nil)
			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.Equal(t, "Only patient and doctor accounts can be registered", env.Message)
		})
	}
	assert.Empty(t, store.registrations)

	assert.True(t, SelfRegistrable(auth.RolePatient))
	assert.True(t, SelfRegistrable(auth.RoleDoctor))
	assert.False(t, SelfRegistrable(auth.RoleAdmin))
	assert.False(t, SelfRegistrable(auth.RoleManager))
}

func TestNewManagerProfile(t *testing.T) {
	now := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)

	_, err := NewManagerProfile("Billing", "", "", "", now)
	appErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, "Missing manager fields: position", appErr.Message)

	m, err := NewManagerProfile(" Billing ", "Lead", "E-7", "", now)
	require.NoError(t, err)
	assert.Equal(t, "Billing", m.Department)
	assert.Equal(t, types.Date("2026-03-04"), m.HireDate)
}

func doctorForm(t *testing.T, fields map[string]string, fileParts map[string][]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for field, names := range fileParts {
		for _, name := range names {
			part, err := mw.CreateFormFile(field, name)
			require.NoError(t, err)
			_, err = part.Write([]byte("content of " + name))
			require.NoError(t, err)
		}
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestRegisterDoctorWithFiles(t *testing.T) {
	store := newMemStore()
	h, _ := newTestHandler(t, store, nil)

	fields := map[string]string{
		"name": "Dr Who", "email": "who@example.com", "password": "secret1", "phone": "+1 555 0100 200",
		"role": "doctor", "specialty": "Cardiology", "license_number": "LIC-9",
		"experience_years": "7", "consultation_fee": "120",
		"certificate_names[]": "Board certification",
	}
	req := doctorForm(t, fields, map[string][]string{
		"photo":        {"me.png"},
		"certificates": {"board.pdf", "residency.pdf"},
	})
	rec, env := do(t, h.Register, req, nil)
	require.Equal(t, http.StatusCreated, rec.Code, env.Message)

	reg := store.registrations[0]
	require.NotNil(t, reg.Doctor.PhotoPath)
	assert.FileExists(t, *reg.Doctor.PhotoPath)
	require.Len(t, reg.Certificates, 2)
	assert.Equal(t, "Board certification", reg.Certificates[0].Name)
	assert.Equal(t, "residency.pdf", reg.Certificates[1].Name)
	assert.Equal(t, "Unknown", reg.Certificates[1].IssuingAuthority)
	for _, c := range reg.Certificates {
		assert.FileExists(t, c.File.Path)
	}
}

func TestRegisterRemovesFilesOnFailure(t *testing.T) {
	store := newMemStore()
	store.failRegister = errors.Wrap(assert.AnError, "failed to commit registration")
	h, dir := newTestHandler(t, store, nil)

	fields := map[string]string{
		"name": "Dr Who", "email": "who@example.com", "password": "secret1", "phone": "+1 555 0100 200",
		"role": "doctor", "specialty": "Cardiology", "license_number": "LIC-9",
		"experience_years": "7", "consultation_fee": "120",
	}
	req := doctorForm(t, fields, map[string][]string{"photo": {"me.png"}, "certificates": {"board.pdf"}})
	rec, _ := do(t, h.Register, req, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var left []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			left = append(left, path)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestLogin(t *testing.T) {
	store := newMemStore()
	h, _ := newTestHandler(t, store, nil)
	user := seedUser(t, store, "doc@example.com", "secret1", auth.RoleDoctor)

	rec, env := do(t, h.Login, jsonRequest(http.MethodPost, `{"email":"DOC@example.com","password":"secret1"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Login successful", env.Message)
	assert.NotContains(t, string(env.Data), "password")

	var data struct {
		User  User   `json:"user"`
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, user.ID, data.User.ID)
	claims, err := h.authn.Issuer().Verify(data.Token)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleDoctor, claims.Role)

	rec, env = do(t, h.Login, jsonRequest(http.MethodPost, `{"email":"doc@example.com","password":"wrong-pass"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid credentials", env.Message)

	user.Status = StatusSuspended
	rec, env = do(t, h.Login, jsonRequest(http.MethodPost, `{"email":"doc@example.com","password":"secret1"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid credentials", env.Message)
}

func TestLogoutRevokesToken(t *testing.T) {
	store := newMemStore()
	revoker := &memRevoker{revoked: map[string]time.Time{}}
	h, _ := newTestHandler(t, store, revoker)
	seedUser(t, store, "pat@example.com", "secret1", auth.RolePatient)

	_, env := do(t, h.Login, jsonRequest(http.MethodPost, `{"email":"pat@example.com","password":"secret1"}`), nil)
	var data struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))

	routes := h.Routes()
	logout := httptest.NewRequest(http.MethodPost, "/logout", nil)
	logout.Header.Set("Authorization", "Bearer "+data.Token)
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, logout)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, revoker.revoked, 1)

	profile := httptest.NewRequest(http.MethodGet, "/profile", nil)
	profile.Header.Set("Authorization", "Bearer "+data.Token)
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, profile)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Token revoked")
}

func TestChangePassword(t *testing.T) {
	store := newMemStore()
	h, _ := newTestHandler(t, store, nil)
	user := seedUser(t, store, "pat@example.com", "secret1", auth.RolePatient)
	caller := &auth.User{ID: user.ID, Role: auth.RolePatient}

	rec, env := do(t, h.ChangePassword, jsonRequest(http.MethodPost, `{"current_password":"secret1","new_password":"abc"}`), caller)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "New password must be at least 6 characters long", env.Message)

	rec, env = do(t, h.ChangePassword, jsonRequest(http.MethodPost, `{"current_password":"nope-nope","new_password":"secret2"}`), caller)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Current password is incorrect", env.Message)

	rec, env = do(t, h.ChangePassword, jsonRequest(http.MethodPost, `{"current_password":"secret1","new_password":"secret2"}`), caller)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Password changed successfully", env.Message)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("secret2")))
}

func TestUpdateProfile(t *testing.T) {
	store := newMemStore()
	h, _ := newTestHandler(t, store, nil)
	user := seedUser(t, store, "doc@example.com", "secret1", auth.RoleDoctor)
	caller := &auth.User{ID: user.ID, Role: auth.RoleDoctor}

	rec, env := do(t, h.UpdateProfile, jsonRequest(http.MethodPut, `{"phone":"12"}`), caller)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid phone number format", env.Message)

	rec, env = do(t, h.UpdateProfile, jsonRequest(http.MethodPut, `{"name":"Dr New","consultation_fee":95}`), caller)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Profile updated successfully", env.Message)
	assert.Equal(t, "Dr New", user.Name)

	upd := store.updates[0]
	require.NotNil(t, upd.fee)
	assert.Equal(t, 95.0, *upd.fee)
	assert.Nil(t, upd.Phone)
	assert.Nil(t, upd.Specialty)

	rec, env = do(t, h.Profile, httptest.NewRequest(http.MethodGet, "/", nil), &auth.User{ID: types.NewID(), Role: auth.RolePatient})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Profile not found", env.Message)
}
