package account

import (
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/crypto/bcrypt"

	"github.com/carepoint/hospital/internal/audit"
	"github.com/carepoint/hospital/internal/files"
	"github.com/carepoint/hospital/internal/shared/auth"
	"github.com/carepoint/hospital/internal/shared/errors"
	"github.com/carepoint/hospital/internal/shared/httpx"
	"github.com/carepoint/hospital/internal/shared/metrics"
	"github.com/carepoint/hospital/internal/shared/response"
	"github.com/carepoint/hospital/internal/shared/types"
)

// Store is the persistence the account handlers need
type Store interface {
	Register(ctx context.Context, reg *Registration) error
	EmailExists(ctx context.Context, email string) (bool, error)
	LicenseExists(ctx context.Context, license string) (bool, error)
	ActiveByEmail(ctx context.Context, email string) (*User, error)
	GetUser(ctx context.Context, id types.ID) (*User, error)
	Profile(ctx context.Context, id types.ID) (*Profile, error)
	UpdateProfile(ctx context.Context, id types.ID, role auth.Role, upd *ProfileUpdate, at time.Time) error
	UpdatePassword(ctx context.Context, id types.ID, hash string, at time.Time) error
}

var _ Store = (*Repository)(nil)

// Handler provides HTTP handlers for the auth resource
type Handler struct {
	store   Store
	authn   *auth.Authenticator
	storage *files.Storage
	trail   *audit.Trail
	limiter func(http.Handler) http.Handler
	cost    int
	now     func() time.Time
}

// NewHandler creates a new account handler. storage and trail may be nil;
// without storage multipart registrations are rejected.
func NewHandler(store Store, authn *auth.Authenticator, storage *files.Storage, trail *audit.Trail) *Handler {
	return &Handler{
		store:   store,
		authn:   authn,
		storage: storage,
		trail:   trail,
		cost:    bcrypt.DefaultCost,
		now:     time.Now,
	}
}

// WithLimiter puts login and register behind mw
func (h *Handler) WithLimiter(mw func(http.Handler) http.Handler) *Handler {
	h.limiter = mw
	return h
}

func (h *Handler) limited(fn http.HandlerFunc) http.HandlerFunc {
	if h.limiter == nil {
		return fn
	}
	return h.limiter(fn).ServeHTTP
}

// Actions returns the account operations by action name
func (h *Handler) Actions() httpx.Actions {
	return httpx.Actions{
		"login":           httpx.Post(h.limited(h.Login)).Anonymous(),
		"register":        httpx.Post(h.limited(h.Register)).Anonymous(),
		"logout":          httpx.Post(h.Logout),
		"profile":         httpx.Get(h.Profile),
		"update-profile":  {Methods: []string{http.MethodPut, http.MethodPost}, Handler: h.UpdateProfile},
		"change-password": httpx.Post(h.ChangePassword),
	}
}

// Routes serves /api/auth in both the action and REST forms
func (h *Handler) Routes() http.Handler {
	actions := h.Actions()
	return httpx.Resource(h.authn, actions, func(r chi.Router) {
		httpx.Route(r, h.authn, "/login", actions["login"])
		httpx.Route(r, h.authn, "/register", actions["register"])
		httpx.Route(r, h.authn, "/logout", actions["logout"])
		httpx.Route(r, h.authn, "/profile", actions["profile"])
		httpx.Route(r, h.authn, "/profile", actions["update-profile"])
		httpx.Route(r, h.authn, "/change-password", actions["change-password"])
	})
}

// Login exchanges email and password for a token
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	var req LoginRequest
	if err := httpx.Decode(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}
	if err := httpx.RequireFields(map[string]string{"email": req.Email, "password": req.Password}); err != nil {
		response.Error(w, r, err)
		return
	}
	email := NormalizeEmail(req.Email)

	user, err := h.store.ActiveByEmail(r.Context(), email)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		response.Error(w, r, err)
		return
	}
	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		log.Warn().Str("email", email).Str("ip", httpx.ClientIP(r)).Msg("failed login attempt")
		metrics.RecordLogin(false)
		var userID types.ID
		if user != nil {
			userID = user.ID
		}
		h.trail.Activity(r, userID, audit.ActivityLoginFailed, "Failed login for "+email)
		response.Error(w, r, errors.Unauthorized("Invalid credentials"))
		return
	}

	token, _, err := h.authn.Issuer().Issue(user.ID, user.Role)
	if err != nil {
		response.Error(w, r, errors.Wrap(err, "failed to issue token"))
		return
	}

	metrics.RecordLogin(true)
	log.Info().Str("user_id", user.ID.String()).Str("role", string(user.Role)).Msg("user logged in")
	h.trail.Activity(r, user.ID, audit.ActivityLogin, "User logged in")

	response.OK(w, "Login successful", map[string]any{
		"user":  user,
		"token": token,
	})
}

// Logout revokes the presented token when a revocation store is configured
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())

	if revoker := h.authn.Revoker(); revoker != nil && user.TokenID != "" {
		if err := revoker.Revoke(r.Context(), user.TokenID, user.ExpiresAt); err != nil {
			response.Error(w, r, errors.Wrap(err, "failed to revoke token"))
			return
		}
	}

	h.trail.Activity(r, user.ID, audit.ActivityLogout, "User logged out")
	response.OK(w, "Logout successful", nil)
}

// Register creates an account with its role profile. The body is JSON, or
// a multipart form carrying photo, certificates and passport files.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	req, form, err := h.decodeRegister(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	reg, err := h.buildRegistration(r.Context(), req)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	var saved []string
	cleanup := func() {
		for _, path := range saved {
			if err := h.storage.Remove(path); err != nil {
				hlog.FromRequest(r).Warn().Err(err).Str("path", path).Msg("failed to remove upload")
			}
		}
	}
	if form != nil {
		if saved, err = h.attachFiles(reg, req, form); err != nil {
			cleanup()
			response.Error(w, r, err)
			return
		}
	}

	if err := h.store.Register(r.Context(), reg); err != nil {
		cleanup()
		response.Error(w, r, err)
		return
	}

	token, _, err := h.authn.Issuer().Issue(reg.User.ID, reg.User.Role)
	if err != nil {
		response.Error(w, r, errors.Wrap(err, "failed to issue token"))
		return
	}

	hlog.FromRequest(r).Info().
		Str("user_id", reg.User.ID.String()).
		Str("role", string(reg.User.Role)).
		Int("certificates", len(reg.Certificates)).
		Msg("user registered")
	h.trail.Record(r, audit.ActionCreate, "users", reg.User.ID, nil, map[string]any{
		"email": reg.User.Email, "role": reg.User.Role,
	})
	h.trail.Activity(r, reg.User.ID, audit.ActivityRegister, "New "+string(reg.User.Role)+" registered")

	response.Created(w, "Registration successful", map[string]any{
		"user_id": reg.User.ID,
		"token":   token,
	})
}

func (h *Handler) decodeRegister(r *http.Request) (*RegisterRequest, *multipart.Form, error) {
	var req RegisterRequest
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := httpx.Decode(r, &req); err != nil {
			return nil, nil, err
		}
		return &req, nil, nil
	}

	if h.storage == nil {
		return nil, nil, errors.BadRequest("File uploads are not enabled")
	}
	if err := r.ParseMultipartForm(h.storage.MaxBytes()); err != nil {
		return nil, nil, errors.BadRequest("Invalid multipart form")
	}
	form := r.MultipartForm
	value := func(name string) string {
		if v := formValues(form, name); len(v) > 0 {
			return v[0]
		}
		return ""
	}

	req = RegisterRequest{
		Name:             value("name"),
		Email:            value("email"),
		Password:         value("password"),
		Phone:            value("phone"),
		Role:             value("role"),
		Specialty:        value("specialty"),
		LicenseNumber:    value("license_number"),
		ExperienceYears:  json.Number(value("experience_years")),
		ConsultationFee:  json.Number(value("consultation_fee")),
		Bio:              value("bio"),
		DateOfBirth:      value("date_of_birth"),
		Gender:           value("gender"),
		Address:          value("address"),
		EmergencyContact: value("emergency_contact"),
		Nationality:      value("nationality"),
		PassportNumber:   value("passport_number"),
		PassportExpiry:   value("passport_expiry"),

		CertificateNames:       formValues(form, "certificate_names"),
		CertificateAuthorities: formValues(form, "certificate_authorities"),
		CertificateIssueDates:  formValues(form, "certificate_issue_dates"),
		CertificateExpiryDates: formValues(form, "certificate_expiry_dates"),
	}
	return &req, form, nil
}

// formValues reads a repeated form field, accepting the name with or
// without a trailing [].
func formValues(form *multipart.Form, name string) []string {
	if v := form.Value[name]; len(v) > 0 {
		return v
	}
	return form.Value[name+"[]"]
}

func formFiles(form *multipart.Form, name string) []*multipart.FileHeader {
	if f := form.File[name]; len(f) > 0 {
		return f
	}
	return form.File[name+"[]"]
}

func (h *Handler) buildRegistration(ctx context.Context, req *RegisterRequest) (*Registration, error) {
	role, err := ValidateIdentity(req.Name, req.Email, req.Password, req.Phone, req.Role)
	if err != nil {
		return nil, err
	}
	if !SelfRegistrable(role) {
		return nil, ErrStaffRegistration
	}
	email := NormalizeEmail(req.Email)

	taken, err := h.store.EmailExists(ctx, email)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), h.cost)
	if err != nil {
		return nil, errors.Wrap(err, "failed to hash password")
	}

	now := h.now()
	reg := &Registration{User: &User{
		ID:           types.NewID(),
		Name:         strings.TrimSpace(req.Name),
		Email:        email,
		Phone:        strings.TrimSpace(req.Phone),
		Role:         role,
		Status:       StatusActive,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}}

	switch role {
	case auth.RoleDoctor:
		reg.Doctor, err = h.doctorProfile(ctx, req)
	case auth.RolePatient:
		reg.Patient, err = patientProfile(req)
	}
	if err != nil {
		return nil, err
	}
	return reg, nil
}

func (h *Handler) doctorProfile(ctx context.Context, req *RegisterRequest) (*DoctorProfile, error) {
	missing := httpx.Missing(map[string]string{
		"specialty":        req.Specialty,
		"license_number":   req.LicenseNumber,
		"experience_years": req.ExperienceYears.String(),
		"consultation_fee": req.ConsultationFee.String(),
	})
	if len(missing) > 0 {
		return nil, errors.Validation("Missing doctor fields: "+strings.Join(missing, ", "), nil)
	}

	years, err := strconv.Atoi(strings.TrimSpace(req.ExperienceYears.String()))
	if err != nil || years < 0 {
		return nil, errors.Validation("Invalid experience_years", map[string]string{"experience_years": "must be a whole number"})
	}
	fee, err := strconv.ParseFloat(strings.TrimSpace(req.ConsultationFee.String()), 64)
	if err != nil || fee < 0 {
		return nil, errors.Validation("Invalid consultation_fee", map[string]string{"consultation_fee": "must be a number"})
	}

	license := strings.TrimSpace(req.LicenseNumber)
	taken, err := h.store.LicenseExists(ctx, license)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrLicenseTaken
	}

	return &DoctorProfile{
		Specialty:       strings.TrimSpace(req.Specialty),
		LicenseNumber:   license,
		ExperienceYears: years,
		ConsultationFee: fee,
		Bio:             strings.TrimSpace(req.Bio),
		Status:          "pending",
	}, nil
}

func patientProfile(req *RegisterRequest) (*PatientProfile, error) {
	nationality := strings.ToLower(strings.TrimSpace(req.Nationality))
	if nationality == "" {
		nationality = NationalityLocal
	}
	if nationality != NationalityLocal && nationality != NationalityInternational {
		return nil, errors.Validation("Invalid nationality", map[string]string{"nationality": "expected local or international"})
	}

	dob, err := optionalDate("date_of_birth", req.DateOfBirth)
	if err != nil {
		return nil, err
	}
	expiry, err := optionalDate("passport_expiry", req.PassportExpiry)
	if err != nil {
		return nil, err
	}

	return &PatientProfile{
		DateOfBirth:      dob,
		Gender:           strings.TrimSpace(req.Gender),
		Address:          strings.TrimSpace(req.Address),
		EmergencyContact: strings.TrimSpace(req.EmergencyContact),
		Nationality:      nationality,
		PassportNumber:   strings.TrimSpace(req.PassportNumber),
		PassportExpiry:   expiry,
	}, nil
}

// managerProfile validates the manager fields. hire_date defaults to the
// current day.
func managerProfile(department, position, employeeID, hireDate string, now time.Time) (*ManagerProfile, error) {
	missing := httpx.Missing(map[string]string{"department": department, "position": position})
	if len(missing) > 0 {
		return nil, errors.Validation("Missing manager fields: "+strings.Join(missing, ", "), nil)
	}

	hired := types.DateOf(now)
	if d, err := optionalDate("hire_date", hireDate); err != nil {
		return nil, err
	} else if d != nil {
		hired = *d
	}

	return &ManagerProfile{
		Department: strings.TrimSpace(department),
		Position:   strings.TrimSpace(position),
		EmployeeID: strings.TrimSpace(employeeID),
		HireDate:   hired,
	}, nil
}

// NewManagerProfile validates manager fields for the admin endpoints
func NewManagerProfile(department, position, employeeID, hireDate string, now time.Time) (*ManagerProfile, error) {
	return managerProfile(department, position, employeeID, hireDate, now)
}

// attachFiles stores the uploaded files of a registration and returns the
// paths written so far.
func (h *Handler) attachFiles(reg *Registration, req *RegisterRequest, form *multipart.Form) ([]string, error) {
	var saved []string
	save := func(fileType string, header *multipart.FileHeader) (*files.StoredFile, error) {
		f, err := h.storage.Save(fileType, header)
		if err != nil {
			return nil, err
		}
		saved = append(saved, f.Path)
		return f, nil
	}

	photos := formFiles(form, "photo")
	switch {
	case reg.Doctor != nil:
		if len(photos) > 0 {
			f, err := save(files.TypePhoto, photos[0])
			if err != nil {
				return saved, err
			}
			reg.Doctor.PhotoPath = &f.Path
			reg.Doctor.PhotoFilename = &f.OriginalName
			reg.Doctor.PhotoSize = &f.Size
			reg.Doctor.PhotoType = &f.ContentType
		}
		issued := types.DateOf(h.now())
		for i, header := range formFiles(form, "certificates") {
			f, err := save(files.TypeCertificate, header)
			if err != nil {
				return saved, err
			}
			c, err := certificateAt(req, i, f, issued)
			if err != nil {
				return saved, err
			}
			reg.Certificates = append(reg.Certificates, c)
		}
	case reg.Patient != nil:
		if len(photos) > 0 {
			f, err := save(files.TypePhoto, photos[0])
			if err != nil {
				return saved, err
			}
			reg.Patient.PhotoPath = &f.Path
			reg.Patient.PhotoFilename = &f.OriginalName
		}
		if passports := formFiles(form, "passport"); len(passports) > 0 && reg.Patient.Nationality == NationalityInternational {
			f, err := save(files.TypePassport, passports[0])
			if err != nil {
				return saved, err
			}
			reg.Patient.PassportPath = &f.Path
			reg.Patient.PassportFilename = &f.OriginalName
		}
	}
	return saved, nil
}

// certificateAt builds the i-th certificate from the parallel form arrays.
// A missing name falls back to the file name.
func certificateAt(req *RegisterRequest, i int, f *files.StoredFile, issued types.Date) (*Certificate, error) {
	at := func(list []string) string {
		if i < len(list) {
			return strings.TrimSpace(list[i])
		}
		return ""
	}

	c := &Certificate{
		ID:               types.NewID(),
		Name:             at(req.CertificateNames),
		IssuingAuthority: at(req.CertificateAuthorities),
		IssueDate:        issued,
		File:             f,
	}
	if c.Name == "" {
		c.Name = f.OriginalName
	}
	if c.IssuingAuthority == "" {
		c.IssuingAuthority = "Unknown"
	}
	if d, err := optionalDate("certificate_issue_dates", at(req.CertificateIssueDates)); err != nil {
		return nil, err
	} else if d != nil {
		c.IssueDate = *d
	}
	expiry, err := optionalDate("certificate_expiry_dates", at(req.CertificateExpiryDates))
	if err != nil {
		return nil, err
	}
	c.ExpiryDate = expiry
	return c, nil
}

// Profile returns the caller's account and role profile
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())

	profile, err := h.store.Profile(r.Context(), user.ID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			response.Error(w, r, errors.NotFoundMessage("Profile not found"))
			return
		}
		response.Error(w, r, err)
		return
	}
	response.OK(w, "", profile)
}

// UpdateProfile writes the provided profile fields. A multipart request
// carries the JSON fields in a data part next to an optional photo.
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())

	var upd ProfileUpdate
	var photo *multipart.FileHeader
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if h.storage == nil {
			response.Error(w, r, errors.BadRequest("File uploads are not enabled"))
			return
		}
		if err := r.ParseMultipartForm(h.storage.MaxBytes()); err != nil {
			response.Error(w, r, errors.BadRequest("Invalid multipart form"))
			return
		}
		if data := r.FormValue("data"); data != "" {
			if err := json.Unmarshal([]byte(data), &upd); err != nil {
				response.Error(w, r, errors.BadRequest("Invalid JSON body"))
				return
			}
		}
		if photos := formFiles(r.MultipartForm, "photo"); len(photos) > 0 {
			photo = photos[0]
		}
	} else if err := httpx.Decode(r, &upd); err != nil {
		response.Error(w, r, err)
		return
	}

	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		response.Error(w, r, errors.Validation("Name cannot be empty", map[string]string{"name": "required"}))
		return
	}
	if upd.Phone != nil && !phonePattern.MatchString(strings.TrimSpace(*upd.Phone)) {
		response.Error(w, r, errors.Validation("Invalid phone number format", map[string]string{"phone": "invalid"}))
		return
	}
	if upd.ConsultationFee != nil {
		fee, err := upd.ConsultationFee.Float64()
		if err != nil || fee < 0 {
			response.Error(w, r, errors.Validation("Invalid consultation_fee", map[string]string{"consultation_fee": "must be a number"}))
			return
		}
		upd.fee = &fee
	}

	if photo != nil && user.Is(auth.RoleDoctor, auth.RolePatient) {
		f, err := h.storage.Save(files.TypePhoto, photo)
		if err != nil {
			response.Error(w, r, err)
			return
		}
		upd.photo = f
	}

	if err := h.store.UpdateProfile(r.Context(), user.ID, user.Role, &upd, h.now()); err != nil {
		if upd.photo != nil {
			h.storage.Remove(upd.photo.Path)
		}
		response.Error(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().Str("user_id", user.ID.String()).Msg("profile updated")
	h.trail.Activity(r, user.ID, audit.ActivityProfileUpdate, "Profile updated")
	response.OK(w, "Profile updated successfully", nil)
}

// ChangePassword replaces the caller's password after checking the current one
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())

	var req ChangePasswordRequest
	if err := httpx.Decode(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}
	if err := httpx.RequireFields(map[string]string{
		"current_password": req.CurrentPassword,
		"new_password":     req.NewPassword,
	}); err != nil {
		response.Error(w, r, err)
		return
	}
	if len(req.NewPassword) < MinPasswordLength {
		response.Error(w, r, errors.Validation("New password must be at least 6 characters long", map[string]string{"new_password": "too short"}))
		return
	}

	account, err := h.store.GetUser(r.Context(), user.ID)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.CurrentPassword)) != nil {
		response.Error(w, r, errors.Unauthorized("Current password is incorrect"))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), h.cost)
	if err != nil {
		response.Error(w, r, errors.Wrap(err, "failed to hash password"))
		return
	}
	if err := h.store.UpdatePassword(r.Context(), user.ID, string(hash), h.now()); err != nil {
		response.Error(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().Str("user_id", user.ID.String()).Msg("password changed")
	h.trail.Activity(r, user.ID, audit.ActivityPasswordChange, "Password changed")
	response.OK(w, "Password changed successfully", nil)
}
