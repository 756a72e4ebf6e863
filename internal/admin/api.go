package admin

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/crypto/bcrypt"

	"github.com/carepoint/hospital/internal/account"
	"github.com/carepoint/hospital/internal/audit"
	"github.com/carepoint/hospital/internal/notification"
	"github.com/carepoint/hospital/internal/shared/auth"
	"github.com/carepoint/hospital/internal/shared/errors"
	"github.com/carepoint/hospital/internal/shared/events"
	"github.com/carepoint/hospital/internal/shared/httpx"
	"github.com/carepoint/hospital/internal/shared/response"
	"github.com/carepoint/hospital/internal/shared/types"
)

// Store is the persistence the admin handlers need
type Store interface {
	PendingDoctors(ctx context.Context) ([]*PendingDoctor, error)
	ApproveDoctor(ctx context.Context, doctorID, adminID types.ID, at time.Time) error
	RejectDoctor(ctx context.Context, doctorID, adminID types.ID, reason string, at time.Time) error

	Users(ctx context.Context, filter UserFilter) ([]*UserSummary, int, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	CreateUser(ctx context.Context, u *account.User, patient *account.PatientProfile, manager *account.ManagerProfile) error
	UpdateUserStatus(ctx context.Context, id types.ID, status string, at time.Time) error
	DeleteUser(ctx context.Context, id types.ID) error
	IsManager(ctx context.Context, id types.ID) (bool, error)
	UpdateManager(ctx context.Context, id types.ID, upd *account.ProfileUpdate, at time.Time) error

	Certificates(ctx context.Context, filter CertificateFilter) ([]*Certificate, int, error)
	VerifyCertificate(ctx context.Context, id, adminID types.ID, at time.Time) (bool, error)
	RejectCertificate(ctx context.Context, id, adminID types.ID, reason string, at time.Time) error

	Stats(ctx context.Context, today types.Date) (*Stats, error)
}

var _ Store = (*Repository)(nil)

// Handler provides HTTP handlers for the admin resource
type Handler struct {
	store    Store
	logs     audit.Reader
	trail    *audit.Trail
	bus      events.Publisher
	notifier notification.Notifier
	cost     int
	now      func() time.Time
}

// NewHandler creates a new admin handler. trail, bus and notifier may be nil.
func NewHandler(store Store, logs audit.Reader, trail *audit.Trail, bus events.Publisher, notifier notification.Notifier) *Handler {
	return &Handler{
		store:    store,
		logs:     logs,
		trail:    trail,
		bus:      bus,
		notifier: notifier,
		cost:     bcrypt.DefaultCost,
		now:      time.Now,
	}
}

// Actions returns the admin operations by action name
func (h *Handler) Actions() httpx.Actions {
	return httpx.Actions{
		"pending-doctors":    httpx.Get(h.PendingDoctors, auth.RoleAdmin),
		"approve-doctor":     httpx.Post(h.ApproveDoctor, auth.RoleAdmin),
		"reject-doctor":      httpx.Post(h.RejectDoctor, auth.RoleAdmin),
		"users":              httpx.Get(h.Users, auth.RoleAdmin),
		"create-user":        httpx.Post(h.CreateUser, auth.RoleAdmin),
		"update-user-status": httpx.Put(h.UpdateUserStatus, auth.RoleAdmin),
		"delete-user":        httpx.Delete(h.DeleteUser, auth.RoleAdmin),
		"certificates":       httpx.Get(h.Certificates, auth.RoleAdmin),
		"verify-certificate": httpx.Post(h.VerifyCertificate, auth.RoleAdmin),
		"reject-certificate": httpx.Post(h.RejectCertificate, auth.RoleAdmin),
		"dashboard-stats":    httpx.Get(h.DashboardStats, auth.RoleAdmin),
		"create-manager":     httpx.Post(h.CreateManager, auth.RoleAdmin),
		"update-manager":     httpx.Put(h.UpdateManager, auth.RoleAdmin, auth.RoleManager),
	}.Merge(audit.NewHandler(h.logs).Actions())
}

// Routes serves /api/admin in both the action and REST forms
func (h *Handler) Routes(authn *auth.Authenticator) http.Handler {
	actions := h.Actions()
	return httpx.Resource(authn, actions, func(r chi.Router) {
		httpx.Route(r, authn, "/doctors/pending", actions["pending-doctors"])
		httpx.Route(r, authn, "/doctors/{id}/approve", actions["approve-doctor"])
		httpx.Route(r, authn, "/doctors/{id}/reject", actions["reject-doctor"])
		httpx.Route(r, authn, "/users", actions["users"])
		httpx.Route(r, authn, "/users", actions["create-user"])
		httpx.Route(r, authn, "/users/{id}/status", actions["update-user-status"])
		httpx.Route(r, authn, "/users/{id}", actions["delete-user"])
		httpx.Route(r, authn, "/certificates", actions["certificates"])
		httpx.Route(r, authn, "/certificates/{id}/verify", actions["verify-certificate"])
		httpx.Route(r, authn, "/certificates/{id}/reject", actions["reject-certificate"])
		httpx.Route(r, authn, "/dashboard", actions["dashboard-stats"])
		httpx.Route(r, authn, "/managers", actions["create-manager"])
		httpx.Route(r, authn, "/managers", actions["update-manager"])
		httpx.Route(r, authn, "/managers/{user_id}", actions["update-manager"])
		audit.NewHandler(h.logs).Routes(r, authn)
	})
}

// PendingDoctors lists doctor registrations awaiting review
func (h *Handler) PendingDoctors(w http.ResponseWriter, r *http.Request) {
	doctors, err := h.store.PendingDoctors(r.Context())
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, "", doctors)
}

// ApproveDoctor approves a pending doctor
func (h *Handler) ApproveDoctor(w http.ResponseWriter, r *http.Request) {
	admin := auth.GetUser(r.Context())
	id, err := httpx.ID(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	if err := h.store.ApproveDoctor(r.Context(), id, admin.ID, h.now()); err != nil {
		response.Error(w, r, err)
		return
	}

	log := hlog.FromRequest(r)
	log.Info().Str("doctor_id", id.String()).Str("approved_by", admin.ID.String()).Msg("doctor approved")
	h.trail.Record(r, audit.ActionStatus, "doctors", id,
		map[string]any{"status": DoctorPending}, map[string]any{"status": DoctorApproved})
	h.trail.Activity(r, "", audit.ActivityDoctorApproved, "Approved doctor "+id.String())
	events.Emit(r.Context(), h.bus, log, events.NewEvent(events.DoctorApproved, "admin",
		map[string]any{"doctor_id": id}).WithActor(admin.ID, string(admin.Role)))
	notification.Send(r.Context(), h.notifier, log,
		notification.DoctorReview(notification.KindDoctorApproved, id, ""))

	response.OK(w, "Doctor approved successfully", nil)
}

// RejectDoctor rejects a pending doctor and deactivates the account
func (h *Handler) RejectDoctor(w http.ResponseWriter, r *http.Request) {
	admin := auth.GetUser(r.Context())
	id, err := httpx.ID(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	var req ReasonRequest
	if err := httpx.DecodeOptional(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = DefaultRejectionReason
	}

	if err := h.store.RejectDoctor(r.Context(), id, admin.ID, reason, h.now()); err != nil {
		response.Error(w, r, err)
		return
	}

	log := hlog.FromRequest(r)
	log.Info().Str("doctor_id", id.String()).Str("rejected_by", admin.ID.String()).Str("reason", reason).Msg("doctor rejected")
	h.trail.Record(r, audit.ActionStatus, "doctors", id,
		map[string]any{"status": DoctorPending}, map[string]any{"status": DoctorRejected, "rejection_reason": reason})
	h.trail.Activity(r, "", audit.ActivityDoctorRejected, "Rejected doctor "+id.String()+": "+reason)
	events.Emit(r.Context(), h.bus, log, events.NewEvent(events.DoctorRejected, "admin",
		map[string]any{"doctor_id": id, "reason": reason}).WithActor(admin.ID, string(admin.Role)))
	notification.Send(r.Context(), h.notifier, log,
		notification.DoctorReview(notification.KindDoctorRejected, id, reason))

	response.OK(w, "Doctor rejected successfully", nil)
}

// Users lists accounts with role, status and search filters
func (h *Handler) Users(w http.ResponseWriter, r *http.Request) {
	page := httpx.ParsePage(r, httpx.DefaultLimit)
	q := r.URL.Query()

	users, total, err := h.store.Users(r.Context(), UserFilter{
		Role:   strings.TrimSpace(q.Get("role")),
		Status: strings.TrimSpace(q.Get("status")),
		Search: strings.TrimSpace(q.Get("search")),
		Limit:  page.Limit,
		Offset: page.Offset(),
	})
	if err != nil {
		response.Error(w, r, err)
		return
	}

	response.OK(w, "", map[string]any{
		"users":      users,
		"pagination": page.Pagination(total),
	})
}

// validStatus reports whether s is an account status
func validStatus(s string) bool {
	switch s {
	case account.StatusActive, account.StatusInactive, account.StatusSuspended:
		return true
	}
	return false
}

// newUser validates the identity fields and hashes the password
func (h *Handler) newUser(ctx context.Context, name, email, password, phone, role, status string) (*account.User, error) {
	parsed, err := account.ValidateIdentity(name, email, password, phone, role)
	if err != nil {
		return nil, err
	}
	status = strings.TrimSpace(status)
	if status == "" {
		status = account.StatusActive
	}
	if !validStatus(status) {
		return nil, errors.Validation("Invalid status", map[string]string{"status": "expected active, inactive or suspended"})
	}

	email = account.NormalizeEmail(email)
	exists, err := h.store.EmailExists(ctx, email)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, account.ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return nil, errors.Wrap(err, "failed to hash password")
	}

	now := h.now()
	return &account.User{
		ID:           types.NewID(),
		Name:         strings.TrimSpace(name),
		Email:        email,
		Phone:        strings.TrimSpace(phone),
		Role:         parsed,
		Status:       status,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// CreateUser creates an admin, patient or manager account. Doctor accounts
// need a license and certificates and go through registration.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := httpx.Decode(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	u, err := h.newUser(r.Context(), req.Name, req.Email, req.Password, req.Phone, req.Role, req.Status)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	var patient *account.PatientProfile
	var manager *account.ManagerProfile
	switch u.Role {
	case auth.RoleDoctor:
		response.Error(w, r, errors.Validation("Doctor accounts must be created through registration",
			map[string]string{"role": "doctor"}))
		return
	case auth.RolePatient:
		patient = &account.PatientProfile{Nationality: account.NationalityLocal}
	case auth.RoleManager:
		manager, err = account.NewManagerProfile(req.Department, req.Position, req.EmployeeID, req.HireDate, u.CreatedAt)
		if err != nil {
			response.Error(w, r, err)
			return
		}
	}

	if err := h.store.CreateUser(r.Context(), u, patient, manager); err != nil {
		response.Error(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().Str("user_id", u.ID.String()).Str("role", string(u.Role)).Msg("user created")
	h.trail.Record(r, audit.ActionCreate, "users", u.ID, nil,
		map[string]any{"email": u.Email, "role": u.Role, "status": u.Status})
	h.trail.Activity(r, "", audit.ActivityUserCreated, "Created "+string(u.Role)+" account "+u.Email)

	response.OK(w, "User created successfully", map[string]any{"user_id": u.ID})
}

// UpdateUserStatus sets a user's account status
func (h *Handler) UpdateUserStatus(w http.ResponseWriter, r *http.Request) {
	id, idErr := httpx.ID(r)

	var req StatusRequest
	if err := httpx.Decode(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}
	status := strings.TrimSpace(req.Status)
	if idErr != nil || !validStatus(status) {
		response.Error(w, r, errors.Validation("Invalid user ID or status", nil))
		return
	}

	if err := h.store.UpdateUserStatus(r.Context(), id, status, h.now()); err != nil {
		response.Error(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().Str("user_id", id.String()).Str("status", status).Msg("user status updated")
	h.trail.Record(r, audit.ActionStatus, "users", id, nil, map[string]any{"status": status})
	h.trail.Activity(r, "", audit.ActivityUserUpdated, "Set status of user "+id.String()+" to "+status)

	response.OK(w, "User status updated successfully", nil)
}

// DeleteUser deletes an account other than the caller's
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	admin := auth.GetUser(r.Context())
	id, err := httpx.ID(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	if id == admin.ID {
		response.Error(w, r, errors.Validation("You cannot delete your own account", nil))
		return
	}

	if err := h.store.DeleteUser(r.Context(), id); err != nil {
		response.Error(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().Str("user_id", id.String()).Msg("user deleted")
	h.trail.Record(r, audit.ActionDelete, "users", id, nil, nil)
	h.trail.Activity(r, "", audit.ActivityUserDeleted, "Deleted user "+id.String())

	response.OK(w, "User deleted successfully", nil)
}

// Certificates lists doctor certificates with an optional status filter
func (h *Handler) Certificates(w http.ResponseWriter, r *http.Request) {
	page := httpx.ParsePage(r, httpx.DefaultLimit)

	certificates, total, err := h.store.Certificates(r.Context(), CertificateFilter{
		Status: strings.TrimSpace(r.URL.Query().Get("status")),
		Limit:  page.Limit,
		Offset: page.Offset(),
	})
	if err != nil {
		response.Error(w, r, err)
		return
	}

	response.OK(w, "", map[string]any{
		"certificates": certificates,
		"pagination":   page.Pagination(total),
	})
}

// VerifyCertificate marks a pending certificate verified
func (h *Handler) VerifyCertificate(w http.ResponseWriter, r *http.Request) {
	admin := auth.GetUser(r.Context())
	id, err := httpx.ID(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	changed, err := h.store.VerifyCertificate(r.Context(), id, admin.ID, h.now())
	if err != nil {
		response.Error(w, r, err)
		return
	}

	if changed {
		hlog.FromRequest(r).Info().Str("certificate_id", id.String()).Str("verified_by", admin.ID.String()).Msg("certificate verified")
		h.trail.Record(r, audit.ActionStatus, "certificates", id,
			map[string]any{"status": CertificatePending}, map[string]any{"status": CertificateVerified})
		h.trail.Activity(r, "", audit.ActivityCertificate, "Verified certificate "+id.String())
	}

	response.OK(w, "Certificate verified successfully", nil)
}

// RejectCertificate marks a pending certificate rejected
func (h *Handler) RejectCertificate(w http.ResponseWriter, r *http.Request) {
	admin := auth.GetUser(r.Context())
	id, err := httpx.ID(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	var req ReasonRequest
	if err := httpx.DecodeOptional(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}
	reason := strings.TrimSpace(req.Reason)

	if err := h.store.RejectCertificate(r.Context(), id, admin.ID, reason, h.now()); err != nil {
		response.Error(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().Str("certificate_id", id.String()).Str("rejected_by", admin.ID.String()).Str("reason", reason).Msg("certificate rejected")
	h.trail.Record(r, audit.ActionStatus, "certificates", id,
		map[string]any{"status": CertificatePending}, map[string]any{"status": CertificateRejected, "rejection_reason": reason})
	h.trail.Activity(r, "", audit.ActivityCertificate, "Rejected certificate "+id.String())

	response.OK(w, "Certificate rejected successfully", nil)
}

// DashboardStats returns the admin dashboard counts
func (h *Handler) DashboardStats(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	stats, err := h.store.Stats(r.Context(), types.DateOf(now))
	if err != nil {
		response.Error(w, r, err)
		return
	}

	stats.RecentActivity = []audit.ActivityCount{}
	if h.logs != nil {
		recent, err := h.logs.ActivitySummary(r.Context(), now.AddDate(0, 0, -RecentActivityDays), RecentActivityLimit)
		if err != nil {
			response.Error(w, r, err)
			return
		}
		if recent != nil {
			stats.RecentActivity = recent
		}
	}

	response.OK(w, "", stats)
}

// CreateManager creates a manager account with its profile
func (h *Handler) CreateManager(w http.ResponseWriter, r *http.Request) {
	var req CreateManagerRequest
	if err := httpx.Decode(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}
	if err := httpx.RequireFields(map[string]string{
		"name":       req.Name,
		"email":      req.Email,
		"phone":      req.Phone,
		"password":   req.Password,
		"department": req.Department,
		"position":   req.Position,
	}); err != nil {
		response.Error(w, r, err)
		return
	}

	u, err := h.newUser(r.Context(), req.Name, req.Email, req.Password, req.Phone, string(auth.RoleManager), account.StatusActive)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	manager, err := account.NewManagerProfile(req.Department, req.Position, req.EmployeeID, req.HireDate, u.CreatedAt)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	if err := h.store.CreateUser(r.Context(), u, nil, manager); err != nil {
		response.Error(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().Str("manager_id", u.ID.String()).Str("department", manager.Department).Msg("manager created")
	h.trail.Record(r, audit.ActionCreate, "managers", u.ID, nil,
		map[string]any{"email": u.Email, "department": manager.Department, "position": manager.Position})
	h.trail.Activity(r, "", audit.ActivityManagerCreated, "Created manager "+u.Email)

	response.OK(w, "Manager profile created successfully", map[string]any{"manager_id": u.ID})
}

// UpdateManager updates a manager profile. Managers may only update their
// own; user_id defaults to the caller.
func (h *Handler) UpdateManager(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())

	id := user.ID
	if raw := chi.URLParam(r, "user_id"); raw != "" || r.URL.Query().Get("user_id") != "" {
		parsed, err := httpx.Param(r, "user_id")
		if err != nil {
			response.Error(w, r, err)
			return
		}
		id = parsed
	}
	if !user.IsAdmin() && id != user.ID {
		response.Error(w, r, errors.Forbidden("You can only update your own profile"))
		return
	}

	var req UpdateManagerRequest
	if err := httpx.Decode(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		response.Error(w, r, errors.Validation("Name cannot be empty", map[string]string{"name": "required"}))
		return
	}
	if req.Phone != nil && !account.ValidPhone(*req.Phone) {
		response.Error(w, r, errors.Validation("Invalid phone number format", map[string]string{"phone": "invalid"}))
		return
	}

	ok, err := h.store.IsManager(r.Context(), id)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	if !ok {
		response.Error(w, r, errors.NotFound("Manager", id.String()))
		return
	}

	upd := &account.ProfileUpdate{
		Name:       trimmed(req.Name),
		Phone:      trimmed(req.Phone),
		Department: trimmed(req.Department),
		Position:   trimmed(req.Position),
		EmployeeID: trimmed(req.EmployeeID),
	}
	if err := h.store.UpdateManager(r.Context(), id, upd, h.now()); err != nil {
		response.Error(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().Str("manager_id", id.String()).Str("updated_by", user.ID.String()).Msg("manager updated")
	h.trail.Record(r, audit.ActionUpdate, "managers", id, nil, map[string]any{
		"name": upd.Name, "phone": upd.Phone, "department": upd.Department, "position": upd.Position, "employee_id": upd.EmployeeID,
	})
	h.trail.Activity(r, "", audit.ActivityProfileUpdate, "Updated manager "+id.String())

	response.OK(w, "Manager profile updated successfully", nil)
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}
