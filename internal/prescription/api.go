package prescription

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/carepoint/hospital/internal/audit"
	"github.com/carepoint/hospital/internal/notification"
	"github.com/carepoint/hospital/internal/shared/auth"
	"github.com/carepoint/hospital/internal/shared/events"
	"github.com/carepoint/hospital/internal/shared/httpx"
	"github.com/carepoint/hospital/internal/shared/metrics"
	"github.com/carepoint/hospital/internal/shared/response"
)

// DownloadPath is the endpoint that serves stored documents
const DownloadPath = "/api/download"

// Handler provides HTTP handlers for prescriptions and templates
type Handler struct {
	service  *Service
	trail    *audit.Trail
	bus      events.Publisher
	notifier notification.Notifier
}

// NewHandler creates a new prescription handler. trail, bus and notifier
// may be nil.
func NewHandler(service *Service, trail *audit.Trail, bus events.Publisher, notifier notification.Notifier) *Handler {
	return &Handler{service: service, trail: trail, bus: bus, notifier: notifier}
}

// Actions returns the prescription operations by action name
func (h *Handler) Actions() httpx.Actions {
	return httpx.Actions{
		"list":          httpx.Get(h.List),
		"get":           httpx.Get(h.Get),
		"create":        httpx.Post(h.Create, auth.RoleDoctor),
		"update":        httpx.Put(h.Update, auth.RoleDoctor),
		"delete":        httpx.Delete(h.Delete, auth.RoleDoctor, auth.RoleAdmin),
		"print":         httpx.Get(h.Print),
		"templates":     httpx.Get(h.Templates, auth.RoleDoctor),
		"save-template": httpx.Post(h.SaveTemplate, auth.RoleDoctor),
		"use-template":  {Methods: []string{http.MethodGet, http.MethodPost}, Roles: []auth.Role{auth.RoleDoctor}, Handler: h.UseTemplate},
	}
}

// Routes serves /api/prescriptions in both the action and REST forms
func (h *Handler) Routes(authn *auth.Authenticator) http.Handler {
	actions := h.Actions()
	return httpx.Resource(authn, actions, func(r chi.Router) {
		httpx.Route(r, authn, "/", actions["list"])
		httpx.Route(r, authn, "/", actions["create"])
		httpx.Route(r, authn, "/templates", actions["templates"])
		httpx.Route(r, authn, "/templates", actions["save-template"])
		httpx.Route(r, authn, "/templates/{template_id}", httpx.Get(h.UseTemplate, auth.RoleDoctor))
		httpx.Route(r, authn, "/{id}", actions["get"])
		httpx.Route(r, authn, "/{id}", actions["update"])
		httpx.Route(r, authn, "/{id}", actions["delete"])
		httpx.Route(r, authn, "/{id}/print", actions["print"])
	})
}

// List lists the caller's prescriptions
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	page := httpx.ParsePage(r, httpx.DefaultLimit)
	q := r.URL.Query()

	prescriptions, total, err := h.service.List(r.Context(), auth.GetUser(r.Context()), ListFilter{
		Status: q.Get("status"),
		Search: q.Get("search"),
		Limit:  page.Limit,
		Offset: page.Offset(),
	})
	if err != nil {
		response.Error(w, r, err)
		return
	}

	response.OK(w, "", map[string]any{
		"prescriptions": prescriptions,
		"pagination":    page.Pagination(total),
	})
}

// Get retrieves one prescription with its lines
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ID(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	p, err := h.service.Get(r.Context(), auth.GetUser(r.Context()), id)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	if p.Medicines == nil {
		p.Medicines = []*MedicineLine{}
	}
	if p.Tests == nil {
		p.Tests = []*TestLine{}
	}

	response.OK(w, "", p)
}

// Create issues a prescription and writes its document
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())

	var req CreateRequest
	if err := httpx.Decode(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	p, err := h.service.Create(r.Context(), user, req)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	log := hlog.FromRequest(r)
	log.Info().
		Str("prescription_id", p.ID.String()).
		Str("prescription_number", p.PrescriptionNumber).
		Str("doctor_id", p.DoctorID.String()).
		Str("patient_id", p.PatientID.String()).
		Int("medicines", len(p.Medicines)).
		Int("tests", len(p.Tests)).
		Msg("prescription issued")

	metrics.RecordPrescriptionIssued()
	h.trail.Record(r, audit.ActionCreate, "prescriptions", p.ID, nil, map[string]any{
		"prescription_number": p.PrescriptionNumber,
		"patient_id":          p.PatientID,
		"diagnosis":           p.Diagnosis,
		"medicines":           len(p.Medicines),
		"tests":               len(p.Tests),
	})
	h.trail.Activity(r, "", audit.ActivityPrescription, "Issued prescription "+p.PrescriptionNumber)
	events.Emit(r.Context(), h.bus, log, events.NewEvent(events.PrescriptionIssued, "prescription", map[string]any{
		"prescription_id":     p.ID,
		"prescription_number": p.PrescriptionNumber,
		"doctor_id":           p.DoctorID,
		"patient_id":          p.PatientID,
	}).WithActor(user.ID, string(user.Role)))
	notification.Send(r.Context(), h.notifier, log, notification.PrescriptionIssued(p.PatientID, p.ID, p.PrescriptionNumber))

	response.OK(w, "Prescription created successfully", map[string]any{
		"prescription_id":     p.ID,
		"prescription_number": p.PrescriptionNumber,
		"document_path":       p.DocumentPath,
	})
}

// Update changes a prescription and regenerates its document
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ID(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	var req UpdateRequest
	if err := httpx.Decode(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	p, err := h.service.Update(r.Context(), auth.GetUser(r.Context()), id, req)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	h.trail.Record(r, audit.ActionUpdate, "prescriptions", id, nil, map[string]any{
		"diagnosis": p.Diagnosis,
		"medicines": len(p.Medicines),
		"tests":     len(p.Tests),
	})
	response.OK(w, "Prescription updated successfully", nil)
}

// Delete removes a prescription and its document
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ID(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	p, err := h.service.Delete(r.Context(), auth.GetUser(r.Context()), id)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().Str("prescription_id", id.String()).Msg("prescription deleted")
	h.trail.Record(r, audit.ActionDelete, "prescriptions", id, map[string]any{
		"prescription_number": p.PrescriptionNumber,
		"patient_id":          p.PatientID,
	}, nil)
	response.OK(w, "Prescription deleted successfully", nil)
}

// Print returns the document path and its download link
func (h *Handler) Print(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ID(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	path, err := h.service.Print(r.Context(), auth.GetUser(r.Context()), id)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	response.OK(w, "", map[string]any{
		"document_path": path,
		"download_url":  DownloadPath + "?file=" + url.QueryEscape(path),
	})
}

// Templates lists the caller's templates
func (h *Handler) Templates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.service.Templates(r.Context(), auth.GetUser(r.Context()).ID)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, "", templates)
}

// SaveTemplate stores a template for the caller
func (h *Handler) SaveTemplate(w http.ResponseWriter, r *http.Request) {
	var req SaveTemplateRequest
	if err := httpx.Decode(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	t, err := h.service.SaveTemplate(r.Context(), auth.GetUser(r.Context()).ID, req)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	h.trail.Record(r, audit.ActionCreate, "prescription_templates", t.ID, nil, map[string]any{"template_name": t.TemplateName})
	response.OK(w, "Template saved successfully", map[string]any{"template_id": t.ID})
}

// UseTemplate returns the skeleton of one of the caller's templates. A POST
// may carry template_id in its body.
func (h *Handler) UseTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost && chi.URLParam(r, "template_id") == "" && r.URL.Query().Get("template_id") == "" {
		var body struct {
			TemplateID string `json:"template_id"`
		}
		if err := httpx.Decode(r, &body); err != nil {
			response.Error(w, r, err)
			return
		}
		q := r.URL.Query()
		q.Set("template_id", body.TemplateID)
		r.URL.RawQuery = q.Encode()
	}

	id, err := httpx.Param(r, "template_id")
	if err != nil {
		response.Error(w, r, err)
		return
	}

	t, err := h.service.UseTemplate(r.Context(), auth.GetUser(r.Context()).ID, id)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	response.OK(w, "", map[string]any{
		"diagnosis": t.Diagnosis,
		"symptoms":  t.Symptoms,
		"notes":     t.Notes,
		"medicines": t.Medicines,
		"tests":     t.Tests,
	})
}
