package payment

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/carepoint/hospital/internal/audit"
	"github.com/carepoint/hospital/internal/notification"
	"github.com/carepoint/hospital/internal/shared/auth"
	"github.com/carepoint/hospital/internal/shared/errors"
	"github.com/carepoint/hospital/internal/shared/events"
	"github.com/carepoint/hospital/internal/shared/httpx"
	"github.com/carepoint/hospital/internal/shared/metrics"
	"github.com/carepoint/hospital/internal/shared/response"
	"github.com/carepoint/hospital/internal/shared/types"
)

// Store is the persistence the payment handlers need
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Billable(ctx context.Context, appointmentID, patientID types.ID) (*Billable, error)
	ExistsForAppointment(ctx context.Context, appointmentID types.ID) (bool, error)
	Get(ctx context.Context, id types.ID) (*Payment, error)
	List(ctx context.Context, filter ListFilter) ([]*Payment, int, error)
	Review(ctx context.Context, id types.ID, status Status, reviewer types.ID, notes string, at time.Time) error
}

var _ Store = (*Repository)(nil)

// Handler provides HTTP handlers for the payment module
type Handler struct {
	store    Store
	trail    *audit.Trail
	bus      events.Publisher
	notifier notification.Notifier
	now      func() time.Time
}

// NewHandler creates a new payment handler. trail, bus and notifier may be nil.
func NewHandler(store Store, trail *audit.Trail, bus events.Publisher, notifier notification.Notifier) *Handler {
	return &Handler{store: store, trail: trail, bus: bus, notifier: notifier, now: time.Now}
}

// Actions returns the payment operations by action name
func (h *Handler) Actions() httpx.Actions {
	return httpx.Actions{
		"payments":       httpx.Get(h.List),
		"create-payment": httpx.Post(h.Create, auth.RolePatient),
		"verify-payment": httpx.Post(h.Verify, auth.RoleManager),
		"reject-payment": httpx.Post(h.Reject, auth.RoleManager),
	}
}

// Routes serves /api/payments in both the action and REST forms
func (h *Handler) Routes(authn *auth.Authenticator) http.Handler {
	actions := h.Actions()
	return httpx.Resource(authn, actions, func(r chi.Router) {
		httpx.Route(r, authn, "/", actions["payments"])
		httpx.Route(r, authn, "/", actions["create-payment"])
		httpx.Route(r, authn, "/{id}/verify", actions["verify-payment"])
		httpx.Route(r, authn, "/{id}/reject", actions["reject-payment"])
	})
}

// List lists payments: patients see their own, managers and admins all.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	page := httpx.ParsePage(r, httpx.DefaultLimit)

	filter := ListFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  page.Limit,
		Offset: page.Offset(),
	}

	switch {
	case user.Is(auth.RolePatient):
		filter.PatientID = &user.ID
	case user.Is(auth.RoleManager, auth.RoleAdmin):
	default:
		response.Error(w, r, errors.Forbidden("Access denied"))
		return
	}

	payments, total, err := h.store.List(r.Context(), filter)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	response.OK(w, "", map[string]any{
		"payments":   payments,
		"pagination": page.Pagination(total),
	})
}

// Create creates the payment for one of the caller's appointments
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())

	var req CreateRequest
	if err := httpx.Decode(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}
	if err := httpx.RequireFields(map[string]string{
		"appointment_id": req.AppointmentID,
		"payment_method": req.PaymentMethod,
	}); err != nil {
		response.Error(w, r, err)
		return
	}
	appointmentID, err := types.ParseID(req.AppointmentID)
	if err != nil {
		response.Error(w, r, errors.Validation("Invalid appointment_id", map[string]string{"appointment_id": "must be a UUID"}))
		return
	}

	billable, err := h.store.Billable(r.Context(), appointmentID, user.ID)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	exists, err := h.store.ExistsForAppointment(r.Context(), appointmentID)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	if exists {
		response.Error(w, r, errors.Validation("Payment already exists for this appointment", nil))
		return
	}

	p := New(billable.AppointmentID, user.ID, billable.ConsultationFee, req.PaymentMethod, h.now())
	if err := h.store.Create(r.Context(), p); err != nil {
		response.Error(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().
		Str("payment_id", p.ID.String()).
		Str("appointment_id", appointmentID.String()).
		Float64("amount", p.Amount).
		Msg("payment created")
	h.trail.Record(r, audit.ActionCreate, "payments", p.ID, nil, map[string]any{
		"appointment_id": appointmentID, "amount": p.Amount, "payment_method": p.PaymentMethod,
	})

	response.OK(w, "Payment created successfully", map[string]any{
		"payment_id":     p.ID,
		"transaction_id": p.TransactionID,
		"amount":         p.Amount,
	})
}

// Verify marks a pending payment completed
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, StatusCompleted)
}

// Reject marks a pending payment failed
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, StatusFailed)
}

func (h *Handler) review(w http.ResponseWriter, r *http.Request, to Status) {
	user := auth.GetUser(r.Context())

	id, err := httpx.ID(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	var req ReviewRequest
	if err := httpx.DecodeOptional(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	p, err := h.store.Get(r.Context(), id)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	verb, outcome, eventType, kind := "verified", "verified", events.PaymentVerified, notification.KindPaymentVerified
	if to == StatusFailed {
		verb, outcome, eventType, kind = "rejected", "rejected", events.PaymentRejected, notification.KindPaymentRejected
	}

	if p.Status != StatusPending {
		response.Error(w, r, errors.Validation("Only pending payments can be "+verb, map[string]string{"status": string(p.Status)}))
		return
	}

	if err := h.store.Review(r.Context(), id, to, user.ID, req.Notes, h.now()); err != nil {
		response.Error(w, r, err)
		return
	}

	log := hlog.FromRequest(r)
	metrics.RecordPayment(outcome)
	h.trail.Record(r, audit.ActionStatus, "payments", id,
		map[string]any{"status": p.Status}, map[string]any{"status": to, "notes": req.Notes})
	h.trail.Activity(r, "", audit.ActivityPayment, "Payment "+p.TransactionID+" "+verb)
	events.Emit(r.Context(), h.bus, log, events.NewEvent(eventType, "payment", map[string]any{
		"payment_id": id, "appointment_id": p.AppointmentID, "amount": p.Amount,
	}).WithActor(user.ID, string(user.Role)))
	notification.Send(r.Context(), h.notifier, log, notification.PaymentUpdate(kind, p.PatientID, id, p.TransactionID))

	if to == StatusFailed {
		response.OK(w, "Payment rejected successfully", nil)
		return
	}
	response.OK(w, "Payment verified successfully", nil)
}
