package appointment

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/carepoint/hospital/internal/audit"
	"github.com/carepoint/hospital/internal/notification"
	"github.com/carepoint/hospital/internal/payment"
	"github.com/carepoint/hospital/internal/shared/auth"
	"github.com/carepoint/hospital/internal/shared/errors"
	"github.com/carepoint/hospital/internal/shared/events"
	"github.com/carepoint/hospital/internal/shared/httpx"
	"github.com/carepoint/hospital/internal/shared/metrics"
	"github.com/carepoint/hospital/internal/shared/response"
	"github.com/carepoint/hospital/internal/shared/types"
)

// Handler provides HTTP handlers for appointments and doctor schedules
type Handler struct {
	service  *Service
	payments *payment.Handler
	trail    *audit.Trail
	bus      events.Publisher
	notifier notification.Notifier
}

// NewHandler creates a new appointment handler. payments, trail, bus and
// notifier may be nil.
func NewHandler(service *Service, payments *payment.Handler, trail *audit.Trail, bus events.Publisher, notifier notification.Notifier) *Handler {
	return &Handler{service: service, payments: payments, trail: trail, bus: bus, notifier: notifier}
}

// Actions returns the appointment operations by action name. The payment
// actions are reachable here as well.
func (h *Handler) Actions() httpx.Actions {
	actions := httpx.Actions{
		"list":            httpx.Get(h.List),
		"get":             httpx.Get(h.Get),
		"create":          httpx.Post(h.Create, auth.RolePatient, auth.RoleAdmin),
		"update":          httpx.Put(h.Update, auth.RolePatient, auth.RoleAdmin),
		"approve":         httpx.Post(h.Approve, auth.RoleDoctor, auth.RoleAdmin),
		"reject":          httpx.Post(h.Reject, auth.RoleDoctor, auth.RoleAdmin),
		"complete":        httpx.Post(h.Complete, auth.RoleDoctor),
		"cancel":          httpx.Post(h.Cancel, auth.RolePatient, auth.RoleDoctor, auth.RoleAdmin, auth.RoleManager),
		"available-slots": httpx.Get(h.AvailableSlots),
		"schedule":        {Methods: []string{http.MethodGet, http.MethodPost}, Handler: h.Schedule},
		"get-schedule":    httpx.Get(h.GetSchedule),
		"update-schedule": {Methods: []string{http.MethodPost, http.MethodPut}, Roles: []auth.Role{auth.RoleDoctor}, Handler: h.UpsertSchedule},
		"delete-schedule": {Methods: []string{http.MethodDelete, http.MethodPost}, Roles: []auth.Role{auth.RoleDoctor}, Handler: h.DeleteSchedule},
	}
	if h.payments != nil {
		actions = actions.Merge(h.payments.Actions())
	}
	return actions
}

// Routes serves /api/appointments in both the action and REST forms
func (h *Handler) Routes(authn *auth.Authenticator) http.Handler {
	actions := h.Actions()
	return httpx.Resource(authn, actions, func(r chi.Router) {
		httpx.Route(r, authn, "/", actions["list"])
		httpx.Route(r, authn, "/", actions["create"])
		httpx.Route(r, authn, "/available-slots", actions["available-slots"])
		httpx.Route(r, authn, "/schedule", actions["schedule"])
		httpx.Route(r, authn, "/schedules", actions["update-schedule"])
		httpx.Route(r, authn, "/schedules/{day}", httpx.Delete(h.DeleteSchedule, auth.RoleDoctor))
		httpx.Route(r, authn, "/doctors/{doctor_id}/schedule", actions["get-schedule"])
		httpx.Route(r, authn, "/{id}", actions["get"])
		httpx.Route(r, authn, "/{id}", actions["update"])
		httpx.Route(r, authn, "/{id}/approve", actions["approve"])
		httpx.Route(r, authn, "/{id}/reject", actions["reject"])
		httpx.Route(r, authn, "/{id}/complete", actions["complete"])
		httpx.Route(r, authn, "/{id}/cancel", actions["cancel"])
	})
}

// List lists the caller's appointments
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	page := httpx.ParsePage(r, httpx.DefaultLimit)
	q := r.URL.Query()

	filter := ListFilter{
		Status: q.Get("status"),
		Search: q.Get("search"),
		Limit:  page.Limit,
		Offset: page.Offset(),
	}
	if raw := q.Get("date"); raw != "" {
		date, err := types.ParseDate(raw)
		if err != nil {
			response.Error(w, r, errors.Validation("Invalid date", map[string]string{"date": "expected YYYY-MM-DD"}))
			return
		}
		filter.Date = date.String()
	}

	appointments, total, err := h.service.List(r.Context(), user, filter)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	response.OK(w, "", map[string]any{
		"appointments": appointments,
		"pagination":   page.Pagination(total),
	})
}

// Get retrieves one appointment
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ID(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	a, err := h.service.Get(r.Context(), auth.GetUser(r.Context()), id)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	response.OK(w, "", a)
}

// Create books an appointment and its pending payment
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())

	var req BookRequest
	if err := httpx.Decode(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	booking, err := h.service.Book(r.Context(), user, req)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	a := booking.Appointment
	log := hlog.FromRequest(r)
	log.Info().
		Str("appointment_id", a.ID.String()).
		Str("doctor_id", a.DoctorID.String()).
		Str("patient_id", a.PatientID.String()).
		Str("appointment_date", a.AppointmentDate.String()).
		Str("appointment_time", a.AppointmentTime.String()).
		Msg("appointment created")

	metrics.RecordAppointmentBooked()
	h.trail.Record(r, audit.ActionCreate, "appointments", a.ID, nil, map[string]any{
		"doctor_id":        a.DoctorID,
		"patient_id":       a.PatientID,
		"appointment_date": a.AppointmentDate,
		"appointment_time": a.AppointmentTime,
		"payment_id":       booking.Payment.ID,
		"amount":           booking.Payment.Amount,
	})
	h.trail.Activity(r, "", audit.ActivityBooking, "Booked appointment for "+a.AppointmentDate.String()+" "+a.AppointmentTime.String())
	events.Emit(r.Context(), h.bus, log, events.NewEvent(events.AppointmentBooked, "appointment", map[string]any{
		"appointment_id":   a.ID,
		"doctor_id":        a.DoctorID,
		"patient_id":       a.PatientID,
		"appointment_date": a.AppointmentDate,
		"appointment_time": a.AppointmentTime,
	}).WithActor(user.ID, string(user.Role)))

	response.OK(w, "Appointment created successfully", map[string]any{
		"appointment_id":   a.ID,
		"payment_required": true,
		"consultation_fee": booking.Doctor.ConsultationFee,
		"transaction_id":   booking.Payment.TransactionID,
		"amount":           booking.Payment.Amount,
	})
}

// Update changes reason and notes of a pending appointment
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

	a, err := h.service.Update(r.Context(), auth.GetUser(r.Context()), id, req)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	h.trail.Record(r, audit.ActionUpdate, "appointments", id, nil, map[string]any{"reason": a.Reason, "notes": a.Notes})
	response.OK(w, "Appointment updated successfully", nil)
}

// Approve confirms a pending appointment
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, StatusConfirmed, notification.KindAppointmentConfirmed, "Appointment approved successfully")
}

// Reject turns down a pending appointment
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, StatusRejected, notification.KindAppointmentRejected, "Appointment rejected successfully")
}

// Complete closes a confirmed appointment
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, StatusCompleted, notification.KindAppointmentCompleted, "Appointment completed successfully")
}

// Cancel cancels a pending or confirmed appointment
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, StatusCancelled, notification.KindAppointmentCancelled, "Appointment cancelled successfully")
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, to Status, kind notification.Kind, message string) {
	user := auth.GetUser(r.Context())

	id, err := httpx.ID(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	before, err := h.service.Transition(r.Context(), user, id, to)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	log := hlog.FromRequest(r)
	log.Info().
		Str("appointment_id", id.String()).
		Str("from", string(before.Status)).
		Str("to", string(to)).
		Str("actor_id", user.ID.String()).
		Msg("appointment status changed")

	metrics.RecordAppointmentStatusChange(string(before.Status), string(to))
	h.trail.Record(r, audit.ActionStatus, "appointments", id,
		map[string]any{"status": before.Status}, map[string]any{"status": to})
	events.Emit(r.Context(), h.bus, log, events.NewEvent(events.AppointmentStatusChanged, "appointment", map[string]any{
		"appointment_id": id,
		"old_status":     before.Status,
		"new_status":     to,
	}).WithActor(user.ID, string(user.Role)))
	notification.Send(r.Context(), h.notifier, log,
		notification.AppointmentUpdate(kind, before.PatientID, id, before.AppointmentDate, before.AppointmentTime))

	response.OK(w, message, nil)
}

// AvailableSlots lists the free slot starts of a doctor on a date
func (h *Handler) AvailableSlots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("doctor_id") == "" || q.Get("date") == "" {
		response.Error(w, r, errors.Validation("Doctor ID and date are required", nil))
		return
	}

	doctorID, err := httpx.Param(r, "doctor_id")
	if err != nil {
		response.Error(w, r, err)
		return
	}
	date, err := types.ParseDate(q.Get("date"))
	if err != nil {
		response.Error(w, r, errors.Validation("Invalid date", map[string]string{"date": "expected YYYY-MM-DD"}))
		return
	}

	day, slots, err := h.service.AvailableSlots(r.Context(), doctorID, date)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	message := ""
	if slots == nil {
		slots = []types.Clock{}
		message = "Doctor not available on this day"
	}
	response.OK(w, message, map[string]any{
		"date":  date,
		"day":   day,
		"slots": slots,
	})
}

// Schedule reads (GET) or replaces (POST) a weekly schedule. Doctors read
// their own available days; other callers name the doctor with doctor_id.
func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())

	if r.Method == http.MethodPost {
		if err := auth.CheckRoles(user, auth.RoleDoctor); err != nil {
			response.Error(w, r, err)
			return
		}

		var req ReplaceScheduleRequest
		if err := httpx.Decode(r, &req); err != nil {
			response.Error(w, r, err)
			return
		}
		if err := h.service.ReplaceSchedules(r.Context(), user.ID, req.Schedule); err != nil {
			response.Error(w, r, err)
			return
		}

		hlog.FromRequest(r).Info().Str("doctor_id", user.ID.String()).Int("days", len(req.Schedule)).Msg("doctor schedule updated")
		h.trail.Record(r, audit.ActionUpdate, "doctor_schedules", user.ID, nil, map[string]any{"days": len(req.Schedule)})
		response.OK(w, "Schedule updated successfully", nil)
		return
	}

	doctorID := user.ID
	if !user.Is(auth.RoleDoctor) || r.URL.Query().Get("doctor_id") != "" {
		var err error
		if doctorID, err = httpx.Param(r, "doctor_id"); err != nil {
			response.Error(w, r, err)
			return
		}
	}

	schedules, err := h.service.Schedules(r.Context(), doctorID, true)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, "", schedules)
}

// GetSchedule lists every schedule row of a doctor from Monday to Sunday
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())

	doctorID := user.ID
	if chi.URLParam(r, "doctor_id") != "" || r.URL.Query().Get("doctor_id") != "" || !user.Is(auth.RoleDoctor) {
		var err error
		if doctorID, err = httpx.Param(r, "doctor_id"); err != nil {
			response.Error(w, r, err)
			return
		}
	}

	schedules, err := h.service.Schedules(r.Context(), doctorID, false)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, "", schedules)
}

// UpsertSchedule sets the hours of one day of the caller's schedule
func (h *Handler) UpsertSchedule(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())

	var req UpsertScheduleRequest
	if err := httpx.Decode(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	sched, err := h.service.UpsertSchedule(r.Context(), user.ID, req)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	h.trail.Record(r, audit.ActionUpdate, "doctor_schedules", user.ID, nil, map[string]any{
		"day_of_week": sched.DayOfWeek, "start_time": sched.StartTime, "end_time": sched.EndTime,
	})
	response.OK(w, "Schedule updated successfully", nil)
}

// DeleteSchedule removes one day from the caller's schedule
func (h *Handler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())

	day := chi.URLParam(r, "day")
	if day == "" {
		day = r.URL.Query().Get("day")
	}

	if err := h.service.DeleteSchedule(r.Context(), user.ID, day); err != nil {
		response.Error(w, r, err)
		return
	}

	h.trail.Record(r, audit.ActionDelete, "doctor_schedules", user.ID, map[string]any{"day_of_week": day}, nil)
	response.OK(w, "Schedule deleted successfully", nil)
}
