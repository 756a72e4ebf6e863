package audit

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/carepoint/hospital/internal/shared/auth"
	"github.com/carepoint/hospital/internal/shared/httpx"
	"github.com/carepoint/hospital/internal/shared/response"
)

// Handler provides HTTP handlers for the audit and activity logs
type Handler struct {
	repo Reader
}

// NewHandler creates a new audit handler
func NewHandler(repo Reader) *Handler {
	return &Handler{repo: repo}
}

// Actions returns the admin actions served by this handler. The audit
// filter is read from audit_action because action selects the operation.
func (h *Handler) Actions() httpx.Actions {
	return httpx.Actions{
		"audit-logs":         httpx.Get(h.ListEntries, auth.RoleAdmin),
		"verify-audit-chain": httpx.Get(h.VerifyChain, auth.RoleAdmin),
		"activity-logs":      httpx.Get(h.ListActivity, auth.RoleAdmin),
	}
}

// Routes registers the REST form of the same actions under r.
func (h *Handler) Routes(r chi.Router, authn *auth.Authenticator) {
	actions := h.Actions()
	httpx.Route(r, authn, "/audit-logs", actions["audit-logs"])
	httpx.Route(r, authn, "/audit-logs/verify", actions["verify-audit-chain"])
	httpx.Route(r, authn, "/activity-logs", actions["activity-logs"])
}

// ListEntries lists audit entries with filters
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	page := httpx.ParsePage(r, 50)
	q := r.URL.Query()

	filter := ListFilter{
		Action:    q.Get("audit_action"),
		TableName: q.Get("table_name"),
		Limit:     page.Limit,
		Offset:    page.Offset(),
	}

	entries, total, err := h.repo.List(r.Context(), filter)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	response.OK(w, "", map[string]any{
		"logs":       entries,
		"pagination": page.Pagination(total),
	})
}

// VerifyChain verifies the integrity of the newest part of the audit chain
func (h *Handler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}

	result, err := h.repo.VerifyChain(r.Context(), limit)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	response.OK(w, "", result)
}

// ListActivity lists activity lines, optionally filtered by activity name
func (h *Handler) ListActivity(w http.ResponseWriter, r *http.Request) {
	page := httpx.ParsePage(r, 50)

	filter := ActivityFilter{
		Activity: r.URL.Query().Get("activity"),
		Limit:    page.Limit,
		Offset:   page.Offset(),
	}

	logs, total, err := h.repo.ListActivity(r.Context(), filter)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	response.OK(w, "", map[string]any{
		"logs":       logs,
		"pagination": page.Pagination(total),
	})
}
