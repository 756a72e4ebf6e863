package catalog

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/carepoint/hospital/internal/audit"
	"github.com/carepoint/hospital/internal/shared/auth"
	"github.com/carepoint/hospital/internal/shared/errors"
	"github.com/carepoint/hospital/internal/shared/httpx"
	"github.com/carepoint/hospital/internal/shared/response"
	"github.com/carepoint/hospital/internal/shared/types"
)

// Store is the persistence the catalog handlers need
type Store interface {
	ListMedicines(ctx context.Context, filter ListFilter) ([]*Medicine, int, error)
	GetMedicine(ctx context.Context, id types.ID) (*Medicine, error)
	CreateMedicine(ctx context.Context, m *Medicine) error
	UpdateMedicine(ctx context.Context, m *Medicine) error
	DeleteMedicine(ctx context.Context, id types.ID) error
	MedicineCategories(ctx context.Context) ([]string, error)
	LowStock(ctx context.Context, threshold int) ([]*Medicine, error)
	SearchMedicines(ctx context.Context, q string, limit int) ([]*Medicine, error)

	ListTests(ctx context.Context, filter ListFilter) ([]*Test, int, error)
	GetTest(ctx context.Context, id types.ID) (*Test, error)
	CreateTest(ctx context.Context, t *Test) error
	UpdateTest(ctx context.Context, t *Test) error
	DeleteTest(ctx context.Context, id types.ID) error
	TestCategories(ctx context.Context) ([]string, error)
	SearchTests(ctx context.Context, q string, limit int) ([]*Test, error)
}

var _ Store = (*Repository)(nil)

// Handler provides HTTP handlers for the medicines and tests resources
type Handler struct {
	store Store
	trail *audit.Trail
	now   func() time.Time
}

// NewHandler creates a new catalog handler. trail may be nil.
func NewHandler(store Store, trail *audit.Trail) *Handler {
	return &Handler{store: store, trail: trail, now: time.Now}
}

// MedicineActions returns the medicine operations by action name
func (h *Handler) MedicineActions() httpx.Actions {
	return httpx.Actions{
		"list":       httpx.Get(h.ListMedicines),
		"get":        httpx.Get(h.GetMedicine),
		"create":     httpx.Post(h.CreateMedicine, auth.RoleAdmin, auth.RoleManager),
		"update":     httpx.Put(h.UpdateMedicine, auth.RoleAdmin, auth.RoleManager),
		"delete":     httpx.Delete(h.DeleteMedicine, auth.RoleAdmin),
		"categories": httpx.Get(h.MedicineCategories),
		"stock-low":  httpx.Get(h.LowStock, auth.RoleAdmin, auth.RoleManager, auth.RoleDoctor),
		"search":     httpx.Get(h.SearchMedicines),
	}
}

// TestActions returns the pathology test operations by action name
func (h *Handler) TestActions() httpx.Actions {
	return httpx.Actions{
		"list":       httpx.Get(h.ListTests),
		"get":        httpx.Get(h.GetTest),
		"create":     httpx.Post(h.CreateTest, auth.RoleAdmin, auth.RoleManager),
		"update":     httpx.Put(h.UpdateTest, auth.RoleAdmin, auth.RoleManager),
		"delete":     httpx.Delete(h.DeleteTest, auth.RoleAdmin),
		"categories": httpx.Get(h.TestCategories),
		"search":     httpx.Get(h.SearchTests),
	}
}

func restRoutes(authn *auth.Authenticator, actions httpx.Actions) func(chi.Router) {
	return func(r chi.Router) {
		httpx.Route(r, authn, "/", actions["list"])
		httpx.Route(r, authn, "/", actions["create"])
		httpx.Route(r, authn, "/categories", actions["categories"])
		httpx.Route(r, authn, "/search", actions["search"])
		if a, ok := actions["stock-low"]; ok {
			httpx.Route(r, authn, "/stock-low", a)
		}
		httpx.Route(r, authn, "/{id}", actions["get"])
		httpx.Route(r, authn, "/{id}", actions["update"])
		httpx.Route(r, authn, "/{id}", actions["delete"])
	}
}

// MedicineRoutes serves /api/medicines in both the action and REST forms
func (h *Handler) MedicineRoutes(authn *auth.Authenticator) http.Handler {
	actions := h.MedicineActions()
	return httpx.Resource(authn, actions, restRoutes(authn, actions))
}

// TestRoutes serves /api/tests in both the action and REST forms
func (h *Handler) TestRoutes(authn *auth.Authenticator) http.Handler {
	actions := h.TestActions()
	return httpx.Resource(authn, actions, restRoutes(authn, actions))
}

func parseFilter(r *http.Request) (ListFilter, httpx.Page) {
	q := r.URL.Query()
	page := httpx.ParsePage(r, httpx.DefaultLimit)
	return ListFilter{
		Category:   strings.TrimSpace(q.Get("category")),
		Search:     strings.TrimSpace(q.Get("search")),
		ActiveOnly: q.Get("active_only") != "false",
		Limit:      page.Limit,
		Offset:     page.Offset(),
	}, page
}

// parseSearch reads q and limit for the search actions.
func parseSearch(r *http.Request) (string, int, error) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if len([]rune(q)) < MinSearchLength {
		return "", 0, errors.Validation("Search query must be at least 2 characters", map[string]string{"q": "too short"})
	}
	limit := DefaultSearchLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, httpx.MaxLimit)
	}
	return q, limit, nil
}

// ListMedicines lists medicines with category and search filters
func (h *Handler) ListMedicines(w http.ResponseWriter, r *http.Request) {
	filter, page := parseFilter(r)
	medicines, total, err := h.store.ListMedicines(r.Context(), filter)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, "", map[string]any{
		"medicines":  medicines,
		"pagination": page.Pagination(total),
	})
}

// GetMedicine returns one medicine
func (h *Handler) GetMedicine(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ID(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	m, err := h.store.GetMedicine(r.Context(), id)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, "", m)
}

// CreateMedicine adds a medicine to the catalog
func (h *Handler) CreateMedicine(w http.ResponseWriter, r *http.Request) {
	var in MedicineInput
	if err := httpx.Decode(r, &in); err != nil {
		response.Error(w, r, err)
		return
	}
	m, err := NewMedicine(in, h.now())
	if err != nil {
		response.Error(w, r, err)
		return
	}
	if err := h.store.CreateMedicine(r.Context(), m); err != nil {
		response.Error(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().Str("medicine_id", m.ID.String()).Str("name", m.Name).Msg("medicine created")
	h.trail.Record(r, audit.ActionCreate, "medicines", m.ID, nil, map[string]any{
		"name": m.Name, "manufacturer": m.Manufacturer, "strength": m.Strength, "price": m.Price,
	})
	response.OK(w, "Medicine created successfully", map[string]any{"medicine_id": m.ID})
}

// UpdateMedicine overlays the provided fields on a medicine
func (h *Handler) UpdateMedicine(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ID(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	var in MedicineInput
	if err := httpx.Decode(r, &in); err != nil {
		response.Error(w, r, err)
		return
	}

	m, err := h.store.GetMedicine(r.Context(), id)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	before := map[string]any{"price": m.Price, "stock_quantity": m.StockQuantity, "is_active": m.IsActive}

	in.Apply(m)
	m.UpdatedAt = h.now()
	if err := m.Validate(); err != nil {
		response.Error(w, r, err)
		return
	}
	if err := h.store.UpdateMedicine(r.Context(), m); err != nil {
		response.Error(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().Str("medicine_id", id.String()).Msg("medicine updated")
	h.trail.Record(r, audit.ActionUpdate, "medicines", id, before,
		map[string]any{"price": m.Price, "stock_quantity": m.StockQuantity, "is_active": m.IsActive})
	response.OK(w, "Medicine updated successfully", nil)
}

// DeleteMedicine removes an unused medicine
func (h *Handler) DeleteMedicine(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ID(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	if err := h.store.DeleteMedicine(r.Context(), id); err != nil {
		response.Error(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().Str("medicine_id", id.String()).Msg("medicine deleted")
	h.trail.Record(r, audit.ActionDelete, "medicines", id, nil, nil)
	response.OK(w, "Medicine deleted successfully", nil)
}

// MedicineCategories lists medicine categories
func (h *Handler) MedicineCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.store.MedicineCategories(r.Context())
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, "", categories)
}

// LowStock lists medicines at or below the threshold query parameter
func (h *Handler) LowStock(w http.ResponseWriter, r *http.Request) {
	threshold := DefaultStockThreshold
	if v, err := strconv.Atoi(r.URL.Query().Get("threshold")); err == nil && v >= 0 {
		threshold = v
	}
	medicines, err := h.store.LowStock(r.Context(), threshold)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, "", medicines)
}

// SearchMedicines ranks active medicines against q
func (h *Handler) SearchMedicines(w http.ResponseWriter, r *http.Request) {
	q, limit, err := parseSearch(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	medicines, err := h.store.SearchMedicines(r.Context(), q, limit)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, "", medicines)
}

// ListTests lists pathology tests with category and search filters
func (h *Handler) ListTests(w http.ResponseWriter, r *http.Request) {
	filter, page := parseFilter(r)
	tests, total, err := h.store.ListTests(r.Context(), filter)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, "", map[string]any{
		"tests":      tests,
		"pagination": page.Pagination(total),
	})
}

// GetTest returns one pathology test
func (h *Handler) GetTest(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ID(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	t, err := h.store.GetTest(r.Context(), id)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, "", t)
}

// CreateTest adds a pathology test to the catalog
func (h *Handler) CreateTest(w http.ResponseWriter, r *http.Request) {
	var in TestInput
	if err := httpx.Decode(r, &in); err != nil {
		response.Error(w, r, err)
		return
	}
	t, err := NewTest(in, h.now())
	if err != nil {
		response.Error(w, r, err)
		return
	}
	if err := h.store.CreateTest(r.Context(), t); err != nil {
		response.Error(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().Str("test_id", t.ID.String()).Str("test_code", t.TestCode).Msg("test created")
	h.trail.Record(r, audit.ActionCreate, "pathology_tests", t.ID, nil, map[string]any{
		"test_name": t.TestName, "test_code": t.TestCode, "price": t.Price,
	})
	response.OK(w, "Test created successfully", map[string]any{"test_id": t.ID})
}

// UpdateTest overlays the provided fields on a pathology test
func (h *Handler) UpdateTest(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ID(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	var in TestInput
	if err := httpx.Decode(r, &in); err != nil {
		response.Error(w, r, err)
		return
	}

	t, err := h.store.GetTest(r.Context(), id)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	before := map[string]any{"test_code": t.TestCode, "price": t.Price, "is_active": t.IsActive}

	in.Apply(t)
	t.UpdatedAt = h.now()
	if err := t.Validate(); err != nil {
		response.Error(w, r, err)
		return
	}
	if err := h.store.UpdateTest(r.Context(), t); err != nil {
		response.Error(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().Str("test_id", id.String()).Msg("test updated")
	h.trail.Record(r, audit.ActionUpdate, "pathology_tests", id, before,
		map[string]any{"test_code": t.TestCode, "price": t.Price, "is_active": t.IsActive})
	response.OK(w, "Test updated successfully", nil)
}

// DeleteTest removes an unused pathology test
func (h *Handler) DeleteTest(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ID(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	if err := h.store.DeleteTest(r.Context(), id); err != nil {
		response.Error(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().Str("test_id", id.String()).Msg("test deleted")
	h.trail.Record(r, audit.ActionDelete, "pathology_tests", id, nil, nil)
	response.OK(w, "Test deleted successfully", nil)
}

// TestCategories lists pathology test categories
func (h *Handler) TestCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.store.TestCategories(r.Context())
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, "", categories)
}

// SearchTests ranks active tests against q
func (h *Handler) SearchTests(w http.ResponseWriter, r *http.Request) {
	q, limit, err := parseSearch(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	tests, err := h.store.SearchTests(r.Context(), q, limit)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, "", tests)
}
