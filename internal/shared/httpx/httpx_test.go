package httpx

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepoint/hospital/internal/shared/auth"
	"github.com/carepoint/hospital/internal/shared/config"
	"github.com/carepoint/hospital/internal/shared/errors"
	"github.com/carepoint/hospital/internal/shared/types"
)

func newAuthn() *auth.Authenticator {
	return auth.NewAuthenticator(auth.NewIssuer(config.AuthConfig{TokenSecret: "dispatch-secret-0123", TokenTTL: time.Hour}), nil)
}

func ok(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestDispatch(t *testing.T) {
	authn := newAuthn()
	token, _, err := authn.Issuer().Issue(types.NewID(), auth.RolePatient)
	require.NoError(t, err)

	actions := Actions{
		"login":   Post(ok).Anonymous(),
		"list":    Get(ok),
		"approve": Post(ok, auth.RoleDoctor, auth.RoleAdmin),
	}
	h := Dispatch(authn, actions)

	tests := []struct {
		name   string
		method string
		action string
		token  string
		want   int
		body   string
	}{
		{"unknown action", http.MethodGet, "nope", "", http.StatusNotFound, "Invalid action"},
		{"wrong method", http.MethodGet, "login", "", http.StatusMethodNotAllowed, "Method not allowed"},
		{"public action", http.MethodPost, "login", "", http.StatusOK, ""},
		{"missing token", http.MethodGet, "list", "", http.StatusUnauthorized, "Authentication required"},
		{"authenticated", http.MethodGet, "list", token, http.StatusOK, ""},
		{"role gate", http.MethodPost, "approve", token, http.StatusForbidden, "Insufficient permissions"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/appointments?action="+tt.action, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.body != "" {
				assert.Contains(t, rec.Body.String(), tt.body)
			}
		})
	}
}

func TestRouteUsesPathID(t *testing.T) {
	authn := newAuthn()
	token, _, err := authn.Issuer().Issue(types.NewID(), auth.RoleAdmin)
	require.NoError(t, err)

	var got types.ID
	r := chi.NewRouter()
	Route(r, authn, "/appointments/{id}", Get(func(w http.ResponseWriter, r *http.Request) {
		got, err = ID(r)
		w.WriteHeader(http.StatusOK)
	}, auth.RoleAdmin))

	id := types.NewID()
	req := httptest.NewRequest(http.MethodGet, "/appointments/"+id.String(), nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestIDFromQuery(t *testing.T) {
	id := types.NewID()
	got, err := ID(httptest.NewRequest(http.MethodGet, "/?id="+id.String(), nil))
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = ID(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Error(t, err)

	_, err = ID(httptest.NewRequest(http.MethodGet, "/?id=12", nil))
	appErr, isApp := errors.As(err)
	require.True(t, isApp)
	assert.Equal(t, http.StatusBadRequest, appErr.HTTPStatus)
}

func TestParsePage(t *testing.T) {
	p := ParsePage(httptest.NewRequest(http.MethodGet, "/?page=3&limit=10", nil), DefaultLimit)
	assert.Equal(t, Page{Page: 3, Limit: 10}, p)
	assert.Equal(t, 20, p.Offset())

	p = ParsePage(httptest.NewRequest(http.MethodGet, "/?page=-1&limit=1000", nil), DefaultLimit)
	assert.Equal(t, Page{Page: 1, Limit: MaxLimit}, p)

	p = ParsePage(httptest.NewRequest(http.MethodGet, "/?page=9223372036854775807&limit=100", nil), DefaultLimit)
	assert.Equal(t, MaxPage, p.Page)
	assert.Equal(t, (MaxPage-1)*MaxLimit, p.Offset())
	assert.Positive(t, p.Offset())

	p = ParsePage(httptest.NewRequest(http.MethodGet, "/", nil), 10)
	assert.Equal(t, Page{Page: 1, Limit: 10}, p)
	assert.Equal(t, 3, p.Pagination(21).Pages)
}

func TestDecode(t *testing.T) {
	var body struct {
		Reason string `json:"reason"`
	}
	require.NoError(t, Decode(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reason":"checkup"}`)), &body))
	assert.Equal(t, "checkup", body.Reason)

	assert.Error(t, Decode(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`)), &body))
	assert.Error(t, Decode(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``)), &body))
}

func TestDecodeOptional(t *testing.T) {
	var body struct {
		Reason string `json:"reason"`
	}
	empty := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``))
	require.NoError(t, DecodeOptional(empty, &body))
	assert.Empty(t, body.Reason)

	// A reader of unknown size leaves ContentLength at -1, as a chunked body does.
	chunked := httptest.NewRequest(http.MethodPost, "/", struct{ io.Reader }{strings.NewReader(``)})
	require.Equal(t, int64(-1), chunked.ContentLength)
	require.NoError(t, DecodeOptional(chunked, &body))

	streamed := httptest.NewRequest(http.MethodPost, "/", struct{ io.Reader }{strings.NewReader(`{"reason":"duplicate"}`)})
	require.NoError(t, DecodeOptional(streamed, &body))
	assert.Equal(t, "duplicate", body.Reason)

	assert.Error(t, DecodeOptional(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`)), &body))
}

func TestRequireFields(t *testing.T) {
	assert.NoError(t, RequireFields(map[string]string{"name": "x"}))

	err := RequireFields(map[string]string{"name": " ", "email": "", "phone": "1"})
	appErr, isApp := errors.As(err)
	require.True(t, isApp)
	assert.Equal(t, "Missing required fields: email, name", appErr.Message)
	assert.Equal(t, "required", appErr.Details["email"])
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:5123"
	assert.Equal(t, "10.0.0.5", ClientIP(req))

	req.RemoteAddr = "[::1]:80"
	assert.Equal(t, "::1", ClientIP(req))

	req.RemoteAddr = "192.168.1.9"
	assert.Equal(t, "192.168.1.9", ClientIP(req))
}

func TestResource(t *testing.T) {
	authn := newAuthn()
	token, _, err := authn.Issuer().Issue(types.NewID(), auth.RoleManager)
	require.NoError(t, err)

	list := Get(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	h := Resource(authn, Actions{"payments": list}, func(r chi.Router) {
		Route(r, authn, "/", list)
	})

	for _, target := range []string{"/?action=payments", "/"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusAccepted, rec.Code, target)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Endpoint not found")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?action=missing", nil))
	assert.Contains(t, rec.Body.String(), "Invalid action")
}
