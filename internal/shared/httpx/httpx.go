// Package httpx holds the request plumbing shared by every resource handler:
// action dispatch, body decoding, id and paging parameters.
package httpx

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/carepoint/hospital/internal/shared/auth"
	"github.com/carepoint/hospital/internal/shared/errors"
	"github.com/carepoint/hospital/internal/shared/response"
	"github.com/carepoint/hospital/internal/shared/types"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
	MaxPage      = 1_000_000
)

// Action is one named operation of a resource.
type Action struct {
	Methods []string
	Public  bool
	Roles   []auth.Role
	Handler http.HandlerFunc
}

// Get, Post, Put and Delete build single-method actions.
func Get(h http.HandlerFunc, roles ...auth.Role) Action {
	return Action{Methods: []string{http.MethodGet}, Roles: roles, Handler: h}
}

func Post(h http.HandlerFunc, roles ...auth.Role) Action {
	return Action{Methods: []string{http.MethodPost}, Roles: roles, Handler: h}
}

func Put(h http.HandlerFunc, roles ...auth.Role) Action {
	return Action{Methods: []string{http.MethodPut}, Roles: roles, Handler: h}
}

func Delete(h http.HandlerFunc, roles ...auth.Role) Action {
	return Action{Methods: []string{http.MethodDelete}, Roles: roles, Handler: h}
}

// Anonymous marks the action as reachable without a token.
func (a Action) Anonymous() Action {
	a.Public = true
	return a
}

func (a Action) allows(method string) bool {
	for _, m := range a.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// Actions maps an action name to its operation.
type Actions map[string]Action

// Names returns the sorted action names.
func (as Actions) Names() []string {
	names := make([]string, 0, len(as))
	for name := range as {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Merge returns a new table holding both sets; other wins on name clashes.
func (as Actions) Merge(other Actions) Actions {
	out := make(Actions, len(as)+len(other))
	for k, v := range as {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Dispatch serves /api/<resource>?action=<name>. The method is checked first,
// then the caller is authenticated unless the action is public, then the
// action's role gate is applied.
func Dispatch(authn *auth.Authenticator, actions Actions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		action, ok := actions[r.URL.Query().Get("action")]
		if !ok {
			response.Error(w, r, errors.NotFoundMessage("Invalid action"))
			return
		}
		if !action.allows(r.Method) {
			response.Error(w, r, errors.MethodNotAllowed())
			return
		}
		guard(authn, action).ServeHTTP(w, r)
	}
}

// Route registers action on r under pattern for each of its methods, behind
// the same authentication and role gate Dispatch applies.
func Route(r chi.Router, authn *auth.Authenticator, pattern string, action Action) {
	h := guard(authn, action)
	for _, m := range action.Methods {
		r.Method(m, pattern, h)
	}
}

// Resource builds the handler for one /api/<resource> mount. Requests that
// carry an action query parameter go through Dispatch; the rest are matched
// against the REST routes that rest registers.
func Resource(authn *auth.Authenticator, actions Actions, rest func(r chi.Router)) http.Handler {
	router := chi.NewRouter()
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, r, errors.NotFoundMessage("Endpoint not found"))
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, r, errors.MethodNotAllowed())
	})
	if rest != nil {
		rest(router)
	}
	dispatch := Dispatch(authn, actions)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("action") {
			dispatch(w, r)
			return
		}
		router.ServeHTTP(w, r)
	})
}

func guard(authn *auth.Authenticator, action Action) http.Handler {
	if action.Public {
		return action.Handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := auth.GetUser(r.Context())
		if user == nil {
			var err error
			user, err = authn.Authenticate(r)
			if err != nil {
				response.Error(w, r, err)
				return
			}
			r = r.WithContext(auth.WithUser(r.Context(), user))
		}
		if err := auth.CheckRoles(user, action.Roles...); err != nil {
			response.Error(w, r, err)
			return
		}
		action.Handler(w, r)
	})
}

// Decode reads a JSON body into dst.
func Decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if err == io.EOF {
			return errors.BadRequest("Request body is required")
		}
		return errors.BadRequest("Invalid JSON body")
	}
	return nil
}

// DecodeOptional reads a JSON body into dst. An empty body, including a
// chunked one with unknown length, leaves dst untouched.
func DecodeOptional(r *http.Request, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return errors.BadRequest("Invalid JSON body")
	}
	return nil
}

// ID returns the id path parameter, or the id query parameter for the
// action form.
func ID(r *http.Request) (types.ID, error) {
	return Param(r, "id")
}

// Param parses a UUID from the named path or query parameter.
func Param(r *http.Request, name string) (types.ID, error) {
	raw := chi.URLParam(r, name)
	if raw == "" {
		raw = r.URL.Query().Get(name)
	}
	if raw == "" {
		return "", errors.Validation(name+" is required", map[string]string{name: "required"})
	}
	id, err := types.ParseID(raw)
	if err != nil {
		return "", errors.Validation("Invalid "+name, map[string]string{name: "must be a UUID"})
	}
	return id, nil
}

// Page is a parsed page/limit pair.
type Page struct {
	Page  int
	Limit int
}

// Offset returns the row offset of the page.
func (p Page) Offset() int {
	return (p.Page - 1) * p.Limit
}

// Pagination describes the page for a total row count.
func (p Page) Pagination(total int) response.Pagination {
	return response.NewPagination(p.Page, p.Limit, total)
}

// ParsePage reads page and limit from the query string with the given
// default limit. Limit is capped at MaxLimit and page at MaxPage.
func ParsePage(r *http.Request, defaultLimit int) Page {
	q := r.URL.Query()
	p := Page{Page: 1, Limit: defaultLimit}
	if v, err := strconv.Atoi(q.Get("page")); err == nil && v > 0 {
		p.Page = v
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		p.Limit = v
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Page > MaxPage {
		p.Page = MaxPage
	}
	return p
}

// Missing returns the names of required fields whose values are blank.
func Missing(fields map[string]string) []string {
	var missing []string
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// RequireFields returns a validation error naming every blank field.
func RequireFields(fields map[string]string) error {
	missing := Missing(fields)
	if len(missing) == 0 {
		return nil
	}
	details := make(map[string]string, len(missing))
	for _, m := range missing {
		details[m] = "required"
	}
	return errors.Validation("Missing required fields: "+strings.Join(missing, ", "), details)
}

// ClientIP returns the caller address as set by chi's RealIP middleware.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
