package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/carepoint/hospital/internal/shared/auth"
	"github.com/carepoint/hospital/internal/shared/httpx"
	"github.com/carepoint/hospital/internal/shared/metrics"
	"github.com/carepoint/hospital/internal/shared/types"
)

// Writer is the append side of the audit and activity logs.
type Writer interface {
	Append(ctx context.Context, entry *Entry) error
	LogActivity(ctx context.Context, a *Activity) error
}

// Reader is the query side used by the admin endpoints.
type Reader interface {
	List(ctx context.Context, filter ListFilter) ([]*Entry, int, error)
	VerifyChain(ctx context.Context, limit int) (*VerifyResult, error)
	ListActivity(ctx context.Context, filter ActivityFilter) ([]*Activity, int, error)
	ActivitySummary(ctx context.Context, since time.Time, limit int) ([]ActivityCount, error)
}

// Ensure Repository implements both sides
var (
	_ Writer = (*Repository)(nil)
	_ Reader = (*Repository)(nil)
)

// Trail records audit entries and activity lines on behalf of request
// handlers. Writes happen after the business change has committed, so a
// failure is logged and never fails the request. A nil Trail records nothing.
type Trail struct {
	w Writer
}

// NewTrail creates a Trail over w.
func NewTrail(w Writer) *Trail {
	return &Trail{w: w}
}

// Record appends an audit entry attributed to the caller of r.
func (t *Trail) Record(r *http.Request, action, table string, recordID types.ID, oldValues, newValues map[string]any) {
	if t == nil || t.w == nil {
		return
	}

	entry := NewEntry(action, table, recordID, oldValues, newValues)
	if user := auth.GetUser(r.Context()); user != nil {
		entry.WithActor(user.ID, string(user.Role), httpx.ClientIP(r))
	} else {
		entry.WithActor("", "", httpx.ClientIP(r))
	}

	if err := t.w.Append(r.Context(), entry); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("table", table).Str("audit_action", action).Msg("failed to append audit entry")
		return
	}
	metrics.RecordAuditEntry()
}

// Activity logs an activity line for userID. An empty userID attributes the
// line to the authenticated caller, if any.
func (t *Trail) Activity(r *http.Request, userID types.ID, activity, description string) {
	if t == nil || t.w == nil {
		return
	}

	if userID.IsZero() {
		if user := auth.GetUser(r.Context()); user != nil {
			userID = user.ID
		}
	}

	a := &Activity{Activity: activity, Description: description, IPAddress: httpx.ClientIP(r)}
	if !userID.IsZero() {
		a.UserID = &userID
	}

	if err := t.w.LogActivity(r.Context(), a); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("activity", activity).Msg("failed to log activity")
	}
}

// SystemActivity logs an activity line from background jobs.
func (t *Trail) SystemActivity(ctx context.Context, log zerolog.Logger, activity, description string) {
	if t == nil || t.w == nil {
		return
	}
	if err := t.w.LogActivity(ctx, &Activity{Activity: activity, Description: description, IPAddress: "system"}); err != nil {
		log.Warn().Err(err).Str("activity", activity).Msg("failed to log activity")
	}
}
