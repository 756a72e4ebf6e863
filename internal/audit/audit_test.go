package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepoint/hospital/internal/shared/auth"
	"github.com/carepoint/hospital/internal/shared/types"
)

func chain(n int) []*Entry {
	entries := make([]*Entry, n)
	prevHash := ""
	for i := 0; i < n; i++ {
		e := NewEntry(ActionUpdate, "appointments", types.NewID(), nil, map[string]any{"index": i})
		e.Sequence = int64(i + 1)
		e.PrevHash = prevHash
		e.Hash = e.ComputeHash()
		prevHash = e.Hash
		entries[i] = e
	}
	return entries
}

func newestFirst(entries []*Entry) []*Entry {
	out := make([]*Entry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out
}

func TestNewEntry(t *testing.T) {
	recordID := types.NewID()
	e := NewEntry(ActionCreate, "payments", recordID, nil, map[string]any{"amount": 50.0})

	assert.False(t, e.ID.IsZero())
	require.NotNil(t, e.RecordID)
	assert.Equal(t, recordID, *e.RecordID)
	assert.NotEmpty(t, e.Hash)
	assert.Empty(t, e.PrevHash)
	assert.True(t, e.VerifyHash())

	e.WithActor(types.NewID(), "manager", "10.0.0.1")
	assert.True(t, e.VerifyHash())
	assert.Equal(t, "manager", e.ActorRole)
}

func TestHashChainTamperDetection(t *testing.T) {
	e := NewEntry(ActionStatus, "appointments", types.NewID(),
		map[string]any{"status": "pending"}, map[string]any{"status": "confirmed"})
	original := e.Hash

	e.NewValues["status"] = "completed"

	assert.False(t, e.VerifyHash())
	assert.NotEqual(t, original, e.ComputeHash())
}

func TestCanonicalJSONIsKeyOrderIndependent(t *testing.T) {
	a, err := canonicalJSON(map[string]any{"b": 1, "a": map[string]any{"d": 2, "c": 3}})
	require.NoError(t, err)
	b, err := canonicalJSON(map[string]any{"a": map[string]any{"c": 3, "d": 2}, "b": 1})
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"a":{"c":3,"d":2},"b":1}`, string(a))
}

func TestVerifyEntries(t *testing.T) {
	t.Run("intact chain", func(t *testing.T) {
		result := verifyEntries(newestFirst(chain(5)))
		assert.True(t, result.Valid)
		assert.Equal(t, 5, result.Checked)
		assert.Empty(t, result.Violations)
	})

	t.Run("tampered content", func(t *testing.T) {
		entries := chain(4)
		entries[2].NewValues["index"] = 99
		result := verifyEntries(newestFirst(entries))
		assert.False(t, result.Valid)
		assert.Equal(t, 1, result.ContentInvalid)
		assert.Equal(t, 0, result.LinkageInvalid)
	})

	t.Run("broken link", func(t *testing.T) {
		entries := chain(4)
		// rewrite entry 1 consistently so only the link to entry 2 breaks
		entries[1].NewValues["index"] = 42
		entries[1].Hash = entries[1].ComputeHash()
		result := verifyEntries(newestFirst(entries))
		assert.False(t, result.Valid)
		assert.Equal(t, 0, result.ContentInvalid)
		assert.Equal(t, 1, result.LinkageInvalid)
	})
}

type memWriter struct {
	entries    []*Entry
	activities []*Activity
	err        error
}

func (m *memWriter) Append(ctx context.Context, entry *Entry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memWriter) LogActivity(ctx context.Context, a *Activity) error {
	if m.err != nil {
		return m.err
	}
	m.activities = append(m.activities, a)
	return nil
}

func TestTrail(t *testing.T) {
	w := &memWriter{}
	trail := NewTrail(w)

	user := &auth.User{ID: types.NewID(), Role: auth.RoleDoctor}
	req := httptest.NewRequest(http.MethodPost, "/api/appointments?action=approve", nil)
	req.RemoteAddr = "192.168.1.5:4000"
	req = req.WithContext(auth.WithUser(req.Context(), user))

	recordID := types.NewID()
	trail.Record(req, ActionStatus, "appointments", recordID,
		map[string]any{"status": "pending"}, map[string]any{"status": "confirmed"})
	trail.Activity(req, "", ActivityBooking, "booked")

	require.Len(t, w.entries, 1)
	assert.Equal(t, user.ID, *w.entries[0].ActorID)
	assert.Equal(t, "doctor", w.entries[0].ActorRole)
	assert.Equal(t, "192.168.1.5", w.entries[0].ActorIP)

	require.Len(t, w.activities, 1)
	assert.Equal(t, user.ID, *w.activities[0].UserID)

	// failures are swallowed
	w.err = errors.New("db down")
	trail.Record(req, ActionDelete, "medicines", recordID, nil, nil)

	// nil trail records nothing
	var none *Trail
	none.Record(req, ActionDelete, "medicines", recordID, nil, nil)
	none.Activity(req, "", ActivityLogin, "")
}

type fakeReader struct {
	filter   ListFilter
	activity ActivityFilter
}

func (f *fakeReader) List(ctx context.Context, filter ListFilter) ([]*Entry, int, error) {
	f.filter = filter
	return chain(2), 2, nil
}

func (f *fakeReader) VerifyChain(ctx context.Context, limit int) (*VerifyResult, error) {
	return verifyEntries(newestFirst(chain(limit))), nil
}

func (f *fakeReader) ListActivity(ctx context.Context, filter ActivityFilter) ([]*Activity, int, error) {
	f.activity = filter
	return []*Activity{{ID: types.NewID(), Activity: ActivityLogin, CreatedAt: time.Now()}}, 1, nil
}

func (f *fakeReader) ActivitySummary(ctx context.Context, since time.Time, limit int) ([]ActivityCount, error) {
	return nil, nil
}

func TestHandlerListEntriesFilters(t *testing.T) {
	reader := &fakeReader{}
	h := NewHandler(reader)

	req := httptest.NewRequest(http.MethodGet, "/api/admin?action=audit-logs&audit_action=update&table_name=payments&limit=10&page=2", nil)
	rec := httptest.NewRecorder()
	h.ListEntries(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "update", reader.filter.Action)
	assert.Equal(t, "payments", reader.filter.TableName)
	assert.Equal(t, 10, reader.filter.Limit)
	assert.Equal(t, 10, reader.filter.Offset)

	var body struct {
		Data struct {
			Logs       []Entry        `json:"logs"`
			Pagination map[string]int `json:"pagination"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Data.Logs, 2)
	assert.Equal(t, 2, body.Data.Pagination["total"])
}

func TestHandlerVerifyChain(t *testing.T) {
	h := NewHandler(&fakeReader{})

	rec := httptest.NewRecorder()
	h.VerifyChain(rec, httptest.NewRequest(http.MethodGet, "/api/admin?action=verify-audit-chain&limit=3", nil))

	var body struct {
		Data VerifyResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Data.Valid)
	assert.Equal(t, 3, body.Data.Checked)
}

func TestHandlerListActivity(t *testing.T) {
	reader := &fakeReader{}
	h := NewHandler(reader)

	rec := httptest.NewRecorder()
	h.ListActivity(rec, httptest.NewRequest(http.MethodGet, "/api/admin?action=activity-logs&activity=login", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "login", reader.activity.Activity)
	assert.Equal(t, 50, reader.activity.Limit)
}
