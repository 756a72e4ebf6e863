package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepoint/hospital/internal/notification"
	"github.com/carepoint/hospital/internal/shared/auth"
	"github.com/carepoint/hospital/internal/shared/errors"
	"github.com/carepoint/hospital/internal/shared/events"
	"github.com/carepoint/hospital/internal/shared/types"
)

type fakeStore struct {
	billable map[types.ID]*Billable
	payments map[types.ID]*Payment
	filter   ListFilter
}

func newFakeStore() *fakeStore {
	return &fakeStore{billable: map[types.ID]*Billable{}, payments: map[types.ID]*Payment{}}
}

func (f *fakeStore) Create(ctx context.Context, p *Payment) error {
	f.payments[p.ID] = p
	return nil
}

func (f *fakeStore) Billable(ctx context.Context, appointmentID, patientID types.ID) (*Billable, error) {
	b, ok := f.billable[appointmentID]
	if !ok || b.PatientID != patientID {
		return nil, errors.NotFound("Appointment", appointmentID.String())
	}
	return b, nil
}

func (f *fakeStore) ExistsForAppointment(ctx context.Context, appointmentID types.ID) (bool, error) {
	for _, p := range f.payments {
		if p.AppointmentID == appointmentID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) Get(ctx context.Context, id types.ID) (*Payment, error) {
	p, ok := f.payments[id]
	if !ok {
		return nil, errors.NotFound("Payment", id.String())
	}
	return p, nil
}

func (f *fakeStore) List(ctx context.Context, filter ListFilter) ([]*Payment, int, error) {
	f.filter = filter
	out := []*Payment{}
	for _, p := range f.payments {
		if filter.PatientID == nil || p.PatientID == *filter.PatientID {
			out = append(out, p)
		}
	}
	return out, len(out), nil
}

func (f *fakeStore) Review(ctx context.Context, id types.ID, status Status, reviewer types.ID, notes string, at time.Time) error {
	p := f.payments[id]
	if p.Status != StatusPending {
		return errors.Conflict("Payment is no longer pending")
	}
	p.Status = status
	p.VerifiedBy = &reviewer
	p.VerifiedAt = &at
	p.Notes = notes
	return nil
}

type recordingBus struct {
	events []events.Event
}

func (b *recordingBus) Publish(ctx context.Context, e events.Event) error {
	b.events = append(b.events, e)
	return nil
}

type recordingNotifier struct {
	sent []*notification.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, msg *notification.Notification) error {
	n.sent = append(n.sent, msg)
	return nil
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func serve(t *testing.T, h http.HandlerFunc, method, target, body string, user *auth.User) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if user != nil {
		req = req.WithContext(auth.WithUser(req.Context(), user))
	}
	rec := httptest.NewRecorder()
	h(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec, env
}

func TestNewTransactionID(t *testing.T) {
	now := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		assert.Regexp(t, `^TXN20260309[1-9]\d{5}$`, NewTransactionID(now))
	}

	p := New(types.NewID(), types.NewID(), 75, "", now)
	assert.Equal(t, MethodOnline, p.PaymentMethod)
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, 75.0, p.Amount)
}

// txnQuerier acts like a transaction where the first taken ids already
// exist: the insert is skipped by ON CONFLICT and affects no rows.
type txnQuerier struct {
	taken int
	ids   []string
	sql   string
}

func (q *txnQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	q.sql = sql
	q.ids = append(q.ids, args[6].(string))
	if len(q.ids) <= q.taken {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (q *txnQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, fmt.Errorf("unexpected query")
}

func (q *txnQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func TestInsertRegeneratesCollidingTransactionID(t *testing.T) {
	now := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	p := New(types.NewID(), types.NewID(), 75, MethodOnline, now)
	first := p.TransactionID

	q := &txnQuerier{taken: 2}
	require.NoError(t, Insert(context.Background(), q, p))
	require.Len(t, q.ids, 3)
	assert.Equal(t, first, q.ids[0])
	assert.Equal(t, q.ids[2], p.TransactionID)
	assert.Contains(t, q.sql, "ON CONFLICT ON CONSTRAINT payments_transaction_id_key DO NOTHING")

	exhausted := &txnQuerier{taken: insertAttempts}
	err := Insert(context.Background(), exhausted, New(types.NewID(), types.NewID(), 75, MethodOnline, now))
	require.Error(t, err)
	assert.Len(t, exhausted.ids, insertAttempts)
	appErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusInternalServerError, appErr.HTTPStatus)
}

func TestCreatePayment(t *testing.T) {
	store := newFakeStore()
	h := NewHandler(store, nil, nil, nil)
	patient := &auth.User{ID: types.NewID(), Role: auth.RolePatient}
	appointmentID := types.NewID()
	store.billable[appointmentID] = &Billable{AppointmentID: appointmentID, PatientID: patient.ID, ConsultationFee: 120.5}

	rec, env := serve(t, h.Create, http.MethodPost, "/", `{"appointment_id":"`+appointmentID.String()+`"}`, patient)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing required fields: payment_method", env.Message)

	body := `{"appointment_id":"` + appointmentID.String() + `","payment_method":"card"}`
	rec, env = serve(t, h.Create, http.MethodPost, "/", body, patient)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Payment created successfully", env.Message)

	var data struct {
		PaymentID     types.ID `json:"payment_id"`
		TransactionID string   `json:"transaction_id"`
		Amount        float64  `json:"amount"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, 120.5, data.Amount)
	assert.Equal(t, patient.ID, store.payments[data.PaymentID].PatientID)
	assert.True(t, strings.HasPrefix(data.TransactionID, "TXN"))

	rec, env = serve(t, h.Create, http.MethodPost, "/", body, patient)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Payment already exists for this appointment", env.Message)

	// another patient's appointment is not found
	other := &auth.User{ID: types.NewID(), Role: auth.RolePatient}
	rec, _ = serve(t, h.Create, http.MethodPost, "/", body, other)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListPaymentsScopesByRole(t *testing.T) {
	store := newFakeStore()
	h := NewHandler(store, nil, nil, nil)
	patient := &auth.User{ID: types.NewID(), Role: auth.RolePatient}

	mine := New(types.NewID(), patient.ID, 50, MethodOnline, time.Now())
	theirs := New(types.NewID(), types.NewID(), 60, MethodOnline, time.Now())
	store.payments[mine.ID] = mine
	store.payments[theirs.ID] = theirs

	rec, env := serve(t, h.List, http.MethodGet, "/?status=pending", "", patient)
	require.Equal(t, http.StatusOK, rec.Code)
	var data struct {
		Payments []*Payment `json:"payments"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Len(t, data.Payments, 1)
	assert.Equal(t, mine.ID, data.Payments[0].ID)
	assert.Equal(t, "pending", store.filter.Status)

	rec, env = serve(t, h.List, http.MethodGet, "/", "", &auth.User{ID: types.NewID(), Role: auth.RoleManager})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Len(t, data.Payments, 2)

	rec, env = serve(t, h.List, http.MethodGet, "/", "", &auth.User{ID: types.NewID(), Role: auth.RoleDoctor})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Access denied", env.Message)
}

func TestReviewPayment(t *testing.T) {
	store := newFakeStore()
	bus := &recordingBus{}
	notifier := &recordingNotifier{}
	h := NewHandler(store, nil, bus, notifier)
	manager := &auth.User{ID: types.NewID(), Role: auth.RoleManager}

	p := New(types.NewID(), types.NewID(), 80, MethodOnline, time.Now())
	store.payments[p.ID] = p

	rec, env := serve(t, h.Verify, http.MethodPost, "/?id="+p.ID.String(), `{"notes":"bank ok"}`, manager)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Payment verified successfully", env.Message)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, manager.ID, *p.VerifiedBy)
	assert.Equal(t, "bank ok", p.Notes)

	require.Len(t, bus.events, 1)
	assert.Equal(t, events.PaymentVerified, bus.events[0].Type)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, notification.KindPaymentVerified, notifier.sent[0].Kind)
	assert.Equal(t, p.PatientID, notifier.sent[0].RecipientID)

	rec, env = serve(t, h.Reject, http.MethodPost, "/?id="+p.ID.String(), "", manager)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Only pending payments can be rejected", env.Message)

	pending := New(types.NewID(), types.NewID(), 80, MethodOnline, time.Now())
	store.payments[pending.ID] = pending
	rec, env = serve(t, h.Reject, http.MethodPost, "/?id="+pending.ID.String(), "", manager)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Payment rejected successfully", env.Message)
	assert.Equal(t, StatusFailed, pending.Status)

	rec, env = serve(t, h.Verify, http.MethodPost, "/?id="+types.NewID().String(), "", manager)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Payment not found", env.Message)
}
