package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepoint/hospital/internal/appointment"
	"github.com/carepoint/hospital/internal/audit"
	"github.com/carepoint/hospital/internal/notification"
	"github.com/carepoint/hospital/internal/shared/config"
	"github.com/carepoint/hospital/internal/shared/types"
)

type fakeAppointments struct {
	expired    []appointment.Notice
	due        []appointment.Notice
	cutoff     types.Date
	note       string
	reminderOn types.Date
	reminded   []types.ID
	failExpire bool
}

func (f *fakeAppointments) ExpireStale(ctx context.Context, cutoff types.Date, note string) ([]appointment.Notice, error) {
	if f.failExpire {
		return nil, fmt.Errorf("database unavailable")
	}
	f.cutoff, f.note = cutoff, note
	return f.expired, nil
}

func (f *fakeAppointments) DueReminders(ctx context.Context, date types.Date) ([]appointment.Notice, error) {
	f.reminderOn = date
	var out []appointment.Notice
	for _, n := range f.due {
		if !containsID(f.reminded, n.ID) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeAppointments) MarkReminded(ctx context.Context, ids []types.ID, at time.Time) error {
	f.reminded = append(f.reminded, ids...)
	return nil
}

func containsID(ids []types.ID, id types.ID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

type fakePurger struct {
	cutoff time.Time
	purged int64
}

func (f *fakePurger) PurgeActivity(ctx context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.purged, nil
}

type memWriter struct {
	activities []*audit.Activity
}

func (m *memWriter) Append(ctx context.Context, entry *audit.Entry) error { return nil }

func (m *memWriter) LogActivity(ctx context.Context, a *audit.Activity) error {
	m.activities = append(m.activities, a)
	return nil
}

type recordingNotifier struct {
	sent []*notification.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, msg *notification.Notification) error {
	n.sent = append(n.sent, msg)
	return nil
}

type fixture struct {
	appointments *fakeAppointments
	purger       *fakePurger
	writer       *memWriter
	notifier     *recordingNotifier
	scheduler    *Scheduler
	now          time.Time
}

func newFixture(cfg config.SchedulerConfig) *fixture {
	f := &fixture{
		appointments: &fakeAppointments{},
		purger:       &fakePurger{},
		writer:       &memWriter{},
		notifier:     &recordingNotifier{},
		now:          time.Date(2026, 7, 14, 0, 15, 0, 0, time.UTC),
	}
	f.scheduler = New(cfg, f.appointments, f.purger, audit.NewTrail(f.writer), f.notifier, zerolog.Nop())
	f.scheduler.now = func() time.Time { return f.now }
	return f
}

func notice(date types.Date, clock types.Clock) appointment.Notice {
	return appointment.Notice{ID: types.NewID(), PatientID: types.NewID(), AppointmentDate: date, AppointmentTime: clock}
}

func TestExpireStale(t *testing.T) {
	f := newFixture(config.SchedulerConfig{})
	stale := notice("2026-07-12", "09:30")
	f.appointments.expired = []appointment.Notice{stale}

	require.NoError(t, f.scheduler.ExpireStale(context.Background()))
	assert.Equal(t, types.Date("2026-07-14"), f.appointments.cutoff)
	assert.Equal(t, ExpiryNote, f.appointments.note)

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, notification.KindAppointmentExpired, f.notifier.sent[0].Kind)
	assert.Equal(t, stale.PatientID, f.notifier.sent[0].RecipientID)

	require.Len(t, f.writer.activities, 1)
	assert.Equal(t, audit.ActivityHousekeeping, f.writer.activities[0].Activity)
	assert.Equal(t, "system", f.writer.activities[0].IPAddress)
}

func TestExpireStaleNothingToDo(t *testing.T) {
	f := newFixture(config.SchedulerConfig{})

	require.NoError(t, f.scheduler.ExpireStale(context.Background()))
	assert.Empty(t, f.notifier.sent)
	assert.Empty(t, f.writer.activities)

	f.appointments.failExpire = true
	assert.Error(t, f.scheduler.ExpireStale(context.Background()))
}

func TestSendRemindersOnce(t *testing.T) {
	f := newFixture(config.SchedulerConfig{})
	f.appointments.due = []appointment.Notice{notice("2026-07-15", "10:00"), notice("2026-07-15", "11:30")}

	require.NoError(t, f.scheduler.SendReminders(context.Background()))
	assert.Equal(t, types.Date("2026-07-15"), f.appointments.reminderOn)
	require.Len(t, f.notifier.sent, 2)
	assert.Equal(t, notification.KindAppointmentReminder, f.notifier.sent[0].Kind)
	assert.Len(t, f.appointments.reminded, 2)

	require.NoError(t, f.scheduler.SendReminders(context.Background()))
	assert.Len(t, f.notifier.sent, 2)
}

func TestPurgeActivity(t *testing.T) {
	f := newFixture(config.SchedulerConfig{ActivityRetentionDays: 90})
	f.purger.purged = 12

	require.NoError(t, f.scheduler.PurgeActivity(context.Background()))
	assert.Equal(t, f.now.AddDate(0, 0, -90), f.purger.cutoff)
	require.Len(t, f.writer.activities, 1)
	assert.Contains(t, f.writer.activities[0].Description, "Purged 12 activity lines")

	keep := newFixture(config.SchedulerConfig{})
	require.NoError(t, keep.scheduler.PurgeActivity(context.Background()))
	assert.True(t, keep.purger.cutoff.IsZero())
}

func TestStartRejectsBadSpec(t *testing.T) {
	f := newFixture(config.SchedulerConfig{ExpireSpec: "not a spec"})
	err := f.scheduler.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobExpire)
}

func TestStartStop(t *testing.T) {
	f := newFixture(config.SchedulerConfig{
		ExpireSpec:    "15 0 * * *",
		ReminderSpec:  "0 8 * * *",
		RetentionSpec: "30 3 * * 0",
	})
	require.NoError(t, f.scheduler.Start(context.Background()))
	assert.Error(t, f.scheduler.Start(context.Background()))
	assert.Len(t, f.scheduler.cron.Entries(), 3)

	f.scheduler.Stop()
	f.scheduler.Stop()
}
