// Package scheduler runs the housekeeping jobs: expiring appointment
// requests whose date has passed, next-day reminders and activity log
// retention.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/carepoint/hospital/internal/appointment"
	"github.com/carepoint/hospital/internal/audit"
	"github.com/carepoint/hospital/internal/notification"
	"github.com/carepoint/hospital/internal/shared/config"
	"github.com/carepoint/hospital/internal/shared/metrics"
	"github.com/carepoint/hospital/internal/shared/types"
)

// Job names, used as metric labels
const (
	JobExpire    = "expire_appointments"
	JobReminders = "appointment_reminders"
	JobRetention = "activity_retention"
)

// ExpiryNote is appended to the notes of expired appointments and their payments
const ExpiryNote = "Expired: appointment date passed before confirmation"

// Appointments is the appointment persistence the jobs use
type Appointments interface {
	ExpireStale(ctx context.Context, cutoff types.Date, note string) ([]appointment.Notice, error)
	DueReminders(ctx context.Context, date types.Date) ([]appointment.Notice, error)
	MarkReminded(ctx context.Context, ids []types.ID, at time.Time) error
}

// ActivityPurger deletes old activity lines
type ActivityPurger interface {
	PurgeActivity(ctx context.Context, cutoff time.Time) (int64, error)
}

var (
	_ Appointments   = (*appointment.Repository)(nil)
	_ ActivityPurger = (*audit.Repository)(nil)
)

// Scheduler owns the cron runner and the job dependencies
type Scheduler struct {
	cfg          config.SchedulerConfig
	appointments Appointments
	activity     ActivityPurger
	trail        *audit.Trail
	notifier     notification.Notifier
	log          zerolog.Logger
	now          func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	started bool
}

// New creates a scheduler. trail and notifier may be nil.
func New(cfg config.SchedulerConfig, appointments Appointments, activity ActivityPurger,
	trail *audit.Trail, notifier notification.Notifier, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		appointments: appointments,
		activity:     activity,
		trail:        trail,
		notifier:     notifier,
		log:          log.With().Str("component", "scheduler").Logger(),
		now:          time.Now,
	}
}

// Start registers the jobs and starts the cron runner. Jobs run with ctx
// until Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}

	logger := cronLogger{log: s.log}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{JobExpire, s.cfg.ExpireSpec, s.ExpireStale},
		{JobReminders, s.cfg.ReminderSpec, s.SendReminders},
		{JobRetention, s.cfg.RetentionSpec, s.PurgeActivity},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		if _, err := c.AddFunc(job.spec, func() { s.run(ctx, job.name, job.run) }); err != nil {
			return fmt.Errorf("invalid cron spec %q for %s: %w", job.spec, job.name, err)
		}
		s.log.Info().Str("job", job.name).Str("spec", job.spec).Msg("job scheduled")
	}

	c.Start()
	s.cron = c
	s.started = true
	return nil
}

// Stop stops the cron runner and waits for running jobs to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	c := s.cron
	s.mu.Unlock()

	<-c.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, name string, job func(context.Context) error) {
	start := time.Now()
	err := job(ctx)
	metrics.RecordSchedulerRun(name, err)
	if err != nil {
		s.log.Error().Err(err).Str("job", name).Dur("duration", time.Since(start)).Msg("job failed")
		return
	}
	s.log.Debug().Str("job", name).Dur("duration", time.Since(start)).Msg("job finished")
}

// ExpireStale cancels pending appointments dated before today and tells
// each patient.
func (s *Scheduler) ExpireStale(ctx context.Context) error {
	today := types.DateOf(s.now())
	expired, err := s.appointments.ExpireStale(ctx, today, ExpiryNote)
	if err != nil {
		return err
	}

	for _, n := range expired {
		notification.Send(ctx, s.notifier, &s.log, notification.AppointmentUpdate(
			notification.KindAppointmentExpired, n.PatientID, n.ID, n.AppointmentDate, n.AppointmentTime))
	}
	if len(expired) > 0 {
		s.log.Info().Int("count", len(expired)).Str("cutoff", today.String()).Msg("expired stale appointments")
		s.trail.SystemActivity(ctx, s.log, audit.ActivityHousekeeping,
			fmt.Sprintf("Expired %d pending appointments dated before %s", len(expired), today))
	}
	return nil
}

// SendReminders notifies patients of confirmed appointments tomorrow.
// Appointments are stamped so a rerun does not remind twice.
func (s *Scheduler) SendReminders(ctx context.Context) error {
	now := s.now()
	tomorrow := types.DateOf(now).AddDays(1)
	due, err := s.appointments.DueReminders(ctx, tomorrow)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	ids := make([]types.ID, 0, len(due))
	for _, n := range due {
		notification.Send(ctx, s.notifier, &s.log, notification.AppointmentUpdate(
			notification.KindAppointmentReminder, n.PatientID, n.ID, n.AppointmentDate, n.AppointmentTime))
		ids = append(ids, n.ID)
	}
	if err := s.appointments.MarkReminded(ctx, ids, now); err != nil {
		return err
	}

	s.log.Info().Int("count", len(ids)).Str("date", tomorrow.String()).Msg("sent appointment reminders")
	return nil
}

// PurgeActivity deletes activity lines older than the retention window.
// A zero window keeps everything.
func (s *Scheduler) PurgeActivity(ctx context.Context) error {
	if s.cfg.ActivityRetentionDays <= 0 {
		return nil
	}
	cutoff := s.now().AddDate(0, 0, -s.cfg.ActivityRetentionDays)
	purged, err := s.activity.PurgeActivity(ctx, cutoff)
	if err != nil {
		return err
	}
	if purged > 0 {
		s.log.Info().Int64("count", purged).Time("cutoff", cutoff).Msg("purged activity logs")
		s.trail.SystemActivity(ctx, s.log, audit.ActivityHousekeeping,
			fmt.Sprintf("Purged %d activity lines older than %d days", purged, s.cfg.ActivityRetentionDays))
	}
	return nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
