package appointment

import (
	"context"
	"strings"
	"time"

	"github.com/carepoint/hospital/internal/payment"
	"github.com/carepoint/hospital/internal/shared/auth"
	"github.com/carepoint/hospital/internal/shared/errors"
	"github.com/carepoint/hospital/internal/shared/httpx"
	"github.com/carepoint/hospital/internal/shared/types"
)

// Store is the persistence the appointment service needs
type Store interface {
	BookableDoctor(ctx context.Context, doctorID types.ID) (*Doctor, error)
	PatientExists(ctx context.Context, userID types.ID) (bool, error)
	AvailableSchedule(ctx context.Context, doctorID types.ID, day string) (*Schedule, error)
	Schedules(ctx context.Context, doctorID types.ID, availableOnly bool) ([]*Schedule, error)
	ReplaceSchedules(ctx context.Context, doctorID types.ID, days []*Schedule) error
	UpsertSchedule(ctx context.Context, s *Schedule) error
	DeleteSchedule(ctx context.Context, doctorID types.ID, day string) error
	BookedTimes(ctx context.Context, doctorID types.ID, date types.Date) ([]types.Clock, error)
	SlotTaken(ctx context.Context, doctorID types.ID, date types.Date, clock types.Clock) (bool, error)
	Book(ctx context.Context, a *Appointment, p *payment.Payment) error
	Get(ctx context.Context, id types.ID) (*Appointment, error)
	List(ctx context.Context, filter ListFilter) ([]*Appointment, int, error)
	UpdateDetails(ctx context.Context, id types.ID, reason, notes string) error
	UpdateStatus(ctx context.Context, id types.ID, from []Status, to Status) error
}

var _ Store = (*Repository)(nil)

// Service holds the booking rules on top of a Store
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a new appointment service
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Booking is the result of a successful booking
type Booking struct {
	Appointment *Appointment
	Payment     *payment.Payment
	Doctor      *Doctor
}

// Book validates req on behalf of user and stores the appointment with its
// pending payment. Admins book for the patient named in req.
func (s *Service) Book(ctx context.Context, user *auth.User, req BookRequest) (*Booking, error) {
	required := map[string]string{
		"doctor_id":        req.DoctorID,
		"appointment_date": req.AppointmentDate,
		"appointment_time": req.AppointmentTime,
		"reason":           req.Reason,
	}
	if user.Is(auth.RoleAdmin) {
		required["patient_id"] = req.PatientID
	}
	if err := httpx.RequireFields(required); err != nil {
		return nil, err
	}

	doctorID, err := types.ParseID(req.DoctorID)
	if err != nil {
		return nil, errors.Validation("Invalid doctor_id", map[string]string{"doctor_id": "must be a UUID"})
	}
	date, err := types.ParseDate(req.AppointmentDate)
	if err != nil {
		return nil, errors.Validation("Invalid appointment_date", map[string]string{"appointment_date": "expected YYYY-MM-DD"})
	}
	clock, err := types.ParseClock(req.AppointmentTime)
	if err != nil {
		return nil, errors.Validation("Invalid appointment_time", map[string]string{"appointment_time": "expected HH:MM"})
	}

	patientID := user.ID
	if user.Is(auth.RoleAdmin) {
		if patientID, err = types.ParseID(req.PatientID); err != nil {
			return nil, errors.Validation("Invalid patient_id", map[string]string{"patient_id": "must be a UUID"})
		}
	}

	now := s.now()
	if date.Before(types.DateOf(now)) {
		return nil, errors.Validation("Appointment date must be in the future", nil)
	}

	exists, err := s.store.PatientExists(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Validation("Patient profile not found", nil)
	}

	doctor, err := s.store.BookableDoctor(ctx, doctorID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.Validation("Doctor not found or not available", nil)
		}
		return nil, err
	}

	schedule, err := s.store.AvailableSchedule(ctx, doctorID, date.Weekday())
	if err != nil {
		return nil, err
	}
	if !WithinSchedule(schedule, clock) {
		return nil, errors.Validation("Doctor is not available at the requested time", nil)
	}

	taken, err := s.store.SlotTaken(ctx, doctorID, date, clock)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrSlotBooked
	}

	a := NewAppointment(patientID, doctorID, date, clock, strings.TrimSpace(req.Reason), strings.TrimSpace(req.Notes), now)
	p := payment.New(a.ID, patientID, doctor.ConsultationFee, payment.MethodOnline, now)
	if err := s.store.Book(ctx, a, p); err != nil {
		return nil, err
	}

	return &Booking{Appointment: a, Payment: p, Doctor: doctor}, nil
}

// AvailableSlots returns the weekday of date and the free slot starts. A nil
// slice means the doctor does not work that day.
func (s *Service) AvailableSlots(ctx context.Context, doctorID types.ID, date types.Date) (string, []types.Clock, error) {
	day := date.Weekday()
	schedule, err := s.store.AvailableSchedule(ctx, doctorID, day)
	if err != nil {
		return day, nil, err
	}
	if schedule == nil {
		return day, nil, nil
	}

	booked, err := s.store.BookedTimes(ctx, doctorID, date)
	if err != nil {
		return day, nil, err
	}
	return day, GenerateSlots(schedule, booked), nil
}

// Visible reports whether user may see a. Doctors and patients see their
// own appointments; admins and managers see all.
func Visible(user *auth.User, a *Appointment) bool {
	switch user.Role {
	case auth.RoleDoctor:
		return a.DoctorID == user.ID
	case auth.RolePatient:
		return a.PatientID == user.ID
	default:
		return user.Is(auth.RoleAdmin, auth.RoleManager)
	}
}

// Get loads an appointment user may see
func (s *Service) Get(ctx context.Context, user *auth.User, id types.ID) (*Appointment, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !Visible(user, a) {
		return nil, errors.NotFound("Appointment", id.String())
	}
	return a, nil
}

// List lists the appointments user may see
func (s *Service) List(ctx context.Context, user *auth.User, filter ListFilter) ([]*Appointment, int, error) {
	switch user.Role {
	case auth.RoleDoctor:
		filter.DoctorID = &user.ID
	case auth.RolePatient:
		filter.PatientID = &user.ID
	}
	return s.store.List(ctx, filter)
}

// Update changes reason and notes of a pending appointment
func (s *Service) Update(ctx context.Context, user *auth.User, id types.ID, req UpdateRequest) (*Appointment, error) {
	a, err := s.Get(ctx, user, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusPending {
		return nil, errors.Validation("Only pending appointments can be updated", nil)
	}

	reason, notes := a.Reason, a.Notes
	if req.Reason != nil {
		reason = strings.TrimSpace(*req.Reason)
	}
	if req.Notes != nil {
		notes = strings.TrimSpace(*req.Notes)
	}
	if reason == "" {
		return nil, errors.Validation("Missing required fields: reason", map[string]string{"reason": "required"})
	}

	if err := s.store.UpdateDetails(ctx, id, reason, notes); err != nil {
		return nil, err
	}
	a.Reason, a.Notes = reason, notes
	return a, nil
}

// transitionMessages names the precondition each target status needs.
var transitionMessages = map[Status]string{
	StatusConfirmed: "Only pending appointments can be approved",
	StatusRejected:  "Only pending appointments can be rejected",
	StatusCompleted: "Only confirmed appointments can be completed",
	StatusCancelled: "Only pending or confirmed appointments can be cancelled",
}

// Transition moves an appointment user may see to status to. It returns the
// appointment as it was before the change.
func (s *Service) Transition(ctx context.Context, user *auth.User, id types.ID, to Status) (*Appointment, error) {
	a, err := s.Get(ctx, user, id)
	if err != nil {
		return nil, err
	}

	before := *a
	if err := a.Transition(to); err != nil {
		return nil, errors.Validation(transitionMessages[to], map[string]string{"status": string(before.Status)})
	}

	if err := s.store.UpdateStatus(ctx, id, []Status{before.Status}, to); err != nil {
		return nil, err
	}
	return &before, nil
}

// Schedules lists a doctor's schedule. availableOnly hides days off.
func (s *Service) Schedules(ctx context.Context, doctorID types.ID, availableOnly bool) ([]*Schedule, error) {
	return s.store.Schedules(ctx, doctorID, availableOnly)
}

// ReplaceSchedules validates days and swaps in the doctor's new week
func (s *Service) ReplaceSchedules(ctx context.Context, doctorID types.ID, days []ScheduleDay) error {
	schedules := make([]*Schedule, 0, len(days))
	seen := make(map[string]bool, len(days))
	for _, d := range days {
		sched, err := buildSchedule(doctorID, d)
		if err != nil {
			return err
		}
		if seen[sched.DayOfWeek] {
			return errors.Validation("Each day may appear only once in a schedule", map[string]string{"day_of_week": sched.DayOfWeek})
		}
		seen[sched.DayOfWeek] = true
		schedules = append(schedules, sched)
	}
	return s.store.ReplaceSchedules(ctx, doctorID, schedules)
}

// UpsertSchedule sets one day's hours
func (s *Service) UpsertSchedule(ctx context.Context, doctorID types.ID, req UpsertScheduleRequest) (*Schedule, error) {
	if strings.TrimSpace(req.Day) == "" || strings.TrimSpace(req.StartTime) == "" || strings.TrimSpace(req.EndTime) == "" {
		return nil, errors.Validation("Day, start time, and end time required", nil)
	}
	sched, err := buildSchedule(doctorID, ScheduleDay{DayOfWeek: req.Day, StartTime: req.StartTime, EndTime: req.EndTime})
	if err != nil {
		return nil, err
	}
	if err := s.store.UpsertSchedule(ctx, sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// DeleteSchedule removes one day
func (s *Service) DeleteSchedule(ctx context.Context, doctorID types.ID, day string) error {
	day = strings.ToLower(strings.TrimSpace(day))
	if day == "" {
		return errors.Validation("Day required", nil)
	}
	if !types.IsWeekday(day) {
		return errors.Validation("Invalid day", map[string]string{"day": "expected monday..sunday"})
	}
	return s.store.DeleteSchedule(ctx, doctorID, day)
}

func buildSchedule(doctorID types.ID, d ScheduleDay) (*Schedule, error) {
	day := strings.ToLower(strings.TrimSpace(d.DayOfWeek))
	if !types.IsWeekday(day) {
		return nil, errors.Validation("Invalid day", map[string]string{"day_of_week": "expected monday..sunday"})
	}

	start, err := types.ParseClock(d.StartTime)
	if err != nil {
		return nil, errors.Validation("Invalid start time for "+day, map[string]string{"start_time": "expected HH:MM"})
	}
	end, err := types.ParseClock(d.EndTime)
	if err != nil {
		return nil, errors.Validation("Invalid end time for "+day, map[string]string{"end_time": "expected HH:MM"})
	}
	if start.Minutes() >= end.Minutes() {
		return nil, errors.Validation("Start time must be before end time for "+day, nil)
	}

	sched := &Schedule{
		ID:           types.NewID(),
		DoctorID:     doctorID,
		DayOfWeek:    day,
		StartTime:    start,
		EndTime:      end,
		SlotDuration: DefaultSlotDuration,
		BreakTime:    DefaultBreakTime,
		IsAvailable:  true,
	}
	if d.SlotDuration != nil {
		sched.SlotDuration = *d.SlotDuration
	}
	if d.BreakTime != nil {
		sched.BreakTime = *d.BreakTime
	}
	if d.IsAvailable != nil {
		sched.IsAvailable = *d.IsAvailable
	}
	if sched.SlotDuration <= 0 || sched.BreakTime < 0 {
		return nil, errors.Validation("Slot duration must be positive and break time not negative for "+day, nil)
	}
	return sched, nil
}
