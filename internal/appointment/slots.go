package appointment

import "github.com/carepoint/hospital/internal/shared/types"

// GenerateSlots walks the schedule from its start, stepping slot plus break
// minutes while the slot start is before the end. A slot whose start equals
// a booked time is left out; booked times off the grid exclude nothing.
func GenerateSlots(s *Schedule, booked []types.Clock) []types.Clock {
	slots := []types.Clock{}
	if s == nil || !s.IsAvailable {
		return slots
	}

	start, end := s.StartTime.Minutes(), s.EndTime.Minutes()
	step := s.SlotDuration + s.BreakTime
	if start < 0 || end < 0 || step <= 0 {
		return slots
	}

	taken := make(map[int]bool, len(booked))
	for _, b := range booked {
		taken[b.Minutes()] = true
	}

	for t := start; t < end; t += step {
		if !taken[t] {
			slots = append(slots, types.ClockFromMinutes(t))
		}
	}
	return slots
}

// WithinSchedule reports whether t falls in [start, end) of an available day.
func WithinSchedule(s *Schedule, t types.Clock) bool {
	if s == nil || !s.IsAvailable {
		return false
	}
	m := t.Minutes()
	return m >= s.StartTime.Minutes() && m < s.EndTime.Minutes()
}
