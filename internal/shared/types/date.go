package types

import (
	"fmt"
	"strings"
	"time"
)

const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04"
)

// Date is a calendar date in YYYY-MM-DD form.
type Date string

// ParseDate validates s and returns it as a Date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return Date(t.Format(DateLayout)), nil
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	return Date(t.Format(DateLayout))
}

// Time returns midnight UTC of the date. Zero time if the date is malformed.
func (d Date) Time() time.Time {
	t, _ := time.Parse(DateLayout, string(d))
	return t
}

// Before reports whether d is strictly before other.
func (d Date) Before(other Date) bool {
	return d.Time().Before(other.Time())
}

// Weekday returns the lowercase English day name, e.g. "monday".
func (d Date) Weekday() string {
	return strings.ToLower(d.Time().Weekday().String())
}

// AddDays returns the date n days later.
func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}

func (d Date) String() string {
	return string(d)
}

// IsZero reports whether the date is empty.
func (d Date) IsZero() bool {
	return d == ""
}

// Clock is a wall-clock time of day in HH:MM form.
type Clock string

// ParseClock accepts HH:MM or HH:MM:SS and normalizes to HH:MM.
func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{ClockLayout, "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return Clock(t.Format(ClockLayout)), nil
		}
	}
	return "", fmt.Errorf("invalid time %q: expected HH:MM", s)
}

// ClockFromMinutes converts minutes after midnight into a Clock.
func ClockFromMinutes(m int) Clock {
	return Clock(fmt.Sprintf("%02d:%02d", m/60, m%60))
}

// Minutes returns minutes after midnight. Malformed clocks yield -1.
func (c Clock) Minutes() int {
	t, err := time.Parse(ClockLayout, string(c))
	if err != nil {
		return -1
	}
	return t.Hour()*60 + t.Minute()
}

func (c Clock) String() string {
	return string(c)
}

// Weekdays lists schedule day names in calendar order starting on Monday.
var Weekdays = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

// IsWeekday reports whether day is one of Weekdays.
func IsWeekday(day string) bool {
	for _, d := range Weekdays {
		if d == day {
			return true
		}
	}
	return false
}
