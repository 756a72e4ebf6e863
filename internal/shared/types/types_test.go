package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	id := NewID()

	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseID("42")
	assert.Error(t, err)
}

func TestIDScan(t *testing.T) {
	var id ID
	require.NoError(t, id.Scan("6ba7b810-9dad-11d1-80b4-00c04fd430c8"))
	assert.Equal(t, ID("6ba7b810-9dad-11d1-80b4-00c04fd430c8"), id)

	require.NoError(t, id.Scan(nil))
	assert.True(t, id.IsZero())

	assert.Error(t, id.Scan(42))
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate(" 2025-03-17 ")
	require.NoError(t, err)
	assert.Equal(t, Date("2025-03-17"), d)
	assert.Equal(t, "monday", d.Weekday())
	assert.Equal(t, Date("2025-03-18"), d.AddDays(1))

	_, err = ParseDate("17/03/2025")
	assert.Error(t, err)
}

func TestDateBefore(t *testing.T) {
	today := DateOf(time.Date(2025, 3, 17, 23, 59, 0, 0, time.UTC))
	assert.True(t, Date("2025-03-16").Before(today))
	assert.False(t, today.Before(today))
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    Clock
		wantErr bool
	}{
		{"09:00", "09:00", false},
		{"09:45:00", "09:45", false},
		{"9:00", "09:00", false},
		{"noon", "", true},
		{"25:00", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseClock(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClockMinutesRoundTrip(t *testing.T) {
	assert.Equal(t, 9*60+45, Clock("09:45").Minutes())
	assert.Equal(t, Clock("11:15"), ClockFromMinutes(11*60+15))
	assert.Equal(t, -1, Clock("bad").Minutes())
}

func TestIsWeekday(t *testing.T) {
	assert.True(t, IsWeekday("sunday"))
	assert.False(t, IsWeekday("Sunday"))
	assert.False(t, IsWeekday("someday"))
}
