package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCalendar(t *testing.T) *Calendar {
	t.Helper()
	c, err := New("Europe/London")
	require.NoError(t, err)
	return c
}

// 2025-03-03 is a Monday; March 2025 avoids the London DST switch until the 30th.
func at(c *Calendar, day, hour, minute int) time.Time {
	return time.Date(2025, time.March, day, hour, minute, 0, 0, c.Loc)
}

func TestMarketClosed(t *testing.T) {
	c := testCalendar(t)
	tests := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"monday noon", at(c, 3, 12, 0), false},
		{"friday 21:59", at(c, 7, 21, 59), false},
		{"friday 22:00", at(c, 7, 22, 0), true},
		{"saturday", at(c, 8, 14, 0), true},
		{"sunday 21:59", at(c, 9, 21, 59), true},
		{"sunday 22:00", at(c, 9, 22, 0), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.MarketClosed(tt.t), tt.name)
	}
}

func TestMarketClosed_ConvertsZone(t *testing.T) {
	c := testCalendar(t)
	// 23:30 UTC+2 on Friday is 21:30 in London: still open.
	cet := time.FixedZone("UTC+2", 2*3600)
	assert.False(t, c.MarketClosed(time.Date(2025, time.March, 7, 23, 30, 0, 0, cet)))
}

func TestTrialExpiry_WeekendDeferred(t *testing.T) {
	c := testCalendar(t)
	// Saturday 14:00 grant starts Monday and ends Wednesday 22:59.
	expiry, deferred := c.TrialExpiry(at(c, 8, 14, 0))
	assert.True(t, deferred)
	assert.Equal(t, at(c, 12, 22, 59), expiry)

	expiry, deferred = c.TrialExpiry(at(c, 7, 22, 30))
	assert.True(t, deferred)
	assert.Equal(t, at(c, 12, 22, 59), expiry)
}

func TestTrialExpiry_Weekdays(t *testing.T) {
	c := testCalendar(t)
	tests := []struct {
		name  string
		grant time.Time
		want  time.Time
	}{
		{"monday morning", at(c, 3, 10, 0), at(c, 6, 22, 59)},
		{"friday before close skips weekend", at(c, 7, 10, 0), at(c, 12, 22, 59)},
		{"sunday after open", at(c, 9, 23, 0), at(c, 13, 22, 59)},
		{"monday late pushed one weekday", at(c, 3, 23, 30), at(c, 7, 22, 59)},
	}
	for _, tt := range tests {
		expiry, deferred := c.TrialExpiry(tt.grant)
		assert.False(t, deferred, tt.name)
		assert.Equal(t, tt.want, expiry, tt.name)
	}
}

func TestTrialExpiry_FloorHoldsAllWeek(t *testing.T) {
	c := testCalendar(t)
	start := at(c, 3, 0, 0)
	for i := 0; i < 7*24*4; i++ {
		grant := start.Add(time.Duration(i) * 15 * time.Minute)
		expiry, _ := c.TrialExpiry(grant)
		require.GreaterOrEqual(t, expiry.Sub(grant), 72*time.Hour, "grant %s", grant)
	}
}

func TestNextMondayAndActivationWindow(t *testing.T) {
	c := testCalendar(t)
	assert.Equal(t, at(c, 10, 0, 0), c.NextMonday(at(c, 7, 23, 0)))
	assert.Equal(t, at(c, 10, 0, 0), c.NextMonday(at(c, 3, 9, 0)))

	assert.True(t, c.ActivationWindow(at(c, 10, 0, 5)))
	assert.True(t, c.ActivationWindow(at(c, 10, 1, 59)))
	assert.False(t, c.ActivationWindow(at(c, 10, 2, 0)))
	assert.False(t, c.ActivationWindow(at(c, 11, 0, 30)))
}

func TestFixedClock(t *testing.T) {
	c := testCalendar(t)
	clk := NewFixedClock(at(c, 3, 9, 0))
	clk.Advance(90 * time.Minute)
	assert.Equal(t, at(c, 3, 10, 30), clk.Now())
}
