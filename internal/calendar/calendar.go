// Package calendar holds every wall-clock decision in the reference time zone.
package calendar

import (
	"fmt"
	"sync"
	"time"
)

// TrialDays is the number of trading days a trial lasts.
const TrialDays = 3

// minTrialLength is the wall-time floor for any trial.
const minTrialLength = TrialDays * 24 * time.Hour

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

// Calendar evaluates market and trial rules in one named zone.
type Calendar struct {
	Loc *time.Location
}

// New loads the named IANA zone.
func New(zone string) (*Calendar, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("load zone %q: %w", zone, err)
	}
	return &Calendar{Loc: loc}, nil
}

// In converts t to the reference zone.
func (c *Calendar) In(t time.Time) time.Time {
	return t.In(c.Loc)
}

// MarketClosed reports whether t falls in Friday 22:00 through Sunday 22:00.
func (c *Calendar) MarketClosed(t time.Time) bool {
	lt := t.In(c.Loc)
	switch lt.Weekday() {
	case time.Friday:
		return lt.Hour() >= 22
	case time.Saturday:
		return true
	case time.Sunday:
		return lt.Hour() < 22
	}
	return false
}

// NextMonday returns 00:00 of the first Monday strictly after t's date.
func (c *Calendar) NextMonday(t time.Time) time.Time {
	lt := t.In(c.Loc)
	days := (8 - int(lt.Weekday())) % 7
	if days == 0 {
		days = 7
	}
	return time.Date(lt.Year(), lt.Month(), lt.Day()+days, 0, 0, 0, 0, c.Loc)
}

// TrialExpiry computes the deadline of a trial granted at grant.
// A grant inside the closed-market window is deferred: it starts the following
// Monday and expires that Wednesday at 22:59. Otherwise the trial runs three
// weekdays forward, ending at 22:59, and is pushed one more weekday whenever
// that would leave less than three days of wall time.
func (c *Calendar) TrialExpiry(grant time.Time) (expiry time.Time, deferred bool) {
	g := grant.In(c.Loc)
	if c.MarketClosed(g) {
		monday := c.NextMonday(g)
		return atCutoff(monday.AddDate(0, 0, 2), c.Loc), true
	}

	day := time.Date(g.Year(), g.Month(), g.Day(), 0, 0, 0, 0, c.Loc)
	for n := 0; n < TrialDays; {
		day = day.AddDate(0, 0, 1)
		if isWeekday(day) {
			n++
		}
	}
	expiry = atCutoff(day, c.Loc)
	for expiry.Sub(g) < minTrialLength {
		day = day.AddDate(0, 0, 1)
		for !isWeekday(day) {
			day = day.AddDate(0, 0, 1)
		}
		expiry = atCutoff(day, c.Loc)
	}
	return expiry, false
}

// ActivationWindow reports whether t is Monday 00:00-01:59.
func (c *Calendar) ActivationWindow(t time.Time) bool {
	lt := t.In(c.Loc)
	return lt.Weekday() == time.Monday && lt.Hour() <= 1
}

func atCutoff(day time.Time, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), 22, 59, 0, 0, loc)
}

func isWeekday(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// SystemClock reads the machine clock and converts to the reference zone.
type SystemClock struct {
	Loc *time.Location
}

func (s SystemClock) Now() time.Time {
	return time.Now().In(s.Loc)
}

// FixedClock is a settable clock for tests and replays.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{t: t}
}

func (f *FixedClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *FixedClock) Set(t time.Time) {
	f.mu.Lock()
	f.t = t
	f.mu.Unlock()
}

func (f *FixedClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}
