// Package calendar models the trading session the budget and baselines are scoped to.
package calendar

import (
	"fmt"
	"time"
)

// Session is a daily trading session in a fixed timezone, Monday to Friday.
type Session struct {
	loc   *time.Location
	open  time.Duration // offset from local midnight
	close time.Duration
}

// NewSession builds a session from a timezone name and HH:MM bounds.
func NewSession(timezone, open, close string) (*Session, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	o, err := parseClock(open)
	if err != nil {
		return nil, fmt.Errorf("parse session open: %w", err)
	}
	c, err := parseClock(close)
	if err != nil {
		return nil, fmt.Errorf("parse session close: %w", err)
	}
	if c <= o {
		return nil, fmt.Errorf("session close %s must be after open %s", close, open)
	}
	return &Session{loc: loc, open: o, close: c}, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Location returns the session timezone.
func (s *Session) Location() *time.Location { return s.loc }

// Length is the duration of one session.
func (s *Session) Length() time.Duration { return s.close - s.open }

// TradingDay returns the session-local calendar date of t as YYYY-MM-DD.
func (s *Session) TradingDay(t time.Time) string {
	return t.In(s.loc).Format("2006-01-02")
}

// bounds returns the open and close instants on the local date of t.
func (s *Session) bounds(t time.Time) (time.Time, time.Time) {
	local := t.In(s.loc)
	y, m, d := local.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, s.loc)
	return midnight.Add(s.open), midnight.Add(s.close)
}

// IsTradingDay reports whether t falls on a weekday.
func (s *Session) IsTradingDay(t time.Time) bool {
	wd := t.In(s.loc).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// IsOpen reports whether t is inside a session.
func (s *Session) IsOpen(t time.Time) bool {
	if !s.IsTradingDay(t) {
		return false
	}
	open, close := s.bounds(t)
	return !t.Before(open) && t.Before(close)
}

// NextOpen returns the first session open strictly after t.
func (s *Session) NextOpen(t time.Time) time.Time {
	open, _ := s.bounds(t)
	for !open.After(t) || !s.IsTradingDay(open) {
		local := open.In(s.loc)
		y, m, d := local.Date()
		open = time.Date(y, m, d+1, 0, 0, 0, 0, s.loc).Add(s.open)
	}
	return open
}

// PreviousTradingDays returns the local-midnight bounds [start, end) covering
// the n complete trading days before the trading day of t.
func (s *Session) PreviousTradingDays(t time.Time, n int) (time.Time, time.Time) {
	local := t.In(s.loc)
	y, m, d := local.Date()
	end := time.Date(y, m, d, 0, 0, 0, 0, s.loc)

	start := end
	for counted := 0; counted < n; {
		sy, sm, sd := start.Date()
		start = time.Date(sy, sm, sd-1, 0, 0, 0, 0, s.loc)
		if s.IsTradingDay(start) {
			counted++
		}
	}
	return start, end
}
