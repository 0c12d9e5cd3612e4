package calendar

import (
	"testing"
	"time"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession("America/New_York", "09:30", "16:00")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestNewSession_Invalid(t *testing.T) {
	if _, err := NewSession("Nowhere/City", "09:30", "16:00"); err == nil {
		t.Error("expected timezone error")
	}
	if _, err := NewSession("UTC", "9h", "16:00"); err == nil {
		t.Error("expected open parse error")
	}
	if _, err := NewSession("UTC", "16:00", "09:30"); err == nil {
		t.Error("expected close-before-open error")
	}
}

func TestSession_Length(t *testing.T) {
	s := newTestSession(t)
	if got := s.Length(); got != 6*time.Hour+30*time.Minute {
		t.Errorf("Length = %s, want 6h30m", got)
	}
}

func TestSession_IsOpen(t *testing.T) {
	s := newTestSession(t)
	loc := s.Location()

	// Wednesday 2024-03-13
	if !s.IsOpen(time.Date(2024, 3, 13, 9, 30, 0, 0, loc)) {
		t.Error("open instant should be inside the session")
	}
	if s.IsOpen(time.Date(2024, 3, 13, 16, 0, 0, 0, loc)) {
		t.Error("close instant should be outside the session")
	}
	if s.IsOpen(time.Date(2024, 3, 16, 11, 0, 0, 0, loc)) {
		t.Error("saturday should be closed")
	}
}

func TestSession_NextOpen(t *testing.T) {
	s := newTestSession(t)
	loc := s.Location()

	tests := []struct {
		name string
		at   time.Time
		want time.Time
	}{
		{"before open same day", time.Date(2024, 3, 13, 8, 0, 0, 0, loc), time.Date(2024, 3, 13, 9, 30, 0, 0, loc)},
		{"during session", time.Date(2024, 3, 13, 12, 0, 0, 0, loc), time.Date(2024, 3, 14, 9, 30, 0, 0, loc)},
		{"friday evening", time.Date(2024, 3, 15, 17, 0, 0, 0, loc), time.Date(2024, 3, 18, 9, 30, 0, 0, loc)},
		{"exactly at open", time.Date(2024, 3, 13, 9, 30, 0, 0, loc), time.Date(2024, 3, 14, 9, 30, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.NextOpen(tt.at); !got.Equal(tt.want) {
				t.Errorf("NextOpen(%s) = %s, want %s", tt.at, got, tt.want)
			}
		})
	}
}

func TestSession_TradingDay(t *testing.T) {
	s := newTestSession(t)
	// 02:00 UTC on the 14th is still the 13th in New York
	at := time.Date(2024, 3, 14, 2, 0, 0, 0, time.UTC)
	if got := s.TradingDay(at); got != "2024-03-13" {
		t.Errorf("TradingDay = %s, want 2024-03-13", got)
	}
}

func TestSession_PreviousTradingDays(t *testing.T) {
	s := newTestSession(t)
	loc := s.Location()

	// Tuesday 2024-03-12 noon: five trading days back skips one weekend
	start, end := s.PreviousTradingDays(time.Date(2024, 3, 12, 12, 0, 0, 0, loc), 5)
	if want := time.Date(2024, 3, 5, 0, 0, 0, 0, loc); !start.Equal(want) {
		t.Errorf("start = %s, want %s", start, want)
	}
	if want := time.Date(2024, 3, 12, 0, 0, 0, 0, loc); !end.Equal(want) {
		t.Errorf("end = %s, want %s", end, want)
	}

	// Monday: one trading day back is the previous Friday
	start, _ = s.PreviousTradingDays(time.Date(2024, 3, 11, 8, 0, 0, 0, loc), 1)
	if want := time.Date(2024, 3, 8, 0, 0, 0, 0, loc); !start.Equal(want) {
		t.Errorf("start = %s, want %s", start, want)
	}
}
