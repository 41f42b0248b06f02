package scheduler

import (
	"testing"
	"time"
)

func TestNextClockTimeRollsToTomorrow(t *testing.T) {
	now := time.Date(2025, 7, 8, 3, 0, 0, 0, time.UTC) // after 02:00
	next := nextClockTime(now, 2, 0)
	want := time.Date(2025, 7, 9, 2, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("nextClockTime = %v, want %v", next, want)
	}
}

func TestNextClockTimeSameDay(t *testing.T) {
	now := time.Date(2025, 7, 8, 0, 30, 0, 0, time.UTC) // before 02:00
	next := nextClockTime(now, 2, 0)
	want := time.Date(2025, 7, 8, 2, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("nextClockTime = %v, want %v", next, want)
	}
}

func TestMonthsSinceClampsAtZero(t *testing.T) {
	now := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	if got := monthsSince(2025, 8, now); got != 0 {
		t.Errorf("monthsSince for a future month = %d, want 0", got)
	}
	if got := monthsSince(2024, 7, now); got != 12 {
		t.Errorf("monthsSince one year back = %d, want 12", got)
	}
}

func TestNextMonthOfRollsYear(t *testing.T) {
	y, m := nextMonthOf(2025, 12)
	if y != 2026 || m != 1 {
		t.Errorf("nextMonthOf(2025, 12) = (%d, %d), want (2026, 1)", y, m)
	}
}
