package calendar

import (
	"testing"
	"time"
)

// epoch: Monday 2026-08-03, weekly periods.
func testCalendar(t *testing.T) *Calendar {
	t.Helper()
	epoch := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	cal, err := NewCalendar(epoch, 7, time.UTC)
	if err != nil {
		t.Fatalf("NewCalendar: %v", err)
	}
	return cal
}

func TestFindPeriodContaining(t *testing.T) {
	t.Parallel()
	cal := testCalendar(t)

	tests := []struct {
		name  string
		day   time.Time
		index int
	}{
		{name: "epoch day", day: time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC), index: 0},
		{name: "last day of period 0", day: time.Date(2026, 8, 9, 23, 0, 0, 0, time.UTC), index: 0},
		{name: "first day of period 1", day: time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC), index: 1},
		{name: "mid period 3", day: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC), index: 3},
	}
	for _, tt := range tests {
		p, ok := cal.FindPeriodContaining(tt.day)
		if !ok {
			t.Fatalf("%s: no period found", tt.name)
		}
		if p.Index != tt.index {
			t.Fatalf("%s: index = %d, want %d", tt.name, p.Index, tt.index)
		}
		if tt.day.Before(p.Start) || tt.day.After(p.End.AddDate(0, 0, 1)) {
			t.Fatalf("%s: day outside period bounds [%v, %v]", tt.name, p.Start, p.End)
		}
	}
}

func TestNoPeriodBeforeEpoch(t *testing.T) {
	t.Parallel()
	cal := testCalendar(t)
	if _, ok := cal.FindPeriodContaining(time.Date(2026, 8, 2, 23, 0, 0, 0, time.UTC)); ok {
		t.Fatal("expected no period before the epoch")
	}
}

func TestPeriodBounds(t *testing.T) {
	t.Parallel()
	cal := testCalendar(t)
	p, ok := cal.FindPeriodContaining(time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC))
	if !ok {
		t.Fatal("no period")
	}
	wantStart := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	if !p.Start.Equal(wantStart) || !p.End.Equal(wantEnd) {
		t.Fatalf("period 3 bounds = [%v, %v], want [%v, %v]", p.Start, p.End, wantStart, wantEnd)
	}
}

func TestFindPeriodAfter(t *testing.T) {
	t.Parallel()
	cal := testCalendar(t)

	next, ok := cal.FindPeriodAfter(3)
	if !ok {
		t.Fatal("expected a next period")
	}
	if next.Index != 4 {
		t.Fatalf("next index = %d, want 4", next.Index)
	}
	if !next.Start.Equal(time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("next start = %v", next.Start)
	}

	if _, ok := cal.FindPeriodAfter(-1); ok {
		t.Fatal("expected no period after a negative index")
	}
}

func TestCalendarRejectsBadConfig(t *testing.T) {
	t.Parallel()
	if _, err := NewCalendar(time.Now(), 0, time.UTC); err == nil {
		t.Fatal("expected error for zero period length")
	}
	if _, err := NewCalendar(time.Now(), 7, nil); err == nil {
		t.Fatal("expected error for missing timezone")
	}
}
