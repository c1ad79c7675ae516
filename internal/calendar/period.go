package calendar

import (
	"errors"
	"time"
)

// Period is one fixed-length scheduling interval. Start and End are civil
// dates (midnight in the reference timezone); End is the period's last day,
// inclusive. The next period starts the day after End.
type Period struct {
	Index int
	Start time.Time
	End   time.Time
}

// Calendar maps dates to period indexes. Periods are periodDays long and
// anchored at epoch (period 0 starts on the epoch date). Dates before the
// epoch belong to no period.
type Calendar struct {
	epoch time.Time // midnight, reference tz
	days  int
	loc   *time.Location
}

func NewCalendar(epoch time.Time, periodDays int, loc *time.Location) (*Calendar, error) {
	if periodDays <= 0 {
		return nil, errors.New("calendar: period length must be positive")
	}
	if loc == nil {
		return nil, errors.New("calendar: reference timezone is required")
	}
	y, m, d := epoch.In(loc).Date()
	return &Calendar{
		epoch: time.Date(y, m, d, 0, 0, 0, 0, loc),
		days:  periodDays,
		loc:   loc,
	}, nil
}

func (c *Calendar) Location() *time.Location { return c.loc }

// FindPeriodContaining returns the period whose date range contains t's
// civil date, or ok=false when t falls before the epoch.
func (c *Calendar) FindPeriodContaining(t time.Time) (Period, bool) {
	y, m, d := t.In(c.loc).Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, c.loc)
	if day.Before(c.epoch) {
		return Period{}, false
	}
	elapsed := daysBetween(c.epoch, day)
	return c.period(elapsed / c.days), true
}

// FindPeriodAfter returns the period following index, or ok=false for a
// negative index. The calendar is unbounded forward.
func (c *Calendar) FindPeriodAfter(index int) (Period, bool) {
	if index < 0 {
		return Period{}, false
	}
	return c.period(index + 1), true
}

func (c *Calendar) period(index int) Period {
	start := c.epoch.AddDate(0, 0, index*c.days)
	end := start.AddDate(0, 0, c.days-1)
	return Period{Index: index, Start: start, End: end}
}

// daysBetween counts civil days from a to b (both midnights in the same
// location). AddDate-based stepping would be O(n); dividing wall-clock
// durations is wrong across DST shifts, so round instead.
func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Round(24*time.Hour) / (24 * time.Hour))
}
