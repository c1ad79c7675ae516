package calendar

import "time"

// WeekdayPolicy decides whether a delivery instant falls on a non-business
// day. Both methods are pure date math with no I/O.
type WeekdayPolicy struct {
	loc *time.Location
}

func NewWeekdayPolicy(loc *time.Location) *WeekdayPolicy {
	if loc == nil {
		loc = time.UTC
	}
	return &WeekdayPolicy{loc: loc}
}

// ShouldDefer reports whether t's calendar weekday, evaluated in the
// reference timezone, is Saturday or Sunday.
func (p *WeekdayPolicy) ShouldDefer(t time.Time) bool {
	wd := t.In(p.loc).Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// NextBusinessDay returns the first date strictly after t's date that is
// not Saturday or Sunday, at that date's start in the reference timezone.
func (p *WeekdayPolicy) NextBusinessDay(t time.Time) time.Time {
	y, m, d := t.In(p.loc).Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, p.loc)
	for {
		day = day.AddDate(0, 0, 1)
		wd := day.Weekday()
		if wd != time.Saturday && wd != time.Sunday {
			return day
		}
	}
}
