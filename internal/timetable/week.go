package timetable

import "time"

const (
	weekNameOdd      = "Нечетная"
	weekNameEven     = "Четная"
	weekNameBeforeSt = "Нечетная (до начала семестра)"
)

// civil returns d's calendar date at UTC midnight.
func civil(d time.Time) time.Time {
	y, m, day := d.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

// WeekOf reports the week parity of d. Weeks are counted from the semester
// start (week 1 is odd); dates before the start count as odd.
func (t *Timetable) WeekOf(d time.Time) (WeekInfo, error) {
	if t == nil || t.SemesterStart.IsZero() {
		return WeekInfo{}, ErrWeekUnknown
	}
	day, start := civil(d), civil(t.SemesterStart)
	if day.Before(start) {
		return WeekInfo{Key: WeekOdd, Name: weekNameBeforeSt}, nil
	}
	days := int(day.Sub(start).Hours() / 24)
	if (days/7+1)%2 == 1 {
		return WeekInfo{Key: WeekOdd, Name: weekNameOdd}, nil
	}
	return WeekInfo{Key: WeekEven, Name: weekNameEven}, nil
}

// DayName returns the canonical Russian weekday name, or "" on Sunday.
func DayName(d time.Time) string {
	wd := d.Weekday()
	if wd == time.Sunday {
		return ""
	}
	return Weekdays[int(wd)-1]
}

// WithSemesterStart returns a shallow copy using start instead of the feed's period.
func (t *Timetable) WithSemesterStart(start time.Time) *Timetable {
	cp := *t
	cp.SemesterStart = civil(start)
	return &cp
}
