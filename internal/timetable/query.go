package timetable

import (
	"sort"
	"strings"
	"time"
)

const sundayName = "Воскресенье"

// HasGroup reports whether the group (case-insensitive) exists.
func (t *Timetable) HasGroup(group string) bool {
	_, ok := t.Groups[strings.ToUpper(strings.TrimSpace(group))]
	return ok
}

// GroupNames lists all groups in sorted order.
func (t *Timetable) GroupNames() []string {
	out := make([]string, 0, len(t.Groups))
	for g := range t.Groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// GroupDay returns a group's lessons for d, sorted by start time.
func (t *Timetable) GroupDay(group string, d time.Time) (*DaySchedule, error) {
	group = strings.ToUpper(strings.TrimSpace(group))
	weeks, ok := t.Groups[group]
	if !ok {
		return nil, ErrGroupNotFound
	}
	week, err := t.WeekOf(d)
	if err != nil {
		return nil, err
	}
	ds := newDay(d, week)
	ds.Group = group
	if name := DayName(d); name != "" {
		ds.Lessons = append([]Lesson(nil), weeks.Week(week.Key)[name]...)
	}
	sortLessons(ds.Lessons)
	return ds, nil
}

// GroupWeek returns the group's day map for the week containing d.
func (t *Timetable) GroupWeek(group string, d time.Time) (map[string][]Lesson, WeekInfo, error) {
	weeks, ok := t.Groups[strings.ToUpper(strings.TrimSpace(group))]
	if !ok {
		return nil, WeekInfo{}, ErrGroupNotFound
	}
	week, err := t.WeekOf(d)
	if err != nil {
		return nil, WeekInfo{}, err
	}
	return weeks.Week(week.Key), week, nil
}

func (t *Timetable) TeacherDay(name string, d time.Time) (*DaySchedule, error) {
	lessons, ok := t.Teachers[name]
	if !ok {
		return nil, ErrTeacherNotFound
	}
	ds, err := t.indexDay(lessons, d)
	if err != nil {
		return nil, err
	}
	ds.Teacher = name
	return ds, nil
}

func (t *Timetable) ClassroomDay(room string, d time.Time) (*DaySchedule, error) {
	lessons, ok := t.Classrooms[room]
	if !ok {
		return nil, ErrClassroomNotFound
	}
	ds, err := t.indexDay(lessons, d)
	if err != nil {
		return nil, err
	}
	ds.Classroom = room
	return ds, nil
}

func (t *Timetable) indexDay(lessons []Lesson, d time.Time) (*DaySchedule, error) {
	week, err := t.WeekOf(d)
	if err != nil {
		return nil, err
	}
	ds := newDay(d, week)
	name := DayName(d)
	if name == "" {
		return ds, nil
	}
	for _, l := range lessons {
		if l.Day == name && weekCodeMatches(l.WeekCode, week.Key) {
			ds.Lessons = append(ds.Lessons, l)
		}
	}
	sortLessons(ds.Lessons)
	return ds, nil
}

// weekCodeMatches treats any code other than odd/even as "every week",
// the same way Parse files such lessons into both weeks.
func weekCodeMatches(code, weekKey string) bool {
	switch code {
	case weekCodeOdd:
		return weekKey == WeekOdd
	case weekCodeEven:
		return weekKey == WeekEven
	default:
		return true
	}
}

// FindTeachers returns teachers whose name contains query (case-insensitive).
// Queries shorter than three characters match nothing.
func (t *Timetable) FindTeachers(query string) []string {
	query = strings.ToLower(strings.TrimSpace(query))
	if len([]rune(query)) < 3 {
		return nil
	}
	var out []string
	for name := range t.Teachers {
		if strings.Contains(strings.ToLower(name), query) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// FindClassrooms returns classrooms starting with query.
func (t *Timetable) FindClassrooms(query string) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	var out []string
	for room := range t.Classrooms {
		if strings.HasPrefix(room, query) {
			out = append(out, room)
		}
	}
	sort.Strings(out)
	return out
}

func newDay(d time.Time, week WeekInfo) *DaySchedule {
	name := DayName(d)
	if name == "" {
		name = sundayName
	}
	return &DaySchedule{Date: d, DayName: name, Week: week}
}

// sortLessons orders by start time; unparseable times go last.
func sortLessons(ls []Lesson) {
	sort.SliceStable(ls, func(i, j int) bool {
		return startKey(ls[i]) < startKey(ls[j])
	})
}

func startKey(l Lesson) int {
	if m, ok := l.StartMinutes(); ok {
		return m
	}
	return 24*60 + 59
}
