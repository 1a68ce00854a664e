// Package timetable holds the parsed academic timetable: per-group odd/even
// weeks plus teacher and classroom indexes, and the day queries built on them.
package timetable

import (
	"errors"
	"time"
)

var (
	ErrGroupNotFound     = errors.New("group not found")
	ErrTeacherNotFound   = errors.New("teacher not found")
	ErrClassroomNotFound = errors.New("classroom not found")
	ErrWeekUnknown       = errors.New("week type unknown: semester start not set")
)

// NoRoom is the feed's placeholder for a lesson without a classroom.
const NoRoom = "кабинет не указан"

// Weekdays is the canonical display order. Sunday has no lessons.
var Weekdays = []string{"Понедельник", "Вторник", "Среда", "Четверг", "Пятница", "Суббота"}

const (
	WeekOdd  = "odd"
	WeekEven = "even"

	weekCodeOdd  = "1"
	weekCodeEven = "2"
)

// Lesson is one class slot. Day, WeekCode and Groups are set for index entries only.
type Lesson struct {
	Time         string   `json:"time"`
	Subject      string   `json:"subject"`
	Type         string   `json:"type,omitempty"`
	Teachers     string   `json:"teachers,omitempty"`
	Room         string   `json:"room,omitempty"`
	Group        string   `json:"group,omitempty"`
	StartTimeRaw string   `json:"start_time_raw"`
	EndTimeRaw   string   `json:"end_time_raw"`
	Day          string   `json:"day,omitempty"`
	WeekCode     string   `json:"week_code,omitempty"`
	Groups       []string `json:"groups,omitempty"`
}

// StartMinutes returns minutes since midnight of StartTimeRaw.
func (l Lesson) StartMinutes() (int, bool) { return ParseClock(l.StartTimeRaw) }

// GroupWeeks maps day title to lessons for both week parities.
type GroupWeeks struct {
	Odd  map[string][]Lesson `json:"odd"`
	Even map[string][]Lesson `json:"even"`
}

func (g GroupWeeks) Week(key string) map[string][]Lesson {
	if key == WeekEven {
		return g.Even
	}
	return g.Odd
}

// Timetable is an immutable parsed feed. Share it by pointer; never mutate after Parse.
type Timetable struct {
	SemesterStart time.Time                    `json:"semester_start"`
	Groups        map[string]GroupWeeks        `json:"groups"`
	Teachers      map[string][]Lesson          `json:"teachers"`
	Classrooms    map[string][]Lesson          `json:"classrooms"`
	Hash          string                       `json:"hash"`
	FetchedAt     time.Time                    `json:"fetched_at"`
	Meta          map[string]map[string]string `json:"meta,omitempty"`
}

// WeekInfo is the parity of a date relative to the semester start.
type WeekInfo struct {
	Key  string // WeekOdd or WeekEven
	Name string // display label
}

// DaySchedule is the answer to a day query for a group, teacher or classroom.
type DaySchedule struct {
	Group     string
	Teacher   string
	Classroom string
	Date      time.Time
	DayName   string
	Week      WeekInfo
	Lessons   []Lesson
	// Err marks a failed lookup; such a snapshot has no lessons.
	Err string
}
