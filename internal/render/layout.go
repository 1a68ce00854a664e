package render

import (
	"strings"

	"timetablebot/internal/timetable"
)

const lateSentinel = 24*60 + 59

// PreparedLesson is one display row of a day card.
type PreparedLesson struct {
	Title string
	Room  string
	Time  string
}

// PreparedDay is one day card. FirstStart is "" for a day without lessons.
type PreparedDay struct {
	Name       string
	Lessons    []PreparedLesson
	FirstStart string
}

// PrepareDays lays a week out as six cards, Monday to Saturday. Keys are
// matched case-insensitively; anything else (Sunday, typos) is ignored.
func PrepareDays(week map[string][]timetable.Lesson) []PreparedDay {
	byUpper := make(map[string][]timetable.Lesson, len(week))
	for k, v := range week {
		up := strings.ToUpper(strings.TrimSpace(k))
		byUpper[up] = append(byUpper[up], v...)
	}

	out := make([]PreparedDay, 0, len(timetable.Weekdays))
	for _, name := range timetable.Weekdays {
		lessons := byUpper[strings.ToUpper(name)]

		// Rows keep feed order; only FirstStart looks for the earliest lesson.
		day := PreparedDay{Name: name, Lessons: make([]PreparedLesson, 0, len(lessons))}
		first := lateSentinel + 1
		for _, l := range lessons {
			if m := startMinutes(l.StartTimeRaw); m < first {
				first, day.FirstStart = m, l.StartTimeRaw
			}
		}
		for _, l := range lessons {
			title := l.Subject
			if l.Type != "" {
				title += " (" + l.Type + ")"
			}
			day.Lessons = append(day.Lessons, PreparedLesson{Title: title, Room: normalizeRoom(l.Room), Time: l.Time})
		}
		out = append(out, day)
	}
	return out
}

// normalizeRoom drops the feed's "*" marker and trailing separators. Text
// mentioning both "кабинет" and "не указан" counts as no room, even when a
// number is present as well.
func normalizeRoom(raw string) string {
	room := strings.ReplaceAll(raw, "*", "")
	room = strings.TrimRight(strings.TrimSpace(room), "; \t")
	if room == "" {
		return ""
	}
	lower := strings.ToLower(room)
	if strings.Contains(lower, "кабинет") && strings.Contains(lower, "не указан") {
		return ""
	}
	return room
}

func startMinutes(raw string) int {
	if m, ok := timetable.ParseClock(raw); ok {
		return m
	}
	return lateSentinel
}
