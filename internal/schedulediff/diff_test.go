package schedulediff

import (
	"strings"
	"testing"
	"time"

	"timetablebot/internal/timetable"
)

func day(lessons ...timetable.Lesson) *timetable.DaySchedule {
	return &timetable.DaySchedule{Lessons: lessons}
}

func math(room, teacher string) timetable.Lesson {
	return timetable.Lesson{Time: "09:00-10:30", Subject: "Math", Type: "лек", Room: room, Teachers: teacher}
}

func TestDetectRoomAndTeacher(t *testing.T) {
	got := Detect(day(math("101", "Ivanov")), day(math("201", "Sidorov")))
	if len(got) != 2 {
		t.Fatalf("changes=%+v", got)
	}
	if got[0].Kind != KindRoomChanged || got[0].OldValue != "101" || got[0].NewValue != "201" {
		t.Fatalf("room change=%+v", got[0])
	}
	if got[1].Kind != KindTeacherChanged || got[1].OldValue != "Ivanov" || got[1].NewValue != "Sidorov" {
		t.Fatalf("teacher change=%+v", got[1])
	}
}

func TestDetectAddedRemoved(t *testing.T) {
	a := math("101", "Ivanov")
	if got := Detect(day(a), day()); len(got) != 1 || got[0].Kind != KindRemoved || got[0].Subject != "Math" {
		t.Fatalf("removed=%+v", got)
	}
	if got := Detect(nil, day(a)); len(got) != 1 || got[0].Kind != KindAdded || got[0].Room != "101" {
		t.Fatalf("added=%+v", got)
	}
	failed := &timetable.DaySchedule{Err: "boom", Lessons: []timetable.Lesson{a}}
	if got := Detect(failed, day(a)); len(got) != 1 || got[0].Kind != KindAdded {
		t.Fatalf("failed snapshot should count as empty: %+v", got)
	}
}

func TestDetectTimeChangeIsRemoveAdd(t *testing.T) {
	moved := math("101", "Ivanov")
	moved.Time = "10:40-12:10"
	got := Detect(day(math("101", "Ivanov")), day(moved))
	if len(got) != 2 || got[0].Kind != KindAdded || got[1].Kind != KindRemoved {
		t.Fatalf("changes=%+v", got)
	}
	for _, c := range got {
		if c.Kind == KindTimeChanged || c.Kind == KindSubjectChanged {
			t.Fatalf("unexpected kind %s", c.Kind)
		}
	}
}

func TestDetectDefaults(t *testing.T) {
	old := math("", "Ivanov")
	old.Type = ""
	got := Detect(day(old), day(math("305", "Ivanov")))
	if len(got) != 2 {
		t.Fatalf("changes=%+v", got)
	}
	if got[0].OldValue != "не указана" || got[1].OldValue != "не указан" {
		t.Fatalf("defaults=%+v", got)
	}
}

func TestDetectIdentical(t *testing.T) {
	if got := Detect(day(math(" 101 ", "Ivanov")), day(math("101", "Ivanov"))); len(got) != 0 {
		t.Fatalf("whitespace-only differences reported: %+v", got)
	}
}

func TestFormatNoChanges(t *testing.T) {
	if s, ok := Format("ИСТ-21", time.Now(), nil); ok || s != "" {
		t.Fatalf("Format(nil)=%q,%v", s, ok)
	}
	only := []Change{{Kind: KindSubjectChanged, Subject: "x"}}
	if _, ok := Format("ИСТ-21", time.Now(), only); ok {
		t.Fatalf("subject_changed is not displayed")
	}
}

func TestFormat(t *testing.T) {
	changes := []Change{
		{Kind: KindRoomChanged, Subject: "Math", Time: "09:00-10:30", OldValue: "101", NewValue: "201"},
		{Kind: KindAdded, Subject: "Physics", Time: "12:00-13:30", Room: "7", Teacher: "Petrov"},
	}
	s, ok := Format("ИСТ-21", time.Date(2024, 9, 2, 0, 0, 0, 0, time.UTC), changes)
	if !ok {
		t.Fatalf("expected message")
	}
	want := "🔔 <b>Изменения в расписании ИСТ-21</b>\n📅 <b>02.09.2024</b>\n\n" +
		"➕ Добавлена пара: <b>Physics</b> в <b>12:00-13:30</b> 📍 7 🧑‍🏫 Petrov\n" +
		"📍 Изменена аудитория для <b>Math</b> в <b>09:00-10:30</b>: <i>101</i> → <b>201</b>" +
		"\n\n<i>Проверьте актуальное расписание в боте</i>"
	if s != want {
		t.Fatalf("got  %q\nwant %q", s, want)
	}
	if !strings.Contains(FormatChange(Change{Kind: KindRemoved, Subject: "<x>", Time: "t", Room: "9"}), "<b>&lt;x&gt;</b> в <b>t</b>") {
		t.Fatalf("removed line not escaped")
	}
}
