package render

import (
	"testing"

	"timetablebot/internal/timetable"
)

func TestPrepareDaysAlwaysSixInOrder(t *testing.T) {
	week := map[string][]timetable.Lesson{
		"СРЕДА": {
			{Subject: "Сети", Type: "Лек", Room: "301*", Time: "10:40-12:10", StartTimeRaw: "10:40"},
			{Subject: "БД", Room: "кабинет не указан", Time: "09:00-10:30", StartTimeRaw: "09:00"},
			{Subject: "Практика", Room: "", Time: "N/A-N/A", StartTimeRaw: "N/A"},
		},
		"воскресенье": {{Subject: "ignored", StartTimeRaw: "09:00"}},
		"Пятница":     {},
	}

	days := PrepareDays(week)
	if len(days) != 6 {
		t.Fatalf("days=%d want 6", len(days))
	}
	for i, name := range timetable.Weekdays {
		if days[i].Name != name {
			t.Fatalf("day %d=%q want %q", i, days[i].Name, name)
		}
	}

	wed := days[2]
	if wed.FirstStart != "09:00" || len(wed.Lessons) != 3 {
		t.Fatalf("wednesday=%+v", wed)
	}
	// feed order is kept; FirstStart is the earliest parsed start
	want := []PreparedLesson{
		{Title: "Сети (Лек)", Room: "301", Time: "10:40-12:10"},
		{Title: "БД", Room: "", Time: "09:00-10:30"},
		{Title: "Практика", Room: "", Time: "N/A-N/A"},
	}
	for i, w := range want {
		if wed.Lessons[i] != w {
			t.Fatalf("lesson %d=%+v want %+v", i, wed.Lessons[i], w)
		}
	}
	for _, i := range []int{0, 1, 3, 4, 5} {
		if len(days[i].Lessons) != 0 || days[i].FirstStart != "" {
			t.Fatalf("%s should be empty: %+v", days[i].Name, days[i])
		}
	}
}

func TestPrepareDaysEmptyWeek(t *testing.T) {
	days := PrepareDays(nil)
	if len(days) != 6 {
		t.Fatalf("days=%d", len(days))
	}
	for _, d := range days {
		if d.Lessons == nil {
			t.Fatalf("%s lessons must be an empty slice", d.Name)
		}
	}
}

func TestNormalizeRoom(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"301*", "301"},
		{" 12-А; ", "12-А"},
		{"***", ""},
		{"", ""},
		{"Кабинет не указан", ""},
		{"Кабинет 5 не указан", ""},
		{"не указан", "не указан"},
		{"Кабинет 5", "Кабинет 5"},
	}
	for _, tc := range cases {
		if got := normalizeRoom(tc.in); got != tc.want {
			t.Fatalf("normalizeRoom(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestPrepareDaysUnparsedStartsFallBackToFirstRow(t *testing.T) {
	days := PrepareDays(map[string][]timetable.Lesson{
		"понедельник": {
			{Subject: "A", StartTimeRaw: "N/A"},
			{Subject: "B", StartTimeRaw: "?"},
		},
	})
	if days[0].FirstStart != "N/A" || days[0].Lessons[0].Title != "A" {
		t.Fatalf("monday=%+v", days[0])
	}
}
