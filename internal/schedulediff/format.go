package schedulediff

import (
	"strings"
	"time"

	"timetablebot/pkg/tgui"
)

var icons = map[Kind]string{
	KindAdded:          "➕",
	KindRemoved:        "❌",
	KindTimeChanged:    "⏰",
	KindRoomChanged:    "📍",
	KindTeacherChanged: "🧑‍🏫",
	KindSubjectChanged: "📚",
	KindTypeChanged:    "🔄",
}

var descriptions = map[Kind]string{
	KindAdded:          "Добавлена пара",
	KindRemoved:        "Отменена пара",
	KindTimeChanged:    "Изменено время",
	KindRoomChanged:    "Изменена аудитория",
	KindTeacherChanged: "Изменен преподаватель",
	KindSubjectChanged: "Изменен предмет",
	KindTypeChanged:    "Изменен тип пары",
}

const footer = "\n\n<i>Проверьте актуальное расписание в боте</i>"

// FormatChange renders one change as a single HTML line.
func FormatChange(c Change) string {
	icon, ok := icons[c.Kind]
	if !ok {
		icon = "🔄"
	}
	desc, ok := descriptions[c.Kind]
	if !ok {
		desc = "Изменение"
	}

	switch c.Kind {
	case KindAdded, KindRemoved:
		parts := []tgui.H{tgui.B(c.Subject)}
		if c.Time != "" {
			parts = append(parts, "в "+tgui.B(c.Time))
		}
		if c.Kind == KindAdded {
			if c.Room != "" {
				parts = append(parts, tgui.Esc("📍 "+c.Room))
			}
			if c.Teacher != "" {
				parts = append(parts, tgui.Esc("🧑‍🏫 "+c.Teacher))
			}
		}
		return icon + " " + desc + ": " + tgui.JoinH(" ", parts...).String()
	default:
		var b tgui.Builder
		b.Text(icon + " " + desc + " для ").HTML(tgui.B(c.Subject))
		if c.Time != "" {
			b.Text(" в ").HTML(tgui.B(c.Time))
		}
		if c.OldValue != "" && c.NewValue != "" {
			b.Text(": ").HTML(tgui.I(c.OldValue)).Text(" → ").HTML(tgui.B(c.NewValue))
		}
		return b.H().String()
	}
}

// Format renders the notification for a group's day. It returns false when
// there is nothing to display.
func Format(group string, day time.Time, changes []Change) (string, bool) {
	if len(changes) == 0 {
		return "", false
	}
	byKind := map[Kind][]Change{}
	for _, c := range changes {
		byKind[c.Kind] = append(byKind[c.Kind], c)
	}
	var lines []string
	for _, k := range []Kind{KindAdded, KindRemoved, KindTimeChanged, KindRoomChanged, KindTeacherChanged, KindTypeChanged} {
		for _, c := range byKind[k] {
			lines = append(lines, FormatChange(c))
		}
	}
	if len(lines) == 0 {
		return "", false
	}
	var b tgui.Builder
	b.Text("🔔 ").HTML(tgui.B("Изменения в расписании "+group)).Text("\n📅 ").HTML(tgui.B(day.Format("02.01.2006"))).Text("\n\n")
	return b.H().String() + strings.Join(lines, "\n") + footer, true
}
