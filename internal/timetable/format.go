package timetable

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"timetablebot/pkg/tgui"
)

// UnsubscribeFooter is appended to every broadcast.
const UnsubscribeFooter = "\n\n<tg-spoiler><i>Отключить эту рассылку можно командой /notify</i></tg-spoiler>"

func dateLine(ds *DaySchedule) tgui.H {
	return tgui.B(ds.Date.Format("02.01.2006") + " · " + ds.DayName)
}

// FormatGroupDay renders a group's day as Telegram HTML.
func FormatGroupDay(ds *DaySchedule) string {
	if ds == nil {
		return formatError("")
	}
	if ds.Err != "" {
		return formatError(ds.Err)
	}
	var b tgui.Builder
	b.Text("🗓 ").HTML(dateLine(ds))
	if ds.Week.Name != "" {
		b.Text(" (" + ds.Week.Name + ")")
	}
	b.Text("\n")
	if len(ds.Lessons) == 0 {
		b.Text("\n🎉 ").HTML(tgui.B("Занятий нет!"))
		return b.H().String()
	}
	parts := make([]tgui.H, 0, len(ds.Lessons))
	for _, l := range ds.Lessons {
		var lb tgui.Builder
		lb.HTML(tgui.B(l.Time)).Text("\n" + l.Subject)
		if l.Type != "" {
			lb.Text(" (" + l.Type + ")")
		}
		lb.HTML(details(l.Teachers, l.Room))
		parts = append(parts, lb.H())
	}
	b.HTML(tgui.JoinH("\n\n", parts...))
	return b.H().String()
}

// FormatTeacherDay renders a teacher's day with the groups of each lesson.
func FormatTeacherDay(ds *DaySchedule) string {
	if ds == nil || ds.Err != "" {
		return formatError(errText(ds, "Не удалось получить расписание преподавателя."))
	}
	var b tgui.Builder
	b.Text("🧑‍🏫 ").HTML(tgui.B(ds.Teacher)).Text("\n🗓 ").HTML(dateLine(ds)).Text("\n")
	if len(ds.Lessons) == 0 {
		b.Text("\n🎉 ").HTML(tgui.B("Занятий нет!"))
		return b.H().String()
	}
	parts := make([]tgui.H, 0, len(ds.Lessons))
	for _, l := range ds.Lessons {
		var lb tgui.Builder
		lb.HTML(tgui.B(l.Time)).Text("\n" + l.Subject + " (" + strings.Join(l.Groups, ", ") + ")")
		lb.HTML(details("", l.Room))
		parts = append(parts, lb.H())
	}
	b.HTML(tgui.JoinH("\n\n", parts...))
	return b.H().String()
}

// FormatClassroomDay renders a classroom's occupancy for a day.
func FormatClassroomDay(ds *DaySchedule) string {
	if ds == nil || ds.Err != "" {
		return formatError(errText(ds, "Не удалось получить расписание аудитории."))
	}
	var b tgui.Builder
	b.Text("🚪 ").HTML(tgui.B("Аудитория " + ds.Classroom)).Text("\n🗓 ").HTML(dateLine(ds)).Text("\n")
	if len(ds.Lessons) == 0 {
		b.Text("\n✅ ").HTML(tgui.B("Аудитория свободна весь день!"))
		return b.H().String()
	}
	parts := make([]tgui.H, 0, len(ds.Lessons))
	for _, l := range ds.Lessons {
		var lb tgui.Builder
		lb.HTML(tgui.B(l.Time)).Text("\n" + l.Subject + " (" + strings.Join(l.Groups, ", ") + ")")
		lb.HTML(details(l.Teachers, ""))
		parts = append(parts, lb.H())
	}
	b.HTML(tgui.JoinH("\n\n", parts...))
	return b.H().String()
}

// FormatWeek renders a whole week in canonical day order. Unknown day keys are skipped.
func FormatWeek(days map[string][]Lesson, weekName string) string {
	title := tgui.Raw("🗓 ").String() + tgui.B(capitalize(weekName)).String()
	lines := []string{title}
	for _, day := range Weekdays {
		lessons := append([]Lesson(nil), days[day]...)
		if len(lessons) == 0 {
			continue
		}
		sortLessons(lessons)
		lines = append(lines, "\n--- "+tgui.B(strings.ToUpper(day)).String()+" ---")
		for _, l := range lessons {
			line := tgui.Esc(l.Time+" - ").String() + tgui.B(l.Subject).String()
			if l.Type != "" {
				line += tgui.Esc(" (" + l.Type + ")").String()
			}
			lines = append(lines, line)
			if d := strings.TrimPrefix(details(l.Teachers, l.Room).String(), "\n"); d != "" {
				lines = append(lines, d)
			}
		}
	}
	if len(lines) == 1 {
		return title + "\n\n🎉 На этой неделе занятий нет!"
	}
	return strings.Join(lines, "\n")
}

// details renders "\n🧑‍🏫 teachers 📍 room", omitting blank parts.
func details(teachers, room string) tgui.H {
	var parts []tgui.H
	if teachers != "" {
		parts = append(parts, tgui.Esc("🧑‍🏫 "+teachers))
	}
	if room != "" {
		parts = append(parts, tgui.Esc("📍 "+room))
	}
	if len(parts) == 0 {
		return ""
	}
	return "\n" + tgui.JoinH(" ", parts...)
}

func formatError(msg string) string {
	if msg == "" {
		msg = "Неизвестная ошибка"
	}
	return "❌ " + tgui.B("Ошибка:").String() + " " + tgui.Esc(msg).String()
}

func errText(ds *DaySchedule, fallback string) string {
	if ds != nil && ds.Err != "" {
		return ds.Err
	}
	return fallback
}

func capitalize(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if n == 0 {
		return s
	}
	return string(unicode.ToUpper(r)) + strings.ToLower(s[n:])
}

// DayHeader returns a context line and progress bar for today's lessons at now.
// Both are empty when d is not today.
func DayHeader(lessons []Lesson, d, now time.Time) (header, progress string) {
	if !civil(d).Equal(civil(now)) {
		return "", ""
	}
	if len(lessons) == 0 {
		return "✨ " + tgui.B("Сегодня занятий нет.").String() + " Отличного дня!", ""
	}
	ls := append([]Lesson(nil), lessons...)
	sortLessons(ls)

	cur := now.Hour()*60 + now.Minute()
	passed := 0
	for _, l := range ls {
		if end, ok := ParseClock(l.EndTimeRaw); ok && cur > end {
			passed++
		}
	}
	progress = fmt.Sprintf("<i>Прогресс дня: %d/%d</i> %s%s\n", passed, len(ls),
		strings.Repeat("🟩", passed), strings.Repeat("⬜️", len(ls)-passed))

	first, ok1 := ParseClock(ls[0].StartTimeRaw)
	last, ok2 := ParseClock(ls[len(ls)-1].EndTimeRaw)
	if !ok1 || !ok2 {
		return "", progress
	}
	switch {
	case cur < 5*60:
		return "🌙 " + tgui.B("Поздняя ночь.").String() + " Скоро утро!", progress
	case cur < first:
		return "☀️ " + tgui.B("Доброе утро!").String() + " Первая пара в " + tgui.Esc(FormatClock(first)).String() + ".", progress
	case cur > last:
		return "✅ " + tgui.B("Пары на сегодня закончились.").String() + " Отдыхайте!", progress
	}
	for i, l := range ls {
		start, _ := ParseClock(l.StartTimeRaw)
		end, _ := ParseClock(l.EndTimeRaw)
		if start <= cur && cur <= end {
			return "⏳ " + tgui.B("Идет пара:").String() + " " + tgui.Esc(l.Subject).String() + ".\nЗакончится в " + FormatClock(end) + ".", progress
		}
		if i+1 < len(ls) {
			next, ok := ParseClock(ls[i+1].StartTimeRaw)
			if ok && end < cur && cur < next {
				return "☕️ " + tgui.B("Перерыв до "+FormatClock(next)+".").String() +
					"\nСледующая пара: " + tgui.Esc(ls[i+1].Subject).String() + ".", progress
			}
		}
	}
	return "", progress
}

// ReminderKind selects the lesson reminder wording.
type ReminderKind string

const (
	ReminderFirst ReminderKind = "first"
	ReminderBreak ReminderKind = "break"
	ReminderFinal ReminderKind = "final"
)

// FormatReminder renders a lesson reminder. lesson may be nil only for ReminderFinal.
func FormatReminder(kind ReminderKind, lesson *Lesson, breakMinutes, leadMinutes int) string {
	var b tgui.Builder
	switch kind {
	case ReminderFirst:
		if lesson == nil {
			return ""
		}
		b.Text("🔔 ").HTML(tgui.B(fmt.Sprintf("Первая пара через %d минут!", leadMinutes))).Text("\n\n")
	case ReminderBreak:
		if lesson == nil {
			return ""
		}
		start := strings.TrimSpace(strings.SplitN(lesson.Time, "-", 2)[0])
		var msg string
		switch {
		case breakMinutes >= 40:
			msg = fmt.Sprintf("У вас большой перерыв %d минут до %s. Можно успеть пообедать!", breakMinutes, start)
		case breakMinutes >= 15:
			msg = fmt.Sprintf("Перерыв %d минут до %s. Время выпить чаю.", breakMinutes, start)
		default:
			msg = "Успейте дойти до следующей аудитории."
		}
		b.Text("✅ ").HTML(tgui.B("Пара закончилась!")).Text("\n" + msg + "\n\n☕️ ").HTML(tgui.B("Следующая пара:")).Text("\n")
	case ReminderFinal:
		b.Text("🎉 ").HTML(tgui.B("Пары на сегодня всё! Можно отдыхать."))
		return b.H().String() + UnsubscribeFooter
	default:
		return ""
	}
	typ := lesson.Type
	if typ == "" {
		typ = "N/A"
	}
	b.HTML(tgui.B(lesson.Subject)).Text(" (" + typ + ") в ").HTML(tgui.B(lesson.Time)).Text("\n")
	var info []tgui.H
	if lesson.Room != "" {
		info = append(info, tgui.Esc("📍 "+lesson.Room))
	}
	if lesson.Teachers != "" {
		info = append(info, tgui.I("с "+lesson.Teachers))
	}
	b.HTML(tgui.JoinH(" ", info...))
	return b.H().String() + UnsubscribeFooter
}
