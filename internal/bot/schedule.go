package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"timetablebot/internal/imagecache"
	"timetablebot/internal/render"
	"timetablebot/internal/timetable"
	"timetablebot/internal/transport/telegram/router"
	"timetablebot/pkg/logx"
	"timetablebot/pkg/tgui"
)

// maxChoices bounds the inline keyboard for ambiguous lookups.
const maxChoices = 12

func (b *Bot) handleToday(ctx context.Context, req *router.Request) error {
	return b.replyDay(ctx, req, 0)
}

func (b *Bot) handleTomorrow(ctx context.Context, req *router.Request) error {
	return b.replyDay(ctx, req, 1)
}

func (b *Bot) replyDay(ctx context.Context, req *router.Request, offset int) error {
	group, err := b.groupOf(ctx, req)
	if err != nil || group == "" {
		return err
	}
	text, err := b.DayText(group, b.today().AddDate(0, 0, offset))
	if err != nil {
		return b.replyErr(ctx, req, err)
	}
	return req.Reply(ctx, text)
}

// DayText renders a group's day; today's answer carries the progress header.
func (b *Bot) DayText(group string, d time.Time) (string, error) {
	tt, err := b.timetable()
	if err != nil {
		return "", err
	}
	ds, err := tt.GroupDay(group, d)
	if errors.Is(err, timetable.ErrGroupNotFound) {
		return "❌ Группа " + tgui.B(group).String() + " пропала из расписания. Выберите новую: /group", nil
	}
	if err != nil {
		return "", err
	}
	text := timetable.FormatGroupDay(ds)
	if header, progress := timetable.DayHeader(ds.Lessons, d, b.today()); header != "" || progress != "" {
		text = strings.TrimSpace(header+"\n"+progress) + "\n\n" + text
	}
	return text, nil
}

func (b *Bot) handleWeek(ctx context.Context, req *router.Request) error {
	group, err := b.groupOf(ctx, req)
	if err != nil || group == "" {
		return err
	}
	next := len(req.Args) > 0 && strings.EqualFold(req.Args[0], "next")
	return b.sendWeek(ctx, req, group, next)
}

func (b *Bot) callbackWeek(ctx context.Context, req *router.Request) error {
	group, err := b.groupOf(ctx, req)
	if err != nil || group == "" {
		return err
	}
	return b.sendWeek(ctx, req, group, req.Payload == "next")
}

func (b *Bot) sendWeek(ctx context.Context, req *router.Request, group string, next bool) error {
	d := b.today()
	if next {
		d = d.AddDate(0, 0, 7)
	}
	path, week, err := b.WeekImage(ctx, group, d)
	if err != nil {
		if errors.Is(err, errNoTimetable) {
			return b.replyErr(ctx, req, err)
		}
		b.Log.Warn("week image unavailable; falling back to text", logx.String("group", group), logx.Err(err))
		return b.replyWeekText(ctx, req, group, d)
	}

	other, label := "next", "Следующая неделя ➡️"
	if next {
		other, label = "this", "⬅️ Текущая неделя"
	}
	kb := tgui.NewInline().Row(tgui.Btn(label, cbWeek+":"+other))
	caption := "🗓 " + tgui.B(group).String() + " · " + tgui.Esc(week.Name).String()
	return req.ReplyPhoto(ctx, path, caption, kb.Markup())
}

func (b *Bot) replyWeekText(ctx context.Context, req *router.Request, group string, d time.Time) error {
	tt, err := b.timetable()
	if err != nil {
		return b.replyErr(ctx, req, err)
	}
	days, week, err := tt.GroupWeek(group, d)
	if err != nil {
		return b.replyErr(ctx, req, err)
	}
	return req.Reply(ctx, timetable.FormatWeek(days, week.Name))
}

// WeekImage returns the cached week picture of group for the week of d,
// rendering it on a miss.
func (b *Bot) WeekImage(ctx context.Context, group string, d time.Time) (string, timetable.WeekInfo, error) {
	tt, err := b.timetable()
	if err != nil {
		return "", timetable.WeekInfo{}, err
	}
	days, week, err := tt.GroupWeek(group, d)
	if err != nil {
		return "", week, err
	}
	key := imagecache.Key(group, week.Key)
	path, _, err := b.Images.GetOrCreate(ctx, key, func(ctx context.Context, out string) error {
		ok := b.Renderer.Render(ctx, render.Request{Week: days, WeekType: week.Name, Group: group, OutputPath: out})
		if !ok {
			return imagecache.ErrGenerate
		}
		return nil
	})
	return path, week, err
}

func (b *Bot) handleTeacher(ctx context.Context, req *router.Request) error {
	query := strings.Join(req.Args, " ")
	if utf8.RuneCountInString(query) < 3 {
		return req.Reply(ctx, "Укажите хотя бы три буквы фамилии: <code>/teacher Иван</code>")
	}
	tt, err := b.timetable()
	if err != nil {
		return b.replyErr(ctx, req, err)
	}
	found := tt.FindTeachers(query)
	switch len(found) {
	case 0:
		return req.Reply(ctx, "🤷 Преподаватель "+tgui.B(query).String()+" не найден.")
	case 1:
		return b.replyTeacher(ctx, req, found[0])
	}
	return b.replyChoices(ctx, req, "Нашлось несколько преподавателей:", cbTeacher, found)
}

func (b *Bot) callbackTeacher(ctx context.Context, req *router.Request) error {
	return b.replyTeacher(ctx, req, req.Payload)
}

func (b *Bot) replyTeacher(ctx context.Context, req *router.Request, name string) error {
	tt, err := b.timetable()
	if err != nil {
		return b.replyErr(ctx, req, err)
	}
	ds, err := tt.TeacherDay(name, b.today())
	if err != nil {
		ds = &timetable.DaySchedule{Teacher: name, Err: "Не удалось найти расписание преподавателя."}
	}
	return req.Reply(ctx, timetable.FormatTeacherDay(ds))
}

func (b *Bot) handleRoom(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, "Укажите номер аудитории: <code>/room 301</code>")
	}
	query := strings.Join(req.Args, " ")
	tt, err := b.timetable()
	if err != nil {
		return b.replyErr(ctx, req, err)
	}
	found := tt.FindClassrooms(query)
	switch {
	case len(found) == 0:
		return req.Reply(ctx, "🤷 Аудитория "+tgui.B(query).String()+" не найдена.")
	case len(found) == 1 || found[0] == query:
		return b.replyRoom(ctx, req, found[0])
	}
	return b.replyChoices(ctx, req, "Уточните аудиторию:", cbRoom, found)
}

func (b *Bot) callbackRoom(ctx context.Context, req *router.Request) error {
	return b.replyRoom(ctx, req, req.Payload)
}

func (b *Bot) replyRoom(ctx context.Context, req *router.Request, room string) error {
	tt, err := b.timetable()
	if err != nil {
		return b.replyErr(ctx, req, err)
	}
	ds, err := tt.ClassroomDay(room, b.today())
	if err != nil {
		ds = &timetable.DaySchedule{Classroom: room, Err: "Не удалось найти расписание аудитории."}
	}
	return req.Reply(ctx, timetable.FormatClassroomDay(ds))
}

// replyChoices offers up to maxChoices buttons; names that do not fit
// Telegram's callback data limit are skipped.
func (b *Bot) replyChoices(ctx context.Context, req *router.Request, title, prefix string, names []string) error {
	btns := make([]tele.Btn, 0, min(len(names), maxChoices))
	for _, n := range names {
		data := prefix + ":" + n
		if len(data) > tgui.MaxCallbackDataLen {
			continue
		}
		btns = append(btns, tgui.Btn(tgui.TruncRunes(n, 32), data))
		if len(btns) == maxChoices {
			break
		}
	}
	text := title
	if len(names) > len(btns) {
		text += fmt.Sprintf("\n<i>Показаны первые %d из %d, уточните запрос.</i>", len(btns), len(names))
	}
	return req.ReplyMarkup(ctx, text, tgui.NewInline().Grid(2, btns).Markup())
}
