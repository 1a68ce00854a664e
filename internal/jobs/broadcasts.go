package jobs

import (
	"context"
	"time"

	"timetablebot/internal/notifier/broadcast"
	"timetablebot/internal/storage"
	"timetablebot/internal/timetable"
	kit "timetablebot/internal/transport"
	"timetablebot/pkg/logx"
	"timetablebot/pkg/tgui"
)

var eveningGreetings = []string{
	"🌙 Добрый вечер!",
	"🌆 Вечер добрый!",
	"✨ Привет! Готовимся к завтрашнему дню.",
}

var morningGreetings = []string{
	"☀️ Доброе утро!",
	"🌅 С добрым утром!",
	"☕️ Утро доброе! Пора просыпаться.",
}

// pick is stable for a date so a retried run sends the same text.
func pick(list []string, d time.Time) string {
	return list[d.YearDay()%len(list)]
}

// Evening sends tomorrow's schedule to users with the evening broadcast on.
// Users without lessons tomorrow get a short "no lessons" note.
func (j *Jobs) Evening(ctx context.Context) error {
	tt, err := j.timetable()
	if err != nil {
		return err
	}
	tomorrow := j.today().AddDate(0, 0, 1)
	users, err := j.d.Store.ListUsers(ctx, storage.UserFilter{WithGroup: true, EveningNotify: true})
	if err != nil {
		return err
	}
	if len(users) == 0 {
		j.d.Log.Info("evening broadcast: nobody to notify")
		return nil
	}
	intro := pick(eveningGreetings, tomorrow) + "\n\n"
	msgs := make([]broadcast.Message, 0, len(users))
	for _, u := range users {
		body := "🎉 " + tgui.B("Завтра занятий нет!").String()
		if ds, err := tt.GroupDay(u.Group, tomorrow); err == nil && len(ds.Lessons) > 0 {
			body = tgui.B("Ваше расписание на завтра:").String() + "\n\n" + timetable.FormatGroupDay(ds)
		}
		msgs = append(msgs, message(u.ID, intro+body+timetable.UnsubscribeFooter))
	}
	return j.run(ctx, NameEvening, msgs)
}

// Morning sends today's schedule, only to users who have lessons today.
func (j *Jobs) Morning(ctx context.Context) error {
	tt, err := j.timetable()
	if err != nil {
		return err
	}
	today := j.today()
	users, err := j.d.Store.ListUsers(ctx, storage.UserFilter{WithGroup: true, MorningSummary: true})
	if err != nil {
		return err
	}
	intro := pick(morningGreetings, today) + "\n"
	var msgs []broadcast.Message
	for _, u := range users {
		ds, err := tt.GroupDay(u.Group, today)
		if err != nil || len(ds.Lessons) == 0 {
			continue
		}
		text := intro + "\n" + tgui.B("Ваше расписание на сегодня:").String() + "\n\n" + timetable.FormatGroupDay(ds) + timetable.UnsubscribeFooter
		msgs = append(msgs, message(u.ID, text))
	}
	if len(msgs) == 0 {
		j.d.Log.Info("morning summary: nobody has lessons today")
		return nil
	}
	return j.run(ctx, NameMorning, msgs)
}

func message(chatID int64, text string) broadcast.Message {
	return broadcast.Message{
		Target:  kit.ChatTarget{ChatID: chatID},
		Text:    text,
		Options: &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
	}
}

func (j *Jobs) run(ctx context.Context, name string, msgs []broadcast.Message) error {
	st, err := j.d.Broadcast.Run(ctx, name, msgs)
	j.d.Log.Info("broadcast finished",
		logx.String("name", name),
		logx.String("run", st.ID),
		logx.Int("total", st.Total),
		logx.Int("sent", st.Sent),
		logx.Int("failed", st.Failed),
		logx.Int("blocked", st.Blocked),
	)
	return err
}
