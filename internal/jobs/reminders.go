package jobs

import (
	"context"
	"fmt"
	"time"

	"timetablebot/internal/storage"
	"timetablebot/internal/timetable"
	kit "timetablebot/internal/transport"
	"timetablebot/pkg/logx"
)

func reminderPrefix(userID int64) string { return fmt.Sprintf("%s%d:", reminderScope, userID) }

// reminder is one planned lesson reminder.
type reminder struct {
	name   string
	at     time.Time
	kind   timetable.ReminderKind
	lesson *timetable.Lesson
	breakM int
}

// planDay lists the reminders of one user's day: the first lesson
// leadMinutes ahead, then one at the end of every lesson (a break note
// before the next lesson, a final note after the last one).
// Reminders at or before now are left out.
func planDay(userID int64, lessons []timetable.Lesson, day, now time.Time, leadMinutes int) []reminder {
	if len(lessons) == 0 {
		return nil
	}
	date := day.Format(time.DateOnly)
	at := func(minutes int) time.Time {
		return time.Date(day.Year(), day.Month(), day.Day(), minutes/60, minutes%60, 0, 0, day.Location())
	}
	base := reminderPrefix(userID) + date + ":"

	var out []reminder
	if start, ok := timetable.ParseClock(lessons[0].StartTimeRaw); ok {
		first := lessons[0]
		if t := at(start).Add(-time.Duration(leadMinutes) * time.Minute); t.After(now) {
			out = append(out, reminder{name: base + "first", at: t, kind: timetable.ReminderFirst, lesson: &first})
		}
	}
	for i, l := range lessons {
		end, ok := timetable.ParseClock(l.EndTimeRaw)
		if !ok || !at(end).After(now) {
			continue
		}
		r := reminder{name: base + l.EndTimeRaw, at: at(end), kind: timetable.ReminderFinal}
		if i+1 < len(lessons) {
			next := lessons[i+1]
			nextStart, ok := timetable.ParseClock(next.StartTimeRaw)
			if !ok {
				continue
			}
			r.kind, r.lesson, r.breakM = timetable.ReminderBreak, &next, nextStart-end
		}
		out = append(out, r)
	}
	return out
}

// PlanReminders schedules today's lesson reminders for every subscribed user.
// Earlier plans for the same day are replaced.
func (j *Jobs) PlanReminders(ctx context.Context) error {
	tt, err := j.timetable()
	if err != nil {
		return err
	}
	now := j.today()
	users, err := j.d.Store.ListUsers(ctx, storage.UserFilter{WithGroup: true, LessonReminders: true})
	if err != nil {
		return err
	}
	planned := 0
	for _, u := range users {
		j.d.Scheduler.RemovePrefix(reminderPrefix(u.ID))
		ds, err := tt.GroupDay(u.Group, now)
		if err != nil {
			continue
		}
		lead := u.ReminderMinutes
		if lead <= 0 {
			lead = storage.DefaultReminderMinutes
		}
		for _, r := range planDay(u.ID, ds.Lessons, now, now, lead) {
			if err := j.d.Scheduler.AddOnce(r.name, r.at, time.Minute, j.sendReminder(u.ID, r, lead)); err != nil {
				j.d.Log.Warn("reminder not planned", logx.Int64("user", u.ID), logx.String("name", r.name), logx.Err(err))
				continue
			}
			planned++
		}
	}
	j.d.Log.Info("lesson reminders planned", logx.Int("users", len(users)), logx.Int("reminders", planned))
	return nil
}

func (j *Jobs) sendReminder(userID int64, r reminder, lead int) func(context.Context) error {
	return func(ctx context.Context) error {
		// The user may have unsubscribed since planning.
		u, ok, err := j.d.Store.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if !ok || !u.LessonReminders {
			return nil
		}
		text := timetable.FormatReminder(r.kind, r.lesson, r.breakM, lead)
		if text == "" {
			return nil
		}
		return j.d.Notifier.Notify(ctx, kit.Notification{
			Channel:  "telegram",
			Priority: 5,
			Target:   kit.ChatTarget{ChatID: userID},
			Text:     text,
			DedupKey: r.name,
			Options:  &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
		})
	}
}
