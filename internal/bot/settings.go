package bot

import (
	"context"
	"strconv"
	"strings"

	"timetablebot/internal/storage"
	kit "timetablebot/internal/transport"
	"timetablebot/internal/transport/telegram/router"
	"timetablebot/pkg/logx"
	"timetablebot/pkg/tgui"
)

func (b *Bot) handleStart(ctx context.Context, req *router.Request) error {
	u, err := b.user(ctx, req)
	if err != nil {
		return b.replyErr(ctx, req, err)
	}
	// Deep links: t.me/bot?start=09-231
	if len(req.Args) > 0 {
		return b.setGroup(ctx, req, u, req.Args[0])
	}
	var sb strings.Builder
	sb.WriteString("👋 Привет")
	if req.Name != "" {
		sb.WriteString(", " + tgui.Esc(req.Name).String())
	}
	sb.WriteString("!\n\nЯ показываю расписание занятий и напоминаю о парах.\n")
	if u.Group == "" {
		sb.WriteString("\nДля начала выберите группу: <code>/group 09-231</code>")
	} else {
		sb.WriteString("\nВаша группа: " + tgui.B(u.Group).String() + ". Расписание на сегодня: /today")
	}
	sb.WriteString("\nВсе команды: /help")
	return req.Reply(ctx, sb.String())
}

func (b *Bot) handleGroup(ctx context.Context, req *router.Request) error {
	u, err := b.user(ctx, req)
	if err != nil {
		return b.replyErr(ctx, req, err)
	}
	if len(req.Args) == 0 {
		if u.Group == "" {
			return req.Reply(ctx, "Группа не выбрана. Пример: <code>/group 09-231</code>")
		}
		return req.Reply(ctx, "Ваша группа: "+tgui.B(u.Group).String()+"\nСменить: <code>/group &lt;номер&gt;</code>")
	}
	return b.setGroup(ctx, req, u, req.Args[0])
}

func (b *Bot) setGroup(ctx context.Context, req *router.Request, u storage.User, group string) error {
	tt, err := b.timetable()
	if err != nil {
		return b.replyErr(ctx, req, err)
	}
	group = strings.ToUpper(strings.TrimSpace(group))
	if !tt.HasGroup(group) {
		return req.Reply(ctx, "🤷 Группа "+tgui.B(group).String()+" не найдена в расписании.")
	}
	u.Group = group
	if req.Username != "" {
		u.Username = req.Username
	}
	if err := b.Store.UpsertUser(ctx, u); err != nil {
		return b.replyErr(ctx, req, err)
	}
	b.Log.Info("user group set", logx.Int64("user", u.ID), logx.String("group", group))
	return req.Reply(ctx, "✅ Группа "+tgui.B(group).String()+" сохранена.\n\nСегодня: /today · Завтра: /tomorrow · Неделя: /week")
}

// notifyKind is one toggleable subscription.
type notifyKind struct {
	key   string
	title string
	get   func(*storage.User) *bool
}

var notifyKinds = []notifyKind{
	{"evening", "Вечерняя рассылка на завтра", func(u *storage.User) *bool { return &u.EveningNotify }},
	{"morning", "Утренняя сводка", func(u *storage.User) *bool { return &u.MorningSummary }},
	{"reminders", "Напоминания о парах", func(u *storage.User) *bool { return &u.LessonReminders }},
	{"changes", "Изменения в расписании", func(u *storage.User) *bool { return &u.ChangeAlerts }},
}

func findKind(key string) (notifyKind, bool) {
	for _, k := range notifyKinds {
		if k.key == strings.ToLower(key) {
			return k, true
		}
	}
	return notifyKind{}, false
}

// handleNotify shows the settings panel, or applies "/notify <kind> on|off"
// and "/notify minutes <n>".
func (b *Bot) handleNotify(ctx context.Context, req *router.Request) error {
	u, err := b.user(ctx, req)
	if err != nil {
		return b.replyErr(ctx, req, err)
	}
	if len(req.Args) >= 2 {
		if strings.EqualFold(req.Args[0], "minutes") {
			n, err := strconv.Atoi(req.Args[1])
			if err != nil || n < 5 || n > 120 {
				return req.Reply(ctx, "Укажите число минут от 5 до 120.")
			}
			u.ReminderMinutes = n
		} else {
			k, ok := findKind(req.Args[0])
			if !ok {
				return req.Reply(ctx, "Неизвестный вид уведомлений. Доступно: evening, morning, reminders, changes.")
			}
			on := strings.EqualFold(req.Args[1], "on")
			if !on && !strings.EqualFold(req.Args[1], "off") {
				return req.Reply(ctx, "Используйте on или off.")
			}
			*k.get(&u) = on
		}
		if err := b.Store.UpsertUser(ctx, u); err != nil {
			return b.replyErr(ctx, req, err)
		}
	}
	return req.ReplyMarkup(ctx, notifyPanel(u), notifyKeyboard(u))
}

func (b *Bot) callbackNotify(ctx context.Context, req *router.Request) error {
	k, ok := findKind(req.Payload)
	if !ok {
		return nil
	}
	u, err := b.user(ctx, req)
	if err != nil {
		return err
	}
	p := k.get(&u)
	*p = !*p
	if err := b.Store.UpsertUser(ctx, u); err != nil {
		return err
	}
	ref := kit.MessageRef{ChatID: req.Chat.ChatID, ThreadID: req.Chat.ThreadID, MessageID: req.Update.Callback.MessageID}
	return req.Adapter.EditText(ctx, ref, notifyPanel(u), &kit.SendOptions{ParseMode: "HTML", ReplyMarkup: notifyKeyboard(u)})
}

func notifyPanel(u storage.User) string {
	var b tgui.Builder
	b.Text("🔔 ").HTML(tgui.B("Уведомления")).Text("\n\n")
	for _, k := range notifyKinds {
		mark := "❌"
		if *k.get(&u) {
			mark = "✅"
		}
		b.Text(mark + " " + k.title + "\n")
	}
	b.Text("\nНапоминать за " + strconv.Itoa(u.ReminderMinutes) + " мин. до первой пары (").
		HTML(tgui.Code("/notify minutes 20")).Text(")")
	return b.H().String()
}

func notifyKeyboard(u storage.User) any {
	kb := tgui.NewInline()
	for _, k := range notifyKinds {
		label := "Включить: "
		if *k.get(&u) {
			label = "Выключить: "
		}
		kb.Row(tgui.Btn(label+strings.ToLower(k.title), cbNotify+":"+k.key))
	}
	return kb.Markup()
}
