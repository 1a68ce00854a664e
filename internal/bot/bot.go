// Package bot implements the user-facing Telegram commands: group selection,
// day and week schedules, teacher and classroom lookup, notification
// settings and the owner status page.
package bot

import (
	"context"
	"errors"
	"time"

	"timetablebot/internal/imagecache"
	"timetablebot/internal/notifier"
	"timetablebot/internal/notifier/broadcast"
	"timetablebot/internal/render"
	"timetablebot/internal/storage"
	"timetablebot/internal/task/engine"
	"timetablebot/internal/task/scheduler"
	"timetablebot/internal/timetable"
	"timetablebot/internal/transport/telegram/router"
	"timetablebot/pkg/logx"
)

var errNoTimetable = errors.New("timetable not loaded yet")

// Renderer produces a week image; render.Service satisfies it.
type Renderer interface {
	Render(ctx context.Context, req render.Request) bool
}

// Status sources are optional; nil ones are left out of /status.
type Status struct {
	Render    interface{ Stats() render.EngineStats }
	Tasks     interface{ Snapshot() engine.Snapshot }
	Scheduler interface{ Snapshot() scheduler.Snapshot }
	Notifier  interface{ Stats() notifier.Stats }
	Broadcast interface {
		Recent(n int) []broadcast.RunStatus
	}
}

type Deps struct {
	Store     storage.Store
	Timetable *timetable.Holder
	Images    *imagecache.Cache
	Renderer  Renderer
	Status    Status
	Location  *time.Location
	Log       logx.Logger
}

type Bot struct {
	Deps
	now       func() time.Time
	startedAt time.Time
}

func New(d Deps) *Bot {
	if d.Location == nil {
		d.Location = time.Local
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	d.Log = d.Log.With(logx.String("comp", "bot"))
	return &Bot{Deps: d, now: time.Now, startedAt: time.Now()}
}

func (b *Bot) today() time.Time { return b.now().In(b.Location) }

func (b *Bot) timetable() (*timetable.Timetable, error) {
	tt := b.Timetable.Current()
	if tt == nil {
		return nil, errNoTimetable
	}
	return tt, nil
}

func (b *Bot) Commands() []router.Command {
	return []router.Command{
		{Name: "start", Description: "начать работу", Hidden: true, Handle: b.handleStart},
		{Name: "group", Aliases: []string{"g"}, Description: "выбрать группу", Usage: "/group <номер>", Handle: b.handleGroup},
		{Name: "today", Description: "пары на сегодня", Handle: b.handleToday},
		{Name: "tomorrow", Description: "пары на завтра", Handle: b.handleTomorrow},
		{Name: "week", Description: "картинка с расписанием недели", Usage: "/week [next]", Timeout: 2 * time.Minute, Handle: b.handleWeek},
		{Name: "teacher", Description: "расписание преподавателя", Usage: "/teacher <фамилия>", Handle: b.handleTeacher},
		{Name: "room", Description: "занятость аудитории", Usage: "/room <номер>", Handle: b.handleRoom},
		{Name: "notify", Description: "настройки уведомлений", Usage: "/notify [вид on|off]", Handle: b.handleNotify},
		{Name: "status", Description: "состояние бота", Access: router.AccessOwnerOnly, Handle: b.handleStatus},
	}
}

func (b *Bot) Callbacks() []router.CallbackRoute {
	return []router.CallbackRoute{
		{Prefix: cbTeacher, Handle: b.callbackTeacher},
		{Prefix: cbRoom, Handle: b.callbackRoom},
		{Prefix: cbNotify, Handle: b.callbackNotify},
		{Prefix: cbWeek, Timeout: 2 * time.Minute, Handle: b.callbackWeek},
	}
}

const (
	cbTeacher = "teacher"
	cbRoom    = "room"
	cbNotify  = "notify"
	cbWeek    = "week"
)

// user loads the caller, creating a default record on first contact.
func (b *Bot) user(ctx context.Context, req *router.Request) (storage.User, error) {
	u, ok, err := b.Store.GetUser(ctx, req.FromID)
	if err != nil {
		return storage.User{}, err
	}
	if ok {
		return u, nil
	}
	u = storage.NewUser(req.FromID, req.Username)
	return u, b.Store.UpsertUser(ctx, u)
}

// groupOf replies with a hint and returns "" when the caller has no group.
func (b *Bot) groupOf(ctx context.Context, req *router.Request) (string, error) {
	u, err := b.user(ctx, req)
	if err != nil {
		return "", err
	}
	if u.Group == "" {
		return "", req.Reply(ctx, "Сначала выберите группу: <code>/group 09-231</code>")
	}
	return u.Group, nil
}

func (b *Bot) replyErr(ctx context.Context, req *router.Request, err error) error {
	if errors.Is(err, errNoTimetable) {
		return req.Reply(ctx, "⏳ Расписание еще загружается, попробуйте через минуту.")
	}
	_ = req.Reply(ctx, "❌ Что-то пошло не так. Попробуйте позже.")
	return err
}
