package bot

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"timetablebot/internal/transport/telegram/router"
	"timetablebot/pkg/tgui"
)

// statusHistory bounds the task and broadcast tails shown by /status.
const statusHistory = 5

func (b *Bot) handleStatus(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, b.StatusText(ctx))
}

// StatusText is the owner status page. Sections whose source is not wired are skipped.
func (b *Bot) StatusText(ctx context.Context) string {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	var sb strings.Builder
	sb.Grow(2048)
	sb.WriteString("🏥 <b>Состояние бота</b>\n━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(&sb, "Uptime: %s\n", durRel(time.Since(b.startedAt)))
	fmt.Fprintf(&sb, "Memory: %s alloc, %s sys, GC %d\n", fmtBytes(m.Alloc), fmtBytes(m.Sys), m.NumGC)
	fmt.Fprintf(&sb, "Goroutines: %d (%s)\n", runtime.NumGoroutine(), runtime.Version())

	if tt := b.Timetable.Current(); tt != nil {
		fmt.Fprintf(&sb, "\n📚 <b>Расписание</b>\n  • Групп: %d\n  • Загружено: %s\n  • Hash: <code>%s</code>\n",
			len(tt.Groups), tt.FetchedAt.In(b.Location).Format("02.01 15:04"), shortHash(tt.Hash))
	} else {
		sb.WriteString("\n📚 <b>Расписание</b>: не загружено\n")
	}

	if b.Status.Render != nil {
		st := b.Status.Render.Stats()
		a := st.Admission
		sb.WriteString("\n🖼 <b>Рендер</b>\n")
		fmt.Fprintf(&sb, "  • Браузер: %s\n", onOff(st.Session, "запущен", "нет сессии"))
		fmt.Fprintf(&sb, "  • Задачи: %d (ok %d, ошибок %d), запусков браузера %d\n", st.Submitted, st.Succeeded, st.Failed, st.Launches)
		fmt.Fprintf(&sb, "  • Допуск: %d/%d (база %d, пик %d, ждут %d)\n", a.InFlight, a.Ceiling, a.BaseMax, a.PeakInFlight, a.Waiting)
		fmt.Fprintf(&sb, "  • Серии: успехов %d, ошибок %d; сжатий %d, расширений %d\n", a.SuccessStreak, a.ErrorStreak, a.Shrinks, a.Grows)
		if st.Supervisor.FirstError != "" {
			fmt.Fprintf(&sb, "  • Первая ошибка: %s\n", tgui.Esc(st.Supervisor.FirstError))
		}
	}

	if b.Images != nil {
		if st, err := b.Images.Stats(ctx); err == nil {
			sb.WriteString("\n🗂 <b>Кэш картинок</b>\n")
			fmt.Fprintf(&sb, "  • Файлов: %d (%s)\n", st.Files, fmtBytes(uint64(max(st.SizeBytes, 0))))
			fmt.Fprintf(&sb, "  • Попаданий %d, промахов %d\n", st.Hits, st.Misses)
		}
	}

	if b.Status.Notifier != nil {
		st := b.Status.Notifier.Stats()
		sb.WriteString("\n📨 <b>Уведомления</b>\n")
		fmt.Fprintf(&sb, "  • Отправлено %d, ошибок %d, заблокировано %d\n", st.Sent, st.Failed, st.Forbidden)
		fmt.Fprintf(&sb, "  • Очередь %d, дубли %d, отброшено %d\n", st.QueueLen, st.Deduped, st.Dropped)
	}

	if b.Status.Scheduler != nil {
		st := b.Status.Scheduler.Snapshot()
		sb.WriteString("\n⏰ <b>Планировщик</b>")
		if !st.Enabled {
			sb.WriteString(": выключен\n")
		} else {
			fmt.Fprintf(&sb, " (%s, разовых %d)\n", tgui.Esc(st.Timezone), st.Pending)
			for _, s := range st.Schedules {
				next := "-"
				if !s.Next.IsZero() {
					next = s.Next.In(b.Location).Format("02.01 15:04")
				}
				fmt.Fprintf(&sb, "  • %s <code>%s</code> → %s\n", tgui.Esc(s.Name), tgui.Esc(s.Spec), next)
			}
		}
	}

	if b.Status.Tasks != nil {
		st := b.Status.Tasks.Snapshot()
		sb.WriteString("\n📊 <b>Задачи</b>\n")
		fmt.Fprintf(&sb, "  • Воркеры %d, очередь %d/%d, выполняется %d\n", st.Workers, st.QueueLen, st.QueueCap, st.InFlight)
		if st.Dropped > 0 || st.CircuitOpen > 0 {
			fmt.Fprintf(&sb, "  • Отброшено %d, открытых цепей %d\n", st.Dropped, st.CircuitOpen)
		}
		hist := st.History
		if len(hist) > statusHistory {
			hist = hist[len(hist)-statusHistory:]
		}
		for _, h := range hist {
			mark := "✅"
			if h.Error != "" {
				mark = "❌"
			}
			fmt.Fprintf(&sb, "  %s %s %s (%s)\n", mark, h.Started.In(b.Location).Format("15:04"), tgui.Esc(h.Name), h.Duration.Round(time.Millisecond))
		}
	}

	if b.Status.Broadcast != nil {
		if runs := b.Status.Broadcast.Recent(statusHistory); len(runs) > 0 {
			sb.WriteString("\n📣 <b>Рассылки</b>\n")
			for _, r := range runs {
				state := "идет"
				if !r.Running {
					state = "готово"
				}
				fmt.Fprintf(&sb, "  • %s %s: %d/%d, ошибок %d, блок %d (%s)\n",
					r.StartedAt.In(b.Location).Format("02.01 15:04"), tgui.Esc(r.Name), r.Sent, r.Total, r.Failed, r.Blocked, state)
			}
		}
	}
	return sb.String()
}

func onOff(v bool, on, off string) string {
	if v {
		return on
	}
	return off
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func durRel(d time.Duration) string {
	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	if days > 0 {
		return fmt.Sprintf("%dd %s", days, d)
	}
	return d.String()
}

func fmtBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
