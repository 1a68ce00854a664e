// Package jobs wires the timed work of the bot into the scheduler: evening
// and morning broadcasts, the lesson reminder planner, the timetable change
// monitor and image cache cleanup.
package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"timetablebot/internal/eventbus"
	"timetablebot/internal/imagecache"
	"timetablebot/internal/notifier/broadcast"
	"timetablebot/internal/storage"
	"timetablebot/internal/task/engine"
	"timetablebot/internal/task/scheduler"
	"timetablebot/internal/timetable"
	kit "timetablebot/internal/transport"
	"timetablebot/pkg/logx"
)

const (
	NameEvening   = "broadcast.evening"
	NameMorning   = "broadcast.morning"
	NamePlanner   = "reminders.plan"
	NameMonitor   = "timetable.monitor"
	NameCleanup   = "imagecache.cleanup"
	reminderScope = "reminder:"
)

// Config holds trigger specs. An empty spec takes the default, "off" disables the job.
type Config struct {
	Evening         string
	Morning         string
	ReminderPlanner string
	CacheCleanup    string
	Monitor         string
}

func (c Config) withDefaults() Config {
	c.Evening = orDefault(c.Evening, "0 20 * * *")
	c.Morning = orDefault(c.Morning, "0 8 * * *")
	c.ReminderPlanner = orDefault(c.ReminderPlanner, "0 6 * * *")
	c.CacheCleanup = orDefault(c.CacheCleanup, "@hourly")
	c.Monitor = orDefault(c.Monitor, "30m")
	return c
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}

func disabled(spec string) bool { return strings.EqualFold(spec, "off") }

// Scheduler is satisfied by *scheduler.Service.
type Scheduler interface {
	AddScheduleOpt(name, spec string, timeout time.Duration, opt engine.TaskOptions, job scheduler.Job) error
	AddOnce(name string, at time.Time, timeout time.Duration, job scheduler.Job) error
	Remove(name string) bool
	RemovePrefix(prefix string) int
}

// Notifier is satisfied by *notifier.Service.
type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
	NotifyWait(ctx context.Context, n kit.Notification) error
}

type Broadcaster interface {
	Run(ctx context.Context, name string, msgs []broadcast.Message) (broadcast.RunStatus, error)
}

type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

type Deps struct {
	Store     storage.Store
	Timetable *timetable.Holder
	Source    Fetcher
	Images    *imagecache.Cache
	Notifier  Notifier
	Broadcast Broadcaster
	Scheduler Scheduler
	Bus       eventbus.Bus
	Location  *time.Location
	Log       logx.Logger
}

// ScheduleChanged is the payload of eventbus.TypeScheduleChanged.
type ScheduleChanged struct {
	OldHash string   `json:"old_hash"`
	NewHash string   `json:"new_hash"`
	Groups  []string `json:"groups"`
}

var errNoTimetable = errors.New("timetable not loaded")

type Jobs struct {
	d   Deps
	now func() time.Time

	mu  sync.Mutex
	cfg Config
}

func New(cfg Config, d Deps) *Jobs {
	if d.Location == nil {
		d.Location = time.Local
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	d.Log = d.Log.With(logx.String("comp", "jobs"))
	return &Jobs{d: d, cfg: cfg.withDefaults(), now: time.Now}
}

// Apply replaces the trigger specs and re-registers every job.
func (j *Jobs) Apply(cfg Config) error {
	j.mu.Lock()
	j.cfg = cfg.withDefaults()
	j.mu.Unlock()
	return j.Register()
}

// Register upserts all triggers. Disabled jobs are removed.
func (j *Jobs) Register() error {
	j.mu.Lock()
	cfg := j.cfg
	j.mu.Unlock()

	oneShot := engine.TaskOptions{RetryMax: -1}
	defs := []struct {
		name    string
		spec    string
		timeout time.Duration
		opt     engine.TaskOptions
		job     scheduler.Job
	}{
		{NameEvening, cfg.Evening, 30 * time.Minute, oneShot, j.Evening},
		{NameMorning, cfg.Morning, 30 * time.Minute, oneShot, j.Morning},
		{NamePlanner, cfg.ReminderPlanner, 5 * time.Minute, engine.TaskOptions{}, j.PlanReminders},
		{NameMonitor, cfg.Monitor, 5 * time.Minute, engine.TaskOptions{}, j.CheckChanges},
		{NameCleanup, cfg.CacheCleanup, 5 * time.Minute, engine.TaskOptions{}, j.CleanupCache},
	}
	var errs []error
	for _, def := range defs {
		if disabled(def.spec) {
			j.d.Scheduler.Remove(def.name)
			j.d.Log.Info("job disabled", logx.String("job", def.name))
			continue
		}
		if def.name == NameCleanup && j.d.Images == nil {
			continue
		}
		if def.name == NameMonitor && j.d.Source == nil {
			continue
		}
		if err := j.d.Scheduler.AddScheduleOpt(def.name, def.spec, def.timeout, def.opt, def.job); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (j *Jobs) today() time.Time { return j.now().In(j.d.Location) }

func (j *Jobs) timetable() (*timetable.Timetable, error) {
	tt := j.d.Timetable.Current()
	if tt == nil {
		return nil, errNoTimetable
	}
	return tt, nil
}

// DisableUser turns off every subscription of a chat that refuses messages.
// It is hooked to the notifier and broadcast forbidden callbacks.
func (j *Jobs) DisableUser(ctx context.Context, target kit.ChatTarget) {
	u, ok, err := j.d.Store.GetUser(ctx, target.ChatID)
	if err != nil || !ok {
		return
	}
	if !u.EveningNotify && !u.MorningSummary && !u.LessonReminders && !u.ChangeAlerts {
		return
	}
	u.EveningNotify, u.MorningSummary, u.LessonReminders, u.ChangeAlerts = false, false, false, false
	if err := j.d.Store.UpsertUser(ctx, u); err != nil {
		j.d.Log.Warn("disable notifications failed", logx.Int64("user", u.ID), logx.Err(err))
		return
	}
	j.d.Scheduler.RemovePrefix(reminderPrefix(u.ID))
	j.d.Log.Info("notifications disabled for blocked chat", logx.Int64("user", u.ID))
}

// CleanupCache removes expired week images.
func (j *Jobs) CleanupCache(ctx context.Context) error {
	rep, err := j.d.Images.CleanupExpired(ctx)
	if err != nil {
		return err
	}
	if rep.Files > 0 {
		j.d.Log.Info("image cache cleaned", logx.Int("files", rep.Files), logx.Int64("bytes", rep.Bytes))
	}
	return nil
}
