// Package app is the composition root: it maps config onto services, starts
// them under one supervisor and fans out hot reloads.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"timetablebot/internal/bot"
	"timetablebot/internal/config"
	"timetablebot/internal/eventbus"
	"timetablebot/internal/httpapi"
	"timetablebot/internal/imagecache"
	"timetablebot/internal/jobs"
	"timetablebot/internal/notifier"
	"timetablebot/internal/notifier/broadcast"
	"timetablebot/internal/render"
	"timetablebot/internal/runtime/sdnotify"
	"timetablebot/internal/runtime/supervisor"
	"timetablebot/internal/storage"
	"timetablebot/internal/task/engine"
	"timetablebot/internal/task/scheduler"
	"timetablebot/internal/timetable"
	kit "timetablebot/internal/transport"
	telegram "timetablebot/internal/transport/telegram/adapter"
	"timetablebot/internal/transport/telegram/router"
	"timetablebot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor
	reg  *supervisor.Registry

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	rdb   *redis.Client

	adapter *telegram.Adapter
	router  *router.Router
	bot     *bot.Bot
	jobs    *jobs.Jobs

	timetable *timetable.Holder
	source    *timetable.Source
	render    *render.Service
	images    *imagecache.Cache

	engine *engine.Service
	sched  *scheduler.Service
	notif  *notifier.Service
	bcast  *broadcast.Service
	http   *httpapi.Service

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	pollTimeout, err := parseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	// logx.New applies immediately; enable the Telegram sink only once its target is set.
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	logSvc.SetTelegramTarget(logChatID(cfg), cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()
	a := &App{
		cfgm:    cfgm,
		reg:     supervisor.NewRegistry(),
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}

	// Everything opened below is released by closeResources on a failed build.
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	openCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if a.store, err = storage.Open(openCtx, sc, log.With(logx.String("comp", "storage"))); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	if cfg.Redis.Enabled {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		// go-redis reconnects on its own; a cold Redis is not fatal.
		if err := a.rdb.Ping(openCtx).Err(); err != nil {
			appLog.Warn("redis unreachable at startup", logx.String("addr", cfg.Redis.Addr), logx.Err(err))
		}
	}

	// Timetable
	semesterStart, err := mapSemesterStart(cfg)
	if err != nil {
		return nil, err
	}
	var snapshots timetable.SnapshotCache = timetable.FileSnapshotCache{Path: filepath.Join(dataDir, "timetable.xml")}
	if a.rdb != nil {
		snapshots = timetable.NewRedisSnapshotCache(a.rdb)
	}
	a.timetable = timetable.NewHolder(snapshots, semesterStart, log.With(logx.String("comp", "timetable")))
	if url := strings.TrimSpace(cfg.Timetable.SourceURL); url != "" {
		fetchTimeout, _ := parseDurationField("timetable.fetch_timeout", cfg.Timetable.FetchTimeout)
		a.source = &timetable.Source{URL: url, UserAgent: cfg.Timetable.UserAgent, Timeout: fetchTimeout}
	} else {
		appLog.Warn("timetable.source_url is empty; change monitor disabled")
	}

	// Rendering and the image cache
	rcfg, err := mapRenderConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.render = render.NewService(rcfg, render.RodLauncher{
		Bin:     cfg.Render.BrowserBin,
		Sandbox: cfg.Render.Sandbox,
		Log:     log.With(logx.String("comp", "render.browser")),
	}, bus, log)

	imgDir, imgTTL, err := mapImageCache(cfg)
	if err != nil {
		return nil, err
	}
	var meta imagecache.MetaStore = imagecache.NewMemoryMeta()
	if a.rdb != nil {
		meta = imagecache.NewRedisMeta(a.rdb)
	}
	if a.images, err = imagecache.New(imgDir, imgTTL, meta, log); err != nil {
		return nil, err
	}

	// Task execution and delivery
	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)
	a.sched = scheduler.New(scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}, a.engine, log.With(logx.String("comp", "scheduler")))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.notif = notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus, a.store)
	a.bcast = broadcast.New(broadcast.Config{RetryMax: ncfg.RetryMax}, a.notif, log.With(logx.String("comp", "broadcast")))

	// Domain
	jcfg, err := mapJobsConfig(cfg)
	if err != nil {
		return nil, err
	}
	jd := jobs.Deps{
		Store:     a.store,
		Timetable: a.timetable,
		Images:    a.images,
		Notifier:  a.notif,
		Broadcast: a.bcast,
		Scheduler: a.sched,
		Bus:       bus,
		Location:  a.sched.Location(),
		Log:       log,
	}
	if a.source != nil {
		jd.Source = a.source
	}
	a.jobs = jobs.New(jcfg, jd)
	a.notif.OnForbidden(a.disableChat)
	a.bcast.OnBlocked(a.disableChat)

	a.bot = bot.New(bot.Deps{
		Store:     a.store,
		Timetable: a.timetable,
		Images:    a.images,
		Renderer:  a.render,
		Status: bot.Status{
			Render:    a.render,
			Tasks:     a.engine,
			Scheduler: a.sched,
			Notifier:  a.notif,
			Broadcast: a.bcast,
		},
		Location: a.sched.Location(),
		Log:      log,
	})
	a.router = router.New(log.With(logx.String("comp", "router")), ad, cfg.Telegram.OwnerUserIDs, a.reg)

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	pings := map[string]func(context.Context) error{"store": a.store.Ping}
	if a.rdb != nil {
		pings["redis"] = func(ctx context.Context) error { return a.rdb.Ping(ctx).Err() }
	}
	a.http = httpapi.New(hcfg, httpapi.Deps{
		Render:    a.render,
		Tasks:     a.engine,
		Scheduler: a.sched,
		Pings:     pings,
	}, log)

	ok = true
	return a, nil
}

// disableChat runs from delivery callbacks, which have no request context.
func (a *App) disableChat(target kit.ChatTarget) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.jobs.DisableUser(ctx, target)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	run := a.sup.Context()
	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	a.reg.Set("telegram.adapter", a.adapter.Supervisor())

	if a.notif.Enabled() {
		a.notif.Start(run)
		a.reg.Set("notifier", a.notif.Supervisor())
	}
	a.engine.Start(run)
	a.reg.Set("task.engine", a.engine.Supervisor())
	if a.sched.Enabled() {
		a.sched.Start()
	}
	a.reg.Set("render", a.render.Engine().Supervisor())
	a.http.Start(run)
	if sup := a.http.Supervisor(); sup != nil {
		a.reg.Set("http", sup)
	}

	a.router.SetRegistry(run, a.bot.Commands(), a.bot.Callbacks())
	if err := a.jobs.Register(); err != nil {
		a.log.Warn("some jobs failed to register", logx.Err(err))
	}

	a.sup.Go0("timetable.bootstrap", a.bootstrapTimetable)
	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.Dispatch(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("sdnotify.watchdog", func(c context.Context) {
		sdnotify.Watchdog(c, a.log, func() bool { return a.sup.Err() == nil })
	})
	sdnotify.Ready(a.log)

	a.log.Info("app started")
	return nil
}

// bootstrapTimetable restores the cached snapshot and fetches the feed when
// there is none, so commands work right after the first start.
func (a *App) bootstrapTimetable(ctx context.Context) {
	if err := a.timetable.Restore(ctx); err != nil && !errors.Is(err, timetable.ErrNoSnapshot) {
		a.log.Warn("timetable snapshot restore failed", logx.Err(err))
	}
	if a.timetable.Current() != nil || a.source == nil {
		return
	}
	if err := a.jobs.CheckChanges(ctx); err != nil && ctx.Err() == nil {
		a.log.Error("initial timetable fetch failed", logx.Err(err))
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for these sections", logx.String("sections", strings.Join(restart, ",")))
	}

	// Target first so Apply does not warn about an enabled sink without a chat.
	a.logs.SetTelegramTarget(logChatID(next), next.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLoggingConfig(next))

	a.router.SetOwners(next.Telegram.OwnerUserIDs)

	if ecfg, err := mapTaskEngineConfig(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, ecfg)
	}

	wasScheduling := a.sched.Enabled()
	a.sched.Apply(scheduler.Config{Enabled: next.Scheduler.Enabled, Timezone: next.Scheduler.Timezone})
	switch {
	case wasScheduling && !next.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		a.sched.Stop()
	case !wasScheduling && next.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start()
	}

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasNotifying := a.notif.Enabled()
		a.notif.Apply(ncfg)
		a.bcast.Apply(broadcast.Config{RetryMax: ncfg.RetryMax})
		switch {
		case wasNotifying && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
			a.reg.Delete("notifier")
		case !wasNotifying && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
			a.reg.Set("notifier", a.notif.Supervisor())
		}
	}

	if hcfg, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hcfg)
		if sup := a.http.Supervisor(); sup != nil {
			a.reg.Set("http", sup)
		} else {
			a.reg.Delete("http")
		}
	}

	if jcfg, err := mapJobsConfig(next); err != nil {
		a.log.Warn("invalid broadcasts config; keeping previous", logx.Err(err))
	} else if err := a.jobs.Apply(jcfg); err != nil {
		a.log.Warn("some jobs failed to register", logx.Err(err))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: sections})
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdnotify.Stopping(a.log)

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step bounds one shutdown phase so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; report when a step overruns.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Triggers first, then executors, then delivery, then the wire.
	step("scheduler", 2*time.Second, func(context.Context) error { a.sched.Stop(); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("render", 5*time.Second, a.render.Shutdown)
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("resources", 2*time.Second, func(context.Context) error { return a.closeResources() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

func (a *App) closeResources() error {
	var errs []error
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
		a.rdb = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	return errors.Join(errs...)
}
