package app

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"timetablebot/internal/config"
	"timetablebot/internal/httpapi"
	"timetablebot/internal/jobs"
	"timetablebot/internal/notifier"
	"timetablebot/internal/render"
	"timetablebot/internal/storage"
	"timetablebot/internal/task/engine"
	"timetablebot/pkg/logx"
)

const dataDir = "./data"

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// logChatID parses telegram.group_log; 0 clears the target.
func logChatID(cfg *config.Config) int64 {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// The scheduler only enqueues, so the engine always runs when the scheduler does.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}
	var te config.TaskEngineConfig
	if cfg.TaskEngine != nil {
		te = *cfg.TaskEngine
	}

	workers, queueSize, historySize, retryMax := te.Workers, te.QueueSize, te.HistorySize, te.RetryMax
	if workers < 0 || queueSize < 0 || historySize < 0 || retryMax < 0 {
		return engine.Config{}, errors.New("task_engine: workers, queue_size, history_size and retry_max must be >= 0")
	}
	if workers == 0 {
		workers = 2
	}
	if queueSize == 0 {
		queueSize = 256
	}
	if historySize == 0 {
		historySize = 200
	}
	if retryMax == 0 {
		retryMax = 3
	}

	defTimeout, err := parseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := parseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}

	return engine.Config{
		Enabled:        true,
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    historySize,
		RetryMax:       retryMax,
	}, nil
}

// mapNotifierConfig defaults to enabled when the section is omitted.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      25,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     time.Minute,
		DedupMaxEntries: 5000,
	}
	if cfg == nil || cfg.Notifier == nil {
		return out, nil
	}
	n := cfg.Notifier
	out.Enabled = n.Enabled
	out.PersistDedup = n.PersistDedup
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}

	var err error
	if out.RetryBase, err = parseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = parseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = parseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}

	switch {
	case out.Workers < 0:
		return notifier.Config{}, fmt.Errorf("notifier.workers must be >= 0")
	case out.QueueSize < 0:
		return notifier.Config{}, fmt.Errorf("notifier.queue_size must be >= 0")
	case out.RatePerSec < 0:
		return notifier.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	case out.RetryMax < 0:
		return notifier.Config{}, fmt.Errorf("notifier.retry_max must be >= 0")
	case out.DedupMaxEntries < 0:
		return notifier.Config{}, fmt.Errorf("notifier.dedup_max_entries must be >= 0")
	}
	return out, nil
}

// mapStorageConfig falls back to the file driver; users must persist somewhere.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	def := storage.Config{Driver: "file", Path: filepath.Join(dataDir, "bot.json")}
	if cfg == nil || cfg.Storage == nil {
		return def, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "file":
		if path != "" {
			def.Path = path
		}
		return def, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		dsn := strings.TrimSpace(sc.DSN)
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: dsn}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapHTTPConfig validates the address but never starts the server.
func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	out := httpapi.Config{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
	}
	if out.Addr == "" {
		out.Addr = "127.0.0.1:8081"
	}
	var err error
	if out.ReadTimeout, err = parseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = parseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 30*time.Second); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = parseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}
	if out.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return out, fmt.Errorf("http.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
	}
	return out, nil
}

func mapRenderConfig(cfg *config.Config) (render.Config, error) {
	rc := cfg.Render
	out := render.Config{
		TemplatePath: strings.TrimSpace(rc.TemplatePath),
		AssetsDir:    strings.TrimSpace(rc.AssetsDir),
		Engine: render.EngineConfig{
			Admission: render.AdmissionConfig{
				BaseMax:   rc.BaseMaxConcurrency,
				GrowAfter: rc.GrowAfter,
				ShrinkAt:  rc.ShrinkAt,
			},
			Attempts: rc.Attempts,
			Selector: strings.TrimSpace(rc.Selector),
			Viewport: render.Viewport{Width: rc.ViewportWidth, Height: rc.ViewportHeight},
		},
	}
	if out.TemplatePath == "" {
		out.TemplatePath = "./templates/schedule.html"
	}
	if out.AssetsDir == "" {
		out.AssetsDir = "./assets"
	}
	if rc.BaseMaxConcurrency < 0 || rc.Attempts < 0 || rc.GrowAfter < 0 {
		return out, errors.New("render: base_max_concurrency, attempts and grow_after must be >= 0")
	}
	for _, n := range rc.ShrinkAt {
		if n <= 0 {
			return out, fmt.Errorf("render.shrink_at: thresholds must be > 0, got %d", n)
		}
	}
	var err error
	if out.Engine.PageTimeout, err = parseDurationField("render.page_timeout", rc.PageTimeout); err != nil {
		return out, err
	}
	if out.Engine.RetryDelay, err = parseDurationField("render.retry_delay", rc.RetryDelay); err != nil {
		return out, err
	}
	return out, nil
}

func mapImageCache(cfg *config.Config) (dir string, ttl time.Duration, err error) {
	dir = strings.TrimSpace(cfg.ImageCache.Dir)
	if dir == "" {
		dir = filepath.Join(dataDir, "images")
	}
	ttl, err = parseDurationField("image_cache.ttl", cfg.ImageCache.TTL)
	return dir, ttl, err
}

func mapJobsConfig(cfg *config.Config) (jobs.Config, error) {
	out := jobs.Config{
		Evening:         cfg.Broadcasts.Evening,
		Morning:         cfg.Broadcasts.Morning,
		ReminderPlanner: cfg.Broadcasts.ReminderPlanner,
		CacheCleanup:    cfg.Broadcasts.CacheCleanup,
		Monitor:         cfg.Timetable.CheckInterval,
	}
	// Interval specs are validated here; cron specs fail at registration.
	if m := strings.TrimSpace(out.Monitor); m != "" && !strings.EqualFold(m, "off") {
		if _, err := parseDurationField("timetable.check_interval", m); err != nil {
			return out, err
		}
	}
	return out, nil
}

func mapSemesterStart(cfg *config.Config) (time.Time, error) {
	raw := strings.TrimSpace(cfg.Timetable.SemesterStart)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("timetable.semester_start: invalid %q (expected YYYY-MM-DD)", raw)
	}
	return t, nil
}

// validate runs every mapper so a bad hot reload is rejected before commit.
func validate(cfg *config.Config) error {
	if _, err := parseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := parseDurationField("timetable.fetch_timeout", cfg.Timetable.FetchTimeout); err != nil {
		return err
	}
	if _, err := mapSemesterStart(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRenderConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapImageCache(cfg); err != nil {
		return err
	}
	_, err := mapJobsConfig(cfg)
	return err
}
