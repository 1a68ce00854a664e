package config

import (
	"reflect"
	"sort"
	"strings"

	"timetablebot/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe structured
// attrs for logging. Secrets (tokens, passwords, DSNs) are reported only as "_set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	section := func(name string, differ bool, fields ...logx.Field) {
		if !differ {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	section("telegram",
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
			!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
			strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog),
		logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
		logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
		logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
	)

	section("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
	)

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	oh.Token, nh.Token = setFlag(oh.Token), setFlag(nh.Token)
	section("http", oh != nh,
		logx.Bool("http.enabled", nh.Enabled),
		logx.String("http.addr", strings.TrimSpace(nh.Addr)),
		logx.Bool("http.pprof", nh.Pprof),
		logx.Bool("http.token_set", nh.Token != ""),
	)

	section("scheduler", oldCfg.Scheduler != newCfg.Scheduler,
		logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
		logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
	)

	ote, nte := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	section("task_engine", ote != nte,
		logx.Int("task_engine.workers", nte.Workers),
		logx.Int("task_engine.queue_size", nte.QueueSize),
		logx.Int("task_engine.retry_max", nte.RetryMax),
	)

	on, nn := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	section("notifier", on != nn,
		logx.Bool("notifier.enabled", nn.Enabled),
		logx.Int("notifier.workers", nn.Workers),
		logx.Int("notifier.rate_per_sec", nn.RatePerSec),
	)

	ostore, ns := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	section("storage", ostore != ns,
		logx.String("storage.driver", ns.Driver),
		logx.Bool("storage.path_set", ns.Path != ""),
		logx.Bool("storage.dsn_set", ns.DSN != ""),
	)

	or, nr := oldCfg.Redis, newCfg.Redis
	or.Password, nr.Password = setFlag(or.Password), setFlag(nr.Password)
	section("redis", or != nr,
		logx.Bool("redis.enabled", nr.Enabled),
		logx.String("redis.addr", nr.Addr),
		logx.Int("redis.db", nr.DB),
	)

	section("timetable", oldCfg.Timetable != newCfg.Timetable,
		logx.String("timetable.check_interval", newCfg.Timetable.CheckInterval),
		logx.Bool("timetable.semester_override", strings.TrimSpace(newCfg.Timetable.SemesterStart) != ""),
	)

	section("render", !reflect.DeepEqual(oldCfg.Render, newCfg.Render),
		logx.Int("render.base_max_concurrency", newCfg.Render.BaseMaxConcurrency),
		logx.Int("render.attempts", newCfg.Render.Attempts),
		logx.String("render.template_path", newCfg.Render.TemplatePath),
	)

	section("image_cache", oldCfg.ImageCache != newCfg.ImageCache,
		logx.String("image_cache.dir", newCfg.ImageCache.Dir),
		logx.String("image_cache.ttl", newCfg.ImageCache.TTL),
	)

	section("broadcasts", oldCfg.Broadcasts != newCfg.Broadcasts,
		logx.String("broadcasts.evening", newCfg.Broadcasts.Evening),
		logx.String("broadcasts.morning", newCfg.Broadcasts.Morning),
	)

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "redis", "render", "timetable", "image_cache":
			out = append(out, s)
		}
	}
	return out
}

func setFlag(secret string) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}
	return "set"
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{Enabled: true}
	}
	return *n
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	out := *s
	out.Driver = strings.ToLower(strings.TrimSpace(out.Driver))
	out.Path = strings.TrimSpace(out.Path)
	out.DSN = setFlag(out.DSN)
	return out
}
