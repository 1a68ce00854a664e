package config

// Config is the on-disk configuration (JSON, or YAML coerced to JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	HTTP     HTTPConfig     `json:"http,omitempty"`

	// Scheduler controls triggers (cron/interval/once).
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of scheduled jobs.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Redis    RedisConfig     `json:"redis,omitempty"`

	Timetable  TimetableConfig  `json:"timetable"`
	Render     RenderConfig     `json:"render"`
	ImageCache ImageCacheConfig `json:"image_cache,omitempty"`
	Broadcasts BroadcastsConfig `json:"broadcasts,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	PollTimeout  string  `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// HTTPConfig controls the health/diagnostics server.
//
// Prefer binding to localhost. A non-loopback address needs a token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8081"
	Token         string `json:"token,omitempty"` // bearer token (never logged)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig defaults: workers 2, queue_size 256, history_size 200, retry_max 3.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// NotifierConfig controls the async delivery pipeline. Omitted means enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig selects the user store.
//
//	"storage": { "driver": "sqlite", "path": "./data/bot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://bot@localhost/bot" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

type TimetableConfig struct {
	SourceURL     string `json:"source_url"`
	UserAgent     string `json:"user_agent,omitempty"`
	FetchTimeout  string `json:"fetch_timeout,omitempty"`
	CheckInterval string `json:"check_interval,omitempty"`
	// SemesterStart overrides the feed's Period (YYYY-MM-DD).
	SemesterStart string `json:"semester_start,omitempty"`
}

// RenderConfig controls the schedule image pipeline.
type RenderConfig struct {
	BaseMaxConcurrency int   `json:"base_max_concurrency,omitempty"` // default 4
	Attempts           int   `json:"attempts,omitempty"`             // default 3
	GrowAfter          int   `json:"grow_after,omitempty"`           // default 20
	ShrinkAt           []int `json:"shrink_at,omitempty"`            // default [3,5,7]

	TemplatePath string `json:"template_path,omitempty"`
	AssetsDir    string `json:"assets_dir,omitempty"`
	Selector     string `json:"selector,omitempty"`

	ViewportWidth  int    `json:"viewport_width,omitempty"`
	ViewportHeight int    `json:"viewport_height,omitempty"`
	PageTimeout    string `json:"page_timeout,omitempty"`
	RetryDelay     string `json:"retry_delay,omitempty"`

	BrowserBin string `json:"browser_bin,omitempty"`
	Sandbox    bool   `json:"sandbox,omitempty"`
}

type ImageCacheConfig struct {
	Dir string `json:"dir,omitempty"`
	TTL string `json:"ttl,omitempty"`
}

// BroadcastsConfig holds trigger specs; "off" disables a job.
type BroadcastsConfig struct {
	Evening         string `json:"evening,omitempty"`
	Morning         string `json:"morning,omitempty"`
	ReminderPlanner string `json:"reminder_planner,omitempty"`
	CacheCleanup    string `json:"cache_cleanup,omitempty"`
}
