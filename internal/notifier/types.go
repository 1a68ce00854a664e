package notifier

import (
	"time"

	kit "timetablebot/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 25
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

type HistoryItem struct {
	At     time.Time `json:"at"`
	ChatID int64     `json:"chat_id"`
	Kind   string    `json:"kind"` // text | photo
	Text   string    `json:"text"`
	Error  string    `json:"error,omitempty"`
}

// FailedEvent is published as eventbus.TypeNotifyFailed.
type FailedEvent struct {
	ChatID    int64  `json:"chat_id"`
	Key       string `json:"key"`
	Attempts  int    `json:"attempts"`
	Forbidden bool   `json:"forbidden,omitempty"`
	Error     string `json:"error"`
}

type Stats struct {
	Queued    uint64 `json:"queued"`
	Sent      uint64 `json:"sent"`
	Failed    uint64 `json:"failed"`
	Deduped   uint64 `json:"deduped"`
	Dropped   uint64 `json:"dropped"`
	Forbidden uint64 `json:"forbidden"`
	QueueLen  int    `json:"queue_len"`
}

// ForbiddenFunc is told about chats that refuse messages.
type ForbiddenFunc func(target kit.ChatTarget)
