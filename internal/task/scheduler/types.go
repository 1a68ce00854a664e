package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"timetablebot/internal/task/engine"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA, e.g. "Europe/Moscow"
}

// Enqueuer is satisfied by *engine.Service.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	opt     engine.TaskOptions
	entryID cron.EntryID
}

type onceDef struct {
	at      time.Time
	timeout time.Duration
	job     Job
	ver     uint64
	timer   *time.Timer
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
	Pending   int            `json:"pending_once"`
}
