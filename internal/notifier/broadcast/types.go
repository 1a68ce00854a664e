// Package broadcast fans one run of per-recipient messages out through a
// rate-limited Sender and keeps a bounded status log of recent runs.
package broadcast

import (
	"context"
	"time"

	kit "timetablebot/internal/transport"
)

type Config struct {
	Workers  int
	RetryMax int
}

// Sender delivers one notification synchronously. notifier.Service.Send
// satisfies it and applies the shared rate limit.
type Sender interface {
	Send(ctx context.Context, n kit.Notification) error
}

// Message is one recipient's share of a run.
type Message struct {
	Target  kit.ChatTarget
	Text    string
	Photo   *kit.Photo
	Options *kit.SendOptions
}

type RunStatus struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Total     int       `json:"total"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	Blocked   int       `json:"blocked"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
	DoneAt    time.Time `json:"done_at,omitzero"`
}

func (r RunStatus) Done() int { return r.Sent + r.Failed + r.Blocked }
