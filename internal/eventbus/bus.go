// Package eventbus is an in-memory fanout for small lifecycle signals
// (config reloads, schedule changes, render outcomes).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeConfigReloaded  = "config.reloaded"
	TypeScheduleChanged = "schedule.changed"
	TypeRenderFailed    = "render.failed"
	TypeTaskFailed      = "task.failed"
	TypeNotifyFailed    = "notify.failed"
)

// Event is delivered best-effort. Data should stay small.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus never blocks publishers; slow subscribers drop events.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a buffered channel. Unsubscribe closes it.
func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
