package timetable

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"timetablebot/pkg/logx"
)

// ErrNoSnapshot is returned by a SnapshotCache that holds nothing yet.
var ErrNoSnapshot = errors.New("no timetable snapshot")

// SnapshotCache persists the last raw feed so a restart can serve without the source.
type SnapshotCache interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, raw []byte) error
}

const redisSnapshotKey = "timetable:snapshot"

// RedisSnapshotCache keeps the raw feed under a single key.
type RedisSnapshotCache struct {
	rdb *redis.Client
	key string
}

func NewRedisSnapshotCache(rdb *redis.Client) *RedisSnapshotCache {
	return &RedisSnapshotCache{rdb: rdb, key: redisSnapshotKey}
}

func (c *RedisSnapshotCache) Load(ctx context.Context) ([]byte, error) {
	b, err := c.rdb.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSnapshot
	}
	return b, err
}

func (c *RedisSnapshotCache) Save(ctx context.Context, raw []byte) error {
	return c.rdb.Set(ctx, c.key, raw, 0).Err()
}

// FileSnapshotCache is used when Redis is disabled.
type FileSnapshotCache struct {
	Path string
}

func (c FileSnapshotCache) Load(context.Context) ([]byte, error) {
	b, err := os.ReadFile(c.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	return b, err
}

func (c FileSnapshotCache) Save(_ context.Context, raw []byte) error {
	if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
		return err
	}
	tmp := c.Path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.Path)
}

// Holder publishes the current timetable to concurrent readers.
type Holder struct {
	cur           atomic.Pointer[Timetable]
	cache         SnapshotCache
	semesterStart time.Time
	log           logx.Logger
}

// NewHolder creates an empty holder. semesterStart, when non-zero, overrides the feed's period.
func NewHolder(cache SnapshotCache, semesterStart time.Time, log logx.Logger) *Holder {
	return &Holder{cache: cache, semesterStart: semesterStart, log: log.With(logx.String("comp", "timetable"))}
}

// Current returns the latest timetable or nil before the first load.
func (h *Holder) Current() *Timetable { return h.cur.Load() }

// Restore loads the cached snapshot, if any.
func (h *Holder) Restore(ctx context.Context) error {
	if h.cache == nil {
		return ErrNoSnapshot
	}
	raw, err := h.cache.Load(ctx)
	if err != nil {
		return err
	}
	tt, err := Parse(raw)
	if err != nil {
		return fmt.Errorf("cached snapshot: %w", err)
	}
	h.store(tt)
	h.log.Info("timetable restored from cache", logx.String("hash", tt.Hash), logx.Int("groups", len(tt.Groups)))
	return nil
}

// Swap parses raw and, if it differs from the current hash, publishes it.
// It returns the previous and new timetables; changed is false when the hash matched.
func (h *Holder) Swap(ctx context.Context, raw []byte) (prev, next *Timetable, changed bool, err error) {
	next, err = Parse(raw)
	if err != nil {
		return nil, nil, false, err
	}
	next = h.applyOverrides(next)
	prev = h.cur.Load()
	if prev != nil && prev.Hash == next.Hash {
		return prev, prev, false, nil
	}
	h.cur.Store(next)
	if h.cache != nil {
		if err := h.cache.Save(ctx, raw); err != nil {
			h.log.Warn("timetable snapshot not saved", logx.Err(err))
		}
	}
	return prev, next, true, nil
}

func (h *Holder) store(tt *Timetable) {
	h.cur.Store(h.applyOverrides(tt))
}

func (h *Holder) applyOverrides(tt *Timetable) *Timetable {
	if !h.semesterStart.IsZero() {
		return tt.WithSemesterStart(h.semesterStart)
	}
	return tt
}
