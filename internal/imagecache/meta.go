package imagecache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisMetaPrefix = "image_cache:metadata:"
	redisStatsKey   = "image_cache:stats"

	counterHits    = "hits"
	counterMisses  = "misses"
	counterStored  = "stored"
	counterDeleted = "deleted"
	counterFreed   = "freed_bytes"
)

// Meta describes one cached image.
type Meta struct {
	Key       string    `json:"key"`
	Group     string    `json:"group,omitempty"`
	Path      string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (m Meta) Expired(now time.Time) bool {
	return m.ExpiresAt.IsZero() || now.After(m.ExpiresAt)
}

// MetaStore keeps image metadata and counters apart from the files.
type MetaStore interface {
	Get(ctx context.Context, key string) (Meta, bool, error)
	// Put stores m; the store may drop it after keep.
	Put(ctx context.Context, m Meta, keep time.Duration) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]Meta, error)
	Incr(ctx context.Context, counter string, n int64) error
	Counters(ctx context.Context) (map[string]int64, error)
}

// RedisMeta stores metadata as JSON under image_cache:metadata:{key} and
// counters in the image_cache:stats hash.
type RedisMeta struct {
	rdb *redis.Client
}

func NewRedisMeta(rdb *redis.Client) *RedisMeta { return &RedisMeta{rdb: rdb} }

func (r *RedisMeta) Get(ctx context.Context, key string) (Meta, bool, error) {
	b, err := r.rdb.Get(ctx, redisMetaPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Meta{}, false, nil
	}
	if err != nil {
		return Meta{}, false, err
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		// Unreadable entries are treated as expired.
		return Meta{Key: key}, true, nil
	}
	m.Key = key
	return m, true, nil
}

func (r *RedisMeta) Put(ctx context.Context, m Meta, keep time.Duration) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, redisMetaPrefix+m.Key, b, keep).Err()
}

func (r *RedisMeta) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, redisMetaPrefix+key).Err()
}

func (r *RedisMeta) List(ctx context.Context) ([]Meta, error) {
	var out []Meta
	iter := r.rdb.Scan(ctx, 0, redisMetaPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), redisMetaPrefix)
		m, ok, err := r.Get(ctx, key)
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, m)
		}
	}
	if err := iter.Err(); err != nil {
		return out, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (r *RedisMeta) Incr(ctx context.Context, counter string, n int64) error {
	return r.rdb.HIncrBy(ctx, redisStatsKey, counter, n).Err()
}

func (r *RedisMeta) Counters(ctx context.Context) (map[string]int64, error) {
	raw, err := r.rdb.HGetAll(ctx, redisStatsKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			out[k] = n
		}
	}
	return out, nil
}

// MemoryMeta is the fallback when Redis is disabled. Contents are lost on restart.
type MemoryMeta struct {
	mu       sync.Mutex
	entries  map[string]Meta
	counters map[string]int64
}

func NewMemoryMeta() *MemoryMeta {
	return &MemoryMeta{entries: map[string]Meta{}, counters: map[string]int64{}}
}

func (m *MemoryMeta) Get(_ context.Context, key string) (Meta, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *MemoryMeta) Put(_ context.Context, e Meta, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Key] = e
	return nil
}

func (m *MemoryMeta) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryMeta) List(context.Context) ([]Meta, error) {
	m.mu.Lock()
	out := make([]Meta, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryMeta) Incr(_ context.Context, counter string, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[counter] += n
	return nil
}

func (m *MemoryMeta) Counters(context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out, nil
}
