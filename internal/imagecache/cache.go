// Package imagecache keeps rendered week images on disk with metadata in
// Redis (or memory) and collapses concurrent generation of the same key.
package imagecache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"timetablebot/pkg/logx"
)

const DefaultTTL = 720 * time.Hour

// ErrGenerate is returned when a generator reports failure without an error of its own.
var ErrGenerate = errors.New("image generation failed")

// Generator writes the image for a key to path.
type Generator func(ctx context.Context, path string) error

// Key is "{GROUP}_{weekKey}" with the group upper-cased.
func Key(group, weekKey string) string {
	return strings.ToUpper(strings.TrimSpace(group)) + "_" + weekKey
}

type Cache struct {
	dir  string
	ttl  time.Duration
	meta MetaStore
	log  logx.Logger
	now  func() time.Time

	sf singleflight.Group
}

func New(dir string, ttl time.Duration, meta MetaStore, log logx.Logger) (*Cache, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("image cache dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if meta == nil {
		meta = NewMemoryMeta()
	}
	return &Cache{
		dir:  dir,
		ttl:  ttl,
		meta: meta,
		log:  log.With(logx.String("comp", "imagecache")),
		now:  time.Now,
	}, nil
}

func (c *Cache) Dir() string { return c.dir }

func (c *Cache) Path(key string) string { return filepath.Join(c.dir, key+".png") }

// Lookup returns the file of a live entry. Expired entries and entries whose
// file vanished are removed.
func (c *Cache) Lookup(ctx context.Context, key string) (string, bool) {
	m, ok, err := c.meta.Get(ctx, key)
	if err != nil {
		c.log.Warn("image cache metadata read failed", logx.String("key", key), logx.Err(err))
		return "", false
	}
	if !ok {
		return "", false
	}
	if m.Expired(c.now()) {
		c.remove(ctx, key)
		return "", false
	}
	path := c.Path(key)
	if _, err := os.Stat(path); err != nil {
		c.log.Warn("cached image missing on disk", logx.String("key", key), logx.String("path", path))
		c.remove(ctx, key)
		return "", false
	}
	return path, true
}

// GetOrCreate returns the cached image for key, generating it at most once
// across concurrent callers. Generation is not tied to any single caller's
// context; ctx only bounds the wait.
func (c *Cache) GetOrCreate(ctx context.Context, key string, gen Generator) (path string, hit bool, err error) {
	if p, ok := c.Lookup(ctx, key); ok {
		c.count(ctx, counterHits)
		return p, true, nil
	}
	c.count(ctx, counterMisses)

	ch := c.sf.DoChan(key, func() (any, error) {
		gctx := context.WithoutCancel(ctx)
		// Another flight may have finished between the lookup and here.
		if p, ok := c.Lookup(gctx, key); ok {
			return p, nil
		}
		return c.generate(gctx, key, gen)
	})
	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return "", false, r.Err
		}
		return r.Val.(string), false, nil
	}
}

func (c *Cache) generate(ctx context.Context, key string, gen Generator) (string, error) {
	path := c.Path(key)
	start := c.now()
	if err := gen(ctx, path); err != nil {
		return "", fmt.Errorf("generate %s: %w", key, err)
	}
	st, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("generate %s: %w", key, err)
	}
	now := c.now()
	group, _, _ := strings.Cut(key, "_")
	m := Meta{
		Key:       key,
		Group:     group,
		Path:      path,
		SizeBytes: st.Size(),
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}
	// The store keeps metadata an hour past expiry so cleanup still sees it.
	if err := c.meta.Put(ctx, m, c.ttl+time.Hour); err != nil {
		c.log.Warn("image cache metadata write failed", logx.String("key", key), logx.Err(err))
	}
	c.count(ctx, counterStored)
	c.log.Info("image cached",
		logx.String("key", key),
		logx.Int64("bytes", st.Size()),
		logx.Duration("dur", now.Sub(start)),
	)
	return path, nil
}

// Invalidate drops one entry and its file.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.remove(ctx, key)
}

// InvalidateGroup drops every entry of group, including files without metadata.
func (c *Cache) InvalidateGroup(ctx context.Context, group string) (int, error) {
	prefix := Key(group, "")
	removed := map[string]bool{}

	metas, err := c.meta.List(ctx)
	if err != nil {
		return 0, err
	}
	for _, m := range metas {
		if strings.HasPrefix(m.Key, prefix) {
			c.remove(ctx, m.Key)
			removed[m.Key] = true
		}
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return len(removed), err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".png") {
			continue
		}
		key := strings.TrimSuffix(name, ".png")
		if !removed[key] {
			c.remove(ctx, key)
			removed[key] = true
		}
	}
	if len(removed) > 0 {
		c.log.Info("image cache invalidated", logx.String("group", group), logx.Int("entries", len(removed)))
	}
	return len(removed), nil
}

// CleanupReport summarizes one CleanupExpired pass.
type CleanupReport struct {
	Files int   `json:"cleaned_files"`
	Bytes int64 `json:"cleaned_size_bytes"`
}

// CleanupExpired removes entries past their expiry.
func (c *Cache) CleanupExpired(ctx context.Context) (CleanupReport, error) {
	var rep CleanupReport
	metas, err := c.meta.List(ctx)
	if err != nil {
		return rep, err
	}
	now := c.now()
	for _, m := range metas {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if !m.Expired(now) {
			continue
		}
		c.remove(ctx, m.Key)
		rep.Files++
		rep.Bytes += m.SizeBytes
	}
	if rep.Files > 0 {
		if err := c.meta.Incr(ctx, counterFreed, rep.Bytes); err != nil {
			c.log.Debug("image cache counter failed", logx.Err(err))
		}
		c.log.Info("image cache cleaned", logx.Int("files", rep.Files), logx.Int64("bytes", rep.Bytes))
	}
	return rep, nil
}

// Stats is a diagnostics view of the cache.
type Stats struct {
	Files      int           `json:"total_files"`
	SizeBytes  int64         `json:"total_size_bytes"`
	Hits       int64         `json:"total_hits"`
	Misses     int64         `json:"total_misses"`
	Stored     int64         `json:"stored"`
	Deleted    int64         `json:"deleted"`
	FreedBytes int64         `json:"freed_bytes"`
	Dir        string        `json:"cache_dir"`
	TTL        time.Duration `json:"ttl"`
}

func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Dir: c.dir, TTL: c.ttl}
	metas, err := c.meta.List(ctx)
	if err != nil {
		return st, err
	}
	for _, m := range metas {
		st.Files++
		st.SizeBytes += m.SizeBytes
	}
	counters, err := c.meta.Counters(ctx)
	if err != nil {
		return st, err
	}
	st.Hits = counters[counterHits]
	st.Misses = counters[counterMisses]
	st.Stored = counters[counterStored]
	st.Deleted = counters[counterDeleted]
	st.FreedBytes = counters[counterFreed]
	return st, nil
}

func (c *Cache) remove(ctx context.Context, key string) {
	if err := os.Remove(c.Path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.Warn("cached image not removed", logx.String("key", key), logx.Err(err))
	}
	if err := c.meta.Delete(ctx, key); err != nil {
		c.log.Warn("image cache metadata delete failed", logx.String("key", key), logx.Err(err))
	}
	c.count(ctx, counterDeleted)
}

func (c *Cache) count(ctx context.Context, counter string) {
	if err := c.meta.Incr(ctx, counter, 1); err != nil {
		c.log.Debug("image cache counter failed", logx.String("counter", counter), logx.Err(err))
	}
}
