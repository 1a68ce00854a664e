package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"timetablebot/internal/eventbus"
	"timetablebot/internal/runtime/supervisor"
	"timetablebot/internal/storage"
	kit "timetablebot/internal/transport"
	"timetablebot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const (
	sendTimeout = 30 * time.Second
	// maxFloodWait caps a server retry_after hint.
	maxFloodWait = time.Minute
	historySize  = 300
)

type job struct {
	n   kit.Notification
	key string
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Service is safe for concurrent use.
type Service struct {
	mu        sync.Mutex
	log       logx.Logger
	adapter   kit.Adapter
	bus       eventbus.Bus
	store     storage.Store
	forbidden ForbiddenFunc

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	inflight  sync.WaitGroup // Notify calls between the accepting check and the queue send
	queue     chan job
	persistCh chan dedupWrite
	sup       *supervisor.Supervisor
	stopDone  chan struct{}

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	queued, sent, failed, deduped, dropped, forbiddenN atomic.Uint64

	now func() time.Time
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		adapter: adapter,
		log:     log,
		bus:     bus,
		store:   store,
		dedup:   map[string]time.Time{},
		now:     time.Now,
	}
	s.applyLocked(cfg)
	return s
}

// OnForbidden registers fn for chats that blocked the bot. Call before Start.
func (s *Service) OnForbidden(fn ForbiddenFunc) {
	s.mu.Lock()
	s.forbidden = fn
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply swaps rate, retry and dedup settings in place. Worker count and
// queue size take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
		return
	}
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.limiter.SetBurst(cfg.RatePerSec)
}

// Limiter is the shared send budget; broadcast runs draw from it too.
func (s *Service) Limiter() *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limiter
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if done := s.stopDone; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.queue = make(chan job, cfg.QueueSize)
	s.accepting = true
	if cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		supervisor.WithCancelOnError(false),
	)
	sup, q, pch := s.sup, s.queue, s.persistCh
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			return s.exitErr(c, s.persistLoop(c, pch))
		}, supervisor.WithPublishFirstError(true))
	}
	for i := range cfg.Workers {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			return s.exitErr(c, s.workerLoop(c, q))
		}, supervisor.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize), logx.Int("rate", cfg.RatePerSec))
}

// exitErr turns a loop return into a restart decision: closed channels while
// stopping are clean, anything else restarts.
func (s *Service) exitErr(ctx context.Context, closed bool) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if closed {
		return errors.New("channel closed while running")
	}
	return errors.New("loop exited unexpectedly")
}

// Stop stops intake and drains the queue until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, pch, sup := s.queue, s.persistCh, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if done := s.stopDone; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.inflight.Wait()
		close(q)
		if pch != nil {
			close(pch)
		}
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue, s.persistCh, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		s.log.Warn("notifier stop deadline; pending notifications dropped", logx.Int("pending", len(q)))
	}
}

// Notify queues n without blocking.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	return s.enqueue(ctx, n, false)
}

// NotifyWait queues n, waiting for queue space until ctx ends.
func (s *Service) NotifyWait(ctx context.Context, n kit.Notification) error {
	return s.enqueue(ctx, n, true)
}

func (s *Service) enqueue(ctx context.Context, n kit.Notification, wait bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.Text == "" && n.Photo == nil {
		return errors.New("notification has neither text nor photo")
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	cfg := s.cfg
	pch := s.persistCh
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	key := dedupKey(n)
	if cfg.DedupWindow > 0 && !s.dedupAllow(ctx, key, cfg, pch) {
		s.deduped.Add(1)
		s.log.Debug("notification deduped", logx.String("key", key), logx.Int64("chat_id", n.Target.ChatID))
		return nil
	}

	j := job{n: n, key: key}
	if wait {
		select {
		case q <- j:
			s.queued.Add(1)
			return nil
		case <-ctx.Done():
			s.dropped.Add(1)
			return ctx.Err()
		}
	}
	select {
	case q <- j:
		s.queued.Add(1)
		return nil
	default:
		s.dropped.Add(1)
		return ErrQueueFull
	}
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	ql := 0
	if s.queue != nil {
		ql = len(s.queue)
	}
	s.mu.Unlock()
	return Stats{
		Queued:    s.queued.Load(),
		Sent:      s.sent.Load(),
		Failed:    s.failed.Load(),
		Deduped:   s.deduped.Load(),
		Dropped:   s.dropped.Load(),
		Forbidden: s.forbiddenN.Load(),
		QueueLen:  ql,
	}
}

// History returns recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) record(h HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, h)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

// persistLoop reports true when pch was closed.
func (s *Service) persistLoop(ctx context.Context, pch <-chan dedupWrite) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case w, ok := <-pch:
			if !ok {
				return true
			}
			cctx, cancel := context.WithTimeout(ctx, time.Second)
			if err := s.store.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.String("key", w.key), logx.Err(err))
			}
			cancel()
		}
	}
}

// workerLoop reports true when q was closed.
func (s *Service) workerLoop(ctx context.Context, q <-chan job) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case j, ok := <-q:
			if !ok {
				return true
			}
			s.deliver(ctx, j)
		}
	}
}

// Send delivers n synchronously under the shared rate limit.
// It is the single path for queued and broadcast sends.
func (s *Service) Send(ctx context.Context, n kit.Notification) error {
	s.mu.Lock()
	lim, ad := s.limiter, s.adapter
	s.mu.Unlock()
	if ad == nil {
		return errors.New("notifier has no adapter")
	}
	if err := lim.Wait(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if n.Photo != nil {
		p := *n.Photo
		if p.Caption == "" {
			p.Caption = n.Text
		}
		_, err := ad.SendPhoto(cctx, n.Target, p, n.Options)
		return err
	}
	_, err := ad.SendText(cctx, n.Target, prefixForPriority(n.Priority)+n.Text, n.Options)
	return err
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	onForbidden := s.forbidden
	s.mu.Unlock()

	kind := "text"
	if j.n.Photo != nil {
		kind = "photo"
	}
	maxAttempts := 1 + cfg.RetryMax

	var (
		err     error
		attempt int
	)
	for attempt = 1; attempt <= maxAttempts; attempt++ {
		err = s.Send(ctx, j.n)
		if err == nil {
			s.sent.Add(1)
			s.record(HistoryItem{At: s.now(), ChatID: j.n.Target.ChatID, Kind: kind, Text: j.n.Text})
			return
		}
		if ctx.Err() != nil || errors.Is(err, kit.ErrForbidden) || attempt == maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt, err)
		s.log.Debug("notify send failed; retrying", logx.Int64("chat_id", j.n.Target.ChatID), logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(err))
		if !sleep(ctx, delay) {
			break
		}
	}
	attempt = min(attempt, maxAttempts)

	forbidden := errors.Is(err, kit.ErrForbidden)
	s.failed.Add(1)
	if forbidden {
		s.forbiddenN.Add(1)
		if onForbidden != nil {
			onForbidden(j.n.Target)
		}
	}
	s.record(HistoryItem{At: s.now(), ChatID: j.n.Target.ChatID, Kind: kind, Text: j.n.Text, Error: err.Error()})
	s.log.Warn("notification failed",
		logx.Int64("chat_id", j.n.Target.ChatID),
		logx.Int("attempts", attempt),
		logx.Bool("forbidden", forbidden),
		logx.Err(err),
	)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyFailed, Data: FailedEvent{
			ChatID:    j.n.Target.ChatID,
			Key:       j.key,
			Attempts:  attempt,
			Forbidden: forbidden,
			Error:     err.Error(),
		}})
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	default:
		return ""
	}
}

func dedupKey(n kit.Notification) string {
	if n.DedupKey != "" {
		return n.DedupKey
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d:%d:%d|", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Priority)
	h.Write([]byte(n.Text))
	if n.Photo != nil {
		h.Write([]byte{0})
		h.Write([]byte(n.Photo.Path))
	}
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupAllow reports whether key may be sent now and, if so, opens a new window.
func (s *Service) dedupAllow(ctx context.Context, key string, cfg Config, pch chan<- dedupWrite) bool {
	now := s.now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > cfg.DedupMaxEntries {
		evictEarliest(s.dedup)
	}
	s.dmu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

func evictEarliest(m map[string]time.Time) {
	var (
		minKey string
		minT   time.Time
	)
	for k, t := range m {
		if minKey == "" || t.Before(minT) {
			minKey, minT = k, t
		}
	}
	delete(m, minKey)
}

// retryDelay is the wait before attempt+1. A flood hint from the server wins
// over the exponential step.
func retryDelay(cfg Config, attempt int, err error) time.Duration {
	var flood *kit.FloodError
	if errors.As(err, &flood) && flood.After > 0 {
		return min(flood.After, maxFloodWait)
	}
	d := cfg.RetryBase << (attempt - 1)
	if d <= 0 || d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
