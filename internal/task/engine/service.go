package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"timetablebot/internal/eventbus"
	"timetablebot/internal/runtime/supervisor"
	"timetablebot/pkg/logx"
)

const (
	TypeTaskStarted  = "task.started"
	TypeTaskFinished = "task.finished"
	TypeTaskSkipped  = "task.skipped"
	TypeTaskDropped  = "task.dropped"

	warnThrottleEvery = 5 * time.Second
)

// Service executes scheduled work (broadcasts, change checks, cleanups) on a
// fixed worker pool with retries and a per-task circuit breaker.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	sup      *supervisor.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	gatesMu sync.Mutex
	gates   map[string]*runGate

	circuits circuitStore

	hmu     sync.Mutex
	history []HistoryItem

	inFlight         atomic.Int32
	dropped          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64
	lastDropWarn     atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	gate       *runGate
}

func (qt queuedTask) releaseGate() {
	if qt.gate != nil {
		qt.gate.release()
	}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:   cfg.withDefaults(),
		log:   log.With(logx.String("comp", "taskengine")),
		bus:   bus,
		gates: map[string]*runGate{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor is nil while the engine is stopped.
func (s *Service) Supervisor() *supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply swaps the config; a pool size change restarts the workers.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize):
		s.Stop(ctx)
		s.Start(ctx)
	case !running && cfg.Enabled:
		s.Start(ctx)
	}
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.stopCh != nil {
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		supervisor.WithCancelOnError(false),
	)
	queue, stopCh, sup := s.q, s.stopCh, s.sup

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(ctx context.Context) error {
			s.worker(ctx, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, supervisor.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop cancels the workers and waits for them until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		// Tasks still queued never ran; free their gates.
		for {
			select {
			case qt := <-s.q:
				qt.releaseGate()
				continue
			default:
			}
			break
		}
		s.q, s.stopCh, s.stopDone, s.sup = nil, nil, nil, nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue queues t without blocking; a full queue drops it.
func (s *Service) Enqueue(t Task) error { return s.enqueue(context.Background(), t, false) }

// Submit blocks until t is queued, ctx is done, or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error { return s.enqueue(ctx, t, true) }

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	s.mu.Lock()
	cfg, q, stopCh, stopping := s.cfg, s.q, s.stopCh, s.stopDone != nil
	s.mu.Unlock()
	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case q == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	now := time.Now()
	opt := t.Opt.withDefaults(cfg)
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	if open, until := s.circuitIsOpen(now, t.Name, cfg, opt); open {
		s.publish(TypeTaskSkipped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "circuit_open"})
		s.log.Debug("task skipped: circuit open", logx.String("task", t.Name), logx.Time("until", until))
		s.record(cfg, HistoryItem{ID: t.ID, Name: t.Name, Started: now, Error: "circuit_open"})
		return ErrCircuitOpen
	}

	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: opt}
	if opt.Overlap == OverlapSkipIfRunning {
		g := s.gateFor(t.Name)
		if !g.tryAcquire() {
			s.publish(TypeTaskSkipped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped: still running", logx.String("task", t.Name))
			return ErrOverlapSkip
		}
		qt.gate = g
	}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			qt.releaseGate()
			s.onDropped(&s.droppedQueueFull, "queue_full", t, 0)
			return ErrQueueFull
		}
	}
	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		qt.releaseGate()
		return ctx.Err()
	case <-stopCh:
		qt.releaseGate()
		return ErrStopping
	}
}

func (s *Service) gateFor(name string) *runGate {
	s.gatesMu.Lock()
	defer s.gatesMu.Unlock()
	g := s.gates[name]
	if g == nil {
		g = &runGate{}
		s.gates[name] = g
	}
	return g
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()

	s.hmu.Lock()
	h := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		Dropped:          s.dropped.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		History:          h,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	snap.CircuitTotal, snap.CircuitOpen = s.circuitSnapshot(time.Now())
	return snap
}

func (s *Service) record(cfg Config, item HistoryItem) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if n := len(s.history) - cfg.HistorySize; n > 0 {
		s.history = append(s.history[:0:0], s.history[n:]...)
	}
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Service) onDropped(counter *atomic.Uint64, reason string, t Task, queueDelay time.Duration) {
	s.dropped.Add(1)
	counter.Add(1)
	s.publish(TypeTaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: time.Now(), Error: reason})

	now := time.Now().UnixNano()
	prev := s.lastDropWarn.Load()
	if prev != 0 && now-prev < int64(warnThrottleEvery) {
		return
	}
	if s.lastDropWarn.CompareAndSwap(prev, now) {
		s.log.Warn("task dropped",
			logx.String("task", t.Name),
			logx.String("reason", reason),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped", s.dropped.Load()),
		)
	}
}
