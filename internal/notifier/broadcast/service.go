package broadcast

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	kit "timetablebot/internal/transport"
	"timetablebot/pkg/logx"
)

const (
	statusMax = 200
	statusTTL = 7 * 24 * time.Hour
)

type Service struct {
	mu        sync.Mutex
	cfg       Config
	sender    Sender
	log       logx.Logger
	onBlocked func(kit.ChatTarget)

	statusMu sync.RWMutex
	status   map[string]*RunStatus
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    normalize(cfg),
		sender: sender,
		log:    log,
		status: map[string]*RunStatus{},
	}
}

func normalize(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	return cfg
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = normalize(cfg)
	s.mu.Unlock()
}

// OnBlocked registers fn for recipients whose chat refuses messages.
func (s *Service) OnBlocked(fn func(kit.ChatTarget)) {
	s.mu.Lock()
	s.onBlocked = fn
	s.mu.Unlock()
}

// Run delivers msgs and blocks until every recipient was tried or ctx ends.
// Individual failures are counted, not returned.
func (s *Service) Run(ctx context.Context, name string, msgs []Message) (RunStatus, error) {
	s.mu.Lock()
	cfg, onBlocked := s.cfg, s.onBlocked
	s.mu.Unlock()

	now := time.Now()
	st := &RunStatus{ID: uuid.NewString(), Name: name, Total: len(msgs), Running: true, StartedAt: now}
	s.statusMu.Lock()
	s.pruneLocked(now)
	s.status[st.ID] = st
	s.statusMu.Unlock()

	log := s.log.With(logx.String("run", st.ID), logx.String("name", name))
	log.Info("broadcast started", logx.Int("total", len(msgs)), logx.Int("workers", cfg.Workers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for _, m := range msgs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			err := s.sendOne(gctx, cfg, m)
			blocked := errors.Is(err, kit.ErrForbidden)
			s.statusMu.Lock()
			switch {
			case err == nil:
				st.Sent++
			case blocked:
				st.Blocked++
			default:
				st.Failed++
			}
			s.statusMu.Unlock()
			if blocked && onBlocked != nil {
				onBlocked(m.Target)
			}
			if err != nil && !blocked && gctx.Err() == nil {
				log.Warn("broadcast send failed", logx.Int64("chat_id", m.Target.ChatID), logx.Err(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	s.statusMu.Lock()
	st.Running = false
	st.DoneAt = time.Now()
	out := *st
	s.statusMu.Unlock()

	fields := []logx.Field{
		logx.Int("total", out.Total),
		logx.Int("sent", out.Sent),
		logx.Int("failed", out.Failed),
		logx.Int("blocked", out.Blocked),
		logx.Duration("dur", out.DoneAt.Sub(out.StartedAt)),
	}
	switch {
	case ctx.Err() != nil:
		log.Warn("broadcast interrupted", fields...)
		return out, ctx.Err()
	case out.Failed > 0:
		log.Warn("broadcast finished with failures", fields...)
	default:
		log.Info("broadcast finished", fields...)
	}
	return out, nil
}

func (s *Service) sendOne(ctx context.Context, cfg Config, m Message) error {
	n := kit.Notification{Channel: "telegram", Target: m.Target, Text: m.Text, Photo: m.Photo, Options: m.Options}
	var err error
	for i := 0; i <= cfg.RetryMax; i++ {
		if err = s.sender.Send(ctx, n); err == nil || errors.Is(err, kit.ErrForbidden) {
			return err
		}
		delay := time.Duration(200+100*i) * time.Millisecond
		var flood *kit.FloodError
		if errors.As(err, &flood) && flood.After > 0 {
			delay = flood.After
		}
		if i == cfg.RetryMax {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

func (s *Service) Status(id string) (RunStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[id]
	if !ok {
		return RunStatus{}, false
	}
	return *st, true
}

// Recent returns up to n runs, newest first.
func (s *Service) Recent(n int) []RunStatus {
	s.statusMu.RLock()
	out := make([]RunStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	s.statusMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// pruneLocked drops finished runs past the TTL, then the oldest finished
// runs beyond statusMax. Running entries are never dropped.
func (s *Service) pruneLocked(now time.Time) {
	for id, st := range s.status {
		if !st.Running && now.Sub(st.DoneAt) > statusTTL {
			delete(s.status, id)
		}
	}
	for len(s.status) >= statusMax {
		var (
			oldID string
			oldAt time.Time
		)
		for id, st := range s.status {
			if st.Running {
				continue
			}
			if oldID == "" || st.StartedAt.Before(oldAt) {
				oldID, oldAt = id, st.StartedAt
			}
		}
		if oldID == "" {
			return
		}
		delete(s.status, oldID)
	}
}
