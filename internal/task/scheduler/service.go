package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"timetablebot/internal/task/engine"
	"timetablebot/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	eng    Enqueuer
	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron
	defs   []scheduleDef

	// One-shot definitions survive Stop and are re-armed by Start.
	omu  sync.Mutex
	once map[string]*onceDef
	seq  uint64

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

func New(cfg Config, eng Enqueuer, log logx.Logger) *Service {
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "scheduler")),
		eng: eng,
		// Both 5-field and 6-field (seconds) specs are accepted.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		once:     map[string]*onceDef{},
		lastWarn: map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Location is the timezone triggers are computed in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc == nil {
		s.loc = s.loadLocationLocked()
	}
	return s.loc
}

// Apply takes a new config; a timezone change re-registers every schedule.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if tzChanged {
		s.loc = s.loadLocationLocked()
		if s.c != nil {
			s.restartLocked()
		}
	}
}

func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.restartLocked()
	s.armOnce()
}

// Stop halts triggering. Registered definitions are kept for the next Start.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	s.omu.Lock()
	for _, d := range s.once {
		if d.timer != nil {
			d.timer.Stop()
			d.timer = nil
		}
	}
	s.omu.Unlock()
	s.log.Info("scheduler stopped")
}

// AddSchedule upserts a recurring trigger by name. spec is a cron
// expression, an interval ("55m", "02:30") or a prefixed form (see ParseSchedule).
func (s *Service) AddSchedule(name, spec string, timeout time.Duration, job Job) error {
	return s.AddScheduleOpt(name, spec, timeout, engine.TaskOptions{}, job)
}

func (s *Service) AddScheduleOpt(name, spec string, timeout time.Duration, opt engine.TaskOptions, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" || job == nil {
		return errors.New("schedule name and job are required")
	}
	ps, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	norm := ps.Cron
	if ps.Kind == SpecInterval {
		norm = "@every " + ps.Every.String()
	} else if _, err := s.parser.Parse(norm); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, scheduleDef{name: name, spec: norm, timeout: timeout, job: job, opt: opt})
	if s.c != nil {
		if err := s.registerLocked(&s.defs[len(s.defs)-1]); err != nil {
			return err
		}
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", norm))
	return nil
}

// AddOnce upserts a one-shot trigger. A time in the past fires immediately.
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" || job == nil || at.IsZero() {
		return errors.New("once: name, time and job are required")
	}
	s.mu.Lock()
	running := s.c != nil
	s.mu.Unlock()

	s.omu.Lock()
	defer s.omu.Unlock()
	if prev := s.once[name]; prev != nil && prev.timer != nil {
		prev.timer.Stop()
	}
	s.seq++
	d := &onceDef{at: at, timeout: timeout, job: job, ver: s.seq}
	s.once[name] = d
	if running {
		s.armLocked(name, d)
	}
	return nil
}

// Remove drops every trigger with this name.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(name)
	s.mu.Unlock()

	s.omu.Lock()
	if d := s.once[name]; d != nil {
		if d.timer != nil {
			d.timer.Stop()
		}
		delete(s.once, name)
		removed = true
	}
	s.omu.Unlock()
	return removed
}

// RemovePrefix drops pending one-shot triggers whose name starts with prefix.
func (s *Service) RemovePrefix(prefix string) int {
	s.omu.Lock()
	defer s.omu.Unlock()
	n := 0
	for name, d := range s.once {
		if strings.HasPrefix(name, prefix) {
			if d.timer != nil {
				d.timer.Stop()
			}
			delete(s.once, name)
			n++
		}
	}
	return n
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Timezone: s.cfg.Timezone}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, d := range s.defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	s.mu.Unlock()

	s.omu.Lock()
	snap.Pending = len(s.once)
	s.omu.Unlock()
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].Name < snap.Schedules[j].Name })
	return snap
}

func (s *Service) removeLocked(name string) bool {
	n, removed := 0, false
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) registerLocked(d *scheduleDef) error {
	def := *d
	job := cron.FuncJob(func() {
		s.enqueue(engine.Task{Name: def.name, Timeout: def.timeout, Run: def.job, Opt: def.opt})
	})
	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		if dur, err := time.ParseDuration(every); err == nil && dur > 0 {
			sched, _ := intervalWithSpread(dur, time.Now().In(s.loc), d.name)
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}
	id, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", d.name, err)
	}
	d.entryID = id
	return nil
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.defs {
		if err := s.registerLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.defs[i].name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) armOnce() {
	s.omu.Lock()
	defer s.omu.Unlock()
	for name, d := range s.once {
		s.armLocked(name, d)
	}
}

// armLocked needs s.omu held.
func (s *Service) armLocked(name string, d *onceDef) {
	ver := d.ver
	d.timer = time.AfterFunc(max(time.Until(d.at), 0), func() {
		s.omu.Lock()
		cur := s.once[name]
		if cur == nil || cur.ver != ver {
			s.omu.Unlock()
			return
		}
		delete(s.once, name)
		s.omu.Unlock()
		s.enqueue(engine.Task{Name: name, Timeout: d.timeout, Run: d.job, Opt: engine.TaskOptions{Overlap: engine.OverlapAllow}})
	})
}

func (s *Service) enqueue(t engine.Task) {
	if s.eng == nil {
		return
	}
	err := s.eng.Enqueue(t)
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", t.Name), logx.Err(err))
		return
	}
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[t.Name]
	throttled := !last.IsZero() && now.Sub(last) < enqueueWarnThrottle
	if !throttled {
		s.lastWarn[t.Name] = now
	}
	s.warnMu.Unlock()
	if !throttled {
		s.log.Warn("schedule failed to enqueue task", logx.String("schedule", t.Name), logx.Err(err))
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
