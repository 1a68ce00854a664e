package render

import (
	"context"
	"slices"
	"sync"

	"timetablebot/pkg/logx"
)

// AdmissionConfig defaults: BaseMax 4, GrowAfter 20, ShrinkAt [3 5 7].
type AdmissionConfig struct {
	BaseMax   int
	GrowAfter int
	ShrinkAt  []int
}

func (c AdmissionConfig) withDefaults() AdmissionConfig {
	if c.BaseMax <= 0 {
		c.BaseMax = 4
	}
	if c.GrowAfter <= 0 {
		c.GrowAfter = 20
	}
	if len(c.ShrinkAt) == 0 {
		c.ShrinkAt = []int{3, 5, 7}
	}
	return c
}

// Admission limits concurrent jobs to a ceiling in [1, BaseMax].
//
// The ceiling halves when the failure streak hits one of ShrinkAt exactly,
// and grows by one after GrowAfter consecutive successes.
type Admission struct {
	cfg AdmissionConfig
	log logx.Logger

	mu            sync.Mutex
	cond          *sync.Cond
	inFlight      int
	ceiling       int
	successStreak int
	errorStreak   int
	waiting       int
	peak          int
	shrinks       uint64
	grows         uint64
}

// AdmissionSnapshot is a consistent view taken under the admission lock.
type AdmissionSnapshot struct {
	InFlight      int    `json:"in_flight"`
	Ceiling       int    `json:"ceiling"`
	BaseMax       int    `json:"base_max"`
	SuccessStreak int    `json:"success_streak"`
	ErrorStreak   int    `json:"error_streak"`
	Waiting       int    `json:"waiting"`
	PeakInFlight  int    `json:"peak_in_flight"`
	Shrinks       uint64 `json:"shrinks"`
	Grows         uint64 `json:"grows"`
}

func NewAdmission(cfg AdmissionConfig, log logx.Logger) *Admission {
	cfg = cfg.withDefaults()
	a := &Admission{cfg: cfg, log: log, ceiling: cfg.BaseMax}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Acquire blocks until a slot is free or ctx is done.
func (a *Admission) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		a.mu.Lock()
		a.cond.Broadcast()
		a.mu.Unlock()
	})
	defer stop()

	a.mu.Lock()
	defer a.mu.Unlock()
	for a.inFlight >= a.ceiling {
		if err := ctx.Err(); err != nil {
			return err
		}
		a.waiting++
		a.cond.Wait()
		a.waiting--
	}
	// A waiter woken by a release may find its own context already done.
	if err := ctx.Err(); err != nil {
		return err
	}
	a.inFlight++
	if a.inFlight > a.peak {
		a.peak = a.inFlight
	}
	return nil
}

func (a *Admission) Release() {
	a.mu.Lock()
	if a.inFlight > 0 {
		a.inFlight--
	}
	a.cond.Broadcast()
	a.mu.Unlock()
}

func (a *Admission) ReportSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.successStreak++
	a.errorStreak = 0
	if a.successStreak >= a.cfg.GrowAfter && a.ceiling < a.cfg.BaseMax {
		prev := a.ceiling
		a.ceiling++
		a.successStreak = 0
		a.grows++
		a.cond.Broadcast()
		a.log.Info("render ceiling raised", logx.Int("from", prev), logx.Int("to", a.ceiling))
	}
}

func (a *Admission) ReportFailure() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errorStreak++
	a.successStreak = 0
	if !slices.Contains(a.cfg.ShrinkAt, a.errorStreak) {
		return
	}
	prev := a.ceiling
	a.ceiling = max(1, a.ceiling/2)
	if a.ceiling != prev {
		a.shrinks++
	}
	a.log.Warn("render ceiling lowered",
		logx.Int("from", prev),
		logx.Int("to", a.ceiling),
		logx.Int("error_streak", a.errorStreak),
	)
}

func (a *Admission) Snapshot() AdmissionSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AdmissionSnapshot{
		InFlight:      a.inFlight,
		Ceiling:       a.ceiling,
		BaseMax:       a.cfg.BaseMax,
		SuccessStreak: a.successStreak,
		ErrorStreak:   a.errorStreak,
		Waiting:       a.waiting,
		PeakInFlight:  a.peak,
		Shrinks:       a.shrinks,
		Grows:         a.grows,
	}
}
