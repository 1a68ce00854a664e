package engine

import (
	"strings"
	"sync"
	"time"
)

// circuitState counts consecutive failed runs of one task. Once the count
// reaches the trip threshold the task is refused for a cooldown that doubles
// with every further failure. A success closes it.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

func (s *circuitStore) get(key string) *circuitState {
	if s == nil {
		return nil
	}
	k := strings.TrimSpace(key)
	if k == "" {
		return nil
	}

	s.mu.Lock()
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[k]
	if st == nil {
		st = &circuitState{}
		s.m[k] = st
	}
	s.mu.Unlock()
	return st
}

// circuitCfg holds effective settings after applying defaults.
type circuitCfg struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
	enabled    bool
}

// effectiveCircuitCfg expects cfg with defaults applied.
func effectiveCircuitCfg(cfg Config, opt TaskOptions) circuitCfg {
	if cfg.CircuitTripFailures < 0 || opt.CircuitTripFailures < 0 {
		return circuitCfg{}
	}
	trip := cfg.CircuitTripFailures
	if opt.CircuitTripFailures > 0 {
		trip = opt.CircuitTripFailures
	}
	return circuitCfg{
		trip:       trip,
		baseDelay:  cfg.CircuitBaseDelay,
		maxDelay:   cfg.CircuitMaxDelay,
		resetAfter: cfg.CircuitResetAfter,
		enabled:    true,
	}
}

func (s *Service) circuitIsOpen(now time.Time, taskKey string, cfg Config, opt TaskOptions) (bool, time.Time) {
	cc := effectiveCircuitCfg(cfg, opt)
	if !cc.enabled {
		return false, time.Time{}
	}
	st := s.circuits.get(taskKey)
	if st == nil {
		return false, time.Time{}
	}

	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()

	st.maybeReset(now, cc.resetAfter)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (s *Service) circuitRecordResult(now time.Time, taskKey string, cfg Config, opt TaskOptions, err error) {
	cc := effectiveCircuitCfg(cfg, opt)
	if !cc.enabled {
		return
	}
	st := s.circuits.get(taskKey)
	if st == nil {
		return
	}

	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()

	st.maybeReset(now, cc.resetAfter)
	if err == nil {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return
	}

	st.fails++
	st.lastFailure = now

	if st.fails < cc.trip {
		return
	}

	d := cc.baseDelay
	for i := cc.trip; i < st.fails && d < cc.maxDelay; i++ {
		d *= 2
	}
	st.openUntil = now.Add(min(d, cc.maxDelay))
}

// maybeReset forgets failures older than resetAfter.
func (st *circuitState) maybeReset(now time.Time, resetAfter time.Duration) {
	if !st.lastFailure.IsZero() && resetAfter > 0 && now.Sub(st.lastFailure) > resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

func (s *Service) circuitSnapshot(now time.Time) (total, open int) {
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	if s.circuits.m == nil {
		return 0, 0
	}
	total = len(s.circuits.m)
	for _, st := range s.circuits.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
