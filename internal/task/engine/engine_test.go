package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"timetablebot/internal/eventbus"
	"timetablebot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func fastRetry() TaskOptions {
	return TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}
}

func TestRetriesUntilSuccess(t *testing.T) {
	s := startEngine(t, Config{RetryMax: 3})
	var calls atomic.Int32
	err := s.Enqueue(Task{Name: "flaky", Opt: fastRetry(), Run: func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("boom")
		}
		return nil
	}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	h := s.Snapshot().History[0]
	if h.Error != "" || h.Attempts != 3 || calls.Load() != 3 {
		t.Fatalf("history=%+v calls=%d", h, calls.Load())
	}
}

func TestNoRetryStopsImmediately(t *testing.T) {
	s := startEngine(t, Config{RetryMax: 5})
	var calls atomic.Int32
	_ = s.Enqueue(Task{Name: "bad", Opt: fastRetry(), Run: func(context.Context) error {
		calls.Add(1)
		return NoRetry(errors.New("unknown group"))
	}})
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	h := s.Snapshot().History[0]
	if calls.Load() != 1 || h.Error != "unknown group" {
		t.Fatalf("calls=%d history=%+v", calls.Load(), h)
	}
}

func TestPanicBecomesError(t *testing.T) {
	s := startEngine(t, Config{})
	_ = s.Enqueue(Task{Name: "panics", Opt: TaskOptions{RetryMax: -1}, Run: func(context.Context) error {
		panic("kaboom")
	}})
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	if h := s.Snapshot().History[0]; h.Error != "panic: kaboom" {
		t.Fatalf("history=%+v", h)
	}
}

func TestOverlapSkip(t *testing.T) {
	s := startEngine(t, Config{Workers: 2})
	release := make(chan struct{})
	run := func(context.Context) error { <-release; return nil }

	if err := s.Enqueue(Task{Name: "evening", Run: run}); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := s.Enqueue(Task{Name: "evening", Run: run}); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second err=%v", err)
	}
	if err := s.Enqueue(Task{Name: "evening", Opt: TaskOptions{Overlap: OverlapAllow}, Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("allow: %v", err)
	}
	close(release)
	// the gate opens again once the first run is done
	waitFor(t, func() bool { return s.Enqueue(Task{Name: "evening", Run: run}) == nil })
}

func TestCircuitOpensAfterTrip(t *testing.T) {
	s := startEngine(t, Config{CircuitTripFailures: 2, CircuitBaseDelay: time.Hour})
	fail := Task{Name: "monitor", Opt: TaskOptions{RetryMax: -1}, Run: func(context.Context) error { return errors.New("feed down") }}

	for i := 0; i < 2; i++ {
		if err := s.Enqueue(fail); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		n := i + 1
		waitFor(t, func() bool { return len(s.Snapshot().History) == n })
	}
	if err := s.Enqueue(fail); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err=%v want circuit open", err)
	}
	if snap := s.Snapshot(); snap.CircuitOpen != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestDisabledAndStopped(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v", err)
	}
	s = New(Config{Enabled: true}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v", err)
	}
	if err := s.Enqueue(Task{Name: " "}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestBackoffDelay(t *testing.T) {
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.0001}
	cases := []struct {
		attempt int
		err     error
		want    time.Duration
	}{
		{1, errors.New("x"), 100 * time.Millisecond},
		{3, errors.New("x"), 400 * time.Millisecond},
		{10, errors.New("x"), time.Second},
		{1, RetryAfter(errors.New("429"), 700*time.Millisecond), 700 * time.Millisecond},
		{1, RetryAfter(errors.New("429"), time.Minute), time.Second},
	}
	for _, tc := range cases {
		got := backoffDelay(opt, tc.attempt, tc.err)
		if diff := got - tc.want; diff < -time.Millisecond || diff > time.Millisecond {
			t.Fatalf("attempt %d: got %v want ~%v", tc.attempt, got, tc.want)
		}
	}
}
