package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"timetablebot/internal/task/engine"
	"timetablebot/pkg/logx"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingEnqueuer) Enqueue(t engine.Task) error {
	r.mu.Lock()
	r.names = append(r.names, t.Name)
	r.mu.Unlock()
	return nil
}

func (r *recordingEnqueuer) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func noop(context.Context) error { return nil }

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		cron  string
		bad   bool
	}{
		{in: "0 20 * * *", kind: SpecCron, cron: "0 20 * * *"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "cron:0 6 * * *", kind: SpecCron, cron: "0 6 * * *"},
		{in: "30m", kind: SpecInterval, every: 30 * time.Minute},
		{in: "02:30", kind: SpecInterval, every: 2*time.Hour + 30*time.Minute},
		{in: "every:1h", kind: SpecInterval, every: time.Hour},
		{in: "interval:00:05", kind: SpecInterval, every: 5 * time.Minute},
		{in: "", bad: true},
		{in: "00:00", bad: true},
		{in: "-5m", bad: true},
		{in: "soon", bad: true},
	}
	for _, tc := range cases {
		ps, err := ParseSchedule(tc.in)
		if tc.bad {
			if err == nil {
				t.Fatalf("ParseSchedule(%q) expected error, got %+v", tc.in, ps)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tc.in, err)
		}
		if ps.Kind != tc.kind || ps.Every != tc.every || ps.Cron != tc.cron {
			t.Fatalf("ParseSchedule(%q)=%+v", tc.in, ps)
		}
	}
}

func TestAddScheduleRejectsBadCron(t *testing.T) {
	s := New(Config{Enabled: true}, &recordingEnqueuer{}, logx.Nop())
	if err := s.AddSchedule("evening", "61 * * * *", 0, noop); err == nil {
		t.Fatalf("expected cron parse error")
	}
	if err := s.AddSchedule("", "@hourly", 0, noop); err == nil {
		t.Fatalf("expected name error")
	}
}

func TestAddScheduleUpsertsByName(t *testing.T) {
	s := New(Config{Enabled: true, Timezone: "UTC"}, &recordingEnqueuer{}, logx.Nop())
	if err := s.AddSchedule("evening", "0 20 * * *", 0, noop); err != nil {
		t.Fatal(err)
	}
	if err := s.AddSchedule("evening", "0 21 * * *", 0, noop); err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer s.Stop()

	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "0 21 * * *" {
		t.Fatalf("schedules=%+v", snap.Schedules)
	}
	if snap.Schedules[0].Next.Hour() != 21 || snap.Timezone != "UTC" {
		t.Fatalf("next=%v tz=%s", snap.Schedules[0].Next, snap.Timezone)
	}
	if !s.Remove("evening") || len(s.Snapshot().Schedules) != 0 {
		t.Fatalf("remove failed")
	}
}

func TestAddOnceFiresOnlyWhileRunning(t *testing.T) {
	rec := &recordingEnqueuer{}
	s := New(Config{Enabled: true}, rec, logx.Nop())
	if err := s.AddOnce("reminder:1:0900", time.Now().Add(-time.Second), 0, noop); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if len(rec.seen()) != 0 {
		t.Fatalf("fired before Start")
	}

	s.Start()
	defer s.Stop()
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.seen()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("once trigger never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := rec.seen(); got[0] != "reminder:1:0900" {
		t.Fatalf("enqueued=%v", got)
	}
	if s.Snapshot().Pending != 0 {
		t.Fatalf("fired trigger still pending")
	}
}

func TestAddOnceReplaceAndRemovePrefix(t *testing.T) {
	rec := &recordingEnqueuer{}
	s := New(Config{Enabled: true}, rec, logx.Nop())
	s.Start()
	defer s.Stop()

	later := time.Now().Add(time.Hour)
	for _, n := range []string{"reminder:1:a", "reminder:1:b", "reminder:2:a"} {
		if err := s.AddOnce(n, later, 0, noop); err != nil {
			t.Fatal(err)
		}
	}
	// replacing keeps one definition
	if err := s.AddOnce("reminder:1:a", later.Add(time.Minute), 0, noop); err != nil {
		t.Fatal(err)
	}
	if s.Snapshot().Pending != 3 {
		t.Fatalf("pending=%d", s.Snapshot().Pending)
	}
	if n := s.RemovePrefix("reminder:1:"); n != 2 {
		t.Fatalf("removed=%d", n)
	}
	if s.Snapshot().Pending != 1 {
		t.Fatalf("pending=%d", s.Snapshot().Pending)
	}
}

func TestIntervalSpreadDelaysFirstRun(t *testing.T) {
	now := time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)
	sched, jitter := intervalWithSpread(10*time.Minute, now, "timetable.check")
	if jitter < 0 || jitter >= maxStartupSpread {
		t.Fatalf("jitter=%v", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(10*time.Minute + jitter); !first.Equal(want) {
		t.Fatalf("first=%v want %v", first, want)
	}
}
