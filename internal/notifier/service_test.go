package notifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"timetablebot/internal/eventbus"
	kit "timetablebot/internal/transport"
	"timetablebot/pkg/logx"
)

func testConfig() Config {
	return Config{
		Enabled:    true,
		Workers:    1,
		QueueSize:  16,
		RatePerSec: 1000,
		RetryMax:   2,
		RetryBase:  time.Millisecond,
	}
}

func startService(t *testing.T, cfg Config, ad kit.Adapter, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, ad, logx.Nop(), bus, nil)
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

func TestNotifySendsTextAndPhoto(t *testing.T) {
	ad := &fakeAdapter{}
	s := startService(t, testConfig(), ad, nil)
	ctx := context.Background()
	to := kit.ChatTarget{ChatID: 7}

	if err := s.Notify(ctx, kit.Notification{Target: to, Text: "hello", Priority: 7}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := s.Notify(ctx, kit.Notification{Target: to, Text: "caption", Photo: &kit.Photo{Path: "/tmp/x.png"}}); err != nil {
		t.Fatalf("Notify photo: %v", err)
	}
	waitFor(t, func() bool { return s.Stats().Sent == 2 })

	texts, photos, _ := ad.snapshot()
	if len(texts) != 1 || texts[0] != "⚠️ hello" {
		t.Fatalf("texts=%q", texts)
	}
	if len(photos) != 1 || photos[0].Caption != "caption" || photos[0].Path != "/tmp/x.png" {
		t.Fatalf("photos=%+v", photos)
	}
	if h := s.History(); len(h) != 2 || h[1].Kind != "photo" {
		t.Fatalf("history=%+v", h)
	}
}

func TestNotifyRetriesTransientErrors(t *testing.T) {
	ad := &fakeAdapter{script: func(call int) error {
		if call < 3 {
			return errors.New("bad gateway")
		}
		return nil
	}}
	s := startService(t, testConfig(), ad, nil)
	if err := s.Notify(context.Background(), kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "x"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool { return s.Stats().Sent == 1 })
	if _, _, calls := ad.snapshot(); calls != 3 {
		t.Fatalf("calls=%d want 3", calls)
	}
}

func TestForbiddenIsNotRetried(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	ad := &fakeAdapter{script: func(int) error { return errors.Join(kit.ErrForbidden, errors.New("blocked")) }}
	s := New(testConfig(), ad, logx.Nop(), bus, nil)
	blocked := make(chan int64, 1)
	s.OnForbidden(func(to kit.ChatTarget) { blocked <- to.ChatID })
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), kit.Notification{Target: kit.ChatTarget{ChatID: 42}, Text: "x"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	select {
	case id := <-blocked:
		if id != 42 {
			t.Fatalf("blocked chat %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("OnForbidden not called")
	}
	select {
	case e := <-ch:
		fe, ok := e.Data.(FailedEvent)
		if e.Type != eventbus.TypeNotifyFailed || !ok || !fe.Forbidden || fe.Attempts != 1 {
			t.Fatalf("event=%+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no failure event")
	}
	if _, _, calls := ad.snapshot(); calls != 1 {
		t.Fatalf("calls=%d want 1", calls)
	}
}

func TestDedupWindow(t *testing.T) {
	cfg := testConfig()
	cfg.DedupWindow = time.Hour
	ad := &fakeAdapter{}
	s := startService(t, cfg, ad, nil)
	ctx := context.Background()

	n := kit.Notification{Channel: "telegram", Target: kit.ChatTarget{ChatID: 1}, Text: "same"}
	for range 3 {
		if err := s.Notify(ctx, n); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	// An explicit key wins over the content hash.
	keyed := kit.Notification{Channel: "telegram", Target: kit.ChatTarget{ChatID: 1}, Text: "other", DedupKey: "k"}
	_ = s.Notify(ctx, keyed)
	keyed.Text = "changed"
	_ = s.Notify(ctx, keyed)

	waitFor(t, func() bool { return s.Stats().Sent == 2 })
	if st := s.Stats(); st.Deduped != 3 {
		t.Fatalf("deduped=%d want 3", st.Deduped)
	}
}

func TestNotifyStates(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, &fakeAdapter{}, logx.Nop(), nil, nil)
	if err := s.Notify(context.Background(), kit.Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v want ErrDisabled", err)
	}

	s = New(testConfig(), &fakeAdapter{}, logx.Nop(), nil, nil)
	if err := s.Notify(context.Background(), kit.Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v want ErrStopped", err)
	}
	s.Start(context.Background())
	if err := s.Notify(context.Background(), kit.Notification{}); err == nil {
		t.Fatalf("empty notification accepted")
	}
	s.Stop(context.Background())
	if err := s.Notify(context.Background(), kit.Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("after stop err=%v", err)
	}
}

func TestNotifyWaitBlocksUntilCtx(t *testing.T) {
	release := make(chan struct{})
	ad := &fakeAdapter{script: func(int) error { <-release; return nil }}
	cfg := testConfig()
	cfg.QueueSize = 1
	s := startService(t, cfg, ad, nil)
	defer close(release)

	ctx := context.Background()
	to := kit.ChatTarget{ChatID: 1}
	_ = s.Notify(ctx, kit.Notification{Target: to, Text: "a"}) // taken by the worker
	waitFor(t, func() bool { _, _, c := ad.snapshot(); return c == 1 })
	_ = s.Notify(ctx, kit.Notification{Target: to, Text: "b"}) // fills the queue

	if err := s.Notify(ctx, kit.Notification{Target: to, Text: "c"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err=%v want ErrQueueFull", err)
	}
	wctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := s.NotifyWait(wctx, kit.Notification{Target: to, Text: "d"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("NotifyWait err=%v", err)
	}
}

func TestRetryDelay(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	flood := &kit.FloodError{After: 3 * time.Second, Err: errors.New("429")}
	if d := retryDelay(cfg, 1, flood); d != 3*time.Second {
		t.Fatalf("flood delay=%v", d)
	}
	huge := &kit.FloodError{After: time.Hour, Err: errors.New("429")}
	if d := retryDelay(cfg, 1, huge); d != maxFloodWait {
		t.Fatalf("capped flood delay=%v", d)
	}
	for attempt, want := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 3: 400 * time.Millisecond} {
		d := retryDelay(cfg, attempt, errors.New("x"))
		lo, hi := time.Duration(float64(want)*0.7), time.Duration(float64(want)*1.3)
		if d < lo || d > hi {
			t.Fatalf("attempt %d delay=%v want in [%v,%v]", attempt, d, lo, hi)
		}
	}
	if d := retryDelay(cfg, 10, errors.New("x")); d > time.Second {
		t.Fatalf("uncapped delay %v", d)
	}
}
