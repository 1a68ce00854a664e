package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kit "timetablebot/internal/transport"
	"timetablebot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	calls map[int64]int
	errs  map[int64]error
	// failTimes makes a chat fail that many times before succeeding.
	failTimes map[int64]int
}

func newFakeSender() *fakeSender {
	return &fakeSender{calls: map[int64]int{}, errs: map[int64]error{}, failTimes: map[int64]int{}}
}

func (f *fakeSender) Send(_ context.Context, n kit.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := n.Target.ChatID
	f.calls[id]++
	if err := f.errs[id]; err != nil {
		return err
	}
	if f.calls[id] <= f.failTimes[id] {
		return errors.New("temporary")
	}
	return nil
}

func msgs(ids ...int64) []Message {
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, Message{Target: kit.ChatTarget{ChatID: id}, Text: "hi"})
	}
	return out
}

func TestRunCountsOutcomes(t *testing.T) {
	fs := newFakeSender()
	fs.errs[2] = errors.Join(kit.ErrForbidden, errors.New("blocked"))
	fs.errs[3] = errors.New("down")
	fs.failTimes[4] = 1

	s := New(Config{Workers: 2, RetryMax: 1}, fs, logx.Nop())
	var (
		mu      sync.Mutex
		blocked []int64
	)
	s.OnBlocked(func(to kit.ChatTarget) {
		mu.Lock()
		blocked = append(blocked, to.ChatID)
		mu.Unlock()
	})

	st, err := s.Run(context.Background(), "evening", msgs(1, 2, 3, 4))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Total != 4 || st.Sent != 2 || st.Blocked != 1 || st.Failed != 1 || st.Running {
		t.Fatalf("status=%+v", st)
	}
	if st.Done() != 4 || st.ID == "" || st.DoneAt.IsZero() {
		t.Fatalf("status=%+v", st)
	}
	if len(blocked) != 1 || blocked[0] != 2 {
		t.Fatalf("blocked=%v", blocked)
	}
	if fs.calls[2] != 1 {
		t.Fatalf("forbidden chat retried: %d calls", fs.calls[2])
	}
	if fs.calls[3] != 2 || fs.calls[4] != 2 {
		t.Fatalf("calls=%v", fs.calls)
	}

	got, ok := s.Status(st.ID)
	if !ok || got.Sent != 2 {
		t.Fatalf("Status=%+v ok=%v", got, ok)
	}
}

func TestRunCanceled(t *testing.T) {
	s := New(Config{Workers: 1}, newFakeSender(), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st, err := s.Run(ctx, "morning", msgs(1, 2, 3))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
	if st.Sent != 0 || st.Running {
		t.Fatalf("status=%+v", st)
	}
}

func TestRecentNewestFirstAndBounded(t *testing.T) {
	s := New(Config{}, newFakeSender(), logx.Nop())
	for range statusMax + 5 {
		if _, err := s.Run(context.Background(), "r", msgs(1)); err != nil {
			t.Fatalf("Run: %v", err)
		}
		time.Sleep(time.Microsecond)
	}
	all := s.Recent(0)
	if len(all) > statusMax {
		t.Fatalf("kept %d runs", len(all))
	}
	top := s.Recent(2)
	if len(top) != 2 || top[0].StartedAt.Before(top[1].StartedAt) {
		t.Fatalf("recent order: %+v", top)
	}
}
