package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"timetablebot/internal/runtime/supervisor"
	kit "timetablebot/internal/transport"
	"timetablebot/pkg/logx"
)

type fakeAdapter struct {
	mu       sync.Mutex
	texts    []string
	answered []string
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }
func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	return kit.MessageRef{ChatID: to.ChatID}, nil
}
func (f *fakeAdapter) SendPhoto(context.Context, kit.ChatTarget, kit.Photo, *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{}, nil
}
func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}
func (f *fakeAdapter) DeleteMessage(context.Context, kit.MessageRef) error { return nil }
func (f *fakeAdapter) AnswerCallback(_ context.Context, id, _ string) error {
	f.mu.Lock()
	f.answered = append(f.answered, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

func startRouter(t *testing.T, ad kit.Adapter, cmds []Command, cbs []CallbackRoute) chan<- kit.Update {
	t.Helper()
	r := New(logx.Nop(), ad, []int64{1}, supervisor.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	r.SetRegistry(ctx, cmds, cbs)
	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Dispatch(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return updates
}

func message(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: from, FromID: from, Text: text}}
}

func TestRoutesCommandWithArgs(t *testing.T) {
	got := make(chan *Request, 1)
	updates := startRouter(t, &fakeAdapter{}, []Command{{
		Name:    "teacher",
		Aliases: []string{"t"},
		Handle: func(_ context.Context, req *Request) error {
			got <- req
			return nil
		},
	}}, nil)

	updates <- message(5, `/t@timetable_bot "Иванов И" extra`)
	select {
	case req := <-got:
		if req.Command != "teacher" || len(req.Args) != 2 || req.Args[0] != "Иванов И" || req.Owner {
			t.Fatalf("req=%+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not called")
	}
}

func TestOwnerOnlyAndUnknown(t *testing.T) {
	ad := &fakeAdapter{}
	called := make(chan struct{}, 1)
	updates := startRouter(t, ad, []Command{{
		Name:   "status",
		Access: AccessOwnerOnly,
		Handle: func(context.Context, *Request) error { called <- struct{}{}; return nil },
	}}, nil)

	updates <- message(5, "/status")
	waitText(t, ad, "администраторам")

	updates <- message(5, "/nope")
	waitText(t, ad, "Неизвестная команда")

	updates <- message(1, "/status")
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatalf("owner could not run /status")
	}
}

func TestCallbackRouting(t *testing.T) {
	ad := &fakeAdapter{}
	got := make(chan string, 1)
	updates := startRouter(t, ad, nil, []CallbackRoute{{
		Prefix: "week",
		Handle: func(_ context.Context, req *Request) error { got <- req.Payload; return nil },
	}})
	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb1", ChatID: 3, FromID: 3, Data: "week:next"}}
	select {
	case p := <-got:
		if p != "next" {
			t.Fatalf("payload=%q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("callback not routed")
	}
}

func TestHelpHidesOwnerCommands(t *testing.T) {
	r := New(logx.Nop(), &fakeAdapter{}, nil, nil)
	noop := func(context.Context, *Request) error { return nil }
	r.SetRegistry(context.Background(), []Command{
		{Name: "today", Description: "пары на сегодня", Handle: noop},
		{Name: "status", Description: "состояние", Access: AccessOwnerOnly, Handle: noop},
		{Name: "debug", Hidden: true, Handle: noop},
	}, nil)

	public := r.HelpText(false)
	if !strings.Contains(public, "/today") || strings.Contains(public, "/status") || strings.Contains(public, "debug") {
		t.Fatalf("public help:\n%s", public)
	}
	if !strings.Contains(r.HelpText(true), "/status") {
		t.Fatalf("owner help misses /status")
	}
}

func TestMiddlewareRecoversPanic(t *testing.T) {
	h := Chain(func(context.Context, *Request) error { panic("boom") }, Recover(logx.Nop()))
	err := h(context.Background(), &Request{})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err=%v", err)
	}
}

func TestMiddlewareTimeout(t *testing.T) {
	h := Chain(func(ctx context.Context, _ *Request) error {
		<-ctx.Done()
		return ctx.Err()
	}, Timeout(10*time.Millisecond))
	if err := h(context.Background(), &Request{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
}

func TestSanitizeAndTokenize(t *testing.T) {
	for in, want := range map[string]string{
		"Week-Next": "week_next",
		" notify ":  "notify",
		"a--b":      "a_b",
		"расписание": "",
	} {
		if got := sanitizeCommand(in); got != want {
			t.Fatalf("sanitizeCommand(%q)=%q want %q", in, got, want)
		}
	}
	got := tokenize(`/room 'А 101'  b\ c`)
	if len(got) != 3 || got[1] != "А 101" || got[2] != "b c" {
		t.Fatalf("tokenize=%q", got)
	}
}

func waitText(t *testing.T, ad *fakeAdapter, sub string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(ad.lastText(), sub) {
		if time.Now().After(deadline) {
			t.Fatalf("no reply containing %q (last %q)", sub, ad.lastText())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
