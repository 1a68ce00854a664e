package notifier

import (
	"context"
	"sync"

	kit "timetablebot/internal/transport"
)

// fakeAdapter records sends; script, when set, decides each send's error.
type fakeAdapter struct {
	mu     sync.Mutex
	texts  []string
	photos []kit.Photo
	calls  int
	script func(call int) error
}

func (f *fakeAdapter) send() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.script != nil {
		return f.script(f.calls)
	}
	return nil
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	if err := f.send(); err != nil {
		return kit.MessageRef{}, err
	}
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (f *fakeAdapter) SendPhoto(_ context.Context, to kit.ChatTarget, p kit.Photo, _ *kit.SendOptions) (kit.MessageRef, error) {
	if err := f.send(); err != nil {
		return kit.MessageRef{}, err
	}
	f.mu.Lock()
	f.photos = append(f.photos, p)
	f.mu.Unlock()
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}
func (f *fakeAdapter) DeleteMessage(context.Context, kit.MessageRef) error    { return nil }
func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeAdapter) snapshot() (texts []string, photos []kit.Photo, calls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...), append([]kit.Photo(nil), f.photos...), f.calls
}
