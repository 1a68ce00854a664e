package render

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"timetablebot/internal/eventbus"
	"timetablebot/internal/timetable"
	"timetablebot/pkg/logx"
)

func testService(t *testing.T, tplPath string, l Launcher) (*Service, <-chan eventbus.Event) {
	t.Helper()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	s := NewService(Config{
		Engine:       EngineConfig{RetryDelay: time.Millisecond, Viewport: Viewport{Width: 40, Height: 40}},
		TemplatePath: tplPath,
		AssetsDir:    filepath.Dir(tplPath),
	}, l, bus, logx.Nop())
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
		unsub()
	})
	return s, ch
}

func TestServiceRenderWritesImage(t *testing.T) {
	dir := t.TempDir()
	tpl := filepath.Join(dir, "t.html")
	if err := os.WriteFile(tpl, []byte(`<div id="scale-canvas">{{.group}}</div>`), 0o644); err != nil {
		t.Fatal(err)
	}
	s, ch := testService(t, tpl, &fakeLauncher{})
	out := filepath.Join(dir, "cache", "ИСТ-21_odd.png")

	week := map[string][]timetable.Lesson{"Понедельник": {{Subject: "Сети", StartTimeRaw: "09:00", Time: "09:00-10:30"}}}
	if !s.Render(context.Background(), Request{Week: week, WeekType: "Нечетная неделя", Group: "ИСТ-21", OutputPath: out}) {
		t.Fatalf("render failed")
	}
	if st, err := os.Stat(out); err != nil || st.Size() == 0 {
		t.Fatalf("output: %v", err)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
	if st := s.Stats(); st.Succeeded != 1 || st.Launches != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestServiceTemplateFailurePublishes(t *testing.T) {
	dir := t.TempDir()
	s, ch := testService(t, filepath.Join(dir, "missing.html"), &fakeLauncher{})

	if s.Render(context.Background(), Request{Group: "ИСТ-21", OutputPath: filepath.Join(dir, "x.png")}) {
		t.Fatalf("render should fail")
	}
	select {
	case e := <-ch:
		fe, ok := e.Data.(FailedEvent)
		if e.Type != eventbus.TypeRenderFailed || !ok || fe.Stage != "template" || fe.Group != "ИСТ-21" {
			t.Fatalf("event=%+v", e)
		}
	default:
		t.Fatalf("no failure event")
	}
	if st := s.Stats(); st.Submitted != 0 {
		t.Fatalf("nothing should reach the engine: %+v", st)
	}
}

func TestServiceJobFailurePublishes(t *testing.T) {
	dir := t.TempDir()
	tpl := filepath.Join(dir, "t.html")
	if err := os.WriteFile(tpl, []byte(`x`), 0o644); err != nil {
		t.Fatal(err)
	}
	s, ch := testService(t, tpl, &fakeLauncher{browser: &fakeBrowser{failAlways: true}})

	if s.Render(context.Background(), Request{Group: "G", OutputPath: filepath.Join(dir, "x.png")}) {
		t.Fatalf("render should fail")
	}
	e := <-ch
	if fe := e.Data.(FailedEvent); fe.Stage != "job" || fe.Error == "" {
		t.Fatalf("event=%+v", e)
	}
}
