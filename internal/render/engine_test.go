package render

import (
	"context"
	"errors"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"timetablebot/pkg/logx"
)

func testEngine(t *testing.T, l Launcher) *Engine {
	t.Helper()
	e := NewEngine(EngineConfig{
		RetryDelay: time.Millisecond,
		Viewport:   Viewport{Width: 50, Height: 40},
	}, l, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func waitResult(t *testing.T, e *Engine, job Job) Result {
	t.Helper()
	fut, err := e.Submit(job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := fut.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return res
}

func TestJobRetriesThenSucceeds(t *testing.T) {
	b := &fakeBrowser{failFirst: 2}
	e := testEngine(t, &fakeLauncher{browser: b})
	out := filepath.Join(t.TempDir(), "week.png")

	res := waitResult(t, e, Job{HTML: "<div id=scale-canvas></div>", OutputPath: out})
	if !res.OK() || res.Attempts != 3 || res.State != StateCaptured {
		t.Fatalf("result=%+v", res)
	}
	snap := e.Admission().Snapshot()
	if snap.SuccessStreak != 1 || snap.ErrorStreak != 0 {
		t.Fatalf("admission=%+v want exactly one success report", snap)
	}
	if o, c := b.opened.Load(), b.closed.Load(); o != 3 || c != 3 {
		t.Fatalf("pages opened=%d closed=%d", o, c)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("output: %v", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	// height follows the measured box, width stays at the viewport
	if b := img.Bounds(); b.Dx() != 50 || b.Dy() != 30 {
		t.Fatalf("image size=%v", b.Size())
	}
	if _, _, _, a := img.At(0, 0).RGBA(); a != 0xffff {
		t.Fatalf("alpha not flattened: %d", a)
	}
}

func TestJobExhaustsAttempts(t *testing.T) {
	b := &fakeBrowser{failAlways: true}
	e := testEngine(t, &fakeLauncher{browser: b})

	res := waitResult(t, e, Job{HTML: "x", OutputPath: filepath.Join(t.TempDir(), "x.png")})
	if res.OK() || res.Attempts != 3 || res.State != StateFailed || !errors.Is(res.Err, errScripted) {
		t.Fatalf("result=%+v", res)
	}
	snap := e.Admission().Snapshot()
	if snap.ErrorStreak != 1 || snap.SuccessStreak != 0 || snap.InFlight != 0 {
		t.Fatalf("admission=%+v want exactly one failure report", snap)
	}
	if o, c := b.opened.Load(), b.closed.Load(); o != 3 || c != 3 {
		t.Fatalf("pages opened=%d closed=%d", o, c)
	}
}

func TestLaunchFailureIsNotRetried(t *testing.T) {
	l := &fakeLauncher{launchErr: errors.New("no chromium")}
	e := testEngine(t, l)

	res := waitResult(t, e, Job{HTML: "x", OutputPath: filepath.Join(t.TempDir(), "x.png")})
	if res.OK() || res.Attempts != 1 {
		t.Fatalf("result=%+v", res)
	}
	if n := l.count(); n != 1 {
		t.Fatalf("launches=%d want 1", n)
	}
	if e.Healthcheck(context.Background()) {
		t.Fatalf("healthcheck should fail without a browser")
	}
}

func TestSessionReusedAndRelaunchedWhenDead(t *testing.T) {
	b := &fakeBrowser{}
	l := &fakeLauncher{browser: b}
	e := testEngine(t, l)

	if !e.Healthcheck(context.Background()) || !e.Healthcheck(context.Background()) {
		t.Fatalf("healthcheck failed")
	}
	if n := l.count(); n != 1 {
		t.Fatalf("launches=%d want 1", n)
	}
	b.dead.Store(true)
	l.mu.Lock()
	l.browser = &fakeBrowser{}
	l.mu.Unlock()
	if !e.Healthcheck(context.Background()) {
		t.Fatalf("healthcheck after relaunch failed")
	}
	if n := l.count(); n != 2 || b.shut.Load() != 1 {
		t.Fatalf("launches=%d dead browser closes=%d", n, b.shut.Load())
	}
	// probes never move the streaks
	if snap := e.Admission().Snapshot(); snap.SuccessStreak != 0 || snap.ErrorStreak != 0 {
		t.Fatalf("admission=%+v", snap)
	}
}

func TestCallerCancelDoesNotStopJob(t *testing.T) {
	b := &fakeBrowser{delay: 50 * time.Millisecond}
	e := testEngine(t, &fakeLauncher{browser: b})
	out := filepath.Join(t.TempDir(), "x.png")

	fut, err := e.Submit(Job{HTML: "x", OutputPath: out})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := fut.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait err=%v", err)
	}
	select {
	case <-fut.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job never finished")
	}
	if res, _ := fut.Wait(context.Background()); !res.OK() {
		t.Fatalf("job result=%+v", res)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("output missing: %v", err)
	}
}

func TestConcurrentSubmitsRespectCeiling(t *testing.T) {
	b := &fakeBrowser{delay: 5 * time.Millisecond}
	e := testEngine(t, &fakeLauncher{browser: b})
	dir := t.TempDir()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fut, err := e.Submit(Job{HTML: "x", OutputPath: filepath.Join(dir, strconv.Itoa(i)+".png")})
			if err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			if res, err := fut.Wait(context.Background()); err != nil || !res.OK() {
				t.Errorf("job %d: %+v %v", i, res, err)
			}
		}(i)
	}
	wg.Wait()
	snap := e.Admission().Snapshot()
	if snap.PeakInFlight > snap.BaseMax || snap.InFlight != 0 {
		t.Fatalf("admission=%+v", snap)
	}
	if st := e.Stats(); st.Submitted != 20 || st.Succeeded != 20 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	l := &fakeLauncher{}
	e := NewEngine(EngineConfig{}, l, logx.Nop())
	ctx := context.Background()
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if _, err := e.Submit(Job{HTML: "x"}); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("Submit after shutdown err=%v", err)
	}
	if e.Healthcheck(ctx) {
		t.Fatalf("healthcheck after shutdown")
	}
	if l.count() != 0 {
		t.Fatalf("shutdown must not launch a browser")
	}
}

func TestShutdownClosesBrowser(t *testing.T) {
	b := &fakeBrowser{}
	e := NewEngine(EngineConfig{}, &fakeLauncher{browser: b}, logx.Nop())
	if !e.Healthcheck(context.Background()) {
		t.Fatalf("healthcheck failed")
	}
	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if b.shut.Load() != 1 {
		t.Fatalf("browser closes=%d", b.shut.Load())
	}
}
