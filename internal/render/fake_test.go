package render

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"time"
)

var errScripted = errors.New("scripted failure")

// fakeLauncher hands out one fakeBrowser per launch.
type fakeLauncher struct {
	mu        sync.Mutex
	launchErr error
	launches  int
	browser   *fakeBrowser
}

func (l *fakeLauncher) Launch(context.Context) (Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	if l.browser == nil {
		l.browser = &fakeBrowser{}
	}
	return l.browser, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// fakeBrowser fails the first failFirst page attempts at the measure step.
type fakeBrowser struct {
	failFirst  int32
	failAlways bool
	delay      time.Duration
	panicShot  bool
	rawShot    []byte
	settleErr  error

	attempts atomic.Int32
	opened   atomic.Int32
	closed   atomic.Int32
	dead     atomic.Bool
	shut     atomic.Int32
}

func (b *fakeBrowser) NewPage(ctx context.Context, _ time.Duration) (Page, error) {
	b.opened.Add(1)
	n := b.attempts.Add(1)
	fail := b.failAlways || n <= b.failFirst
	return &fakePage{b: b, ctx: ctx, fail: fail}, nil
}

func (b *fakeBrowser) Alive(context.Context) error {
	if b.dead.Load() {
		return errors.New("disconnected")
	}
	return nil
}

func (b *fakeBrowser) Close() error {
	b.shut.Add(1)
	return nil
}

type fakePage struct {
	b    *fakeBrowser
	ctx  context.Context
	fail bool
	vp   Viewport
}

func (p *fakePage) SetViewport(v Viewport) error { p.vp = v; return nil }

func (p *fakePage) SetContent(string) error {
	if p.b.delay > 0 {
		select {
		case <-time.After(p.b.delay):
		case <-p.ctx.Done():
			return p.ctx.Err()
		}
	}
	return nil
}

func (p *fakePage) WaitSettled() error { return p.b.settleErr }

func (p *fakePage) Measure(string) (Box, error) {
	if p.fail {
		return Box{}, errScripted
	}
	return Box{Width: 40, Height: 30}, nil
}

func (p *fakePage) Screenshot() ([]byte, error) {
	if p.b.panicShot {
		panic("screenshot crashed")
	}
	if p.b.rawShot != nil {
		return p.b.rawShot, nil
	}
	return testPNG(p.vp.Width, p.vp.Height), nil
}

func (p *fakePage) Close() error {
	p.b.closed.Add(1)
	return nil
}

func testPNG(w, h int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 200, A: 128})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
