package render

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"timetablebot/pkg/logx"
)

const settleJS = `() => document.fonts.ready.then(() => new Promise(r => requestAnimationFrame(() => requestAnimationFrame(() => r(true)))))`

// RodLauncher starts headless Chromium through go-rod. An empty Bin looks
// the browser up on PATH and falls back to rod's managed download.
type RodLauncher struct {
	Bin     string
	Sandbox bool
	Log     logx.Logger
}

func (l RodLauncher) Launch(ctx context.Context) (Browser, error) {
	ln := launcher.New().
		Context(ctx).
		Headless(true).
		NoSandbox(!l.Sandbox).
		Leakless(false).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("hide-scrollbars")
	switch {
	case l.Bin != "":
		ln = ln.Bin(l.Bin)
	default:
		if p, ok := launcher.LookPath(); ok {
			ln = ln.Bin(p)
		}
	}

	u, err := ln.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	b := rod.New().ControlURL(u).Context(ctx)
	if err := b.Connect(); err != nil {
		ln.Kill()
		return nil, fmt.Errorf("connect chromium: %w", err)
	}
	l.Log.Info("browser launched", logx.Int("pid", ln.PID()))
	return &rodBrowser{b: b, ln: ln}, nil
}

type rodBrowser struct {
	b  *rod.Browser
	ln *launcher.Launcher
}

func (rb *rodBrowser) NewPage(ctx context.Context, timeout time.Duration) (Page, error) {
	p, err := rb.b.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}
	if timeout <= 0 {
		return &rodPage{raw: p, p: p}, nil
	}
	return &rodPage{raw: p, p: p.Timeout(timeout), timed: true}, nil
}

func (rb *rodBrowser) Alive(ctx context.Context) error {
	_, err := proto.BrowserGetVersion{}.Call(rb.b.Context(ctx))
	return err
}

func (rb *rodBrowser) Close() error {
	err := rb.b.Close()
	rb.ln.Kill()
	rb.ln.Cleanup()
	return err
}

// rodPage keeps the untimed page for Close so cleanup still runs after the
// operation timeout has fired.
type rodPage struct {
	raw   *rod.Page
	p     *rod.Page
	timed bool
}

func (rp *rodPage) SetViewport(v Viewport) error {
	return rp.p.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             v.Width,
		Height:            v.Height,
		DeviceScaleFactor: 1,
	})
}

func (rp *rodPage) SetContent(html string) error {
	if err := rp.p.SetDocumentContent(html); err != nil {
		return err
	}
	return rp.p.WaitLoad()
}

func (rp *rodPage) WaitSettled() error {
	_, err := rp.p.Eval(settleJS)
	return err
}

func (rp *rodPage) Measure(selector string) (Box, error) {
	has, el, err := rp.p.Has(selector)
	if err != nil {
		return Box{}, err
	}
	if !has {
		return Box{}, ErrElementMissing
	}
	shape, err := el.Shape()
	if err != nil {
		return Box{}, err
	}
	r := shape.Box()
	if r == nil {
		return Box{}, ErrEmptyBox
	}
	return Box{Width: r.Width, Height: r.Height}, nil
}

func (rp *rodPage) Screenshot() ([]byte, error) {
	return rp.p.Screenshot(false, &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng})
}

func (rp *rodPage) Close() error {
	if rp.timed {
		rp.p.CancelTimeout()
	}
	return rp.raw.Close()
}
