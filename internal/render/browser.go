package render

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEngineClosed   = errors.New("render engine closed")
	ErrElementMissing = errors.New("content element missing")
	ErrEmptyBox       = errors.New("content element has no size")
)

// Launcher starts a browser process.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Browser is one running browser. It is shared by all jobs; pages are not.
type Browser interface {
	NewPage(ctx context.Context, timeout time.Duration) (Page, error)
	// Alive probes the connection.
	Alive(ctx context.Context) error
	Close() error
}

// Page is a single tab owned by one job attempt.
type Page interface {
	SetViewport(v Viewport) error
	SetContent(html string) error
	// WaitSettled waits for fonts and two animation frames.
	WaitSettled() error
	Measure(selector string) (Box, error)
	Screenshot() ([]byte, error)
	Close() error
}

type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Box struct {
	Width  float64
	Height float64
}
