package render

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"timetablebot/internal/runtime/supervisor"
	"timetablebot/pkg/logx"
)

// EngineConfig defaults: Attempts 3, PageTimeout 120s, RetryDelay 1s,
// Viewport 3000x2250, Selector "#scale-canvas", QueueSize 64.
type EngineConfig struct {
	Admission   AdmissionConfig
	Attempts    int
	PageTimeout time.Duration
	RetryDelay  time.Duration
	Viewport    Viewport
	Selector    string
	QueueSize   int
}

func (c EngineConfig) withDefaults() EngineConfig {
	c.Admission = c.Admission.withDefaults()
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = 120 * time.Second
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	} else if c.RetryDelay == 0 {
		c.RetryDelay = time.Second
	}
	if c.Viewport.Width <= 0 || c.Viewport.Height <= 0 {
		c.Viewport = Viewport{Width: 3000, Height: 2250}
	}
	if c.Selector == "" {
		c.Selector = "#scale-canvas"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

// Future resolves when its job has finished.
type Future struct {
	id   string
	done chan struct{}
	res  Result
}

func (f *Future) ID() string { return f.id }

func (f *Future) Done() <-chan struct{} { return f.done }

// Wait returns the job result. A done ctx stops the wait, never the job.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, nil
	case <-ctx.Done():
		return Result{JobID: f.id, State: StateFailed, Err: ctx.Err()}, ctx.Err()
	}
}

type submission struct {
	job Job
	fut *Future
}

// EngineStats is a diagnostics view of the engine.
type EngineStats struct {
	Admission  AdmissionSnapshot   `json:"admission"`
	Submitted  uint64              `json:"submitted"`
	Succeeded  uint64              `json:"succeeded"`
	Failed     uint64              `json:"failed"`
	Launches   uint64              `json:"launches"`
	Session    bool                `json:"session"`
	Closed     bool                `json:"closed"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
}

// Engine runs screenshot jobs on its own context. The browser session is
// created on first use and replaced when the liveness probe fails.
type Engine struct {
	cfg      EngineConfig
	log      logx.Logger
	launcher Launcher
	adm      *Admission
	runner   *jobRunner

	sup    *supervisor.Supervisor
	intake chan submission

	intakeMu sync.RWMutex
	closed   bool
	pending  sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error

	sessionMu sync.Mutex
	browser   Browser

	submitted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	launches  atomic.Uint64
}

func NewEngine(cfg EngineConfig, l Launcher, log logx.Logger) *Engine {
	cfg = cfg.withDefaults()
	log = log.With(logx.String("comp", "render.engine"))
	e := &Engine{
		cfg:      cfg,
		log:      log,
		launcher: l,
		adm:      NewAdmission(cfg.Admission, log.With(logx.String("comp", "render.admission"))),
		intake:   make(chan submission, cfg.QueueSize),
	}
	e.runner = &jobRunner{
		attempts:    cfg.Attempts,
		retryDelay:  cfg.RetryDelay,
		pageTimeout: cfg.PageTimeout,
		viewport:    cfg.Viewport,
		selector:    cfg.Selector,
		adm:         e.adm,
		session:     e.ensureSession,
		log:         log,
	}
	// Detached from every caller: only Shutdown cancels it.
	e.sup = supervisor.New(context.Background(),
		supervisor.WithLogger(log),
		supervisor.WithCancelOnError(false),
	)
	e.sup.GoRestart("render.dispatch", e.dispatch,
		supervisor.WithRestartBackoff(100*time.Millisecond, 5*time.Second),
		supervisor.WithStopOnCleanExit(true),
	)
	return e
}

func (e *Engine) Admission() *Admission { return e.adm }

func (e *Engine) Supervisor() *supervisor.Supervisor { return e.sup }

// Submit queues job and returns its future. Safe for concurrent use.
func (e *Engine) Submit(job Job) (*Future, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	fut := &Future{id: job.ID, done: make(chan struct{})}

	e.intakeMu.RLock()
	defer e.intakeMu.RUnlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	e.pending.Add(1)
	select {
	case e.intake <- submission{job: job, fut: fut}:
		e.submitted.Add(1)
		return fut, nil
	case <-e.sup.Context().Done():
		e.pending.Done()
		return nil, ErrEngineClosed
	}
}

// dispatch hands each submission to its own supervised goroutine.
func (e *Engine) dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sub := <-e.intake:
			e.sup.Go0("render.job", func(ctx context.Context) {
				e.execute(ctx, sub)
			})
		}
	}
}

func (e *Engine) execute(ctx context.Context, sub submission) {
	defer e.pending.Done()
	res := Result{JobID: sub.job.ID, State: StateFailed}
	defer func() {
		if r := recover(); r != nil {
			res = Result{JobID: sub.job.ID, State: StateFailed, Err: fmt.Errorf("render job panic: %v", r)}
			e.log.Error("render job panicked", logx.String("job", sub.job.ID), logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 32)))
		}
		if res.OK() {
			e.succeeded.Add(1)
		} else {
			e.failed.Add(1)
		}
		sub.fut.res = res
		close(sub.fut.done)
	}()

	if err := e.adm.Acquire(ctx); err != nil {
		res.Err = fmt.Errorf("admission: %w", err)
		return
	}
	defer e.adm.Release()

	res = e.runner.run(ctx, sub.job)
	if res.OK() {
		e.log.Debug("render job done",
			logx.String("job", sub.job.ID),
			logx.Int("attempts", res.Attempts),
			logx.Duration("dur", res.Duration),
			logx.Int("width", res.Size.Width),
			logx.Int("height", res.Size.Height),
		)
	}
}

// ensureSession returns the live browser, launching one when there is none
// or the current one fails its probe. A launch failure is returned as is.
func (e *Engine) ensureSession(ctx context.Context) (Browser, error) {
	e.sessionMu.Lock()
	defer e.sessionMu.Unlock()

	if e.browser != nil {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := e.browser.Alive(probeCtx)
		cancel()
		if err == nil {
			return e.browser, nil
		}
		e.log.Warn("browser probe failed; relaunching", logx.Err(err))
		if cerr := e.browser.Close(); cerr != nil {
			e.log.Debug("browser close failed", logx.Err(cerr))
		}
		e.browser = nil
	}
	if e.sup.Context().Err() != nil {
		return nil, ErrEngineClosed
	}
	if e.launcher == nil {
		return nil, errors.New("render: no browser launcher")
	}
	b, err := e.launcher.Launch(ctx)
	e.launches.Add(1)
	if err != nil {
		return nil, fmt.Errorf("browser session: %w", err)
	}
	e.browser = b
	return b, nil
}

// Healthcheck runs a probe job end to end. It never panics.
func (e *Engine) Healthcheck(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("render healthcheck panicked", logx.Any("panic", r))
			ok = false
		}
	}()
	fut, err := e.Submit(Job{HTML: "<!doctype html><html><body></body></html>", Probe: true})
	if err != nil {
		return false
	}
	res, err := fut.Wait(ctx)
	return err == nil && res.OK()
}

// Shutdown stops intake, waits for queued and running jobs until ctx is
// done, then cancels the engine context and closes the browser. Repeated
// calls return the first result.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		e.intakeMu.Lock()
		e.closed = true
		e.intakeMu.Unlock()

		drained := make(chan struct{})
		go func() {
			e.pending.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			e.log.Warn("render shutdown: abandoning in-flight jobs", logx.Err(ctx.Err()))
			e.shutdownErr = ctx.Err()
		}

		e.sup.Cancel()
		if err := e.sup.Wait(ctx); err != nil && e.shutdownErr == nil && !errors.Is(err, context.Canceled) {
			e.shutdownErr = err
		}

		e.drainIntake()

		e.sessionMu.Lock()
		if e.browser != nil {
			if err := e.browser.Close(); err != nil {
				e.log.Debug("browser close failed", logx.Err(err))
			}
			e.browser = nil
		}
		e.sessionMu.Unlock()
		e.log.Info("render engine stopped",
			logx.Uint64("submitted", e.submitted.Load()),
			logx.Uint64("failed", e.failed.Load()),
		)
	})
	return e.shutdownErr
}

// drainIntake fails submissions the dispatcher never picked up.
func (e *Engine) drainIntake() {
	for {
		select {
		case sub := <-e.intake:
			sub.fut.res = Result{JobID: sub.job.ID, State: StateFailed, Err: ErrEngineClosed}
			close(sub.fut.done)
			e.failed.Add(1)
			e.pending.Done()
		default:
			return
		}
	}
}

func (e *Engine) Stats() EngineStats {
	e.intakeMu.RLock()
	closed := e.closed
	e.intakeMu.RUnlock()
	e.sessionMu.Lock()
	session := e.browser != nil
	e.sessionMu.Unlock()
	return EngineStats{
		Admission:  e.adm.Snapshot(),
		Submitted:  e.submitted.Load(),
		Succeeded:  e.succeeded.Load(),
		Failed:     e.failed.Load(),
		Launches:   e.launches.Load(),
		Session:    session,
		Closed:     closed,
		Supervisor: e.sup.Snapshot(),
	}
}
