package render

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"timetablebot/pkg/logx"
)

// JobState is the furthest step an attempt reached.
type JobState int

const (
	StateSized JobState = iota
	StateContentLoaded
	StateMeasured
	StateResized
	StateCaptured
	StateFailed
)

func (s JobState) String() string {
	switch s {
	case StateSized:
		return "sized"
	case StateContentLoaded:
		return "content_loaded"
	case StateMeasured:
		return "measured"
	case StateResized:
		return "resized"
	case StateCaptured:
		return "captured"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Job is one screenshot request. It is not modified after Submit.
type Job struct {
	ID         string
	HTML       string
	OutputPath string
	// Viewport overrides the engine default when non-zero.
	Viewport Viewport
	// Probe loads the content and stops; no measurement, no file, no admission report.
	Probe bool
}

// Result describes how a job ended.
type Result struct {
	JobID    string
	State    JobState
	Attempts int
	Size     Viewport
	Duration time.Duration
	Err      error
}

func (r Result) OK() bool { return r.Err == nil && (r.State == StateCaptured || r.State == StateContentLoaded) }

// jobRunner executes the per-job state machine with bounded attempts.
type jobRunner struct {
	attempts    int
	retryDelay  time.Duration
	pageTimeout time.Duration
	viewport    Viewport
	selector    string

	adm     *Admission
	session func(ctx context.Context) (Browser, error)
	log     logx.Logger
}

// run reports to admission exactly once per non-probe job: success on the
// first captured attempt, failure after the last one.
func (r *jobRunner) run(ctx context.Context, job Job) Result {
	start := time.Now()
	res := Result{JobID: job.ID, State: StateFailed}
	log := r.log.With(logx.String("job", job.ID))

	for attempt := 1; attempt <= r.attempts; attempt++ {
		res.Attempts = attempt
		b, err := r.session(ctx)
		if err != nil {
			// Session errors are not retried here.
			res.Err = err
			break
		}
		state, size, err := r.attempt(ctx, b, job)
		if err == nil {
			res.State, res.Size, res.Err = state, size, nil
			res.Duration = time.Since(start)
			if !job.Probe {
				r.adm.ReportSuccess()
			}
			return res
		}
		res.Err = err
		log.Warn("render attempt failed",
			logx.Int("attempt", attempt),
			logx.Int("max_attempts", r.attempts),
			logx.String("state", state.String()),
			logx.Err(err),
		)
		if attempt < r.attempts && !sleepCtx(ctx, r.retryDelay) {
			res.Err = fmt.Errorf("%w (retry aborted: %v)", err, ctx.Err())
			break
		}
	}
	res.State = StateFailed
	res.Duration = time.Since(start)
	if !job.Probe {
		r.adm.ReportFailure()
	}
	return res
}

// attempt walks Sized → ContentLoaded → Measured → Resized → Captured.
// The returned state is the last one reached.
func (r *jobRunner) attempt(ctx context.Context, b Browser, job Job) (state JobState, size Viewport, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			r.log.Error("render attempt panicked",
				logx.String("job", job.ID),
				logx.Any("panic", rec),
				logx.Stack(logx.StackTrace(3, 32)),
			)
		}
	}()

	page, err := b.NewPage(ctx, r.pageTimeout)
	if err != nil {
		return StateSized, size, err
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			r.log.Debug("page close failed", logx.String("job", job.ID), logx.Err(cerr))
		}
	}()

	vp := r.viewport
	if job.Viewport.Width > 0 && job.Viewport.Height > 0 {
		vp = job.Viewport
	}
	if err := page.SetViewport(vp); err != nil {
		return StateSized, size, fmt.Errorf("set viewport: %w", err)
	}

	if err := page.SetContent(job.HTML); err != nil {
		return StateSized, size, fmt.Errorf("set content: %w", err)
	}
	if job.Probe {
		return StateContentLoaded, vp, nil
	}
	if err := page.WaitSettled(); err != nil {
		return StateContentLoaded, size, fmt.Errorf("wait settled: %w", err)
	}

	box, err := page.Measure(r.selector)
	if err != nil {
		return StateContentLoaded, size, fmt.Errorf("measure %s: %w", r.selector, err)
	}
	if box.Height <= 0 || box.Width <= 0 {
		return StateContentLoaded, size, fmt.Errorf("measure %s: %w", r.selector, ErrEmptyBox)
	}

	vp.Height = int(math.Ceil(box.Height))
	if err := page.SetViewport(vp); err != nil {
		return StateMeasured, size, fmt.Errorf("resize viewport: %w", err)
	}

	shot, err := page.Screenshot()
	if err != nil {
		return StateResized, size, fmt.Errorf("screenshot: %w", err)
	}
	size = vp
	// The downscale is best effort; the raw capture is still a valid photo.
	if fitted, pt, ferr := fitForTelegram(shot); ferr == nil {
		shot, size = fitted, Viewport{Width: pt.X, Height: pt.Y}
	} else {
		r.log.Warn("telegram fit skipped", logx.String("job", job.ID), logx.Err(ferr))
	}
	if err := writeFileAtomic(job.OutputPath, shot); err != nil {
		return StateResized, Viewport{}, fmt.Errorf("write %s: %w", job.OutputPath, err)
	}
	return StateCaptured, size, nil
}

func writeFileAtomic(path string, b []byte) error {
	if path == "" {
		return fmt.Errorf("empty output path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
