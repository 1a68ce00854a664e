package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"timetablebot/internal/eventbus"
	"timetablebot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedTask) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, qt)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask) {
	defer qt.releaseGate()
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onDropped(&s.droppedStale, "stale_queue_delay", qt.task, queueDelay)
		s.record(cfg, HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		return
	}

	log := s.log.With(logx.String("task", qt.task.Name), logx.String("id", qt.task.ID))
	log.Debug("task started", logx.Duration("queue_delay", queueDelay))
	s.publish(TypeTaskStarted, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start})

	var err error
	attempts := 0
	maxAttempts := 1 + qt.opt.RetryMax
	for attempts < maxAttempts {
		attempts++
		err = s.runOnce(ctx, qt, log)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempts >= maxAttempts {
			break
		}
		delay := backoffDelay(qt.opt, attempts, err)
		log.Debug("task retry scheduled", logx.Int("attempt", attempts+1), logx.Duration("delay", delay), logx.Err(err))
		if !sleep(ctx, stopCh, delay) {
			err = fmt.Errorf("%w (retry aborted)", err)
			break
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error, ev.Error = err.Error(), err.Error()
		log.Warn("task failed", logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish(eventbus.TypeTaskFailed, ev)
	} else {
		if dur >= 750*time.Millisecond {
			log.Info("task completed", logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			log.Debug("task completed", logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
		s.publish(TypeTaskFinished, ev)
	}
	s.circuitRecordResult(time.Now(), qt.task.Name, cfg, qt.opt, err)
	s.record(cfg, item)
}

// runOnce converts a panicking task into an error.
func (s *Service) runOnce(ctx context.Context, qt queuedTask, log logx.Logger) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("task panicked", logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 32)))
		}
	}()
	return qt.task.Run(ctx)
}

func sleep(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-t.C:
		return true
	}
}

// backoffDelay doubles from RetryBase per attempt. A RetryAfter hint replaces
// the exponential step. Both are jittered and capped by RetryMaxDelay.
func backoffDelay(opt TaskOptions, attempt int, err error) time.Duration {
	d := opt.RetryBase
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d = max(ra.RetryAfter(), 0)
	} else {
		for i := 1; i < attempt && d < opt.RetryMaxDelay; i++ {
			d *= 2
		}
	}
	d = min(d, opt.RetryMaxDelay)
	if opt.RetryJitter > 0 && d > 0 {
		r := (rand.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
