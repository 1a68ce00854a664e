package render

import (
	"context"
	"fmt"
	"time"

	"timetablebot/internal/eventbus"
	"timetablebot/internal/timetable"
	"timetablebot/pkg/logx"
)

// Config is the render section after defaults and duration parsing.
type Config struct {
	Engine       EngineConfig
	TemplatePath string
	AssetsDir    string
}

// Request asks for one week image.
type Request struct {
	Week       map[string][]timetable.Lesson
	WeekType   string
	Group      string
	OutputPath string
	Viewport   *Viewport
}

// FailedEvent is published on the bus when a render fails.
type FailedEvent struct {
	Group  string `json:"group"`
	Output string `json:"output"`
	Stage  string `json:"stage"`
	Error  string `json:"error"`
}

// Service is the boolean facade used by handlers and jobs.
type Service struct {
	tpl    *TemplateRenderer
	engine *Engine
	bus    eventbus.Bus
	log    logx.Logger
}

func NewService(cfg Config, l Launcher, bus eventbus.Bus, log logx.Logger) *Service {
	log = log.With(logx.String("comp", "render"))
	return &Service{
		tpl:    NewTemplateRenderer(cfg.TemplatePath, cfg.AssetsDir, log),
		engine: NewEngine(cfg.Engine, l, log),
		bus:    bus,
		log:    log,
	}
}

func (s *Service) Engine() *Engine { return s.engine }

// Render writes the week image to req.OutputPath. It reports failure as
// false and never panics.
func (s *Service) Render(ctx context.Context, req Request) (ok bool) {
	start := time.Now()
	log := s.log.With(logx.String("group", req.Group), logx.String("output", req.OutputPath))
	defer func() {
		if r := recover(); r != nil {
			log.Error("render panicked", logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 32)))
			s.publishFailure(req, "panic", fmt.Errorf("%v", r))
			ok = false
		}
	}()

	html, err := s.tpl.Render(PrepareDays(req.Week), req.WeekType, req.Group)
	if err != nil {
		log.Error("render template failed", logx.Err(err))
		s.publishFailure(req, "template", err)
		return false
	}

	job := Job{HTML: html, OutputPath: req.OutputPath}
	if req.Viewport != nil {
		job.Viewport = *req.Viewport
	}
	fut, err := s.engine.Submit(job)
	if err != nil {
		log.Warn("render submit failed", logx.Err(err))
		s.publishFailure(req, "submit", err)
		return false
	}
	res, err := fut.Wait(ctx)
	if err != nil {
		log.Warn("render wait aborted; job keeps running", logx.String("job", fut.ID()), logx.Err(err))
		return false
	}
	if !res.OK() {
		log.Error("render failed",
			logx.String("job", res.JobID),
			logx.Int("attempts", res.Attempts),
			logx.String("state", res.State.String()),
			logx.Err(res.Err),
		)
		s.publishFailure(req, "job", res.Err)
		return false
	}
	log.Info("schedule image rendered",
		logx.String("job", res.JobID),
		logx.Int("attempts", res.Attempts),
		logx.Duration("dur", time.Since(start)),
	)
	return true
}

func (s *Service) Healthcheck(ctx context.Context) bool { return s.engine.Healthcheck(ctx) }

func (s *Service) Shutdown(ctx context.Context) error { return s.engine.Shutdown(ctx) }

func (s *Service) Stats() EngineStats { return s.engine.Stats() }

func (s *Service) publishFailure(req Request, stage string, err error) {
	if s.bus == nil {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeRenderFailed,
		Data: FailedEvent{Group: req.Group, Output: req.OutputPath, Stage: stage, Error: msg},
	})
}
