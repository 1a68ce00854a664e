// Package router turns Telegram updates into command and callback handler
// calls. Handlers run on a bounded worker pool behind a middleware chain
// (panic recovery, request log, timeout).
package router

import (
	"context"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"timetablebot/internal/runtime/supervisor"
	kit "timetablebot/internal/transport"
	"timetablebot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	// Hidden commands work but stay out of help and the menu.
	Hidden  bool
	Timeout time.Duration
	Handle  HandlerFunc
}

// CallbackRoute handles inline buttons whose data is "prefix:payload".
type CallbackRoute struct {
	Prefix  string
	Access  Access
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Update   kit.Update
	Chat     kit.ChatTarget
	FromID   int64
	Username string
	Name     string
	Command  string
	Args     []string
	Payload  string // callback payload
	ReqID    string
	Owner    bool

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends HTML text to the request's chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

// ReplyMarkup sends HTML text with an inline keyboard.
func (r *Request) ReplyMarkup(ctx context.Context, text string, markup any) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyMarkup: markup})
	return err
}

// ReplyPhoto sends a local image with an HTML caption; markup may be nil.
func (r *Request) ReplyPhoto(ctx context.Context, path, caption string, markup any) error {
	_, err := r.Adapter.SendPhoto(ctx, r.Chat, kit.Photo{Path: path, Caption: caption}, &kit.SendOptions{ParseMode: "HTML", ReplyMarkup: markup})
	return err
}

type Router struct {
	log     logx.Logger
	adapter kit.Adapter
	reg     *supervisor.Registry

	mu        sync.RWMutex
	commands  map[string]*Command // name and aliases
	ordered   []Command
	callbacks map[string]CallbackRoute
	owners    []int64
	unknown   string

	jobs chan func()
}

func New(log logx.Logger, adapter kit.Adapter, owners []int64, reg *supervisor.Registry) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		log:       log,
		adapter:   adapter,
		reg:       reg,
		commands:  map[string]*Command{},
		callbacks: map[string]CallbackRoute{},
		owners:    slices.Clone(owners),
		unknown:   "Неизвестная команда. Список команд: /help",
		jobs:      make(chan func(), 256),
	}
}

// SetOwners is safe during hot reload.
func (m *Router) SetOwners(owners []int64) {
	m.mu.Lock()
	m.owners = slices.Clone(owners)
	m.mu.Unlock()
}

func (m *Router) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.owners, id)
}

// SetRegistry replaces all routes. A /help command is always added.
func (m *Router) SetRegistry(ctx context.Context, cmds []Command, cbs []CallbackRoute) {
	cmds = append(slices.Clone(cmds), Command{
		Name:        "help",
		Description: "список команд",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.HelpText(req.Owner))
		},
	})

	byName := map[string]*Command{}
	ordered := make([]Command, 0, len(cmds))
	for i := range cmds {
		c := &cmds[i]
		name := sanitizeCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		byName[name] = c
		for _, a := range c.Aliases {
			if a = sanitizeCommand(a); a != "" {
				if _, taken := byName[a]; !taken {
					byName[a] = c
				}
			}
		}
		ordered = append(ordered, *c)
	}
	cb := make(map[string]CallbackRoute, len(cbs))
	for _, r := range cbs {
		if p := strings.TrimSpace(r.Prefix); p != "" && r.Handle != nil {
			cb[p] = r
		}
	}

	m.mu.Lock()
	m.commands, m.ordered, m.callbacks = byName, ordered, cb
	m.mu.Unlock()

	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		menu := buildMenu(ordered)
		go func() {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(cctx, menu); err != nil {
				m.log.Warn("menu update failed", logx.Err(err))
			}
		}()
	}
}

func (m *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// Dispatch consumes updates until ctx ends or the channel closes.
func (m *Router) Dispatch(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(runtime.NumCPU(), 2)
	sup := supervisor.New(ctx,
		supervisor.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		supervisor.WithCancelOnError(false),
	)
	m.reg.Set("telegram.router", sup)
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := range workers {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					job()
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithPublishFirstError(true),
		)
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.reg.Delete("telegram.router")
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			switch up.Kind {
			case kit.UpdateMessage:
				m.routeMessage(ctx, up)
			case kit.UpdateCallback:
				m.routeCallback(ctx, up)
			}
		}
	}
}

func (m *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenize(text)
	if len(parts) == 0 {
		return
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	cmd, ok := m.commands[word]
	unknown := m.unknown
	m.mu.RUnlock()
	if !ok {
		// Group chats see commands meant for other bots.
		if !msg.IsGroup {
			_, _ = m.adapter.SendText(ctx, chat, unknown, nil)
		}
		return
	}

	owner := m.isOwner(msg.FromID)
	if cmd.Access == AccessOwnerOnly && !owner {
		_, _ = m.adapter.SendText(ctx, chat, "Команда доступна только администраторам.", nil)
		return
	}

	req := &Request{
		Update:   up,
		Chat:     chat,
		FromID:   msg.FromID,
		Username: msg.FromUsername,
		Name:     msg.FromName,
		Command:  cmd.Name,
		Args:     parts[1:],
		ReqID:    newReqID(),
		Owner:    owner,
		Adapter:  m.adapter,
	}
	m.run(ctx, req, cmd.Handle, cmd.Timeout, func() {
		_, _ = m.adapter.SendText(ctx, chat, "Бот занят, попробуйте чуть позже.", nil)
	})
}

func (m *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	// TrimSpace also drops the \f telebot puts before unique-less data.
	prefix, payload, _ := strings.Cut(strings.TrimSpace(cb.Data), ":")

	m.mu.RLock()
	route, ok := m.callbacks[prefix]
	m.mu.RUnlock()
	if !ok {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	owner := m.isOwner(cb.FromID)
	if route.Access == AccessOwnerOnly && !owner {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "Недоступно")
		return
	}
	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:  cb.FromID,
		Command: "cb:" + prefix,
		Payload: payload,
		ReqID:   newReqID(),
		Owner:   owner,
		Adapter: m.adapter,
	}
	h := func(ctx context.Context, r *Request) error {
		err := route.Handle(ctx, r)
		// Stops the client's loading spinner.
		_ = r.Adapter.AnswerCallback(ctx, cb.ID, "")
		return err
	}
	m.run(ctx, req, h, route.Timeout, func() { _ = m.adapter.AnswerCallback(ctx, cb.ID, "Бот занят") })
}

func (m *Router) run(ctx context.Context, req *Request, h HandlerFunc, timeout time.Duration, busy func()) {
	req.Logger = m.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", req.Chat.ChatID),
		logx.Int64("from_id", req.FromID),
		logx.String("cmd", req.Command),
	)
	final := Chain(h, Recover(m.log), RequestLog(m.log), Timeout(timeout))
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		req.Logger.Warn("command queue full")
		busy()
	}
}
