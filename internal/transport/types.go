package transport

import (
	"context"
	"errors"
	"time"
)

// ErrForbidden means the chat refuses messages (bot blocked, user deactivated).
// Retrying does not help.
var ErrForbidden = errors.New("chat forbids messages")

// FloodError asks the caller to wait before the next send.
type FloodError struct {
	After time.Duration
	Err   error
}

func (e *FloodError) Error() string             { return "flood wait " + e.After.String() + ": " + e.Err.Error() }
func (e *FloodError) Unwrap() error             { return e.Err }
func (e *FloodError) RetryAfter() time.Duration { return e.After }

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int
	FromID       int64
	FromUsername string
	FromName     string
	Text         string
	IsGroup      bool
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// ReplyMarkup is adapter specific (Telegram: *telebot.ReplyMarkup).
	ReplyMarkup any
}

// Photo is a local image file sent with an optional HTML caption.
type Photo struct {
	Path    string
	Caption string
}

type Notification struct {
	Channel  string // "telegram"
	Priority int    // 0 low .. 10 high
	Target   ChatTarget
	Text     string
	Photo    *Photo
	// DedupKey overrides the content hash used for duplicate suppression.
	DedupKey string
	Options  *SendOptions
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, p Photo, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
