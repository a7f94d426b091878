package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// String is the delivery-channel id stored on subscriptions: "<chat>" or
// "<chat>/<thread>".
func (t ChatTarget) String() string {
	if t.ThreadID != 0 {
		return fmt.Sprintf("%d/%d", t.ChatID, t.ThreadID)
	}
	return strconv.FormatInt(t.ChatID, 10)
}

// ParseChatTarget is the inverse of ChatTarget.String.
func ParseChatTarget(s string) (ChatTarget, error) {
	s = strings.TrimSpace(s)
	chat, thread, hasThread := strings.Cut(s, "/")
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return ChatTarget{}, fmt.Errorf("invalid chat id %q", s)
	}
	t := ChatTarget{ChatID: id}
	if hasThread {
		n, err := strconv.Atoi(thread)
		if err != nil || n < 0 {
			return ChatTarget{}, fmt.Errorf("invalid thread id %q", s)
		}
		t.ThreadID = n
	}
	return t, nil
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// LinkButton is an adapter-neutral URL button.
type LinkButton struct {
	Text string
	URL  string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// Buttons render as one row of URL buttons.
	Buttons []LinkButton
	// ReplyMarkupAdapter is adapter-specific markup (Telegram: *telebot.ReplyMarkup)
	// and wins over Buttons.
	ReplyMarkupAdapter any
}

type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// ChatAdminChecker reports whether a user administers a group chat.
type ChatAdminChecker interface {
	IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error)
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
