package commands

import (
	"context"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"presencebot/internal/transport"
	logx "presencebot/pkg/logx"
	"presencebot/pkg/tgui"
)

const defaultTimeout = 20 * time.Second

type Access int

const (
	AccessEveryone Access = iota
	// AccessChatAdmin limits a command to chat admins when used in a group.
	// Private chats are always allowed.
	AccessChatAdmin
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Chat         transport.ChatTarget
	FromID       int64
	FromUsername string
	IsGroup      bool
	Command      string
	Args         []string
	ReqID        string

	Sender transport.Sender
	Log    logx.Logger
}

// Reply sends m to the chat the request came from.
func (r *Request) Reply(ctx context.Context, m tgui.Message) error {
	_, err := m.Send(ctx, r.Sender, r.Chat)
	return err
}

// ReplyText sends plain text, logging instead of returning a failure.
func (r *Request) ReplyText(ctx context.Context, text string) {
	if _, err := r.Sender.SendText(ctx, r.Chat, text, &transport.SendOptions{DisablePreview: true}); err != nil {
		r.Log.Warn("reply failed", logx.Err(err))
	}
}

// Router parses message updates into commands and runs them on a bounded
// worker pool.
type Router struct {
	sender transport.Sender
	admins transport.ChatAdminChecker
	log    logx.Logger

	byName map[string]Command
	menu   []transport.BotCommand

	jobs chan func()
}

func NewRouter(sender transport.Sender, log logx.Logger, cmds ...Command) *Router {
	r := &Router{
		sender: sender,
		log:    log,
		byName: map[string]Command{},
		jobs:   make(chan func(), 256),
	}
	// Without a checker, admin-only commands are refused in groups.
	if ac, ok := sender.(transport.ChatAdminChecker); ok {
		r.admins = ac
	}
	help := Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "show commands",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.helpMessage())
		},
	}
	for _, c := range append(cmds, help) {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		r.byName[name] = c
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				if _, exists := r.byName[a]; !exists {
					r.byName[a] = c
				}
			}
		}
		r.menu = append(r.menu, transport.BotCommand{Command: name, Description: c.Description})
	}
	sort.Slice(r.menu, func(i, j int) bool { return r.menu[i].Command < r.menu[j].Command })
	return r
}

// Menu lists the registered commands for the platform command menu.
func (r *Router) Menu() []transport.BotCommand {
	return append([]transport.BotCommand(nil), r.menu...)
}

func (r *Router) helpMessage() tgui.Message {
	b := tgui.New().Title("📚", "Commands")
	for _, bc := range r.menu {
		c := r.byName[bc.Command]
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.HTML(tgui.JoinH(" - ", tgui.Code(usage), tgui.Esc(c.Description)))
	}
	return b.Build()
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	r.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(r.jobs)))

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error("panic in command worker", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
				}
			}()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-r.jobs:
					job()
				}
			}
		}()
	}
	defer func() {
		wg.Wait()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(ctx context.Context, up transport.Update) {
	if up.Kind != transport.UpdateMessage || up.Message == nil {
		return
	}
	req, cmd, ok := r.parse(up.Message)
	if !ok {
		return
	}
	final := r.handler(cmd)
	select {
	case r.jobs <- func() { _ = final(ctx, req) }:
	default:
		req.ReplyText(ctx, "busy, try again")
	}
}

// parse resolves a message to a request. Unknown commands get a hint.
func (r *Router) parse(msg *transport.Message) (*Request, Command, bool) {
	parts := tokenizeCommandLine(msg.Text)
	if len(parts) == 0 {
		return nil, Command{}, false
	}
	word, ok := commandWord(parts[0])
	if !ok {
		return nil, Command{}, false
	}
	chat := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	rid := newReqID()
	req := &Request{
		Chat:         chat,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		IsGroup:      msg.IsGroup,
		Command:      word,
		Args:         parts[1:],
		ReqID:        rid,
		Sender:       r.sender,
		Log: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", word),
		),
	}
	cmd, ok := r.byName[word]
	if !ok {
		// Commands addressed to other bots in a group are not ours to answer.
		if !msg.IsGroup {
			req.ReplyText(context.Background(), "unknown command. try /help")
		}
		return nil, Command{}, false
	}
	return req, cmd, true
}

func (r *Router) handler(cmd Command) HandlerFunc {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return Chain(
		cmd.Handle,
		MWPanicRecover(),
		MWRequestLog(),
		MWTimeout(timeout),
		MWAccess(cmd.Access, r.admins),
	)
}
