package tgui

import (
	"context"
	"strings"

	"presencebot/internal/transport"
)

// Message is a rendered UI payload: text + send options.
type Message struct {
	Text string
	Opt  *transport.SendOptions
}

// Send sends the Message via the provided sender.
func (m Message) Send(ctx context.Context, s transport.Sender, to transport.ChatTarget) (transport.MessageRef, error) {
	if m.Opt == nil {
		m.Opt = &transport.SendOptions{}
	}
	return s.SendText(ctx, to, m.Text, m.Opt)
}

// Builder assembles an HTML message line by line.
// Default: ParseMode=HTML, DisablePreview=true.
type Builder struct {
	disablePreview bool
	buttons        []transport.LinkButton
	lines          []string
}

func New() *Builder {
	return &Builder{disablePreview: true}
}

// DisablePreview sets DisableWebPagePreview.
func (b *Builder) DisablePreview(v bool) *Builder {
	b.disablePreview = v
	return b
}

// Button appends a URL button. Empty URLs are ignored at render time.
func (b *Builder) Button(text, url string) *Builder {
	b.buttons = append(b.buttons, transport.LinkButton{Text: text, URL: url})
	return b
}

// Title adds a bold title line. Emoji is optional.
func (b *Builder) Title(emoji, title string) *Builder {
	e := strings.TrimSpace(emoji)
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	if e != "" {
		b.lines = append(b.lines, Esc(e).String()+" "+B(t).String())
	} else {
		b.lines = append(b.lines, B(t).String())
	}
	return b
}

// Line adds a single escaped line.
func (b *Builder) Line(s string) *Builder {
	if strings.TrimSpace(s) == "" {
		b.lines = append(b.lines, "")
		return b
	}
	b.lines = append(b.lines, Esc(s).String())
	return b
}

// HTML appends already-safe HTML.
func (b *Builder) HTML(h H) *Builder {
	b.lines = append(b.lines, h.String())
	return b
}

// Blank inserts an empty line.
func (b *Builder) Blank() *Builder { return b.Line("") }

// KV adds a "key: value" row with consistent formatting.
func (b *Builder) KV(key, value string) *Builder {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" {
		return b
	}
	b.lines = append(b.lines, "• "+B(key).String()+": "+Esc(value).String())
	return b
}

// Build produces a ready-to-send Message.
func (b *Builder) Build() Message {
	text := strings.Trim(strings.Join(b.lines, "\n"), "\n")
	opt := &transport.SendOptions{ParseMode: "HTML", DisablePreview: b.disablePreview}
	if len(b.buttons) > 0 {
		opt.Buttons = append([]transport.LinkButton(nil), b.buttons...)
	}
	return Message{Text: text, Opt: opt}
}
