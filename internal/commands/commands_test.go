package commands

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"presencebot/internal/presence"
	"presencebot/internal/storage"
	"presencebot/internal/transport"
	"presencebot/internal/vault"
	logx "presencebot/pkg/logx"
)

type outMsg struct {
	to   transport.ChatTarget
	text string
	opt  *transport.SendOptions
}

type recSender struct {
	mu      sync.Mutex
	out     []outMsg
	failFor map[int64]bool
	notify  chan struct{}
	admins  map[int64]bool
	lookups int
}

func (s *recSender) IsChatAdmin(_ context.Context, _, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.admins == nil {
		return false, errors.New("getChatMember: chat not found")
	}
	return s.admins[userID], nil
}

func (s *recSender) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[to.ChatID] {
		return transport.MessageRef{}, errors.New("forbidden: bot can't initiate conversation")
	}
	s.out = append(s.out, outMsg{to: to, text: text, opt: opt})
	if s.notify != nil {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(s.out)}, nil
}

func (s *recSender) messages() []outMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outMsg(nil), s.out...)
}

type stubVault struct {
	issued   []string
	unlinked map[string]bool
}

func (v *stubVault) IssuePendingAuthorization(_ context.Context, requesterID string) (string, error) {
	v.issued = append(v.issued, requesterID)
	return "state-" + requesterID, nil
}

func (v *stubVault) AuthorizeURL(token string) string { return "https://auth.example/authorize?state=" + token }

func (v *stubVault) Unlink(_ context.Context, ownerID string) (string, int, error) {
	if !v.unlinked[ownerID] {
		return "", 0, vault.ErrNoAccount
	}
	return "42", 2, nil
}

type stubPoller struct{ st presence.Status }

func (p stubPoller) Status() presence.Status { return p.st }

func newTestRouter(t *testing.T, v *stubVault, store *storage.Memory, sender *recSender) *Router {
	t.Helper()
	return NewRouter(sender, logx.Nop(), Handlers(Deps{
		Vault:  v,
		Store:  store,
		Poller: stubPoller{presence.Status{State: "idle", Interval: time.Minute, CyclesStarted: 3, CyclesSkipped: 1}},
	})...)
}

func run(t *testing.T, r *Router, msg *transport.Message) {
	t.Helper()
	req, cmd, ok := r.parse(msg)
	if !ok {
		t.Fatalf("message %q not routed", msg.Text)
	}
	_ = r.handler(cmd)(context.Background(), req)
}

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{"/monitor 123", []string{"/monitor", "123"}},
		{`/monitor 123 "@team leads"`, []string{"/monitor", "123", "@team leads"}},
		{`/x a\ b 'c d'`, []string{"/x", "a b", "c d"}},
		{"   ", nil},
	}
	for _, tt := range tests {
		if got := tokenizeCommandLine(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("tokenize(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestLinkPrivateChat(t *testing.T) {
	t.Parallel()

	v := &stubVault{}
	sender := &recSender{}
	r := newTestRouter(t, v, storage.NewMemory(), sender)

	run(t, r, &transport.Message{ChatID: 7, FromID: 7, Text: "/link"})

	out := sender.messages()
	if len(out) != 1 || out[0].to.ChatID != 7 {
		t.Fatalf("replies = %+v", out)
	}
	if len(v.issued) != 1 || v.issued[0] != "7" {
		t.Fatalf("issued = %v", v.issued)
	}
	b := out[0].opt.Buttons
	if len(b) != 1 || b[0].URL != "https://auth.example/authorize?state=state-7" {
		t.Fatalf("buttons = %+v", b)
	}
}

func TestLinkInGroupGoesPrivate(t *testing.T) {
	t.Parallel()

	sender := &recSender{}
	r := newTestRouter(t, &stubVault{}, storage.NewMemory(), sender)

	run(t, r, &transport.Message{ChatID: -100, FromID: 7, IsGroup: true, Text: "/link@presence_bot"})

	out := sender.messages()
	if len(out) != 2 {
		t.Fatalf("replies = %+v", out)
	}
	if out[0].to.ChatID != 7 || len(out[0].opt.Buttons) != 1 {
		t.Fatalf("private link = %+v", out[0])
	}
	if out[1].to.ChatID != -100 || strings.Contains(out[1].text, "state-") {
		t.Fatalf("group reply leaked link: %+v", out[1])
	}

	blocked := &recSender{failFor: map[int64]bool{7: true}}
	r = newTestRouter(t, &stubVault{}, storage.NewMemory(), blocked)
	run(t, r, &transport.Message{ChatID: -100, FromID: 7, IsGroup: true, Text: "/link"})
	if out := blocked.messages(); len(out) != 1 || !strings.Contains(out[0].text, "private chat") {
		t.Fatalf("blocked replies = %+v", out)
	}
}

func TestMonitorCreatesSubscription(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	sender := &recSender{}
	r := newTestRouter(t, &stubVault{}, store, sender)
	ctx := context.Background()

	run(t, r, &transport.Message{ChatID: -100, ThreadID: 3, FromID: 9, Text: "/monitor 7"})
	if out := sender.messages(); len(out) != 1 || !strings.Contains(out[0].text, "not linked") {
		t.Fatalf("reply without account = %+v", out)
	}

	if _, err := store.UpsertAccount(ctx, storage.LinkedAccount{ExternalID: "42", OwnerID: "7", DisplayName: "Builder"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	run(t, r, &transport.Message{ChatID: -100, ThreadID: 3, FromID: 9, Text: `/monitor 7 "@game night"`})

	sub, err := store.GetSubscription(ctx, "-100/3")
	if err != nil {
		t.Fatalf("subscription: %v", err)
	}
	want := storage.Subscription{ContextID: "-100/3", ExternalID: "42", ChannelID: "-100/3", MentionRole: "@game night", CreatorID: "9"}
	sub.CreatedAt = time.Time{}
	if sub != want {
		t.Fatalf("subscription = %+v, want %+v", sub, want)
	}
	out := sender.messages()
	if !strings.Contains(out[len(out)-1].text, "Monitoring Builder") {
		t.Fatalf("confirmation = %q", out[len(out)-1].text)
	}

	run(t, r, &transport.Message{ChatID: -100, FromID: 9, Text: "/monitor someone"})
	if out := sender.messages(); !strings.Contains(out[len(out)-1].text, "numeric") {
		t.Fatalf("bad owner reply = %q", out[len(out)-1].text)
	}
}

func TestMonitorInGroupRequiresChatAdmin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tests := []struct {
		name    string
		admins  map[int64]bool
		from    int64
		created bool
	}{
		{name: "admin", admins: map[int64]bool{9: true}, from: 9, created: true},
		{name: "member", admins: map[int64]bool{9: true}, from: 10},
		{name: "lookup failed", from: 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := storage.NewMemory()
			if _, err := store.UpsertAccount(ctx, storage.LinkedAccount{ExternalID: "42", OwnerID: "7", DisplayName: "Builder"}); err != nil {
				t.Fatalf("seed: %v", err)
			}
			sender := &recSender{admins: tt.admins}
			r := newTestRouter(t, &stubVault{}, store, sender)

			run(t, r, &transport.Message{ChatID: -100, FromID: tt.from, IsGroup: true, Text: "/monitor 7 @here"})

			_, err := store.GetSubscription(ctx, "-100")
			if tt.created != (err == nil) {
				t.Fatalf("subscription created = %v, want %v (err %v)", err == nil, tt.created, err)
			}
			out := sender.messages()
			if len(out) != 1 {
				t.Fatalf("replies = %+v", out)
			}
			refused := strings.Contains(out[0].text, "Only chat admins can use /monitor")
			if refused == tt.created {
				t.Fatalf("reply = %q", out[0].text)
			}
		})
	}
}

func TestAdminOnlyCommandSkipsLookupInPrivateChat(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	sender := &recSender{}
	r := newTestRouter(t, &stubVault{}, store, sender)

	run(t, r, &transport.Message{ChatID: 9, FromID: 9, Text: "/monitor me"})
	run(t, r, &transport.Message{ChatID: -100, FromID: 9, IsGroup: true, Text: "/link"})

	sender.mu.Lock()
	lookups := sender.lookups
	sender.mu.Unlock()
	if lookups != 0 {
		t.Fatalf("admin lookups = %d", lookups)
	}
}

func TestUnlinkReplies(t *testing.T) {
	t.Parallel()

	sender := &recSender{}
	r := newTestRouter(t, &stubVault{unlinked: map[string]bool{"5": true}}, storage.NewMemory(), sender)

	run(t, r, &transport.Message{ChatID: 1, FromID: 1, Text: "/unlink"})
	run(t, r, &transport.Message{ChatID: 5, FromID: 5, Text: "/unlink"})

	out := sender.messages()
	if len(out) != 2 || !strings.Contains(out[0].text, "no linked account") || !strings.Contains(out[1].text, "2 chat subscription") {
		t.Fatalf("replies = %+v", out)
	}
}

func TestStatusReportsPollerAndChat(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	ctx := context.Background()
	if _, err := store.UpsertAccount(ctx, storage.LinkedAccount{ExternalID: "42", OwnerID: "5", DisplayName: "Builder"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.PutSubscription(ctx, storage.Subscription{ContextID: "5", ExternalID: "42", ChannelID: "5"}); err != nil {
		t.Fatalf("seed sub: %v", err)
	}
	sender := &recSender{}
	r := newTestRouter(t, &stubVault{}, store, sender)

	run(t, r, &transport.Message{ChatID: 5, FromID: 5, Text: "/status"})
	out := sender.messages()
	if len(out) != 1 {
		t.Fatalf("replies = %+v", out)
	}
	for _, want := range []string{"3 started, 1 skipped", "1m0s", "Builder (Offline)", "monitoring 42"} {
		if !strings.Contains(out[0].text, want) {
			t.Fatalf("status missing %q:\n%s", want, out[0].text)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()

	sender := &recSender{}
	r := newTestRouter(t, &stubVault{}, storage.NewMemory(), sender)

	if _, _, ok := r.parse(&transport.Message{ChatID: 1, Text: "/nope"}); ok {
		t.Fatalf("unknown command routed")
	}
	if _, _, ok := r.parse(&transport.Message{ChatID: -1, IsGroup: true, Text: "/nope"}); ok {
		t.Fatalf("unknown group command routed")
	}
	if _, _, ok := r.parse(&transport.Message{ChatID: 1, Text: "hello"}); ok {
		t.Fatalf("plain text routed")
	}
	if out := sender.messages(); len(out) != 1 || out[0].to.ChatID != 1 {
		t.Fatalf("hint replies = %+v", out)
	}
}

func TestDispatchLoopRunsCommands(t *testing.T) {
	t.Parallel()

	sender := &recSender{notify: make(chan struct{}, 1)}
	r := newTestRouter(t, &stubVault{}, storage.NewMemory(), sender)

	if got := r.Menu(); len(got) != 5 || got[0].Command != "help" {
		t.Fatalf("menu = %+v", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan transport.Update, 1)
	done := make(chan error, 1)
	go func() { done <- r.DispatchLoop(ctx, updates) }()

	updates <- transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{ChatID: 3, FromID: 3, Text: "/help"}}
	select {
	case <-sender.notify:
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply from dispatcher")
	}
	if out := sender.messages(); !strings.Contains(out[0].text, "/monitor") {
		t.Fatalf("help = %q", out[0].text)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("dispatch loop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatch loop did not stop")
	}
}
