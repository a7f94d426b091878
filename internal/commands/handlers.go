package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"presencebot/internal/presence"
	"presencebot/internal/storage"
	"presencebot/internal/transport"
	"presencebot/internal/vault"
	logx "presencebot/pkg/logx"
	"presencebot/pkg/tgui"
)

// Vault is the credential surface the commands use.
type Vault interface {
	IssuePendingAuthorization(ctx context.Context, requesterID string) (string, error)
	AuthorizeURL(token string) string
	Unlink(ctx context.Context, ownerID string) (externalID string, removedSubs int, err error)
}

type Store interface {
	GetAccountByOwner(ctx context.Context, ownerID string) (storage.LinkedAccount, error)
	PutSubscription(ctx context.Context, s storage.Subscription) error
	GetSubscription(ctx context.Context, contextID string) (storage.Subscription, error)
	Stats(ctx context.Context) (storage.Stats, error)
}

type PollerStatus interface {
	Status() presence.Status
}

type Deps struct {
	Vault  Vault
	Store  Store
	Poller PollerStatus
}

// Handlers returns the bot's commands.
func Handlers(d Deps) []Command {
	h := handlers{d}
	return []Command{
		{Name: "link", Description: "link your account", Usage: "/link", Handle: h.link},
		{Name: "monitor", Description: "announce an account in this chat", Usage: "/monitor <owner-id|me> [mention]", Access: AccessChatAdmin, Handle: h.monitor},
		{Name: "unlink", Description: "unlink your account", Usage: "/unlink", Handle: h.unlink},
		{Name: "status", Description: "show bot status", Usage: "/status", Handle: h.status},
	}
}

type handlers struct{ Deps }

func userKey(id int64) string { return strconv.FormatInt(id, 10) }

func (h handlers) link(ctx context.Context, req *Request) error {
	token, err := h.Vault.IssuePendingAuthorization(ctx, userKey(req.FromID))
	if err != nil {
		return err
	}
	msg := tgui.New().
		Title("🔗", "Link your account").
		Line("Open the link below and approve access. It expires in 10 minutes and works once.").
		Button("Authorize", h.Vault.AuthorizeURL(token)).
		Build()

	if !req.IsGroup {
		return req.Reply(ctx, msg)
	}
	// The link is personal; keep it out of group chats.
	private := transport.ChatTarget{ChatID: req.FromID}
	if _, err := msg.Send(ctx, req.Sender, private); err != nil {
		req.Log.Debug("private message failed", logx.Err(err))
		req.ReplyText(ctx, "Start a private chat with me first, then run /link again.")
		return nil
	}
	req.ReplyText(ctx, "I sent you a private message with your link.")
	return nil
}

func (h handlers) monitor(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		req.ReplyText(ctx, "usage: /monitor <owner-id|me> [mention]")
		return nil
	}
	owner := req.Args[0]
	if strings.EqualFold(owner, "me") {
		owner = userKey(req.FromID)
	}
	if _, err := strconv.ParseInt(owner, 10, 64); err != nil {
		req.ReplyText(ctx, "owner-id must be a numeric user id (or \"me\")")
		return nil
	}
	mention := strings.TrimSpace(strings.Join(req.Args[1:], " "))

	account, err := h.Store.GetAccountByOwner(ctx, owner)
	if errors.Is(err, storage.ErrNotFound) {
		req.ReplyText(ctx, "That user has not linked an account yet. Ask them to run /link.")
		return nil
	}
	if err != nil {
		return err
	}

	channel := req.Chat.String()
	err = h.Store.PutSubscription(ctx, storage.Subscription{
		ContextID:   channel,
		ExternalID:  account.ExternalID,
		ChannelID:   channel,
		MentionRole: mention,
		CreatorID:   userKey(req.FromID),
	})
	if errors.Is(err, storage.ErrNotFound) {
		req.ReplyText(ctx, "That account was just unlinked.")
		return nil
	}
	if err != nil {
		return err
	}

	b := tgui.New().
		Title("👀", "Monitoring "+displayName(account)).
		Line("This chat will be notified when they start playing.")
	if mention != "" {
		b.KV("Mention", mention)
	}
	return req.Reply(ctx, b.Build())
}

func (h handlers) unlink(ctx context.Context, req *Request) error {
	_, removed, err := h.Vault.Unlink(ctx, userKey(req.FromID))
	if errors.Is(err, vault.ErrNoAccount) {
		req.ReplyText(ctx, "You have no linked account.")
		return nil
	}
	if err != nil {
		return err
	}
	req.ReplyText(ctx, fmt.Sprintf("Account unlinked. %d chat subscription(s) removed.", removed))
	return nil
}

func (h handlers) status(ctx context.Context, req *Request) error {
	stats, err := h.Store.Stats(ctx)
	if err != nil {
		return err
	}
	b := tgui.New().Title("📊", "Status")
	b.KV("Linked accounts", strconv.Itoa(stats.Accounts))
	b.KV("Subscriptions", strconv.Itoa(stats.Subscriptions))
	b.KV("Watched accounts", strconv.Itoa(stats.Watched))

	if h.Poller != nil {
		st := h.Poller.Status()
		b.KV("Poll interval", st.Interval.String())
		b.KV("Poller", st.State)
		b.KV("Cycles", fmt.Sprintf("%d started, %d skipped", st.CyclesStarted, st.CyclesSkipped))
		if !st.LastCycleAt.IsZero() {
			b.KV("Last cycle", st.LastCycleAt.UTC().Format(time.RFC3339))
		}
		if st.LastError != "" {
			b.KV("Last error", tgui.TruncRunes(st.LastError, 200))
		}
	}

	b.Blank()
	if a, err := h.Store.GetAccountByOwner(ctx, userKey(req.FromID)); err == nil {
		b.KV("Your account", displayName(a)+" ("+string(a.LastState)+")")
	} else if errors.Is(err, storage.ErrNotFound) {
		b.KV("Your account", "not linked")
	} else {
		return err
	}
	if s, err := h.Store.GetSubscription(ctx, req.Chat.String()); err == nil {
		b.KV("This chat", "monitoring "+s.ExternalID)
	} else if errors.Is(err, storage.ErrNotFound) {
		b.KV("This chat", "not monitoring")
	} else {
		return err
	}
	return req.Reply(ctx, b.Build())
}

func displayName(a storage.LinkedAccount) string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.ExternalID
}
