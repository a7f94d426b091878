package notifier

import (
	"context"
	"strings"

	"presencebot/internal/storage"
	"presencebot/internal/upstream"
	"presencebot/pkg/tgui"
)

// Enricher supplies the display data for a notification. Every method
// degrades to a placeholder instead of failing.
type Enricher interface {
	FetchActivityMetadata(ctx context.Context, activityID string) upstream.ActivityMetadata
	FetchAvatarURL(ctx context.Context, externalID string) (string, bool)
	ProfileURL(externalID string) string
}

// Payload is the content shared by all subscribers of one transition.
type Payload struct {
	ExternalID   string
	DisplayName  string
	State        storage.PresenceState
	ActivityID   string
	ActivityName string
	IconURL      string
	ActivityURL  string
	ProfileURL   string
	AvatarURL    string
}

const maxActivityName = 120

// BuildPayload gathers activity and avatar data for a transition.
func BuildPayload(ctx context.Context, e Enricher, account storage.LinkedAccount, snap upstream.Snapshot) Payload {
	p := Payload{
		ExternalID:  account.ExternalID,
		DisplayName: account.DisplayName,
		State:       snap.State,
		ActivityID:  snap.ActivityID,
		ProfileURL:  e.ProfileURL(account.ExternalID),
	}
	if p.DisplayName == "" {
		p.DisplayName = account.ExternalID
	}

	meta := e.FetchActivityMetadata(ctx, snap.ActivityID)
	p.ActivityName = tgui.TruncRunes(meta.Name, maxActivityName)
	p.IconURL = meta.IconURL
	p.ActivityURL = meta.URL

	if avatar, ok := e.FetchAvatarURL(ctx, account.ExternalID); ok {
		p.AvatarURL = avatar
	}
	return p
}

// Render formats p for one subscriber. mention is prepended verbatim when set.
func (p Payload) Render(mention string) tgui.Message {
	b := tgui.New().DisablePreview(p.IconURL == "")
	if m := strings.TrimSpace(mention); m != "" {
		b.Line(m)
	}
	b.Title("🎮", p.DisplayName+" is now playing")
	b.KV("Experience", p.ActivityName)
	b.KV("Status", string(p.State))

	var links []tgui.H
	if p.IconURL != "" {
		links = append(links, tgui.Link("Icon", p.IconURL))
	}
	if p.AvatarURL != "" {
		links = append(links, tgui.Link("Avatar", p.AvatarURL))
	}
	if len(links) > 0 {
		b.HTML(tgui.JoinH(" · ", links...))
	}

	b.Button("Join", p.ActivityURL)
	b.Button("View Profile", p.ProfileURL)
	return b.Build()
}
