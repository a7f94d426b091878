package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"presencebot/internal/storage"
	logx "presencebot/pkg/logx"
)

// Presence codes reported by the status endpoint.
const (
	PresenceOffline  = 0
	PresenceOnline   = 1
	PresenceInGame   = 2
	PresenceInStudio = 3
)

const UnknownActivityName = "Unknown Experience"

// StateForCode collapses an upstream presence code into a coarse state.
// Unknown codes are treated as Offline.
func StateForCode(code int) storage.PresenceState {
	switch code {
	case PresenceInGame:
		return storage.StateActive
	case PresenceOnline, PresenceInStudio:
		return storage.StateOnline
	default:
		return storage.StateOffline
	}
}

// Snapshot is one point-in-time read of an account's presence.
type Snapshot struct {
	ExternalID string
	Code       int
	State      storage.PresenceState
	ActivityID string // empty when not in an activity
	ObservedAt time.Time
}

// ActivityMetadata describes an activity for notification payloads.
type ActivityMetadata struct {
	Name    string
	IconURL string
	URL     string
}

type StatusConfig struct {
	PresenceURL       string
	APIsBaseURL       string
	GamesBaseURL      string
	ThumbnailsBaseURL string
	SiteBaseURL       string

	RatePerSec    int
	Timeout       time.Duration
	EnrichTimeout time.Duration
	RetryMax      int
	RetryBase     time.Duration
}

// StatusClient reads presence and best-effort enrichment data.
type StatusClient struct {
	cfg StatusConfig
	d   doer
	log logx.Logger
}

func NewStatusClient(cfg StatusConfig, hc *http.Client, log logx.Logger) *StatusClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.EnrichTimeout <= 0 {
		cfg.EnrichTimeout = 5 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 250 * time.Millisecond
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.SiteBaseURL == "" {
		cfg.SiteBaseURL = "https://www.roblox.com"
	}
	for _, p := range []*string{&cfg.APIsBaseURL, &cfg.GamesBaseURL, &cfg.ThumbnailsBaseURL, &cfg.SiteBaseURL} {
		*p = strings.TrimRight(*p, "/")
	}
	return &StatusClient{cfg: cfg, d: newDoer(hc, cfg.RatePerSec), log: log}
}

// flexID decodes a JSON number, string or null into a string id.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

type presenceRequest struct {
	UserIDs []string `json:"userIds"`
}

type presenceEntry struct {
	UserID           flexID `json:"userId"`
	UserPresenceType int    `json:"userPresenceType"`
	PlaceID          flexID `json:"placeId"`
}

type presenceResponse struct {
	UserPresences []presenceEntry `json:"userPresences"`
}

// FetchStatus reads the current presence of one account. Failures unwrap to
// ErrRateLimited, ErrUnauthorized or ErrTransient where they apply. Only
// transient failures are retried, and only within this call.
func (c *StatusClient) FetchStatus(ctx context.Context, accessToken, externalID string) (Snapshot, error) {
	body, err := json.Marshal(presenceRequest{UserIDs: []string{externalID}})
	if err != nil {
		return Snapshot{}, err
	}

	var pr presenceResponse
	err = retry(ctx, c.cfg.RetryMax, c.cfg.RetryBase, func() error {
		pr = presenceResponse{}
		return c.d.do(ctx, "fetch status", c.cfg.Timeout, func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.PresenceURL, bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+accessToken)
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		}, &pr)
	})
	if err != nil {
		return Snapshot{}, err
	}
	found := false
	var p presenceEntry
	for _, cand := range pr.UserPresences {
		if string(cand.UserID) == externalID {
			p, found = cand, true
			break
		}
	}
	// Another account's entry is never attributed to externalID.
	if !found {
		return Snapshot{}, fmt.Errorf("fetch status: %w: no presence for %s", ErrTransient, externalID)
	}
	snap := Snapshot{
		ExternalID: externalID,
		Code:       p.UserPresenceType,
		State:      StateForCode(p.UserPresenceType),
		ObservedAt: time.Now(),
	}
	if snap.State == storage.StateActive {
		snap.ActivityID = string(p.PlaceID)
	}
	return snap, nil
}

// ActivityURL is the public page for an activity id.
func (c *StatusClient) ActivityURL(activityID string) string {
	return c.cfg.SiteBaseURL + "/games/" + url.PathEscape(activityID)
}

// ProfileURL is the public profile page for an external account.
func (c *StatusClient) ProfileURL(externalID string) string {
	return c.cfg.SiteBaseURL + "/users/" + url.PathEscape(externalID) + "/profile"
}

// FetchActivityMetadata resolves name and icon for an activity. It never
// fails: any error degrades to defaults.
func (c *StatusClient) FetchActivityMetadata(ctx context.Context, activityID string) ActivityMetadata {
	meta := ActivityMetadata{Name: UnknownActivityName, URL: c.ActivityURL(activityID)}
	if activityID == "" {
		return meta
	}
	log := c.log.With(logx.String("activity_id", activityID))

	var uni struct {
		UniverseID flexID `json:"universeId"`
	}
	if err := c.getJSON(ctx, "activity universe", c.cfg.APIsBaseURL+"/universes/v1/places/"+url.PathEscape(activityID)+"/universe", &uni); err != nil || uni.UniverseID == "" {
		log.Warn("activity metadata unavailable", logx.Err(err))
		return meta
	}
	universe := string(uni.UniverseID)

	var games struct {
		Data []struct {
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, "activity details", c.cfg.GamesBaseURL+"/v1/games?universeIds="+url.QueryEscape(universe), &games); err != nil {
		log.Warn("activity details unavailable", logx.Err(err))
	} else if len(games.Data) > 0 && strings.TrimSpace(games.Data[0].Name) != "" {
		meta.Name = games.Data[0].Name
	}

	q := url.Values{}
	q.Set("universeIds", universe)
	q.Set("size", "768x432")
	q.Set("format", "Png")
	q.Set("isCircular", "false")
	if img, err := c.firstImage(ctx, "activity icon", c.cfg.ThumbnailsBaseURL+"/v1/games/icons?"+q.Encode()); err != nil {
		log.Warn("activity icon unavailable", logx.Err(err))
	} else {
		meta.IconURL = img
	}
	return meta
}

// FetchAvatarURL returns the account's headshot, or ok=false on any failure.
func (c *StatusClient) FetchAvatarURL(ctx context.Context, externalID string) (string, bool) {
	q := url.Values{}
	q.Set("userIds", externalID)
	q.Set("size", "420x420")
	q.Set("format", "Png")
	q.Set("isCircular", "true")
	img, err := c.firstImage(ctx, "avatar", c.cfg.ThumbnailsBaseURL+"/v1/users/avatar-headshot?"+q.Encode())
	if err != nil || img == "" {
		c.log.Warn("avatar unavailable", logx.String("external_id", externalID), logx.Err(err))
		return "", false
	}
	return img, true
}

func (c *StatusClient) firstImage(ctx context.Context, op, u string) (string, error) {
	var thumbs struct {
		Data []struct {
			ImageURL string `json:"imageUrl"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, op, u, &thumbs); err != nil {
		return "", err
	}
	if len(thumbs.Data) == 0 {
		return "", nil
	}
	return thumbs.Data[0].ImageURL, nil
}

func (c *StatusClient) getJSON(ctx context.Context, op, u string, out any) error {
	return c.d.do(ctx, op, c.cfg.EnrichTimeout, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}, out)
}
