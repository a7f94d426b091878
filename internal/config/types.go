package config

import (
	"encoding/hex"
	"strings"
	"time"
)

// Config is the process configuration. A file is optional: every field
// that matters for a deployment can also come from the environment
// (see ApplyEnv), and the environment wins.
type Config struct {
	Security SecurityConfig `json:"security"`
	Poller   PollerConfig   `json:"poller"`
	OAuth    OAuthConfig    `json:"oauth"`
	Upstream UpstreamConfig `json:"upstream"`
	Storage  StorageConfig  `json:"storage"`
	Telegram TelegramConfig `json:"telegram"`
	HTTP     HTTPConfig     `json:"http"`
	Notifier NotifierConfig `json:"notifier"`
	Logging  LoggingConfig  `json:"logging"`
}

type SecurityConfig struct {
	// EncryptionKey is 64 hex characters (32 bytes). Never logged.
	EncryptionKey string `json:"encryption_key"`
}

type PollerConfig struct {
	IntervalMS int `json:"interval_ms"`
}

type OAuthConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"` // do not log
	RedirectURI  string `json:"redirect_uri"`
	// BaseURL hosts /v1/authorize, /v1/token and /v1/userinfo.
	BaseURL string `json:"base_url,omitempty"`
	Scope   string `json:"scope,omitempty"`
}

// UpstreamConfig points the status and enrichment clients at their hosts.
// Overriding them is mostly useful for tests and staging.
type UpstreamConfig struct {
	PresenceURL       string `json:"presence_url,omitempty"`
	APIsBaseURL       string `json:"apis_base_url,omitempty"`
	GamesBaseURL      string `json:"games_base_url,omitempty"`
	ThumbnailsBaseURL string `json:"thumbnails_base_url,omitempty"`
	SiteBaseURL       string `json:"site_base_url,omitempty"`

	RatePerSec int `json:"rate_per_sec,omitempty"`
	// Go duration strings.
	Timeout       string `json:"timeout,omitempty"`
	EnrichTimeout string `json:"enrich_timeout,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "url": "postgres://bot:pw@db/presence?sslmode=disable" }
//	"storage": { "url": "sqlite:./data/presence.db", "busy_timeout": "5s" }
type StorageConfig struct {
	URL         string `json:"url"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
}

// NotifierConfig controls per-subscriber delivery.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type NotifierConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

const (
	DefaultPollIntervalMS = 60000
	MinPollIntervalMS     = 1000
	DefaultHTTPAddr       = ":3000"
	EncryptionKeyHexLen   = 64
)

// Defaults returns a config with every optional field populated.
func Defaults() *Config {
	return &Config{
		Poller: PollerConfig{IntervalMS: DefaultPollIntervalMS},
		OAuth: OAuthConfig{
			BaseURL: "https://apis.roblox.com/oauth",
			Scope:   "openid profile",
		},
		Upstream: UpstreamConfig{
			PresenceURL:       "https://apis.roblox.com/cloud/v2/users/presence",
			APIsBaseURL:       "https://apis.roblox.com",
			GamesBaseURL:      "https://games.roblox.com",
			ThumbnailsBaseURL: "https://thumbnails.roblox.com",
			SiteBaseURL:       "https://www.roblox.com",
			RatePerSec:        5,
			Timeout:           "10s",
			EnrichTimeout:     "5s",
			RetryMax:          2,
		},
		Storage:  StorageConfig{BusyTimeout: "5s"},
		Telegram: TelegramConfig{PollTimeout: "10s"},
		HTTP:     HTTPConfig{Addr: DefaultHTTPAddr},
		Notifier: NotifierConfig{
			RatePerSec:    10,
			RetryMax:      3,
			RetryBase:     "500ms",
			RetryMaxDelay: "10s",
			SendTimeout:   "10s",
		},
		Logging: LoggingConfig{Level: "info", Console: true},
	}
}

// PollInterval converts the millisecond interval to a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poller.IntervalMS) * time.Millisecond
}

// KeyBytes decodes the encryption key. Call Validate first.
func (c *Config) KeyBytes() ([]byte, error) {
	return hex.DecodeString(strings.TrimSpace(c.Security.EncryptionKey))
}

// StorageDriver reports "postgres" or "sqlite" along with the DSN to open.
func (c *Config) StorageDriver() (driver, dsn string) {
	u := strings.TrimSpace(c.Storage.URL)
	switch {
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return "postgres", u
	case strings.HasPrefix(u, "sqlite://"):
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	case strings.HasPrefix(u, "sqlite:"):
		return "sqlite", strings.TrimPrefix(u, "sqlite:")
	default:
		return "sqlite", u
	}
}
