package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Environment variable names.
const (
	EnvEncryptionKey     = "ENCRYPTION_KEY"
	EnvPollIntervalMS    = "POLL_INTERVAL_MS"
	EnvOAuthClientID     = "OAUTH_CLIENT_ID"
	EnvOAuthClientSecret = "OAUTH_CLIENT_SECRET"
	EnvOAuthRedirectURI  = "OAUTH_REDIRECT_URI"
	EnvDatabaseURL       = "DATABASE_URL"
	EnvTelegramToken     = "TELEGRAM_TOKEN"
	EnvHTTPAddr          = "HTTP_ADDR"
	EnvLogLevel          = "LOG_LEVEL"
)

// ApplyEnv overlays non-empty environment values onto cfg.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	str := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str(&cfg.Security.EncryptionKey, EnvEncryptionKey)
	str(&cfg.OAuth.ClientID, EnvOAuthClientID)
	str(&cfg.OAuth.ClientSecret, EnvOAuthClientSecret)
	str(&cfg.OAuth.RedirectURI, EnvOAuthRedirectURI)
	str(&cfg.Storage.URL, EnvDatabaseURL)
	str(&cfg.Telegram.Token, EnvTelegramToken)
	str(&cfg.HTTP.Addr, EnvHTTPAddr)
	str(&cfg.Logging.Level, EnvLogLevel)

	if v := strings.TrimSpace(getenv(EnvPollIntervalMS)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", EnvPollIntervalMS, v)
		}
		cfg.Poller.IntervalMS = n
	}
	return nil
}
