package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate reports every startup-fatal problem at once.
func (c *Config) Validate() error {
	var errs []error

	key := strings.TrimSpace(c.Security.EncryptionKey)
	switch {
	case key == "":
		errs = append(errs, fmt.Errorf("%s is required", EnvEncryptionKey))
	case len(key) != EncryptionKeyHexLen:
		errs = append(errs, fmt.Errorf("%s must be %d hex characters, got %d", EnvEncryptionKey, EncryptionKeyHexLen, len(key)))
	default:
		if _, err := hex.DecodeString(key); err != nil {
			errs = append(errs, fmt.Errorf("%s is not valid hex", EnvEncryptionKey))
		}
	}

	if c.Poller.IntervalMS < MinPollIntervalMS {
		errs = append(errs, fmt.Errorf("%s must be >= %d, got %d", EnvPollIntervalMS, MinPollIntervalMS, c.Poller.IntervalMS))
	}

	required := []struct{ name, val string }{
		{EnvOAuthClientID, c.OAuth.ClientID},
		{EnvOAuthClientSecret, c.OAuth.ClientSecret},
		{EnvOAuthRedirectURI, c.OAuth.RedirectURI},
		{EnvDatabaseURL, c.Storage.URL},
		{EnvTelegramToken, c.Telegram.Token},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.name))
		}
	}
	if ru := strings.TrimSpace(c.OAuth.RedirectURI); ru != "" {
		if u, err := url.Parse(ru); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an absolute URL", EnvOAuthRedirectURI))
		}
	}

	durations := []struct{ path, raw string }{
		{"upstream.timeout", c.Upstream.Timeout},
		{"upstream.enrich_timeout", c.Upstream.EnrichTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"notifier.retry_base", c.Notifier.RetryBase},
		{"notifier.retry_max_delay", c.Notifier.RetryMaxDelay},
		{"notifier.send_timeout", c.Notifier.SendTimeout},
	}
	for _, d := range durations {
		if _, err := parseDuration(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
