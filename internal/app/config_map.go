package app

import (
	"time"

	"presencebot/internal/config"
	"presencebot/internal/httpapi"
	"presencebot/internal/notifier"
	"presencebot/internal/storage"
	"presencebot/internal/upstream"
	logx "presencebot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	driver, dsn := cfg.StorageDriver()
	sc := storage.Config{Driver: driver, DSN: dsn}
	if driver == "sqlite" {
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		sc.BusyTimeout = busy
	}
	return sc, nil
}

func mapOAuthConfig(cfg *config.Config) (upstream.OAuthConfig, error) {
	timeout, err := config.ParseDurationOrDefault("upstream.timeout", cfg.Upstream.Timeout, 10*time.Second)
	if err != nil {
		return upstream.OAuthConfig{}, err
	}
	return upstream.OAuthConfig{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURI:  cfg.OAuth.RedirectURI,
		BaseURL:      cfg.OAuth.BaseURL,
		Scope:        cfg.OAuth.Scope,
		Timeout:      timeout,
	}, nil
}

func mapStatusConfig(cfg *config.Config) (upstream.StatusConfig, error) {
	u := cfg.Upstream
	timeout, err := config.ParseDurationOrDefault("upstream.timeout", u.Timeout, 10*time.Second)
	if err != nil {
		return upstream.StatusConfig{}, err
	}
	enrich, err := config.ParseDurationOrDefault("upstream.enrich_timeout", u.EnrichTimeout, 5*time.Second)
	if err != nil {
		return upstream.StatusConfig{}, err
	}
	return upstream.StatusConfig{
		PresenceURL:       u.PresenceURL,
		APIsBaseURL:       u.APIsBaseURL,
		GamesBaseURL:      u.GamesBaseURL,
		ThumbnailsBaseURL: u.ThumbnailsBaseURL,
		SiteBaseURL:       u.SiteBaseURL,
		RatePerSec:        u.RatePerSec,
		Timeout:           timeout,
		EnrichTimeout:     enrich,
		RetryMax:          u.RetryMax,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	base, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("notifier.send_timeout", n.SendTimeout, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		SendTimeout:   sendTimeout,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	return httpapi.Config{Addr: cfg.HTTP.Addr}
}
