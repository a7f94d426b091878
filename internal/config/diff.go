package config

import (
	"fmt"
	"strings"

	logx "presencebot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging (never includes secrets). Only sections that
// pass CheckImmutable can show up here.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 1)
	attrs := make([]logx.Field, 0, 3)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	return changed, attrs
}

// CheckImmutable rejects a reload that touches settings read once at startup.
// Secrets are compared but never echoed.
func CheckImmutable(oldCfg, newCfg *Config) error {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var bad []string
	if strings.TrimSpace(oldCfg.Security.EncryptionKey) != strings.TrimSpace(newCfg.Security.EncryptionKey) {
		bad = append(bad, "security.encryption_key")
	}
	if oldCfg.Poller != newCfg.Poller {
		bad = append(bad, "poller.interval_ms")
	}
	if oldCfg.OAuth != newCfg.OAuth {
		bad = append(bad, "oauth")
	}
	if oldCfg.Storage != newCfg.Storage {
		bad = append(bad, "storage")
	}
	if oldCfg.Telegram != newCfg.Telegram {
		bad = append(bad, "telegram")
	}
	if oldCfg.Upstream != newCfg.Upstream {
		bad = append(bad, "upstream")
	}
	if oldCfg.HTTP != newCfg.HTTP {
		bad = append(bad, "http")
	}
	if oldCfg.Notifier != newCfg.Notifier {
		bad = append(bad, "notifier")
	}
	if len(bad) > 0 {
		return fmt.Errorf("restart required to change: %s", strings.Join(bad, ", "))
	}
	return nil
}
