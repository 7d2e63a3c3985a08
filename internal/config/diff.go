package config

import (
	"reflect"
	"sort"
	"strings"

	"github.com/trishtzy/weatherbot/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (tokens, api keys) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	oF, nF := oldCfg.Forecast, newCfg.Forecast
	if oF.URL != nF.URL || oF.Timeout != nF.Timeout || oF.AreaNamesTTL != nF.AreaNamesTTL ||
		oF.Breaker != nF.Breaker || (oF.APIKey != "") != (nF.APIKey != "") {
		changed = append(changed, "forecast")
		attrs = append(attrs,
			logx.String("forecast.url", nF.URLOrDefault()),
			logx.Bool("forecast.api_key_set", nF.APIKey != ""),
			logx.Duration("forecast.timeout", nF.TimeoutOrDefault()),
		)
	}

	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Duration("delivery.interval", newCfg.Delivery.IntervalOrDefault()),
			logx.Int("delivery.concurrency", newCfg.Delivery.ConcurrencyOrDefault()),
			logx.Bool("delivery.startup_catch_up", newCfg.Delivery.StartupCatchUpEnabled()),
		)
	}

	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSecOrDefault()),
			logx.Int("notifier.retry_max", newCfg.Notifier.RetryMaxOrDefault()),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.path", newCfg.Storage.PathOrDefault()),
			logx.Duration("storage.busy_timeout", newCfg.Storage.BusyTimeoutOrDefault()),
		)
	}

	oO, nO := oldCfg.Ops, newCfg.Ops
	if oO.Enabled != nO.Enabled || oO.Addr != nO.Addr || oO.AllowInsecure != nO.AllowInsecure ||
		oO.Pprof != nO.Pprof || oO.ReadTimeout != nO.ReadTimeout || oO.WriteTimeout != nO.WriteTimeout ||
		oO.IdleTimeout != nO.IdleTimeout || (oO.Token != "") != (nO.Token != "") {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", nO.Enabled),
			logx.String("ops.addr", nO.AddrOrDefault()),
			logx.Bool("ops.token_set", nO.Token != ""),
			logx.Bool("ops.pprof", nO.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RequiresRestart reports sections that cannot be applied to a running process.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "telegram", "storage", "forecast":
			out = append(out, s)
		}
	}
	return out
}
