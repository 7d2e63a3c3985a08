package app

import (
	"time"

	"github.com/trishtzy/weatherbot/internal/config"
	"github.com/trishtzy/weatherbot/internal/delivery"
	"github.com/trishtzy/weatherbot/internal/forecast"
	"github.com/trishtzy/weatherbot/internal/notifier"
	"github.com/trishtzy/weatherbot/internal/observability/ops"
	"github.com/trishtzy/weatherbot/internal/storage"
	telegram "github.com/trishtzy/weatherbot/internal/transport/telegram/adapter"
	"github.com/trishtzy/weatherbot/pkg/logx"
)

// Mappers translate the file config into component configs. They assume
// config.Validate already accepted cfg.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	chatID, _ := cfg.Telegram.GroupLogChatID()
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && chatID != 0,
			ChatID:     chatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapAdapterConfig(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.Telegram.PollTimeoutOrDefault(),
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Path:        cfg.Storage.PathOrDefault(),
		BusyTimeout: cfg.Storage.BusyTimeoutOrDefault(),
	}
}

func mapForecastConfig(cfg *config.Config) forecast.ClientConfig {
	fc := cfg.Forecast
	return forecast.ClientConfig{
		URL:         fc.URLOrDefault(),
		APIKey:      fc.APIKey,
		Timeout:     fc.TimeoutOrDefault(),
		MaxFailures: fc.Breaker.MaxFailuresOrDefault(),
		OpenTimeout: fc.Breaker.OpenTimeoutOrDefault(),
	}
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	n := cfg.Notifier
	return notifier.Config{
		RatePerSec:    n.RatePerSecOrDefault(),
		RetryMax:      n.RetryMaxOrDefault(),
		RetryBase:     n.RetryBaseOrDefault(),
		RetryMaxDelay: n.RetryMaxDelayOrDefault(),
		SendTimeout:   n.SendTimeoutOrDefault(),
		HistorySize:   n.HistorySizeOrDefault(),
	}
}

func mapDeliveryConfig(cfg *config.Config) delivery.Config {
	return delivery.Config{
		Interval:       cfg.Delivery.IntervalOrDefault(),
		StartupCatchUp: cfg.Delivery.StartupCatchUpEnabled(),
	}
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 5*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("ops.write_timeout", oc.WriteTimeout, 30*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          oc.AddrOrDefault(),
		Token:         oc.Token,
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}
