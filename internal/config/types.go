package config

import "time"

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Forecast ForecastConfig `json:"forecast"`
	Delivery DeliveryConfig `json:"delivery"`
	Notifier NotifierConfig `json:"notifier"`
	Storage  StorageConfig  `json:"storage"`
	Ops      OpsConfig      `json:"ops,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty in the file and supplied by TELEGRAM_BOT_TOKEN.
	Token        string  `json:"token" validate:"required"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id operator logs go to (empty disables).
	GroupLog string `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id" validate:"gte=0"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// ForecastConfig controls the upstream two-hour forecast API.
//
// Defaults:
//   - url: DefaultForecastURL
//   - timeout: "10s"
//   - area_names_ttl: "24h"
//   - breaker.max_failures: 5, breaker.open_timeout: "1m"
type ForecastConfig struct {
	URL string `json:"url,omitempty" validate:"omitempty,url"`
	// APIKey is sent as x-api-key when set. DGS_API_KEY overrides it.
	APIKey       string        `json:"api_key,omitempty"`
	Timeout      string        `json:"timeout,omitempty"`
	AreaNamesTTL string        `json:"area_names_ttl,omitempty"`
	Breaker      BreakerConfig `json:"breaker,omitempty"`
}

type BreakerConfig struct {
	MaxFailures int    `json:"max_failures,omitempty" validate:"gte=0"`
	OpenTimeout string `json:"open_timeout,omitempty"`
}

// DeliveryConfig controls the reconciliation loop.
//
// StartupCatchUp is a pointer so an omitted value (default true) can be told
// apart from an explicit false.
type DeliveryConfig struct {
	Interval       string `json:"interval,omitempty"`
	Concurrency    int    `json:"concurrency,omitempty" validate:"gte=0,lte=64"`
	StartupCatchUp *bool  `json:"startup_catch_up,omitempty"`
}

// NotifierConfig controls outbound message dispatch. Durations are Go duration strings.
type NotifierConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
	RetryMax      int    `json:"retry_max,omitempty" validate:"gte=0,lte=10"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	HistorySize   int    `json:"history_size,omitempty" validate:"gte=0"`
}

// StorageConfig controls the sqlite database.
//
//	"storage": { "path": "./data/subscribers.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// OpsConfig controls the optional operations HTTP server (/healthz, /metrics, pprof).
//
// Prefer binding to localhost. A non-loopback address needs a token or an
// explicit allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

const (
	DefaultForecastURL      = "https://api-open.data.gov.sg/v2/real-time/api/two-hr-forecast"
	DefaultForecastTimeout  = 10 * time.Second
	DefaultAreaNamesTTL     = 24 * time.Hour
	DefaultBreakerFailures  = 5
	DefaultBreakerOpen      = time.Minute
	DefaultDeliveryInterval = time.Minute
	DefaultStoragePath      = "./data/subscribers.db"
	DefaultBusyTimeout      = 5 * time.Second
	DefaultOpsAddr          = "127.0.0.1:6060"
	DefaultPollTimeout      = 10 * time.Second
	DefaultNotifierRate     = 20
	DefaultRetryMax         = 2
	DefaultRetryBase        = 500 * time.Millisecond
	DefaultRetryMaxDelay    = 5 * time.Second
	DefaultSendTimeout      = 15 * time.Second
	DefaultHistorySize      = 200
)

// StartupCatchUpEnabled reports the effective startup catch-up switch.
func (d DeliveryConfig) StartupCatchUpEnabled() bool {
	return d.StartupCatchUp == nil || *d.StartupCatchUp
}
