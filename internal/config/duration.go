package config

import (
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault returns def for an empty or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// durationOrDefault is ParseDurationOrDefault for values Validate already checked.
func durationOrDefault(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("", raw, def)
	if err != nil {
		return def
	}
	return d
}

// Effective durations. Callers use these after Validate succeeded.

func (c ForecastConfig) TimeoutOrDefault() time.Duration {
	return durationOrDefault(c.Timeout, DefaultForecastTimeout)
}

func (c ForecastConfig) AreaNamesTTLOrDefault() time.Duration {
	return durationOrDefault(c.AreaNamesTTL, DefaultAreaNamesTTL)
}

func (c ForecastConfig) URLOrDefault() string {
	if u := strings.TrimSpace(c.URL); u != "" {
		return u
	}
	return DefaultForecastURL
}

func (c BreakerConfig) MaxFailuresOrDefault() int {
	if c.MaxFailures > 0 {
		return c.MaxFailures
	}
	return DefaultBreakerFailures
}

func (c BreakerConfig) OpenTimeoutOrDefault() time.Duration {
	return durationOrDefault(c.OpenTimeout, DefaultBreakerOpen)
}

func (d DeliveryConfig) IntervalOrDefault() time.Duration {
	return durationOrDefault(d.Interval, DefaultDeliveryInterval)
}

func (d DeliveryConfig) ConcurrencyOrDefault() int {
	return max(1, d.Concurrency)
}

func (n NotifierConfig) RatePerSecOrDefault() int {
	if n.RatePerSec > 0 {
		return n.RatePerSec
	}
	return DefaultNotifierRate
}

func (n NotifierConfig) RetryMaxOrDefault() int {
	if n.RetryMax > 0 {
		return n.RetryMax
	}
	return DefaultRetryMax
}

func (n NotifierConfig) RetryBaseOrDefault() time.Duration {
	return durationOrDefault(n.RetryBase, DefaultRetryBase)
}

func (n NotifierConfig) RetryMaxDelayOrDefault() time.Duration {
	return durationOrDefault(n.RetryMaxDelay, DefaultRetryMaxDelay)
}

func (n NotifierConfig) SendTimeoutOrDefault() time.Duration {
	return durationOrDefault(n.SendTimeout, DefaultSendTimeout)
}

func (n NotifierConfig) HistorySizeOrDefault() int {
	if n.HistorySize > 0 {
		return n.HistorySize
	}
	return DefaultHistorySize
}

func (s StorageConfig) PathOrDefault() string {
	if p := strings.TrimSpace(s.Path); p != "" {
		return p
	}
	return DefaultStoragePath
}

func (s StorageConfig) BusyTimeoutOrDefault() time.Duration {
	return durationOrDefault(s.BusyTimeout, DefaultBusyTimeout)
}

func (t TelegramConfig) PollTimeoutOrDefault() time.Duration {
	return durationOrDefault(t.PollTimeout, DefaultPollTimeout)
}

func (o OpsConfig) AddrOrDefault() string {
	if a := strings.TrimSpace(o.Addr); a != "" {
		return a
	}
	return DefaultOpsAddr
}
