// Package forecast fetches the two-hour area forecast, caches it until its
// validity window closes and renders it into subscriber messages.
package forecast

import (
	"errors"
	"strings"
	"time"

	"github.com/trishtzy/weatherbot/internal/schedule"
)

// ErrUnavailable means no usable snapshot could be obtained. It wraps the cause.
var ErrUnavailable = errors.New("forecast unavailable")

type AreaForecast struct {
	Area  string
	Label string
}

// Snapshot is a parsed upstream response: the latest forecast item plus area metadata.
type Snapshot struct {
	Forecasts    []AreaForecast
	Areas        []string // area_metadata names, sorted
	Window       schedule.Window
	ValidityText string
	// FetchedAt is informational. Expiry is decided by Window and the
	// caller's clock, never by this field.
	FetchedAt time.Time
}

// Lookup finds the forecast label for area, ignoring case.
func (s Snapshot) Lookup(area string) (string, bool) {
	for _, f := range s.Forecasts {
		if strings.EqualFold(f.Area, area) {
			return f.Label, true
		}
	}
	return "", false
}

// ExpiresAt is the instant after which the snapshot must be refetched.
func (s Snapshot) ExpiresAt() time.Time { return s.Window.End }
