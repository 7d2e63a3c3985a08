// Package schedule computes canonical delivery instants and normalizes the
// forecast validity window published by the upstream source.
//
// Every recipient is aligned to one of two global phases (:00 or :30 of an
// hour, every two hours) so deliveries follow the forecast refresh cadence
// instead of arbitrary per-subscription offsets.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// Cadence is the fixed distance between two deliveries for one recipient.
	Cadence = 2 * time.Hour
	// Boundary is the rounding granularity applied before adding Cadence.
	Boundary = 30 * time.Minute
)

// SourceZone is the wall-clock zone of the forecast source (Singapore, UTC+8, no DST).
// Naive timestamps are interpreted in this zone.
var SourceZone = time.FixedZone("SGT", 8*60*60)

var (
	ErrMissingValidity = errors.New("validity window missing")
	ErrInvalidValidity = errors.New("validity window invalid")
)

// Window is a validity window expressed as UTC instants. Start is always before End.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies in [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Expired reports whether the window has closed at t.
func (w Window) Expired(t time.Time) bool { return !t.Before(w.End) }

func (w Window) IsZero() bool { return w.Start.IsZero() && w.End.IsZero() }

// NextScheduledTime rounds now down to the most recent :00 or :30 boundary and
// adds Cadence. An instant exactly on a boundary rounds to itself.
//
// The result r always satisfies now < r and 2h <= r-now < 2h30m.
func NextScheduledTime(now time.Time) time.Time {
	u := now.UTC()
	// Truncate works on absolute time since the zero time, which is a UTC
	// midnight, so 30-minute boundaries land on :00 and :30 in UTC.
	return u.Truncate(Boundary).Add(Cadence)
}

// offset-aware layouts are tried first; naive layouts are pinned to SourceZone.
var (
	awareLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05Z0700",
		"2006-01-02 15:04:05Z07:00",
	}
	naiveLayouts = []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04",
	}
)

// ParseInstant parses one upstream timestamp and returns it in UTC.
//
// A timestamp carrying an offset keeps that offset; a naive timestamp is
// wall-clock time in SourceZone.
func ParseInstant(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, ErrMissingValidity
	}
	for _, layout := range awareLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, SourceZone); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized timestamp %q", ErrInvalidValidity, raw)
}

// NormalizeValidity converts a raw start/end pair into a UTC Window.
//
// Either field being empty yields ErrMissingValidity; callers treat that as
// "cannot schedule".
func NormalizeValidity(rawStart, rawEnd string) (Window, error) {
	if strings.TrimSpace(rawStart) == "" || strings.TrimSpace(rawEnd) == "" {
		return Window{}, ErrMissingValidity
	}
	start, err := ParseInstant(rawStart)
	if err != nil {
		return Window{}, fmt.Errorf("valid_period.start: %w", err)
	}
	end, err := ParseInstant(rawEnd)
	if err != nil {
		return Window{}, fmt.Errorf("valid_period.end: %w", err)
	}
	if !start.Before(end) {
		return Window{}, fmt.Errorf("%w: start %s not before end %s", ErrInvalidValidity, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return Window{Start: start, End: end}, nil
}
