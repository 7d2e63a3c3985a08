package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/trishtzy/weatherbot/internal/delivery"
)

// statusSnapshot is what /status and /healthz report about the delivery loop.
type statusSnapshot struct {
	Tick      delivery.TickStatus
	HasTick   bool
	Breaker   string
	Dropped   uint64
	BusDrops  uint64
	StartedAt time.Time
}

func formatStatus(s statusSnapshot, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Uptime: %s\n", now.Sub(s.StartedAt).Truncate(time.Second))
	if !s.HasTick {
		b.WriteString("Last tick: none yet\n")
	} else {
		r := s.Tick.Report
		fmt.Fprintf(&b, "Last tick: %s (%s, took %s)\n",
			s.Tick.At.UTC().Format(time.RFC3339), r.Outcome, s.Tick.Took.Truncate(time.Millisecond))
		if !r.Window.IsZero() {
			fmt.Fprintf(&b, "Window: %s to %s\n", r.Window.Start.UTC().Format(time.RFC3339), r.Window.End.UTC().Format(time.RFC3339))
		}
		fmt.Fprintf(&b, "Due: %d, sent: %d, failed: %d, no match: %d, already sent: %d\n",
			r.Due, r.Sent, r.Failed, r.NoMatch, r.AlreadySent)
		if r.PersistErrs > 0 {
			fmt.Fprintf(&b, "Schedule update failures: %d\n", r.PersistErrs)
		}
		if r.ClaimErrs > 0 {
			fmt.Fprintf(&b, "Delivery claim failures: %d\n", r.ClaimErrs)
		}
		if s.Tick.Error != "" {
			fmt.Fprintf(&b, "Error: %s\n", s.Tick.Error)
		}
	}
	fmt.Fprintf(&b, "Forecast breaker: %s\n", s.Breaker)
	fmt.Fprintf(&b, "Dropped ticks: %d", s.Dropped)
	return b.String()
}

func statusInfo(s statusSnapshot) map[string]any {
	info := map[string]any{
		"breaker":       s.Breaker,
		"dropped_ticks": s.Dropped,
		"bus_dropped":   s.BusDrops,
		"started_at":    s.StartedAt.UTC().Format(time.RFC3339),
	}
	if s.HasTick {
		info["last_tick"] = map[string]any{
			"run_id":  s.Tick.RunID,
			"at":      s.Tick.At.UTC().Format(time.RFC3339),
			"outcome": string(s.Tick.Report.Outcome),
			"sent":    s.Tick.Report.Sent,
			"failed":  s.Tick.Report.Failed,
			"error":   s.Tick.Error,
		}
	}
	return info
}
