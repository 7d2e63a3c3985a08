package forecast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/trishtzy/weatherbot/internal/eventbus"
	"github.com/trishtzy/weatherbot/pkg/logx"
)

// Observer receives cache and fetch outcomes (metrics).
type Observer interface {
	CacheLookup(hit bool)
	FetchDone(err error, took time.Duration)
}

type nopObserver struct{}

func (nopObserver) CacheLookup(bool)               {}
func (nopObserver) FetchDone(error, time.Duration) {}

type CacheOption func(*Cache)

func WithObserver(o Observer) CacheOption {
	return func(c *Cache) {
		if o != nil {
			c.obs = o
		}
	}
}

func WithBus(b eventbus.Bus) CacheOption { return func(c *Cache) { c.bus = b } }

// WithLagBackoff sets how long the cache waits before asking upstream again
// after it returned a window that had already ended. d <= 0 keeps the default.
func WithLagBackoff(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.lagBackoff = d
		}
	}
}

// ErrWindowElapsed means upstream answered with a window that ended before
// the lookup instant. It is always wrapped together with ErrUnavailable.
var ErrWindowElapsed = errors.New("forecast window already elapsed")

const defaultLagBackoff = time.Minute

// Cache holds at most one Snapshot and serves it until its validity window ends.
//
// The lock is held across the upstream fetch, so concurrent callers that find
// the entry stale share a single request. A failed fetch leaves the previous
// entry in place but never serves it. A fetched snapshot whose window has
// already ended at the lookup instant is neither cached nor served.
//
// Expiry is judged only against the now passed to Get. Fetch durations are
// wall-clock and feed logs and metrics.
type Cache struct {
	src Fetcher
	log logx.Logger
	obs Observer
	bus eventbus.Bus

	lagBackoff time.Duration

	mu       sync.Mutex
	entry    *Snapshot
	lagUntil time.Time
	lagEnd   time.Time
}

func NewCache(src Fetcher, log logx.Logger, opts ...CacheOption) *Cache {
	c := &Cache{
		src: src,
		log: log.With(logx.String("comp", "forecast.cache")),
		obs: nopObserver{},

		lagBackoff: defaultLagBackoff,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the cached snapshot when now is before its expiry, otherwise
// fetches a fresh one. Errors wrap ErrUnavailable. After upstream returns an
// already elapsed window, calls within the lag backoff fail without fetching.
func (c *Cache) Get(ctx context.Context, now time.Time) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entry != nil && now.Before(c.entry.ExpiresAt()) {
		c.obs.CacheLookup(true)
		return *c.entry, nil
	}
	c.obs.CacheLookup(false)

	if now.Before(c.lagUntil) {
		return Snapshot{}, c.elapsedErr(now)
	}

	started := time.Now()
	snap, err := c.src.Fetch(ctx)
	took := time.Since(started)
	c.obs.FetchDone(err, took)
	if err != nil {
		c.log.Warn("forecast fetch failed", logx.Err(err), logx.Duration("took", took))
		c.publish(eventbus.Event{Type: eventbus.TopicForecastFailed, Data: err.Error()})
		return Snapshot{}, err
	}

	if !now.Before(snap.Window.End) {
		c.lagUntil = now.Add(c.lagBackoff)
		c.lagEnd = snap.Window.End
		c.log.Warn("upstream forecast window already elapsed",
			logx.Time("valid_until", snap.Window.End),
			logx.Time("now", now),
			logx.Duration("retry_in", c.lagBackoff),
		)
		err := c.elapsedErr(now)
		c.publish(eventbus.Event{Type: eventbus.TopicForecastFailed, Data: err.Error()})
		return Snapshot{}, err
	}
	c.lagUntil = time.Time{}

	c.entry = &snap
	c.log.Debug("forecast refreshed",
		logx.Time("valid_from", snap.Window.Start),
		logx.Time("valid_until", snap.Window.End),
		logx.Int("areas", len(snap.Forecasts)),
		logx.Duration("took", took),
	)
	c.publish(eventbus.Event{Type: eventbus.TopicForecastFetched, Data: snap.Window})
	return snap, nil
}

// Peek returns the current entry without fetching, regardless of expiry.
func (c *Cache) Peek() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entry == nil {
		return Snapshot{}, false
	}
	return *c.entry, true
}

func (c *Cache) elapsedErr(now time.Time) error {
	return fmt.Errorf("%w: %w: ended %s, now %s", ErrUnavailable, ErrWindowElapsed,
		c.lagEnd.Format(time.RFC3339), now.Format(time.RFC3339))
}

func (c *Cache) publish(e eventbus.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}
