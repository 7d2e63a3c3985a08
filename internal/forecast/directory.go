package forecast

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Source yields the current snapshot; *Cache satisfies it.
type Source interface {
	Get(ctx context.Context, now time.Time) (Snapshot, error)
}

// Directory keeps the list of known area names. Names change rarely, so the
// list is refreshed at most once per TTL, and the last good list is served
// when a refresh fails.
type Directory struct {
	src   Source
	ttl   time.Duration
	clock clockwork.Clock

	mu        sync.Mutex
	names     []string
	refreshed time.Time
}

func NewDirectory(src Source, ttl time.Duration, clock clockwork.Clock) *Directory {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Directory{src: src, ttl: ttl, clock: clock}
}

// Names returns the sorted area names. It fails only when no list was ever obtained.
func (d *Directory) Names(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if len(d.names) > 0 && now.Sub(d.refreshed) < d.ttl {
		return d.names, nil
	}
	snap, err := d.src.Get(ctx, now)
	if err != nil || len(snap.Areas) == 0 {
		if len(d.names) > 0 {
			return d.names, nil
		}
		if err == nil {
			err = ErrUnavailable
		}
		return nil, err
	}
	d.names = append([]string(nil), snap.Areas...)
	d.refreshed = now
	return d.names, nil
}

// Match resolves user input to a canonical area name, ignoring case and
// surrounding whitespace.
func (d *Directory) Match(ctx context.Context, input string) (string, bool, error) {
	names, err := d.Names(ctx)
	if err != nil {
		return "", false, err
	}
	want := strings.TrimSpace(input)
	for _, n := range names {
		if strings.EqualFold(n, want) {
			return n, true, nil
		}
	}
	return "", false, nil
}
