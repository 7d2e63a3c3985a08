package config

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/trishtzy/weatherbot/pkg/logx"
)

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// errWatcherBroken means fsnotify closed its channels.
var errWatcherBroken = errors.New("config: watcher stopped")

// Watch reloads the config on file changes until ctx is done, returning nil,
// or until the watcher fails. The parent directory is watched so editors that
// replace the file are seen.
func (m *Manager) Watch(ctx context.Context) error {
	deb := &debouncer{wait: m.debounce, fn: func() { m.reload(ctx) }}
	defer deb.stop()
	if err := m.watchOnce(ctx, deb); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (m *Manager) watchOnce(ctx context.Context, deb *debouncer) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherBroken
			}
			if ev.Op&relevantOps != 0 && strings.EqualFold(filepath.Base(ev.Name), name) {
				deb.trigger()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherBroken
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; the file may have changed.
				m.log.Warn("config watch overflow, forcing reload", logx.Err(err))
				deb.trigger()
				continue
			}
			if err != nil {
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

// debouncer runs fn once events stop arriving for wait.
type debouncer struct {
	wait time.Duration
	fn   func()

	mu sync.Mutex
	t  *time.Timer
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
	d.t = time.AfterFunc(d.wait, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
}
