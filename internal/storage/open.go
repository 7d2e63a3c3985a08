package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/trishtzy/weatherbot/pkg/logx"
)

const (
	defaultBusyTimeout = 5 * time.Second
	defaultPruneEvery  = 200
)

// Open opens (creating if needed) the database at cfg.Path and migrates it to
// the latest schema version.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*SQLiteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage: sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create dir: %w", err)
		}
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	// Pragmas go through the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	st := &SQLiteStore{db: db, log: log.With(logx.String("comp", "storage")), pruneEvery: defaultPruneEvery}
	from, to, err := Migrate(ctx, db, migrations)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if from != to {
		st.log.Info("schema migrated", logx.Int("from", from), logx.Int("to", to), logx.String("path", path))
	}
	return st, nil
}
