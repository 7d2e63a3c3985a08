package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Migration is one ordered schema step. Up runs inside its own transaction,
// together with the version bump.
type Migration struct {
	Version int
	Name    string
	Up      func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []Migration{
	{Version: 1, Name: "subscribers", Up: createSubscribers},
	{Version: 2, Name: "subscribers_composite_key", Up: rebuildLegacySubscribers},
	{Version: 3, Name: "recipients", Up: createRecipients},
	{Version: 4, Name: "recipients_next_index", Up: indexRecipientsNext},
	{Version: 5, Name: "deliveries", Up: createDeliveries},
	{Version: 6, Name: "audit", Up: createAudit},
}

// LatestVersion is the schema version Open migrates to.
func LatestVersion() int { return migrations[len(migrations)-1].Version }

// Migrate applies every step above the current version, in order, each exactly once.
// It returns the version before and after.
func Migrate(ctx context.Context, db *sql.DB, steps []Migration) (from, to int, err error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return 0, 0, fmt.Errorf("storage: create schema_version: %w", err)
	}
	from, err = currentVersion(ctx, db)
	if err != nil {
		return 0, 0, err
	}
	to = from
	for i, m := range steps {
		if i > 0 && m.Version <= steps[i-1].Version {
			return from, to, fmt.Errorf("storage: migration %d (%s) out of order", m.Version, m.Name)
		}
		if m.Version <= to {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return from, to, err
		}
		to = m.Version
	}
	return from, to, nil
}

func applyMigration(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: migration %d (%s): begin: %w", m.Version, m.Name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := m.Up(ctx, tx); err != nil {
		return fmt.Errorf("storage: migration %d (%s): %w", m.Version, m.Name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version`); err != nil {
		return fmt.Errorf("storage: migration %d (%s): %w", m.Version, m.Name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES(?)`, m.Version); err != nil {
		return fmt.Errorf("storage: migration %d (%s): %w", m.Version, m.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: migration %d (%s): commit: %w", m.Version, m.Name, err)
	}
	return nil
}

// currentVersion reads schema_version. A database without a recorded version
// but with a subscribers table predates versioning and counts as version 1.
func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("storage: read schema_version: %w", err)
	}
	if v.Valid {
		return int(v.Int64), nil
	}
	ok, err := tableExists(ctx, db, "subscribers")
	if err != nil {
		return 0, err
	}
	if ok {
		return 1, nil
	}
	return 0, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func tableExists(ctx context.Context, q queryer, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("storage: inspect %s: %w", name, err)
	}
	return n > 0, nil
}

func createSubscribers(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS subscribers (
			chat_id INTEGER NOT NULL,
			area TEXT NOT NULL,
			subscribed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (chat_id, area)
		)`)
	return err
}

// rebuildLegacySubscribers converts the old layout, where chat_id alone was
// the primary key, into the composite (chat_id, area) key.
func rebuildLegacySubscribers(ctx context.Context, tx *sql.Tx) error {
	pk, err := primaryKeyColumns(ctx, tx, "subscribers")
	if err != nil {
		return err
	}
	if !pk["chat_id"] || pk["area"] {
		return nil
	}
	stmts := []string{
		`ALTER TABLE subscribers RENAME TO _subscribers_old`,
		`CREATE TABLE subscribers (
			chat_id INTEGER NOT NULL,
			area TEXT NOT NULL,
			subscribed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (chat_id, area)
		)`,
		`INSERT OR IGNORE INTO subscribers (chat_id, area, subscribed_at)
			SELECT chat_id, area, subscribed_at FROM _subscribers_old WHERE area IS NOT NULL`,
		`DROP TABLE _subscribers_old`,
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func primaryKeyColumns(ctx context.Context, q queryer, table string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, `SELECT name, pk FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var (
			name string
			pk   int
		)
		if err := rows.Scan(&name, &pk); err != nil {
			return nil, err
		}
		out[name] = pk > 0
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("subscribers table missing")
	}
	return out, nil
}

// createRecipients adds delivery state. Existing subscribers start with NULL
// timestamps, so they are due on the first tick after the upgrade.
func createRecipients(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS recipients (
			chat_id INTEGER PRIMARY KEY,
			last_sent_at INTEGER NULL,
			next_scheduled_at INTEGER NULL
		)`); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO recipients (chat_id)
			SELECT DISTINCT chat_id FROM subscribers`)
	return err
}

func indexRecipientsNext(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_recipients_next ON recipients(next_scheduled_at)`)
	return err
}

// createDeliveries holds one row per (chat, window) that was claimed for
// sending. Rows are dropped once their window has ended.
func createDeliveries(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS deliveries (
			chat_id INTEGER NOT NULL,
			window_start INTEGER NOT NULL,
			until INTEGER NOT NULL,
			PRIMARY KEY (chat_id, window_start)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_until ON deliveries(until)`,
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func createAudit(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at INTEGER NOT NULL,
			action TEXT NOT NULL,
			target TEXT NOT NULL DEFAULT '',
			ok INTEGER NOT NULL DEFAULT 0,
			fail INTEGER NOT NULL DEFAULT 0,
			err TEXT NULL,
			took_ms INTEGER NOT NULL DEFAULT 0,
			meta TEXT NULL
		)`)
	return err
}
