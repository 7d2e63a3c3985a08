package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trishtzy/weatherbot/pkg/logx"
)

func openTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "subscribers.db")
	st, err := Open(context.Background(), Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st, path
}

func TestSubscriptionsLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := openTestStore(t)

	ok, err := st.AddSubscription(ctx, 1, "Bedok")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.AddSubscription(ctx, 1, "Bedok")
	require.NoError(t, err)
	assert.False(t, ok, "duplicate subscription")
	_, err = st.AddSubscription(ctx, 1, "Ang Mo Kio")
	require.NoError(t, err)
	_, err = st.AddSubscription(ctx, 2, "Tuas")
	require.NoError(t, err)

	areas, err := st.Subscriptions(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"Ang Mo Kio", "Bedok"}, areas)

	ids, err := st.ChatIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)

	removed, err := st.RemoveSubscription(ctx, 2, "Tuas")
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = st.Recipient(ctx, 2)
	assert.ErrorIs(t, err, ErrNotFound)

	removed, err = st.RemoveSubscription(ctx, 1, "Tuas")
	require.NoError(t, err)
	assert.False(t, removed)

	r, err := st.Recipient(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"Ang Mo Kio", "Bedok"}, r.Areas)
	assert.Nil(t, r.LastSentAt)
	assert.Nil(t, r.NextScheduledAt)
}

func TestDueRecipientsHonorsSchedule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := openTestStore(t)
	for _, sub := range []struct {
		chat int64
		area string
	}{{10, "Bedok"}, {10, "Pasir Ris"}, {20, "Tuas"}} {
		_, err := st.AddSubscription(ctx, sub.chat, sub.area)
		require.NoError(t, err)
	}
	now := time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC)

	due, err := st.DueRecipients(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 2, "fresh recipients are immediately due")
	assert.Equal(t, []string{"Bedok", "Pasir Ris"}, due[0].Areas)

	last := now.Add(-10 * time.Minute)
	next := now.Add(2 * time.Hour)
	require.NoError(t, st.UpdateDelivery(ctx, 10, last, next))

	due, err = st.DueRecipients(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(20), due[0].ChatID)

	due, err = st.DueRecipients(ctx, next.Add(-time.Millisecond))
	require.NoError(t, err)
	assert.Len(t, due, 1, "not due before next_scheduled_at")

	due, err = st.DueRecipients(ctx, next)
	require.NoError(t, err)
	require.Len(t, due, 2, "due exactly at next_scheduled_at")
	require.NotNil(t, due[0].LastSentAt)
	assert.True(t, due[0].LastSentAt.Equal(last))
	assert.True(t, due[0].NextScheduledAt.Equal(next))
	assert.True(t, due[0].DueAt(next))
	assert.False(t, due[0].DueAt(next.Add(-time.Second)))
}

func TestUpdateDeliveryMissingRecipient(t *testing.T) {
	t.Parallel()
	st, _ := openTestStore(t)
	err := st.UpdateDelivery(context.Background(), 404, time.Now(), time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestReopenDoesNotReapplyMigrations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, path := openTestStore(t)
	_, err := st.AddSubscription(ctx, 1, "Bedok")
	require.NoError(t, err)
	v, err := st.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, LatestVersion(), v)
	require.NoError(t, st.Close())

	again, err := Open(ctx, Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer again.Close()
	areas, err := again.Subscriptions(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bedok"}, areas)
}

func rawDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	return db
}

func TestLegacySingleKeySchemaIsUpgraded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")

	db := rawDB(t, path)
	_, err := db.Exec(`CREATE TABLE subscribers (
		chat_id INTEGER PRIMARY KEY,
		area TEXT NOT NULL,
		subscribed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO subscribers (chat_id, area) VALUES (1, 'Bedok'), (2, 'Tuas')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	st, err := Open(ctx, Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	v, err := st.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, LatestVersion(), v)

	// Composite key: a second area for the same chat is now allowed.
	ok, err := st.AddSubscription(ctx, 1, "Changi")
	require.NoError(t, err)
	assert.True(t, ok)

	due, err := st.DueRecipients(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 2, "backfilled recipients are due")
	assert.Equal(t, []string{"Bedok", "Changi"}, due[0].Areas)
}

func TestUnversionedCompositeSchemaCountsAsVersionOne(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "v1.db")

	db := rawDB(t, path)
	_, err := db.Exec(`CREATE TABLE subscribers (
		chat_id INTEGER NOT NULL,
		area TEXT NOT NULL,
		subscribed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (chat_id, area)
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO subscribers (chat_id, area) VALUES (7, 'Bedok'), (7, 'Tuas')`)
	require.NoError(t, err)

	var applied []int
	steps := make([]Migration, 0, len(migrations))
	for _, m := range migrations {
		m := m
		up := m.Up
		m.Up = func(ctx context.Context, tx *sql.Tx) error {
			applied = append(applied, m.Version)
			return up(ctx, tx)
		}
		steps = append(steps, m)
	}
	from, to, err := Migrate(ctx, db, steps)
	require.NoError(t, err)
	assert.Equal(t, 1, from)
	assert.Equal(t, LatestVersion(), to)
	assert.Equal(t, []int{2, 3, 4, 5, 6}, applied)

	applied = nil
	from, to, err = Migrate(ctx, db, steps)
	require.NoError(t, err)
	assert.Equal(t, LatestVersion(), from)
	assert.Equal(t, from, to)
	assert.Empty(t, applied)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM recipients WHERE chat_id = 7`).Scan(&n))
	assert.Equal(t, 1, n)
	require.NoError(t, db.Close())
}

func TestFailedMigrationLeavesVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := rawDB(t, filepath.Join(t.TempDir(), "fail.db"))
	defer db.Close()

	steps := []Migration{
		migrations[0],
		{Version: 2, Name: "broken", Up: func(ctx context.Context, tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `CREATE TABLE half (id INTEGER)`); err != nil {
				return err
			}
			return fmt.Errorf("boom")
		}},
	}
	_, to, err := Migrate(ctx, db, steps)
	require.Error(t, err)
	assert.Equal(t, 1, to)

	v, err := currentVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	ok, err := tableExists(ctx, db, "half")
	require.NoError(t, err)
	assert.False(t, ok, "failed step rolled back")
}

func TestRemoveSubscriptionTrimsArea(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := openTestStore(t)

	_, err := st.AddSubscription(ctx, 1, "  Bedok ")
	require.NoError(t, err)
	removed, err := st.RemoveSubscription(ctx, 1, " Bedok  ")
	require.NoError(t, err)
	assert.True(t, removed)

	areas, err := st.Subscriptions(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, areas)
	_, err = st.Recipient(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimDeliveryIsOncePerWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := openTestStore(t)
	start := time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)

	ok, err := st.ClaimDelivery(ctx, 1, start, end)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.ClaimDelivery(ctx, 1, start, end)
	require.NoError(t, err)
	assert.False(t, ok, "same window claimed twice")

	ok, err = st.ClaimDelivery(ctx, 2, start, end)
	require.NoError(t, err)
	assert.True(t, ok, "claims are per chat")

	require.NoError(t, st.ReleaseDelivery(ctx, 1, start))
	ok, err = st.ClaimDelivery(ctx, 1, start, end)
	require.NoError(t, err)
	assert.True(t, ok, "released claim can be taken again")
}

func TestClaimDeliveryPrunesEndedWindows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := openTestStore(t)
	st.pruneEvery = 2
	first := time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC)
	second := first.Add(2 * time.Hour)

	_, err := st.ClaimDelivery(ctx, 1, first, second)
	require.NoError(t, err)
	_, err = st.ClaimDelivery(ctx, 1, second, second.Add(2*time.Hour))
	require.NoError(t, err)

	var n int
	require.NoError(t, st.db.QueryRow(`SELECT COUNT(*) FROM deliveries`).Scan(&n))
	assert.Equal(t, 1, n, "window ending at the newest start is dropped")
}

func TestAppendAudit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := openTestStore(t)
	at := time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC)

	require.NoError(t, st.AppendAudit(ctx, AuditEntry{
		At: at, Action: "announce", Target: "v1.2.0", OK: 3, Fail: 1,
		Error: "chat 9: blocked", Took: 1500 * time.Millisecond,
	}))
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Action: "announce", Target: "v1.3.0"}))

	var (
		action, target string
		ok, fail       int
		errText        sql.NullString
		took, atMS     int64
	)
	require.NoError(t, st.db.QueryRow(
		`SELECT at, action, target, ok, fail, err, took_ms FROM audit ORDER BY id LIMIT 1`,
	).Scan(&atMS, &action, &target, &ok, &fail, &errText, &took))
	assert.Equal(t, at.UnixMilli(), atMS)
	assert.Equal(t, "announce", action)
	assert.Equal(t, "v1.2.0", target)
	assert.Equal(t, 3, ok)
	assert.Equal(t, 1, fail)
	assert.Equal(t, "chat 9: blocked", errText.String)
	assert.Equal(t, int64(1500), took)

	var blank sql.NullString
	require.NoError(t, st.db.QueryRow(`SELECT err FROM audit ORDER BY id DESC LIMIT 1`).Scan(&blank))
	assert.False(t, blank.Valid, "empty error stored as NULL")

	require.NoError(t, st.Close())
	assert.Error(t, st.AppendAudit(ctx, AuditEntry{Action: "announce"}))
}
