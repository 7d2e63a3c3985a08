package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/trishtzy/weatherbot/pkg/logx"
)

// SQLiteStore implements Store on a single sqlite connection.
type SQLiteStore struct {
	db  *sql.DB
	log logx.Logger

	claims     atomic.Uint64
	pruneEvery uint64
}

var _ Store = (*SQLiteStore)(nil)

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// SchemaVersion returns the recorded schema version.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	return currentVersion(ctx, s.db)
}

// AddSubscription records a subscription. It reports false when the chat was
// already subscribed to area. A chat seen for the first time gets a recipient
// row with no schedule, so it is due on the next tick.
func (s *SQLiteStore) AddSubscription(ctx context.Context, chatID int64, area string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	area = strings.TrimSpace(area)
	if area == "" {
		return false, errors.New("storage: area is required")
	}
	var inserted bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO subscribers (chat_id, area) VALUES (?, ?)`, chatID, area)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n > 0
		_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO recipients (chat_id) VALUES (?)`, chatID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("storage: add subscription: %w", err)
	}
	return inserted, nil
}

// RemoveSubscription deletes one subscription. The recipient row goes with the
// chat's last subscription.
func (s *SQLiteStore) RemoveSubscription(ctx context.Context, chatID int64, area string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	area = strings.TrimSpace(area)
	var removed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM subscribers WHERE chat_id = ? AND area = ?`, chatID, area)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = n > 0
		_, err = tx.ExecContext(ctx, `
			DELETE FROM recipients
			WHERE chat_id = ? AND NOT EXISTS (SELECT 1 FROM subscribers WHERE chat_id = ?)`, chatID, chatID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("storage: remove subscription: %w", err)
	}
	return removed, nil
}

// Subscriptions returns the chat's areas in name order.
func (s *SQLiteStore) Subscriptions(ctx context.Context, chatID int64) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT area FROM subscribers WHERE chat_id = ? ORDER BY area`, chatID)
	if err != nil {
		return nil, fmt.Errorf("storage: subscriptions: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("storage: subscriptions: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DueRecipients returns every recipient whose next_scheduled_at is NULL or not
// after now, ordered by chat id, each with its areas.
func (s *SQLiteStore) DueRecipients(ctx context.Context, now time.Time) ([]Recipient, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.chat_id, r.last_sent_at, r.next_scheduled_at, s.area
		FROM recipients r
		JOIN subscribers s ON s.chat_id = r.chat_id
		WHERE r.next_scheduled_at IS NULL OR r.next_scheduled_at <= ?
		ORDER BY r.chat_id, s.area`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("storage: due recipients: %w", err)
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		var (
			chatID     int64
			last, next sql.NullInt64
			area       string
		)
		if err := rows.Scan(&chatID, &last, &next, &area); err != nil {
			return nil, fmt.Errorf("storage: due recipients: %w", err)
		}
		if n := len(out); n > 0 && out[n-1].ChatID == chatID {
			out[n-1].Areas = append(out[n-1].Areas, area)
			continue
		}
		out = append(out, Recipient{
			ChatID:          chatID,
			Areas:           []string{area},
			LastSentAt:      fromMillis(last),
			NextScheduledAt: fromMillis(next),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: due recipients: %w", err)
	}
	return out, nil
}

// UpdateDelivery advances both delivery timestamps together.
func (s *SQLiteStore) UpdateDelivery(ctx context.Context, chatID int64, lastSentAt, nextScheduledAt time.Time) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE recipients SET last_sent_at = ?, next_scheduled_at = ? WHERE chat_id = ?`,
		lastSentAt.UnixMilli(), nextScheduledAt.UnixMilli(), chatID,
	)
	if err != nil {
		return fmt.Errorf("storage: update delivery for %d: %w", chatID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: update delivery for %d: %w", chatID, err)
	}
	if n == 0 {
		return fmt.Errorf("storage: update delivery for %d: %w", chatID, ErrNotFound)
	}
	return nil
}

// Recipient loads one recipient with its areas.
func (s *SQLiteStore) Recipient(ctx context.Context, chatID int64) (Recipient, error) {
	if s == nil || s.db == nil {
		return Recipient{}, ErrClosed
	}
	var last, next sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sent_at, next_scheduled_at FROM recipients WHERE chat_id = ?`, chatID,
	).Scan(&last, &next)
	if errors.Is(err, sql.ErrNoRows) {
		return Recipient{}, ErrNotFound
	}
	if err != nil {
		return Recipient{}, fmt.Errorf("storage: recipient %d: %w", chatID, err)
	}
	areas, err := s.Subscriptions(ctx, chatID)
	if err != nil {
		return Recipient{}, err
	}
	return Recipient{
		ChatID:          chatID,
		Areas:           areas,
		LastSentAt:      fromMillis(last),
		NextScheduledAt: fromMillis(next),
	}, nil
}

// ChatIDs returns every distinct subscribed chat.
func (s *SQLiteStore) ChatIDs(ctx context.Context) ([]int64, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT chat_id FROM subscribers ORDER BY chat_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: chat ids: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: chat ids: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
