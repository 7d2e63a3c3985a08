package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/trishtzy/weatherbot/pkg/logx"
)

// ClaimDelivery records that chatID is about to receive the window starting at
// windowStart. It reports false when the window was already claimed, in which
// case the caller must not send. The claim lives until until.
func (s *SQLiteStore) ClaimDelivery(ctx context.Context, chatID int64, windowStart, until time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO deliveries (chat_id, window_start, until) VALUES (?, ?, ?)`,
		chatID, windowStart.UnixMilli(), until.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("storage: claim delivery for %d: %w", chatID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: claim delivery for %d: %w", chatID, err)
	}
	if n > 0 && s.pruneEvery > 0 && s.claims.Add(1)%s.pruneEvery == 0 {
		// Windows only move forward, so anything that ended by this one's
		// start is safe to drop.
		if err := s.pruneDeliveries(ctx, windowStart); err != nil {
			s.log.Warn("prune deliveries failed", logx.Err(err))
		}
	}
	return n > 0, nil
}

// ReleaseDelivery drops a claim after a failed send so the next tick retries.
func (s *SQLiteStore) ReleaseDelivery(ctx context.Context, chatID int64, windowStart time.Time) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE chat_id = ? AND window_start = ?`,
		chatID, windowStart.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("storage: release delivery for %d: %w", chatID, err)
	}
	return nil
}

func (s *SQLiteStore) pruneDeliveries(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE until <= ?`, before.UnixMilli())
	return err
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit (at, action, target, ok, fail, err, took_ms, meta) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.At.UnixMilli(), e.Action, e.Target, e.OK, e.Fail, nullStr(e.Error), e.Took.Milliseconds(), nullStr(e.MetaJSON),
	)
	if err != nil {
		return fmt.Errorf("storage: append audit: %w", err)
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
