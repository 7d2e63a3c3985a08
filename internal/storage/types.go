package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: recipient not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures the sqlite database.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Recipient is a chat with at least one subscription and its delivery state.
// A nil NextScheduledAt means the recipient is due immediately.
type Recipient struct {
	ChatID          int64
	Areas           []string
	LastSentAt      *time.Time
	NextScheduledAt *time.Time
}

// DueAt reports whether the recipient should be considered at now.
func (r Recipient) DueAt(now time.Time) bool {
	return r.NextScheduledAt == nil || !r.NextScheduledAt.After(now)
}

// Store is the persistence API used by the delivery loop and the command router.
type Store interface {
	AddSubscription(ctx context.Context, chatID int64, area string) (bool, error)
	RemoveSubscription(ctx context.Context, chatID int64, area string) (bool, error)
	Subscriptions(ctx context.Context, chatID int64) ([]string, error)
	DueRecipients(ctx context.Context, now time.Time) ([]Recipient, error)
	UpdateDelivery(ctx context.Context, chatID int64, lastSentAt, nextScheduledAt time.Time) error
	Recipient(ctx context.Context, chatID int64) (Recipient, error)
	ChatIDs(ctx context.Context) ([]int64, error)
	ClaimDelivery(ctx context.Context, chatID int64, windowStart, until time.Time) (bool, error)
	ReleaseDelivery(ctx context.Context, chatID int64, windowStart time.Time) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Ping(ctx context.Context) error
	Close() error
}

// AuditEntry records one operator action, such as a release broadcast.
type AuditEntry struct {
	At       time.Time
	Action   string
	Target   string
	OK       int
	Fail     int
	Error    string
	Took     time.Duration
	MetaJSON string
}
