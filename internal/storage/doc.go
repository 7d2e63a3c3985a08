// Package storage persists subscriptions and per-recipient delivery state in
// SQLite.
//
// Two tables carry the data:
//   - subscribers: one row per (chat_id, area) subscription
//   - recipients: one row per chat with last_sent_at and next_scheduled_at
//     (unix milliseconds, NULL when never sent / immediately due)
//
// The schema is versioned through schema_version and migrated on Open.
package storage
