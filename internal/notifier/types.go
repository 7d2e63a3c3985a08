package notifier

import "time"

// Config controls dispatch throttling and retries.
type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	HistorySize   int
}

type HistoryItem struct {
	At     time.Time
	ChatID int64
	OK     bool
	Error  string
}

// NotificationEvent is published on the event bus after every send.
type NotificationEvent struct {
	ChatID   int64         `json:"chat_id"`
	Attempts int           `json:"attempts"`
	Took     time.Duration `json:"took"`
	Error    string        `json:"error,omitempty"`
}

// Observer receives send outcomes (metrics).
type Observer interface {
	SendDone(err error, attempts int, took time.Duration)
}

type nopObserver struct{}

func (nopObserver) SendDone(error, int, time.Duration) {}
