package logx

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/trishtzy/weatherbot/internal/transport"
)

const (
	tgQueueSize   = 256
	tgSendTimeout = 10 * time.Second
	tgMaxMessage  = 3500
	tgMaxValue    = 600
)

// telegramSink forwards records at or above a level to one chat. Writes never
// block: records beyond the rate or the queue are dropped.
type telegramSink struct {
	sender transport.Sender
	queue  chan tgRecord

	mu      sync.Mutex
	to      transport.ChatTarget
	minLvl  zerolog.Level
	limiter *rate.Limiter

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

type tgRecord struct {
	to   transport.ChatTarget
	text string
}

var _ zerolog.LevelWriter = (*telegramSink)(nil)

func newTelegramSink(sender transport.Sender) *telegramSink {
	return &telegramSink{sender: sender, queue: make(chan tgRecord, tgQueueSize), done: make(chan struct{})}
}

func (t *telegramSink) configure(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)
	t.mu.Lock()
	t.to = transport.ChatTarget{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}
	t.minLvl = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	t.mu.Unlock()
}

func (t *telegramSink) start() {
	t.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		t.mu.Lock()
		t.cancel = cancel
		t.mu.Unlock()
		go t.run(ctx)
	})
}

func (t *telegramSink) stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-t.done
	}
}

func (t *telegramSink) run(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-t.queue:
			sctx, cancel := context.WithTimeout(ctx, tgSendTimeout)
			_, _ = t.sender.SendText(sctx, r.to, r.text, &transport.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

// Write is only reached for records without a level.
func (t *telegramSink) Write(p []byte) (int, error) { return t.WriteLevel(zerolog.NoLevel, p) }

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	to, minLvl, lim := t.to, t.minLvl, t.limiter
	t.mu.Unlock()

	if to.ChatID == 0 || level < minLvl || level == zerolog.NoLevel || !lim.Allow() {
		return len(p), nil
	}
	if text := renderRecord(p); text != "" {
		select {
		case t.queue <- tgRecord{to: to, text: text}:
		default:
		}
	}
	return len(p), nil
}

// renderRecord turns one JSON log line into "[LEVEL] message" followed by one
// "- key=value" line per extra field, keys sorted.
func renderRecord(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var rec map[string]any
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return clip(raw, tgMaxMessage)
	}

	var b strings.Builder
	if lvl, _ := rec[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := rec[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(rec))
	for k := range rec {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(rec[k]), tgMaxValue))
	}
	return clip(b.String(), tgMaxMessage)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
