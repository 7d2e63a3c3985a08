package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/trishtzy/weatherbot/internal/eventbus"
	"github.com/trishtzy/weatherbot/internal/transport"
	"github.com/trishtzy/weatherbot/pkg/logx"
)

var (
	ErrStopped   = errors.New("notifier stopped")
	ErrPanic     = errors.New("notifier: transport panicked")
	ErrEmptyText = errors.New("notifier: empty text")
)

// Service sends messages through a transport.Sender. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender transport.Sender
	bus    eventbus.Bus
	obs    Observer

	cfg     Config
	limiter *rate.Limiter
	stopped bool

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender transport.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    bus,
		obs:    nopObserver{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) SetObserver(o Observer) {
	if o == nil {
		return
	}
	s.mu.Lock()
	s.obs = o
	s.mu.Unlock()
}

// Apply swaps throttling and retry settings. In-flight sends keep their snapshot.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	s.cfg = cfg
	// burst = rate, so a short batch is not throttled harder than needed.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Stop makes every later Send fail with ErrStopped.
func (s *Service) Stop(context.Context) {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// Send delivers Markdown text to a chat.
func (s *Service) Send(ctx context.Context, chatID int64, text string) error {
	return s.SendTo(ctx, transport.ChatTarget{ChatID: chatID}, text,
		&transport.SendOptions{ParseMode: transport.ParseModeMarkdown, DisablePreview: true})
}

// SendTo delivers text with explicit options. A nil error means the platform
// accepted the message.
func (s *Service) SendTo(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	stopped := s.stopped
	obs := s.obs
	s.mu.Unlock()

	if stopped {
		return ErrStopped
	}
	if text == "" {
		return ErrEmptyText
	}
	if sender == nil {
		return errors.New("notifier: no sender configured")
	}

	started := time.Now()
	maxAttempts := 1 + cfg.RetryMax
	attempts := 0
	var lastErr error
	for attempts < maxAttempts {
		attempts++
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		lastErr = s.sendOnce(ctx, sender, cfg.SendTimeout, to, text, opt)
		if lastErr == nil {
			break
		}
		delay, retry := retryDelay(cfg, attempts, lastErr)
		if !retry || attempts >= maxAttempts {
			break
		}
		s.log.Debug("send retry scheduled", logx.Int64("chat_id", to.ChatID), logx.Int("attempt", attempts+1), logx.Duration("delay", delay), logx.Err(lastErr))
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			lastErr = errors.Join(lastErr, ctx.Err())
			attempts = maxAttempts
		}
	}

	took := time.Since(started)
	obs.SendDone(lastErr, attempts, took)
	s.record(to.ChatID, lastErr)
	ev := NotificationEvent{ChatID: to.ChatID, Attempts: attempts, Took: took}
	if lastErr != nil {
		ev.Error = lastErr.Error()
		s.publish(eventbus.TopicNotifyFailed, ev)
		return lastErr
	}
	s.publish(eventbus.TopicNotifySent, ev)
	return nil
}

func (s *Service) sendOnce(ctx context.Context, sender transport.Sender, timeout time.Duration, to transport.ChatTarget, text string, opt *transport.SendOptions) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("transport panicked", logx.Int64("chat_id", to.ChatID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err = sender.SendText(cctx, to, text, opt)
	return err
}

// retryDelay decides whether err may be retried. Only failures the transport
// guarantees were not delivered qualify, so a retry never duplicates a message.
func retryDelay(cfg Config, attempt int, err error) (time.Duration, bool) {
	// Checked first so a permanent cause inside a RetryAfterError still wins.
	if errors.Is(err, transport.ErrPermanent) {
		return 0, false
	}
	var ra *transport.RetryAfterError
	if errors.As(err, &ra) {
		if ra.After > cfg.RetryMaxDelay {
			return 0, false
		}
		return max(ra.After, 0), true
	}
	if !errors.Is(err, transport.ErrRetryable) {
		return 0, false
	}
	d := cfg.RetryBase << (attempt - 1)
	if d <= 0 || d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if j := d / 5; j > 0 {
		d += time.Duration(rand.Int63n(int64(j)))
	}
	return d, true
}

func (s *Service) publish(topic string, ev NotificationEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: topic, Data: ev})
	}
}

func (s *Service) record(chatID int64, err error) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	it := HistoryItem{At: time.Now(), ChatID: chatID, OK: err == nil}
	if err != nil {
		it.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()
}

// History returns recent send outcomes, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}
