// Package adapter connects the bot to Telegram through telebot: long polling
// for inbound commands and chunked sends for outbound messages.
package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/trishtzy/weatherbot/internal/runtime/supervisor"
	kit "github.com/trishtzy/weatherbot/internal/transport"
	"github.com/trishtzy/weatherbot/pkg/logx"
)

const (
	defaultPollTimeout = 10 * time.Second
	dropReportEvery    = 5 * time.Second
	stopGrace          = 2 * time.Second
)

var errPollerExited = errors.New("telegram: poller exited")

type Config struct {
	Token       string
	PollTimeout time.Duration
	// APIURL replaces https://api.telegram.org, for tests.
	APIURL string
	// Offline skips getMe, so New works without network.
	Offline bool
}

type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	// inbox is nil while stopped; inbound updates are discarded then.
	inbox   atomic.Pointer[chan<- kit.Update]
	dropped atomic.Uint64

	mu  sync.Mutex
	sup *supervisor.Supervisor // non-nil while running

	menuMu  sync.Mutex
	menuKey string
}

var (
	_ kit.Adapter            = (*Adapter)(nil)
	_ kit.CommandMenuUpdater = (*Adapter)(nil)
)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram: token is empty")
	}
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = defaultPollTimeout
	}
	bot, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Token:   token,
		Poller:  &tele.LongPoller{Timeout: poll},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{log: log.With(logx.String("comp", "telegram")), bot: bot}
	bot.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Chat == nil {
		return nil
	}
	msg := &kit.Message{ID: m.ID, ChatID: m.Chat.ID, ThreadID: m.ThreadID, Text: m.Text}
	if m.Sender != nil {
		msg.FromID, msg.FromUsername = m.Sender.ID, m.Sender.Username
	}
	a.forward(kit.Update{Kind: kit.UpdateMessage, Message: msg})
	return nil
}

// forward never blocks the poller. Updates that do not fit are counted.
func (a *Adapter) forward(up kit.Update) {
	p := a.inbox.Load()
	if p == nil {
		return
	}
	select {
	case *p <- up:
	default:
		a.dropped.Add(1)
	}
}

// Start begins long polling and forwards text messages to out. A second Start
// while running is a no-op.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.inbox.Store(&out)
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log))
	a.sup = sup

	sup.Go0("telegram.drops", func(c context.Context) { a.reportDrops(c, cap(out)) })
	sup.Go0("telegram.stop", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start blocks until bot.Stop. Returning any earlier is a fault.
	sup.GoRestart("telegram.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		if c.Err() != nil {
			return nil
		}
		return errPollerExited
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second), supervisor.WithPublishFirstError(true))
	return nil
}

func (a *Adapter) reportDrops(ctx context.Context, capacity int) {
	t := time.NewTicker(dropReportEvery)
	defer t.Stop()
	flush := func() {
		if n := a.dropped.Swap(0); n > 0 {
			a.log.Warn("inbound updates dropped, queue full", logx.Int64("count", int64(n)), logx.Int("queue_cap", capacity))
		}
	}
	defer flush()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			flush()
		}
	}
}

// Stop ends polling. It waits at most stopGrace, or less if ctx says so,
// because an in-flight getUpdates only returns at its poll timeout.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	a.mu.Unlock()
	a.inbox.Store(nil)
	if sup == nil {
		return nil
	}

	sup.Cancel()
	wctx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()
	switch err := sup.Wait(wctx); {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		a.log.Warn("telegram stop timed out", logx.Err(err))
	default:
		a.log.Debug("telegram stopped after poller faults", logx.Err(err))
	}
	a.log.Info("polling stopped")
	return nil
}
