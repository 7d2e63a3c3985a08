package delivery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/trishtzy/weatherbot/internal/eventbus"
	"github.com/trishtzy/weatherbot/internal/forecast"
	"github.com/trishtzy/weatherbot/internal/schedule"
	"github.com/trishtzy/weatherbot/internal/storage"
	"github.com/trishtzy/weatherbot/pkg/logx"
)

var (
	// ErrPersist wraps a schedule update that failed after the message was
	// sent. The delivery claim still blocks a resend of that window.
	ErrPersist = errors.New("delivery: schedule update failed after send")
	// ErrClaim wraps a failure to record or release a delivery claim. The
	// recipient is not sent to.
	ErrClaim = errors.New("delivery: delivery claim failed")
)

type ForecastSource interface {
	Get(ctx context.Context, now time.Time) (forecast.Snapshot, error)
}

// Store is the part of the subscription store a tick touches.
type Store interface {
	DueRecipients(ctx context.Context, now time.Time) ([]storage.Recipient, error)
	UpdateDelivery(ctx context.Context, chatID int64, lastSentAt, nextScheduledAt time.Time) error
	ClaimDelivery(ctx context.Context, chatID int64, windowStart, until time.Time) (bool, error)
	ReleaseDelivery(ctx context.Context, chatID int64, windowStart time.Time) error
}

type Notifier interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Outcome classifies how a tick ended.
type Outcome string

const (
	OutcomeDone          Outcome = "done"
	OutcomeUnavailable   Outcome = "unavailable"
	OutcomeWindowElapsed Outcome = "window_elapsed"
	OutcomeStoreError    Outcome = "store_error"
)

// Report aggregates one tick.
type Report struct {
	Startup     bool
	Outcome     Outcome
	Window      schedule.Window
	Due         int
	Sent        int
	Failed      int
	NoMatch     int
	AlreadySent int
	PersistErrs int
	ClaimErrs   int
}

// PersistFailure is published on the bus for every failed schedule update.
type PersistFailure struct {
	ChatID int64  `json:"chat_id"`
	Error  string `json:"error"`
}

// Observer receives per-tick outcomes (metrics).
type Observer interface {
	TickDone(r Report, took time.Duration)
	PersistFailed()
}

type nopObserver struct{}

func (nopObserver) TickDone(Report, time.Duration) {}
func (nopObserver) PersistFailed()                 {}

type Option func(*Reconciler)

// WithConcurrency dispatches up to n recipients at once. n <= 1 is sequential.
func WithConcurrency(n int) Option { return func(r *Reconciler) { r.concurrency = n } }

func WithObserver(o Observer) Option {
	return func(r *Reconciler) {
		if o != nil {
			r.obs = o
		}
	}
}

func WithBus(b eventbus.Bus) Option { return func(r *Reconciler) { r.bus = b } }

type Reconciler struct {
	src    ForecastSource
	store  Store
	notify Notifier
	log    logx.Logger
	bus    eventbus.Bus
	obs    Observer

	concurrency int
}

func NewReconciler(src ForecastSource, store Store, notify Notifier, log logx.Logger, opts ...Option) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Reconciler{
		src:    src,
		store:  store,
		notify: notify,
		log:    log.With(logx.String("comp", "delivery")),
		obs:    nopObserver{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes one reconciliation tick at now. The returned error is non-nil
// when due recipients could not be listed or a claim or schedule update failed; an
// unavailable forecast is reported through Report.Outcome only.
func (r *Reconciler) Run(ctx context.Context, now time.Time, startup bool) (Report, error) {
	started := time.Now()
	rep := Report{Startup: startup, Outcome: OutcomeDone}
	rep, err := r.run(ctx, now, rep)
	r.obs.TickDone(rep, time.Since(started))
	return rep, err
}

func (r *Reconciler) run(ctx context.Context, now time.Time, rep Report) (Report, error) {
	log := r.log
	if id, ok := runIDFrom(ctx); ok {
		log = log.With(logx.String("run", id))
	}

	snap, err := r.src.Get(ctx, now)
	if err != nil {
		log.Warn("forecast unavailable, tick skipped", logx.Err(err))
		rep.Outcome = OutcomeUnavailable
		return rep, nil
	}
	w := snap.Window
	if w.IsZero() || !w.Start.Before(w.End) {
		log.Warn("forecast has no usable validity window, tick skipped")
		rep.Outcome = OutcomeUnavailable
		return rep, nil
	}
	rep.Window = w

	// An ended window is never delivered, at startup or on a regular tick.
	if w.Expired(now) {
		msg := "forecast window already elapsed, tick skipped"
		if rep.Startup {
			msg = "startup catch-up skipped, forecast window already elapsed"
		}
		log.Info(msg, logx.Time("window_end", w.End), logx.Time("now", now))
		rep.Outcome = OutcomeWindowElapsed
		return rep, nil
	}

	due, err := r.store.DueRecipients(ctx, now)
	if err != nil {
		log.Error("list due recipients failed", logx.Err(err))
		rep.Outcome = OutcomeStoreError
		return rep, fmt.Errorf("delivery: due recipients: %w", err)
	}
	rep.Due = len(due)
	if len(due) == 0 {
		return rep, nil
	}

	next := schedule.NextScheduledTime(now)
	var (
		mu   sync.Mutex
		errs []error
	)
	handle := func(rc storage.Recipient) {
		res, perr := r.deliver(ctx, log, snap, rc, next)
		mu.Lock()
		defer mu.Unlock()
		switch res {
		case resultSent:
			rep.Sent++
		case resultFailed:
			rep.Failed++
		case resultNoMatch:
			rep.NoMatch++
		case resultAlreadySent:
			rep.AlreadySent++
		}
		switch {
		case perr == nil:
		case errors.Is(perr, ErrClaim):
			rep.ClaimErrs++
			errs = append(errs, perr)
		default:
			rep.PersistErrs++
			errs = append(errs, perr)
		}
	}

	if r.concurrency <= 1 {
		for _, rc := range due {
			if ctx.Err() != nil {
				break
			}
			handle(rc)
		}
	} else {
		sem := make(chan struct{}, r.concurrency)
		var wg sync.WaitGroup
		for _, rc := range due {
			if ctx.Err() != nil {
				break
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(rc storage.Recipient) {
				defer func() { <-sem; wg.Done() }()
				handle(rc)
			}(rc)
		}
		wg.Wait()
	}

	log.Info("tick finished",
		logx.Bool("startup", rep.Startup),
		logx.Int("due", rep.Due),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Int("no_match", rep.NoMatch),
		logx.Int("already_sent", rep.AlreadySent),
		logx.Int("store_errs", rep.PersistErrs+rep.ClaimErrs),
	)
	return rep, errors.Join(errs...)
}

type result int

const (
	resultSent result = iota
	resultFailed
	resultNoMatch
	resultAlreadySent
)

// deliver handles a single recipient. A claim on (chat, window) is taken
// before sending and released only when the send fails, so neither a crash
// nor a failed schedule update can deliver the same window twice.
func (r *Reconciler) deliver(ctx context.Context, log logx.Logger, snap forecast.Snapshot, rc storage.Recipient, next time.Time) (result, error) {
	log = log.With(logx.Int64("chat_id", rc.ChatID))
	w := snap.Window
	if rc.LastSentAt != nil && rc.LastSentAt.Equal(w.Start) {
		log.Debug("window already delivered", logx.Time("window_start", w.Start))
		return resultAlreadySent, nil
	}

	text, n := forecast.Compose(snap, rc.Areas)
	if n == 0 {
		log.Debug("no subscribed area in forecast", logx.Any("areas", rc.Areas))
		return resultNoMatch, nil
	}

	claimed, err := r.store.ClaimDelivery(ctx, rc.ChatID, w.Start, w.End)
	if err != nil {
		log.Error("delivery claim failed, send skipped", logx.Err(err))
		return resultFailed, fmt.Errorf("%w: chat %d: %w", ErrClaim, rc.ChatID, err)
	}
	if !claimed {
		// Sent earlier but the schedule never caught up.
		log.Info("window already claimed, repairing schedule", logx.Time("window_start", w.Start))
		return resultAlreadySent, r.persist(ctx, log, rc.ChatID, w.Start, next)
	}

	if err := r.send(ctx, rc.ChatID, text); err != nil {
		log.Warn("send failed, recipient stays due", logx.Err(err))
		if rerr := r.store.ReleaseDelivery(ctx, rc.ChatID, w.Start); rerr != nil {
			log.Error("delivery claim not released, window will be skipped", logx.Err(rerr))
			return resultFailed, fmt.Errorf("%w: chat %d: %w", ErrClaim, rc.ChatID, rerr)
		}
		return resultFailed, nil
	}
	return resultSent, r.persist(ctx, log, rc.ChatID, w.Start, next)
}

func (r *Reconciler) persist(ctx context.Context, log logx.Logger, chatID int64, sent, next time.Time) error {
	err := r.store.UpdateDelivery(ctx, chatID, sent, next)
	if err == nil {
		return nil
	}
	log.Error("schedule update failed after send", logx.Err(err))
	r.obs.PersistFailed()
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TopicPersistFailed, Data: PersistFailure{ChatID: chatID, Error: err.Error()}})
	}
	return fmt.Errorf("%w: chat %d: %w", ErrPersist, chatID, err)
}

// send never lets a notifier panic escape the batch.
func (r *Reconciler) send(ctx context.Context, chatID int64, text string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("notifier panicked", logx.Int64("chat_id", chatID), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("delivery: notifier panic: %v", p)
		}
	}()
	return r.notify.Send(ctx, chatID, text)
}

type runIDKey struct{}

// WithRunID tags ctx so tick logs carry a correlation id.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

func runIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey{}).(string)
	return id, ok && id != ""
}
