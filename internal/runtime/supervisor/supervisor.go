// Package supervisor runs named goroutines under one cancellable context and
// keeps the first failure.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	"github.com/trishtzy/weatherbot/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	failFast bool

	wg       sync.WaitGroup
	waitOnce sync.Once
	done     chan struct{}

	errMu sync.Mutex
	err   error
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels the shared context on the first failure.
func WithCancelOnError(enabled bool) Option { return func(s *Supervisor) { s.failFast = enabled } }

func New(parent context.Context, opts ...Option) *Supervisor {
	s := &Supervisor{log: logx.Nop(), done: make(chan struct{})}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel does not wait; see Wait.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Go runs fn once. A returned error other than context.Canceled, or a panic,
// is a failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(name, func() {
		if err := s.protect(name, fn); err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
	})
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error { fn(ctx); return nil })
}

func (s *Supervisor) spawn(name string, body func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Debug("goroutine started", logx.String("name", name))
		body()
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// protect converts a panic in fn into an error.
func (s *Supervisor) protect(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

// RestartOption tunes GoRestart.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	base, ceiling time.Duration
	limit         int // restarts allowed after the first run; 0 is unlimited
	report        bool
	stableAfter   time.Duration
}

// WithRestartBackoff bounds the delay between restarts. Zero keeps a default.
func WithRestartBackoff(base, ceiling time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if base > 0 {
			p.base = base
		}
		if ceiling > 0 {
			p.ceiling = ceiling
		}
	}
}

// WithMaxRestarts gives up after n restarts. Giving up is not a failure.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.limit = max(0, n) } }

// WithPublishFirstError records restart causes in Err without cancelling.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.report = enabled }
}

// delay doubles per consecutive failure, capped, plus up to 20% jitter.
func (p restartPolicy) delay(failures int) time.Duration {
	d := p.base
	for i := 1; i < failures && d < p.ceiling; i++ {
		d *= 2
	}
	d = min(d, p.ceiling)
	if j := d / 5; j > 0 {
		d += rand.N(j + 1)
	}
	return d
}

// GoRestart runs fn again after every error or panic until it returns nil,
// ctx ends or the restart limit is reached. A run that lasted longer than a
// stable period resets the backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{base: 250 * time.Millisecond, ceiling: 30 * time.Second, stableAfter: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.ceiling = max(p.ceiling, p.base)

	s.spawn(name, func() {
		failures, restarts := 0, 0
		for {
			began := time.Now()
			err := s.protect(name, fn)
			if err == nil || s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if p.report {
				s.record(fmt.Errorf("%s: %w", name, err))
			}
			if time.Since(began) >= p.stableAfter {
				failures = 0
			}
			failures++
			if p.limit > 0 && restarts >= p.limit {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				return
			}
			restarts++
			wait := p.delay(failures)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	})
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.record(err)
	if s.failFast {
		s.cancel()
	}
}

func (s *Supervisor) record(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}
