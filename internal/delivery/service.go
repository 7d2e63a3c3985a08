package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/trishtzy/weatherbot/internal/eventbus"
	"github.com/trishtzy/weatherbot/pkg/logx"
)

type Config struct {
	Interval       time.Duration
	StartupCatchUp bool
}

// TickStatus describes the last completed tick.
type TickStatus struct {
	RunID    string
	At       time.Time
	Took     time.Duration
	Report   Report
	Error    string
	Finished time.Time
}

// TickEvent is the payload of tick lifecycle bus events.
type TickEvent struct {
	RunID   string `json:"run_id"`
	Startup bool   `json:"startup"`
	Report  Report `json:"report"`
	Error   string `json:"error,omitempty"`
}

// Service arms the periodic timer and serializes ticks.
type Service struct {
	mu  sync.Mutex
	cfg Config
	c   *cron.Cron

	rec   *Reconciler
	clock clockwork.Clock
	log   logx.Logger
	bus   eventbus.Bus

	parent    context.Context
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	// tickMu is held for the whole of a tick; a fire that cannot take it is dropped.
	tickMu sync.Mutex

	smu     sync.Mutex
	last    *TickStatus
	dropped uint64
}

func New(cfg Config, rec *Reconciler, clock clockwork.Clock, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		cfg:   cfg,
		rec:   rec,
		clock: clock,
		log:   log.With(logx.String("comp", "delivery.service")),
		bus:   bus,
	}
}

// Start arms the timer. With startup catch-up enabled the catch-up tick holds
// the tick lock before the timer starts, so no periodic tick can run first.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parent = ctx
	s.startLocked(s.cfg.StartupCatchUp)
	return nil
}

func (s *Service) startLocked(catchUp bool) {
	if s.c != nil {
		return
	}
	cfg := s.cfg
	if cfg.Interval < time.Second {
		cfg.Interval = time.Minute
	}
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(s.parent))

	clog := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	s.c.Schedule(cron.Every(cfg.Interval), cron.FuncJob(func() { s.fire() }))

	if catchUp {
		s.tickMu.Lock()
		s.c.Start()
		s.wg.Add(1)
		go func(ctx context.Context) {
			defer s.wg.Done()
			defer s.tickMu.Unlock()
			s.runTickLocked(ctx, true)
		}(s.runCtx)
	} else {
		s.c.Start()
	}
	s.log.Info("service started", logx.Duration("interval", cfg.Interval), logx.Bool("startup_catch_up", catchUp))
}

// Stop disarms the timer and waits for a running tick, up to ctx.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop deadline reached, cancelling running tick")
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Apply swaps the config. An interval change re-arms the timer.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()
	if !running || old.Interval == cfg.Interval {
		return
	}
	s.log.Info("interval changed, re-arming timer", logx.Duration("old", old.Interval), logx.Duration("new", cfg.Interval))
	s.Stop(context.Background())
	// Catch-up runs once per process, not on re-arm.
	s.mu.Lock()
	s.startLocked(false)
	s.mu.Unlock()
}

// Tick runs one periodic tick now. It reports false when another tick is in
// progress and this one was dropped.
func (s *Service) Tick(ctx context.Context) (TickStatus, bool) {
	if !s.tickMu.TryLock() {
		s.noteDropped()
		return TickStatus{}, false
	}
	defer s.tickMu.Unlock()
	return s.runTickLocked(ctx, false), true
}

func (s *Service) fire() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	s.Tick(ctx)
}

func (s *Service) noteDropped() {
	s.smu.Lock()
	s.dropped++
	s.smu.Unlock()
	s.log.Debug("tick dropped, previous tick still running")
}

func (s *Service) runTickLocked(ctx context.Context, startup bool) TickStatus {
	id := uuid.NewString()
	now := s.clock.Now()
	st := TickStatus{RunID: id, At: now}
	s.publish(eventbus.TopicTickStarted, TickEvent{RunID: id, Startup: startup})

	rep, err := s.rec.Run(WithRunID(ctx, id), now, startup)
	st.Report = rep
	st.Finished = s.clock.Now()
	st.Took = st.Finished.Sub(now)
	ev := TickEvent{RunID: id, Startup: startup, Report: rep}
	if err != nil {
		st.Error = err.Error()
		ev.Error = st.Error
		s.log.Error("tick finished with errors", logx.String("run", id), logx.Err(err))
	}
	s.publish(eventbus.TopicTickFinished, ev)

	s.smu.Lock()
	s.last = &st
	s.smu.Unlock()
	return st
}

// LastTick returns the most recently completed tick.
func (s *Service) LastTick() (TickStatus, bool) {
	s.smu.Lock()
	defer s.smu.Unlock()
	if s.last == nil {
		return TickStatus{}, false
	}
	return *s.last, true
}

// Dropped counts ticks skipped because another was running.
func (s *Service) Dropped() uint64 {
	s.smu.Lock()
	defer s.smu.Unlock()
	return s.dropped
}

func (s *Service) publish(topic string, ev TickEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: topic, Data: ev})
	}
}

// cronLogger routes robfig/cron diagnostics into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
