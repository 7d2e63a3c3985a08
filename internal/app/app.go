package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/trishtzy/weatherbot/internal/config"
	"github.com/trishtzy/weatherbot/internal/delivery"
	"github.com/trishtzy/weatherbot/internal/eventbus"
	"github.com/trishtzy/weatherbot/internal/forecast"
	"github.com/trishtzy/weatherbot/internal/notifier"
	"github.com/trishtzy/weatherbot/internal/observability/metrics"
	"github.com/trishtzy/weatherbot/internal/observability/ops"
	"github.com/trishtzy/weatherbot/internal/runtime/supervisor"
	"github.com/trishtzy/weatherbot/internal/storage"
	kit "github.com/trishtzy/weatherbot/internal/transport"
	telegram "github.com/trishtzy/weatherbot/internal/transport/telegram/adapter"
	"github.com/trishtzy/weatherbot/internal/transport/telegram/router"
	"github.com/trishtzy/weatherbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	clock clockwork.Clock
	store *storage.SQLiteStore

	adapter  *telegram.Adapter
	client   *forecast.Client
	cache    *forecast.Cache
	areas    *forecast.Directory
	notif    *notifier.Service
	delivery *delivery.Service
	ops      *ops.Service
	router   *router.Router
	reg      *prometheus.Registry
	sd       *sdNotifier

	startedAt time.Time
	updates   chan kit.Update
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(cfg.Logging.Level)
	ad, err := telegram.New(mapAdapterConfig(cfg), bootLog)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), ad)
	bus := eventbus.New()
	clock := clockwork.NewRealClock()

	store, err := storage.Open(ctx, mapStorageConfig(cfg), log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	client := forecast.NewClient(mapForecastConfig(cfg), log)
	cache := forecast.NewCache(client, log, forecast.WithObserver(m), forecast.WithBus(bus))
	areas := forecast.NewDirectory(cache, cfg.Forecast.AreaNamesTTLOrDefault(), clock)

	notif := notifier.New(mapNotifierConfig(cfg), ad, log, bus)
	notif.SetObserver(m)

	rec := delivery.NewReconciler(cache, store, notif, log,
		delivery.WithConcurrency(cfg.Delivery.ConcurrencyOrDefault()),
		delivery.WithObserver(m),
		delivery.WithBus(bus),
	)
	dsvc := delivery.New(mapDeliveryConfig(cfg), rec, clock, log, bus)

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      bus,
		clock:    clock,
		store:    store,
		adapter:  ad,
		client:   client,
		cache:    cache,
		areas:    areas,
		notif:    notif,
		delivery: dsvc,
		router:   router.New(log, ad, cfg.Telegram.OwnerUserIDs),
		reg:      reg,
		sd:       newSDNotifier(log),
		updates:  make(chan kit.Update, 256),
	}
	a.ops = ops.New(opsCfg, ops.Deps{
		Gatherer: reg,
		Checks: []ops.Check{
			{Name: "storage", Fn: store.Ping},
			{Name: "forecast", Fn: a.checkBreaker},
		},
		Info: func() map[string]any { return statusInfo(a.snapshot()) },
	}, log)

	if err := a.registerGauges(); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) registerGauges() error {
	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{"forecast_breaker_open", "1 while the upstream circuit breaker is open.", func() float64 {
			if a.client.BreakerState() == "open" {
				return 1
			}
			return 0
		}},
		{"delivery_ticks_dropped", "Ticks skipped because the previous tick was still running.", func() float64 {
			return float64(a.delivery.Dropped())
		}},
		{"eventbus_dropped", "Events dropped for slow bus subscribers.", func() float64 {
			return float64(a.bus.Dropped())
		}},
	}
	for _, g := range gauges {
		if err := metrics.RegisterGauge(a.reg, g.name, g.help, g.fn); err != nil {
			return fmt.Errorf("metrics: %s: %w", g.name, err)
		}
	}
	return nil
}

func (a *App) checkBreaker(context.Context) error {
	if st := a.client.BreakerState(); st == "open" {
		return fmt.Errorf("circuit %s", st)
	}
	return nil
}

func (a *App) snapshot() statusSnapshot {
	st, ok := a.delivery.LastTick()
	return statusSnapshot{
		Tick:      st,
		HasTick:   ok,
		Breaker:   a.client.BreakerState(),
		Dropped:   a.delivery.Dropped(),
		BusDrops:  a.bus.Dropped(),
		StartedAt: a.startedAt,
	}
}

func (a *App) commands() []router.Command {
	cmds := router.WeatherCommands(router.WeatherDeps{
		Store:     a.store,
		Areas:     a.areas,
		Forecasts: a.cache,
		Clock:     a.clock,
		Status: func(context.Context) string {
			return formatStatus(a.snapshot(), a.clock.Now())
		},
	})
	return append(cmds, a.router.HelpCommand())
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.startedAt = a.clock.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapOpsConfig(cfg)
		return err
	})

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	a.router.SetCommands(run, a.commands())
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	if err := a.delivery.Start(run); err != nil {
		return err
	}
	a.ops.Start(run)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	// Hot reload is optional; a watcher that keeps failing is abandoned.
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(250*time.Millisecond, 5*time.Second),
		supervisor.WithMaxRestarts(20))

	a.sd.Ready()
	if iv := a.sd.WatchdogInterval(); iv > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			a.sd.RunWatchdog(c, iv, func() bool { return a.store.Ping(c) == nil })
		})
	}

	a.log.Info("app started",
		logx.Duration("interval", mapDeliveryConfig(a.cfgm.Get()).Interval),
		logx.Bool("ops", a.ops.Enabled()))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// The delivery loop goes first so an in-flight tick can finish its
	// schedule updates before the store closes.
	a.step(ctx, "delivery", 10*time.Second, func(c context.Context) error { a.delivery.Stop(c); return nil })
	a.sup.Cancel()
	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "notifier", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step with an upper bound so one component cannot
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
