// Package metrics exposes Prometheus collectors for the delivery pipeline.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trishtzy/weatherbot/internal/delivery"
)

const namespace = "weatherbot"

// Metrics holds the counters, histograms, and gauges of the bot. It satisfies
// the observer interfaces of the forecast cache, the notifier and the
// delivery reconciler.
type Metrics struct {
	Ticks         *prometheus.CounterVec // labels: outcome, startup
	TickDuration  prometheus.Histogram
	LastTick      prometheus.Gauge
	Recipients    *prometheus.CounterVec // labels: result={sent,failed,no_match,already_sent}
	PersistErrors prometheus.Counter

	CacheLookups  *prometheus.CounterVec // labels: result={hit,miss}
	FetchDuration prometheus.Histogram
	FetchFailures prometheus.Counter

	Sends        *prometheus.CounterVec // labels: outcome={ok,error}
	SendAttempts prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_ticks_total",
			Help:      "Reconciliation ticks by outcome.",
		}, []string{"outcome", "startup"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_tick_duration_seconds",
			Help:      "Duration of a reconciliation tick.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		LastTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delivery_last_tick_timestamp_seconds",
			Help:      "Unix time of the last completed tick.",
		}),
		Recipients: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_recipients_total",
			Help:      "Due recipients handled, by result.",
		}, []string{"result"}),
		PersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_persist_errors_total",
			Help:      "Schedule updates that failed after a successful send.",
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forecast_cache_lookups_total",
			Help:      "Forecast cache lookups by result.",
		}, []string{"result"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forecast_fetch_duration_seconds",
			Help:      "Upstream forecast request duration.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		FetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forecast_fetch_failures_total",
			Help:      "Upstream forecast requests that returned no usable snapshot.",
		}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifier_sends_total",
			Help:      "Messages handed to the transport, by outcome.",
		}, []string{"outcome"}),
		SendAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notifier_send_attempts",
			Help:      "Attempts needed per message.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Ticks,
			m.TickDuration,
			m.LastTick,
			m.Recipients,
			m.PersistErrors,
			m.CacheLookups,
			m.FetchDuration,
			m.FetchFailures,
			m.Sends,
			m.SendAttempts,
		)
	}
	return m
}

func (m *Metrics) CacheLookup(hit bool) {
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.CacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) FetchDone(err error, took time.Duration) {
	m.FetchDuration.Observe(took.Seconds())
	if err != nil {
		m.FetchFailures.Inc()
	}
}

func (m *Metrics) SendDone(err error, attempts int, _ time.Duration) {
	m.SendAttempts.Observe(float64(attempts))
	if err != nil {
		m.Sends.WithLabelValues("error").Inc()
		return
	}
	m.Sends.WithLabelValues("ok").Inc()
}

func (m *Metrics) TickDone(r delivery.Report, took time.Duration) {
	startup := "false"
	if r.Startup {
		startup = "true"
	}
	m.Ticks.WithLabelValues(string(r.Outcome), startup).Inc()
	m.TickDuration.Observe(took.Seconds())
	m.LastTick.SetToCurrentTime()
	m.Recipients.WithLabelValues("sent").Add(float64(r.Sent))
	m.Recipients.WithLabelValues("failed").Add(float64(r.Failed))
	m.Recipients.WithLabelValues("no_match").Add(float64(r.NoMatch))
	m.Recipients.WithLabelValues("already_sent").Add(float64(r.AlreadySent))
}

func (m *Metrics) PersistFailed() { m.PersistErrors.Inc() }

// RegisterGauge adds a callback gauge, e.g. for subscriber counts or breaker state.
func RegisterGauge(reg prometheus.Registerer, name, help string, fn func() float64) error {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn)
	if err := reg.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return err
	}
	return nil
}
