package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trishtzy/weatherbot/internal/eventbus"
	"github.com/trishtzy/weatherbot/pkg/logx"
)

func TestOverlappingTickIsDropped(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	subscribe(t, st, 1, "Bedok")
	n := newNotifier()
	n.entered = make(chan struct{}, 1)
	n.release = make(chan struct{})
	rec := NewReconciler(newSource(sgtWindow), st, n, logx.Nop())
	svc := New(Config{Interval: time.Hour}, rec, clockwork.NewFakeClockAt(utc(4, 0)), logx.Nop(), nil)

	done := make(chan TickStatus, 1)
	go func() {
		ts, ok := svc.Tick(context.Background())
		assert.True(t, ok)
		done <- ts
	}()
	<-n.entered

	_, ok := svc.Tick(context.Background())
	assert.False(t, ok, "second tick must not run while the first is in progress")
	assert.Equal(t, uint64(1), svc.Dropped())

	close(n.release)
	ts := <-done
	assert.Equal(t, 1, ts.Report.Sent)
	assert.NotEmpty(t, ts.RunID)

	last, ok := svc.LastTick()
	require.True(t, ok)
	assert.Equal(t, ts.RunID, last.RunID)
}

func TestStartRunsCatchUpBeforePeriodicTicks(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	subscribe(t, st, 1, "Bedok")
	n := newNotifier()
	n.entered = make(chan struct{}, 1)
	n.release = make(chan struct{})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	rec := NewReconciler(newSource(sgtWindow), st, n, logx.Nop())
	svc := New(Config{Interval: time.Hour, StartupCatchUp: true}, rec, clockwork.NewFakeClockAt(utc(3, 50)), logx.Nop(), bus)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())

	<-n.entered
	_, ok := svc.Tick(context.Background())
	assert.False(t, ok, "periodic tick cannot run during catch-up")
	close(n.release)

	require.Eventually(t, func() bool {
		_, ok := svc.LastTick()
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	last, _ := svc.LastTick()
	assert.True(t, last.Report.Startup)
	assert.Equal(t, 1, last.Report.Sent)

	ev := <-events
	assert.Equal(t, eventbus.TopicTickStarted, ev.Type)
	assert.True(t, ev.Data.(TickEvent).Startup)
	ev = <-events
	assert.Equal(t, eventbus.TopicTickFinished, ev.Type)
}

func TestStartupCatchUpAfterElapsedWindowSendsNothing(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	subscribe(t, st, 1, "Bedok")
	n := newNotifier()
	rec := NewReconciler(newSource(sgtWindow), st, n, logx.Nop())
	svc := New(Config{Interval: time.Hour, StartupCatchUp: true}, rec, clockwork.NewFakeClockAt(utc(6, 5)), logx.Nop(), nil)
	require.NoError(t, svc.Start(context.Background()))

	require.Eventually(t, func() bool {
		_, ok := svc.LastTick()
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	svc.Stop(context.Background())

	last, _ := svc.LastTick()
	assert.Equal(t, OutcomeWindowElapsed, last.Report.Outcome)
	assert.Zero(t, n.calls.Load())
}

func TestApplyReArmsWithoutCatchUp(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	n := newNotifier()
	rec := NewReconciler(newSource(sgtWindow), st, n, logx.Nop())
	svc := New(Config{Interval: time.Hour}, rec, clockwork.NewFakeClockAt(utc(4, 0)), logx.Nop(), nil)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())

	svc.Apply(Config{Interval: 2 * time.Hour, StartupCatchUp: true})
	time.Sleep(20 * time.Millisecond)
	_, ok := svc.LastTick()
	assert.False(t, ok, "re-arming does not run another catch-up")

	_, ok = svc.Tick(context.Background())
	assert.True(t, ok)
}
