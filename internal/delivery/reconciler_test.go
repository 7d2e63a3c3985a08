package delivery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trishtzy/weatherbot/internal/eventbus"
	"github.com/trishtzy/weatherbot/internal/forecast"
	"github.com/trishtzy/weatherbot/internal/schedule"
	"github.com/trishtzy/weatherbot/internal/storage"
	"github.com/trishtzy/weatherbot/pkg/logx"
)

// 12:00-14:00 SGT.
var sgtWindow = mustWindow("2026-03-01T12:00:00", "2026-03-01T14:00:00")

func mustWindow(start, end string) schedule.Window {
	w, err := schedule.NormalizeValidity(start, end)
	if err != nil {
		panic(err)
	}
	return w
}

func utc(h, m int) time.Time { return time.Date(2026, 3, 1, h, m, 0, 0, time.UTC) }

type fixedSource struct {
	mu   sync.Mutex
	snap forecast.Snapshot
	err  error
}

func (f *fixedSource) Get(context.Context, time.Time) (forecast.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.err
}

func (f *fixedSource) setWindow(w schedule.Window) {
	f.mu.Lock()
	f.snap.Window = w
	f.mu.Unlock()
}

func newSource(w schedule.Window) *fixedSource {
	return &fixedSource{snap: forecast.Snapshot{
		Forecasts:    []forecast.AreaForecast{{Area: "Bedok", Label: "Fair"}, {Area: "Tuas", Label: "Showers"}},
		Areas:        []string{"Bedok", "Tuas"},
		Window:       w,
		ValidityText: "12 to 2 PM",
	}}
}

type fakeNotifier struct {
	mu    sync.Mutex
	fail  map[int64]error
	sent  map[int64][]string
	calls atomic.Int32

	entered chan struct{}
	release chan struct{}
	panics  bool
}

func newNotifier() *fakeNotifier {
	return &fakeNotifier{fail: map[int64]error{}, sent: map[int64][]string{}}
}

func (n *fakeNotifier) Send(ctx context.Context, chatID int64, text string) error {
	n.calls.Add(1)
	if n.entered != nil {
		select {
		case n.entered <- struct{}{}:
		default:
		}
	}
	if n.release != nil {
		<-n.release
	}
	if n.panics {
		panic("transport exploded")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail[chatID]; err != nil {
		return err
	}
	n.sent[chatID] = append(n.sent[chatID], text)
	return nil
}

func (n *fakeNotifier) setFail(chatID int64, err error) {
	n.mu.Lock()
	if err == nil {
		delete(n.fail, chatID)
	} else {
		n.fail[chatID] = err
	}
	n.mu.Unlock()
}

func (n *fakeNotifier) sentTo(chatID int64) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent[chatID]...)
}

func openStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "subs.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func subscribe(t *testing.T, st *storage.SQLiteStore, chatID int64, areas ...string) {
	t.Helper()
	for _, a := range areas {
		_, err := st.AddSubscription(context.Background(), chatID, a)
		require.NoError(t, err)
	}
}

func recipient(t *testing.T, st *storage.SQLiteStore, chatID int64) storage.Recipient {
	t.Helper()
	r, err := st.Recipient(context.Background(), chatID)
	require.NoError(t, err)
	return r
}

func TestStartupCatchUpSendsWhileWindowCurrent(t *testing.T) {
	t.Parallel()
	require.Equal(t, utc(4, 0), sgtWindow.Start)
	require.Equal(t, utc(6, 0), sgtWindow.End)

	st := openStore(t)
	subscribe(t, st, 1, "Bedok")
	n := newNotifier()
	rec := NewReconciler(newSource(sgtWindow), st, n, logx.Nop())

	rep, err := rec.Run(context.Background(), utc(3, 50), true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, rep.Outcome)
	assert.Equal(t, 1, rep.Sent)
	require.Len(t, n.sentTo(1), 1)
	assert.Contains(t, n.sentTo(1)[0], "*Bedok*")

	r := recipient(t, st, 1)
	require.NotNil(t, r.LastSentAt)
	require.NotNil(t, r.NextScheduledAt)
	assert.True(t, r.LastSentAt.Equal(sgtWindow.Start), "last sent anchors to window start")
	assert.True(t, r.NextScheduledAt.Equal(utc(5, 30)))
}

func TestStartupCatchUpSkipsElapsedWindow(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	subscribe(t, st, 1, "Bedok")
	n := newNotifier()
	rec := NewReconciler(newSource(sgtWindow), st, n, logx.Nop())

	rep, err := rec.Run(context.Background(), utc(6, 5), true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWindowElapsed, rep.Outcome)
	assert.Zero(t, n.calls.Load())
	assert.Nil(t, recipient(t, st, 1).NextScheduledAt)

}

func TestRegularTickSkipsElapsedWindow(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	subscribe(t, st, 1, "Bedok")
	n := newNotifier()
	rec := NewReconciler(newSource(sgtWindow), st, n, logx.Nop())

	rep, err := rec.Run(context.Background(), utc(6, 5), false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWindowElapsed, rep.Outcome)
	assert.Zero(t, rep.Sent)
	assert.Zero(t, n.calls.Load())
	assert.Nil(t, recipient(t, st, 1).LastSentAt)

	// Exactly at the window end counts as elapsed too.
	rep, err = rec.Run(context.Background(), utc(6, 0), false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWindowElapsed, rep.Outcome)
	assert.Zero(t, n.calls.Load())
}

func TestDispatchFailureLeavesRecordAndRetriesNextTick(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	subscribe(t, st, 1, "Bedok")
	subscribe(t, st, 2, "Tuas")
	n := newNotifier()
	n.setFail(1, errors.New("telegram 502"))
	rec := NewReconciler(newSource(sgtWindow), st, n, logx.Nop())

	before := recipient(t, st, 1)
	rep, err := rec.Run(context.Background(), utc(4, 10), false)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Due)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Sent, "one failure does not abort the batch")
	assert.Equal(t, before, recipient(t, st, 1))

	due, err := st.DueRecipients(context.Background(), utc(4, 11))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(1), due[0].ChatID)

	n.setFail(1, nil)
	rep, err = rec.Run(context.Background(), utc(4, 11), false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent)
	assert.Len(t, n.sentTo(1), 1)
}

func TestAbsentAreaLeavesRecipientDue(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	subscribe(t, st, 7, "Atlantis")
	n := newNotifier()
	rec := NewReconciler(newSource(sgtWindow), st, n, logx.Nop())

	before := recipient(t, st, 7)
	rep, err := rec.Run(context.Background(), utc(4, 0), false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.NoMatch)
	assert.Zero(t, n.calls.Load())
	assert.Equal(t, before, recipient(t, st, 7))
}

func TestPartialAreaMatchSendsMatchedBlocks(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	subscribe(t, st, 3, "Atlantis", "Tuas")
	n := newNotifier()
	rec := NewReconciler(newSource(sgtWindow), st, n, logx.Nop())

	_, err := rec.Run(context.Background(), utc(4, 0), false)
	require.NoError(t, err)
	sent := n.sentTo(3)
	require.Len(t, sent, 1)
	assert.Equal(t, "🌧️ *Tuas*\nForecast: *Showers*\nValid: 12 to 2 PM", sent[0])
}

func TestScheduledRecipientNotDueUntilNextInstant(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	subscribe(t, st, 1, "Bedok")
	n := newNotifier()
	src := newSource(sgtWindow)
	rec := NewReconciler(src, st, n, logx.Nop())

	// Next instant 05:00Z still falls inside the 04:00-06:00Z window.
	t1 := utc(3, 20)
	_, err := rec.Run(context.Background(), t1, false)
	require.NoError(t, err)
	next := schedule.NextScheduledTime(t1)

	rep, err := rec.Run(context.Background(), next.Add(-time.Second), false)
	require.NoError(t, err)
	assert.Zero(t, rep.Due)

	// Same window again: due, but already delivered.
	rep, err = rec.Run(context.Background(), next, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Due)
	assert.Equal(t, 1, rep.AlreadySent)
	assert.Len(t, n.sentTo(1), 1)

	src.setWindow(mustWindow("2026-03-01T14:00:00", "2026-03-01T16:00:00"))
	rep, err = rec.Run(context.Background(), next, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent)
	assert.Len(t, n.sentTo(1), 2)
}

func TestUnavailableForecastHasNoSideEffects(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	subscribe(t, st, 1, "Bedok")
	n := newNotifier()

	for _, src := range []*fixedSource{
		{err: forecast.ErrUnavailable},
		{snap: forecast.Snapshot{Forecasts: []forecast.AreaForecast{{Area: "Bedok", Label: "Fair"}}}},
	} {
		rec := NewReconciler(src, st, n, logx.Nop())
		rep, err := rec.Run(context.Background(), utc(4, 0), false)
		require.NoError(t, err)
		assert.Equal(t, OutcomeUnavailable, rep.Outcome)
	}
	assert.Zero(t, n.calls.Load())
	assert.Nil(t, recipient(t, st, 1).NextScheduledAt)
}

type failingStore struct {
	*storage.SQLiteStore
}

func (failingStore) UpdateDelivery(context.Context, int64, time.Time, time.Time) error {
	return errors.New("disk I/O error")
}

type countingObserver struct {
	ticks, persist atomic.Int32
}

func (o *countingObserver) TickDone(Report, time.Duration) { o.ticks.Add(1) }
func (o *countingObserver) PersistFailed()                 { o.persist.Add(1) }

func TestPersistFailureIsSurfaced(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	subscribe(t, st, 1, "Bedok")
	subscribe(t, st, 2, "Tuas")
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	obs := &countingObserver{}
	n := newNotifier()
	rec := NewReconciler(newSource(sgtWindow), failingStore{st}, n, logx.Nop(), WithBus(bus), WithObserver(obs))

	rep, err := rec.Run(context.Background(), utc(4, 0), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersist)
	assert.Equal(t, 2, rep.Sent)
	assert.Equal(t, 2, rep.PersistErrs)
	assert.Equal(t, int32(2), obs.persist.Load())
	assert.Equal(t, int32(1), obs.ticks.Load())

	ev := <-events
	assert.Equal(t, eventbus.TopicPersistFailed, ev.Type)
}

func TestPersistFailureDoesNotResendWindow(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	subscribe(t, st, 1, "Bedok")
	n := newNotifier()
	src := newSource(sgtWindow)

	broken := NewReconciler(src, failingStore{st}, n, logx.Nop())
	_, err := broken.Run(context.Background(), utc(4, 0), false)
	require.ErrorIs(t, err, ErrPersist)
	require.Len(t, n.sentTo(1), 1)

	// Still due, but the claim blocks a second copy.
	rep, err := broken.Run(context.Background(), utc(4, 1), false)
	require.ErrorIs(t, err, ErrPersist)
	assert.Equal(t, 1, rep.AlreadySent)
	assert.Len(t, n.sentTo(1), 1)

	// Once the store recovers the schedule is repaired without sending.
	rec := NewReconciler(src, st, n, logx.Nop())
	rep, err = rec.Run(context.Background(), utc(4, 2), false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.AlreadySent)
	assert.Len(t, n.sentTo(1), 1)
	r := recipient(t, st, 1)
	require.NotNil(t, r.LastSentAt)
	assert.True(t, r.LastSentAt.Equal(sgtWindow.Start))
	require.NotNil(t, r.NextScheduledAt)
	assert.True(t, r.NextScheduledAt.Equal(schedule.NextScheduledTime(utc(4, 2))))
}

type claimFailStore struct {
	*storage.SQLiteStore
}

func (claimFailStore) ClaimDelivery(context.Context, int64, time.Time, time.Time) (bool, error) {
	return false, errors.New("database is locked")
}

func TestClaimFailureSkipsSend(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	subscribe(t, st, 1, "Bedok")
	n := newNotifier()
	rec := NewReconciler(newSource(sgtWindow), claimFailStore{st}, n, logx.Nop())

	rep, err := rec.Run(context.Background(), utc(4, 0), false)
	require.ErrorIs(t, err, ErrClaim)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.ClaimErrs)
	assert.Zero(t, n.calls.Load())
	assert.Nil(t, recipient(t, st, 1).NextScheduledAt)
}

func TestNotifierPanicCountsAsFailure(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	subscribe(t, st, 1, "Bedok")
	n := newNotifier()
	n.panics = true
	rec := NewReconciler(newSource(sgtWindow), st, n, logx.Nop())

	rep, err := rec.Run(context.Background(), utc(4, 0), false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Nil(t, recipient(t, st, 1).NextScheduledAt)
}

func TestConcurrentDispatchUpdatesEachRecipient(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	for id := int64(1); id <= 12; id++ {
		subscribe(t, st, id, "Bedok")
	}
	n := newNotifier()
	n.setFail(5, errors.New("blocked"))
	rec := NewReconciler(newSource(sgtWindow), st, n, logx.Nop(), WithConcurrency(4))

	rep, err := rec.Run(context.Background(), utc(4, 0), false)
	require.NoError(t, err)
	assert.Equal(t, 11, rep.Sent)
	assert.Equal(t, 1, rep.Failed)
	for id := int64(1); id <= 12; id++ {
		r := recipient(t, st, id)
		if id == 5 {
			assert.Nil(t, r.NextScheduledAt)
			continue
		}
		require.NotNil(t, r.NextScheduledAt, "chat %d", id)
	}
}
