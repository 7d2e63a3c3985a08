package router

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trishtzy/weatherbot/internal/forecast"
	"github.com/trishtzy/weatherbot/internal/schedule"
	kit "github.com/trishtzy/weatherbot/internal/transport"
	"github.com/trishtzy/weatherbot/pkg/logx"
)

type sent struct {
	chat int64
	text string
	mode string
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
	menu []kit.BotCommand
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mode := ""
	if opt != nil {
		mode = opt.ParseMode
	}
	f.msgs = append(f.msgs, sent{chat: to.ChatID, text: text, mode: mode})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.msgs)}, nil
}

func (f *fakeSender) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	f.menu = cmds
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) last(t *testing.T) sent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.msgs)
	return f.msgs[len(f.msgs)-1]
}

type memSubs struct {
	mu sync.Mutex
	m  map[int64]map[string]bool
}

func (s *memSubs) AddSubscription(_ context.Context, chatID int64, area string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = map[int64]map[string]bool{}
	}
	if s.m[chatID] == nil {
		s.m[chatID] = map[string]bool{}
	}
	if s.m[chatID][area] {
		return false, nil
	}
	s.m[chatID][area] = true
	return true, nil
}

func (s *memSubs) RemoveSubscription(_ context.Context, chatID int64, area string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.m[chatID][area] {
		return false, nil
	}
	delete(s.m[chatID], area)
	return true, nil
}

func (s *memSubs) Subscriptions(_ context.Context, chatID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for a := range s.m[chatID] {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}

type fakeForecasts struct {
	err error
}

func (f fakeForecasts) Get(context.Context, time.Time) (forecast.Snapshot, error) {
	if f.err != nil {
		return forecast.Snapshot{}, f.err
	}
	return forecast.Snapshot{
		Forecasts:    []forecast.AreaForecast{{Area: "Ang Mo Kio", Label: "Cloudy"}, {Area: "Bedok", Label: "Fair"}},
		Areas:        []string{"Ang Mo Kio", "Bedok"},
		Window:       schedule.Window{Start: time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC), End: time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)},
		ValidityText: "12 to 2 PM",
	}, nil
}

func newTestRouter(t *testing.T, fc fakeForecasts) (*Router, *fakeSender, *memSubs) {
	t.Helper()
	snd := &fakeSender{}
	subs := &memSubs{}
	clock := clockwork.NewFakeClock()
	r := New(logx.Nop(), snd, []int64{99})
	deps := WeatherDeps{
		Store:     subs,
		Areas:     forecast.NewDirectory(fc, time.Hour, clock),
		Forecasts: fc,
		Clock:     clock,
		Status:    func(context.Context) string { return "last tick: ok" },
	}
	r.SetCommands(context.Background(), append(WeatherCommands(deps), r.HelpCommand()))
	return r, snd, subs
}

func say(r *Router, chat int64, text string) {
	r.HandleUpdate(context.Background(), kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: chat, FromID: chat, Text: text}})
}

func TestSubscribeFlow(t *testing.T) {
	t.Parallel()
	r, snd, subs := newTestRouter(t, fakeForecasts{})

	say(r, 1, "/subscribe")
	assert.Contains(t, snd.last(t).text, "Please provide an area name.")

	say(r, 1, "/subscribe ang mo KIO")
	m := snd.last(t)
	assert.Equal(t, kit.ParseModeMarkdown, m.mode)
	assert.Equal(t, "Subscribed to weather updates for *Ang Mo Kio*! You'll receive forecasts every 2 hours.\n\n"+
		"Current forecast:\n☁️ *Ang Mo Kio*\nForecast: *Cloudy*\nValid: 12 to 2 PM", m.text)

	say(r, 1, "/subscribe@sgforecastbot Ang Mo Kio")
	assert.Equal(t, "You're already subscribed to *Ang Mo Kio*.", snd.last(t).text)

	say(r, 1, "/subscribe Atlantis")
	assert.Equal(t, "Area \"Atlantis\" not found.\nUse /areas to see available areas.", snd.last(t).text)

	got, _ := subs.Subscriptions(context.Background(), 1)
	assert.Equal(t, []string{"Ang Mo Kio"}, got)
}

func TestSubscribeWhenUpstreamDown(t *testing.T) {
	t.Parallel()
	r, snd, _ := newTestRouter(t, fakeForecasts{err: forecast.ErrUnavailable})
	say(r, 1, "/subscribe Bedok")
	assert.Equal(t, "Sorry, could not reach the weather service right now. Try again later.", snd.last(t).text)

	say(r, 1, "/areas")
	assert.Equal(t, "Sorry, could not fetch area list right now.", snd.last(t).text)
}

func TestUnsubscribeAndWeather(t *testing.T) {
	t.Parallel()
	r, snd, _ := newTestRouter(t, fakeForecasts{})

	say(r, 5, "/weather")
	assert.Equal(t, "You're not subscribed yet.\nUse /subscribe <area> to get started.", snd.last(t).text)
	say(r, 5, "/unsubscribe")
	assert.Equal(t, "You have no active subscriptions.", snd.last(t).text)

	say(r, 5, "/sub Bedok")
	say(r, 5, "/sub Ang Mo Kio")

	say(r, 5, "/weather")
	assert.Equal(t, "☁️ *Ang Mo Kio*\nForecast: *Cloudy*\nValid: 12 to 2 PM\n\n☀️ *Bedok*\nForecast: *Fair*\nValid: 12 to 2 PM", snd.last(t).text)

	say(r, 5, "/unsubscribe")
	assert.Equal(t, "Please specify an area to unsubscribe from.\nExample: /unsubscribe Ang Mo Kio\n\nYour subscriptions:\n• Ang Mo Kio\n• Bedok", snd.last(t).text)

	say(r, 5, "/unsubscribe tuas")
	assert.True(t, strings.HasPrefix(snd.last(t).text, "You're not subscribed to \"tuas\"."))

	say(r, 5, "/unsubscribe BEDOK")
	assert.Equal(t, "Unsubscribed from *Bedok*.", snd.last(t).text)
}

func TestAreasStartHelpAndAccess(t *testing.T) {
	t.Parallel()
	r, snd, _ := newTestRouter(t, fakeForecasts{})

	say(r, 1, "/areas")
	assert.Equal(t, "Available areas:\n\n• Ang Mo Kio\n• Bedok", snd.last(t).text)

	say(r, 1, "/start")
	assert.Equal(t, startText, snd.last(t).text)

	say(r, 1, "/help")
	help := snd.last(t).text
	assert.Contains(t, help, "/subscribe - Get 2-hourly weather updates for an area")
	assert.NotContains(t, help, "/status")
	assert.NotContains(t, help, "/start")

	say(r, 1, "/status")
	assert.Equal(t, "unauthorized", snd.last(t).text)
	say(r, 99, "/status")
	assert.Equal(t, "last tick: ok", snd.last(t).text)

	say(r, 1, "/nope")
	assert.Equal(t, "Unknown command. Try /help", snd.last(t).text)

	snd.mu.Lock()
	menu := snd.menu
	snd.mu.Unlock()
	names := make([]string, 0, len(menu))
	for _, c := range menu {
		names = append(names, c.Command)
	}
	assert.Equal(t, []string{"areas", "help", "subscribe", "unsubscribe", "weather"}, names)
}

func TestHandlerPanicIsContained(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	r := New(logx.Nop(), snd, nil)
	r.SetCommands(context.Background(), []Command{{Name: "boom", Handle: func(context.Context, *Request) error { panic("x") }}})
	assert.NotPanics(t, func() { say(r, 1, "/boom") })
	assert.Equal(t, failureReply, snd.last(t).text)
}

func TestFailureReplyOnlyWhenHandlerDidNotAnswer(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	r := New(logx.Nop(), snd, nil)
	r.SetCommands(context.Background(), []Command{
		{Name: "silent", Handle: func(context.Context, *Request) error { return errors.New("db locked") }},
		{Name: "loud", Handle: func(ctx context.Context, req *Request) error {
			_ = req.Reply(ctx, "Sorry, could not fetch area list right now.")
			return errors.New("upstream down")
		}},
	})

	say(r, 1, "/silent")
	assert.Equal(t, failureReply, snd.last(t).text)

	say(r, 1, "/loud")
	snd.mu.Lock()
	n := len(snd.msgs)
	snd.mu.Unlock()
	assert.Equal(t, 2, n)
	assert.Equal(t, "Sorry, could not fetch area list right now.", snd.last(t).text)
}

func TestDispatchLoopRunsHandlers(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	r := New(logx.Nop(), snd, nil)
	r.SetCommands(context.Background(), []Command{{Name: "ping", Handle: func(ctx context.Context, req *Request) error {
		return req.Reply(ctx, "pong")
	}}})

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 1)
	done := make(chan error, 1)
	go func() { done <- r.DispatchLoop(ctx, updates) }()
	updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 3, Text: "/ping"}}

	require.Eventually(t, func() bool {
		snd.mu.Lock()
		defer snd.mu.Unlock()
		return len(snd.msgs) == 1 && snd.msgs[0].text == "pong"
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	word, args, ok := parseCommand(`/Subscribe@bot "Ang Mo Kio"`)
	require.True(t, ok)
	assert.Equal(t, "subscribe", word)
	assert.Equal(t, []string{"Ang Mo Kio"}, args)

	_, _, ok = parseCommand("hello")
	assert.False(t, ok)
	_, _, ok = parseCommand("/")
	assert.False(t, ok)
	assert.Equal(t, "unsub", sanitizeTelegramCommand(" Unsub "))
	assert.Equal(t, "a_b", sanitizeTelegramCommand("a-b"))
}
