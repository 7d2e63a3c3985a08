package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/trishtzy/weatherbot/internal/forecast"
	"github.com/trishtzy/weatherbot/pkg/logx"
)

const startText = "Hello! I'm the SG Weather Bot.\n\n" +
	"Commands:\n" +
	"/subscribe <area> - Get 2-hourly weather updates (multiple areas OK)\n" +
	"/unsubscribe <area> - Stop updates for an area\n" +
	"/weather - Current forecast for your subscribed areas\n" +
	"/areas - List all available areas\n\n" +
	"Example: /subscribe Bedok"

type Subscriptions interface {
	AddSubscription(ctx context.Context, chatID int64, area string) (bool, error)
	RemoveSubscription(ctx context.Context, chatID int64, area string) (bool, error)
	Subscriptions(ctx context.Context, chatID int64) ([]string, error)
}

type AreaDirectory interface {
	Names(ctx context.Context) ([]string, error)
	Match(ctx context.Context, input string) (string, bool, error)
}

type Forecasts interface {
	Get(ctx context.Context, now time.Time) (forecast.Snapshot, error)
}

// WeatherDeps wires the subscriber-facing commands.
type WeatherDeps struct {
	Store     Subscriptions
	Areas     AreaDirectory
	Forecasts Forecasts
	Clock     clockwork.Clock
	// Status renders the owner-only /status reply. Nil omits the command.
	Status func(ctx context.Context) string
}

// WeatherCommands returns the subscription commands.
func WeatherCommands(d WeatherDeps) []Command {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	cmds := []Command{
		{
			Name:        "start",
			Description: "Introduction and usage",
			Hidden:      true,
			Handle: func(ctx context.Context, req *Request) error {
				return req.Reply(ctx, startText)
			},
		},
		{
			Name:        "areas",
			Description: "List all available areas",
			Handle:      d.areas,
		},
		{
			Name:        "subscribe",
			Aliases:     []string{"sub"},
			Description: "Get 2-hourly weather updates for an area",
			Usage:       "/subscribe <area>",
			Handle:      d.subscribe,
		},
		{
			Name:        "unsubscribe",
			Aliases:     []string{"unsub"},
			Description: "Stop updates for an area",
			Usage:       "/unsubscribe [area]",
			Handle:      d.unsubscribe,
		},
		{
			Name:        "weather",
			Description: "Current forecast for your subscribed areas",
			Handle:      d.weather,
		},
	}
	if d.Status != nil {
		cmds = append(cmds, Command{
			Name:        "status",
			Description: "Delivery loop status",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				return req.Reply(ctx, d.Status(ctx))
			},
		})
	}
	return cmds
}

func bulletList(items []string) string {
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = "• " + it
	}
	return strings.Join(lines, "\n")
}

func (d WeatherDeps) areas(ctx context.Context, req *Request) error {
	names, err := d.Areas.Names(ctx)
	if err != nil {
		req.Logger.Warn("area list unavailable", logx.Err(err))
		return req.Reply(ctx, "Sorry, could not fetch area list right now.")
	}
	return req.Reply(ctx, "Available areas:\n\n"+bulletList(names))
}

func (d WeatherDeps) subscribe(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, "Please provide an area name.\nExample: /subscribe Bedok\n\nUse /areas to see the full list.")
	}
	input := strings.Join(req.Args, " ")
	area, ok, err := d.Areas.Match(ctx, input)
	if err != nil {
		req.Logger.Warn("area lookup failed", logx.Err(err))
		return req.Reply(ctx, "Sorry, could not reach the weather service right now. Try again later.")
	}
	if !ok {
		return req.Reply(ctx, fmt.Sprintf("Area \"%s\" not found.\nUse /areas to see available areas.", input))
	}

	inserted, err := d.Store.AddSubscription(ctx, req.Chat.ChatID, area)
	if err != nil {
		return fmt.Errorf("subscribe %q: %w", area, err)
	}
	if !inserted {
		return req.ReplyMarkdown(ctx, fmt.Sprintf("You're already subscribed to *%s*.", area))
	}

	reply := fmt.Sprintf("Subscribed to weather updates for *%s*! You'll receive forecasts every 2 hours.", area)
	if snap, err := d.Forecasts.Get(ctx, d.Clock.Now()); err == nil {
		if label, ok := snap.Lookup(area); ok {
			reply += "\n\nCurrent forecast:\n" + forecast.FormatBlock(area, label, snap.ValidityText)
		}
	}
	return req.ReplyMarkdown(ctx, reply)
}

func (d WeatherDeps) unsubscribe(ctx context.Context, req *Request) error {
	areas, err := d.Store.Subscriptions(ctx, req.Chat.ChatID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	if len(req.Args) == 0 {
		if len(areas) == 0 {
			return req.Reply(ctx, "You have no active subscriptions.")
		}
		return req.Reply(ctx, fmt.Sprintf("Please specify an area to unsubscribe from.\nExample: /unsubscribe %s\n\nYour subscriptions:\n%s", areas[0], bulletList(areas)))
	}

	input := strings.Join(req.Args, " ")
	var matched string
	for _, a := range areas {
		if strings.EqualFold(a, input) {
			matched = a
			break
		}
	}
	if matched == "" {
		return req.Reply(ctx, fmt.Sprintf("You're not subscribed to \"%s\".\nUse /unsubscribe with no arguments to see your subscriptions.", input))
	}
	if _, err := d.Store.RemoveSubscription(ctx, req.Chat.ChatID, matched); err != nil {
		return fmt.Errorf("unsubscribe %q: %w", matched, err)
	}
	return req.ReplyMarkdown(ctx, fmt.Sprintf("Unsubscribed from *%s*.", matched))
}

func (d WeatherDeps) weather(ctx context.Context, req *Request) error {
	areas, err := d.Store.Subscriptions(ctx, req.Chat.ChatID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	if len(areas) == 0 {
		return req.Reply(ctx, "You're not subscribed yet.\nUse /subscribe <area> to get started.")
	}
	snap, err := d.Forecasts.Get(ctx, d.Clock.Now())
	if err != nil {
		req.Logger.Warn("forecast unavailable", logx.Err(err))
		return req.Reply(ctx, "Sorry, could not fetch the forecast right now.")
	}
	text, n := forecast.Compose(snap, areas)
	if n == 0 {
		return req.Reply(ctx, "No forecast data available for your areas right now.")
	}
	return req.ReplyMarkdown(ctx, text)
}
