package adapter

import (
	"context"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "github.com/trishtzy/weatherbot/internal/transport"
	"github.com/trishtzy/weatherbot/pkg/logx"
)

const (
	maxMenuCommands    = 100
	maxMenuDescription = 256
)

// UpdateMenuCommands publishes the command menu. An unchanged list is not
// sent again. ctx is only checked up front; telebot calls are not cancellable.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	menu := make([]tele.Command, 0, min(len(cmds), maxMenuCommands))
	var key strings.Builder
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		if len(menu) == maxMenuCommands {
			break
		}
		desc := c.Description
		if desc == "" {
			desc = c.Command
		}
		if len(desc) > maxMenuDescription {
			desc = desc[:maxMenuDescription]
		}
		menu = append(menu, tele.Command{Text: c.Command, Description: desc})
		key.WriteString(c.Command + "\x00" + desc + "\x00")
	}

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if key.String() == a.menuKey {
		return nil
	}
	if err := a.bot.SetCommands(menu); err != nil {
		return classify(err)
	}
	a.menuKey = key.String()
	a.log.Info("menu commands updated", logx.Int("count", len(menu)))
	return nil
}
